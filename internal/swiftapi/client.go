// Package swiftapi presents an S3 surface over the OpenStack Object Storage
// REST API: status and header translation, listing conversion, multipart
// emulation with Static Large Objects, and bulk delete.
package swiftapi

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/FairForge/herald/internal/config"
	"github.com/FairForge/herald/internal/keystone"
)

// Client executes authenticated calls against a Swift object store. Tokens
// come from the shared keystone store; a 401 invalidates the cached token
// and the call is retried once with a fresh one.
type Client struct {
	store  *keystone.Store
	http   *http.Client
	logger *zap.Logger
}

func NewClient(store *keystone.Store, logger *zap.Logger) *Client {
	return &Client{
		store: store,
		http: &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost:   16,
				ResponseHeaderTimeout: 2 * time.Minute,
			},
		},
		logger: logger,
	}
}

// do performs one Swift call on cfg's container. object may be empty for
// container-level calls. The returned response is the raw upstream answer;
// callers translate status and headers.
func (c *Client) do(ctx context.Context, cfg *config.SwiftConfig, method, object string, query url.Values, header http.Header, body io.Reader) (*http.Response, error) {
	tok, err := c.store.Token(ctx, cfg)
	if err != nil {
		return nil, err
	}

	resp, err := c.doWithToken(ctx, tok, cfg.Container, method, object, query, header, body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}

	// Stale token. Refresh once; replay only when the body can rewind.
	_ = resp.Body.Close()
	c.store.Invalidate(cfg)

	rewound, ok := rewind(body)
	if !ok {
		return nil, fmt.Errorf("swiftapi: token rejected and request body is not replayable")
	}
	tok, err = c.store.Token(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return c.doWithToken(ctx, tok, cfg.Container, method, object, query, header, rewound)
}

func (c *Client) doWithToken(ctx context.Context, tok keystone.Token, container, method, object string, query url.Values, header http.Header, body io.Reader) (*http.Response, error) {
	target, err := swiftURL(tok.StorageURL, container, object)
	if err != nil {
		return nil, err
	}
	if len(query) > 0 {
		target.RawQuery = query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return nil, err
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("X-Auth-Token", tok.Token)

	return c.http.Do(req)
}

// GetObject fetches key's raw Swift answer. Mirror workers use this to
// re-read an object from a Swift primary before replaying it to a replica.
func (c *Client) GetObject(ctx context.Context, cfg *config.SwiftConfig, key string) (*http.Response, error) {
	return c.do(ctx, cfg, http.MethodGet, key, nil, nil, nil)
}

// storageURL resolves the object-store endpoint for cfg without issuing a
// data-path call. Used by the bulk-delete framer which targets the account
// path directly.
func (c *Client) storageURL(ctx context.Context, cfg *config.SwiftConfig) (*url.URL, string, error) {
	tok, err := c.store.Token(ctx, cfg)
	if err != nil {
		return nil, "", err
	}
	u, err := url.Parse(tok.StorageURL)
	if err != nil {
		return nil, "", fmt.Errorf("swiftapi: parse storage url %q: %w", tok.StorageURL, err)
	}
	return u, tok.Token, nil
}

// swiftURL joins {storageUrl}/{container}[/{object}]. The object key rides
// in the decoded Path; url.URL re-escapes it on the wire.
func swiftURL(storageURL, container, object string) (*url.URL, error) {
	u, err := url.Parse(storageURL)
	if err != nil {
		return nil, fmt.Errorf("swiftapi: parse storage url %q: %w", storageURL, err)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/" + container
	if object != "" {
		u.Path += "/" + object
	}
	u.RawQuery = ""
	return u, nil
}

// rewind attempts to reset body for a replay. A nil body always rewinds.
func rewind(body io.Reader) (io.Reader, bool) {
	if body == nil {
		return nil, true
	}
	if s, ok := body.(io.Seeker); ok {
		if _, err := s.Seek(0, io.SeekStart); err == nil {
			return body, true
		}
	}
	return nil, false
}

// drainClose discards and closes an upstream body so the connection is
// reusable.
func drainClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 64<<10))
	_ = body.Close()
}

// newResponse synthesizes a client-facing response.
func newResponse(status int, header http.Header, body []byte) *http.Response {
	if header == nil {
		header = http.Header{}
	}
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", status, http.StatusText(status)),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
	}
}

// xmlResponse marshals doc as the response body with the XML declaration.
func xmlResponse(status int, doc interface{}) (*http.Response, error) {
	body, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("swiftapi: marshal response: %w", err)
	}
	h := http.Header{}
	h.Set("Content-Type", "application/xml")
	return newResponse(status, h, append([]byte(xml.Header), body...)), nil
}
