package swiftapi

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/FairForge/herald/internal/config"
	"github.com/FairForge/herald/internal/request"
	"github.com/FairForge/herald/internal/s3err"
)

// bulkResult is Swift's bulk-delete JSON answer. Errors is a list of
// [objectPath, statusLine] pairs.
type bulkResult struct {
	NumberDeleted  int        `json:"Number Deleted"`
	NumberNotFound int        `json:"Number Not Found"`
	ResponseStatus string     `json:"Response Status"`
	Errors         [][]string `json:"Errors"`
}

func (rs *Resolver) deleteObjects(ctx context.Context, r *http.Request, meta *request.Meta, cfg *config.SwiftConfig) (*http.Response, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, fmt.Errorf("swiftapi: read delete body: %w", err)
	}
	var del deleteRequest
	if err := xml.Unmarshal(body, &del); err != nil {
		return nil, s3err.New(s3err.CodeMalformedXML)
	}
	if len(del.Objects) == 0 {
		return nil, s3err.New(s3err.CodeMalformedXML)
	}

	paths := make([]string, 0, len(del.Objects))
	for _, o := range del.Objects {
		paths = append(paths, cfg.Container+"/"+o.Key)
	}

	res, err := rs.bulkDelete(ctx, cfg, paths)
	if err != nil {
		return nil, err
	}

	failed := make(map[string]string, len(res.Errors))
	for _, e := range res.Errors {
		if len(e) >= 2 {
			failed[e[0]] = e[1]
		}
	}

	result := deleteResult{Xmlns: s3Xmlns}
	for i, o := range del.Objects {
		statusLine, bad := failed[paths[i]]
		if !bad {
			if !del.Quiet {
				result.Deleted = append(result.Deleted, deletedItem{Key: o.Key})
			}
			continue
		}
		code := mapBulkErrorCode(statusLine)
		result.Errors = append(result.Errors, deleteError{
			Key:     o.Key,
			Code:    code,
			Message: s3err.New(code).Message,
		})
	}

	return xmlResponse(http.StatusOK, result)
}

func mapBulkErrorCode(statusLine string) string {
	status, _ := strconv.Atoi(strings.SplitN(statusLine, " ", 2)[0])
	switch status {
	case http.StatusNotFound:
		return s3err.CodeNoSuchKey
	case http.StatusForbidden, http.StatusUnauthorized:
		return s3err.CodeAccessDenied
	default:
		return s3err.CodeInternalError
	}
}

// bulkDelete removes the given "container/object" paths in one call. The
// account-level ?bulk-delete POST is tried through the regular HTTP client
// first; if the upstream rejects it, the manually framed variant runs,
// since some proxies in front of Swift mangle client-library chunking on
// this endpoint.
func (rs *Resolver) bulkDelete(ctx context.Context, cfg *config.SwiftConfig, paths []string) (*bulkResult, error) {
	payload := strings.Join(paths, "\n") + "\n"

	res, err := rs.bulkDeleteNative(ctx, cfg, payload)
	if err == nil {
		return res, nil
	}
	rs.logger.Debug("native bulk delete rejected, using raw framing", zap.Error(err))
	return rs.bulkDeleteRaw(ctx, cfg, payload)
}

func (rs *Resolver) bulkDeleteNative(ctx context.Context, cfg *config.SwiftConfig, payload string) (*bulkResult, error) {
	storageURL, token, err := rs.client.storageURL(ctx, cfg)
	if err != nil {
		return nil, err
	}

	u := *storageURL
	u.RawQuery = "bulk-delete"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), strings.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Auth-Token", token)
	req.Header.Set("Content-Type", "text/plain")
	req.Header.Set("Accept", "application/json")

	resp, err := rs.client.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		drainClose(resp.Body)
		return nil, fmt.Errorf("swiftapi: bulk delete status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return parseBulkBody(body)
}

// bulkDeleteRaw frames the bulk-delete POST by hand over a TLS connection
// and parses the response bytes directly.
func (rs *Resolver) bulkDeleteRaw(ctx context.Context, cfg *config.SwiftConfig, payload string) (*bulkResult, error) {
	storageURL, token, err := rs.client.storageURL(ctx, cfg)
	if err != nil {
		return nil, err
	}

	host := storageURL.Hostname()
	port := storageURL.Port()
	if port == "" {
		port = "443"
	}

	dialer := &tls.Dialer{NetDialer: &net.Dialer{}}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, port))
	if err != nil {
		return nil, fmt.Errorf("swiftapi: dial bulk delete: %w", err)
	}
	defer func() { _ = conn.Close() }()

	var req bytes.Buffer
	fmt.Fprintf(&req, "POST %s?bulk-delete HTTP/1.1\r\n", storageURL.Path)
	fmt.Fprintf(&req, "Host: %s\r\n", host)
	fmt.Fprintf(&req, "X-Auth-Token: %s\r\n", token)
	fmt.Fprintf(&req, "Content-Type: text/plain\r\n")
	fmt.Fprintf(&req, "Accept: application/json\r\n")
	fmt.Fprintf(&req, "Content-Length: %d\r\n", len(payload))
	fmt.Fprintf(&req, "Connection: close\r\n\r\n")
	req.WriteString(payload)

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	if _, err := conn.Write(req.Bytes()); err != nil {
		return nil, fmt.Errorf("swiftapi: write bulk delete: %w", err)
	}

	raw, err := io.ReadAll(conn)
	if err != nil {
		return nil, fmt.Errorf("swiftapi: read bulk delete response: %w", err)
	}
	return parseRawBulkResponse(raw)
}

// parseRawBulkResponse splits a raw HTTP/1.x response, checks the status
// line, undoes chunked framing if present, and decodes the JSON body.
func parseRawBulkResponse(raw []byte) (*bulkResult, error) {
	headerEnd := bytes.Index(raw, []byte("\r\n\r\n"))
	if headerEnd < 0 {
		return nil, fmt.Errorf("swiftapi: malformed bulk delete response")
	}
	head := raw[:headerEnd]
	body := raw[headerEnd+4:]

	lines := bytes.Split(head, []byte("\r\n"))
	fields := strings.Fields(string(lines[0]))
	if len(fields) < 2 || !strings.HasPrefix(fields[0], "HTTP/1.") {
		return nil, fmt.Errorf("swiftapi: malformed bulk delete status line %q", string(lines[0]))
	}
	status, err := strconv.Atoi(fields[1])
	if err != nil {
		return nil, fmt.Errorf("swiftapi: malformed bulk delete status %q", fields[1])
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("swiftapi: bulk delete status %d", status)
	}

	if bytes.Contains(bytes.ToLower(head), []byte("transfer-encoding: chunked")) {
		body = stripChunked(body)
	}
	return parseBulkBody(body)
}

// stripChunked removes chunk-size markers from a chunked body.
func stripChunked(body []byte) []byte {
	var out []byte
	for len(body) > 0 {
		nl := bytes.Index(body, []byte("\r\n"))
		if nl < 0 {
			break
		}
		size, err := strconv.ParseInt(strings.TrimSpace(string(body[:nl])), 16, 64)
		if err != nil || size == 0 {
			break
		}
		body = body[nl+2:]
		if int64(len(body)) < size {
			out = append(out, body...)
			break
		}
		out = append(out, body[:size]...)
		body = body[size:]
		body = bytes.TrimPrefix(body, []byte("\r\n"))
	}
	return out
}

func parseBulkBody(body []byte) (*bulkResult, error) {
	var res bulkResult
	if err := json.Unmarshal(bytes.TrimSpace(body), &res); err != nil {
		return nil, fmt.Errorf("swiftapi: decode bulk delete response: %w", err)
	}
	return &res, nil
}
