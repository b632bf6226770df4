package swiftapi

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/FairForge/herald/internal/config"
	"github.com/FairForge/herald/internal/request"
	"github.com/FairForge/herald/internal/s3err"
)

func (rs *Resolver) putObject(ctx context.Context, r *http.Request, meta *request.Meta, cfg *config.SwiftConfig) (*http.Response, error) {
	header := http.Header{}
	if ct := r.Header.Get("Content-Type"); ct != "" {
		header.Set("Content-Type", ct)
	}
	if cl := r.Header.Get("Content-Length"); cl != "" {
		header.Set("Content-Length", cl)
	}
	copyAmzMetaToSwift(header, r.Header)

	resp, err := rs.client.do(ctx, cfg, http.MethodPut, meta.Key, nil, header, r.Body)
	if err != nil {
		return nil, err
	}
	defer drainClose(resp.Body)

	if resp.StatusCode != http.StatusCreated {
		return nil, mapSwiftError(targetObject, resp.StatusCode)
	}
	if err := requireHeaders(resp.Header, "Etag"); err != nil {
		return nil, err
	}

	h := http.Header{}
	h.Set("ETag", quoteETag(resp.Header.Get("Etag")))
	h.Set("Content-Length", "0")
	return newResponse(http.StatusOK, h, nil), nil
}

func (rs *Resolver) getObject(ctx context.Context, r *http.Request, meta *request.Meta, cfg *config.SwiftConfig) (*http.Response, error) {
	header := http.Header{}
	if rng := r.Header.Get("Range"); rng != "" {
		header.Set("Range", rng)
	}

	resp, err := rs.client.do(ctx, cfg, http.MethodGet, meta.Key, nil, header, nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		drainClose(resp.Body)
		return nil, mapSwiftError(targetObject, resp.StatusCode)
	}
	if err := requireHeaders(resp.Header, "Etag", "Content-Length"); err != nil {
		drainClose(resp.Body)
		return nil, err
	}

	h := objectHeaders(resp.Header)
	if resp.StatusCode == http.StatusPartialContent {
		if cr := resp.Header.Get("Content-Range"); cr != "" {
			h.Set("Content-Range", cr)
		}
	}

	// Stream the upstream body through unchanged.
	return &http.Response{
		Status:        resp.Status,
		StatusCode:    resp.StatusCode,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        h,
		Body:          resp.Body,
		ContentLength: resp.ContentLength,
	}, nil
}

func (rs *Resolver) headObject(ctx context.Context, r *http.Request, meta *request.Meta, cfg *config.SwiftConfig) (*http.Response, error) {
	resp, err := rs.client.do(ctx, cfg, http.MethodHead, meta.Key, nil, nil, nil)
	if err != nil {
		return nil, err
	}
	defer drainClose(resp.Body)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return nil, mapSwiftError(targetObject, resp.StatusCode)
	}
	if err := requireHeaders(resp.Header, "Etag", "Content-Length"); err != nil {
		return nil, err
	}

	return newResponse(http.StatusOK, objectHeaders(resp.Header), nil), nil
}

func (rs *Resolver) deleteObject(ctx context.Context, meta *request.Meta, cfg *config.SwiftConfig) (*http.Response, error) {
	resp, err := rs.client.do(ctx, cfg, http.MethodDelete, meta.Key, nil, nil, nil)
	if err != nil {
		return nil, err
	}
	defer drainClose(resp.Body)

	// DeleteObject is idempotent on the S3 side: deleting a missing key
	// still answers 204.
	switch resp.StatusCode {
	case http.StatusNoContent, http.StatusNotFound:
		return newResponse(http.StatusNoContent, nil, nil), nil
	}
	return nil, mapSwiftError(targetObject, resp.StatusCode)
}

func (rs *Resolver) copyObject(ctx context.Context, meta *request.Meta, cfg *config.SwiftConfig) (*http.Response, error) {
	srcKey, err := copySourceKey(meta.CopySource)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	header.Set("X-Copy-From", "/"+cfg.Container+"/"+srcKey)
	header.Set("Content-Length", "0")

	resp, err := rs.client.do(ctx, cfg, http.MethodPut, meta.Key, nil, header, nil)
	if err != nil {
		return nil, err
	}
	defer drainClose(resp.Body)

	if resp.StatusCode != http.StatusCreated {
		return nil, mapSwiftError(targetObject, resp.StatusCode)
	}
	if err := requireHeaders(resp.Header, "Etag"); err != nil {
		return nil, err
	}

	rs.logger.Debug("copied object",
		zap.String("container", cfg.Container),
		zap.String("from", srcKey),
		zap.String("to", meta.Key))

	return xmlResponse(http.StatusOK, copyObjectResult{
		ETag:         quoteETag(resp.Header.Get("Etag")),
		LastModified: lastModifiedRFC3339(resp.Header),
	})
}

// copySourceKey strips the leading bucket from an x-amz-copy-source value
// ("/bucket/key" or "bucket/key").
func copySourceKey(copySource string) (string, error) {
	trimmed := strings.TrimPrefix(copySource, "/")
	parts := strings.SplitN(trimmed, "/", 2)
	if len(parts) != 2 || parts[1] == "" {
		return "", s3err.WithMessage(s3err.CodeInvalidRequest,
			fmt.Sprintf("Invalid copy source: %s", copySource))
	}
	return parts[1], nil
}

// objectHeaders maps Swift object headers to their S3 names. Swift custom
// metadata (X-Object-Meta-*) becomes x-amz-meta-*.
func objectHeaders(src http.Header) http.Header {
	h := http.Header{}
	h.Set("ETag", quoteETag(src.Get("Etag")))
	h.Set("Accept-Ranges", "bytes")
	if cl := src.Get("Content-Length"); cl != "" {
		h.Set("Content-Length", cl)
	}
	if ct := src.Get("Content-Type"); ct != "" {
		h.Set("Content-Type", ct)
	}
	h.Set("Last-Modified", lastModifiedRFC1123(src))

	for k, vs := range src {
		if rest, ok := cutPrefixFold(k, "X-Object-Meta-"); ok && len(vs) > 0 {
			h.Set("x-amz-meta-"+strings.ToLower(rest), vs[0])
		}
	}
	return h
}

func copyAmzMetaToSwift(dst, src http.Header) {
	for k, vs := range src {
		if rest, ok := cutPrefixFold(k, "X-Amz-Meta-"); ok && len(vs) > 0 {
			dst.Set("X-Object-Meta-"+rest, vs[0])
		}
	}
}

func cutPrefixFold(s, prefix string) (string, bool) {
	if len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix) {
		return s[len(prefix):], true
	}
	return "", false
}

// lastModifiedRFC1123 derives the S3 Last-Modified header. Swift GET/HEAD
// answers carry either an HTTP date or only X-Timestamp (epoch seconds).
func lastModifiedRFC1123(h http.Header) string {
	return swiftModTime(h).UTC().Format(http.TimeFormat)
}

func lastModifiedRFC3339(h http.Header) string {
	return swiftModTime(h).UTC().Format(time.RFC3339)
}

func swiftModTime(h http.Header) time.Time {
	if lm := h.Get("Last-Modified"); lm != "" {
		if t, err := http.ParseTime(lm); err == nil {
			return t
		}
	}
	if ts := h.Get("X-Timestamp"); ts != "" {
		if f, err := strconv.ParseFloat(ts, 64); err == nil {
			return time.Unix(int64(f), 0)
		}
	}
	return time.Now()
}
