package swiftapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/FairForge/herald/internal/config"
	"github.com/FairForge/herald/internal/request"
	"github.com/FairForge/herald/internal/s3err"
)

const defaultMaxKeys = 1000

// listObjects converts a Swift JSON container listing into ListBucketResult
// XML. Both list flavors are handled: V2 (list-type=2 with
// continuation-token) and the legacy marker form.
func (rs *Resolver) listObjects(ctx context.Context, meta *request.Meta, cfg *config.SwiftConfig) (*http.Response, error) {
	v2 := false
	if lt, ok := meta.Query.Get("list-type"); ok && lt == "2" {
		v2 = true
	}

	prefix, _ := meta.Query.Get("prefix")
	delimiter, _ := meta.Query.Get("delimiter")

	marker := ""
	if v2 {
		if tok, ok := meta.Query.Get("continuation-token"); ok {
			marker = tok
		} else if sa, ok := meta.Query.Get("start-after"); ok {
			marker = sa
		}
	} else if m, ok := meta.Query.Get("marker"); ok {
		marker = m
	}

	maxKeys := defaultMaxKeys
	if mk, ok := meta.Query.Get("max-keys"); ok {
		n, err := strconv.Atoi(mk)
		if err != nil || n < 0 {
			return nil, invalidArgument("max-keys", mk)
		}
		maxKeys = n
	}

	// max-keys=0 is a valid request for an empty page.
	var entries []swiftEntry
	if maxKeys > 0 {
		var err error
		entries, err = rs.listContainer(ctx, cfg, prefix, delimiter, marker, maxKeys)
		if err != nil {
			return nil, err
		}
	}

	result := listBucketResult{
		Xmlns:       s3Xmlns,
		Name:        meta.Bucket,
		Prefix:      prefix,
		Delimiter:   delimiter,
		MaxKeys:     maxKeys,
		IsTruncated: len(entries) == maxKeys && maxKeys > 0,
	}

	lastName := ""
	keyCount := 0
	for _, e := range entries {
		if e.Subdir != "" {
			result.CommonPrefixes = append(result.CommonPrefixes, commonPrefix{Prefix: e.Subdir})
			lastName = e.Subdir
			keyCount++
			continue
		}
		result.Contents = append(result.Contents, objectEntry{
			Key:          e.Name,
			LastModified: swiftListTime(e.LastModified),
			ETag:         quoteETag(e.Hash),
			Size:         e.Bytes,
			StorageClass: "STANDARD",
		})
		lastName = e.Name
		keyCount++
	}

	if v2 {
		result.KeyCount = &keyCount
		if tok, ok := meta.Query.Get("continuation-token"); ok {
			result.ContinuationToken = tok
		}
		if result.IsTruncated {
			result.NextContinuationToken = lastName
		}
	} else {
		result.Marker = &marker
		if result.IsTruncated {
			result.NextMarker = lastName
		}
	}

	return xmlResponse(http.StatusOK, result)
}

// listContainer runs GET /{container}?format=json with the given listing
// window and decodes the entries.
func (rs *Resolver) listContainer(ctx context.Context, cfg *config.SwiftConfig, prefix, delimiter, marker string, limit int) ([]swiftEntry, error) {
	q := url.Values{}
	q.Set("format", "json")
	if prefix != "" {
		q.Set("prefix", prefix)
	}
	if delimiter != "" {
		q.Set("delimiter", delimiter)
	}
	if marker != "" {
		q.Set("marker", marker)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}

	resp, err := rs.client.do(ctx, cfg, http.MethodGet, "", q, nil, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, mapSwiftError(targetBucket, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("swiftapi: read container listing: %w", err)
	}
	var entries []swiftEntry
	if err := json.Unmarshal(body, &entries); err != nil {
		return nil, fmt.Errorf("swiftapi: decode container listing: %w", err)
	}
	return entries, nil
}

// swiftListTime converts Swift's listing timestamp
// ("2016-12-16T06:12:43.123456") to the RFC 3339 form S3 emits.
func swiftListTime(s string) string {
	for _, layout := range []string{"2006-01-02T15:04:05.999999", time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC().Format("2006-01-02T15:04:05.000Z")
		}
	}
	return s
}

func invalidArgument(name, value string) error {
	return s3err.WithMessage(s3err.CodeInvalidRequest, fmt.Sprintf("Invalid %s value: %s", name, value))
}
