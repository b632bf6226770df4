package swiftapi

import (
	"bytes"
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/FairForge/herald/internal/config"
	"github.com/FairForge/herald/internal/request"
	"github.com/FairForge/herald/internal/s3err"
)

// sessionPrefix is where simulated multipart state lives inside the target
// container itself; the gateway keeps no multipart state of its own.
const sessionPrefix = ".herald/multipart/"

const (
	defaultMaxParts   = 1000
	defaultMaxUploads = 1000
)

// multipartSession is the JSON blob tracking one simulated upload.
type multipartSession struct {
	UploadID     string        `json:"uploadId"`
	Bucket       string        `json:"bucket"`
	ObjectKey    string        `json:"objectKey"`
	Initiated    time.Time     `json:"initiated"`
	Initiator    string        `json:"initiator"`
	Owner        string        `json:"owner"`
	StorageClass string        `json:"storageClass"`
	Parts        []sessionPart `json:"parts"`
}

type sessionPart struct {
	PartNumber   int       `json:"partNumber"`
	ETag         string    `json:"eTag"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"lastModified"`
}

func sessionPath(uploadID string) string {
	return sessionPrefix + uploadID + ".json"
}

// partPath is where a part's bytes land pending SLO assembly.
func partPath(key string, partNumber int) string {
	return key + "/" + strconv.Itoa(partNumber)
}

func (rs *Resolver) getSession(ctx context.Context, cfg *config.SwiftConfig, uploadID string) (*multipartSession, bool, error) {
	resp, err := rs.client.do(ctx, cfg, http.MethodGet, sessionPath(uploadID), nil, nil, nil)
	if err != nil {
		return nil, false, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return nil, false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, false, mapSwiftError(targetUpload, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, false, fmt.Errorf("swiftapi: read multipart session: %w", err)
	}
	var s multipartSession
	if err := json.Unmarshal(body, &s); err != nil {
		return nil, false, fmt.Errorf("swiftapi: decode multipart session %s: %w", uploadID, err)
	}
	return &s, true, nil
}

func (rs *Resolver) putSession(ctx context.Context, cfg *config.SwiftConfig, s *multipartSession) error {
	body, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("swiftapi: encode multipart session: %w", err)
	}

	header := http.Header{}
	header.Set("Content-Type", "application/json")
	resp, err := rs.client.do(ctx, cfg, http.MethodPut, sessionPath(s.UploadID), nil, header, bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer drainClose(resp.Body)

	if resp.StatusCode != http.StatusCreated {
		return mapSwiftError(targetUpload, resp.StatusCode)
	}
	return nil
}

func (rs *Resolver) createMultipartUpload(ctx context.Context, r *http.Request, meta *request.Meta, cfg *config.SwiftConfig) (*http.Response, error) {
	s := &multipartSession{
		UploadID:     uuid.NewString(),
		Bucket:       meta.Bucket,
		ObjectKey:    meta.Key,
		Initiated:    time.Now().UTC(),
		Initiator:    cfg.Username,
		Owner:        cfg.ProjectName,
		StorageClass: "STANDARD",
	}
	if err := rs.putSession(ctx, cfg, s); err != nil {
		return nil, err
	}

	rs.logger.Debug("initiated multipart upload",
		zap.String("bucket", meta.Bucket),
		zap.String("key", meta.Key),
		zap.String("upload_id", s.UploadID))

	return xmlResponse(http.StatusOK, initiateMultipartUploadResult{
		Xmlns:    s3Xmlns,
		Bucket:   meta.Bucket,
		Key:      meta.Key,
		UploadID: s.UploadID,
	})
}

func (rs *Resolver) uploadPart(ctx context.Context, r *http.Request, meta *request.Meta, cfg *config.SwiftConfig) (*http.Response, error) {
	uploadID, _ := meta.Query.Get("uploadId")
	pn, ok := meta.Query.Get("partNumber")
	partNumber, err := strconv.Atoi(pn)
	if !ok || err != nil || partNumber < 1 {
		return nil, s3err.New(s3err.CodeInvalidPartNumber)
	}

	header := http.Header{}
	if cl := r.Header.Get("Content-Length"); cl != "" {
		header.Set("Content-Length", cl)
	}
	resp, err := rs.client.do(ctx, cfg, http.MethodPut, partPath(meta.Key, partNumber), nil, header, r.Body)
	if err != nil {
		return nil, err
	}
	drainClose(resp.Body)
	if resp.StatusCode != http.StatusCreated {
		return nil, mapSwiftError(targetObject, resp.StatusCode)
	}
	etag := resp.Header.Get("Etag")

	s, found, err := rs.getSession(ctx, cfg, uploadID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, s3err.New(s3err.CodeNoSuchUpload)
	}

	// Last writer wins per part number.
	kept := s.Parts[:0]
	for _, p := range s.Parts {
		if p.PartNumber != partNumber {
			kept = append(kept, p)
		}
	}
	s.Parts = append(kept, sessionPart{
		PartNumber:   partNumber,
		ETag:         etag,
		Size:         r.ContentLength,
		LastModified: time.Now().UTC(),
	})
	if err := rs.putSession(ctx, cfg, s); err != nil {
		return nil, err
	}

	h := http.Header{}
	h.Set("ETag", quoteETag(etag))
	h.Set("Content-Length", "0")
	return newResponse(http.StatusOK, h, nil), nil
}

func (rs *Resolver) completeMultipartUpload(ctx context.Context, r *http.Request, meta *request.Meta, cfg *config.SwiftConfig) (*http.Response, error) {
	uploadID, _ := meta.Query.Get("uploadId")

	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, fmt.Errorf("swiftapi: read complete body: %w", err)
	}
	if len(body) > 0 {
		var req completeMultipartUpload
		if err := xml.Unmarshal(body, &req); err != nil {
			return nil, s3err.New(s3err.CodeMalformedXML)
		}
	}

	s, found, err := rs.getSession(ctx, cfg, uploadID)
	if err != nil {
		return nil, err
	}
	if !found {
		// A retried Complete lands here: the session is gone but the
		// manifest exists. Answer with the assembled object's ETag.
		return rs.completeIdempotent(ctx, meta, cfg)
	}
	if len(s.Parts) == 0 {
		return nil, s3err.New(s3err.CodeMalformedXML)
	}

	sort.Slice(s.Parts, func(i, j int) bool { return s.Parts[i].PartNumber < s.Parts[j].PartNumber })
	manifest := make([]sloSegment, 0, len(s.Parts))
	for _, p := range s.Parts {
		manifest = append(manifest, sloSegment{
			Path:      "/" + cfg.Container + "/" + partPath(meta.Key, p.PartNumber),
			ETag:      p.ETag,
			SizeBytes: p.Size,
		})
	}
	manifestJSON, err := json.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("swiftapi: encode slo manifest: %w", err)
	}

	q := url.Values{}
	q.Set("multipart-manifest", "put")
	header := http.Header{}
	header.Set("Content-Type", "application/json")
	resp, err := rs.client.do(ctx, cfg, http.MethodPut, meta.Key, q, header, bytes.NewReader(manifestJSON))
	if err != nil {
		return nil, err
	}
	defer drainClose(resp.Body)
	if resp.StatusCode != http.StatusCreated {
		return nil, mapSwiftError(targetUpload, resp.StatusCode)
	}
	etag := resp.Header.Get("Etag")

	// Session removal is best effort; a leftover session only costs a
	// redundant idempotency check on a retried Complete.
	if dresp, derr := rs.client.do(ctx, cfg, http.MethodDelete, sessionPath(uploadID), nil, nil, nil); derr == nil {
		drainClose(dresp.Body)
	} else {
		rs.logger.Warn("failed to remove multipart session",
			zap.String("upload_id", uploadID),
			zap.Error(derr))
	}

	return xmlResponse(http.StatusOK, completeMultipartUploadResult{
		Xmlns:    s3Xmlns,
		Location: cfg.Region,
		Bucket:   meta.Bucket,
		Key:      meta.Key,
		ETag:     quoteETag(etag),
	})
}

func (rs *Resolver) completeIdempotent(ctx context.Context, meta *request.Meta, cfg *config.SwiftConfig) (*http.Response, error) {
	resp, err := rs.client.do(ctx, cfg, http.MethodHead, meta.Key, nil, nil, nil)
	if err != nil {
		return nil, err
	}
	defer drainClose(resp.Body)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return nil, s3err.New(s3err.CodeNoSuchUpload)
	}
	return xmlResponse(http.StatusOK, completeMultipartUploadResult{
		Xmlns:    s3Xmlns,
		Location: cfg.Region,
		Bucket:   meta.Bucket,
		Key:      meta.Key,
		ETag:     quoteETag(resp.Header.Get("Etag")),
	})
}

func (rs *Resolver) abortMultipartUpload(ctx context.Context, meta *request.Meta, cfg *config.SwiftConfig) (*http.Response, error) {
	uploadID, _ := meta.Query.Get("uploadId")

	resp, err := rs.client.do(ctx, cfg, http.MethodDelete, sessionPath(uploadID), nil, nil, nil)
	if err != nil {
		return nil, err
	}
	drainClose(resp.Body)
	switch resp.StatusCode {
	case http.StatusNoContent:
	case http.StatusNotFound:
		return nil, s3err.New(s3err.CodeNoSuchUpload)
	default:
		return nil, mapSwiftError(targetUpload, resp.StatusCode)
	}

	// Uploaded parts are removed best effort; orphans are harmless.
	entries, err := rs.listContainer(ctx, cfg, meta.Key+"/", "", "", 0)
	if err == nil && len(entries) > 0 {
		paths := make([]string, 0, len(entries))
		for _, e := range entries {
			if e.Name != "" {
				paths = append(paths, cfg.Container+"/"+e.Name)
			}
		}
		if _, err := rs.bulkDelete(ctx, cfg, paths); err != nil {
			rs.logger.Warn("failed to clean up aborted upload parts",
				zap.String("upload_id", uploadID),
				zap.Error(err))
		}
	}

	return newResponse(http.StatusNoContent, nil, nil), nil
}

func (rs *Resolver) listParts(ctx context.Context, meta *request.Meta, cfg *config.SwiftConfig) (*http.Response, error) {
	uploadID, _ := meta.Query.Get("uploadId")

	s, found, err := rs.getSession(ctx, cfg, uploadID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, s3err.New(s3err.CodeNoSuchUpload)
	}

	marker := 0
	if m, ok := meta.Query.Get("part-number-marker"); ok {
		n, err := strconv.Atoi(m)
		if err != nil || n < 0 {
			return nil, invalidArgument("part-number-marker", m)
		}
		marker = n
	}
	maxParts := defaultMaxParts
	if m, ok := meta.Query.Get("max-parts"); ok {
		n, err := strconv.Atoi(m)
		if err != nil || n < 0 {
			return nil, invalidArgument("max-parts", m)
		}
		maxParts = n
	}

	sort.Slice(s.Parts, func(i, j int) bool { return s.Parts[i].PartNumber < s.Parts[j].PartNumber })

	result := listPartsResult{
		Xmlns:            s3Xmlns,
		Bucket:           meta.Bucket,
		Key:              meta.Key,
		UploadID:         uploadID,
		PartNumberMarker: marker,
		MaxParts:         maxParts,
		StorageClass:     "STANDARD",
	}
	for _, p := range s.Parts {
		if p.PartNumber <= marker {
			continue
		}
		if len(result.Parts) == maxParts {
			result.IsTruncated = true
			break
		}
		result.Parts = append(result.Parts, partItem{
			PartNumber:   p.PartNumber,
			LastModified: p.LastModified.UTC().Format("2006-01-02T15:04:05.000Z"),
			ETag:         quoteETag(p.ETag),
			Size:         p.Size,
		})
	}
	if len(result.Parts) > 0 {
		result.NextPartNumberMarker = result.Parts[len(result.Parts)-1].PartNumber
	}

	return xmlResponse(http.StatusOK, result)
}

func (rs *Resolver) listMultipartUploads(ctx context.Context, meta *request.Meta, cfg *config.SwiftConfig) (*http.Response, error) {
	prefix, _ := meta.Query.Get("prefix")
	delimiter, _ := meta.Query.Get("delimiter")
	keyMarker, _ := meta.Query.Get("key-marker")
	uploadIDMarker, _ := meta.Query.Get("upload-id-marker")

	maxUploads := defaultMaxUploads
	if m, ok := meta.Query.Get("max-uploads"); ok {
		n, err := strconv.Atoi(m)
		if err != nil || n < 0 {
			return nil, invalidArgument("max-uploads", m)
		}
		maxUploads = n
	}

	entries, err := rs.listContainer(ctx, cfg, sessionPrefix, "", "", 0)
	if err != nil {
		return nil, err
	}

	var sessions []*multipartSession
	for _, e := range entries {
		if e.Name == "" || !strings.HasSuffix(e.Name, ".json") {
			continue
		}
		id := strings.TrimSuffix(strings.TrimPrefix(e.Name, sessionPrefix), ".json")
		s, found, err := rs.getSession(ctx, cfg, id)
		if err != nil {
			return nil, err
		}
		if !found {
			continue
		}
		sessions = append(sessions, s)
	}

	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].ObjectKey != sessions[j].ObjectKey {
			return sessions[i].ObjectKey < sessions[j].ObjectKey
		}
		return sessions[i].UploadID < sessions[j].UploadID
	})

	result := listMultipartUploadsResult{
		Xmlns:          s3Xmlns,
		Bucket:         meta.Bucket,
		KeyMarker:      keyMarker,
		UploadIDMarker: uploadIDMarker,
		Delimiter:      delimiter,
		Prefix:         prefix,
		MaxUploads:     maxUploads,
	}

	seenPrefixes := map[string]bool{}
	for _, s := range sessions {
		if prefix != "" && !strings.HasPrefix(s.ObjectKey, prefix) {
			continue
		}
		if keyMarker != "" {
			if s.ObjectKey < keyMarker {
				continue
			}
			if s.ObjectKey == keyMarker && (uploadIDMarker == "" || s.UploadID <= uploadIDMarker) {
				continue
			}
		}

		if delimiter != "" {
			rest := strings.TrimPrefix(s.ObjectKey, prefix)
			if i := strings.Index(rest, delimiter); i >= 0 {
				cp := prefix + rest[:i+len(delimiter)]
				if !seenPrefixes[cp] {
					seenPrefixes[cp] = true
					result.CommonPrefixes = append(result.CommonPrefixes, commonPrefix{Prefix: cp})
				}
				continue
			}
		}

		if len(result.Uploads) == maxUploads {
			result.IsTruncated = true
			break
		}
		result.Uploads = append(result.Uploads, uploadItem{
			Key:          s.ObjectKey,
			UploadID:     s.UploadID,
			Initiator:    owner{ID: s.Initiator, DisplayName: s.Initiator},
			Owner:        owner{ID: s.Owner, DisplayName: s.Owner},
			StorageClass: s.StorageClass,
			Initiated:    s.Initiated.UTC().Format("2006-01-02T15:04:05.000Z"),
		})
	}
	if result.IsTruncated && len(result.Uploads) > 0 {
		last := result.Uploads[len(result.Uploads)-1]
		result.NextKeyMarker = last.Key
		result.NextUploadIDMarker = last.UploadID
	}

	return xmlResponse(http.StatusOK, result)
}
