package swiftapi

import (
	"fmt"
	"net/http"

	"github.com/FairForge/herald/internal/s3err"
)

// target selects the 404 mapping and the create-bucket conflict rule.
type target int

const (
	targetObject target = iota
	targetBucket
	targetCreateBucket
	targetUpload
)

// mapSwiftError translates a non-success Swift status into the error the
// client sees. Unexpected 5xx comes back as a plain error so the caller's
// failover path engages; everything else is an S3-coded response.
func mapSwiftError(t target, status int) error {
	switch status {
	case http.StatusNotFound:
		switch t {
		case targetBucket, targetCreateBucket:
			return s3err.New(s3err.CodeNoSuchBucket)
		case targetUpload:
			return s3err.New(s3err.CodeNoSuchUpload)
		default:
			return s3err.New(s3err.CodeNoSuchKey)
		}
	case http.StatusUnauthorized, http.StatusForbidden:
		return s3err.New(s3err.CodeAccessDenied)
	case http.StatusRequestTimeout:
		return s3err.New(s3err.CodeRequestTimeout)
	case http.StatusLengthRequired, http.StatusUnprocessableEntity:
		return s3err.New(s3err.CodeInvalidRequest)
	case http.StatusRequestedRangeNotSatisfiable:
		return s3err.New(s3err.CodeInvalidObjectState)
	}

	if t == targetCreateBucket &&
		(status == http.StatusBadRequest || status == http.StatusInsufficientStorage) {
		return s3err.New(s3err.CodeBucketAlreadyExists)
	}

	if status >= 500 {
		return fmt.Errorf("swiftapi: unexpected upstream status %d", status)
	}
	return s3err.WithStatus(s3err.CodeInvalidRequest, status)
}

// requireHeaders enforces the upstream success invariant: a 2xx answer must
// carry the listed headers. A violation surfaces as a synthesized 502.
func requireHeaders(h http.Header, names ...string) error {
	for _, name := range names {
		if h.Get(name) == "" {
			e := s3err.WithStatus(s3err.CodeInternalError, http.StatusBadGateway)
			e.Message = fmt.Sprintf("Upstream response missing required header %s", name)
			return e
		}
	}
	return nil
}

// quoteETag wraps a bare upstream ETag in the quotes S3 clients expect.
func quoteETag(etag string) string {
	if etag == "" {
		return etag
	}
	if etag[0] == '"' {
		return etag
	}
	return `"` + etag + `"`
}
