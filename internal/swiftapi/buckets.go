package swiftapi

import (
	"context"
	"net/http"

	"github.com/FairForge/herald/internal/config"
	"github.com/FairForge/herald/internal/request"
)

func (rs *Resolver) createBucket(ctx context.Context, meta *request.Meta, cfg *config.SwiftConfig) (*http.Response, error) {
	resp, err := rs.client.do(ctx, cfg, http.MethodPut, "", nil, nil, nil)
	if err != nil {
		return nil, err
	}
	defer drainClose(resp.Body)

	switch resp.StatusCode {
	case http.StatusCreated:
	case http.StatusAccepted:
		// Container already exists under these credentials.
		return rs.createBucketResponse(meta, cfg)
	default:
		return nil, mapSwiftError(targetCreateBucket, resp.StatusCode)
	}
	return rs.createBucketResponse(meta, cfg)
}

func (rs *Resolver) createBucketResponse(meta *request.Meta, cfg *config.SwiftConfig) (*http.Response, error) {
	out, err := xmlResponse(http.StatusOK, createBucketConfiguration{Location: cfg.Region})
	if err != nil {
		return nil, err
	}
	out.Header.Set("Location", "/"+meta.Bucket)
	return out, nil
}

func (rs *Resolver) deleteBucket(ctx context.Context, cfg *config.SwiftConfig) (*http.Response, error) {
	resp, err := rs.client.do(ctx, cfg, http.MethodDelete, "", nil, nil, nil)
	if err != nil {
		return nil, err
	}
	defer drainClose(resp.Body)

	if resp.StatusCode != http.StatusNoContent {
		return nil, mapSwiftError(targetBucket, resp.StatusCode)
	}
	return newResponse(http.StatusNoContent, nil, nil), nil
}

func (rs *Resolver) headBucket(ctx context.Context, cfg *config.SwiftConfig) (*http.Response, error) {
	resp, err := rs.client.do(ctx, cfg, http.MethodHead, "", nil, nil, nil)
	if err != nil {
		return nil, err
	}
	defer drainClose(resp.Body)

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return nil, mapSwiftError(targetBucket, resp.StatusCode)
	}

	h := http.Header{}
	h.Set("x-amz-bucket-region", cfg.Region)
	h.Set("x-amz-bucket-location-type", "Region")
	h.Set("x-amz-bucket-location-name", cfg.Region)
	return newResponse(http.StatusOK, h, nil), nil
}

// headContainer returns the raw container headers, used by pseudo-endpoints
// that derive their canned XML from container metadata.
func (rs *Resolver) headContainer(ctx context.Context, cfg *config.SwiftConfig) (http.Header, error) {
	resp, err := rs.client.do(ctx, cfg, http.MethodHead, "", nil, nil, nil)
	if err != nil {
		return nil, err
	}
	defer drainClose(resp.Body)

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return nil, mapSwiftError(targetBucket, resp.StatusCode)
	}
	return resp.Header, nil
}
