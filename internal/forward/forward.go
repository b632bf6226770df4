// Package forward executes outbound calls to S3 backends: target URL
// rewriting (path-style or virtual-hosted), re-signing with the backend's
// credentials, and retry with exponential backoff on transient failures.
package forward

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/FairForge/herald/internal/auth"
	"github.com/FairForge/herald/internal/config"
	"github.com/FairForge/herald/internal/request"
	"github.com/FairForge/herald/internal/s3err"
)

// DefaultAttempts is the retry budget for buckets outside any replica set.
// Buckets that participate in replication get a single attempt so the
// failover path is reached promptly.
const DefaultAttempts = 3

// maxReplayBody caps how much of a request body is held in memory for
// replay across retries. Bodies past the cap get a single streamed attempt.
const maxReplayBody = 4 << 20

// errUpstreamStatus marks a 5xx upstream answer as retryable.
var errUpstreamStatus = errors.New("upstream returned server error")

type Forwarder struct {
	client *http.Client
	logger *zap.Logger
}

func New(logger *zap.Logger) *Forwarder {
	return &Forwarder{
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost:   16,
				ResponseHeaderTimeout: 2 * time.Minute,
			},
		},
		logger: logger,
	}
}

// Attempts returns the retry budget for a bucket: 1 when it participates in
// replication (has replicas or is itself a replica), else DefaultAttempts.
func Attempts(hasReplicas, isReplica bool) int {
	if hasReplicas || isReplica {
		return 1
	}
	return DefaultAttempts
}

// Do invokes fn up to attempts times, backing off exponentially with jitter
// between tries. Network errors and upstream 5xx are retried; any other
// response is returned as-is (4xx passes through to the caller).
func (f *Forwarder) Do(ctx context.Context, attempts int, fn func() (*http.Response, error)) (*http.Response, error) {
	if attempts < 1 {
		attempts = 1
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	policy.MaxInterval = 10 * time.Second
	policy.MaxElapsedTime = 0

	var resp *http.Response
	attempt := 0
	op := func() error {
		attempt++
		r, err := fn()
		if err != nil {
			// An S3-coded client answer is final; only transport failures
			// and server errors are worth another try.
			var se *s3err.Error
			if errors.As(err, &se) && se.Status < 500 {
				return backoff.Permanent(err)
			}
			f.logger.Debug("outbound attempt failed",
				zap.Int("attempt", attempt),
				zap.Error(err))
			return err
		}
		if r.StatusCode >= 500 {
			// Drain so the connection can be reused before retrying.
			_, _ = io.Copy(io.Discard, io.LimitReader(r.Body, 32<<10))
			_ = r.Body.Close()
			f.logger.Debug("outbound attempt got server error",
				zap.Int("attempt", attempt),
				zap.Int("status", r.StatusCode))
			return fmt.Errorf("%w: %d", errUpstreamStatus, r.StatusCode)
		}
		resp = r
		return nil
	}

	b := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(attempts-1)), ctx)
	if err := backoff.Retry(op, b); err != nil {
		return nil, err
	}
	return resp, nil
}

// S3 forwards the inbound request to the configured S3 backend: the URL is
// rewritten to the backend endpoint (preserving path versus virtual-hosted
// style per config), the client's signature is stripped, and the request is
// re-signed with the backend credentials.
func (f *Forwarder) S3(ctx context.Context, r *http.Request, meta *request.Meta, cfg *config.S3Config, attempts int) (*http.Response, error) {
	target, host, err := TargetURL(cfg, meta.Key)
	if err != nil {
		return nil, err
	}
	target.RawQuery = outboundQuery(r.URL.Query()).Encode()

	var bodyBytes []byte
	var streamBody io.Reader
	if r.Body != nil && r.Body != http.NoBody {
		if attempts > 1 {
			// Replay across retries needs a rewindable body, but only up to
			// the cap; a large object payload streams through exactly once.
			head, rerr := io.ReadAll(io.LimitReader(r.Body, maxReplayBody+1))
			if rerr != nil {
				return nil, fmt.Errorf("forward: buffer request body: %w", rerr)
			}
			if len(head) > maxReplayBody {
				streamBody = io.MultiReader(bytes.NewReader(head), r.Body)
				attempts = 1
			} else {
				bodyBytes = head
			}
		} else {
			streamBody = r.Body
		}
	}

	signer := auth.NewSigner(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.Region)

	newRequest := func() (*http.Request, error) {
		var body io.Reader
		if streamBody != nil {
			body = streamBody
		} else if bodyBytes != nil {
			body = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, r.Method, target.String(), body)
		if err != nil {
			return nil, err
		}
		req.Host = host
		req.ContentLength = r.ContentLength
		copyForwardHeaders(req.Header, r.Header, cfg)
		signer.Sign(req, "")
		return req, nil
	}

	return f.Do(ctx, attempts, func() (*http.Response, error) {
		req, err := newRequest()
		if err != nil {
			return nil, err
		}
		return f.client.Do(req)
	})
}

// SignedGet issues a freshly signed GET for key against the S3 backend.
// Used by mirror workers to re-read an object from the primary.
func (f *Forwarder) SignedGet(ctx context.Context, cfg *config.S3Config, key string) (*http.Response, error) {
	target, host, err := TargetURL(cfg, key)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Host = host
	auth.NewSigner(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.Region).Sign(req, "")
	return f.client.Do(req)
}

// TargetURL computes the backend URL for key. With force_path_style the
// bucket rides in the path; otherwise it becomes the leading host label.
func TargetURL(cfg *config.S3Config, key string) (*url.URL, string, error) {
	base, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return nil, "", fmt.Errorf("forward: parse endpoint %q: %w", cfg.Endpoint, err)
	}
	if base.Scheme == "" {
		base.Scheme = "https"
	}

	u := &url.URL{Scheme: base.Scheme}
	if cfg.ForcePathStyle {
		u.Host = base.Host
		u.Path = "/" + cfg.Bucket
		if key != "" {
			u.Path += "/" + key
		}
	} else {
		u.Host = cfg.Bucket + "." + base.Host
		u.Path = "/"
		if key != "" {
			u.Path = "/" + key
		}
	}
	return u, u.Host, nil
}

// outboundQuery drops the inbound presign parameters; the outbound request
// is re-signed from scratch.
func outboundQuery(q url.Values) url.Values {
	out := make(url.Values, len(q))
	for k, vs := range q {
		if strings.HasPrefix(k, "X-Amz-") {
			continue
		}
		out[k] = vs
	}
	return out
}

// copyForwardHeaders carries request headers upstream, minus the inbound
// authentication material and proxy artifacts. The copy-source bucket is
// rewritten to the backend's upstream bucket name.
func copyForwardHeaders(dst, src http.Header, cfg *config.S3Config) {
	for k, vs := range src {
		switch strings.ToLower(k) {
		case "authorization", "x-amz-date", "x-amz-content-sha256",
			"host", "connection", "x-forwarded-for", "x-forwarded-host",
			"x-forwarded-proto", "accept-encoding":
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}

	if cs := src.Get("x-amz-copy-source"); cs != "" {
		dst.Set("x-amz-copy-source", RewriteCopySource(cs, cfg.Bucket))
	}
}

// RewriteCopySource replaces the gateway bucket in an x-amz-copy-source
// value ("/bucket/key" or "bucket/key") with the upstream bucket name.
func RewriteCopySource(copySource, upstreamBucket string) string {
	trimmed := strings.TrimPrefix(copySource, "/")
	parts := strings.SplitN(trimmed, "/", 2)
	if len(parts) != 2 {
		return copySource
	}
	return "/" + upstreamBucket + "/" + parts[1]
}
