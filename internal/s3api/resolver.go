// Package s3api resolves requests against S3-protocol backends. Unlike the
// Swift translator this path is mostly a pass-through: the request is
// re-addressed and re-signed for the upstream bucket and the upstream
// answer streams back to the client.
package s3api

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/FairForge/herald/internal/config"
	"github.com/FairForge/herald/internal/forward"
	"github.com/FairForge/herald/internal/request"
	"github.com/FairForge/herald/internal/s3err"
)

type Resolver struct {
	fwd    *forward.Forwarder
	logger *zap.Logger
}

func NewResolver(fwd *forward.Forwarder, logger *zap.Logger) *Resolver {
	return &Resolver{fwd: fwd, logger: logger}
}

// Dispatch forwards the request upstream. Transport failures and upstream
// 5xx surface as errors so the caller can fail over; upstream 4xx XML is a
// valid client answer and passes through untouched.
func (rs *Resolver) Dispatch(ctx context.Context, r *http.Request, meta *request.Meta, cfg *config.S3Config, attempts int) (*http.Response, error) {
	if meta.Op() == request.OpUnknown {
		return nil, s3err.New(s3err.CodeMethodNotAllowed)
	}

	resp, err := rs.fwd.S3(ctx, r, meta, cfg, attempts)
	if err != nil {
		return nil, err
	}

	rs.logger.Debug("forwarded to s3 backend",
		zap.String("bucket", meta.Bucket),
		zap.String("op", string(meta.Op())),
		zap.Int("status", resp.StatusCode))
	return resp, nil
}
