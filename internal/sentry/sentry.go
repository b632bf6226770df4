// Package sentry reports unexpected server-side failures. Expected client
// errors (NoSuchKey and friends) never reach it.
package sentry

import (
	"fmt"

	raven "github.com/getsentry/raven-go"
	"go.uber.org/zap"
)

// Reporter forwards errors to Sentry when a DSN is configured and is a
// no-op otherwise.
type Reporter struct {
	enabled bool
	logger  *zap.Logger
}

func New(dsn string, logger *zap.Logger) (*Reporter, error) {
	if dsn == "" {
		logger.Info("sentry reporting disabled, no DSN configured")
		return &Reporter{logger: logger}, nil
	}
	if err := raven.SetDSN(dsn); err != nil {
		return nil, fmt.Errorf("sentry: set DSN: %w", err)
	}
	logger.Info("sentry reporting enabled")
	return &Reporter{enabled: true, logger: logger}, nil
}

// CaptureError submits err with tags. Submission is asynchronous.
func (r *Reporter) CaptureError(err error, tags map[string]string) {
	if r == nil || !r.enabled || err == nil {
		return
	}
	raven.CaptureError(err, tags)
}
