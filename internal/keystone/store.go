// Package keystone caches OpenStack identity tokens per Swift configuration.
// Concurrent fetches for the same identity coalesce into one upstream
// authentication; tokens are re-acquired on expiry or explicit invalidation
// (the Swift client invalidates on upstream 401).
package keystone

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ncw/swift/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/FairForge/herald/internal/config"
)

// tokenTTL bounds how long a cached token is reused. Keystone tokens
// typically live an hour; refreshing early avoids a 401 round trip.
const tokenTTL = 30 * time.Minute

// Token is a cached Swift endpoint grant.
type Token struct {
	StorageURL string
	Token      string
	AcquiredAt time.Time
	ExpiresAt  time.Time
}

func (t Token) expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// AuthFunc acquires a fresh token for cfg.
type AuthFunc func(ctx context.Context, cfg *config.SwiftConfig, timeout time.Duration) (Token, error)

// Store is the process-wide token cache.
type Store struct {
	mu      sync.RWMutex
	tokens  map[string]Token
	group   singleflight.Group
	logger  *zap.Logger
	timeout time.Duration

	authenticate AuthFunc
}

func NewStore(logger *zap.Logger) *Store {
	return NewStoreWithAuth(logger, authenticateKeystone)
}

// NewStoreWithAuth builds a store around a custom token source. Tests and
// alternative identity flows plug in here.
func NewStoreWithAuth(logger *zap.Logger, fn AuthFunc) *Store {
	return &Store{
		tokens:       make(map[string]Token),
		logger:       logger,
		timeout:      time.Minute,
		authenticate: fn,
	}
}

// Token returns a valid token for cfg, fetching one if the cache is cold or
// stale. Concurrent calls for the same identity share a single fetch.
func (s *Store) Token(ctx context.Context, cfg *config.SwiftConfig) (Token, error) {
	fp := cfg.Fingerprint()
	now := time.Now()

	s.mu.RLock()
	t, ok := s.tokens[fp]
	s.mu.RUnlock()
	if ok && !t.expired(now) {
		return t, nil
	}

	v, err, _ := s.group.Do(fp, func() (interface{}, error) {
		// Re-check under the group: a concurrent caller may have refreshed.
		s.mu.RLock()
		t, ok := s.tokens[fp]
		s.mu.RUnlock()
		if ok && !t.expired(time.Now()) {
			return t, nil
		}

		t, err := s.authenticate(ctx, cfg, s.timeout)
		if err != nil {
			return Token{}, err
		}

		s.mu.Lock()
		s.tokens[fp] = t
		s.mu.Unlock()

		s.logger.Debug("acquired keystone token",
			zap.String("auth_url", cfg.AuthURL),
			zap.String("region", cfg.Region),
			zap.Time("expires_at", t.ExpiresAt))
		return t, nil
	})
	if err != nil {
		return Token{}, fmt.Errorf("keystone: authenticate %s: %w", cfg.AuthURL, err)
	}
	return v.(Token), nil
}

// Invalidate drops the cached token for cfg. Called when the object store
// rejects the token (401).
func (s *Store) Invalidate(cfg *config.SwiftConfig) {
	s.mu.Lock()
	delete(s.tokens, cfg.Fingerprint())
	s.mu.Unlock()
}

// authenticateKeystone performs the identity v3 password flow and extracts
// the object-store endpoint for the configured region.
func authenticateKeystone(ctx context.Context, cfg *config.SwiftConfig, timeout time.Duration) (Token, error) {
	conn := &swift.Connection{
		UserName:       cfg.Username,
		ApiKey:         cfg.Password,
		AuthUrl:        cfg.AuthURL,
		Region:         cfg.Region,
		Domain:         cfg.UserDomainName,
		Tenant:         cfg.ProjectName,
		TenantDomain:   cfg.ProjectDomainName,
		AuthVersion:    3,
		ConnectTimeout: timeout,
		Timeout:        timeout,
	}
	if err := conn.Authenticate(ctx); err != nil {
		return Token{}, err
	}

	now := time.Now()
	return Token{
		StorageURL: conn.StorageUrl,
		Token:      conn.AuthToken,
		AcquiredAt: now,
		ExpiresAt:  now.Add(tokenTTL),
	}, nil
}
