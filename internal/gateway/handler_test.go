package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/FairForge/herald/internal/auth"
	"github.com/FairForge/herald/internal/config"
	"github.com/FairForge/herald/internal/forward"
	"github.com/FairForge/herald/internal/keystone"
	"github.com/FairForge/herald/internal/mirror"
	"github.com/FairForge/herald/internal/registry"
	"github.com/FairForge/herald/internal/s3api"
	"github.com/FairForge/herald/internal/s3err"
	"github.com/FairForge/herald/internal/sentry"
	"github.com/FairForge/herald/internal/swiftapi"
)

const (
	testAccessKey = "AKHERALDTEST"
	testSecretKey = "herald-secret"
)

func gatewayConfig(t *testing.T, primary, replica string) *config.Config {
	t.Helper()

	yaml := fmt.Sprintf(`
backends:
  ceph:
    protocol: s3
buckets:
  photos:
    backend: ceph
    endpoint: %s
    access_key_id: %s
    secret_access_key: %s
    force_path_style: true
    bucket: photos-prod
`, primary, testAccessKey, testSecretKey)
	if replica != "" {
		yaml += fmt.Sprintf(`    replicas:
      - name: backup
        backend: ceph
        endpoint: %s
        access_key_id: RAK
        secret_access_key: RSK
        force_path_style: true
        bucket: photos-backup
`, replica)
	}

	cfg, err := config.Parse(strings.NewReader(yaml))
	require.NoError(t, err)
	return cfg
}

func newTestHandler(t *testing.T, cfg *config.Config) (*Handler, *mirror.Queue) {
	t.Helper()

	store := keystone.NewStoreWithAuth(zap.NewNop(), func(context.Context, *config.SwiftConfig, time.Duration) (keystone.Token, error) {
		return keystone.Token{}, errors.New("no swift in this test")
	})
	return newTestHandlerWithStore(t, cfg, store)
}

func newTestHandlerWithStore(t *testing.T, cfg *config.Config, store *keystone.Store) (*Handler, *mirror.Queue) {
	t.Helper()

	reg, err := registry.Build(cfg)
	require.NoError(t, err)

	queue, err := mirror.Open(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = queue.Close() })

	swift := swiftapi.NewResolver(swiftapi.NewClient(store, zap.NewNop()), zap.NewNop())
	fwd := forward.New(zap.NewNop())
	s3r := s3api.NewResolver(fwd, zap.NewNop())
	reporter, err := sentry.New("", zap.NewNop())
	require.NoError(t, err)

	h := NewHandler(cfg, reg, s3r, swift, fwd, queue, reporter, NewMetrics(prometheus.NewRegistry()), zap.NewNop())
	return h, queue
}

func signedRequest(t *testing.T, method, target string, body string) *http.Request {
	t.Helper()

	r := httptest.NewRequest(method, target, strings.NewReader(body))
	r.Host = "gateway.example.org"
	auth.NewSigner(testAccessKey, testSecretKey, "us-east-1").Sign(r, "")
	return r
}

func TestHandler_RequiresSignature(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
	}))
	defer upstream.Close()

	h, _ := newTestHandler(t, gatewayConfig(t, upstream.URL, ""))

	r := httptest.NewRequest("GET", "/photos/cat.jpg", nil)
	r.Host = "gateway.example.org"
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	assert.Equal(t, 403, w.Code)
	assert.Contains(t, w.Body.String(), "<Code>AccessDenied</Code>")
	assert.NotEmpty(t, w.Header().Get("x-amz-request-id"))
}

func TestHandler_UnknownBucket(t *testing.T) {
	h, _ := newTestHandler(t, gatewayConfig(t, "http://127.0.0.1:1", ""))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, signedRequest(t, "GET", "/missing/key", ""))

	assert.Equal(t, 404, w.Code)
	assert.Contains(t, w.Body.String(), "<Code>NoSuchBucket</Code>")
}

func TestHandler_RejectsBadSignature(t *testing.T) {
	h, _ := newTestHandler(t, gatewayConfig(t, "http://127.0.0.1:1", ""))

	r := httptest.NewRequest("GET", "/photos/cat.jpg", nil)
	r.Host = "gateway.example.org"
	auth.NewSigner(testAccessKey, "wrong-secret", "us-east-1").Sign(r, "")

	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	assert.Equal(t, 403, w.Code)
	assert.Contains(t, w.Body.String(), "<Code>SignatureDoesNotMatch</Code>")
}

func TestHandler_ProxiesSignedGet(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/photos-prod/cat.jpg", r.URL.Path)
		assert.Contains(t, r.Header.Get("Authorization"), "Credential="+testAccessKey+"/")
		w.Header().Set("ETag", `"abc"`)
		w.WriteHeader(200)
		_, _ = w.Write([]byte("object bytes"))
	}))
	defer upstream.Close()

	h, _ := newTestHandler(t, gatewayConfig(t, upstream.URL, ""))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, signedRequest(t, "GET", "/photos/cat.jpg", ""))

	assert.Equal(t, 200, w.Code)
	assert.Equal(t, "object bytes", w.Body.String())
	assert.Equal(t, `"abc"`, w.Header().Get("ETag"))
	assert.NotEmpty(t, w.Header().Get("x-amz-request-id"))
}

func TestHandler_ReadFailover(t *testing.T) {
	replica := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/photos-backup/cat.jpg", r.URL.Path)
		w.WriteHeader(200)
		_, _ = w.Write([]byte("from replica"))
	}))
	defer replica.Close()

	// Port 1 refuses connections, so the primary dispatch fails fast.
	h, _ := newTestHandler(t, gatewayConfig(t, "http://127.0.0.1:1", replica.URL))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, signedRequest(t, "GET", "/photos/cat.jpg", ""))

	assert.Equal(t, 200, w.Code)
	assert.Equal(t, "from replica", w.Body.String())
}

func TestHandler_MutationsDoNotFailOver(t *testing.T) {
	replica := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("replica should not see inline mutations")
	}))
	defer replica.Close()

	h, _ := newTestHandler(t, gatewayConfig(t, "http://127.0.0.1:1", replica.URL))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, signedRequest(t, "DELETE", "/photos/cat.jpg", ""))

	assert.Equal(t, 500, w.Code)
	assert.Contains(t, w.Body.String(), "<Code>InternalError</Code>")
}

func TestHandler_MutationEnqueuesMirrorTasks(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(204)
	}))
	defer upstream.Close()

	replica := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer replica.Close()

	h, queue := newTestHandler(t, gatewayConfig(t, upstream.URL, replica.URL))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, signedRequest(t, "DELETE", "/photos/cat.jpg", ""))
	require.Equal(t, 204, w.Code)

	n, err := queue.Len("photos")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, task, ok, err := queue.Dequeue("photos")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, mirror.CommandDeleteObject, task.Command)
	assert.Equal(t, "backup", task.Replica)
	assert.Equal(t, "cat.jpg", task.Key)
}

func TestHandler_ReadsAreNotMirrored(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
	}))
	defer upstream.Close()

	replica := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer replica.Close()

	h, queue := newTestHandler(t, gatewayConfig(t, upstream.URL, replica.URL))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, signedRequest(t, "GET", "/photos/cat.jpg", ""))
	require.Equal(t, 200, w.Code)

	n, err := queue.Len("photos")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func swiftGatewayConfig(t *testing.T) *config.Config {
	t.Helper()

	cfg, err := config.Parse(strings.NewReader(fmt.Sprintf(`
backends:
  ovh:
    protocol: swift
buckets:
  photos:
    backend: ovh
    auth_url: https://auth.example.org/v3
    region: GRA
    container: photos-prod
    username: %s
    password: %s
`, testAccessKey, testSecretKey)))
	require.NoError(t, err)
	return cfg
}

func TestHandler_SwiftRetriesServerError(t *testing.T) {
	var attempts int32
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) == 1 {
			w.WriteHeader(503)
			return
		}
		w.Header().Set("Etag", "abc123")
		w.Header().Set("Last-Modified", "Fri, 01 Aug 2026 10:00:00 GMT")
		w.Header().Set("Content-Type", "application/octet-stream")
		w.WriteHeader(200)
		_, _ = w.Write([]byte("swift bytes"))
	}))
	defer backend.Close()

	store := keystone.NewStoreWithAuth(zap.NewNop(), func(context.Context, *config.SwiftConfig, time.Duration) (keystone.Token, error) {
		return keystone.Token{
			StorageURL: backend.URL + "/v1/AUTH_test",
			Token:      "tok-test",
			ExpiresAt:  time.Now().Add(time.Hour),
		}, nil
	})
	h, _ := newTestHandlerWithStore(t, swiftGatewayConfig(t), store)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, signedRequest(t, "GET", "/photos/cat.jpg", ""))

	assert.Equal(t, 200, w.Code)
	assert.Equal(t, "swift bytes", w.Body.String())
	assert.Equal(t, int32(2), atomic.LoadInt32(&attempts))
}

func TestHandler_ListBuckets(t *testing.T) {
	h, _ := newTestHandler(t, gatewayConfig(t, "http://127.0.0.1:1", ""))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, signedRequest(t, "GET", "/", ""))

	assert.Equal(t, 200, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, "<ListAllMyBucketsResult")
	assert.Contains(t, body, "<Name>photos</Name>")
}

func TestHandler_UnroutableMethod(t *testing.T) {
	h, _ := newTestHandler(t, gatewayConfig(t, "http://127.0.0.1:1", ""))

	r := signedRequest(t, "POST", "/photos", "")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	assert.Equal(t, 405, w.Code)
	assert.Contains(t, w.Body.String(), "<Code>MethodNotAllowed</Code>")
}

func TestMapAuthError(t *testing.T) {
	tests := []struct {
		name string
		in   error
		code string
	}{
		{"expired presign", auth.ErrExpiredPresign, s3err.CodeExpiredToken},
		{"signature mismatch", auth.ErrSignatureDoesNotMatch, s3err.CodeSignatureDoesNotMatch},
		{"missing header", auth.ErrAuthHeaderEmpty, s3err.CodeAccessDenied},
		{"missing tag", auth.ErrMissingSignTag, s3err.CodeAccessDenied},
		{"anything else", errors.New("boom"), s3err.CodeAccessDenied},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var se *s3err.Error
			require.ErrorAs(t, mapAuthError(tc.in), &se)
			assert.Equal(t, tc.code, se.Code)
		})
	}
}

func TestIsClientError(t *testing.T) {
	assert.True(t, isClientError(s3err.New(s3err.CodeNoSuchKey)))
	assert.False(t, isClientError(s3err.New(s3err.CodeInternalError)))
	assert.False(t, isClientError(errors.New("connection reset")))
}
