package gateway

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCorsMiddleware_Preflight(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("preflight must not reach the handler")
	})
	h := corsMiddleware(inner)

	t.Run("echoes origin", func(t *testing.T) {
		r := httptest.NewRequest("OPTIONS", "/photos/cat.jpg", nil)
		r.Header.Set("Origin", "https://console.example.org")
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)

		assert.Equal(t, 200, w.Code)
		assert.Equal(t, "https://console.example.org", w.Header().Get("Access-Control-Allow-Origin"))
		assert.Equal(t, "GET, POST, PUT, DELETE, HEAD, OPTIONS", w.Header().Get("Access-Control-Allow-Methods"))
		assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), "X-Amz-Date")
		assert.Equal(t, "86400", w.Header().Get("Access-Control-Max-Age"))
	})

	t.Run("wildcard without origin", func(t *testing.T) {
		r := httptest.NewRequest("OPTIONS", "/photos", nil)
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)

		assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	})
}

func TestCorsMiddleware_Passthrough(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(204)
	})
	h := corsMiddleware(inner)

	t.Run("with origin", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/photos/cat.jpg", nil)
		r.Header.Set("Origin", "https://console.example.org")
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)

		assert.Equal(t, 204, w.Code)
		assert.Equal(t, "https://console.example.org", w.Header().Get("Access-Control-Allow-Origin"))
		assert.Equal(t, "true", w.Header().Get("Access-Control-Allow-Credentials"))
	})

	t.Run("without origin", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/photos/cat.jpg", nil)
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)

		assert.Equal(t, 204, w.Code)
		assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
	})
}
