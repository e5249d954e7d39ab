package dashboard

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func TestSecurityHeaders(t *testing.T) {
	handler := SecurityHeaders(LocalOrigins(37790))(okHandler)

	req := httptest.NewRequest("GET", "/api/state", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	tests := []struct {
		header   string
		expected string
	}{
		{"X-Frame-Options", "DENY"},
		{"X-Content-Type-Options", "nosniff"},
		{"Referrer-Policy", "strict-origin-when-cross-origin"},
		{"Content-Security-Policy", "default-src 'self'"},
	}
	for _, tt := range tests {
		if got := rr.Header().Get(tt.header); got != tt.expected {
			t.Errorf("SecurityHeaders() %s = %q, want %q", tt.header, got, tt.expected)
		}
	}
}

func TestSecurityHeaders_CORS(t *testing.T) {
	handler := SecurityHeaders(LocalOrigins(37790))(okHandler)

	tests := []struct {
		name       string
		origin     string
		expectCORS bool
	}{
		{name: "dashboard port allowed", origin: "http://localhost:37790", expectCORS: true},
		{name: "loopback ip allowed", origin: "http://127.0.0.1:37790", expectCORS: true},
		{name: "vite dev server allowed", origin: "http://127.0.0.1:5173", expectCORS: true},
		{name: "other port refused", origin: "http://localhost:8080", expectCORS: false},
		{name: "lookalike host refused", origin: "http://evil-localhost.com", expectCORS: false},
		{name: "no origin", origin: "", expectCORS: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/api/state", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			got := rr.Header().Get("Access-Control-Allow-Origin")
			if tt.expectCORS {
				assert.Equal(t, tt.origin, got)
			} else {
				assert.Empty(t, got)
			}
		})
	}
}

func TestSecurityHeaders_Preflight(t *testing.T) {
	called := false
	handler := SecurityHeaders(LocalOrigins(37790))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		called = true
	}))

	req := httptest.NewRequest(http.MethodOptions, "/api/refresh", nil)
	req.Header.Set("Origin", "http://localhost:37790")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.False(t, called)
}

func TestMaxBodySize(t *testing.T) {
	handler := MaxBodySize(16)(okHandler)

	req := httptest.NewRequest("POST", "/api/pause", strings.NewReader(strings.Repeat("x", 64)))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)

	req = httptest.NewRequest("POST", "/api/pause", strings.NewReader("{}"))
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestTokenAuth(t *testing.T) {
	handler := NewTokenAuth("secret").Middleware(okHandler)

	tests := []struct {
		name   string
		path   string
		header map[string]string
		want   int
	}{
		{name: "missing token", path: "/api/state", want: http.StatusUnauthorized},
		{name: "wrong token", path: "/api/state", header: map[string]string{"X-Auth-Token": "nope"}, want: http.StatusUnauthorized},
		{name: "header token", path: "/api/state", header: map[string]string{"X-Auth-Token": "secret"}, want: http.StatusOK},
		{name: "bearer token", path: "/api/state", header: map[string]string{"Authorization": "Bearer secret"}, want: http.StatusOK},
		{name: "health exempt", path: "/api/health", want: http.StatusOK},
		{name: "version exempt", path: "/api/version", want: http.StatusOK},
		{name: "query token on events", path: "/api/events?token=secret", want: http.StatusOK},
		{name: "query token elsewhere ignored", path: "/api/state?token=secret", want: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", tt.path, nil)
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)
			assert.Equal(t, tt.want, rr.Code)
		})
	}
}

func TestTokenAuth_Disabled(t *testing.T) {
	ta := NewTokenAuth("")
	assert.False(t, ta.Enabled())

	rr := httptest.NewRecorder()
	ta.Middleware(okHandler).ServeHTTP(rr, httptest.NewRequest("GET", "/api/state", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestRequestID(t *testing.T) {
	var seen string
	handler := RequestID(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest("GET", "/", nil))
	require.NotEmpty(t, seen)
	assert.Equal(t, seen, rr.Header().Get("X-Request-ID"))

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	assert.Equal(t, "abc-123", seen)
	assert.Equal(t, "abc-123", rr.Header().Get("X-Request-ID"))
}

func TestRequireJSONContentType(t *testing.T) {
	handler := RequireJSONContentType(okHandler)

	tests := []struct {
		method      string
		contentType string
		want        int
	}{
		{"POST", "application/json", http.StatusOK},
		{"POST", "application/json; charset=utf-8", http.StatusOK},
		{"POST", "", http.StatusOK},
		{"POST", "text/plain", http.StatusUnsupportedMediaType},
		{"PUT", "application/x-www-form-urlencoded", http.StatusUnsupportedMediaType},
		{"GET", "text/plain", http.StatusOK},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(tt.method, "/api/pause", nil)
		if tt.contentType != "" {
			req.Header.Set("Content-Type", tt.contentType)
		}
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		if rr.Code != tt.want {
			t.Errorf("%s %q: got %d, want %d", tt.method, tt.contentType, rr.Code, tt.want)
		}
	}
}

func TestRequestLogger_PassesThrough(t *testing.T) {
	handler := RequestLogger(zerolog.Nop())(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest("GET", "/", nil))
	assert.Equal(t, http.StatusTeapot, rr.Code)
}

func TestRateLimiter(t *testing.T) {
	clock := quartz.NewMock(t)
	rl := NewRateLimiter(1, 2, clock)

	assert.True(t, rl.Allow())
	assert.True(t, rl.Allow())
	assert.False(t, rl.Allow(), "burst exhausted")

	clock.Advance(time.Second)
	assert.True(t, rl.Allow(), "one token refilled")
	assert.False(t, rl.Allow())
}

func TestPerClientRateLimiter(t *testing.T) {
	clock := quartz.NewMock(t)
	pcrl := NewPerClientRateLimiter(1, 1, clock)

	assert.True(t, pcrl.Allow("10.0.0.1"))
	assert.False(t, pcrl.Allow("10.0.0.1"))
	assert.True(t, pcrl.Allow("10.0.0.2"), "clients have separate buckets")
	assert.Equal(t, 2, pcrl.Clients())

	clock.Advance(11 * time.Minute)
	assert.True(t, pcrl.Allow("10.0.0.3"))
	assert.Equal(t, 1, pcrl.Clients(), "idle clients are evicted")
}

func TestPerClientRateLimitMiddleware(t *testing.T) {
	clock := quartz.NewMock(t)
	handler := PerClientRateLimitMiddleware(NewPerClientRateLimiter(1, 1, clock))(okHandler)

	call := func(remote string) int {
		req := httptest.NewRequest("GET", "/api/state", nil)
		req.RemoteAddr = remote
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		return rr.Code
	}

	assert.Equal(t, http.StatusOK, call("192.0.2.1:5000"))
	assert.Equal(t, http.StatusTooManyRequests, call("192.0.2.1:5001"), "ports share the host bucket")
	assert.Equal(t, http.StatusOK, call("192.0.2.2:5000"))
}
