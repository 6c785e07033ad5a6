package middleware

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mir00r/region-router/internal/domain"
	"github.com/mir00r/region-router/pkg/logger"
)

const testSecret = "0123456789abcdef0123"

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func TestLoggingMiddlewareRequestID(t *testing.T) {
	var buf bytes.Buffer
	log := logger.NewWithWriter(&buf, logrus.InfoLevel)

	var seen string
	h := LoggingMiddleware(log)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestID(r.Context())
		w.WriteHeader(http.StatusNotFound)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/endpoints", nil))
	assert.NotEmpty(t, seen)
	assert.Equal(t, seen, rec.Header().Get(HeaderRequestID))
	assert.Contains(t, buf.String(), "Request completed with warning")

	req := httptest.NewRequest(http.MethodGet, "/admin/endpoints", nil)
	req.Header.Set(HeaderRequestID, "caller-id")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "caller-id", seen)
}

func TestRecoveryMiddleware(t *testing.T) {
	h := RecoveryMiddleware(logger.Discard())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	assert.NotPanics(t, func() {
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestChainOrder(t *testing.T) {
	var order []string
	mark := func(name string) func(http.Handler) http.Handler {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}

	Chain(okHandler, mark("outer"), mark("inner")).
		ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, []string{"outer", "inner"}, order)
}

func newTestJWT(t *testing.T) *JWTAuthMiddleware {
	t.Helper()
	jm, err := NewJWTAuthMiddleware(JWTAuthConfig{
		Enabled:     true,
		SecretKey:   testSecret,
		Issuer:      "region-router",
		TokenExpiry: time.Hour,
		ClockSkew:   time.Second,
		PublicPaths: []string{"/health/*", "/metrics"},
	}, logger.Discard())
	require.NoError(t, err)
	return jm
}

func serveWithToken(h http.Handler, method, path, token string) int {
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec.Code
}

func TestJWTAuthRoles(t *testing.T) {
	jm := newTestJWT(t)
	h := jm.JWTAuth()(okHandler)

	viewer, err := jm.IssueToken("alice", RoleViewer)
	require.NoError(t, err)
	operator, err := jm.IssueToken("bob", RoleOperator)
	require.NoError(t, err)

	assert.Equal(t, http.StatusUnauthorized, serveWithToken(h, http.MethodGet, "/admin/endpoints", ""))
	assert.Equal(t, http.StatusOK, serveWithToken(h, http.MethodGet, "/admin/endpoints", viewer))
	assert.Equal(t, http.StatusForbidden, serveWithToken(h, http.MethodPost, "/admin/refresh", viewer))
	assert.Equal(t, http.StatusOK, serveWithToken(h, http.MethodPost, "/admin/refresh", operator))
	assert.Equal(t, http.StatusOK, serveWithToken(h, http.MethodGet, "/admin/endpoints", operator), "operators can read")

	assert.Equal(t, http.StatusOK, serveWithToken(h, http.MethodGet, "/health/ready", ""))
	assert.Equal(t, http.StatusOK, serveWithToken(h, http.MethodGet, "/metrics", ""))
}

func TestJWTAuthRejectsBadTokens(t *testing.T) {
	jm := newTestJWT(t)
	h := jm.JWTAuth()(okHandler)

	other, err := NewJWTAuthMiddleware(JWTAuthConfig{Enabled: true, SecretKey: "another-secret-key-entirely"}, nil)
	require.NoError(t, err)
	forged, err := other.IssueToken("mallory", RoleOperator)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, serveWithToken(h, http.MethodGet, "/admin/endpoints", forged))

	jm.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	expired, err := jm.IssueToken("alice", RoleViewer)
	require.NoError(t, err)
	jm.now = time.Now
	assert.Equal(t, http.StatusUnauthorized, serveWithToken(h, http.MethodGet, "/admin/endpoints", expired))

	assert.Equal(t, http.StatusUnauthorized, serveWithToken(h, http.MethodGet, "/admin/endpoints", "not.a.jwt"))
}

func TestJWTAuthDisabled(t *testing.T) {
	jm, err := NewJWTAuthMiddleware(JWTAuthConfig{}, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, serveWithToken(jm.JWTAuth()(okHandler), http.MethodPost, "/admin/refresh", ""))

	_, err = NewJWTAuthMiddleware(JWTAuthConfig{Enabled: true}, nil)
	assert.Error(t, err, "a secret is required when enabled")
}

func TestRateLimiter(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(domain.RateLimitConfig{Enabled: true, RequestsPerSecond: 1, BurstSize: 1}, nil)
	rl.now = func() time.Time { return now }
	h := rl.RateLimitMiddleware()(okHandler)

	serve := func(ip string) int {
		req := httptest.NewRequest(http.MethodGet, "/admin/endpoints", nil)
		req.RemoteAddr = ip + ":5555"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, serve("10.0.0.1"))
	assert.Equal(t, http.StatusTooManyRequests, serve("10.0.0.1"))
	assert.Equal(t, http.StatusOK, serve("10.0.0.2"), "limits are per client")

	now = now.Add(time.Second)
	assert.Equal(t, http.StatusOK, serve("10.0.0.1"))

	now = now.Add(idleClientTTL + time.Second)
	serve("10.0.0.3")
	assert.Equal(t, 1, rl.Clients(), "idle clients are dropped")
}

func TestGetClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	assert.Equal(t, "203.0.113.7", getClientIP(req))
}
