package router

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-account-go/internal/auth"
	"github.com/ovaphlow/pitchfork/service-account-go/internal/authctx"
	"github.com/ovaphlow/pitchfork/service-account-go/internal/completeness"
	"github.com/ovaphlow/pitchfork/service-account-go/internal/identity"
	"github.com/ovaphlow/pitchfork/service-account-go/internal/oidc"
	"github.com/ovaphlow/pitchfork/service-account-go/internal/profile"
	"github.com/ovaphlow/pitchfork/service-account-go/internal/setting"
	"github.com/ovaphlow/pitchfork/service-account-go/internal/user"
)

// stubClient only answers GetSession; other calls panic on the nil embed.
type stubClient struct {
	auth.Client
}

func (stubClient) GetSession(_ context.Context, token string) (*identity.Session, error) {
	if token == "good" {
		return &identity.Session{ID: "s1", AccessToken: token, Identity: identity.Identity{ID: "u1"}}, nil
	}
	return nil, auth.ErrSessionNotFound
}

func testRouter(t *testing.T, rdb redis.Cmdable, cfg Config) (http.Handler, *prometheus.Registry) {
	t.Helper()
	logger := zap.NewNop().Sugar()
	reg := prometheus.NewRegistry()
	client := stubClient{}
	return RegisterRoutes(cfg, Deps{
		Client:       client,
		Auth:         auth.NewHandler(client, logger),
		AuthContext:  authctx.NewHandler(nil),
		OIDC:         oidc.NewHandler(nil, logger),
		Users:        user.NewHandler(nil, logger),
		Profiles:     profile.NewHandler(nil, logger),
		Settings:     setting.NewHandler(nil, logger),
		Completeness: completeness.NewHandler(nil, logger),
		Redis:        rdb,
		Registry:     reg,
	}, logger), reg
}

func TestHealthAndHeaders(t *testing.T) {
	h, _ := testRouter(t, nil, ConfigFromEnv())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.NotEmpty(t, rec.Header().Get(RequestIDHeader))
}

func TestRequestIDIsEchoed(t *testing.T) {
	h, _ := testRouter(t, nil, ConfigFromEnv())
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(RequestIDHeader, "abc-123")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "abc-123", rec.Header().Get(RequestIDHeader))
}

func TestProtectedRoutesRequireSession(t *testing.T) {
	h, _ := testRouter(t, nil, ConfigFromEnv())
	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/api/users/me"},
		{http.MethodGet, "/api/profile"},
		{http.MethodPut, "/api/settings/preferences"},
		{http.MethodPost, "/api/account/completeness"},
		{http.MethodPost, "/api/auth/logout"},
	} {
		req := httptest.NewRequest(tc.method, tc.path, nil)
		req.Header.Set("Authorization", "Bearer expired")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, tc.path)
	}
}

func TestSessionEndpointWithoutToken(t *testing.T) {
	h, _ := testRouter(t, nil, ConfigFromEnv())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/auth/session", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"unauthenticated"`)
}

func TestMetricsEndpoint(t *testing.T) {
	h, _ := testRouter(t, nil, ConfigFromEnv())
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `http_requests_total{method="GET",route="/health",status="200"} 1`)
}

func TestRateLimiterRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cfg := Config{RateLimit: 2, RateWindow: time.Minute, RateBlock: 5 * time.Minute, RatePrefix: "test:rl"}
	h, _ := testRouter(t, rdb, cfg)

	login := func(ip string) int {
		req := httptest.NewRequest(http.MethodPost, "/api/auth/login", strings.NewReader("{"))
		req.RemoteAddr = ip + ":5000"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}
	assert.Equal(t, http.StatusBadRequest, login("10.0.0.1"))
	assert.Equal(t, http.StatusBadRequest, login("10.0.0.1"))
	assert.Equal(t, http.StatusTooManyRequests, login("10.0.0.1"))
	assert.True(t, mr.Exists("test:rl:ip:10.0.0.1:blocked"))
	assert.Equal(t, http.StatusTooManyRequests, login("10.0.0.1"))
	assert.Equal(t, http.StatusBadRequest, login("10.0.0.2"))

	mr.FastForward(6 * time.Minute)
	assert.Equal(t, http.StatusBadRequest, login("10.0.0.1"))
}

func TestRateLimiterFallsBackWhenRedisFails(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	mr.Close()

	l := NewRateLimiter(rdb, Config{RateLimit: 2, RateWindow: time.Hour, RatePrefix: "x"}, nil)
	ctx := context.Background()
	ok, _ := l.allow(ctx, "1.2.3.4")
	assert.True(t, ok)
	ok, _ = l.allow(ctx, "1.2.3.4")
	assert.True(t, ok)
	ok, _ = l.allow(ctx, "1.2.3.4")
	assert.False(t, ok)
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.1:1234"
	assert.Equal(t, "192.0.2.1", clientIP(req))
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	assert.Equal(t, "192.0.2.1", clientIP(req), "forwarding headers are ignored")
}

func TestRateLimiterIgnoresRotatingForwardedFor(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cases := map[string]redis.Cmdable{"redis": rdb, "local": nil}
	for name, c := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Config{RateLimit: 2, RateWindow: time.Hour, RateBlock: time.Hour, RatePrefix: "xff:" + name}
			h, _ := testRouter(t, c, cfg)

			codes := make([]int, 0, 4)
			for i := 0; i < 4; i++ {
				req := httptest.NewRequest(http.MethodPost, "/api/auth/verify-otp", strings.NewReader("{"))
				req.RemoteAddr = "198.51.100.7:4000"
				req.Header.Set("X-Forwarded-For", "203.0.113."+strconv.Itoa(i))
				rec := httptest.NewRecorder()
				h.ServeHTTP(rec, req)
				codes = append(codes, rec.Code)
			}
			assert.Equal(t, []int{http.StatusBadRequest, http.StatusBadRequest,
				http.StatusTooManyRequests, http.StatusTooManyRequests}, codes)
		})
	}
}

func TestRateLimiterTrustedProxy(t *testing.T) {
	cfg := Config{RateLimit: 1, RateWindow: time.Hour, RatePrefix: "tp", TrustProxy: true}
	h, _ := testRouter(t, nil, cfg)

	send := func(fwd string) int {
		req := httptest.NewRequest(http.MethodPost, "/api/auth/login", strings.NewReader("{"))
		req.RemoteAddr = "10.0.0.1:4000"
		req.Header.Set("X-Forwarded-For", fwd)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}
	assert.Equal(t, http.StatusBadRequest, send("203.0.113.1"))
	assert.Equal(t, http.StatusTooManyRequests, send("203.0.113.1"))
	assert.Equal(t, http.StatusBadRequest, send("203.0.113.2"), "clients behind the proxy are counted apart")
}

func TestRateLimiterPrunesIdleLocalBuckets(t *testing.T) {
	clock := clockwork.NewFakeClock()
	l := NewRateLimiter(nil, Config{RateLimit: 2, RateWindow: time.Minute}, nil)
	l.clock = clock
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		ok, _ := l.allow(ctx, "203.0.113."+strconv.Itoa(i))
		assert.True(t, ok)
	}
	assert.Equal(t, 100, l.localLen())

	clock.Advance(2 * time.Minute)
	ok, _ := l.allow(ctx, "198.51.100.1")
	assert.True(t, ok)
	assert.Equal(t, 1, l.localLen())
}
