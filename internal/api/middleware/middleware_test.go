package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mahaddinnagiyev/connectify/internal/metrics"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
})

func newLimiter(t *testing.T, cfg RateLimiterConfig) (*RateLimiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRateLimiter(client, zerolog.Nop(), cfg), mr
}

func hit(h http.Handler, method, path, ip, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	req.RemoteAddr = ip + ":5000"
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRateLimiterBlocksOverLimit(t *testing.T) {
	rl, _ := newLimiter(t, RateLimiterConfig{
		Limits: []RateLimit{{"POST /rooms/", 2, time.Minute, tokenOrIPKey}},
	})
	h := rl.Middleware(okHandler)
	hits := metrics.RateLimitHits.WithLabelValues("POST /rooms/")
	before := testutil.ToFloat64(hits)

	for i := 0; i < 2; i++ {
		rec := hit(h, http.MethodPost, "/rooms/r1/messages", "10.0.0.1", "tok-a")
		require.Equal(t, http.StatusNoContent, rec.Code)
	}
	rec := hit(h, http.MethodPost, "/rooms/r1/messages", "10.0.0.1", "tok-a")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Equal(t, before+1, testutil.ToFloat64(hits))

	// Another token from the same address has its own budget.
	rec = hit(h, http.MethodPost, "/rooms/r1/messages", "10.0.0.1", "tok-b")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	// Unlimited routes pass through.
	rec = hit(h, http.MethodGet, "/health", "10.0.0.1", "tok-a")
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestRateLimiterWhitelist(t *testing.T) {
	rl, _ := newLimiter(t, RateLimiterConfig{
		Whitelist: []string{"192.168.0.0/16", "10.1.1.1", "bogus/cidr"},
		Limits:    []RateLimit{{"GET /ws", 1, time.Minute, ipKey}},
	})
	h := rl.Middleware(okHandler)

	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusNoContent, hit(h, http.MethodGet, "/ws", "192.168.4.4", "").Code)
		assert.Equal(t, http.StatusNoContent, hit(h, http.MethodGet, "/ws", "10.1.1.1", "").Code)
	}
	assert.Equal(t, http.StatusNoContent, hit(h, http.MethodGet, "/ws", "10.9.9.9", "").Code)
	assert.Equal(t, http.StatusTooManyRequests, hit(h, http.MethodGet, "/ws", "10.9.9.9", "").Code)
}

func TestRateLimiterAutoBlock(t *testing.T) {
	rl, mr := newLimiter(t, RateLimiterConfig{
		AutoBlockEnabled: true,
		Limits:           []RateLimit{{"GET /ws", 1, time.Minute, ipKey}},
	})
	h := rl.Middleware(okHandler)

	hit(h, http.MethodGet, "/ws", "10.2.2.2", "")
	for i := 0; i < 10; i++ {
		hit(h, http.MethodGet, "/ws", "10.2.2.2", "")
	}
	assert.True(t, mr.Exists("blocked:ip:10.2.2.2"))
	assert.Equal(t, http.StatusForbidden, hit(h, http.MethodGet, "/health", "10.2.2.2", "").Code)

	rl.blocker.Unblock(context.Background(), "10.2.2.2")
	assert.Equal(t, http.StatusNoContent, hit(h, http.MethodGet, "/health", "10.2.2.2", "").Code)
}

func TestFindLimitPrefersSpecificPattern(t *testing.T) {
	rl, _ := newLimiter(t, RateLimiterConfig{})

	cases := map[string]string{
		"POST /rooms":                  "POST /rooms",
		"POST /rooms/abc/messages":     "POST /rooms/",
		"GET /rooms":                   "GET /rooms",
		"GET /rooms/abc/messages":      "GET /rooms/",
		"DELETE /rooms/abc/messages/x": "DELETE /rooms/",
	}
	for in, want := range cases {
		method, path, _ := strings.Cut(in, " ")
		limit := rl.findLimit(httptest.NewRequest(method, path, nil))
		require.NotNil(t, limit, in)
		assert.Equal(t, want, limit.Pattern, in)
	}
	assert.Nil(t, rl.findLimit(httptest.NewRequest(http.MethodGet, "/health", nil)))
}

func TestRealIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "1.2.3.4:999"
	assert.Equal(t, "1.2.3.4", RealIP(req))

	req.Header.Set("X-Real-IP", "5.6.7.8")
	assert.Equal(t, "5.6.7.8", RealIP(req))

	req.Header.Set("X-Forwarded-For", "9.9.9.9, 10.0.0.1")
	assert.Equal(t, "9.9.9.9", RealIP(req))
}

type staticVerifier map[string]string

func (v staticVerifier) Verify(token string) (string, error) {
	if id, ok := v[token]; ok {
		return id, nil
	}
	return "", errors.New("bad token")
}

func TestRequireAuth(t *testing.T) {
	auth := NewAuthMiddleware(staticVerifier{"good": "user-1"})
	var seen string
	h := auth.RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetUserFromContext(r.Context())
	}))

	assert.Equal(t, http.StatusUnauthorized, hit(h, http.MethodGet, "/rooms", "1.1.1.1", "").Code)
	assert.Equal(t, http.StatusUnauthorized, hit(h, http.MethodGet, "/rooms", "1.1.1.1", "bad").Code)
	assert.Empty(t, seen)

	assert.Equal(t, http.StatusOK, hit(h, http.MethodGet, "/rooms", "1.1.1.1", "good").Code)
	assert.Equal(t, "user-1", seen)
}

func TestValidateRequest(t *testing.T) {
	h := ValidateRequest(okHandler)

	req := httptest.NewRequest(http.MethodPost, "/rooms", strings.NewReader(`peerId=x`))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/rooms?before=javascript:alert(1)", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/rooms/r1/read", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestMaxBodySize(t *testing.T) {
	h := MaxBodySize(8)(okHandler)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/rooms", strings.NewReader(`{"peerId":"someone"}`)))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestStatusWriterSupportsHijack(t *testing.T) {
	var w http.ResponseWriter = &statusWriter{ResponseWriter: httptest.NewRecorder()}
	hj, ok := w.(http.Hijacker)
	require.True(t, ok)

	// A recorder cannot be hijacked; the wrapper reports that instead of panicking.
	_, _, err := hj.Hijack()
	assert.Error(t, err)
}

func TestLoggerRecordsRouteAndUser(t *testing.T) {
	var buf bytes.Buffer
	auth := NewAuthMiddleware(staticVerifier{"good": "user-1"})

	r := chi.NewRouter()
	r.Use(Logger(zerolog.New(&buf)))
	r.With(auth.RequireAuth).Get("/rooms/{id}/messages", okHandler)

	lines := func() []map[string]any {
		var out []map[string]any
		for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
			var entry map[string]any
			require.NoError(t, json.Unmarshal([]byte(line), &entry))
			out = append(out, entry)
		}
		buf.Reset()
		return out
	}

	hit(r, http.MethodGet, "/rooms/abc/messages", "1.1.1.1", "good")
	logged := lines()
	require.Len(t, logged, 1)
	assert.Equal(t, "info", logged[0]["level"])
	assert.Equal(t, "/rooms/{id}/messages", logged[0]["route"])
	assert.Equal(t, "/rooms/abc/messages", logged[0]["path"])
	assert.Equal(t, "user-1", logged[0]["user_id"])
	assert.Equal(t, float64(http.StatusNoContent), logged[0]["status"])
	assert.Equal(t, "1.1.1.1", logged[0]["remote_addr"])

	hit(r, http.MethodGet, "/rooms/abc/messages", "1.1.1.1", "bad")
	logged = lines()
	require.Len(t, logged, 1)
	assert.Equal(t, "warn", logged[0]["level"])
	assert.Equal(t, float64(http.StatusUnauthorized), logged[0]["status"])
	assert.NotContains(t, logged[0], "user_id")

	hit(r, http.MethodGet, "/nowhere", "1.1.1.1", "")
	logged = lines()
	require.Len(t, logged, 1)
	assert.Equal(t, "unmatched", logged[0]["route"])
}

func TestSetLogUserOutsideLogger(t *testing.T) {
	assert.NotPanics(t, func() { SetLogUser(context.Background(), "user-1") })
}
