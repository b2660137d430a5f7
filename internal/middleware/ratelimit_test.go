package middleware

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func newLimiter(t *testing.T, limit int, whitelist []string, onBlocked func()) *RateLimiter {
	t.Helper()
	rl := NewRateLimiter(limit, time.Minute, whitelist, onBlocked, slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(rl.Close)
	return rl
}

func TestAllowWithinWindow(t *testing.T) {
	rl := newLimiter(t, 2, nil, nil)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	assert.True(t, rl.Allow("1.1.1.1"))
	assert.True(t, rl.Allow("1.1.1.1"))
	assert.False(t, rl.Allow("1.1.1.1"))
	assert.True(t, rl.Allow("2.2.2.2"))

	now = now.Add(time.Minute)
	assert.True(t, rl.Allow("1.1.1.1"))
}

func TestWhitelistAndDisabled(t *testing.T) {
	rl := newLimiter(t, 1, []string{" 9.9.9.9 "}, nil)
	for i := 0; i < 5; i++ {
		assert.True(t, rl.Allow("9.9.9.9"))
	}

	off := newLimiter(t, 0, nil, nil)
	for i := 0; i < 5; i++ {
		assert.True(t, off.Allow("1.1.1.1"))
	}
}

func TestEvictDropsOldWindows(t *testing.T) {
	rl := newLimiter(t, 1, nil, nil)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	rl.Allow("1.1.1.1")
	now = now.Add(3 * time.Minute)
	rl.evict()

	assert.Empty(t, rl.windows)
}

func TestMiddlewareBlocks(t *testing.T) {
	blocked := 0
	rl := newLimiter(t, 1, nil, func() { blocked++ })
	h := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/tracks", nil)
	req.Header.Set("X-Forwarded-For", "5.5.5.5, 10.0.0.1")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
	assert.Equal(t, 1, blocked)
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "7.7.7.7:1234"
	assert.Equal(t, "7.7.7.7", clientIP(req))

	req.Header.Set("X-Real-IP", "8.8.8.8")
	assert.Equal(t, "8.8.8.8", clientIP(req))

	req.Header.Set("X-Forwarded-For", "6.6.6.6:443")
	assert.Equal(t, "6.6.6.6", clientIP(req))
}
