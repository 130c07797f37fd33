package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/harun/toolrun/pkg/tool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiter_SlidingWindow(t *testing.T) {
	rl := newRateLimiter(2, 0)
	now := time.Now()
	rl.now = func() time.Time { return now }

	ok, _ := rl.allow("a")
	assert.True(t, ok)
	now = now.Add(10 * time.Second)
	ok, _ = rl.allow("a")
	assert.True(t, ok)

	ok, retry := rl.allow("a")
	assert.False(t, ok)
	assert.Equal(t, 50*time.Second, retry)

	ok, _ = rl.allow("b")
	assert.True(t, ok, "clients are limited independently")

	now = now.Add(51 * time.Second)
	ok, _ = rl.allow("a")
	assert.True(t, ok)
}

func TestRateLimiter_Cleanup(t *testing.T) {
	rl := newRateLimiter(5, 0)
	now := time.Now()
	rl.now = func() time.Time { return now }

	rl.allow("a")
	now = now.Add(2 * time.Minute)
	rl.cleanup()

	assert.Empty(t, rl.clients)
}

func TestRateLimit_Middleware(t *testing.T) {
	s, err := New(Options{RateLimitPerMinute: 1}, &mockExecutor{}, staticTools{{Name: "echo", Type: tool.TypeBuiltin}})
	require.NoError(t, err)
	defer s.limiter.close()

	get := func(path string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.RemoteAddr = "10.0.0.1:5555"
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusOK, get("/v1/tools").Code)

	rec := get("/v1/tools")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))

	assert.Equal(t, http.StatusOK, get("/healthz").Code, "health checks are not limited")
}
