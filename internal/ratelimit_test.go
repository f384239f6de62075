package internal

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiterAllowsUpToLimit(t *testing.T) {
	t.Parallel()
	ctx := t.Context()

	rl := NewRateLimiter(newMemoryKV())
	t.Cleanup(rl.Close)

	for i := range _rateLimit {
		d := rl.Check(ctx, "10.0.0.1")
		assert.True(t, d.Allowed)
		assert.Equal(t, _rateLimit-1-i, d.Remaining)
	}

	d := rl.Check(ctx, "10.0.0.1")
	assert.False(t, d.Allowed)
	assert.Zero(t, d.Remaining)
	assert.WithinDuration(t, time.Now().Add(_rateWindow), d.ResetAt, 5*time.Second)
}

func TestRateLimiterIsolatesClients(t *testing.T) {
	t.Parallel()
	ctx := t.Context()

	rl := NewRateLimiter(newMemoryKV())
	t.Cleanup(rl.Close)

	for range _rateLimit + 1 {
		rl.Check(ctx, "10.0.0.1")
	}
	assert.False(t, rl.Check(ctx, "10.0.0.1").Allowed)

	d := rl.Check(ctx, "10.0.0.2")
	assert.True(t, d.Allowed, "each client gets its own window")
	assert.Equal(t, _rateLimit-1, d.Remaining)
}

func TestRateLimiterWindowExpiryResets(t *testing.T) {
	t.Parallel()
	ctx := t.Context()

	kv := newMemoryKV()
	win, err := sonic.Marshal(rlWindow{Count: _rateLimit, ResetAt: time.Now().Add(-time.Second)})
	require.NoError(t, err)
	kv.Set(ctx, rateKey("10.0.0.9"), win, time.Minute)

	rl := NewRateLimiter(kv)
	t.Cleanup(rl.Close)

	d := rl.Check(ctx, "10.0.0.9")
	assert.True(t, d.Allowed, "an exhausted window resets once it lapses")
	assert.Equal(t, _rateLimit-1, d.Remaining)
}

func TestRateLimiterSurvivesRestart(t *testing.T) {
	t.Parallel()
	ctx := t.Context()

	kv := newMemoryKV()

	before := NewRateLimiter(kv)
	for range _rateLimit {
		require.True(t, before.Check(ctx, "10.0.0.7").Allowed)
	}
	require.False(t, before.Check(ctx, "10.0.0.7").Allowed)
	before.Close()

	after := NewRateLimiter(kv)
	t.Cleanup(after.Close)

	d := after.Check(ctx, "10.0.0.7")
	assert.False(t, d.Allowed, "counters persist across restarts within the window")
}

func TestRateLimitMiddleware(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(newMemoryKV())
	t.Cleanup(rl.Close)

	handler := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	do := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/v1/search/title?q=dune", nil)
		req.RemoteAddr = "203.0.113.9:41234"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	rec := do()
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, fmt.Sprint(_rateLimit), rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, fmt.Sprint(_rateLimit-1), rec.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, rec.Header().Get("X-RateLimit-Reset"))

	for range _rateLimit - 1 {
		do()
	}

	rec = do()
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
	retry, err := time.ParseDuration(rec.Header().Get("Retry-After") + "s")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, retry, time.Second)
	assert.Contains(t, rec.Body.String(), "RATE_LIMIT_EXCEEDED")
}

func TestClientIP(t *testing.T) {
	t.Parallel()

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "198.51.100.4:9999"
	assert.Equal(t, "198.51.100.4", clientIP(r))

	r.RemoteAddr = "198.51.100.4"
	assert.Equal(t, "198.51.100.4", clientIP(r), "a bare address passes through")
}
