package http

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetClientIP(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "198.51.100.7:51234"
	assert.Equal(t, "198.51.100.7", getClientIP(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	assert.Equal(t, "198.51.100.7", getClientIP(req), "forwarded headers are not trusted on their own")
}

// TestPurpose: Validates that clients cannot rotate X-Forwarded-For to escape the per-IP limit.
// Scope: Unit Test
// Security: Rate limit evasion via spoofed proxy headers
// Expected: headers ignored by default; honoured only when the router trusts a proxy.
// Test Case ID: API-09
func TestRateLimit_ForwardedHeaders(t *testing.T) {
	send := func(h http.Handler, forwarded string) int {
		req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
		req.RemoteAddr = "198.51.100.7:51234"
		req.Header.Set("X-Forwarded-For", forwarded)
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		return w.Code
	}

	t.Run("untrusted", func(t *testing.T) {
		rl := NewMemoryRateLimiter(0, 1)
		t.Cleanup(func() { _ = rl.Close() })
		h := newTestRouter(t, &stubService{}, RouterConfig{RateLimiter: rl})
		assert.Equal(t, http.StatusOK, send(h, "203.0.113.1"))
		assert.Equal(t, http.StatusTooManyRequests, send(h, "203.0.113.2"))
	})

	t.Run("behind trusted proxy", func(t *testing.T) {
		rl := NewMemoryRateLimiter(0, 1)
		t.Cleanup(func() { _ = rl.Close() })
		h := newTestRouter(t, &stubService{}, RouterConfig{RateLimiter: rl, TrustProxy: true})
		assert.Equal(t, http.StatusOK, send(h, "203.0.113.1"))
		assert.Equal(t, http.StatusOK, send(h, "203.0.113.2"))
		assert.Equal(t, http.StatusTooManyRequests, send(h, "203.0.113.1"))
	})
}

func TestMemoryRateLimiter_PerClient(t *testing.T) {
	rl := NewMemoryRateLimiter(0, 2)
	defer rl.Close()
	ctx := context.Background()

	assert.True(t, rl.Allow(ctx, "a"))
	assert.True(t, rl.Allow(ctx, "a"))
	assert.False(t, rl.Allow(ctx, "a"))
	assert.True(t, rl.Allow(ctx, "b"), "buckets are per client")
}

func TestMemoryRateLimiter_CleanupDropsIdle(t *testing.T) {
	rl := NewMemoryRateLimiter(1, 1)
	defer rl.Close()

	rl.Allow(context.Background(), "idle")
	rl.cleanup(time.Now().Add(2 * rl.cleanupInterval))

	rl.mu.Lock()
	defer rl.mu.Unlock()
	assert.Empty(t, rl.visitors)
}

func TestRedisRateLimiter_FailsOpen(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1, DialTimeout: 50 * time.Millisecond})
	rl := newRedisRateLimiter(client, 1, time.Minute)
	defer rl.Close()

	assert.True(t, rl.Allow(context.Background(), "client"))
	assert.True(t, rl.Allow(context.Background(), "client"))
}

// txRecorder answers MULTI/EXEC pipelines in memory and records what was sent.
type txRecorder struct {
	count int64
	sent  [][]any
	err   error
}

func (h *txRecorder) DialHook(next redis.DialHook) redis.DialHook { return next }

func (h *txRecorder) ProcessHook(next redis.ProcessHook) redis.ProcessHook { return next }

func (h *txRecorder) ProcessPipelineHook(redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(_ context.Context, cmds []redis.Cmder) error {
		if h.err != nil {
			return h.err
		}
		var batch []any
		for _, cmd := range cmds {
			batch = append(batch, cmd.Args()...)
			switch c := cmd.(type) {
			case *redis.IntCmd:
				h.count++
				c.SetVal(h.count)
			case *redis.BoolCmd:
				c.SetVal(h.count == 1)
			}
		}
		h.sent = append(h.sent, batch)
		return nil
	}
}

// TestPurpose: Validates the counter and its expiry are written atomically.
// Scope: Unit Test
// Expected: every request sends INCR and EXPIRE NX in one MULTI/EXEC; the limit applies; transport errors fail open.
// Test Case ID: API-10
func TestRedisRateLimiter_AtomicWindow(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1})
	rec := &txRecorder{}
	client.AddHook(rec)
	rl := newRedisRateLimiter(client, 2, time.Minute)
	defer rl.Close()
	ctx := context.Background()

	assert.True(t, rl.Allow(ctx, "client"))
	assert.True(t, rl.Allow(ctx, "client"))
	assert.False(t, rl.Allow(ctx, "client"))

	require.Len(t, rec.sent, 3)
	for _, batch := range rec.sent {
		assert.Equal(t, []any{
			"multi",
			"incr", "labmanager:ratelimit:client",
			"expire", "labmanager:ratelimit:client", int64(60), "NX",
			"exec",
		}, batch)
	}

	rec.err = errors.New("connection reset")
	assert.True(t, rl.Allow(ctx, "client"))
}
