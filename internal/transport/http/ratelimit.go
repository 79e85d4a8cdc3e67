package http

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/cyberlearn/labmanager/internal/observability/logger"
)

// RateLimiter decides whether a request keyed by client address may proceed.
type RateLimiter interface {
	Allow(ctx context.Context, key string) bool
	Close() error
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// MemoryRateLimiter is a per-process token bucket per client.
type MemoryRateLimiter struct {
	visitors        map[string]*visitor
	mu              sync.Mutex
	rps             rate.Limit
	burst           int
	cleanupInterval time.Duration
	stop            chan struct{}
	stopOnce        sync.Once
}

// NewMemoryRateLimiter creates a new rate limiter
func NewMemoryRateLimiter(rps float64, burst int) *MemoryRateLimiter {
	rl := &MemoryRateLimiter{
		visitors:        make(map[string]*visitor),
		rps:             rate.Limit(rps),
		burst:           burst,
		cleanupInterval: 10 * time.Minute,
		stop:            make(chan struct{}),
	}
	go rl.cleanupLoop()
	return rl
}

// Allow reports whether key has a token left.
func (rl *MemoryRateLimiter) Allow(_ context.Context, key string) bool {
	rl.mu.Lock()
	v, ok := rl.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rl.rps, rl.burst)}
		rl.visitors[key] = v
	}
	v.lastSeen = time.Now()
	rl.mu.Unlock()

	return v.limiter.Allow()
}

// Close stops the cleanup goroutine.
func (rl *MemoryRateLimiter) Close() error {
	rl.stopOnce.Do(func() { close(rl.stop) })
	return nil
}

func (rl *MemoryRateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-rl.stop:
			return
		case now := <-ticker.C:
			rl.cleanup(now)
		}
	}
}

// cleanup drops clients idle for longer than one interval.
func (rl *MemoryRateLimiter) cleanup(now time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, v := range rl.visitors {
		if now.Sub(v.lastSeen) > rl.cleanupInterval {
			delete(rl.visitors, key)
		}
	}
}

// RedisRateLimiter is a fixed-window counter shared by every replica.
// Redis errors fail open.
type RedisRateLimiter struct {
	client  *redis.Client
	limit   int
	window  time.Duration
	prefix  string
	timeout time.Duration
}

// RedisConfig configures the shared limiter.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Limit    int
	Window   time.Duration
}

// NewRedisRateLimiter connects to Redis and verifies it is reachable.
func NewRedisRateLimiter(ctx context.Context, cfg RedisConfig) (*RedisRateLimiter, error) {
	client := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return newRedisRateLimiter(client, cfg.Limit, cfg.Window), nil
}

func newRedisRateLimiter(client *redis.Client, limit int, window time.Duration) *RedisRateLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &RedisRateLimiter{
		client:  client,
		limit:   limit,
		window:  window,
		prefix:  "labmanager:ratelimit:",
		timeout: 250 * time.Millisecond,
	}
}

// Allow increments the key's counter for the current window.
func (rl *RedisRateLimiter) Allow(ctx context.Context, key string) bool {
	if rl.limit <= 0 {
		return true
	}
	ctx, cancel := context.WithTimeout(ctx, rl.timeout)
	defer cancel()

	redisKey := rl.prefix + key
	var incr *redis.IntCmd
	// EXPIRE NX only arms the TTL when the key has none, so every window
	// ends even if an earlier request lost its expire.
	_, err := rl.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, redisKey)
		pipe.ExpireNX(ctx, redisKey, rl.window)
		return nil
	})
	if err != nil {
		slog.WarnContext(ctx, "redis rate limiter unavailable", logger.Operation("incr"), logger.Error(err))
		return true
	}
	return incr.Val() <= int64(rl.limit)
}

// Close closes the Redis client.
func (rl *RedisRateLimiter) Close() error {
	return rl.client.Close()
}

// RateLimitMiddleware creates a middleware for rate limiting
func RateLimitMiddleware(rl RateLimiter, metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !rl.Allow(r.Context(), getClientIP(r)) {
				metrics.rateLimited()
				w.Header().Set("Retry-After", "1")
				respondError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// getClientIP keys on the peer address. Proxy headers only count once
// middleware.RealIP has folded them into RemoteAddr.
func getClientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
