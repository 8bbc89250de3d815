// Package ratelimit paces provider API calls per account.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// Config holds rate limiter configuration.
type Config struct {
	RequestsPerSecond int // 초당 요청 수 (기본: 10)
	BurstSize         int // 버스트 허용량 (기본: 20)
	MaxWait           time.Duration
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{
		RequestsPerSecond: 10,
		BurstSize:         20,
		MaxWait:           30 * time.Second,
	}
}

// =============================================================================
// Limiter - Redis sliding window, local token bucket fallback
// =============================================================================

// Limiter shares one budget per key across every worker connected to the same Redis.
// Without Redis, or while Redis is failing, each process falls back to its own bucket.
type Limiter struct {
	cfg    Config
	window *SlidingWindowLimiter

	mu    sync.Mutex
	local map[string]*rate.Limiter
}

// NewLimiter creates a limiter. redisClient may be nil.
func NewLimiter(redisClient *redis.Client, cfg Config) *Limiter {
	def := DefaultConfig()
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = def.RequestsPerSecond
	}
	if cfg.BurstSize < 0 {
		cfg.BurstSize = 0
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = def.MaxWait
	}

	l := &Limiter{cfg: cfg, local: make(map[string]*rate.Limiter)}
	if redisClient != nil {
		l.window = NewSlidingWindowLimiter(redisClient, cfg.RequestsPerSecond, cfg.BurstSize)
	}
	return l
}

// Wait blocks until key may issue one request, ctx is done, or MaxWait elapses.
func (l *Limiter) Wait(ctx context.Context, key string) error {
	deadline := time.Now().Add(l.cfg.MaxWait)
	for {
		allowed, wait, err := l.allow(ctx, key)
		if err != nil {
			return l.localLimiter(key).Wait(ctx)
		}
		if allowed {
			return nil
		}
		if time.Now().Add(wait).After(deadline) {
			return fmt.Errorf("rate limit for %s: waited longer than %s", key, l.cfg.MaxWait)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (l *Limiter) allow(ctx context.Context, key string) (bool, time.Duration, error) {
	if l.window == nil {
		return false, 0, errNoRedis
	}
	return l.window.Allow(ctx, key)
}

func (l *Limiter) localLimiter(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	lim, ok := l.local[key]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(l.cfg.RequestsPerSecond), max(l.cfg.BurstSize, 1))
		l.local[key] = lim
	}
	return lim
}

var errNoRedis = fmt.Errorf("ratelimit: redis not configured")

// =============================================================================
// SlidingWindowLimiter - Redis 기반 Sliding Window Rate Limiter
// =============================================================================

// Lua script for atomic sliding window check.
var slidingWindowScript = redis.NewScript(`
	local key = KEYS[1]
	local now = tonumber(ARGV[1])
	local window_start = tonumber(ARGV[2])
	local max_requests = tonumber(ARGV[3])
	local window_ms = tonumber(ARGV[4])

	redis.call('ZREMRANGEBYSCORE', key, '-inf', window_start)

	local count = redis.call('ZCARD', key)
	if count < max_requests then
		redis.call('ZADD', key, now, now .. '-' .. math.random())
		redis.call('PEXPIRE', key, window_ms * 2)
		return 1
	end

	local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
	if #oldest > 0 then
		return -(oldest[2] + window_ms - now)
	end
	return 0
`)

// SlidingWindowLimiter implements sliding window rate limiting using Redis.
type SlidingWindowLimiter struct {
	redis     *redis.Client
	rate      int
	window    time.Duration
	burstSize int
}

// NewSlidingWindowLimiter creates a new sliding window rate limiter.
func NewSlidingWindowLimiter(redisClient *redis.Client, requestsPerSecond, burstSize int) *SlidingWindowLimiter {
	return &SlidingWindowLimiter{
		redis:     redisClient,
		rate:      requestsPerSecond,
		window:    time.Second,
		burstSize: burstSize,
	}
}

// Allow checks if a request is allowed and returns the wait duration if not.
func (l *SlidingWindowLimiter) Allow(ctx context.Context, key string) (bool, time.Duration, error) {
	now := time.Now()
	result, err := slidingWindowScript.Run(ctx, l.redis, []string{"ratelimit:" + key},
		now.UnixMilli(),
		now.Add(-l.window).UnixMilli(),
		l.rate+l.burstSize,
		l.window.Milliseconds(),
	).Int64()
	if err != nil {
		return false, 0, err
	}

	switch {
	case result == 1:
		return true, 0, nil
	case result < 0:
		// 음수 = 가장 오래된 요청이 윈도우를 벗어날 때까지의 ms
		return false, time.Duration(-result) * time.Millisecond, nil
	default:
		return false, l.window, nil
	}
}
