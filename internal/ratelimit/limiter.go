package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/go-redis/redis_rate/v10"
	"golang.org/x/time/rate"

	"github.com/ZanzyTHEbar/fraudscope/internal/monitoring"
)

// Config holds rate limiter configuration
type Config struct {
	IPLimitPerMin    int // all /api requests per client IP
	OwnerLimitPerMin int // batch submissions per owner
	BurstMultiplier  int // in-memory bucket size as a multiple of the limit
	CleanupInterval  time.Duration
}

// DefaultConfig returns default rate limiting configuration
func DefaultConfig() Config {
	return Config{
		IPLimitPerMin:    120,
		OwnerLimitPerMin: 30,
		BurstMultiplier:  1,
		CleanupInterval:  10 * time.Minute,
	}
}

// Rate is a request budget over a period
type Rate struct {
	Limit  int
	Period time.Duration
}

// PerMinute builds a per-minute rate
func PerMinute(limit int) Rate {
	return Rate{Limit: limit, Period: time.Minute}
}

// Result represents the result of a rate limit check
type Result struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
	Backend    string
}

type fallbackEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter checks budgets against Redis and falls back to in-memory token buckets
// when Redis is not configured or a Redis call fails.
type RateLimiter struct {
	redisLimiter *redis_rate.Limiter
	redisClient  *RedisClient
	config       Config
	metrics      *monitoring.Metrics

	fallbackLimiters map[string]*fallbackEntry
	fallbackMutex    sync.Mutex

	stop chan struct{}
	once sync.Once
}

// NewRateLimiter creates a new rate limiter with Redis and in-memory fallback
func NewRateLimiter(redisClient *RedisClient, config Config, metrics *monitoring.Metrics) *RateLimiter {
	if config.BurstMultiplier < 1 {
		config.BurstMultiplier = 1
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = DefaultConfig().CleanupInterval
	}

	rl := &RateLimiter{
		redisClient:      redisClient,
		config:           config,
		metrics:          metrics,
		fallbackLimiters: make(map[string]*fallbackEntry),
		stop:             make(chan struct{}),
	}

	if redisClient.IsEnabled() {
		rl.redisLimiter = redis_rate.NewLimiter(redisClient.GetClient())
		slog.Info("Redis rate limiter initialized")
	} else {
		slog.Warn("Redis unavailable, using in-memory rate limiting only")
	}

	go rl.cleanupFallbackLimiters()

	return rl
}

// AllowIP checks the per-minute budget of a client IP
func (rl *RateLimiter) AllowIP(ctx context.Context, ip string) (*Result, error) {
	return rl.Allow(ctx, "ratelimit:ip:"+ip, PerMinute(rl.config.IPLimitPerMin))
}

// AllowOwner checks the per-minute submission budget of an owner
func (rl *RateLimiter) AllowOwner(ctx context.Context, ownerID string) (*Result, error) {
	return rl.Allow(ctx, "ratelimit:owner:"+ownerID+":submit", PerMinute(rl.config.OwnerLimitPerMin))
}

// Allow spends one request from key's budget
func (rl *RateLimiter) Allow(ctx context.Context, key string, limit Rate) (*Result, error) {
	if limit.Limit <= 0 || limit.Period <= 0 {
		return nil, fmt.Errorf("invalid rate %d per %s", limit.Limit, limit.Period)
	}

	if rl.redisClient.IsEnabled() && rl.redisLimiter != nil {
		result, err := rl.allowRedis(ctx, key, limit)
		if err == nil {
			return result, nil
		}
		slog.Warn("Redis rate limit check failed, using fallback", "key", key, "error", err)
	}

	return rl.allowFallback(key, limit), nil
}

func (rl *RateLimiter) allowRedis(ctx context.Context, key string, limit Rate) (*Result, error) {
	res, err := rl.redisLimiter.Allow(ctx, key, redis_rate.Limit{
		Rate:   limit.Limit,
		Burst:  limit.Limit,
		Period: limit.Period,
	})
	if err != nil {
		return nil, fmt.Errorf("redis rate limit check failed: %w", err)
	}

	allowed := res.Allowed > 0
	if !allowed {
		rl.metrics.RecordRateLimited("redis")
	}

	return &Result{
		Allowed:    allowed,
		Limit:      res.Limit.Rate,
		Remaining:  res.Remaining,
		ResetAt:    time.Now().Add(res.ResetAfter),
		RetryAfter: res.RetryAfter,
		Backend:    "redis",
	}, nil
}

// allowFallback uses a token bucket refilled at limit/period
func (rl *RateLimiter) allowFallback(key string, limit Rate) *Result {
	now := time.Now()
	every := limit.Period / time.Duration(limit.Limit)

	rl.fallbackMutex.Lock()
	entry, exists := rl.fallbackLimiters[key]
	if !exists {
		entry = &fallbackEntry{limiter: rate.NewLimiter(rate.Every(every), limit.Limit*rl.config.BurstMultiplier)}
		rl.fallbackLimiters[key] = entry
	}
	entry.lastSeen = now
	rl.fallbackMutex.Unlock()

	allowed := entry.limiter.AllowN(now, 1)
	tokens := entry.limiter.TokensAt(now)

	result := &Result{
		Allowed:   allowed,
		Limit:     limit.Limit,
		Remaining: int(math.Max(0, math.Floor(tokens))),
		Backend:   "memory",
	}

	// time until the bucket is full again
	missing := float64(entry.limiter.Burst()) - tokens
	result.ResetAt = now.Add(time.Duration(missing * float64(every)))

	if !allowed {
		result.RetryAfter = time.Duration((1 - tokens) * float64(every))
		if result.RetryAfter <= 0 {
			result.RetryAfter = every
		}
		rl.metrics.RecordRateLimited("memory")
	}

	return result
}

// cleanupFallbackLimiters drops buckets that have been idle for a full interval
func (rl *RateLimiter) cleanupFallbackLimiters() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rl.stop:
			return
		case now := <-ticker.C:
			rl.evictIdle(now.Add(-rl.config.CleanupInterval))
		}
	}
}

func (rl *RateLimiter) evictIdle(before time.Time) int {
	rl.fallbackMutex.Lock()
	defer rl.fallbackMutex.Unlock()

	evicted := 0
	for key, entry := range rl.fallbackLimiters {
		if entry.lastSeen.Before(before) {
			delete(rl.fallbackLimiters, key)
			evicted++
		}
	}
	if evicted > 0 {
		slog.Debug("Evicted idle fallback rate limiters", "count", evicted)
	}
	return evicted
}

// GetStats returns rate limiter statistics
func (rl *RateLimiter) GetStats() map[string]interface{} {
	rl.fallbackMutex.Lock()
	fallbackCount := len(rl.fallbackLimiters)
	rl.fallbackMutex.Unlock()

	stats := map[string]interface{}{
		"redis_enabled":     rl.redisClient.IsEnabled(),
		"fallback_limiters": fallbackCount,
	}

	if rl.redisClient.IsEnabled() {
		stats["redis_pool"] = rl.redisClient.GetPoolStats()
	}

	return stats
}

// Close stops the cleanup goroutine. The Redis client is owned by the caller.
func (rl *RateLimiter) Close() {
	rl.once.Do(func() { close(rl.stop) })
}
