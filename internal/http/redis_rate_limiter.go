package httpx

import (
	"context"
	"log/slog"
	"time"

	redis "github.com/redis/go-redis/v9"
)

type redisRateLimiter struct {
	client  *redis.Client
	logger  *slog.Logger
	prefix  string
	timeout time.Duration
}

// NewRedisRateLimiter shares counters across API replicas through Redis. The
// client is owned by the caller; Close leaves it open.
func NewRedisRateLimiter(client *redis.Client, logger *slog.Logger) RateLimiter {
	return &redisRateLimiter{
		client:  client,
		logger:  logger.With("component", "ratelimit"),
		prefix:  "dockmgr:ratelimit:",
		timeout: 250 * time.Millisecond,
	}
}

// Allow fails open when Redis is unavailable.
func (rl *redisRateLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) rateDecision {
	if limit <= 0 {
		return rateDecision{allowed: true}
	}
	if window <= 0 {
		window = time.Minute
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rl.timeout)
	defer cancel()

	redisKey := rl.prefix + key
	pipe := rl.client.TxPipeline()
	incr := pipe.Incr(ctx, redisKey)
	pipe.ExpireNX(ctx, redisKey, window)
	ttl := pipe.PTTL(ctx, redisKey)
	if _, err := pipe.Exec(ctx); err != nil {
		rl.logger.Error("redis rate limiter error", "op", "incr", "error", err)
		return rateDecision{allowed: true, remaining: limit}
	}
	left := ttl.Val()
	if left <= 0 {
		left = window
	}
	counter := int(incr.Val())
	return rateDecision{
		allowed:   counter <= limit,
		remaining: max(limit-counter, 0),
		reset:     time.Now().Add(left),
	}
}

func (rl *redisRateLimiter) Close() {}
