package ratelimit

import (
	"context"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Limiter decides whether a caller may proceed.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
	AllowN(ctx context.Context, key string, n int) (bool, error)
}

// WindowLimiter is a fixed-window counter kept in Redis, so every node
// sharing the Redis instance sees the same budget per key.
type WindowLimiter struct {
	redisClient *redis.Client
	logger      *zap.Logger
	limit       int
	window      time.Duration
	fallback    bool // allow requests when Redis is unavailable (fail-open)
	now         func() time.Time
}

func NewWindowLimiter(redisClient *redis.Client, logger *zap.Logger, limit int, window time.Duration, fallback bool) *WindowLimiter {
	if window < time.Second {
		window = time.Second
	}
	return &WindowLimiter{
		redisClient: redisClient,
		logger:      logger,
		limit:       limit,
		window:      window,
		fallback:    fallback,
		now:         time.Now,
	}
}

func (l *WindowLimiter) Allow(ctx context.Context, key string) (bool, error) {
	return l.AllowN(ctx, key, 1)
}

// AllowN consumes n tokens from key's current window.
func (l *WindowLimiter) AllowN(ctx context.Context, key string, n int) (bool, error) {
	bucketKey := l.bucketKey(key, l.now())

	pipe := l.redisClient.Pipeline()
	incrCmd := pipe.IncrBy(ctx, bucketKey, int64(n))
	pipe.Expire(ctx, bucketKey, l.window+time.Second)

	if _, err := pipe.Exec(ctx); err != nil {
		if l.fallback {
			l.logger.Warn("rate limit check failed, allowing request (fail-open)",
				zap.String("key", key),
				zap.Error(err),
			)
			return true, nil
		}
		return false, fmt.Errorf("rate limit check failed: %w", err)
	}

	count := incrCmd.Val()
	allowed := count <= int64(l.limit)
	if !allowed {
		l.logger.Warn("rate limit exceeded",
			zap.String("key", key),
			zap.Int64("count", count),
			zap.Int("limit", l.limit),
			zap.Duration("window", l.window),
		)
	}
	return allowed, nil
}

func (l *WindowLimiter) bucketKey(key string, now time.Time) string {
	return fmt.Sprintf("ratelimit:%s:%d", key, now.Unix()/int64(l.window.Seconds()))
}

// Unlimited allows everything. Used when no Redis is configured.
type Unlimited struct{}

func (Unlimited) Allow(context.Context, string) (bool, error)       { return true, nil }
func (Unlimited) AllowN(context.Context, string, int) (bool, error) { return true, nil }
