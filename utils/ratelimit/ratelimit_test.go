package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client, mr
}

func fixedClock(l *WindowLimiter, at time.Time) {
	l.now = func() time.Time { return at }
}

func TestWindowLimiter_Allow(t *testing.T) {
	client, _ := setupTestRedis(t)
	limiter := NewWindowLimiter(client, zap.NewNop(), 5, time.Minute, false)
	fixedClock(limiter, time.Unix(1_700_000_000, 0))

	ctx := context.Background()
	for i := range 5 {
		allowed, err := limiter.Allow(ctx, "chat:user:1")
		require.NoError(t, err)
		assert.True(t, allowed, "request %d should be allowed", i+1)
	}

	allowed, err := limiter.Allow(ctx, "chat:user:1")
	require.NoError(t, err)
	assert.False(t, allowed)

	// 其他 key 不受影响
	allowed, err = limiter.Allow(ctx, "chat:user:2")
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestWindowLimiter_AllowN(t *testing.T) {
	client, _ := setupTestRedis(t)
	limiter := NewWindowLimiter(client, zap.NewNop(), 10, time.Minute, false)
	fixedClock(limiter, time.Unix(1_700_000_000, 0))
	ctx := context.Background()

	allowed, err := limiter.AllowN(ctx, "k", 7)
	require.NoError(t, err)
	assert.True(t, allowed)

	allowed, err = limiter.AllowN(ctx, "k", 3)
	require.NoError(t, err)
	assert.True(t, allowed)

	allowed, err = limiter.AllowN(ctx, "k", 1)
	require.NoError(t, err)
	assert.False(t, allowed)
}

func TestWindowLimiter_NewWindowResets(t *testing.T) {
	client, _ := setupTestRedis(t)
	limiter := NewWindowLimiter(client, zap.NewNop(), 1, 10*time.Second, false)
	start := time.Unix(1_700_000_000, 0)
	ctx := context.Background()

	fixedClock(limiter, start)
	allowed, _ := limiter.Allow(ctx, "k")
	assert.True(t, allowed)
	allowed, _ = limiter.Allow(ctx, "k")
	assert.False(t, allowed)

	fixedClock(limiter, start.Add(10*time.Second))
	allowed, err := limiter.Allow(ctx, "k")
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestWindowLimiter_RedisDown(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	mr.Close()
	ctx := context.Background()

	open := NewWindowLimiter(client, zap.NewNop(), 1, time.Minute, true)
	allowed, err := open.Allow(ctx, "k")
	assert.NoError(t, err)
	assert.True(t, allowed)

	closed := NewWindowLimiter(client, zap.NewNop(), 1, time.Minute, false)
	allowed, err = closed.Allow(ctx, "k")
	assert.Error(t, err)
	assert.False(t, allowed)
}

func TestUnlimited(t *testing.T) {
	var l Limiter = Unlimited{}
	allowed, err := l.AllowN(context.Background(), "k", 1000)
	assert.NoError(t, err)
	assert.True(t, allowed)
}
