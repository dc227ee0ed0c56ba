package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"otp-service/internal/client"
	"otp-service/internal/config"
)

func newTestCache(t *testing.T, window time.Duration, limit int) *RateLimitCache {
	t.Helper()

	s := miniredis.RunT(t)

	cfg := &config.Config{
		Redis: config.RedisConfig{
			URL:      "redis://" + s.Addr(),
			PoolSize: 10,
		},
	}

	redisClient, err := client.NewRedisClient(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { redisClient.Close() })

	return NewRateLimitCache(redisClient, window, limit)
}

func TestReserveAllowsUnderLimit(t *testing.T) {
	cache := newTestCache(t, 10*time.Minute, 5)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		decision, err := cache.Reserve(ctx, "phone-hash-a")
		require.NoError(t, err)
		assert.True(t, decision.Allowed, "reservation %d should be allowed", i)
		assert.Equal(t, i, decision.Count)
	}
}

func TestReserveDeniesAtLimit(t *testing.T) {
	cache := newTestCache(t, 10*time.Minute, 3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		decision, err := cache.Reserve(ctx, "phone-hash-b")
		require.NoError(t, err)
		require.True(t, decision.Allowed)
	}

	decision, err := cache.Reserve(ctx, "phone-hash-b")
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, 3, decision.Count)
	assert.Greater(t, decision.RetryAfter, time.Duration(0))
	assert.LessOrEqual(t, decision.RetryAfter, 10*time.Minute)
}

func TestReserveIsolatesPhoneHashes(t *testing.T) {
	cache := newTestCache(t, 10*time.Minute, 1)
	ctx := context.Background()

	first, err := cache.Reserve(ctx, "phone-hash-c")
	require.NoError(t, err)
	require.True(t, first.Allowed)

	blocked, err := cache.Reserve(ctx, "phone-hash-c")
	require.NoError(t, err)
	assert.False(t, blocked.Allowed)

	other, err := cache.Reserve(ctx, "phone-hash-d")
	require.NoError(t, err)
	assert.True(t, other.Allowed)
}

func TestReserveWindowRollsOver(t *testing.T) {
	cache := newTestCache(t, time.Minute, 2)
	ctx := context.Background()

	base := time.Now()
	cache.nowFn = func() time.Time { return base }

	for i := 0; i < 2; i++ {
		decision, err := cache.Reserve(ctx, "phone-hash-e")
		require.NoError(t, err)
		require.True(t, decision.Allowed)
	}

	decision, err := cache.Reserve(ctx, "phone-hash-e")
	require.NoError(t, err)
	require.False(t, decision.Allowed)

	// Move past the window; the old reservations must no longer count.
	cache.nowFn = func() time.Time { return base.Add(time.Minute + time.Second) }

	decision, err = cache.Reserve(ctx, "phone-hash-e")
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.Equal(t, 1, decision.Count)
}
