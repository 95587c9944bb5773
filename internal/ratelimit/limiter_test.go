package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T) (*Limiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewLimiter(client, "test-salt"), mr
}

func TestCheckRateLimitCountsDown(t *testing.T) {
	l, _ := newTestLimiter(t)
	cfg := LimitConfig{Rate: 3, Window: time.Minute}
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		d, err := l.CheckRateLimit(ctx, "rl:client:a", cfg)
		require.NoError(t, err)
		assert.True(t, d.Allowed, "request %d", i)
		assert.Equal(t, 3-i, d.Remaining)
	}

	d, err := l.CheckRateLimit(ctx, "rl:client:a", cfg)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 0, d.Remaining)
}

func TestCheckRateLimitWindowResets(t *testing.T) {
	l, mr := newTestLimiter(t)
	cfg := LimitConfig{Rate: 1, Window: time.Minute}
	ctx := context.Background()

	d, err := l.CheckRateLimit(ctx, "rl:ip:x", cfg)
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	d, err = l.CheckRateLimit(ctx, "rl:ip:x", cfg)
	require.NoError(t, err)
	assert.False(t, d.Allowed)

	mr.FastForward(2 * time.Minute)

	d, err = l.CheckRateLimit(ctx, "rl:ip:x", cfg)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestCheckRateLimitKeysAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(t)
	cfg := LimitConfig{Rate: 1, Window: time.Minute}
	ctx := context.Background()

	d, err := l.CheckRateLimit(ctx, "rl:client:a", cfg)
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	d, err = l.CheckRateLimit(ctx, "rl:client:b", cfg)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestHashIPStableAndSalted(t *testing.T) {
	l, _ := newTestLimiter(t)
	assert.Equal(t, l.HashIP("10.0.0.1"), l.HashIP("10.0.0.1"))
	assert.NotEqual(t, l.HashIP("10.0.0.1"), l.HashIP("10.0.0.2"))

	other := NewLimiter(nil, "other-salt")
	assert.NotEqual(t, l.HashIP("10.0.0.1"), other.HashIP("10.0.0.1"))
}
