package auth_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/technosupport/ts-mediagw/internal/auth"
)

func newTestBlacklist(t *testing.T) (*auth.RedisBlacklist, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return auth.NewRedisBlacklist(client), mr
}

func TestBlacklistRoundTrip(t *testing.T) {
	bl, _ := newTestBlacklist(t)
	ctx := context.Background()

	listed, err := bl.IsBlacklisted(ctx, "client-a", "jti-1")
	require.NoError(t, err)
	assert.False(t, listed)

	require.NoError(t, bl.AddToBlacklist(ctx, "client-a", "jti-1", time.Hour))

	listed, err = bl.IsBlacklisted(ctx, "client-a", "jti-1")
	require.NoError(t, err)
	assert.True(t, listed)

	// Different jti for the same client is unaffected.
	listed, err = bl.IsBlacklisted(ctx, "client-a", "jti-2")
	require.NoError(t, err)
	assert.False(t, listed)
}

func TestBlacklistEntryExpires(t *testing.T) {
	bl, mr := newTestBlacklist(t)
	ctx := context.Background()

	require.NoError(t, bl.AddToBlacklist(ctx, "client-a", "jti-1", time.Minute))
	mr.FastForward(2 * time.Minute)

	listed, err := bl.IsBlacklisted(ctx, "client-a", "jti-1")
	require.NoError(t, err)
	assert.False(t, listed)
}
