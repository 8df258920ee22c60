package redis

import (
	"context"
	"testing"
	"time"

	"github.com/flashbots/go-utils/cli"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

var testRedisEndpoint = cli.GetEnv("TEST_REDIS_ENDPOINT", "redis://localhost:6379")

func TestRequestGuard(t *testing.T) {
	ctx := context.Background()
	opts, err := redis.ParseURL(testRedisEndpoint)
	require.NoError(t, err)
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis is not available: %v", err)
	}
	defer client.Close()

	guard := NewRequestGuard(client, time.Minute, "guard_test:")
	id := uuid.NewString()

	ok, err := guard.Claim(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = guard.Claim(ctx, id)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, guard.Release(ctx, id))
	ok, err = guard.Claim(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, guard.Release(ctx, id))

	for i := uint64(1); i <= 3; i++ {
		attempts, err := guard.IncAttempts(ctx, id)
		require.NoError(t, err)
		require.Equal(t, i, attempts)
	}
	ttl, err := client.TTL(ctx, "guard_test:attempts:"+id).Result()
	require.NoError(t, err)
	require.Greater(t, ttl, time.Duration(0))
}
