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

func testBucket(t *testing.T, capacity int, refill float64) *TokenBucket {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewTokenBucket(client, capacity, refill, time.Minute)
}

func TestAllowDrainsBucket(t *testing.T) {
	b := testBucket(t, 3, 0)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		allowed, _, err := b.Allow(ctx, "rl:u1", 1)
		require.NoError(t, err)
		assert.True(t, allowed, "request %d", i)
	}

	allowed, remaining, err := b.Allow(ctx, "rl:u1", 1)
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.Less(t, remaining, 1.0)
}

func TestAllowCostWeighting(t *testing.T) {
	b := testBucket(t, 10, 0)
	ctx := context.Background()

	// An oversized request drains most of the bucket in one go.
	allowed, remaining, err := b.Allow(ctx, "rl:u1", 8)
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.InDelta(t, 2.0, remaining, 0.01)

	allowed, _, err = b.Allow(ctx, "rl:u1", 8)
	require.NoError(t, err)
	assert.False(t, allowed)
}

func TestAllowKeysAreIndependent(t *testing.T) {
	b := testBucket(t, 1, 0)
	ctx := context.Background()

	allowed, _, err := b.Allow(ctx, "rl:u1", 1)
	require.NoError(t, err)
	assert.True(t, allowed)

	allowed, _, err = b.Allow(ctx, "rl:u2", 1)
	require.NoError(t, err)
	assert.True(t, allowed, "a drained bucket for one owner must not affect another")
}

func TestAllowMinimumCost(t *testing.T) {
	b := testBucket(t, 2, 0)
	ctx := context.Background()

	// cost below one is clamped to one.
	allowed, remaining, err := b.Allow(ctx, "rl:u1", 0)
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.InDelta(t, 1.0, remaining, 0.01)
}
