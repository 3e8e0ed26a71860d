package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loyalty-notify/internal/clock"
)

func TestTokenBucket(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	clk := clock.NewFake(time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC))
	bucket := NewTokenBucket(client, 2, 1, time.Minute, clk)

	d, err := bucket.Allow(ctx, "prog-1")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 1.0, d.Remaining)

	d, err = bucket.Allow(ctx, "prog-1")
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	d, err = bucket.Allow(ctx, "prog-1")
	require.NoError(t, err)
	assert.False(t, d.Allowed, "bucket is empty")
	assert.Equal(t, time.Second, d.RetryAfter)

	other, err := bucket.Allow(ctx, "prog-2")
	require.NoError(t, err)
	assert.True(t, other.Allowed, "buckets are per key")

	// The script takes time from the caller, so refill follows the fake clock.
	clk.Advance(1500 * time.Millisecond)
	d, err = bucket.Allow(ctx, "prog-1")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.InDelta(t, 0.5, d.Remaining, 0.001)
	assert.Zero(t, d.RetryAfter)
}
