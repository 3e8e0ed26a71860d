// Package ratelimit limits event ingestion per program with a token bucket
// shared through Redis.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"loyalty-notify/internal/clock"
)

// Decision is the outcome of a single Allow call.
type Decision struct {
	Allowed    bool
	Remaining  float64
	// RetryAfter is zero when Allowed.
	RetryAfter time.Duration
}

// TokenBucket implements a distributed token bucket rate limiter using Redis.
type TokenBucket struct {
	client   *redis.Client
	prefix   string
	capacity int
	refill   float64 // tokens per second
	ttl      time.Duration
	clock    clock.Clock
}

// NewTokenBucket constructs a bucket with the provided capacity/refill.
// Bucket state idles out after ttl.
func NewTokenBucket(client *redis.Client, capacity int, refillPerSecond float64, ttl time.Duration, clk clock.Clock) *TokenBucket {
	if clk == nil {
		clk = clock.Real{}
	}
	return &TokenBucket{
		client:   client,
		prefix:   "notify:rl:",
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      ttl,
		clock:    clk,
	}
}

// Allow consumes a single token for key if available. A rejected call
// reports how long until the next token.
func (b *TokenBucket) Allow(ctx context.Context, key string) (Decision, error) {
	now := b.clock.Now().UnixMilli()
	arr, err := bucketScript.Run(ctx, b.client, []string{b.prefix + key}, b.capacity, b.refill, now, b.ttl.Milliseconds()).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit %s: %w", key, err)
	}
	if len(arr) != 3 {
		return Decision{}, fmt.Errorf("rate limit %s: unexpected reply %v", key, arr)
	}
	// Token counts come back in thousandths; Lua numbers are truncated to integers.
	return Decision{
		Allowed:    arr[0] == 1,
		Remaining:  float64(arr[1]) / 1000,
		RetryAfter: time.Duration(arr[2]) * time.Millisecond,
	}, nil
}

// bucketScript refills by elapsed milliseconds, takes one token when it can
// and replies {allowed, milli_tokens_left, wait_ms}.
var bucketScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local idle = tonumber(ARGV[4])

local state = redis.call('HMGET', KEYS[1], 'tokens', 'last_ms')
local tokens = tonumber(state[1]) or capacity
local last = tonumber(state[2]) or now
if now > last then
  tokens = math.min(capacity, tokens + (now - last) * rate / 1000)
end

local allowed, wait = 0, 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
else
  wait = math.ceil((1 - tokens) * 1000 / rate)
end

redis.call('HSET', KEYS[1], 'tokens', tokens, 'last_ms', math.max(now, last))
if idle > 0 then
  redis.call('PEXPIRE', KEYS[1], idle)
end
return {allowed, math.floor(tokens * 1000), wait}
`)
