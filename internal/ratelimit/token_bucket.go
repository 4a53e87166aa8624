package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"analysis-engine/internal/clock"
)

// TokenBucket implements a distributed token bucket rate limiter using Redis.
// The API uses one bucket per job owner to cap how fast analyses are submitted.
type TokenBucket struct {
	client   redis.Scripter
	capacity int
	refill   float64 // tokens per second
	ttl      time.Duration
	prefix   string
	clock    clock.Clock
}

// NewTokenBucket constructs a bucket with the provided capacity/refill.
func NewTokenBucket(client redis.Scripter, capacity int, refillPerSecond float64, ttl time.Duration) *TokenBucket {
	return &TokenBucket{
		client:   client,
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      ttl,
		prefix:   "rl:createjob:",
		clock:    clock.System{},
	}
}

// WithClock replaces the time source passed to the bucket script.
func (b *TokenBucket) WithClock(c clock.Clock) *TokenBucket {
	b.clock = c
	return b
}

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed bool
	Tokens  float64
	// RetryAfter estimates when the next token is available. Zero when allowed.
	RetryAfter time.Duration
}

// Allow consumes a single token for the given owner if available.
func (b *TokenBucket) Allow(ctx context.Context, owner string) (Decision, error) {
	now := b.clock.Now().UnixMilli()
	res, err := bucketScript.Run(ctx, b.client, []string{b.prefix + owner}, b.capacity, b.refill, now, b.ttl.Milliseconds()).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("token bucket: %w", err)
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return Decision{}, fmt.Errorf("token bucket: unexpected reply %v", res)
	}
	allowed, _ := arr[0].(int64)
	var tokens float64
	switch v := arr[1].(type) {
	case int64:
		tokens = float64(v)
	case string:
		_, _ = fmt.Sscan(v, &tokens)
	}

	d := Decision{Allowed: allowed == 1, Tokens: tokens}
	if !d.Allowed && b.refill > 0 {
		d.RetryAfter = time.Duration((1 - tokens) / b.refill * float64(time.Second))
	}
	return d, nil
}

// Redis truncates Lua numbers to integers in replies, so tokens is returned
// as a string to keep the fraction.
var bucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2]) -- tokens per second
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local data = redis.call('HMGET', key, 'tokens', 'last_ms')
local tokens = tonumber(data[1])
local last = tonumber(data[2])
if tokens == nil then tokens = capacity end
if last == nil then last = now end

local delta = math.max(0, now - last)
local add = delta / 1000 * refill
tokens = math.min(capacity, tokens + add)

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call('HMSET', key, 'tokens', tokens, 'last_ms', now)
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return {allowed, tostring(tokens)}
`)
