package ratelimit

import (
	"context"
	"errors"
	"math"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// tokenBucketScript refills and takes one token atomically. Tokens are
// stored as floats but returned in thousandths so the reply stays integral.
const tokenBucketScript = `
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])

local t = redis.call("TIME")
local now = t[1] * 1000 + math.floor(t[2] / 1000)

local state = redis.call("HMGET", KEYS[1], "tokens", "ts")
local tokens = tonumber(state[1]) or burst
local ts = tonumber(state[2]) or now
tokens = math.min(burst, tokens + math.max(0, now - ts) / 1000 * rate)

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call("HSET", KEYS[1], "tokens", tokens, "ts", now)
redis.call("PEXPIRE", KEYS[1], ttl)
return {allowed, math.floor(tokens * 1000)}
`

var (
	ErrLimiterNotConfigured = errors.New("rate_limiter_not_configured")
	ErrInvalidLimit         = errors.New("invalid_rate_limit")
)

// Limit is a refill rate in tokens per second with a maximum burst.
type Limit struct {
	Rate  float64
	Burst int
}

func (l Limit) valid() bool {
	return l.Rate > 0 && l.Burst > 0
}

// ttl keeps an idle bucket around for twice its full refill time.
func (l Limit) ttl() time.Duration {
	seconds := math.Max(1, math.Ceil(float64(l.Burst)/l.Rate*2))
	return time.Duration(seconds) * time.Second
}

// retryAfter is the time until one token is available again.
func (l Limit) retryAfter(remaining float64) time.Duration {
	missing := 1 - remaining
	if missing <= 0 {
		return 0
	}
	return time.Duration(math.Ceil(missing/l.Rate*1000)) * time.Millisecond
}

type TokenBucket struct {
	client *redis.Client
	script *redis.Script
}

type RateLimitResult struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

func NewTokenBucket(client *redis.Client) *TokenBucket {
	if client == nil {
		return nil
	}
	return &TokenBucket{client: client, script: redis.NewScript(tokenBucketScript)}
}

// Take consumes one token from the bucket stored at key.
func (t *TokenBucket) Take(ctx context.Context, key string, limit Limit) (*RateLimitResult, error) {
	if t == nil || t.client == nil {
		return nil, ErrLimiterNotConfigured
	}
	if key == "" || !limit.valid() {
		return nil, ErrInvalidLimit
	}

	reply, err := t.script.Run(ctx, t.client, []string{key},
		limit.Rate, limit.Burst, limit.ttl().Milliseconds(),
	).Int64Slice()
	if err != nil {
		return nil, err
	}
	if len(reply) != 2 {
		return nil, errors.New("unexpected token bucket reply")
	}

	allowed := reply[0] == 1
	remaining := float64(reply[1]) / 1000
	res := &RateLimitResult{
		Allowed:   allowed,
		Limit:     limit.Burst,
		Remaining: int(remaining),
	}
	if !allowed {
		res.RetryAfter = limit.retryAfter(remaining)
	}
	return res, nil
}
