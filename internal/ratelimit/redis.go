package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// tokenBucketScript is the Lua mirror of take. Redis executes the script
// atomically, which makes refill-then-test-then-debit a single
// compare-and-swap-equivalent operation across API instances racing on the
// same key. Tokens are stored as a string to keep fractional refill.
const tokenBucketScript = `
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now_ms = tonumber(ARGV[4])

local state = redis.call('HMGET', KEYS[1], 'tokens', 'last_ms')
local tokens = tonumber(state[1])
local last_ms = tonumber(state[2])
if tokens == nil or last_ms == nil then
  tokens = capacity
  last_ms = now_ms
end

local elapsed = (now_ms - last_ms) / 1000.0
if elapsed < 0 then
  elapsed = 0
end
tokens = tokens + elapsed * rate
if tokens > capacity then
  tokens = capacity
end

local allowed = 0
local retry_ms = 0
if tokens >= cost then
  tokens = tokens - cost
  allowed = 1
else
  retry_ms = math.ceil((cost - tokens) / rate * 1000)
end

redis.call('HSET', KEYS[1], 'tokens', tostring(tokens), 'last_ms', now_ms)
redis.call('EXPIRE', KEYS[1], math.ceil(capacity / rate) + 60)
return {allowed, tostring(tokens), retry_ms}
`

var bucketScript = redis.NewScript(tokenBucketScript)

// RunScriptFunc executes the bucket script for one key. Injected in tests.
type RunScriptFunc func(ctx context.Context, key string, args []any) (any, error)

// RedisLimiter shares bucket state across API instances through Redis.
// FailOpen selects the direction taken when storage is unreachable: true
// preserves availability, false preserves protection. The choice is a
// required configuration option.
type RedisLimiter struct {
	Rules          map[string]Rule
	FailOpen       bool
	AcquireTimeout time.Duration
	Now            func() time.Time
	Run            RunScriptFunc
}

func NewRedisLimiter(client redis.UniversalClient, rules map[string]Rule, failOpen bool) *RedisLimiter {
	return &RedisLimiter{
		Rules:          rules,
		FailOpen:       failOpen,
		AcquireTimeout: 500 * time.Millisecond,
		Now:            func() time.Time { return time.Now().UTC() },
		Run: func(ctx context.Context, key string, args []any) (any, error) {
			return bucketScript.Run(ctx, client, []string{key}, args...).Result()
		},
	}
}

func (l *RedisLimiter) TryAcquire(ctx context.Context, identity, operation string, cost int) (Decision, error) {
	rule, ok := l.Rules[operation]
	if !ok {
		return Decision{}, ErrUnknownOperation
	}

	runCtx, cancel := context.WithTimeout(ctx, l.AcquireTimeout)
	defer cancel()

	args := []any{rule.Capacity, rule.RefillRate, cost, l.Now().UnixMilli()}
	reply, err := l.Run(runCtx, bucketKey(operation, identity), args)
	if err != nil {
		decision := Decision{Allowed: l.FailOpen}
		wrapped := fmt.Errorf("%w: %s %s: %v", ErrStorageUnavailable, operation, identity, err)
		countDecision(operation, decision, wrapped)
		return decision, wrapped
	}

	decision, err := parseScriptReply(reply, rule)
	if err != nil {
		decision = Decision{Allowed: l.FailOpen}
		wrapped := fmt.Errorf("%w: %s %s: %v", ErrStorageUnavailable, operation, identity, err)
		countDecision(operation, decision, wrapped)
		return decision, wrapped
	}

	countDecision(operation, decision, nil)
	return decision, nil
}

func parseScriptReply(reply any, rule Rule) (Decision, error) {
	values, ok := reply.([]any)
	if !ok || len(values) != 3 {
		return Decision{}, fmt.Errorf("unexpected script reply %T", reply)
	}

	allowed, ok := values[0].(int64)
	if !ok {
		return Decision{}, fmt.Errorf("unexpected allowed flag %T", values[0])
	}
	tokensRaw, ok := values[1].(string)
	if !ok {
		return Decision{}, fmt.Errorf("unexpected token count %T", values[1])
	}
	tokens, err := strconv.ParseFloat(tokensRaw, 64)
	if err != nil {
		return Decision{}, fmt.Errorf("parse token count %q: %w", tokensRaw, err)
	}
	retryMS, ok := values[2].(int64)
	if !ok {
		return Decision{}, fmt.Errorf("unexpected retry hint %T", values[2])
	}

	if tokens > float64(rule.Capacity) {
		tokens = float64(rule.Capacity)
	}
	if tokens < 0 {
		tokens = 0
	}
	if retryMS < 0 {
		retryMS = 0
	}
	return Decision{
		Allowed:    allowed == 1,
		Remaining:  tokens,
		RetryAfter: time.Duration(retryMS) * time.Millisecond,
	}, nil
}
