package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryLimiter keeps bucket state in process memory. It is only safe for
// single-instance deployments; horizontally scaled APIs must share state
// through the Redis provider instead.
type MemoryLimiter struct {
	Rules map[string]Rule
	Now   func() time.Time

	mu      sync.Mutex
	buckets map[string]*memoryBucket
}

type memoryBucket struct {
	mu     sync.Mutex
	tokens float64
	last   time.Time
}

func NewMemoryLimiter(rules map[string]Rule) *MemoryLimiter {
	return &MemoryLimiter{
		Rules:   rules,
		Now:     func() time.Time { return time.Now().UTC() },
		buckets: map[string]*memoryBucket{},
	}
}

func (l *MemoryLimiter) TryAcquire(_ context.Context, identity, operation string, cost int) (Decision, error) {
	rule, ok := l.Rules[operation]
	if !ok {
		return Decision{}, ErrUnknownOperation
	}

	key := bucketKey(operation, identity)
	now := l.Now()

	l.mu.Lock()
	bucket, ok := l.buckets[key]
	if !ok {
		bucket = &memoryBucket{tokens: float64(rule.Capacity), last: now}
		l.buckets[key] = bucket
	}
	l.mu.Unlock()

	bucket.mu.Lock()
	decision, tokens := take(bucket.tokens, bucket.last, now, rule, cost)
	bucket.tokens = tokens
	bucket.last = now
	bucket.mu.Unlock()

	countDecision(operation, decision, nil)
	return decision, nil
}
