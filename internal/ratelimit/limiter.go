package ratelimit

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/taskwatch/project/internal/platform/metrics"
)

var ErrUnknownOperation = errors.New("unknown rate-limited operation")

// ErrStorageUnavailable marks limiter decisions taken under the configured
// fail direction because shared state could not be reached. Callers log it
// distinctly from ordinary denials.
var ErrStorageUnavailable = errors.New("rate limit storage unavailable")

// Rule is the token bucket configuration for one operation class.
// RefillRate is tokens per second.
type Rule struct {
	Capacity   int
	RefillRate float64
}

// Decision is the outcome of a single TryAcquire call. RetryAfter is only
// meaningful when Allowed is false.
type Decision struct {
	Allowed    bool
	Remaining  float64
	RetryAfter time.Duration
}

// Limiter is per-identity token-bucket admission control. Distinct
// operation classes use independent buckets even for the same identity.
type Limiter interface {
	TryAcquire(ctx context.Context, identity, operation string, cost int) (Decision, error)
}

// take applies one refill-then-test-then-debit step. Providers must call it
// (or its Lua mirror) under per-key atomicity.
func take(tokens float64, last, now time.Time, rule Rule, cost int) (Decision, float64) {
	elapsed := now.Sub(last).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}
	tokens += elapsed * rule.RefillRate
	if tokens > float64(rule.Capacity) {
		tokens = float64(rule.Capacity)
	}

	if tokens >= float64(cost) {
		tokens -= float64(cost)
		return Decision{Allowed: true, Remaining: tokens}, tokens
	}

	retrySeconds := (float64(cost) - tokens) / rule.RefillRate
	retry := time.Duration(math.Ceil(retrySeconds*1000)) * time.Millisecond
	return Decision{Allowed: false, Remaining: tokens, RetryAfter: retry}, tokens
}

func bucketKey(operation, identity string) string {
	return "ratelimit:" + operation + ":" + identity
}

var decisions = metrics.NewCounterVec(metrics.Opts{
	Name: "ratelimit_decisions_total",
	Help: "Rate limiter decisions by operation and outcome.",
}, []string{"operation", "outcome"})

func init() {
	metrics.Default.MustRegister(decisions)
}

func countDecision(operation string, d Decision, err error) {
	outcome := "denied"
	switch {
	case err != nil:
		outcome = "storage_error"
	case d.Allowed:
		outcome = "allowed"
	}
	decisions.WithLabelValues(operation, outcome).Inc()
}
