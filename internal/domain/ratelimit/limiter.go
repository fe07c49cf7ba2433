// Package ratelimit implements the per-key fixed-window rate limiter.
//
// Windows are aligned to wall-clock minutes. The limiter's only
// guarantee across concurrent calls is the post-increment-value check:
// any caller whose observed count exceeds the threshold is denied.
// Fixed windows admit up to 2x the threshold across a window boundary.
package ratelimit

import (
	"context"
	"time"
)

// TTL bounds for the backing counter. Strictly above one window to
// cover clock skew at minute boundaries, bounded to keep stale
// counters evaporating.
const (
	MinCounterTTL = 60 * time.Second
	MaxCounterTTL = 300 * time.Second

	// DefaultThreshold is the per-key requests-per-minute default.
	DefaultThreshold = 100
	// DefaultCounterTTL is the default counter lifetime.
	DefaultCounterTTL = 120 * time.Second
)

// Counter is the store primitive the limiter runs on. The increment
// must be atomic per counter name.
type Counter interface {
	IncrRate(ctx context.Context, projectID, keyID string, minute int64, ttl time.Duration) (int64, error)
}

// Result is the outcome of one admission check.
type Result struct {
	// Allowed is false when the post-increment count exceeded the threshold.
	Allowed bool
	// Count is the post-increment value within the current window.
	Count int64
}

// Limiter admits or denies validations against a per-key per-minute
// threshold. Stateless; safe for concurrent use.
type Limiter struct {
	counter   Counter
	threshold int64
	ttl       time.Duration
}

// NewLimiter creates a Limiter. A non-positive threshold falls back to
// the default; the TTL is clamped into (MinCounterTTL, MaxCounterTTL].
func NewLimiter(counter Counter, threshold int, ttl time.Duration) *Limiter {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if ttl <= MinCounterTTL {
		ttl = DefaultCounterTTL
	}
	if ttl > MaxCounterTTL {
		ttl = MaxCounterTTL
	}
	return &Limiter{
		counter:   counter,
		threshold: int64(threshold),
		ttl:       ttl,
	}
}

// Window returns the integer minute window for now.
func Window(now time.Time) int64 {
	return now.Unix() / 60
}

// Allow increments the key's counter for the current window and checks
// the post-increment value against the threshold.
func (l *Limiter) Allow(ctx context.Context, projectID, keyID string, now time.Time) (Result, error) {
	count, err := l.counter.IncrRate(ctx, projectID, keyID, Window(now), l.ttl)
	if err != nil {
		return Result{}, err
	}
	return Result{
		Allowed: count <= l.threshold,
		Count:   count,
	}, nil
}
