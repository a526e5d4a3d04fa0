// Package ratelimit provides token bucket limiters.
package ratelimit

import (
	"sync"
	"time"
)

// TokenBucket holds up to capacity tokens refilled at rate tokens per second
type TokenBucket struct {
	tokens     float64
	capacity   float64
	rate       float64
	lastRefill time.Time
	now        func() time.Time
	mu         sync.Mutex
}

// NewTokenBucket creates a full bucket
func NewTokenBucket(capacity, rate float64) *TokenBucket {
	return newTokenBucket(capacity, rate, time.Now)
}

func newTokenBucket(capacity, rate float64, now func() time.Time) *TokenBucket {
	return &TokenBucket{
		tokens:     capacity,
		capacity:   capacity,
		rate:       rate,
		lastRefill: now(),
		now:        now,
	}
}

// refill must be called with mu held
func (tb *TokenBucket) refill() {
	now := tb.now()
	elapsed := now.Sub(tb.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}

	tb.tokens = min(tb.capacity, tb.tokens+elapsed*tb.rate)
	tb.lastRefill = now
}

// Allow takes one token if available
func (tb *TokenBucket) Allow() bool {
	return tb.AllowN(1)
}

// AllowN takes n tokens if available
func (tb *TokenBucket) AllowN(n float64) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()

	if tb.tokens < n {
		return false
	}

	tb.tokens -= n
	return true
}

// RetryAfter is the wait until one token is available
func (tb *TokenBucket) RetryAfter() time.Duration {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()

	if tb.tokens >= 1 || tb.rate <= 0 {
		return 0
	}

	return time.Duration((1 - tb.tokens) / tb.rate * float64(time.Second))
}

// Available returns the current number of tokens
func (tb *TokenBucket) Available() float64 {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()
	return tb.tokens
}

// full reports whether the bucket has refilled completely
func (tb *TokenBucket) full() bool {
	return tb.Available() >= tb.capacity
}
