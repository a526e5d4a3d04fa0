package ratelimit

import (
	"context"
	"sync"
	"time"
)

// KeyedLimiter keeps one token bucket per key, e.g. per client address
type KeyedLimiter struct {
	buckets  map[string]*TokenBucket
	capacity float64
	rate     float64
	now      func() time.Time
	mu       sync.Mutex
}

// NewKeyedLimiter creates a limiter whose buckets hold capacity tokens refilled at rate per second
func NewKeyedLimiter(capacity, rate float64) *KeyedLimiter {
	return &KeyedLimiter{
		buckets:  make(map[string]*TokenBucket),
		capacity: capacity,
		rate:     rate,
		now:      time.Now,
	}
}

func (l *KeyedLimiter) bucket(key string) *TokenBucket {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		b = newTokenBucket(l.capacity, l.rate, l.now)
		l.buckets[key] = b
	}

	return b
}

// Allow takes one token from key's bucket
func (l *KeyedLimiter) Allow(key string) bool {
	return l.bucket(key).Allow()
}

// RetryAfter is the wait until key's bucket has a token
func (l *KeyedLimiter) RetryAfter(key string) time.Duration {
	return l.bucket(key).RetryAfter()
}

// Len returns the number of tracked keys
func (l *KeyedLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return len(l.buckets)
}

// Prune drops buckets that refilled completely; a new bucket for the key would be identical
func (l *KeyedLimiter) Prune() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	pruned := 0
	for key, b := range l.buckets {
		if b.full() {
			delete(l.buckets, key)
			pruned++
		}
	}

	return pruned
}

// Run prunes on every interval until ctx is cancelled
func (l *KeyedLimiter) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			l.Prune()
		}
	}
}
