package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestTokenBucket(t *testing.T) {
	c := &clock{t: time.Unix(0, 0)}
	tb := newTokenBucket(2, 1, c.now)

	assert.True(t, tb.Allow())
	assert.True(t, tb.Allow())
	assert.False(t, tb.Allow())
	assert.Equal(t, time.Second, tb.RetryAfter())

	c.advance(500 * time.Millisecond)
	assert.False(t, tb.Allow())
	assert.Equal(t, 500*time.Millisecond, tb.RetryAfter())

	c.advance(time.Hour)
	assert.Equal(t, float64(2), tb.Available(), "refill is capped")
	assert.True(t, tb.AllowN(2))
	assert.False(t, tb.AllowN(0.5))
}

func TestKeyedLimiter(t *testing.T) {
	c := &clock{t: time.Unix(0, 0)}
	l := NewKeyedLimiter(1, 0.1)
	l.now = c.now

	assert.True(t, l.Allow("10.0.0.1"))
	assert.False(t, l.Allow("10.0.0.1"))
	assert.True(t, l.Allow("10.0.0.2"))
	assert.Equal(t, 10*time.Second, l.RetryAfter("10.0.0.1"))
	assert.Equal(t, 2, l.Len())

	assert.Zero(t, l.Prune())

	c.advance(10 * time.Second)
	assert.Equal(t, 2, l.Prune())
	assert.Zero(t, l.Len())
}

func TestKeyedLimiter_RunStops(t *testing.T) {
	l := NewKeyedLimiter(1, 1)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- l.Run(ctx, time.Millisecond) }()

	cancel()
	require.NoError(t, <-done)
}
