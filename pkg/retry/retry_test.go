package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errTransient = errors.New("transient")

func TestRetry_SucceedsAfterFailures(t *testing.T) {
	calls := 0
	var retried []int

	err := Retry(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errTransient
		}
		return nil
	}, &RetryConfig{
		MaxAttempts: 3,
		OnRetry:     func(attempt int, err error) { retried = append(retried, attempt) },
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []int{1, 2}, retried)
}

func TestRetry_StopsOnNonRetryable(t *testing.T) {
	calls := 0
	fatal := errors.New("fatal")

	err := Retry(context.Background(), func() error {
		calls++
		return fatal
	}, &RetryConfig{MaxAttempts: 5, RetryableErrors: []error{errTransient}})

	assert.ErrorIs(t, err, fatal)
	assert.Equal(t, 1, calls)
}

func TestRetry_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Retry(ctx, func() error { return nil }, &RetryConfig{MaxAttempts: 2})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRetryWithDiscard(t *testing.T) {
	calls := 0
	var discarded error

	err := RetryWithDiscard(context.Background(), func() error {
		calls++
		return errTransient
	}, &RetryConfig{MaxAttempts: 3}, func(err error) error {
		discarded = err
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.ErrorIs(t, discarded, errTransient)
}

func TestExponentialBackoff_Capped(t *testing.T) {
	b := &ExponentialBackoff{InitialInterval: 100 * time.Millisecond, MaxInterval: time.Second, Multiplier: 2}

	assert.Equal(t, 100*time.Millisecond, b.NextBackoff(1))
	assert.Equal(t, 400*time.Millisecond, b.NextBackoff(3))
	assert.Equal(t, time.Second, b.NextBackoff(10))
}
