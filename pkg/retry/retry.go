package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vaidashi/failure-recovery/pkg/logger"
)

// RetryableFunc defines a function that can be retried
type RetryableFunc func() error

// RetryConfig holds the configuration for retrying operations
type RetryConfig struct {
	MaxAttempts     int
	BackoffStrategy BackoffStrategy
	Logger          logger.Logger
	RetryableErrors []error // List of errors to retry on, empty means all
	// OnRetry is called before each retry with the attempt that just failed
	OnRetry func(attempt int, err error)
}

// Retry retries the given function according to the provided configuration
func Retry(ctx context.Context, fn RetryableFunc, cfg *RetryConfig) error {
	var lastErr error

	backoffStrategy := cfg.BackoffStrategy
	if backoffStrategy == nil {
		backoffStrategy = Immediate()
	}

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return fmt.Errorf("retry cancelled by context: %w", ctx.Err())
		default:
		}

		err := fn()

		if err == nil {
			return nil
		}

		lastErr = err

		if attempt == cfg.MaxAttempts {
			break
		}

		if !isRetryable(err, cfg.RetryableErrors) {
			if cfg.Logger != nil {
				cfg.Logger.Warn("Non-retryable error encountered, giving up",
					"error", err,
					"attempt", attempt)
			}
			return err
		}

		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, err)
		}

		backoff := backoffStrategy.NextBackoff(attempt)

		if cfg.Logger != nil {
			cfg.Logger.Debug("Retrying after error",
				"error", err,
				"attempt", attempt,
				"maxAttempts", cfg.MaxAttempts,
				"backoff", backoff)
		}

		if backoff <= 0 {
			continue
		}

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return fmt.Errorf("retry cancelled by context during backoff: %w", ctx.Err())
		}
	}

	return fmt.Errorf("all %d retry attempts failed, last error: %w", cfg.MaxAttempts, lastErr)
}

// isRetryable checks if an error is retryable
func isRetryable(err error, retryableErrors []error) bool {
	if len(retryableErrors) == 0 {
		return true
	}

	for _, retryableErr := range retryableErrors {
		if errors.Is(err, retryableErr) {
			return true
		}
	}

	return false
}

// RetryWithDiscard retries a function and applies the discard policy if all retries fail
func RetryWithDiscard(ctx context.Context, fn RetryableFunc, cfg *RetryConfig, discardFn func(error) error) error {
	err := Retry(ctx, fn, cfg)

	if err != nil {
		if ctx.Err() != nil {
			return err
		}

		if cfg.Logger != nil {
			cfg.Logger.Warn("All retries failed, applying discard policy",
				"error", err,
				"maxAttempts", cfg.MaxAttempts)
		}
		return discardFn(err)
	}
	return nil
}
