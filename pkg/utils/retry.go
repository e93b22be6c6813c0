package utils

import (
	"context"
	"fmt"
	"math"
	"time"
)

// RetryConfig holds configuration for retry behavior
type RetryConfig struct {
	// MaxAttempts is the total number of tries, including the first (default: 5)
	MaxAttempts int
	// InitialDelay is the delay before the second attempt (default: 10ms)
	InitialDelay time.Duration
	// MaxDelay caps the delay between attempts (default: 500ms)
	MaxDelay time.Duration
	// BackoffMultiplier is the multiplier for exponential backoff (default: 2.0)
	BackoffMultiplier float64
}

// DefaultRetryConfig returns the default retry configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       5,
		InitialDelay:      10 * time.Millisecond,
		MaxDelay:          500 * time.Millisecond,
		BackoffMultiplier: 2.0,
	}
}

// normalized fills unset fields with defaults.
func (c RetryConfig) normalized() RetryConfig {
	def := DefaultRetryConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = def.InitialDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = def.MaxDelay
	}
	if c.BackoffMultiplier <= 0 {
		c.BackoffMultiplier = def.BackoffMultiplier
	}
	return c
}

// Delay returns the backoff before the given attempt (attempt 1 is the first retry).
func (c RetryConfig) Delay(attempt int) time.Duration {
	c = c.normalized()
	// InitialDelay * (BackoffMultiplier ^ (attempt - 1))
	delay := float64(c.InitialDelay) * math.Pow(c.BackoffMultiplier, float64(attempt-1))
	if delay > float64(c.MaxDelay) {
		delay = float64(c.MaxDelay)
	}
	return time.Duration(delay)
}

// Retry calls fn until it succeeds, returns an error retryable rejects, or
// the attempt budget is spent. The last error is returned unwrapped so callers
// can still match its kind; onRetry, if set, observes each retried failure.
func Retry[T any](ctx context.Context, cfg RetryConfig, retryable func(error) bool, onRetry func(attempt int, err error), fn func(ctx context.Context) (T, error)) (T, error) {
	cfg = cfg.normalized()
	var zero T
	var lastErr error

	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(cfg.Delay(attempt)):
			case <-ctx.Done():
				return zero, fmt.Errorf("context cancelled during retry backoff: %w", ctx.Err())
			}
		}

		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if retryable == nil || !retryable(err) {
			return zero, err
		}
		if onRetry != nil && attempt+1 < cfg.MaxAttempts {
			onRetry(attempt+1, err)
		}
	}

	return zero, lastErr
}
