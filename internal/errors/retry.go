package errors

import (
	"context"
	"math/rand"
	"time"
)

// RetryConfig configures retry behavior for transient failures.
type RetryConfig struct {
	// Schedule is the explicit delay before each retry attempt.
	// Attempt i (0-based) waits Schedule[i]; attempts beyond the
	// schedule reuse the last entry.
	Schedule []time.Duration

	// JitterFraction randomizes each delay by ±fraction (0 disables).
	JitterFraction float64

	// RetryIf decides whether an error is worth retrying.
	// Nil means IsRetryable.
	RetryIf func(error) bool
}

// DefaultRetryConfig returns the job-worker schedule: three retries at
// 5s, 15s, 45s with ±20% jitter.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		Schedule:       []time.Duration{5 * time.Second, 15 * time.Second, 45 * time.Second},
		JitterFraction: 0.2,
	}
}

// MaxAttempts returns the total number of attempts (initial + retries).
func (c RetryConfig) MaxAttempts() int {
	return len(c.Schedule) + 1
}

// Delay returns the jittered wait before retry attempt i (0-based),
// for callers that schedule their own retries (the job queue).
func (c RetryConfig) Delay(i int) time.Duration { return c.delay(i) }

// delay returns the jittered wait before retry attempt i (0-based).
func (c RetryConfig) delay(i int) time.Duration {
	if len(c.Schedule) == 0 {
		return 0
	}
	if i >= len(c.Schedule) {
		i = len(c.Schedule) - 1
	}
	d := c.Schedule[i]
	if c.JitterFraction > 0 {
		// Uniform in [1-f, 1+f].
		factor := 1 + c.JitterFraction*(2*rand.Float64()-1)
		d = time.Duration(float64(d) * factor)
	}
	return d
}

// Retry executes fn, retrying transient failures on the configured
// schedule. Terminal errors (per RetryIf) are returned immediately.
// Context cancellation aborts the wait and returns the context error.
func Retry(ctx context.Context, cfg RetryConfig, fn func() error) error {
	retryIf := cfg.RetryIf
	if retryIf == nil {
		retryIf = IsRetryable
	}

	var lastErr error
	for attempt := 0; ; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !retryIf(lastErr) || attempt >= len(cfg.Schedule) {
			return lastErr
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(cfg.delay(attempt)):
		}
	}
}

// RetryWithResult is Retry for functions that return a value.
func RetryWithResult[T any](ctx context.Context, cfg RetryConfig, fn func() (T, error)) (T, error) {
	var result T
	err := Retry(ctx, cfg, func() error {
		var innerErr error
		result, innerErr = fn()
		return innerErr
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}
