package errors

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func shortRetryConfig() RetryConfig {
	return RetryConfig{
		Schedule: []time.Duration{time.Millisecond, time.Millisecond, time.Millisecond},
	}
}

func TestRetry_SucceedsAfterTransientFailures(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), shortRetryConfig(), func() error {
		attempts++
		if attempts < 3 {
			return New(CodeUpstream, "flaky")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetry_TerminalErrorNotRetried(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), shortRetryConfig(), func() error {
		attempts++
		return Validation("params.query", "empty")
	})
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, CodeValidation, CodeOf(err))
}

func TestRetry_ExhaustsSchedule(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), shortRetryConfig(), func() error {
		attempts++
		return New(CodeTimeout, "slow")
	})
	require.Error(t, err)
	assert.Equal(t, 4, attempts) // initial + 3 retries
}

func TestRetry_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := RetryConfig{Schedule: []time.Duration{time.Hour}}

	done := make(chan error, 1)
	go func() {
		done <- Retry(ctx, cfg, func() error {
			return New(CodeUpstream, "down")
		})
	}()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("retry did not observe cancellation")
	}
}

func TestRetry_CustomRetryIf(t *testing.T) {
	sentinel := stderrors.New("special")
	attempts := 0
	cfg := shortRetryConfig()
	cfg.RetryIf = func(err error) bool { return stderrors.Is(err, sentinel) }

	err := Retry(context.Background(), cfg, func() error {
		attempts++
		if attempts < 2 {
			return sentinel
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
}

func TestRetryWithResult(t *testing.T) {
	attempts := 0
	got, err := RetryWithResult(context.Background(), shortRetryConfig(), func() (string, error) {
		attempts++
		if attempts < 2 {
			return "", New(CodeUpstream, "flaky")
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", got)
}

func TestRetryConfig_DelayJitterBounds(t *testing.T) {
	cfg := DefaultRetryConfig()
	for i := 0; i < 50; i++ {
		d := cfg.delay(0)
		assert.GreaterOrEqual(t, d, 4*time.Second)
		assert.LessOrEqual(t, d, 6*time.Second)
	}
	// Attempts beyond the schedule reuse the last entry.
	d := cfg.delay(10)
	assert.GreaterOrEqual(t, d, 36*time.Second)
	assert.LessOrEqual(t, d, 54*time.Second)
}
