package errors

import (
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock provides a controllable time source for breaker tests.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func TestCircuitBreaker_OpensAfterFailureThreshold(t *testing.T) {
	clock := newFakeClock()
	cb := NewCircuitBreaker("vector", WithClock(clock.Now))

	// Five failures inside the window trip the breaker.
	for i := 0; i < 5; i++ {
		_ = cb.Execute(func() error { return stderrors.New("down") })
		clock.Advance(time.Second)
	}
	assert.Equal(t, StateOpen, cb.State())

	// Calls fail fast without invoking the function.
	called := false
	err := cb.Execute(func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
}

func TestCircuitBreaker_FailuresOutsideWindowDoNotTrip(t *testing.T) {
	clock := newFakeClock()
	cb := NewCircuitBreaker("db", WithClock(clock.Now), WithWindow(30*time.Second))

	for i := 0; i < 5; i++ {
		cb.RecordFailure()
		clock.Advance(10 * time.Second) // only 3 failures ever coexist in the window
	}
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_ErrorRateTrip(t *testing.T) {
	clock := newFakeClock()
	cb := NewCircuitBreaker("entrez",
		WithClock(clock.Now),
		WithFailureThreshold(100), // force the rate condition to be the trigger
		WithErrorRate(0.5, 20),
	)

	// 10 failures and 10 successes: 50% over 20 samples.
	for i := 0; i < 10; i++ {
		cb.RecordSuccess()
		cb.RecordFailure()
	}
	assert.Equal(t, StateOpen, cb.State())
}

func TestCircuitBreaker_HalfOpenSingleProbe(t *testing.T) {
	clock := newFakeClock()
	cb := NewCircuitBreaker("vector", WithClock(clock.Now))

	for i := 0; i < 5; i++ {
		cb.RecordFailure()
	}
	require.Equal(t, StateOpen, cb.State())

	// Before the open timer expires nothing is admitted.
	assert.False(t, cb.Allow())

	clock.Advance(5 * time.Second)
	require.Equal(t, StateHalfOpen, cb.State())

	// Exactly one probe gets through.
	assert.True(t, cb.Allow())
	assert.False(t, cb.Allow())

	// Probe success closes the breaker and resets the backoff.
	cb.RecordSuccess()
	assert.Equal(t, StateClosed, cb.State())
	assert.True(t, cb.Allow())
}

func TestCircuitBreaker_ProbeFailureDoublesTimer(t *testing.T) {
	clock := newFakeClock()
	cb := NewCircuitBreaker("vector", WithClock(clock.Now))

	for i := 0; i < 5; i++ {
		cb.RecordFailure()
	}
	require.Equal(t, StateOpen, cb.State())

	// First probe after 5s fails: re-open with a 10s timer.
	clock.Advance(5 * time.Second)
	require.True(t, cb.Allow())
	cb.RecordFailure()
	assert.Equal(t, StateOpen, cb.State())

	clock.Advance(5 * time.Second)
	assert.Equal(t, StateOpen, cb.State(), "doubled timer not yet expired")

	clock.Advance(5 * time.Second)
	assert.Equal(t, StateHalfOpen, cb.State())
}

func TestCircuitBreaker_TimerCappedAtMax(t *testing.T) {
	clock := newFakeClock()
	cb := NewCircuitBreaker("vector",
		WithClock(clock.Now),
		WithOpenTimeout(40*time.Second),
		WithMaxOpenTimeout(60*time.Second),
	)

	for i := 0; i < 5; i++ {
		cb.RecordFailure()
	}
	clock.Advance(40 * time.Second)
	require.True(t, cb.Allow())
	cb.RecordFailure() // would double to 80s, capped at 60s

	clock.Advance(60 * time.Second)
	assert.Equal(t, StateHalfOpen, cb.State())
}

func TestExecuteWithResult(t *testing.T) {
	clock := newFakeClock()
	cb := NewCircuitBreaker("db", WithClock(clock.Now))

	got, err := ExecuteWithResult(cb, func() (int, error) { return 42, nil })
	require.NoError(t, err)
	assert.Equal(t, 42, got)

	for i := 0; i < 5; i++ {
		cb.RecordFailure()
	}
	_, err = ExecuteWithResult(cb, func() (int, error) { return 1, nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestCircuitBreaker_StateChangeCallback(t *testing.T) {
	clock := newFakeClock()
	var transitions []string
	cb := NewCircuitBreaker("vector",
		WithClock(clock.Now),
		WithStateChange(func(name string, from, to State) {
			transitions = append(transitions, from.String()+"->"+to.String())
		}),
	)

	for i := 0; i < 5; i++ {
		cb.RecordFailure()
	}
	clock.Advance(5 * time.Second)
	require.True(t, cb.Allow())
	cb.RecordSuccess()

	assert.Equal(t, []string{"closed->open", "open->half-open", "half-open->closed"}, transitions)
}
