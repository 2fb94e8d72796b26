package errors

import (
	stderrors "errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when the circuit breaker rejects a call.
var ErrCircuitOpen = stderrors.New("circuit breaker is open")

// State represents the circuit breaker state.
type State int

const (
	// StateClosed is the normal state where requests are allowed.
	StateClosed State = iota
	// StateOpen is when the circuit is tripped and requests are blocked.
	StateOpen
	// StateHalfOpen allows a single probe to test recovery.
	StateHalfOpen
)

// String returns a string representation of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreaker protects a single external dependency (vector store,
// database, source API) from cascading failures.
//
// The breaker opens when either trip condition holds:
//   - at least FailureThreshold failures within the rolling Window, or
//   - the error rate over the Window is >= ErrorRateThreshold with at
//     least MinSamples observations.
//
// While open, calls fail fast with ErrCircuitOpen. After the open timer
// expires the breaker admits exactly one probe; success closes it,
// failure re-opens it with the timer doubled (capped at MaxOpenTimeout).
type CircuitBreaker struct {
	name string

	failureThreshold   int
	errorRateThreshold float64
	minSamples         int
	window             time.Duration
	baseOpenTimeout    time.Duration
	maxOpenTimeout     time.Duration

	// now is swappable for tests.
	now func() time.Time

	mu          sync.Mutex
	state       State
	samples     []sample // observations within the rolling window
	openedAt    time.Time
	openTimeout time.Duration
	probing     bool
	onChange    func(name string, from, to State)
}

type sample struct {
	at time.Time
	ok bool
}

// CircuitBreakerOption configures a CircuitBreaker.
type CircuitBreakerOption func(*CircuitBreaker)

// WithFailureThreshold sets the failure count that trips the breaker.
func WithFailureThreshold(n int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) { cb.failureThreshold = n }
}

// WithWindow sets the rolling observation window.
func WithWindow(d time.Duration) CircuitBreakerOption {
	return func(cb *CircuitBreaker) { cb.window = d }
}

// WithOpenTimeout sets the initial open duration.
func WithOpenTimeout(d time.Duration) CircuitBreakerOption {
	return func(cb *CircuitBreaker) { cb.baseOpenTimeout = d }
}

// WithMaxOpenTimeout caps the exponentially growing open duration.
func WithMaxOpenTimeout(d time.Duration) CircuitBreakerOption {
	return func(cb *CircuitBreaker) { cb.maxOpenTimeout = d }
}

// WithErrorRate sets the error-rate trip condition.
func WithErrorRate(rate float64, minSamples int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.errorRateThreshold = rate
		cb.minSamples = minSamples
	}
}

// WithClock overrides the time source (tests only).
func WithClock(now func() time.Time) CircuitBreakerOption {
	return func(cb *CircuitBreaker) { cb.now = now }
}

// WithStateChange registers a callback invoked on every transition.
func WithStateChange(fn func(name string, from, to State)) CircuitBreakerOption {
	return func(cb *CircuitBreaker) { cb.onChange = fn }
}

// NewCircuitBreaker creates a breaker with the stock thresholds:
// 5 failures / 30s window / 50% over 20 samples, open 5s..60s.
func NewCircuitBreaker(name string, opts ...CircuitBreakerOption) *CircuitBreaker {
	cb := &CircuitBreaker{
		name:               name,
		failureThreshold:   5,
		errorRateThreshold: 0.5,
		minSamples:         20,
		window:             30 * time.Second,
		baseOpenTimeout:    5 * time.Second,
		maxOpenTimeout:     60 * time.Second,
		now:                time.Now,
		state:              StateClosed,
	}
	for _, opt := range opts {
		opt(cb)
	}
	cb.openTimeout = cb.baseOpenTimeout
	return cb
}

// Name returns the dependency name this breaker guards.
func (cb *CircuitBreaker) Name() string { return cb.name }

// State returns the current state, accounting for open-timer expiry.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.currentStateLocked()
}

func (cb *CircuitBreaker) currentStateLocked() State {
	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.openTimeout {
		cb.transitionLocked(StateHalfOpen)
	}
	return cb.state
}

// Allow reports whether a call may proceed, reserving the half-open
// probe slot when applicable. Callers that proceed must report the
// outcome via RecordSuccess or RecordFailure.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.currentStateLocked() {
	case StateClosed:
		return true
	case StateHalfOpen:
		if cb.probing {
			return false // single probe at a time
		}
		cb.probing = true
		return true
	default:
		return false
	}
}

// RecordSuccess records a successful call.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateHalfOpen {
		// Probe succeeded: close and reset the backoff timer.
		cb.probing = false
		cb.samples = nil
		cb.openTimeout = cb.baseOpenTimeout
		cb.transitionLocked(StateClosed)
		return
	}
	cb.observeLocked(true)
}

// RecordFailure records a failed call.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateHalfOpen {
		// Probe failed: re-open with doubled timer.
		cb.probing = false
		cb.openTimeout *= 2
		if cb.openTimeout > cb.maxOpenTimeout {
			cb.openTimeout = cb.maxOpenTimeout
		}
		cb.openedAt = cb.now()
		cb.transitionLocked(StateOpen)
		return
	}

	cb.observeLocked(false)
	if cb.shouldTripLocked() {
		cb.openedAt = cb.now()
		cb.transitionLocked(StateOpen)
	}
}

// Execute runs fn through the breaker, returning ErrCircuitOpen without
// calling fn when the breaker rejects the call.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if !cb.Allow() {
		return ErrCircuitOpen
	}
	if err := fn(); err != nil {
		cb.RecordFailure()
		return err
	}
	cb.RecordSuccess()
	return nil
}

// ExecuteWithResult runs a value-returning fn through the breaker.
func ExecuteWithResult[T any](cb *CircuitBreaker, fn func() (T, error)) (T, error) {
	var zero T
	if !cb.Allow() {
		return zero, ErrCircuitOpen
	}
	result, err := fn()
	if err != nil {
		cb.RecordFailure()
		return result, err
	}
	cb.RecordSuccess()
	return result, nil
}

// CountsAsFailure reports whether err should be held against a
// dependency breaker. Caller errors (VALIDATION, NOT_FOUND, CONFLICT)
// mean the dependency answered correctly and must not trip it.
func CountsAsFailure(err error) bool {
	if err == nil {
		return false
	}
	switch CodeOf(err) {
	case CodeValidation, CodeNotFound, CodeConflict:
		return false
	}
	return true
}

// observeLocked appends a sample and prunes entries outside the window.
func (cb *CircuitBreaker) observeLocked(ok bool) {
	now := cb.now()
	cb.samples = append(cb.samples, sample{at: now, ok: ok})
	cutoff := now.Add(-cb.window)
	i := 0
	for i < len(cb.samples) && cb.samples[i].at.Before(cutoff) {
		i++
	}
	cb.samples = cb.samples[i:]
}

func (cb *CircuitBreaker) shouldTripLocked() bool {
	failures := 0
	for _, s := range cb.samples {
		if !s.ok {
			failures++
		}
	}
	if failures >= cb.failureThreshold {
		return true
	}
	total := len(cb.samples)
	if total >= cb.minSamples && float64(failures)/float64(total) >= cb.errorRateThreshold {
		return true
	}
	return false
}

func (cb *CircuitBreaker) transitionLocked(to State) {
	if cb.state == to {
		return
	}
	from := cb.state
	cb.state = to
	if cb.onChange != nil {
		cb.onChange(cb.name, from, to)
	}
}
