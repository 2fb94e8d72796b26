package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/medlit/medlit/internal/errors"
	"github.com/medlit/medlit/internal/limiter"
)

// DefaultTimeout bounds tools that do not declare their own.
const DefaultTimeout = 30 * time.Second

// Envelope is the uniform invocation result. Exactly one of Result or
// the error pair is populated.
type Envelope struct {
	OK        bool   `json:"ok"`
	Tool      string `json:"tool"`
	Result    any    `json:"result,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`
	Message   string `json:"message,omitempty"`
	TraceID   string `json:"trace_id"`
}

// traceKey carries the trace id through handler contexts.
type traceKey struct{}

// TraceID extracts the invocation trace id, or "" outside an
// invocation.
func TraceID(ctx context.Context) string {
	id, _ := ctx.Value(traceKey{}).(string)
	return id
}

// Gated is implemented by tools whose dependency may be suspended by a
// circuit breaker. A non-nil Gate error rejects the call before a
// limiter slot is consumed, so an open breaker cannot exhaust the
// concurrency budget with calls that would only fail.
type Gated interface {
	Gate() error
}

// Invoker dispatches tool calls: registry lookup, param validation,
// slot acquisition, tracing, timeout, and panic confinement.
type Invoker struct {
	registry *Registry
	limiter  *limiter.Limiter
	logger   *slog.Logger
}

// NewInvoker wires the invoker.
func NewInvoker(registry *Registry, lim *limiter.Limiter, logger *slog.Logger) *Invoker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Invoker{registry: registry, limiter: lim, logger: logger}
}

// RetryAfter exposes the limiter's retry hint for 429 responses.
func (inv *Invoker) RetryAfter() time.Duration {
	return inv.limiter.RetryAfter()
}

// Invoke runs one synchronous tool call and always returns an
// envelope; the error return carries the same failure for callers that
// branch on codes (HTTP status mapping, Retry-After).
func (inv *Invoker) Invoke(ctx context.Context, name string, params json.RawMessage) (*Envelope, error) {
	traceID := uuid.NewString()
	env := &Envelope{Tool: name, TraceID: traceID}

	fail := func(err error) (*Envelope, error) {
		env.OK = false
		env.ErrorCode = string(errors.CodeOf(err))
		env.Message = wireMessage(err)
		return env, err
	}

	t, err := inv.registry.Get(name)
	if err != nil {
		return fail(err)
	}
	if t.LongRunning() {
		return fail(errors.Validation("tool",
			fmt.Sprintf("tool %s is long-running; enqueue it as a job", name)))
	}
	if err := t.Validate(params); err != nil {
		return fail(err)
	}
	if g, ok := t.(Gated); ok {
		if err := g.Gate(); err != nil {
			return fail(err)
		}
	}

	release, err := inv.limiter.Acquire(name)
	if err != nil {
		return fail(err)
	}
	defer release()

	timeout := t.Timeout()
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	runCtx, cancel := context.WithTimeout(context.WithValue(ctx, traceKey{}, traceID), timeout)
	defer cancel()

	start := time.Now()
	result, err := inv.run(runCtx, t, params)
	elapsed := time.Since(start)

	if err != nil {
		if runCtx.Err() == context.DeadlineExceeded {
			err = errors.Wrap(errors.CodeTimeout,
				fmt.Sprintf("tool %s exceeded its %s timeout", name, timeout), err)
		}
		inv.logger.Warn("tool invocation failed",
			"tool", name, "trace_id", traceID,
			"code", errors.CodeOf(err), "elapsed", elapsed, "error", err)
		return fail(err)
	}

	inv.logger.Debug("tool invocation completed",
		"tool", name, "trace_id", traceID, "elapsed", elapsed)
	env.OK = true
	env.Result = result
	return env, nil
}

// run confines handler panics: a panicking tool becomes an INVARIANT
// error, never a crashed process or a stack trace on the wire.
func (inv *Invoker) run(ctx context.Context, t Tool, params json.RawMessage) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			inv.logger.Error("tool panicked", "tool", t.Name(), "panic", r)
			err = errors.Invariant(fmt.Sprintf("tool %s panicked", t.Name()))
		}
	}()
	return t.Run(ctx, params, func(float64, string) {})
}

// wireMessage keeps envelope messages bounded and typed.
func wireMessage(err error) string {
	var appErr *errors.Error
	if errors.As(err, &appErr) {
		return appErr.WireMessage()
	}
	return err.Error()
}
