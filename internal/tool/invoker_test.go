package tool

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medlit/medlit/internal/errors"
	"github.com/medlit/medlit/internal/limiter"
)

// stubTool is a configurable handler for invoker tests.
type stubTool struct {
	name        string
	longRunning bool
	timeout     time.Duration
	validate    func(json.RawMessage) error
	run         func(ctx context.Context, params json.RawMessage, progress ProgressFunc) (any, error)
}

func (s *stubTool) Name() string        { return s.name }
func (s *stubTool) Description() string { return "stub" }
func (s *stubTool) LongRunning() bool   { return s.longRunning }
func (s *stubTool) Timeout() time.Duration {
	return s.timeout
}

func (s *stubTool) Validate(params json.RawMessage) error {
	if s.validate == nil {
		return nil
	}
	return s.validate(params)
}

func (s *stubTool) Run(ctx context.Context, params json.RawMessage, progress ProgressFunc) (any, error) {
	if s.run == nil {
		return "ok", nil
	}
	return s.run(ctx, params, progress)
}

func newInvoker(tools ...Tool) *Invoker {
	registry := NewRegistry()
	for _, t := range tools {
		registry.Register(t)
	}
	return NewInvoker(registry, limiter.New(10, map[string]int64{"capped": 1}), nil)
}

func TestInvoke_Success(t *testing.T) {
	inv := newInvoker(&stubTool{name: "ping"})

	env, err := inv.Invoke(context.Background(), "ping", nil)
	require.NoError(t, err)
	assert.True(t, env.OK)
	assert.Equal(t, "ping", env.Tool)
	assert.Equal(t, "ok", env.Result)
	assert.NotEmpty(t, env.TraceID)
	assert.Empty(t, env.ErrorCode)
}

func TestInvoke_UnknownToolIsValidation(t *testing.T) {
	inv := newInvoker()

	env, err := inv.Invoke(context.Background(), "nope", nil)
	require.Error(t, err)
	assert.False(t, env.OK)
	assert.Equal(t, string(errors.CodeValidation), env.ErrorCode)
	assert.NotEmpty(t, env.TraceID)
}

func TestInvoke_LongRunningRejected(t *testing.T) {
	inv := newInvoker(&stubTool{name: "sync", longRunning: true})

	env, err := inv.Invoke(context.Background(), "sync", nil)
	require.Error(t, err)
	assert.Equal(t, string(errors.CodeValidation), env.ErrorCode)
	assert.Contains(t, env.Message, "job")
}

func TestInvoke_ValidationFailureTakesNoSlot(t *testing.T) {
	inv := newInvoker(&stubTool{
		name:     "capped",
		validate: func(json.RawMessage) error { return errors.Validation("q", "missing") },
	})

	env, err := inv.Invoke(context.Background(), "capped", nil)
	require.Error(t, err)
	assert.Equal(t, string(errors.CodeValidation), env.ErrorCode)

	// The single slot is still free.
	release, err := inv.limiter.Acquire("capped")
	require.NoError(t, err)
	release()
}

// gatedStub is a stubTool whose gate can be forced open or shut.
type gatedStub struct {
	stubTool
	gate func() error
}

func (s *gatedStub) Gate() error { return s.gate() }

func TestInvoke_GateRejectionTakesNoSlot(t *testing.T) {
	ran := false
	inv := newInvoker(&gatedStub{
		stubTool: stubTool{
			name: "capped",
			run: func(ctx context.Context, _ json.RawMessage, _ ProgressFunc) (any, error) {
				ran = true
				return nil, nil
			},
		},
		gate: func() error {
			return errors.New(errors.CodeBreakerOpen, "search index suspended by circuit breaker")
		},
	})

	env, err := inv.Invoke(context.Background(), "capped", nil)
	require.Error(t, err)
	assert.Equal(t, string(errors.CodeBreakerOpen), env.ErrorCode)
	assert.False(t, ran)

	// Gate rejections happen before admission: the single slot stays free.
	release, err := inv.limiter.Acquire("capped")
	require.NoError(t, err)
	release()
}

func TestInvoke_GateReopensWithBreaker(t *testing.T) {
	gateErr := errors.New(errors.CodeBreakerOpen, "search index suspended by circuit breaker")
	var blocked error = gateErr
	inv := newInvoker(&gatedStub{
		stubTool: stubTool{name: "guarded"},
		gate:     func() error { return blocked },
	})

	env, err := inv.Invoke(context.Background(), "guarded", nil)
	require.Error(t, err)
	assert.Equal(t, string(errors.CodeBreakerOpen), env.ErrorCode)

	blocked = nil
	env, err = inv.Invoke(context.Background(), "guarded", nil)
	require.NoError(t, err)
	assert.True(t, env.OK)
}

func TestInvoke_RateLimited(t *testing.T) {
	started := make(chan struct{})
	gate := make(chan struct{})
	inv := newInvoker(&stubTool{
		name: "capped",
		run: func(ctx context.Context, _ json.RawMessage, _ ProgressFunc) (any, error) {
			close(started)
			<-gate
			return nil, nil
		},
	})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = inv.Invoke(context.Background(), "capped", nil)
	}()
	<-started

	env, err := inv.Invoke(context.Background(), "capped", nil)
	require.Error(t, err)
	assert.Equal(t, string(errors.CodeRateLimit), env.ErrorCode)
	assert.GreaterOrEqual(t, inv.RetryAfter(), time.Second)

	close(gate)
	wg.Wait()
}

func TestInvoke_TimeoutMapsToTimeoutCode(t *testing.T) {
	inv := newInvoker(&stubTool{
		name:    "slow",
		timeout: 20 * time.Millisecond,
		run: func(ctx context.Context, _ json.RawMessage, _ ProgressFunc) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})

	env, err := inv.Invoke(context.Background(), "slow", nil)
	require.Error(t, err)
	assert.Equal(t, string(errors.CodeTimeout), env.ErrorCode)
}

func TestInvoke_PanicBecomesInvariant(t *testing.T) {
	inv := newInvoker(&stubTool{
		name: "boom",
		run: func(ctx context.Context, _ json.RawMessage, _ ProgressFunc) (any, error) {
			panic("unexpected state")
		},
	})

	env, err := inv.Invoke(context.Background(), "boom", nil)
	require.Error(t, err)
	assert.False(t, env.OK)
	assert.Equal(t, string(errors.CodeInvariant), env.ErrorCode)
	assert.NotContains(t, env.Message, "unexpected state")
}

func TestInvoke_TraceIDReachesHandler(t *testing.T) {
	var seen string
	inv := newInvoker(&stubTool{
		name: "trace",
		run: func(ctx context.Context, _ json.RawMessage, _ ProgressFunc) (any, error) {
			seen = TraceID(ctx)
			return nil, nil
		},
	})

	env, err := inv.Invoke(context.Background(), "trace", nil)
	require.NoError(t, err)
	assert.Equal(t, env.TraceID, seen)
}

func TestRegistry_Names(t *testing.T) {
	r := NewRegistry()
	r.Register(&stubTool{name: "b"})
	r.Register(&stubTool{name: "a"})

	assert.Equal(t, []string{"a", "b"}, r.Names())

	_, err := r.Get("c")
	assert.Equal(t, errors.CodeValidation, errors.CodeOf(err))
}
