// Package tool defines the invocation surface: a registry of named
// tools and an invoker that validates, rate-limits, traces, and
// dispatches calls behind a uniform envelope.
package tool

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/medlit/medlit/internal/errors"
)

// ProgressFunc reports handler progress in [0,1] with a short message.
// Implementations may throttle; handlers call it freely.
type ProgressFunc func(progress float64, message string)

// Tool is one invocable handler.
type Tool interface {
	// Name is the registry key, e.g. "search".
	Name() string

	// Description is a one-line summary for discovery listings.
	Description() string

	// Validate checks params before any slot is taken. Failures must
	// carry the VALIDATION code.
	Validate(params json.RawMessage) error

	// Run executes the tool. progress is never nil.
	Run(ctx context.Context, params json.RawMessage, progress ProgressFunc) (any, error)

	// LongRunning tools are rejected for synchronous invocation and
	// must go through the job queue.
	LongRunning() bool

	// Timeout bounds one invocation; zero means the invoker default.
	Timeout() time.Duration
}

// Registry maps tool names to handlers. Safe for concurrent use;
// registration normally happens once at startup.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool, replacing any previous handler with the name.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

// Get returns the named tool. Unknown names surface as VALIDATION so
// the wire contract never leaks registry internals.
func (r *Registry) Get(name string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, exists := r.tools[name]
	if !exists {
		return nil, errors.Validation("tool", "unknown tool "+name)
	}
	return t, nil
}

// Names lists registered tools in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
