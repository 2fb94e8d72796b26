// Package health implements composite readiness: independent probes
// (relational store, vector index, breakers) checked in parallel with
// per-probe timeouts and a short result cache to absorb probe storms.
package health

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Defaults for probing.
const (
	DefaultProbeTimeout = 5 * time.Second
	DefaultCacheTTL     = 5 * time.Second
)

// Probe is one named readiness check.
type Probe struct {
	Name string
	// Check returns nil when the dependency can serve traffic.
	Check func(ctx context.Context) error
}

// ProbeResult is one probe's outcome.
type ProbeResult struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Error   string `json:"error,omitempty"`
}

// Report is the composite readiness outcome.
type Report struct {
	Healthy   bool          `json:"healthy"`
	Probes    []ProbeResult `json:"probes"`
	CheckedAt time.Time     `json:"checked_at"`
}

// Checker runs probes with caching. Safe for concurrent use.
type Checker struct {
	probes  []Probe
	timeout time.Duration
	ttl     time.Duration

	mu     sync.Mutex
	cached *Report
	now    func() time.Time
}

// NewChecker creates a checker. Zero timeout and ttl take the
// defaults.
func NewChecker(probes []Probe, probeTimeout, cacheTTL time.Duration) *Checker {
	if probeTimeout <= 0 {
		probeTimeout = DefaultProbeTimeout
	}
	if cacheTTL <= 0 {
		cacheTTL = DefaultCacheTTL
	}
	return &Checker{
		probes:  probes,
		timeout: probeTimeout,
		ttl:     cacheTTL,
		now:     time.Now,
	}
}

// Check returns the composite readiness report, serving a cached
// result when one is fresh enough.
func (c *Checker) Check(ctx context.Context) *Report {
	c.mu.Lock()
	if c.cached != nil && c.now().Sub(c.cached.CheckedAt) < c.ttl {
		report := *c.cached
		c.mu.Unlock()
		return &report
	}
	c.mu.Unlock()

	results := make([]ProbeResult, len(c.probes))
	g, gctx := errgroup.WithContext(ctx)
	for i, probe := range c.probes {
		i, probe := i, probe
		g.Go(func() error {
			probeCtx, cancel := context.WithTimeout(gctx, c.timeout)
			defer cancel()

			result := ProbeResult{Name: probe.Name, Healthy: true}
			if err := probe.Check(probeCtx); err != nil {
				result.Healthy = false
				result.Error = err.Error()
			}
			results[i] = result
			// Probe failures surface in the report, not as group errors;
			// every probe always runs.
			return nil
		})
	}
	_ = g.Wait()

	report := &Report{Healthy: true, Probes: results, CheckedAt: c.now()}
	for _, r := range results {
		if !r.Healthy {
			report.Healthy = false
			break
		}
	}

	c.mu.Lock()
	c.cached = report
	c.mu.Unlock()

	out := *report
	return &out
}
