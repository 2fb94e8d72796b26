package health

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/medlit/medlit/internal/errors"
)

func TestCheck_AllHealthy(t *testing.T) {
	c := NewChecker([]Probe{
		{Name: "db", Check: func(ctx context.Context) error { return nil }},
		{Name: "vector", Check: func(ctx context.Context) error { return nil }},
	}, 0, 0)

	report := c.Check(context.Background())
	assert.True(t, report.Healthy)
	assert.Len(t, report.Probes, 2)
	for _, p := range report.Probes {
		assert.True(t, p.Healthy)
		assert.Empty(t, p.Error)
	}
}

func TestCheck_OneFailureMakesUnhealthy(t *testing.T) {
	c := NewChecker([]Probe{
		{Name: "db", Check: func(ctx context.Context) error { return nil }},
		{Name: "vector", Check: func(ctx context.Context) error {
			return errors.New(errors.CodeUnavailable, "index is closed")
		}},
	}, 0, 0)

	report := c.Check(context.Background())
	assert.False(t, report.Healthy)

	byName := map[string]ProbeResult{}
	for _, p := range report.Probes {
		byName[p.Name] = p
	}
	assert.True(t, byName["db"].Healthy)
	assert.False(t, byName["vector"].Healthy)
	assert.Contains(t, byName["vector"].Error, "closed")
}

func TestCheck_CachesWithinTTL(t *testing.T) {
	var calls atomic.Int32
	c := NewChecker([]Probe{
		{Name: "db", Check: func(ctx context.Context) error {
			calls.Add(1)
			return nil
		}},
	}, time.Second, time.Hour)

	c.Check(context.Background())
	c.Check(context.Background())
	c.Check(context.Background())
	assert.Equal(t, int32(1), calls.Load())
}

func TestCheck_CacheExpires(t *testing.T) {
	var calls atomic.Int32
	c := NewChecker([]Probe{
		{Name: "db", Check: func(ctx context.Context) error {
			calls.Add(1)
			return nil
		}},
	}, time.Second, time.Minute)

	base := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return base }
	c.Check(context.Background())

	c.now = func() time.Time { return base.Add(2 * time.Minute) }
	c.Check(context.Background())
	assert.Equal(t, int32(2), calls.Load())
}

func TestCheck_SlowProbeTimesOut(t *testing.T) {
	c := NewChecker([]Probe{
		{Name: "slow", Check: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		}},
	}, 20*time.Millisecond, time.Minute)

	report := c.Check(context.Background())
	assert.False(t, report.Healthy)
}
