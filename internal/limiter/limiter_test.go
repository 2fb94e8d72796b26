package limiter

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medlit/medlit/internal/errors"
)

func TestAcquire_PerToolCap(t *testing.T) {
	l := New(10, map[string]int64{"search": 2})

	r1, err := l.Acquire("search")
	require.NoError(t, err)
	r2, err := l.Acquire("search")
	require.NoError(t, err)

	_, err = l.Acquire("search")
	require.Error(t, err)
	assert.Equal(t, errors.CodeRateLimit, errors.CodeOf(err))

	// Uncapped tools still fit under the global cap.
	r3, err := l.Acquire("ping")
	require.NoError(t, err)

	r1()
	r4, err := l.Acquire("search")
	require.NoError(t, err)

	r2()
	r3()
	r4()
}

func TestAcquire_GlobalCap(t *testing.T) {
	l := New(2, nil)

	r1, err := l.Acquire("a")
	require.NoError(t, err)
	r2, err := l.Acquire("b")
	require.NoError(t, err)

	_, err = l.Acquire("c")
	assert.Equal(t, errors.CodeRateLimit, errors.CodeOf(err))

	r1()
	r2()
}

func TestAcquire_ReleaseIsIdempotent(t *testing.T) {
	l := New(1, nil)

	release, err := l.Acquire("a")
	require.NoError(t, err)
	release()
	release()

	release, err = l.Acquire("a")
	require.NoError(t, err)
	release()
}

func TestAcquire_BurstRejectsExcess(t *testing.T) {
	l := New(100, map[string]int64{"search": 2})

	var wg sync.WaitGroup
	var mu sync.Mutex
	rejected := 0
	admitted := 0
	gate := make(chan struct{})

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := l.Acquire("search")
			if err != nil {
				mu.Lock()
				rejected++
				mu.Unlock()
				return
			}
			mu.Lock()
			admitted++
			mu.Unlock()
			<-gate
			release()
		}()
	}

	// Let the goroutines race the two slots, then free them.
	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()

	assert.Equal(t, 10, admitted+rejected)
	assert.LessOrEqual(t, admitted, 10)
	assert.GreaterOrEqual(t, rejected, 8)
}

func TestRetryAfter_FloorsAtOneSecond(t *testing.T) {
	l := New(10, nil)
	assert.Equal(t, time.Second, l.RetryAfter())

	release, err := l.Acquire("a")
	require.NoError(t, err)
	release()
	assert.Equal(t, time.Second, l.RetryAfter())
}

func TestRetryAfter_TracksMedianLatency(t *testing.T) {
	l := New(10, nil)
	for i := 0; i < 9; i++ {
		l.observe(3 * time.Second)
	}
	assert.Equal(t, 3*time.Second, l.RetryAfter())
}
