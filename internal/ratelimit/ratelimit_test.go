package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testOptions(floor time.Duration) Options {
	return Options{Floor: floor, Max: 10 * floor, BackoffFactor: 2, DecayAfter: 2}
}

func TestWaitNeverUndercutsFloor(t *testing.T) {
	const floor = 30 * time.Millisecond
	opts := testOptions(floor)
	opts.Jitter = 5 * time.Millisecond
	limiter := NewAdaptiveRateLimiter(opts)

	prev := time.Time{}
	for i := 0; i < 5; i++ {
		require.NoError(t, limiter.Wait(context.Background()))
		now := time.Now()
		if !prev.IsZero() {
			// prev is taken just after the limiter stamped the request
			assert.GreaterOrEqual(t, now.Sub(prev), floor-time.Millisecond, "gap %d", i)
		}
		prev = now
	}
}

func TestWaitSerializesConcurrentCallers(t *testing.T) {
	const floor = 20 * time.Millisecond
	limiter := NewAdaptiveRateLimiter(testOptions(floor))

	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, limiter.Wait(context.Background()))
		}()
	}
	wg.Wait()

	// first call passes immediately, the other three are spaced by the floor
	assert.GreaterOrEqual(t, time.Since(start), 3*floor)
}

func TestRecordFailureGrowsUpToMax(t *testing.T) {
	limiter := NewAdaptiveRateLimiter(testOptions(10 * time.Millisecond))

	limiter.RecordFailure()
	assert.Equal(t, 20*time.Millisecond, limiter.Interval())

	for i := 0; i < 10; i++ {
		limiter.RecordFailure()
	}
	assert.Equal(t, 100*time.Millisecond, limiter.Interval())
}

func TestRecordSuccessDecaysToFloor(t *testing.T) {
	limiter := NewAdaptiveRateLimiter(testOptions(10 * time.Millisecond))
	limiter.RecordFailure()

	for i := 0; i < 50; i++ {
		limiter.RecordSuccess()
	}
	assert.Equal(t, 10*time.Millisecond, limiter.Interval())
}

func TestIncrease(t *testing.T) {
	limiter := NewAdaptiveRateLimiter(testOptions(10 * time.Millisecond))
	limiter.Increase(1.5)
	assert.Equal(t, 15*time.Millisecond, limiter.Interval())

	limiter.Increase(0.1)
	assert.Equal(t, limiter.Floor(), limiter.Interval())
}

func TestWaitHonoursContext(t *testing.T) {
	limiter := NewAdaptiveRateLimiter(testOptions(time.Second))
	require.NoError(t, limiter.Wait(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	assert.ErrorIs(t, limiter.Wait(ctx), context.DeadlineExceeded)
}
