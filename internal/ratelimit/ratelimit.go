package ratelimit

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

type RateLimiter interface {
	Wait(ctx context.Context) error
}

type Options struct {
	// Floor is the minimum spacing between two requests. It is never undercut.
	Floor time.Duration
	// Max caps the interval after repeated failures.
	Max time.Duration
	// Jitter adds a random extra delay in [0, Jitter).
	Jitter time.Duration
	// BackoffFactor multiplies the interval on every recorded failure.
	BackoffFactor float64
	// DecayAfter successes in a row shrink the interval by 10%.
	DecayAfter int
}

func DefaultOptions() Options {
	return Options{
		Floor:         2 * time.Second,
		Max:           60 * time.Second,
		Jitter:        1500 * time.Millisecond,
		BackoffFactor: 1.5,
		DecayAfter:    5,
	}
}

// AdaptiveRateLimiter spaces requests of a single actor. The interval starts at
// the floor, grows on failures and slowly decays back on success.
type AdaptiveRateLimiter struct {
	mu           sync.Mutex
	opts         Options
	interval     time.Duration
	lastAction   time.Time
	successCount int
	rnd          *rand.Rand
}

func NewAdaptiveRateLimiter(opts Options) *AdaptiveRateLimiter {
	if opts.Max < opts.Floor {
		opts.Max = opts.Floor
	}
	if opts.BackoffFactor <= 1 {
		opts.BackoffFactor = 1.5
	}
	if opts.DecayAfter <= 0 {
		opts.DecayAfter = 5
	}
	return &AdaptiveRateLimiter{
		opts:     opts,
		interval: opts.Floor,
		rnd:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Wait blocks until the current interval has passed since the previous
// request. The lock is held while sleeping so concurrent callers queue up.
func (a *AdaptiveRateLimiter) Wait(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.lastAction.IsZero() {
		delay := a.calculateDelay()
		if elapsed := time.Since(a.lastAction); elapsed < delay {
			timer := time.NewTimer(delay - elapsed)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
	}

	a.lastAction = time.Now()
	return nil
}

func (a *AdaptiveRateLimiter) calculateDelay() time.Duration {
	if a.opts.Jitter <= 0 {
		return a.interval
	}
	return a.interval + time.Duration(a.rnd.Int63n(int64(a.opts.Jitter)))
}

func (a *AdaptiveRateLimiter) RecordSuccess() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.successCount++
	if a.successCount >= a.opts.DecayAfter {
		a.setInterval(time.Duration(float64(a.interval) * 0.9))
		a.successCount = 0
	}
}

func (a *AdaptiveRateLimiter) RecordFailure() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.successCount = 0
	a.setInterval(time.Duration(float64(a.interval) * a.opts.BackoffFactor))
}

// Increase multiplies the interval by factor, e.g. before replaying items that
// failed under the current pace.
func (a *AdaptiveRateLimiter) Increase(factor float64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.setInterval(time.Duration(float64(a.interval) * factor))
}

func (a *AdaptiveRateLimiter) Interval() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.interval
}

func (a *AdaptiveRateLimiter) Floor() time.Duration {
	return a.opts.Floor
}

func (a *AdaptiveRateLimiter) setInterval(d time.Duration) {
	if d < a.opts.Floor {
		d = a.opts.Floor
	}
	if d > a.opts.Max {
		d = a.opts.Max
	}
	a.interval = d
}
