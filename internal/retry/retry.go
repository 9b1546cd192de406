// Package retry runs an operation under a bounded attempt budget with capped
// exponential backoff.
package retry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/maltedev/olx-scraper/internal/scrapeerr"
)

type Policy struct {
	MaxAttempts int
	Base        time.Duration
	Cap         time.Duration
	// Retryable decides whether an error is worth another attempt. Defaults
	// to scrapeerr.Retryable.
	Retryable func(error) bool
}

func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 3, Base: 2 * time.Second, Cap: 6 * time.Second}
}

// Backoff returns min(Base*2^(attempt-1), Cap) for attempt >= 1.
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.Cap > 0 && d >= p.Cap {
			return p.Cap
		}
	}
	if p.Cap > 0 && d > p.Cap {
		return p.Cap
	}
	return d
}

// Do calls fn until it succeeds, returns a non-retryable error or the attempt
// budget is spent. onFailure, if set, runs after every failed attempt that
// will be retried, before the backoff sleep.
func (p Policy) Do(ctx context.Context, name string, fn func(ctx context.Context, attempt int) error, onFailure func(ctx context.Context, err error)) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	retryable := p.Retryable
	if retryable == nil {
		retryable = scrapeerr.Retryable
	}
	logger := slog.Default().With("component", "retry", "operation", name)

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn(ctx, attempt)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !retryable(lastErr) {
			return lastErr
		}
		if attempt == attempts {
			break
		}

		if onFailure != nil {
			onFailure(ctx, lastErr)
		}
		wait := p.Backoff(attempt)
		logger.Warn("attempt failed, backing off", "attempt", attempt, "max", attempts, "backoff", wait, "category", scrapeerr.Category(lastErr), "error", lastErr)

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	return fmt.Errorf("%s failed after %d attempts: %w", name, attempts, lastErr)
}
