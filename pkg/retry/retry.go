// Package retry runs fallible operations with jittered exponential backoff.
package retry

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/jpillora/backoff"
)

// Policy bounds a retry loop.
type Policy struct {
	MaxAttempts int
	Min         time.Duration
	Max         time.Duration
	Factor      float64
}

// DefaultPolicy suits local work that fails transiently, such as re-reading a
// file that is being replaced.
var DefaultPolicy = Policy{MaxAttempts: 3, Min: 200 * time.Millisecond, Max: 2 * time.Second, Factor: 2}

// Do calls fn until it succeeds, attempts run out, or ctx is done.
// The terminal error wraps the last failure.
func Do[T any](ctx context.Context, p Policy, tag string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	b := &backoff.Backoff{Min: p.Min, Max: p.Max, Factor: p.Factor, Jitter: true}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err
		if attempt == attempts {
			break
		}

		wait := b.Duration()
		log.Printf("retry[%s]: attempt %d/%d failed: %v (next in %s)", tag, attempt, attempts, err, wait)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, fmt.Errorf("%s: %w (last error: %v)", tag, ctx.Err(), lastErr)
		case <-timer.C:
		}
	}
	return zero, fmt.Errorf("%s: giving up after %d attempts: %w", tag, attempts, lastErr)
}
