package common

import (
	"context"
	"log"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter admits market-data calls under two rules that must both pass:
// a fixed-window global quota shared by every caller, and a minimum spacing
// between calls of the same identity. Acquire blocks until both admit the
// call or ctx is done.
type RateLimiter struct {
	limit         int
	used          int
	lastReset     time.Time
	resetInterval time.Duration
	mu            sync.Mutex

	minInterval time.Duration
	gatesMu     sync.Mutex
	gates       map[string]*rate.Limiter
}

// NewRateLimiter creates a limiter.
// limit/resetInterval: global quota per window (e.g. 900 per minute)
// minInterval: per-identity spacing (at least one second)
func NewRateLimiter(limit int, resetInterval, minInterval time.Duration) *RateLimiter {
	return &RateLimiter{
		limit:         limit,
		resetInterval: resetInterval,
		lastReset:     time.Now(),
		minInterval:   minInterval,
		gates:         make(map[string]*rate.Limiter),
	}
}

// Acquire waits for the identity's turn, then for a slot in the global window.
func (rl *RateLimiter) Acquire(ctx context.Context, identity string) error {
	if err := rl.gate(identity).Wait(ctx); err != nil {
		return err
	}
	return rl.takeGlobal(ctx)
}

func (rl *RateLimiter) gate(identity string) *rate.Limiter {
	rl.gatesMu.Lock()
	defer rl.gatesMu.Unlock()
	g, ok := rl.gates[identity]
	if !ok {
		g = rate.NewLimiter(rate.Every(rl.minInterval), 1)
		rl.gates[identity] = g
	}
	return g
}

func (rl *RateLimiter) takeGlobal(ctx context.Context) error {
	for {
		rl.mu.Lock()
		now := time.Now()
		if now.Sub(rl.lastReset) >= rl.resetInterval {
			rl.used = 0
			rl.lastReset = now
		}
		if rl.used < rl.limit {
			rl.used++
			percentage := float64(rl.used) / float64(rl.limit) * 100
			rl.mu.Unlock()
			if percentage >= 95 {
				log.Printf("rate limit critical: %.1f%% of window quota used", percentage)
			}
			return nil
		}
		wait := rl.resetInterval - now.Sub(rl.lastReset)
		rl.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// GetUsage returns current usage information.
func (rl *RateLimiter) GetUsage() (used int, limit int, percentage float64) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	// Reset if needed
	if time.Since(rl.lastReset) >= rl.resetInterval {
		return 0, rl.limit, 0
	}

	return rl.used, rl.limit, float64(rl.used) / float64(rl.limit) * 100
}
