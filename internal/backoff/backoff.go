// Package backoff holds the wait helpers shared by the polling loops.
package backoff

import (
	"context"
	"math/rand/v2"
	"time"
)

// Jitter spreads d by up to ±frac so that many accounts do not hit the vendor
// at the same instant.
func Jitter(d time.Duration, frac float64) time.Duration {
	if d <= 0 || frac <= 0 {
		return d
	}
	spread := float64(d) * frac
	out := time.Duration(float64(d) - spread + rand.Float64()*2*spread)
	if out < 0 {
		return 0
	}
	return out
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Exponential returns base doubled per failure, capped at max. A hint larger
// than the computed delay wins (Retry-After).
func Exponential(base, max time.Duration, failures int, hint time.Duration) time.Duration {
	d := base
	for i := 1; i < failures && d < max; i++ {
		d *= 2
	}
	if hint > d {
		d = hint
	}
	if d > max {
		d = max
	}
	return d
}
