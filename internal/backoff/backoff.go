// Package backoff computes the delays between retries of vendor calls.
package backoff

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Policy defines exponential backoff with optional jitter.
type Policy struct {
	// Initial is the delay before the first retry.
	Initial time.Duration
	// Max caps the computed delay. Zero means uncapped.
	Max time.Duration
	// Factor multiplies the delay for each further attempt.
	Factor float64
	// Jitter is the fraction (0..1) of the base delay added at random.
	Jitter float64
}

// Default returns the policy used when the caller does not configure one.
func Default() Policy {
	return Policy{Initial: time.Second, Max: 30 * time.Second, Factor: 2}
}

// Delay returns the wait before retry number attempt (1-based).
func (p Policy) Delay(attempt int) time.Duration {
	return p.delay(attempt, rand.Float64()) // #nosec G404 -- jitter needs no crypto randomness
}

func (p Policy) delay(attempt int, random float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := float64(p.Initial) * math.Pow(p.Factor, float64(attempt-1))
	total := base + base*p.Jitter*random
	if p.Max > 0 && total > float64(p.Max) {
		total = float64(p.Max)
	}
	return time.Duration(total)
}

// Sleep waits for d or until ctx is done, returning ctx.Err() in that case.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
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
