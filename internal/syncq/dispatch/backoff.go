package dispatch

import (
	"math"
	"time"
)

// Backoff computes the hold-off after a transient failure.
type Backoff struct {
	// Base is the delay after the first failed attempt
	Base time.Duration

	// Max caps the delay
	Max time.Duration
}

// DefaultBackoff returns 2s doubling up to 5m.
func DefaultBackoff() Backoff {
	return Backoff{Base: 2 * time.Second, Max: 5 * time.Minute}
}

// Delay returns Base * 2^(attempts-1), capped at Max. attempts is 1-based.
// A zero Base disables backoff.
func (b Backoff) Delay(attempts int) time.Duration {
	if b.Base <= 0 {
		return 0
	}
	if attempts < 1 {
		attempts = 1
	}

	delay := b.Base
	for i := 1; i < attempts; i++ {
		if delay > math.MaxInt64/2 {
			break
		}
		delay *= 2
		if b.Max > 0 && delay >= b.Max {
			return b.Max
		}
	}
	if b.Max > 0 && delay > b.Max {
		return b.Max
	}
	return delay
}
