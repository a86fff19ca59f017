// Package retry provides the backoff strategy used by pipeline
// supervisors between reconnection attempts.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Backoff computes jittered exponential delays. The zero value is not
// usable; construct with New or fill every field.
type Backoff struct {
	// Initial is the delay before the first retry.
	Initial time.Duration

	// Max caps the computed delay.
	Max time.Duration

	// Multiplier grows the delay between attempts.
	Multiplier float64

	// JitterFactor is the maximum jitter as a fraction of the delay
	// (0 disables jitter).
	JitterFactor float64

	attempt int
}

// New returns a Backoff with the supervisor defaults: 1s initial, x2
// growth, 30s cap, 30% jitter.
func New() *Backoff {
	return &Backoff{
		Initial:      time.Second,
		Max:          30 * time.Second,
		Multiplier:   2.0,
		JitterFactor: 0.3,
	}
}

// Next returns the delay before the next attempt and advances the
// attempt counter.
func (b *Backoff) Next() time.Duration {
	delay := float64(b.Initial) * math.Pow(b.Multiplier, float64(b.attempt))
	b.attempt++

	if delay > float64(b.Max) {
		delay = float64(b.Max)
	}

	if b.JitterFactor > 0 {
		// math/rand is fine for jitter, not security-critical.
		jitter := delay * b.JitterFactor * (2*rand.Float64() - 1)
		delay += jitter
		if delay < 0 {
			delay = float64(b.Initial)
		}
	}

	return time.Duration(delay)
}

// Attempt returns the number of delays handed out since the last Reset.
func (b *Backoff) Attempt() int { return b.attempt }

// Reset rewinds the strategy to the initial delay. Called after any
// successfully applied progress mark.
func (b *Backoff) Reset() { b.attempt = 0 }

// Sleep blocks for the next backoff delay or until ctx is canceled,
// whichever comes first. Returns ctx.Err() when canceled.
func (b *Backoff) Sleep(ctx context.Context) error {
	t := time.NewTimer(b.Next())
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
