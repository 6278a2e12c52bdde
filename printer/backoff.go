package printer

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// BackoffConfig controls the delay between reconnect attempts. Retries never
// stop; Max only caps the delay.
type BackoffConfig struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	// Jitter is the randomization factor in [0, 1). Zero gives a strictly
	// non-decreasing sequence.
	Jitter float64
}

// DefaultBackoff returns the reconnect policy used when none is configured.
func DefaultBackoff() BackoffConfig {
	return BackoffConfig{
		Initial:    time.Second,
		Max:        30 * time.Second,
		Multiplier: 2,
	}
}

func (c BackoffConfig) withDefaults() BackoffConfig {
	def := DefaultBackoff()
	if c.Initial <= 0 {
		c.Initial = def.Initial
	}
	if c.Max <= 0 {
		c.Max = def.Max
	}
	if c.Max < c.Initial {
		c.Max = c.Initial
	}
	if c.Multiplier < 1 {
		c.Multiplier = def.Multiplier
	}
	if c.Jitter < 0 || c.Jitter >= 1 {
		c.Jitter = 0
	}
	return c
}

// reconnectBackoff is an unbounded exponential backoff with a hard cap.
type reconnectBackoff struct {
	b   *backoff.ExponentialBackOff
	max time.Duration
}

func newReconnectBackoff(c BackoffConfig) *reconnectBackoff {
	c = c.withDefaults()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.Initial
	b.MaxInterval = c.Max
	b.Multiplier = c.Multiplier
	b.RandomizationFactor = c.Jitter
	b.MaxElapsedTime = 0
	b.Reset()

	return &reconnectBackoff{b: b, max: c.Max}
}

// Next returns the delay before the next attempt.
func (r *reconnectBackoff) Next() time.Duration {
	d := r.b.NextBackOff()
	if d == backoff.Stop || d > r.max {
		d = r.max
	}
	return d
}

// Reset restarts the sequence after a successful connection.
func (r *reconnectBackoff) Reset() {
	r.b.Reset()
}

// sleepCtx waits for d or until ctx is done. It reports whether the full
// delay elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
