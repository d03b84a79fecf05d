package opc

import (
	"math/rand"
	"time"
)

// Backoff defaults, used when the reconnect config leaves values unset.
const (
	defaultInitialBackoff = 2 * time.Second
	defaultMaxBackoff     = 60 * time.Second

	// jitterFraction is the ± randomization applied to each delay so a
	// fleet of agents does not reconnect in lockstep after an outage.
	jitterFraction = 0.2
)

// backoff produces exponentially growing reconnect delays with jitter.
// Not safe for concurrent use; the connector owns exactly one.
type backoff struct {
	initial time.Duration
	max     time.Duration
	attempt int
}

// newBackoff creates a backoff from configured delays in seconds,
// substituting defaults for unset values.
func newBackoff(initialSeconds, maxSeconds int) *backoff {
	initial := time.Duration(initialSeconds) * time.Second
	if initial <= 0 {
		initial = defaultInitialBackoff
	}
	maxDelay := time.Duration(maxSeconds) * time.Second
	if maxDelay <= 0 {
		maxDelay = defaultMaxBackoff
	}
	if maxDelay < initial {
		maxDelay = initial
	}
	return &backoff{initial: initial, max: maxDelay}
}

// next returns the delay before the next attempt and advances the
// sequence: initial * 2^attempt, capped at max, with ±20% jitter.
func (b *backoff) next() time.Duration {
	delay := b.initial
	for i := 0; i < b.attempt && delay < b.max; i++ {
		delay *= 2
	}
	if delay > b.max {
		delay = b.max
	}
	b.attempt++

	jitter := 1 + jitterFraction*(2*rand.Float64()-1) // #nosec G404 -- timing jitter, not key material
	return time.Duration(float64(delay) * jitter)
}

// reset restarts the sequence after a healthy connection.
func (b *backoff) reset() {
	b.attempt = 0
}
