package mqtt_client

import (
	"math"
	"math/rand"
	"time"
)

// Backoff is an exponential reconnect delay with jitter and a ceiling.
type Backoff struct {
	Min    time.Duration
	Max    time.Duration
	Factor float64
	// Jitter is the fraction of the delay that is randomised, in [0, 1].
	Jitter float64

	rand func() float64
}

// NewBackoff returns a doubling backoff with 20% jitter.
func NewBackoff(minDelay, maxDelay time.Duration) Backoff {
	return Backoff{Min: minDelay, Max: maxDelay, Factor: 2, Jitter: 0.2}
}

// Delay returns the wait before the given attempt (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	factor := b.Factor
	if factor < 1 {
		factor = 1
	}

	d := float64(b.Min) * math.Pow(factor, float64(attempt-1))
	if b.Max > 0 && d > float64(b.Max) {
		d = float64(b.Max)
	}

	if b.Jitter > 0 {
		r := rand.Float64
		if b.rand != nil {
			r = b.rand
		}
		// Subtract up to Jitter*d so the ceiling is never exceeded.
		d -= d * math.Min(b.Jitter, 1) * r()
	}

	return time.Duration(d)
}
