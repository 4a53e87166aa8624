package queue

import (
	"math"
	"math/rand"
	"time"
)

// Backoff computes retry delays: Base * Factor^(attempt-1), jittered by
// ±Jitter of that value, clamped to Max.
type Backoff struct {
	Base   time.Duration
	Factor float64
	Max    time.Duration
	Jitter float64
	// Rand returns a value in [0, 1). Defaults to math/rand.
	Rand func() float64
}

func DefaultBackoff() Backoff {
	return Backoff{Base: 5 * time.Second, Factor: 2, Max: 10 * time.Minute, Jitter: 0.2}
}

// Delay returns the wait before the next attempt after attempt failures.
// It is never shorter than the longest possible delay of the previous
// attempt, so delays do not decrease whatever Factor and Jitter are.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := b.clamp(b.nominal(attempt) * b.spread())
	if attempt > 1 {
		floor := b.clamp(b.nominal(attempt-1) * (1 + max(b.Jitter, 0)))
		d = max(d, floor)
	}
	return d
}

func (b Backoff) nominal(attempt int) float64 {
	factor := b.Factor
	if factor < 1 {
		factor = 1
	}
	return float64(b.Base) * math.Pow(factor, float64(attempt-1))
}

// spread is the jitter multiplier in [1-Jitter, 1+Jitter).
func (b Backoff) spread() float64 {
	if b.Jitter <= 0 {
		return 1
	}
	r := rand.Float64
	if b.Rand != nil {
		r = b.Rand
	}
	return 1 + b.Jitter*(2*r()-1)
}

func (b Backoff) clamp(v float64) time.Duration {
	if b.Max > 0 && (math.IsInf(v, 0) || v > float64(b.Max)) {
		return b.Max
	}
	if v < 0 {
		return 0
	}
	return time.Duration(v)
}
