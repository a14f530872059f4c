package fabric

import (
	"math"
	"time"
)

// Backoff configures exponential redelivery delays. Zero values use
// defaults.
type Backoff struct {
	Initial time.Duration // default: 10ms
	Max     time.Duration // default: 1s
}

// Delay returns the wait before delivery attempt n+1 after n failures.
// n=1 returns Initial, n=2 returns Initial*2, and so on up to Max.
func (b Backoff) Delay(n int) time.Duration {
	initial := 10 * time.Millisecond
	maxDelay := time.Second
	if b.Initial > 0 {
		initial = b.Initial
	}
	if b.Max > 0 {
		maxDelay = b.Max
	}

	if n < 1 {
		return initial
	}
	d := float64(initial) * math.Pow(2.0, float64(n-1))
	if d > float64(maxDelay) {
		d = float64(maxDelay)
	}
	return time.Duration(d)
}
