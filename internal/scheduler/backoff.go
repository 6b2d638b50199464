package scheduler

import (
	"math"
	"math/rand"
	"time"
)

// Default backoff bounds for a retried task's next dispatch. A single
// failing task backs off on its own schedule; it never blocks dispatch of
// its no_attempt siblings, since dispatchReady simply skips a candidate
// whose NextRunAt hasn't arrived yet and moves on to the next one.
const (
	DefaultMinBackoff = 1 * time.Second
	DefaultMaxBackoff = 30 * time.Second
	backoffJitterFrac = 0.2
)

// computeBackoff returns the delay before a task's (attempt+1)-th dispatch:
// exponential growth from minBackoff, capped at maxBackoff, then jittered by
// +/-backoffJitterFrac so a batch of tasks that failed in the same tick
// don't all retry in lockstep.
func computeBackoff(attempt int, minBackoff, maxBackoff time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(minBackoff) * math.Pow(2, float64(attempt-1))
	if d > float64(maxBackoff) {
		d = float64(maxBackoff)
	}
	jitter := d * backoffJitterFrac * (2*rand.Float64() - 1)
	d += jitter
	if d < float64(minBackoff) {
		d = float64(minBackoff)
	}
	return time.Duration(d)
}
