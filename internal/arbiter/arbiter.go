// Package arbiter implements the control arbiter embedded in each
// poller: it accepts asynchronous power-limit-set requests, clamps
// them to nameplate, rate-limits how often a caller can force a write
// cycle, and hands the poller a single "what should currently be
// written" value.
package arbiter

import (
	"time"

	"golang.org/x/time/rate"
)

// inverterResetWindow is how long an SMA inverter honors a written
// power limit before reverting to its nameplate maximum. The poller's
// 1 s idle cadence refreshes the write well inside this window, so
// sustained clamping falls out of the normal poll loop rather than
// needing a dedicated refresh timer.
const inverterResetWindow = 120 * time.Second

// Arbiter holds the most recently requested power limit and whether a
// write to the device is still outstanding for it.
type Arbiter struct {
	maxPowerWatts uint32
	limiter       *rate.Limiter

	requestedWatts uint32
	pending        bool
}

// New returns an arbiter clamping requests to [0, maxPowerWatts].
// Writes are rate-limited to roughly one per second, matching (and
// never exceeding) the poller's own idle cadence, so a misbehaving
// caller can't force more write transitions than the protocol state
// machine would naturally perform.
func New(maxPowerWatts uint32) *Arbiter {
	return &Arbiter{
		maxPowerWatts: maxPowerWatts,
		limiter:       rate.NewLimiter(rate.Every(time.Second), 2),
	}
}

// Request clamps v to [0, maxPowerWatts] and marks a write pending
// unless the rate limiter rejects it, in
// which case the previously pending value (if any) is left
// unchanged. Returns the clamped value that was accepted, and whether
// it was accepted.
func (a *Arbiter) Request(v int64) (clampedWatts uint32, accepted bool) {
	clamped := clamp(v, a.maxPowerWatts)
	if !a.limiter.Allow() {
		return clamped, false
	}
	a.requestedWatts = clamped
	a.pending = true
	return clamped, true
}

func clamp(v int64, max uint32) uint32 {
	if v < 0 {
		return 0
	}
	if v > int64(max) {
		return max
	}
	return uint32(v)
}

// Pending reports the value that should be written next, if any write
// is still outstanding.
func (a *Arbiter) Pending() (watts uint32, ok bool) {
	return a.requestedWatts, a.pending
}

// Clear marks the outstanding write as completed.
func (a *Arbiter) Clear() {
	a.pending = false
}
