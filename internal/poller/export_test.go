package poller

import "time"

// SetIntervalsForTest overrides the idle/error pacing for the
// duration of a test. Callers should defer the returned restore func.
func SetIntervalsForTest(idle, errorWait time.Duration) (restore func()) {
	prevIdle, prevError := idleInterval, errorInterval
	idleInterval, errorInterval = idle, errorWait
	return func() {
		idleInterval, errorInterval = prevIdle, prevError
	}
}
