package report

import "time"

// Timer is a restartable, stoppable timer, matching the seam the original
// C++ mixerclient exposes via its Timer interface (original_source's
// include/timer.h: Start/Stop on an abstract timer so tests can drive time
// without sleeping). Go's time.Timer already has this shape; Timer exists so
// tests can substitute a fake that fires on demand instead of on the wall
// clock.
type Timer interface {
	// C returns the channel that receives a value when the timer fires.
	C() <-chan time.Time
	// Reset restarts the timer to fire after d.
	Reset(d time.Duration) bool
	// Stop prevents the timer from firing, if it hasn't already.
	Stop() bool
}

// Clock constructs Timers. RealClock is the production implementation;
// tests use a fake that fires timers under explicit control.
type Clock interface {
	Now() time.Time
	NewTimer(d time.Duration) Timer
}

// RealClock is the production Clock, backed by the standard library.
type RealClock struct{}

// Now returns the current wall-clock time.
func (RealClock) Now() time.Time { return time.Now() }

// NewTimer returns a Timer backed by time.NewTimer.
func (RealClock) NewTimer(d time.Duration) Timer {
	return &realTimer{t: time.NewTimer(d)}
}

type realTimer struct {
	t *time.Timer
}

func (r *realTimer) C() <-chan time.Time        { return r.t.C }
func (r *realTimer) Reset(d time.Duration) bool { return r.t.Reset(d) }
func (r *realTimer) Stop() bool                 { return r.t.Stop() }
