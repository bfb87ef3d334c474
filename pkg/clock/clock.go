package clock

import "time"

// Clock abstracts wall-clock time so time-dependent components can be tested
// without real waiting.
type Clock interface {
	// Now returns the current time.
	Now() time.Time
	// AfterFunc schedules f to run after duration d and returns a Timer
	// that can stop or reschedule the call.
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a scheduled call that can be stopped or rescheduled.
type Timer interface {
	// Stop prevents the call from firing. It reports whether the call was
	// still pending.
	Stop() bool
	// Reset reschedules the call for duration d from now. It reports
	// whether the call was still pending.
	Reset(d time.Duration) bool
}

// RealClock is the production Clock backed by the time package.
type RealClock struct{}

// NewRealClock returns a Clock that uses real wall-clock time.
func NewRealClock() RealClock {
	return RealClock{}
}

// Now returns the current wall-clock time.
func (RealClock) Now() time.Time {
	return time.Now()
}

// AfterFunc schedules f on a real time.Timer.
func (RealClock) AfterFunc(d time.Duration, f func()) Timer {
	return realTimer{timer: time.AfterFunc(d, f)}
}

type realTimer struct {
	timer *time.Timer
}

func (t realTimer) Stop() bool {
	return t.timer.Stop()
}

func (t realTimer) Reset(d time.Duration) bool {
	return t.timer.Reset(d)
}
