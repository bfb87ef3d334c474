package clock

import (
	"sync"
	"time"
)

// Debouncer coalesces a burst of triggers into a single deferred call.
// Every Trigger cancels and reschedules the pending call, so the callback
// runs once per quiet period, never while a newer trigger is in flight.
// There is at most one pending call at any time.
type Debouncer struct {
	clock Clock
	delay time.Duration
	fn    func()

	mu      sync.Mutex
	timer   Timer
	stopped bool
}

// NewDebouncer creates a Debouncer that invokes fn after delay has elapsed
// with no intervening Trigger.
func NewDebouncer(c Clock, delay time.Duration, fn func()) *Debouncer {
	return &Debouncer{clock: c, delay: delay, fn: fn}
}

// Trigger schedules the callback, cancelling any previously pending one.
func (d *Debouncer) Trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	if d.timer != nil {
		d.timer.Reset(d.delay)
		return
	}
	d.timer = d.clock.AfterFunc(d.delay, d.fn)
}

// Stop cancels any pending callback. A stopped Debouncer ignores further
// triggers.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}
