package clock_test

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/illmade-knight/go-roomclient/pkg/clock"
	"github.com/stretchr/testify/assert"
)

func TestDebouncer_CoalescesBurst(t *testing.T) {
	// Arrange
	fake := clock.NewFakeClock(time.Unix(0, 0))
	var fireCount atomic.Int32
	d := clock.NewDebouncer(fake, 2000*time.Millisecond, func() {
		fireCount.Add(1)
	})

	// Act: edits at t=0, t=300ms and t=600ms with a 2000ms window.
	d.Trigger()
	fake.Advance(300 * time.Millisecond)
	d.Trigger()
	fake.Advance(300 * time.Millisecond)
	d.Trigger()

	// Assert: nothing fires before the quiet period ends.
	fake.Advance(1999 * time.Millisecond)
	assert.Equal(t, int32(0), fireCount.Load(), "callback must not fire before the full window has elapsed")

	// The window expires at 600ms + 2000ms.
	fake.Advance(1 * time.Millisecond)
	assert.Equal(t, int32(1), fireCount.Load(), "exactly one fire for the whole burst")

	// No further fires without a new trigger.
	fake.Advance(10 * time.Second)
	assert.Equal(t, int32(1), fireCount.Load())
}

func TestDebouncer_FiresAgainAfterNewTrigger(t *testing.T) {
	fake := clock.NewFakeClock(time.Unix(0, 0))
	var fireCount atomic.Int32
	d := clock.NewDebouncer(fake, time.Second, func() {
		fireCount.Add(1)
	})

	d.Trigger()
	fake.Advance(time.Second)
	assert.Equal(t, int32(1), fireCount.Load())

	d.Trigger()
	fake.Advance(time.Second)
	assert.Equal(t, int32(2), fireCount.Load())
}

func TestDebouncer_StopCancelsPending(t *testing.T) {
	fake := clock.NewFakeClock(time.Unix(0, 0))
	var fireCount atomic.Int32
	d := clock.NewDebouncer(fake, time.Second, func() {
		fireCount.Add(1)
	})

	d.Trigger()
	d.Stop()
	fake.Advance(time.Minute)
	assert.Equal(t, int32(0), fireCount.Load(), "stopped debouncer must not fire")

	// Triggers after Stop are ignored.
	d.Trigger()
	fake.Advance(time.Minute)
	assert.Equal(t, int32(0), fireCount.Load())
}

func TestFakeClock_AdvanceFiresInDeadlineOrder(t *testing.T) {
	fake := clock.NewFakeClock(time.Unix(0, 0))
	var order []int
	fake.AfterFunc(2*time.Second, func() { order = append(order, 2) })
	fake.AfterFunc(1*time.Second, func() { order = append(order, 1) })

	fake.Advance(3 * time.Second)
	assert.Equal(t, []int{1, 2}, order)
}
