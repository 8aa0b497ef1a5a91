// Package debounce holds a single cancel-and-reschedule timer.
package debounce

import (
	"sync"
	"time"

	"github.com/coder/quartz"
)

// Debouncer runs the most recently triggered function once Delay has passed
// without another Trigger. At most one timer is pending at any moment.
type Debouncer struct {
	clock quartz.Clock
	delay time.Duration

	mu    sync.Mutex
	timer *quartz.Timer
	gen   uint64
}

func New(clock quartz.Clock, delay time.Duration) *Debouncer {
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &Debouncer{clock: clock, delay: delay}
}

func (d *Debouncer) Delay() time.Duration {
	return d.delay
}

// Trigger cancels any pending call and schedules fn.
func (d *Debouncer) Trigger(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
	d.gen++
	gen := d.gen
	d.timer = d.clock.AfterFunc(d.delay, func() {
		d.mu.Lock()
		if gen != d.gen {
			// superseded after the timer had already fired
			d.mu.Unlock()
			return
		}
		d.timer = nil
		d.mu.Unlock()
		fn()
	}, "debounce")
}

// Cancel drops the pending call, if any, and reports whether there was one.
func (d *Debouncer) Cancel() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer == nil {
		return false
	}
	d.timer.Stop()
	d.timer = nil
	d.gen++
	return true
}

func (d *Debouncer) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.timer != nil
}
