package relay

import (
	"sync"
	"time"
)

// Debouncer runs fn once after a quiet interval with no Trigger calls.
//
// It is a two-state machine: idle, or pending with a deadline. Trigger moves
// it to pending and pushes the deadline out; the timer moves it back to idle
// and calls fn. A timer that fires after being superseded is ignored, so a
// burst of triggers yields exactly one call.
type Debouncer struct {
	mu       sync.Mutex
	interval time.Duration
	fn       func()

	timer    *time.Timer
	gen      uint64
	deadline time.Time
	stopped  bool
}

func NewDebouncer(interval time.Duration, fn func()) *Debouncer {
	return &Debouncer{interval: interval, fn: fn}
}

func (d *Debouncer) Trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	d.gen++
	gen := d.gen
	d.deadline = time.Now().Add(d.interval)
	d.timer = time.AfterFunc(d.interval, func() { d.fire(gen) })
}

func (d *Debouncer) fire(gen uint64) {
	d.mu.Lock()
	if d.stopped || gen != d.gen {
		d.mu.Unlock()
		return
	}
	d.timer = nil
	d.deadline = time.Time{}
	fn := d.fn
	d.mu.Unlock()

	if fn != nil {
		fn()
	}
}

// Deadline reports when the pending call fires. ok is false when idle.
func (d *Debouncer) Deadline() (t time.Time, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.deadline, d.timer != nil
}

// SetInterval applies to the next Trigger; a pending deadline is kept.
func (d *Debouncer) SetInterval(interval time.Duration) {
	if interval <= 0 {
		return
	}
	d.mu.Lock()
	d.interval = interval
	d.mu.Unlock()
}

// Stop cancels any pending call and disables future triggers.
// It reports whether a call was pending.
func (d *Debouncer) Stop() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	d.gen++
	pending := d.timer != nil
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.deadline = time.Time{}
	return pending
}
