package peer

import "time"

// Reconnector decides when a failed session may try again: exponential
// delays (base, 2*base, 4*base, ...) up to a retry cap. The counter
// resets on a successful connect; exhausting it is terminal for the
// participant and surfaced to the directory, never swallowed.
type Reconnector struct {
	base  time.Duration
	max   int
	count int
	timer *time.Timer
}

func NewReconnector(base time.Duration, max int) *Reconnector {
	return &Reconnector{base: base, max: max}
}

// Next returns the delay before the upcoming attempt, or false when the
// retry budget is spent.
func (r *Reconnector) Next() (time.Duration, bool) {
	if r.count >= r.max {
		return 0, false
	}
	delay := r.base << r.count
	r.count++
	return delay, true
}

// Schedule arms the retry timer, replacing any pending one.
func (r *Reconnector) Schedule(delay time.Duration, fn func()) {
	r.Cancel()
	r.timer = time.AfterFunc(delay, fn)
}

// Reset clears the counter after a successful connect.
func (r *Reconnector) Reset() {
	r.count = 0
}

// Cancel stops a pending retry without touching the counter.
func (r *Reconnector) Cancel() {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

func (r *Reconnector) Attempts() int { return r.count }
