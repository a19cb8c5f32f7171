package espboot

import (
	"context"
	"time"
)

// Timer measures elapsed time from a start instant. It backs the receive
// timeouts, the poll cycle and the reset delays.
type Timer struct {
	start   time.Time
	running bool
}

// NewTimer returns a started timer.
func NewTimer() *Timer {
	t := new(Timer)
	t.Start()
	return t
}

// Start restarts the timer from now.
func (t *Timer) Start() {
	t.StartAt(time.Now())
}

// StartAt restarts the timer from the given instant.
func (t *Timer) StartAt(at time.Time) {
	t.start = at
	t.running = true
}

// Stop marks the timer as not running. Remaining keeps reporting against the
// last start instant.
func (t *Timer) Stop() {
	t.running = false
}

// Running reports whether the timer has been started and not stopped.
func (t *Timer) Running() bool {
	return t.running
}

// Time returns the instant the timer was last started.
func (t *Timer) Time() time.Time {
	return t.start
}

// Remaining returns the time left until d has elapsed since the start.
// A result <= 0 means the deadline has passed.
func (t *Timer) Remaining(d time.Duration) time.Duration {
	return d - time.Since(t.start)
}

// Elapsed reports whether d has passed since the start.
func (t *Timer) Elapsed(d time.Duration) bool {
	return t.Remaining(d) <= 0
}

// Wait sleeps until d has elapsed since the start, or until ctx is done.
func (t *Timer) Wait(ctx context.Context, d time.Duration) error {
	wait := t.Remaining(d)
	if wait <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
