// Package limiter implements the sliding-window rate limit applied to
// decorated handlers and the debounce helper used by the file observer.
package limiter

import (
	"sync"
	"time"

	"github.com/sockd/sockd/internal/errs"
)

// Window is a sliding-window rate limiter. The window is shared by every
// caller of the decorated target, not kept per client.
type Window struct {
	mu       sync.Mutex
	maxCalls int
	interval time.Duration
	times    []time.Time

	now func() time.Time
}

// NewWindow creates a limiter allowing maxCalls within any interval-sized
// window.
func NewWindow(maxCalls int, interval time.Duration) *Window {
	return &Window{
		maxCalls: maxCalls,
		interval: interval,
		now:      time.Now,
	}
}

// Allow records a call attempt. It prunes timestamps older than the window,
// then rejects when the recorded count exceeds the budget.
func (w *Window) Allow() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	cutoff := now.Add(-w.interval)

	kept := w.times[:0]
	for _, t := range w.times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	w.times = append(kept, now)

	if len(w.times) > w.maxCalls {
		return &errs.RateLimitError{MaxCalls: w.maxCalls, Interval: w.interval}
	}
	return nil
}

// Debouncer coalesces bursts of calls: each call cancels the pending timer
// and reschedules, so only the last call within a quiescent wait fires.
type Debouncer struct {
	mu    sync.Mutex
	wait  time.Duration
	timer *time.Timer
}

// NewDebouncer creates a debouncer with the given quiescent interval.
func NewDebouncer(wait time.Duration) *Debouncer {
	return &Debouncer{wait: wait}
}

// Call schedules fn to run after the wait, cancelling any pending run.
// The caller observes no return value from fn.
func (d *Debouncer) Call(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.wait, fn)
}

// Stop cancels any pending run.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}
