package ratelimit

import "time"

// Window is a fixed window counter owned by a single connection. It is not safe for
// concurrent use; the command channel only touches it from its read loop.
type Window struct {
	limit  int
	period time.Duration
	start  time.Time
	count  int
}

// NewWindow returns a Window allowing limit actions per period.
func NewWindow(limit int, period time.Duration) *Window {
	return &Window{limit: limit, period: period}
}

// Allow counts one action at now. The counter resets once period has elapsed since the window opened.
func (w *Window) Allow(now time.Time) bool {
	if w.start.IsZero() || now.Sub(w.start) >= w.period {
		w.start = now
		w.count = 0
	}
	if w.count >= w.limit {
		return false
	}
	w.count++
	return true
}

// Reset clears the window.
func (w *Window) Reset() {
	w.start = time.Time{}
	w.count = 0
}

// RetryAfter returns the time left in the current window.
func (w *Window) RetryAfter(now time.Time) time.Duration {
	if w.start.IsZero() {
		return 0
	}
	if d := w.start.Add(w.period).Sub(now); d > 0 {
		return d
	}
	return 0
}
