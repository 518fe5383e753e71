package gateway

import (
	"sync"
	"time"
)

// attemptTracker counts failed connection attempts per credential key over a rolling window.
// Entries decay after a quiet period and the map is bounded; it is not durable across restarts.
type attemptTracker struct {
	mu        sync.Mutex
	entries   map[string]*attempts
	threshold int
	window    time.Duration
	decay     time.Duration
	max       int
}

type attempts struct {
	failures []time.Time
	last     time.Time
}

func newAttemptTracker(threshold int, window, decay time.Duration, maxKeys int) *attemptTracker {
	return &attemptTracker{
		entries:   make(map[string]*attempts),
		threshold: threshold,
		window:    window,
		decay:     decay,
		max:       maxKeys,
	}
}

// prune drops failures outside the window and reports whether the entry is still live.
func (t *attemptTracker) prune(a *attempts, now time.Time) bool {
	if now.Sub(a.last) >= t.decay {
		a.failures = a.failures[:0]
		return false
	}
	cutoff := now.Add(-t.window)
	i := 0
	for i < len(a.failures) && !a.failures[i].After(cutoff) {
		i++
	}
	a.failures = a.failures[i:]
	return len(a.failures) > 0
}

// suspicious reports whether key has reached the failure threshold within the window.
func (t *attemptTracker) suspicious(key string, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	a, ok := t.entries[key]
	if !ok {
		return false
	}
	if !t.prune(a, now) {
		delete(t.entries, key)
		return false
	}
	return len(a.failures) >= t.threshold
}

// fail records one failure and returns the failures in the window and whether this one crossed
// the threshold.
func (t *attemptTracker) fail(key string, now time.Time) (count int, crossed bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	a, ok := t.entries[key]
	if !ok {
		if len(t.entries) >= t.max {
			t.evictOldest()
		}
		a = &attempts{}
		t.entries[key] = a
	} else {
		t.prune(a, now)
	}
	a.failures = append(a.failures, now)
	a.last = now
	return len(a.failures), len(a.failures) == t.threshold
}

func (t *attemptTracker) evictOldest() {
	var (
		oldestKey string
		oldest    time.Time
	)
	for k, a := range t.entries {
		if oldestKey == "" || a.last.Before(oldest) {
			oldestKey, oldest = k, a.last
		}
	}
	delete(t.entries, oldestKey)
}

func (t *attemptTracker) reset(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, key)
}

// sweep removes decayed entries.
func (t *attemptTracker) sweep(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	removed := 0
	for k, a := range t.entries {
		if !t.prune(a, now) {
			delete(t.entries, k)
			removed++
		}
	}
	return removed
}

// stats returns the failures inside the window and how many keys are over the threshold.
func (t *attemptTracker) stats(now time.Time) (failed, suspicious int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, a := range t.entries {
		if !t.prune(a, now) {
			continue
		}
		failed += len(a.failures)
		if len(a.failures) >= t.threshold {
			suspicious++
		}
	}
	return failed, suspicious
}

func (t *attemptTracker) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
