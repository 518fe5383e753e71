package ratelimit

import (
	"context"
	"sync"
	"time"
)

const (
	sweepInterval = time.Minute
	// DefaultMaxEntries bounds the attempts remembered per key.
	DefaultMaxEntries = 256
)

// Memory is a per-process sliding-log limiter. State is lost on restart.
type Memory struct {
	mu         sync.Mutex
	entries    map[string]*slidingLog
	maxEntries int
	nowF       func() time.Time
	stopCh     chan struct{}
	once       sync.Once
}

type slidingLog struct {
	hits   []time.Time
	window time.Duration
}

// NewMemory returns a Memory limiter and starts its sweep loop; call Close to stop it.
// maxEntries <= 0 uses DefaultMaxEntries.
func NewMemory(maxEntries int) *Memory {
	m := newMemory(maxEntries, time.Now)
	go m.sweepLoop()
	return m
}

func newMemory(maxEntries int, nowF func() time.Time) *Memory {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &Memory{
		entries:    make(map[string]*slidingLog),
		maxEntries: maxEntries,
		nowF:       nowF,
		stopCh:     make(chan struct{}),
	}
}

// Allow records an attempt for key and reports whether it is within limit.
func (m *Memory) Allow(_ context.Context, key string, limit int, window time.Duration) Decision {
	if limit <= 0 {
		return Decision{Allowed: true}
	}
	if window <= 0 {
		window = time.Minute
	}
	now := m.nowF()

	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.entries[key]
	if !ok {
		l = &slidingLog{}
		m.entries[key] = l
	}
	l.window = window
	l.prune(now)
	l.hits = append(l.hits, now)
	if over := len(l.hits) - m.maxEntries; over > 0 {
		l.hits = l.hits[over:]
	}
	return Decision{
		Allowed: len(l.hits) <= limit,
		Count:   len(l.hits),
		ResetAt: l.hits[0].Add(window),
	}
}

func (l *slidingLog) prune(now time.Time) {
	cutoff := now.Add(-l.window)
	i := 0
	for i < len(l.hits) && !l.hits[i].After(cutoff) {
		i++
	}
	l.hits = l.hits[i:]
}

func (m *Memory) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.sweep()
		case <-m.stopCh:
			return
		}
	}
}

func (m *Memory) sweep() {
	now := m.nowF()
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, l := range m.entries {
		l.prune(now)
		if len(l.hits) == 0 {
			delete(m.entries, key)
		}
	}
}

// Len returns the number of tracked keys.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Close stops the sweep loop.
func (m *Memory) Close() error {
	m.once.Do(func() { close(m.stopCh) })
	return nil
}
