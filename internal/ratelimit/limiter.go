// Package ratelimit provides the keyed sliding-window limiters used for pairing issuance and
// public endpoints, and the connection-local window used by the command channel.
package ratelimit

import (
	"context"
	"time"
)

// Limiter counts attempts per key over a sliding window. Rejected attempts count too, so a
// caller hammering a key keeps growing Count, which callers use for abuse thresholds.
type Limiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) Decision
	Close() error
}

// Decision is the outcome of one attempt.
type Decision struct {
	Allowed bool
	// Count is the number of attempts in the window, including this one.
	Count int
	// ResetAt is when the oldest attempt in the window leaves it.
	ResetAt time.Time
}

// RetryAfter returns how long until another attempt may succeed.
func (d Decision) RetryAfter(now time.Time) time.Duration {
	if d.Allowed || d.ResetAt.Before(now) {
		return 0
	}
	return d.ResetAt.Sub(now)
}
