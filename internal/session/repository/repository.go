package repository

import (
	"context"
	"errors"
	"time"

	"remotecast/backend/internal/session/domain"
)

// ErrConflict is returned when a write collides with a concurrent one (duplicate token hash or a
// second active session for the device).
var ErrConflict = errors.New("session: conflicting write")

// Repository defines persistence for remote sessions. Every read goes to the primary store so an
// expiry is visible to the next lookup.
type Repository interface {
	// CreateExclusive expires every active session of s.DeviceID with reason and inserts s in one
	// transaction. It returns how many sessions were expired.
	CreateExclusive(ctx context.Context, s *domain.Session, reason string, at time.Time) (int64, error)
	// GetByTokenHash and GetByRefreshHash return nil if not found.
	GetByTokenHash(ctx context.Context, hash string) (*domain.Session, error)
	GetByRefreshHash(ctx context.Context, hash string) (*domain.Session, error)
	// SwapTokens replaces both hashes and the deadline when the session is still active and its
	// refresh hash still equals oldRefreshHash. It reports whether the swap happened.
	SwapTokens(ctx context.Context, id, oldRefreshHash, newTokenHash, newRefreshHash string, expiresAt, at time.Time) (bool, error)
	// Touch moves lastActivity forward to at.
	Touch(ctx context.Context, id string, at time.Time) error
	// IncrementCommands atomically adds one to commandsExecuted and touches the session.
	IncrementCommands(ctx context.Context, id string, at time.Time) (int64, error)
	// Expire deactivates one active session; false if it was already inactive or missing.
	Expire(ctx context.Context, id, reason string, at time.Time) (bool, error)
	ExpireByDevice(ctx context.Context, deviceID, reason string, at time.Time) (int64, error)
	// ExpireStale deactivates active sessions past their deadline or idle since before staleBefore.
	ExpireStale(ctx context.Context, now, staleBefore time.Time, reason string) (int64, error)
	CountActive(ctx context.Context, now time.Time) (int, error)
}
