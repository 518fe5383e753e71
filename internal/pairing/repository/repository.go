package repository

import (
	"context"
	"errors"
	"time"

	"remotecast/backend/internal/pairing/domain"
)

// ErrConflict is returned by Create when another redeemable token already holds the code.
var ErrConflict = errors.New("pairing: code already in use")

// Repository defines persistence for pairing tokens.
type Repository interface {
	// Create inserts t. Returns ErrConflict on a live code collision.
	Create(ctx context.Context, t *domain.PairingToken) error
	// GetByCode returns the most recent token for the normalized code, or nil if none exists.
	GetByCode(ctx context.Context, code string) (*domain.PairingToken, error)
	// MarkUsed atomically flips IsUsed for a token that is unused, unexpired and not retired.
	// It reports false when another redemption won or the token is no longer redeemable.
	MarkUsed(ctx context.Context, id string, at time.Time) (bool, error)
	// ExpireForUser retires the user's unused tokens past their deadline.
	ExpireForUser(ctx context.Context, userID string, now time.Time) (int64, error)
	// ExpireAll retires every unused token past its deadline.
	ExpireAll(ctx context.Context, now time.Time) (int64, error)
	// DeleteExpiredBefore removes tokens whose deadline is before cutoff.
	DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
