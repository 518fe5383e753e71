package repository

import (
	"context"

	"remotecast/backend/internal/audit/domain"
)

// Repository defines persistence for audit logs.
type Repository interface {
	Create(ctx context.Context, a *domain.AuditLog) error
	// ListByUser returns the user's most recent entries, newest first.
	ListByUser(ctx context.Context, userID string, limit int) ([]*domain.AuditLog, error)
}
