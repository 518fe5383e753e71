package repository

import (
	"context"
	"time"

	"remotecast/backend/internal/device/domain"
)

// Repository defines persistence for paired mobile devices.
type Repository interface {
	// GetByID returns the device, or nil if not found.
	GetByID(ctx context.Context, id string) (*domain.Device, error)
	ListByUser(ctx context.Context, userID string) ([]*domain.Device, error)
	// Save inserts or fully replaces the device.
	Save(ctx context.Context, d *domain.Device) error
	SetOnline(ctx context.Context, id string, online bool, at time.Time) error
	UpdateTelemetry(ctx context.Context, id string, t domain.Telemetry) error
	// Unpair clears the paired and online flags; it reports false if the device does not exist.
	Unpair(ctx context.Context, id string, at time.Time) (bool, error)
	CountPaired(ctx context.Context) (int, error)
}
