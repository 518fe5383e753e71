package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"remotecast/backend/internal/device/domain"
)

// MemoryRepository keeps devices in process memory. Used when DATABASE_URL is empty and in tests.
type MemoryRepository struct {
	mu      sync.RWMutex
	devices map[string]*domain.Device
}

// NewMemoryRepository returns an empty MemoryRepository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{devices: make(map[string]*domain.Device)}
}

func clone(d *domain.Device) *domain.Device {
	c := *d
	c.Capabilities = append(d.Capabilities[:0:0], d.Capabilities...)
	return &c
}

func (r *MemoryRepository) GetByID(_ context.Context, id string) (*domain.Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[id]
	if !ok {
		return nil, nil
	}
	return clone(d), nil
}

func (r *MemoryRepository) ListByUser(_ context.Context, userID string) ([]*domain.Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*domain.Device
	for _, d := range r.devices {
		if d.UserID == userID {
			out = append(out, clone(d))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *MemoryRepository) Save(_ context.Context, d *domain.Device) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices[d.ID] = clone(d)
	return nil
}

func (r *MemoryRepository) SetOnline(_ context.Context, id string, online bool, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.devices[id]; ok {
		d.IsOnline = online && d.IsPaired
		d.LastSeenAt = &at
	}
	return nil
}

func (r *MemoryRepository) UpdateTelemetry(_ context.Context, id string, t domain.Telemetry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.devices[id]; ok {
		d.Apply(t)
	}
	return nil
}

func (r *MemoryRepository) Unpair(_ context.Context, id string, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[id]
	if !ok {
		return false, nil
	}
	d.Unpair(at)
	return true, nil
}

func (r *MemoryRepository) CountPaired(_ context.Context) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, d := range r.devices {
		if d.IsPaired {
			n++
		}
	}
	return n, nil
}
