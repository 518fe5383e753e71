package repository

import (
	"context"
	"sync"

	"remotecast/backend/internal/audit/domain"
)

// MemoryRepository keeps the most recent audit entries in a bounded in-process buffer.
type MemoryRepository struct {
	mu      sync.Mutex
	max     int
	entries []*domain.AuditLog
}

// NewMemoryRepository keeps at most maxEntries entries (10000 if <= 0), dropping the oldest.
func NewMemoryRepository(maxEntries int) *MemoryRepository {
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	return &MemoryRepository{max: maxEntries}
}

func (r *MemoryRepository) Create(_ context.Context, a *domain.AuditLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := *a
	r.entries = append(r.entries, &c)
	if over := len(r.entries) - r.max; over > 0 {
		r.entries = append(r.entries[:0:0], r.entries[over:]...)
	}
	return nil
}

func (r *MemoryRepository) ListByUser(_ context.Context, userID string, limit int) ([]*domain.AuditLog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.AuditLog
	for i := len(r.entries) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if e := r.entries[i]; e.UserID == userID {
			c := *e
			out = append(out, &c)
		}
	}
	return out, nil
}
