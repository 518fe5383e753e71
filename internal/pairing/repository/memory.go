package repository

import (
	"context"
	"sync"
	"time"

	"remotecast/backend/internal/pairing/domain"
)

// MemoryRepository keeps pairing tokens in process memory. Used when DATABASE_URL is empty and in tests.
type MemoryRepository struct {
	mu     sync.Mutex
	tokens map[string]*domain.PairingToken
}

// NewMemoryRepository returns an empty MemoryRepository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{tokens: make(map[string]*domain.PairingToken)}
}

func clone(t *domain.PairingToken) *domain.PairingToken {
	c := *t
	c.DeviceInfo.Capabilities = append(c.DeviceInfo.Capabilities[:0:0], t.DeviceInfo.Capabilities...)
	return &c
}

func (r *MemoryRepository) Create(_ context.Context, t *domain.PairingToken) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.tokens {
		if existing.Code == t.Code && !existing.IsUsed && existing.ExpiredAt == nil {
			return ErrConflict
		}
	}
	r.tokens[t.ID] = clone(t)
	return nil
}

func (r *MemoryRepository) GetByCode(_ context.Context, code string) (*domain.PairingToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var latest *domain.PairingToken
	for _, t := range r.tokens {
		if t.Code != code {
			continue
		}
		if latest == nil || t.CreatedAt.After(latest.CreatedAt) {
			latest = t
		}
	}
	if latest == nil {
		return nil, nil
	}
	return clone(latest), nil
}

func (r *MemoryRepository) MarkUsed(_ context.Context, id string, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tokens[id]
	if !ok || t.IsUsed || t.IsExpired(at) {
		return false, nil
	}
	t.IsUsed = true
	t.UsedAt = &at
	return true, nil
}

func (r *MemoryRepository) ExpireForUser(_ context.Context, userID string, now time.Time) (int64, error) {
	return r.expire(now, func(t *domain.PairingToken) bool { return t.UserID == userID }), nil
}

func (r *MemoryRepository) ExpireAll(_ context.Context, now time.Time) (int64, error) {
	return r.expire(now, func(*domain.PairingToken) bool { return true }), nil
}

func (r *MemoryRepository) expire(now time.Time, match func(*domain.PairingToken) bool) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, t := range r.tokens {
		if match(t) && !t.IsUsed && t.ExpiredAt == nil && !now.Before(t.ExpiresAt) {
			at := now
			t.ExpiredAt = &at
			n++
		}
	}
	return n
}

func (r *MemoryRepository) DeleteExpiredBefore(_ context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, t := range r.tokens {
		if t.ExpiresAt.Before(cutoff) {
			delete(r.tokens, id)
			n++
		}
	}
	return n, nil
}
