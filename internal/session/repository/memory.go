package repository

import (
	"context"
	"sync"
	"time"

	"remotecast/backend/internal/session/domain"
)

// MemoryRepository keeps sessions in process memory. A single mutex makes CreateExclusive atomic.
type MemoryRepository struct {
	mu       sync.Mutex
	sessions map[string]*domain.Session
}

// NewMemoryRepository returns an empty MemoryRepository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{sessions: make(map[string]*domain.Session)}
}

func clone(s *domain.Session) *domain.Session {
	c := *s
	c.Capabilities = append(s.Capabilities[:0:0], s.Capabilities...)
	return &c
}

func (r *MemoryRepository) CreateExclusive(_ context.Context, s *domain.Session, reason string, at time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.sessions {
		if existing.TokenHash == s.TokenHash || existing.RefreshTokenHash == s.RefreshTokenHash {
			return 0, ErrConflict
		}
	}
	var n int64
	for _, existing := range r.sessions {
		if existing.DeviceID == s.DeviceID && existing.IsActive {
			existing.Expire(at, reason)
			n++
		}
	}
	r.sessions[s.ID] = clone(s)
	return n, nil
}

func (r *MemoryRepository) find(match func(*domain.Session) bool) *domain.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sessions {
		if match(s) {
			return clone(s)
		}
	}
	return nil
}

func (r *MemoryRepository) GetByTokenHash(_ context.Context, hash string) (*domain.Session, error) {
	return r.find(func(s *domain.Session) bool { return s.TokenHash == hash }), nil
}

func (r *MemoryRepository) GetByRefreshHash(_ context.Context, hash string) (*domain.Session, error) {
	return r.find(func(s *domain.Session) bool { return s.RefreshTokenHash == hash }), nil
}

func (r *MemoryRepository) SwapTokens(_ context.Context, id, oldRefreshHash, newTokenHash, newRefreshHash string, expiresAt, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok || !s.IsActive || s.RefreshTokenHash != oldRefreshHash {
		return false, nil
	}
	for otherID, other := range r.sessions {
		if otherID != id && (other.TokenHash == newTokenHash || other.RefreshTokenHash == newRefreshHash) {
			return false, ErrConflict
		}
	}
	s.TokenHash = newTokenHash
	s.RefreshTokenHash = newRefreshHash
	s.ExpiresAt = expiresAt
	s.LastActivity = at
	return true, nil
}

func (r *MemoryRepository) Touch(_ context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok && s.IsActive && at.After(s.LastActivity) {
		s.LastActivity = at
	}
	return nil
}

func (r *MemoryRepository) IncrementCommands(_ context.Context, id string, at time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return 0, nil
	}
	s.CommandsExecuted++
	if at.After(s.LastActivity) {
		s.LastActivity = at
	}
	return s.CommandsExecuted, nil
}

func (r *MemoryRepository) Expire(_ context.Context, id, reason string, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok || !s.IsActive {
		return false, nil
	}
	s.Expire(at, reason)
	return true, nil
}

func (r *MemoryRepository) ExpireByDevice(_ context.Context, deviceID, reason string, at time.Time) (int64, error) {
	return r.expireWhere(at, reason, func(s *domain.Session) bool { return s.DeviceID == deviceID }), nil
}

func (r *MemoryRepository) ExpireStale(_ context.Context, now, staleBefore time.Time, reason string) (int64, error) {
	return r.expireWhere(now, reason, func(s *domain.Session) bool {
		return !now.Before(s.ExpiresAt) || !s.LastActivity.After(staleBefore)
	}), nil
}

func (r *MemoryRepository) expireWhere(at time.Time, reason string, match func(*domain.Session) bool) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, s := range r.sessions {
		if s.IsActive && match(s) {
			s.Expire(at, reason)
			n++
		}
	}
	return n
}

func (r *MemoryRepository) CountActive(_ context.Context, now time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.sessions {
		if s.IsActive && now.Before(s.ExpiresAt) {
			n++
		}
	}
	return n, nil
}
