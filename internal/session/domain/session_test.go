package domain

import (
	"testing"
	"time"
)

func TestSession_Validity(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	window := 30 * time.Minute
	s := &Session{IsActive: true, ExpiresAt: now.Add(time.Hour), LastActivity: now}

	if !s.IsValid(now, window) {
		t.Fatal("fresh session should be valid")
	}
	if !s.IsStale(now.Add(window), window) {
		t.Error("session idle for exactly the window should be stale")
	}
	if s.IsExpired(now.Add(45 * time.Minute)) {
		t.Error("session should not be hard-expired before ExpiresAt")
	}
	if !s.ShouldExpire(now.Add(45*time.Minute), window) {
		t.Error("stale session should expire before its deadline")
	}

	s.UpdateActivity(now.Add(45 * time.Minute))
	if !s.IsValid(now.Add(50*time.Minute), window) {
		t.Error("activity should keep the session valid")
	}
	if s.IsValid(now.Add(time.Hour), window) {
		t.Error("session must be invalid at ExpiresAt")
	}
}

func TestSession_ExpireIsTerminal(t *testing.T) {
	now := time.Now()
	s := &Session{IsActive: true, ExpiresAt: now.Add(time.Hour), LastActivity: now}
	s.Expire(now, ReasonNewSession)
	s.Expire(now.Add(time.Minute), ReasonCleanupExpired)
	if s.IsActive || s.ExpireReason != ReasonNewSession || s.ExpiredAt == nil || !s.ExpiredAt.Equal(now) {
		t.Errorf("session after double expire = %+v", s)
	}
	if s.IsValid(now, time.Hour) {
		t.Error("expired session must be invalid")
	}
}
