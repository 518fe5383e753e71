// Package domain models a remote session: a time-boxed grant of device access.
package domain

import (
	"time"

	devicedomain "remotecast/backend/internal/device/domain"
)

// Expiry reasons recorded on sessions.
const (
	ReasonNewSession     = "New session created"
	ReasonExpired        = "Session has expired"
	ReasonCleanupExpired = "Cleanup - expired"
	ReasonRevoked        = "Revoked by user"
	ReasonDeviceUnpaired = "Device unpaired"
)

// Session is one remote session. Raw tokens are never stored; only their SHA-256 hashes.
type Session struct {
	ID               string
	TokenHash        string
	RefreshTokenHash string
	DeviceID         string
	UserID           string
	Capabilities     []devicedomain.Capability
	IsActive         bool
	TTL              time.Duration
	ExpiresAt        time.Time
	LastActivity     time.Time
	CommandsExecuted int64
	ExpiredAt        *time.Time
	ExpireReason     string
	CreatedAt        time.Time
}

// IsExpired reports whether the hard deadline has passed.
func (s *Session) IsExpired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// IsStale reports whether the session has been idle for at least window.
func (s *Session) IsStale(now time.Time, window time.Duration) bool {
	return now.Sub(s.LastActivity) >= window
}

// ShouldExpire reports whether an active session must be expired at now.
func (s *Session) ShouldExpire(now time.Time, window time.Duration) bool {
	return s.IsExpired(now) || s.IsStale(now, window)
}

// IsValid reports isActive ∧ now < expiresAt ∧ idle < window.
func (s *Session) IsValid(now time.Time, window time.Duration) bool {
	return s.IsActive && !s.ShouldExpire(now, window)
}

// UpdateActivity records activity at now.
func (s *Session) UpdateActivity(now time.Time) {
	s.LastActivity = now
}

// Expire deactivates the session. It is terminal; a second call keeps the first reason.
func (s *Session) Expire(now time.Time, reason string) {
	if !s.IsActive {
		return
	}
	s.IsActive = false
	s.ExpiredAt = &now
	s.ExpireReason = reason
}

// HasCapability reports whether the session grants c.
func (s *Session) HasCapability(c devicedomain.Capability) bool {
	return devicedomain.HasCapability(s.Capabilities, c)
}
