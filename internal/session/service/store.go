// Package service implements the session store: creation, refresh, rotation, validation and
// revocation of remote sessions on top of a session repository.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"remotecast/backend/internal/apperror"
	"remotecast/backend/internal/audit"
	auditdomain "remotecast/backend/internal/audit/domain"
	"remotecast/backend/internal/db"
	devicedomain "remotecast/backend/internal/device/domain"
	"remotecast/backend/internal/security"
	"remotecast/backend/internal/session/domain"
	"remotecast/backend/internal/session/repository"
	"remotecast/backend/internal/telemetry"
)

const (
	DefaultTTL         = 60 * time.Minute
	DefaultStaleWindow = 30 * time.Minute
	maxCreateConflicts = 3
)

// Client-facing validation messages.
const (
	MsgInvalidFormat   = "Invalid session token format"
	MsgNotFound        = "Session not found"
	MsgNoLongerActive  = "Session is no longer active"
	MsgExpired         = "Session has expired"
	MsgInvalidRefresh  = "Invalid refresh token"
	MsgRefreshReplayed = "Refresh token has already been used"
)

// DeviceReader looks up a device for capability checks.
type DeviceReader interface {
	GetByID(ctx context.Context, id string) (*devicedomain.Device, error)
}

// TokenSource mints session and refresh tokens.
type TokenSource interface {
	SessionToken() (string, error)
	RefreshToken() (string, error)
}

// Config holds session lifetimes. Zero values fall back to the defaults.
type Config struct {
	TTL         time.Duration
	StaleWindow time.Duration
}

// Issued is a session together with its raw tokens. Raw tokens exist only here, never in storage.
type Issued struct {
	Session      *domain.Session
	Token        string
	RefreshToken string
}

// Validation is the result of Validate. Err carries the typed reason when Valid is false.
type Validation struct {
	Valid   bool
	Session *domain.Session
	Error   string
	// Reason is the stored expiry reason of an inactive session (e.g. "New session created").
	Reason string
	Err    error
}

// Store manages remote sessions.
type Store struct {
	repo    repository.Repository
	devices DeviceReader
	tokens  TokenSource
	cfg     Config
	audit   audit.AuditLogger
	emitter telemetry.EventEmitter
	logger  *zap.Logger
	nowF    func() time.Time
}

// NewStore returns a session Store. auditLogger, emitter and logger may be nil.
func NewStore(repo repository.Repository, devices DeviceReader, tokens TokenSource, cfg Config,
	auditLogger audit.AuditLogger, emitter telemetry.EventEmitter, logger *zap.Logger) *Store {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.StaleWindow <= 0 {
		cfg.StaleWindow = DefaultStaleWindow
	}
	if auditLogger == nil {
		auditLogger = audit.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		repo:    repo,
		devices: devices,
		tokens:  tokens,
		cfg:     cfg,
		audit:   auditLogger,
		emitter: emitter,
		logger:  logger,
		nowF:    time.Now,
	}
}

// StaleWindow returns the configured inactivity window.
func (s *Store) StaleWindow() time.Duration { return s.cfg.StaleWindow }

func (s *Store) now() time.Time { return s.nowF().UTC() }

// Create starts a session for a paired device, expiring every prior active session of that device
// in the same transaction. caps must be a non-empty subset of the device's capabilities.
// ttl <= 0 uses the configured TTL.
func (s *Store) Create(ctx context.Context, deviceID, userID string, caps []devicedomain.Capability, ttl time.Duration) (*Issued, error) {
	if len(caps) == 0 {
		return nil, apperror.Validation("At least one capability is required")
	}
	if ttl <= 0 {
		ttl = s.cfg.TTL
	}
	dev, err := retry(ctx, func() (*devicedomain.Device, error) { return s.devices.GetByID(ctx, deviceID) })
	if err != nil {
		return nil, err
	}
	if dev == nil || !dev.IsPaired {
		return nil, apperror.Validation("Device is not paired")
	}
	if dev.UserID != userID {
		return nil, apperror.DeviceMismatch(fmt.Errorf("device %s belongs to another user", deviceID))
	}
	if !devicedomain.IsSubset(caps, dev.Capabilities) {
		return nil, apperror.Validation("Requested capabilities exceed the device's capabilities")
	}

	var lastErr error
	for attempt := 0; attempt < maxCreateConflicts; attempt++ {
		issued, err := s.mint(deviceID, userID, caps, ttl)
		if err != nil {
			return nil, apperror.Internal(err)
		}
		var expired int64
		expired, err = db.Retry(ctx, 0, isPermanent, func() (int64, error) {
			return s.repo.CreateExclusive(ctx, issued.Session, domain.ReasonNewSession, issued.Session.CreatedAt)
		})
		if errors.Is(err, repository.ErrConflict) {
			lastErr = err
			continue
		}
		if err != nil {
			return nil, persistenceError(err)
		}
		s.logger.Info("session created",
			zap.String("session_id", issued.Session.ID),
			zap.String("device_id", deviceID),
			zap.String("user_id", userID),
			zap.Int64("replaced", expired))
		s.audit.LogEvent(ctx, userID, deviceID, auditdomain.ActionSessionCreated, auditdomain.ResourceSession,
			map[string]any{"session_id": issued.Session.ID, "replaced": expired, "capabilities": caps})
		s.emit(issued.Session, telemetry.EventSessionCreated, nil)
		return issued, nil
	}
	return nil, apperror.Conflict(lastErr)
}

func (s *Store) mint(deviceID, userID string, caps []devicedomain.Capability, ttl time.Duration) (*Issued, error) {
	tok, err := s.tokens.SessionToken()
	if err != nil {
		return nil, err
	}
	ref, err := s.tokens.RefreshToken()
	if err != nil {
		return nil, err
	}
	now := s.now()
	return &Issued{
		Session: &domain.Session{
			ID:               uuid.New().String(),
			TokenHash:        security.HashToken(tok),
			RefreshTokenHash: security.HashToken(ref),
			DeviceID:         deviceID,
			UserID:           userID,
			Capabilities:     append([]devicedomain.Capability(nil), caps...),
			IsActive:         true,
			TTL:              ttl,
			ExpiresAt:        now.Add(ttl),
			LastActivity:     now,
			CreatedAt:        now,
		},
		Token:        tok,
		RefreshToken: ref,
	}, nil
}

// Refresh issues a new session token and extends the deadline; the refresh token stays the same.
func (s *Store) Refresh(ctx context.Context, refreshToken string) (*Issued, error) {
	return s.swap(ctx, refreshToken, "", false)
}

// RefreshForDevice is Refresh for a caller already bound to deviceID. A refresh token of another
// device is rejected with DeviceMismatch and that device's session is left untouched.
func (s *Store) RefreshForDevice(ctx context.Context, deviceID, refreshToken string) (*Issued, error) {
	if deviceID == "" {
		return nil, apperror.Validation("Device ID is required")
	}
	return s.swap(ctx, refreshToken, deviceID, false)
}

// Rotate replaces both tokens. The old pair stops working immediately.
func (s *Store) Rotate(ctx context.Context, refreshToken string) (*Issued, error) {
	return s.swap(ctx, refreshToken, "", true)
}

// swap exchanges refreshToken for new credentials. A non-empty deviceID must own the session.
func (s *Store) swap(ctx context.Context, refreshToken, deviceID string, rotate bool) (*Issued, error) {
	if !security.ValidateRefreshTokenFormat(refreshToken) {
		return nil, apperror.Validation(MsgInvalidRefresh)
	}
	oldHash := security.HashToken(refreshToken)
	sess, err := retry(ctx, func() (*domain.Session, error) { return s.repo.GetByRefreshHash(ctx, oldHash) })
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, apperror.Validation(MsgInvalidRefresh)
	}
	if deviceID != "" && sess.DeviceID != deviceID {
		s.logger.Warn("session: refresh token presented by another device",
			zap.String("session_id", sess.ID), zap.String("device_id", deviceID))
		return nil, apperror.DeviceMismatch(fmt.Errorf("refresh token of session %s belongs to device %s", sess.ID, sess.DeviceID))
	}
	if !sess.IsActive {
		return nil, apperror.Expired(MsgNoLongerActive)
	}
	now := s.now()
	if sess.ShouldExpire(now, s.cfg.StaleWindow) {
		return nil, s.expireOnUse(ctx, sess, now)
	}

	tok, err := s.tokens.SessionToken()
	if err != nil {
		return nil, apperror.Internal(err)
	}
	newRefresh := refreshToken
	if rotate {
		if newRefresh, err = s.tokens.RefreshToken(); err != nil {
			return nil, apperror.Internal(err)
		}
	}
	ttl := sess.TTL
	if ttl <= 0 {
		ttl = s.cfg.TTL
	}
	expiresAt := now.Add(ttl)
	ok, err := retry(ctx, func() (bool, error) {
		return s.repo.SwapTokens(ctx, sess.ID, oldHash, security.HashToken(tok), security.HashToken(newRefresh), expiresAt, now)
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		// Another rotation won, or the session was expired in between.
		return nil, apperror.AlreadyUsed(MsgRefreshReplayed)
	}

	sess.TokenHash = security.HashToken(tok)
	sess.RefreshTokenHash = security.HashToken(newRefresh)
	sess.ExpiresAt = expiresAt
	sess.LastActivity = now
	action := auditdomain.ActionSessionRefreshed
	if rotate {
		action = auditdomain.ActionSessionRotated
	}
	s.audit.LogEvent(ctx, sess.UserID, sess.DeviceID, action, auditdomain.ResourceSession,
		map[string]any{"session_id": sess.ID})
	return &Issued{Session: sess, Token: tok, RefreshToken: newRefresh}, nil
}

// Validate checks a session token: format, existence, activity, deadline and staleness. A valid
// session has its lastActivity moved to now. The error return is reserved for infrastructure failures.
func (s *Store) Validate(ctx context.Context, token string) (*Validation, error) {
	if !security.ValidateSessionTokenFormat(token) {
		return invalid(apperror.Validation(MsgInvalidFormat), ""), nil
	}
	sess, err := retry(ctx, func() (*domain.Session, error) { return s.repo.GetByTokenHash(ctx, security.HashToken(token)) })
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return invalid(apperror.Validation(MsgNotFound), ""), nil
	}
	if !sess.IsActive {
		v := invalid(apperror.Expired(MsgNoLongerActive), sess.ExpireReason)
		v.Session = sess
		return v, nil
	}
	now := s.now()
	if sess.ShouldExpire(now, s.cfg.StaleWindow) {
		v := invalid(s.expireOnUse(ctx, sess, now), domain.ReasonExpired)
		v.Session = sess
		return v, nil
	}
	if err := s.repo.Touch(ctx, sess.ID, now); err != nil {
		s.logger.Warn("session: touch failed", zap.String("session_id", sess.ID), zap.Error(err))
	}
	sess.UpdateActivity(now)
	return &Validation{Valid: true, Session: sess}, nil
}

func invalid(err *apperror.Error, reason string) *Validation {
	return &Validation{Error: err.Message, Reason: reason, Err: err}
}

// expireOnUse expires a session found past its deadline or idle window and returns the typed error.
func (s *Store) expireOnUse(ctx context.Context, sess *domain.Session, now time.Time) *apperror.Error {
	stale := !sess.IsExpired(now)
	if _, err := s.repo.Expire(ctx, sess.ID, domain.ReasonExpired, now); err != nil {
		s.logger.Warn("session: expire failed", zap.String("session_id", sess.ID), zap.Error(err))
	}
	sess.Expire(now, domain.ReasonExpired)
	s.emit(sess, telemetry.EventSessionExpired, map[string]any{"stale": stale})
	if stale {
		return apperror.SessionStale(MsgExpired)
	}
	return apperror.Expired(MsgExpired)
}

// Revoke expires the session behind token with reason. It is idempotent: revoking an already
// inactive session reports true without changing its stored reason. Unknown tokens report false.
func (s *Store) Revoke(ctx context.Context, token, reason string) (bool, error) {
	if !security.ValidateSessionTokenFormat(token) {
		return false, nil
	}
	sess, err := retry(ctx, func() (*domain.Session, error) { return s.repo.GetByTokenHash(ctx, security.HashToken(token)) })
	if err != nil || sess == nil {
		return false, err
	}
	if reason == "" {
		reason = domain.ReasonRevoked
	}
	changed, err := retry(ctx, func() (bool, error) { return s.repo.Expire(ctx, sess.ID, reason, s.now()) })
	if err != nil {
		return false, err
	}
	if changed {
		s.audit.LogEvent(ctx, sess.UserID, sess.DeviceID, auditdomain.ActionSessionRevoked, auditdomain.ResourceSession,
			map[string]any{"session_id": sess.ID, "reason": reason})
	}
	return true, nil
}

// RevokeDevice expires every active session of a device.
func (s *Store) RevokeDevice(ctx context.Context, deviceID, reason string) (int64, error) {
	return retry(ctx, func() (int64, error) { return s.repo.ExpireByDevice(ctx, deviceID, reason, s.now()) })
}

// RecordCommand counts one executed command and refreshes lastActivity.
func (s *Store) RecordCommand(ctx context.Context, sessionID string) (int64, error) {
	return retry(ctx, func() (int64, error) { return s.repo.IncrementCommands(ctx, sessionID, s.now()) })
}

// ExpireStale expires active sessions past their deadline or idle window.
func (s *Store) ExpireStale(ctx context.Context) (int64, error) {
	now := s.now()
	return retry(ctx, func() (int64, error) {
		return s.repo.ExpireStale(ctx, now, now.Add(-s.cfg.StaleWindow), domain.ReasonCleanupExpired)
	})
}

// ActiveCount returns the number of active, unexpired sessions.
func (s *Store) ActiveCount(ctx context.Context) (int, error) {
	return retry(ctx, func() (int, error) { return s.repo.CountActive(ctx, s.now()) })
}

func (s *Store) emit(sess *domain.Session, eventType string, meta map[string]any) {
	if s.emitter == nil {
		return
	}
	var raw []byte
	if meta != nil {
		raw, _ = json.Marshal(meta)
	}
	telemetry.EmitAsync(s.emitter, s.logger, &telemetry.Event{
		UserID:    sess.UserID,
		DeviceID:  sess.DeviceID,
		SessionID: sess.ID,
		EventType: eventType,
		Source:    "session_store",
		Metadata:  raw,
	})
}

func isPermanent(err error) bool {
	return errors.Is(err, repository.ErrConflict)
}

// retry runs a repository call with bounded backoff and maps exhaustion to a typed error.
func retry[T any](ctx context.Context, op func() (T, error)) (T, error) {
	v, err := db.Retry(ctx, 0, isPermanent, op)
	if err != nil {
		return v, persistenceError(err)
	}
	return v, nil
}

func persistenceError(err error) error {
	if errors.Is(err, repository.ErrConflict) {
		return apperror.Conflict(err)
	}
	return apperror.Unavailable(err)
}
