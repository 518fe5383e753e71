// Package service implements the pairing coordinator: issuing and redeeming pairing codes,
// completing a pairing into a device record plus a session, and the cleanup sweep.
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
	devicerepo "remotecast/backend/internal/device/repository"
	"remotecast/backend/internal/pairing/codec"
	"remotecast/backend/internal/pairing/domain"
	"remotecast/backend/internal/pairing/repository"
	"remotecast/backend/internal/ratelimit"
	"remotecast/backend/internal/security"
	sessiondomain "remotecast/backend/internal/session/domain"
	sessionservice "remotecast/backend/internal/session/service"
	"remotecast/backend/internal/telemetry"
	"remotecast/backend/internal/validation"
)

const (
	DefaultCodeTTL             = 5 * time.Minute
	DefaultRateLimit           = 5
	DefaultRateWindow          = 5 * time.Minute
	DefaultSuspiciousThreshold = 10
	// GarbageAfter is how long past its deadline a pairing token is kept before deletion.
	GarbageAfter = 24 * time.Hour

	maxCodeConflicts = 3
	maxCodeInput     = 16
)

// Client-facing redemption messages.
const (
	MsgInvalidCode  = "Invalid pairing code"
	MsgExpiredCode  = "Pairing code has expired"
	MsgUsedCode     = "Pairing code has already been used"
	MsgRateLimited  = "Too many pairing attempts. Please try again later."
	MsgUnknownOwner = "Device not found"
)

// CodeGenerator mints pairing codes and the opaque pairing credential bound to each code.
type CodeGenerator interface {
	PairingCode(length int) (string, error)
	PairingToken() (string, error)
}

// Sessions is the part of the session store the coordinator drives.
type Sessions interface {
	Create(ctx context.Context, deviceID, userID string, caps []devicedomain.Capability, ttl time.Duration) (*sessionservice.Issued, error)
	RevokeDevice(ctx context.Context, deviceID, reason string) (int64, error)
	ExpireStale(ctx context.Context) (int64, error)
}

// FingerprintHasher hashes a client-supplied device fingerprint for storage.
type FingerprintHasher interface {
	Hash(secret []byte) (string, error)
}

// Config holds pairing limits. Zero values fall back to the defaults.
type Config struct {
	AppName             string
	AppVersion          string
	CodeTTL             time.Duration
	RateLimit           int
	RateWindow          time.Duration
	SuspiciousThreshold int
	// SessionTTL is passed to the session store on completion; zero uses the store's TTL.
	SessionTTL time.Duration
}

// Deps are the coordinator's collaborators. Audit, Emitter, Hasher and Logger may be nil.
type Deps struct {
	Tokens    repository.Repository
	Devices   devicerepo.Repository
	Sessions  Sessions
	Limiter   ratelimit.Limiter
	Generator CodeGenerator
	Codec     *codec.Codec
	Hasher    FingerprintHasher
	Audit     audit.AuditLogger
	Emitter   telemetry.EventEmitter
	Logger    *zap.Logger
}

// Coordinator runs the pairing flow.
type Coordinator struct {
	Deps
	cfg  Config
	nowF func() time.Time
}

// NewCoordinator returns a Coordinator.
func NewCoordinator(deps Deps, cfg Config) *Coordinator {
	if cfg.CodeTTL <= 0 {
		cfg.CodeTTL = DefaultCodeTTL
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = DefaultRateLimit
	}
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = DefaultRateWindow
	}
	if cfg.SuspiciousThreshold < cfg.RateLimit {
		cfg.SuspiciousThreshold = max(DefaultSuspiciousThreshold, cfg.RateLimit)
	}
	if deps.Audit == nil {
		deps.Audit = audit.Nop{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Coordinator{Deps: deps, cfg: cfg, nowF: time.Now}
}

func (c *Coordinator) now() time.Time { return c.nowF().UTC() }

// IssuedCode is a freshly issued pairing code and its renderings.
type IssuedCode struct {
	Code      string
	ExpiresAt time.Time
	Payload   *codec.Rendered
}

// IssuePairingCode validates info, enforces the per-user issuance limit and persists a new code.
func (c *Coordinator) IssuePairingCode(ctx context.Context, userID string, info domain.DeviceInfo) (*IssuedCode, error) {
	if err := validation.Var(userID, "required,uuid"); err != nil {
		return nil, apperror.Validation("Invalid user id")
	}
	if err := validation.Struct(info); err != nil {
		return nil, apperror.Validation(err.Error())
	}
	caps, err := devicedomain.ParseCapabilities(devicedomain.CapabilityStrings(info.Capabilities))
	if err != nil {
		return nil, apperror.Validation(err.Error())
	}
	info.Capabilities = caps

	now := c.now()
	if _, err := c.Tokens.ExpireForUser(ctx, userID, now); err != nil {
		c.Logger.Warn("pairing: expire user tokens failed", zap.String("user_id", userID), zap.Error(err))
	}

	decision := c.Limiter.Allow(ctx, "pairing:"+userID, c.cfg.RateLimit, c.cfg.RateWindow)
	if !decision.Allowed {
		if decision.Count > c.cfg.SuspiciousThreshold {
			c.flagSuspicious(ctx, userID, decision.Count)
		}
		return nil, apperror.RateLimit(MsgRateLimited)
	}

	var token *domain.PairingToken
	for attempt := 0; attempt < maxCodeConflicts && token == nil; attempt++ {
		candidate, err := c.newToken(userID, info, now)
		if err != nil {
			return nil, apperror.Internal(err)
		}
		_, err = db.Retry(ctx, 0, isConflict, func() (struct{}, error) {
			return struct{}{}, c.Tokens.Create(ctx, candidate)
		})
		switch {
		case err == nil:
			token = candidate
		case errors.Is(err, repository.ErrConflict):
			c.Logger.Debug("pairing: code collision, regenerating", zap.Int("attempt", attempt+1))
		default:
			return nil, apperror.Unavailable(err)
		}
	}
	if token == nil {
		return nil, apperror.Conflict(repository.ErrConflict)
	}

	rendered, err := c.Codec.Encode(codec.Payload{
		Code:      token.Code,
		UserID:    userID,
		AppName:   c.cfg.AppName,
		Version:   c.cfg.AppVersion,
		Timestamp: now,
	})
	if err != nil {
		return nil, apperror.Internal(fmt.Errorf("render pairing payload: %w", err))
	}

	c.Logger.Info("pairing code issued", zap.String("user_id", userID), zap.Time("expires_at", token.ExpiresAt))
	c.Audit.LogEvent(ctx, userID, "", auditdomain.ActionPairingCodeIssued, auditdomain.ResourcePairingCode,
		map[string]any{"device_name": info.Name, "os": info.OS, "capabilities": caps})
	c.emit(userID, "", telemetry.EventPairingCodeIssued, nil)
	return &IssuedCode{Code: token.Code, ExpiresAt: token.ExpiresAt, Payload: rendered}, nil
}

func (c *Coordinator) newToken(userID string, info domain.DeviceInfo, now time.Time) (*domain.PairingToken, error) {
	code, err := c.Generator.PairingCode(security.DefaultPairingCodeLength)
	if err != nil {
		return nil, err
	}
	secret, err := c.Generator.PairingToken()
	if err != nil {
		return nil, err
	}
	return &domain.PairingToken{
		ID:         uuid.New().String(),
		Code:       security.NormalizePairingCode(code),
		Token:      secret,
		UserID:     userID,
		DeviceInfo: info,
		ExpiresAt:  now.Add(c.cfg.CodeTTL),
		CreatedAt:  now,
	}, nil
}

func (c *Coordinator) flagSuspicious(ctx context.Context, userID string, attempts int) {
	c.Logger.Warn("pairing: suspicious issuance rate",
		zap.String("user_id", userID), zap.Int("attempts", attempts), zap.Duration("window", c.cfg.RateWindow))
	c.Audit.LogEvent(ctx, userID, "", auditdomain.ActionSuspiciousActivity, auditdomain.ResourcePairingCode,
		map[string]any{"attempts": attempts, "window_seconds": int(c.cfg.RateWindow.Seconds())})
	c.emit(userID, "", telemetry.EventSuspiciousActivity, map[string]any{"attempts": attempts})
}

// RedeemResult is the outcome of a redemption. Err carries the typed reason when Valid is false.
type RedeemResult struct {
	Valid      bool
	TokenID    string
	UserID     string
	DeviceInfo *domain.DeviceInfo
	Token      string
	Error      string
	Err        error
}

func rejected(err *apperror.Error) *RedeemResult {
	return &RedeemResult{Error: err.Message, Err: err}
}

// RedeemPairingCode consumes a code. Exactly one concurrent redemption of a code can succeed.
// The error return is reserved for infrastructure failures.
func (c *Coordinator) RedeemPairingCode(ctx context.Context, code string) (*RedeemResult, error) {
	code = security.NormalizePairingCode(code)
	if code == "" || len(code) > maxCodeInput {
		return rejected(apperror.Validation(MsgInvalidCode)), nil
	}
	t, err := db.Retry(ctx, 0, nil, func() (*domain.PairingToken, error) { return c.Tokens.GetByCode(ctx, code) })
	if err != nil {
		return nil, apperror.Unavailable(err)
	}
	now := c.now()
	switch {
	case t == nil:
		return rejected(apperror.Validation(MsgInvalidCode)), nil
	case t.IsExpired(now):
		return rejected(apperror.Expired(MsgExpiredCode)), nil
	case t.IsUsed:
		return rejected(apperror.AlreadyUsed(MsgUsedCode)), nil
	}

	won, err := db.Retry(ctx, 0, nil, func() (bool, error) { return c.Tokens.MarkUsed(ctx, t.ID, now) })
	if err != nil {
		return nil, apperror.Unavailable(err)
	}
	if !won {
		return rejected(apperror.AlreadyUsed(MsgUsedCode)), nil
	}
	info := t.DeviceInfo
	c.Audit.LogEvent(ctx, t.UserID, "", auditdomain.ActionPairingRedeemed, auditdomain.ResourcePairingCode,
		map[string]any{"token_id": t.ID})
	c.emit(t.UserID, "", telemetry.EventPairingRedeemed, nil)
	return &RedeemResult{Valid: true, TokenID: t.ID, UserID: t.UserID, DeviceInfo: &info, Token: t.Token}, nil
}

// PairRequest is what the mobile app sends to finish pairing.
type PairRequest struct {
	Code        string `json:"code" validate:"required,max=16"`
	DeviceID    string `json:"deviceId" validate:"omitempty,max=128"`
	Fingerprint string `json:"fingerprint" validate:"omitempty,max=512"`
	// Capabilities narrows the session grant; empty grants every declared capability.
	Capabilities []devicedomain.Capability `json:"capabilities" validate:"omitempty,dive,capability"`
}

// PairingResult is the device record and session minted by CompletePairing.
type PairingResult struct {
	Device       *devicedomain.Device
	SessionID    string
	SessionToken string
	RefreshToken string
	ExpiresAt    time.Time
	Capabilities []devicedomain.Capability
}

// CompletePairing redeems the code, records the device and starts its session.
//
// The code is consumed before the device and session are written and stays consumed when a later
// step fails: a code moves to used exactly once and only one redemption ever succeeds. The failure
// is logged and audited with code_consumed set, and the user has to issue a new code.
func (c *Coordinator) CompletePairing(ctx context.Context, req PairRequest) (*PairingResult, error) {
	if err := validation.Struct(req); err != nil {
		return nil, apperror.Validation(err.Error())
	}
	res, err := c.RedeemPairingCode(ctx, req.Code)
	if err != nil {
		return nil, err
	}
	if !res.Valid {
		c.Audit.LogEvent(ctx, "", req.DeviceID, auditdomain.ActionPairingRejected, auditdomain.ResourcePairingCode,
			map[string]any{"reason": res.Error})
		return nil, res.Err
	}

	grant := res.DeviceInfo.Capabilities
	if len(req.Capabilities) > 0 {
		if !devicedomain.IsSubset(req.Capabilities, grant) {
			err := apperror.Validation("Requested capabilities exceed the paired capabilities")
			c.abandoned(ctx, res, req.DeviceID, "capabilities", err)
			return nil, err
		}
		grant = req.Capabilities
	}

	dev, err := c.upsertDevice(ctx, res, req)
	if err != nil {
		c.abandoned(ctx, res, req.DeviceID, "device", err)
		return nil, err
	}
	issued, err := c.Sessions.Create(ctx, dev.ID, res.UserID, grant, c.cfg.SessionTTL)
	if err != nil {
		c.abandoned(ctx, res, dev.ID, "session", err)
		return nil, err
	}
	c.Logger.Info("device paired", zap.String("device_id", dev.ID), zap.String("user_id", res.UserID))
	c.Audit.LogEvent(ctx, res.UserID, dev.ID, auditdomain.ActionDevicePaired, auditdomain.ResourceDevice,
		map[string]any{"name": dev.Name, "model": dev.Model, "os": dev.OS})
	return &PairingResult{
		Device:       dev,
		SessionID:    issued.Session.ID,
		SessionToken: issued.Token,
		RefreshToken: issued.RefreshToken,
		ExpiresAt:    issued.Session.ExpiresAt,
		Capabilities: issued.Session.Capabilities,
	}, nil
}

// abandoned records a redemption whose pairing could not be finished.
func (c *Coordinator) abandoned(ctx context.Context, res *RedeemResult, deviceID, step string, err error) {
	c.Logger.Warn("pairing: redeemed code not completed",
		zap.String("token_id", res.TokenID), zap.String("device_id", deviceID),
		zap.String("step", step), zap.Error(err))
	c.Audit.LogEvent(ctx, res.UserID, deviceID, auditdomain.ActionPairingRejected, auditdomain.ResourcePairingCode,
		map[string]any{"token_id": res.TokenID, "step": step, "code_consumed": true, "kind": string(apperror.KindOf(err))})
}

func (c *Coordinator) upsertDevice(ctx context.Context, res *RedeemResult, req PairRequest) (*devicedomain.Device, error) {
	deviceID := req.DeviceID
	if deviceID == "" {
		deviceID = uuid.New().String()
	}
	existing, err := db.Retry(ctx, 0, nil, func() (*devicedomain.Device, error) { return c.Devices.GetByID(ctx, deviceID) })
	if err != nil {
		return nil, apperror.Unavailable(err)
	}
	if existing != nil && existing.UserID != res.UserID {
		c.Audit.LogEvent(ctx, res.UserID, deviceID, auditdomain.ActionPairingRejected, auditdomain.ResourceDevice,
			map[string]any{"reason": "device owned by another user"})
		return nil, apperror.DeviceMismatch(fmt.Errorf("device %s belongs to another user", deviceID))
	}

	now := c.now()
	info := res.DeviceInfo
	dev := &devicedomain.Device{ID: deviceID, CreatedAt: now}
	if existing != nil {
		dev = existing
	}
	dev.UserID = res.UserID
	dev.Name = info.Name
	dev.Model = info.Model
	dev.OS = string(info.OS)
	dev.OSVersion = info.OSVersion
	dev.AppVersion = info.AppVersion
	dev.Capabilities = info.Capabilities
	dev.IsPaired = true
	dev.PairedAt = &now
	dev.UnpairedAt = nil
	dev.LastSeenAt = &now
	if req.Fingerprint != "" && c.Hasher != nil {
		hash, err := c.Hasher.Hash([]byte(req.Fingerprint))
		if err != nil {
			return nil, apperror.Internal(err)
		}
		dev.FingerprintHash = hash
	}
	if _, err := db.Retry(ctx, 0, nil, func() (struct{}, error) { return struct{}{}, c.Devices.Save(ctx, dev) }); err != nil {
		return nil, apperror.Unavailable(err)
	}
	return dev, nil
}

// ListDevices returns the user's devices, paired or not.
func (c *Coordinator) ListDevices(ctx context.Context, userID string) ([]*devicedomain.Device, error) {
	devices, err := c.Devices.ListByUser(ctx, userID)
	if err != nil {
		return nil, apperror.Unavailable(err)
	}
	return devices, nil
}

// UnpairDevice clears the device's paired flag and expires its sessions. The record persists.
func (c *Coordinator) UnpairDevice(ctx context.Context, userID, deviceID string) error {
	dev, err := c.Devices.GetByID(ctx, deviceID)
	if err != nil {
		return apperror.Unavailable(err)
	}
	if dev == nil || dev.UserID != userID {
		return apperror.Validation(MsgUnknownOwner)
	}
	if _, err := c.Devices.Unpair(ctx, deviceID, c.now()); err != nil {
		return apperror.Unavailable(err)
	}
	revoked, err := c.Sessions.RevokeDevice(ctx, deviceID, sessiondomain.ReasonDeviceUnpaired)
	if err != nil {
		return err
	}
	c.Logger.Info("device unpaired", zap.String("device_id", deviceID), zap.Int64("sessions_revoked", revoked))
	c.Audit.LogEvent(ctx, userID, deviceID, auditdomain.ActionDeviceUnpaired, auditdomain.ResourceDevice,
		map[string]any{"sessions_revoked": revoked})
	return nil
}

// CleanupResult counts what one sweep changed.
type CleanupResult struct {
	ExpiredTokens   int64 `json:"expiredTokens"`
	ExpiredSessions int64 `json:"expiredSessions"`
	DeletedTokens   int64 `json:"deletedTokens"`
}

// CleanupExpiredTokensAndSessions retires expired pairing tokens, expires stale sessions and
// deletes tokens past GarbageAfter. It is idempotent and safe alongside live traffic; every step
// runs even if an earlier one fails.
func (c *Coordinator) CleanupExpiredTokensAndSessions(ctx context.Context) (CleanupResult, error) {
	var (
		res  CleanupResult
		errs []error
		err  error
	)
	now := c.now()
	if res.ExpiredTokens, err = c.Tokens.ExpireAll(ctx, now); err != nil {
		errs = append(errs, fmt.Errorf("expire pairing tokens: %w", err))
	}
	if res.ExpiredSessions, err = c.Sessions.ExpireStale(ctx); err != nil {
		errs = append(errs, fmt.Errorf("expire sessions: %w", err))
	}
	if res.DeletedTokens, err = c.Tokens.DeleteExpiredBefore(ctx, now.Add(-GarbageAfter)); err != nil {
		errs = append(errs, fmt.Errorf("delete pairing tokens: %w", err))
	}
	return res, errors.Join(errs...)
}

// RunCleanup runs the sweep every interval until ctx is done.
func (c *Coordinator) RunCleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := c.CleanupExpiredTokensAndSessions(ctx)
			if err != nil {
				c.Logger.Error("cleanup failed", zap.Error(err))
			}
			if res != (CleanupResult{}) {
				c.Logger.Info("cleanup completed",
					zap.Int64("expired_tokens", res.ExpiredTokens),
					zap.Int64("expired_sessions", res.ExpiredSessions),
					zap.Int64("deleted_tokens", res.DeletedTokens))
				meta, _ := json.Marshal(res)
				telemetry.EmitAsync(c.Emitter, c.Logger, &telemetry.Event{
					EventType: telemetry.EventCleanupCompleted, Source: "pairing_cleanup", Metadata: meta,
				})
			}
		}
	}
}

func (c *Coordinator) emit(userID, deviceID, eventType string, meta map[string]any) {
	if c.Emitter == nil {
		return
	}
	var raw []byte
	if meta != nil {
		raw, _ = json.Marshal(meta)
	}
	telemetry.EmitAsync(c.Emitter, c.Logger, &telemetry.Event{
		UserID: userID, DeviceID: deviceID, EventType: eventType, Source: "pairing_coordinator", Metadata: raw,
	})
}

func isConflict(err error) bool { return errors.Is(err, repository.ErrConflict) }
