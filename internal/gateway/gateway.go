// Package gateway authenticates realtime connections against the session store and tracks
// failed attempts per credential.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"remotecast/backend/internal/apperror"
	"remotecast/backend/internal/audit"
	auditdomain "remotecast/backend/internal/audit/domain"
	devicedomain "remotecast/backend/internal/device/domain"
	"remotecast/backend/internal/security"
	sessiondomain "remotecast/backend/internal/session/domain"
	sessionservice "remotecast/backend/internal/session/service"
	"remotecast/backend/internal/telemetry"
)

const (
	DefaultFailureThreshold = 5
	DefaultFailureWindow    = 15 * time.Minute
	DefaultDecay            = 15 * time.Minute
	DefaultMaxTracked       = 10000
	sweepInterval           = time.Minute
)

// Sessions validates session tokens.
type Sessions interface {
	Validate(ctx context.Context, token string) (*sessionservice.Validation, error)
	ActiveCount(ctx context.Context) (int, error)
}

// Devices is the part of the device directory the gateway needs.
type Devices interface {
	GetByID(ctx context.Context, id string) (*devicedomain.Device, error)
	SetOnline(ctx context.Context, id string, online bool, at time.Time) error
	CountPaired(ctx context.Context) (int, error)
}

// FingerprintVerifier checks a presented fingerprint against its stored hash.
type FingerprintVerifier interface {
	Compare(hash string, secret []byte) error
}

// Config tunes the failed-attempt tracker. Zero values fall back to the defaults.
type Config struct {
	FailureThreshold int
	FailureWindow    time.Duration
	Decay            time.Duration
	MaxTracked       int
}

// Handshake is the credential a connection presents.
type Handshake struct {
	SessionToken string
	DeviceID     string
	Fingerprint  string
	RemoteAddr   string
}

// Principal is an authenticated connection identity.
type Principal struct {
	Session      *sessiondomain.Session
	Device       *devicedomain.Device
	SessionToken string
}

// AuthStats summarizes authentication state.
type AuthStats struct {
	ActiveSessions     int `json:"activeSessions"`
	PairedDevices      int `json:"pairedDevices"`
	FailedAttempts     int `json:"failedAttempts"`
	SuspiciousActivity int `json:"suspiciousActivity"`
}

// Gateway authenticates connections.
type Gateway struct {
	sessions Sessions
	devices  Devices
	verifier FingerprintVerifier
	tracker  *attemptTracker
	audit    audit.AuditLogger
	emitter  telemetry.EventEmitter
	logger   *zap.Logger
	nowF     func() time.Time
}

// New returns a Gateway. verifier, auditLogger, emitter and logger may be nil.
func New(sessions Sessions, devices Devices, verifier FingerprintVerifier, cfg Config,
	auditLogger audit.AuditLogger, emitter telemetry.EventEmitter, logger *zap.Logger) *Gateway {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultFailureThreshold
	}
	if cfg.FailureWindow <= 0 {
		cfg.FailureWindow = DefaultFailureWindow
	}
	if cfg.Decay <= 0 {
		cfg.Decay = DefaultDecay
	}
	if cfg.MaxTracked <= 0 {
		cfg.MaxTracked = DefaultMaxTracked
	}
	if auditLogger == nil {
		auditLogger = audit.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{
		sessions: sessions,
		devices:  devices,
		verifier: verifier,
		tracker:  newAttemptTracker(cfg.FailureThreshold, cfg.FailureWindow, cfg.Decay, cfg.MaxTracked),
		audit:    auditLogger,
		emitter:  emitter,
		logger:   logger,
		nowF:     time.Now,
	}
}

func credentialKey(h Handshake) string {
	if h.SessionToken != "" {
		return security.HashToken(h.SessionToken)
	}
	return "addr:" + h.RemoteAddr
}

// AcceptConnection authenticates a handshake. Security rejections carry a generic client message;
// the reason is logged and audited. Infrastructure errors are returned as is.
func (g *Gateway) AcceptConnection(ctx context.Context, h Handshake) (*Principal, error) {
	now := g.nowF()
	key := credentialKey(h)
	if g.tracker.suspicious(key, now) {
		g.logger.Warn("gateway: rejected suspicious credential",
			zap.String("device_id", h.DeviceID), zap.String("remote_addr", h.RemoteAddr))
		return nil, apperror.Suspicious(errors.New("credential flagged after repeated failures"))
	}
	if h.SessionToken == "" || h.DeviceID == "" {
		return nil, g.reject(ctx, key, h, "", apperror.Unauthenticated(errors.New("missing session token or device id")))
	}

	v, err := g.sessions.Validate(ctx, h.SessionToken)
	if err != nil {
		return nil, err
	}
	if !v.Valid {
		userID := ""
		if v.Session != nil {
			userID = v.Session.UserID
		}
		return nil, g.reject(ctx, key, h, userID, apperror.Unauthenticated(fmt.Errorf("%s: %w", v.Error, v.Err)))
	}
	sess := v.Session
	if sess.DeviceID != h.DeviceID {
		return nil, g.reject(ctx, key, h, sess.UserID,
			apperror.DeviceMismatch(fmt.Errorf("session bound to %s, presented %s", sess.DeviceID, h.DeviceID)))
	}

	dev, err := g.devices.GetByID(ctx, h.DeviceID)
	if err != nil {
		return nil, apperror.Unavailable(err)
	}
	if dev == nil || !dev.IsPaired {
		return nil, g.reject(ctx, key, h, sess.UserID, apperror.Unauthenticated(errors.New("device is not paired")))
	}
	if dev.FingerprintHash != "" && g.verifier != nil {
		if h.Fingerprint == "" || g.verifier.Compare(dev.FingerprintHash, []byte(h.Fingerprint)) != nil {
			return nil, g.reject(ctx, key, h, sess.UserID, apperror.DeviceMismatch(errors.New("fingerprint mismatch")))
		}
	}

	g.tracker.reset(key)
	if err := g.devices.SetOnline(ctx, dev.ID, true, now); err != nil {
		g.logger.Warn("gateway: mark online failed", zap.String("device_id", dev.ID), zap.Error(err))
	}
	dev.IsOnline = true
	telemetry.EmitAsync(g.emitter, g.logger, &telemetry.Event{
		UserID: sess.UserID, DeviceID: dev.ID, SessionID: sess.ID,
		EventType: telemetry.EventConnectionAccepted, Source: "gateway",
	})
	return &Principal{Session: sess, Device: dev, SessionToken: h.SessionToken}, nil
}

// reject records a failed attempt, logs and audits it, and returns err.
func (g *Gateway) reject(ctx context.Context, key string, h Handshake, userID string, err *apperror.Error) error {
	count, crossed := g.tracker.fail(key, g.nowF())
	g.logger.Warn("gateway: connection rejected",
		zap.String("kind", string(err.Kind)),
		zap.String("device_id", h.DeviceID),
		zap.String("remote_addr", h.RemoteAddr),
		zap.Int("failures", count),
		zap.Error(err.Internal))
	g.audit.LogEvent(ctx, userID, h.DeviceID, auditdomain.ActionConnectionRejected, auditdomain.ResourceConnection,
		map[string]any{"kind": err.Kind, "reason": errString(err.Internal), "remote_addr": h.RemoteAddr})
	telemetry.EmitAsync(g.emitter, g.logger, &telemetry.Event{
		UserID: userID, DeviceID: h.DeviceID, EventType: telemetry.EventConnectionRejected, Source: "gateway",
	})
	if crossed {
		g.logger.Warn("gateway: credential flagged suspicious", zap.String("device_id", h.DeviceID), zap.Int("failures", count))
		g.audit.LogEvent(ctx, userID, h.DeviceID, auditdomain.ActionSuspiciousActivity, auditdomain.ResourceConnection,
			map[string]any{"failures": count, "remote_addr": h.RemoteAddr})
	}
	return err
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// Disconnect marks the device offline. The session is left untouched.
func (g *Gateway) Disconnect(ctx context.Context, deviceID string) {
	if err := g.devices.SetOnline(ctx, deviceID, false, g.nowF()); err != nil {
		g.logger.Warn("gateway: mark offline failed", zap.String("device_id", deviceID), zap.Error(err))
	}
}

// GetAuthStats returns session, device and failed-attempt counters.
func (g *Gateway) GetAuthStats(ctx context.Context) (AuthStats, error) {
	var stats AuthStats
	var err error
	if stats.ActiveSessions, err = g.sessions.ActiveCount(ctx); err != nil {
		return AuthStats{}, err
	}
	if stats.PairedDevices, err = g.devices.CountPaired(ctx); err != nil {
		return AuthStats{}, apperror.Unavailable(err)
	}
	stats.FailedAttempts, stats.SuspiciousActivity = g.tracker.stats(g.nowF())
	return stats, nil
}

// Run sweeps decayed tracker entries until ctx is done.
func (g *Gateway) Run(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := g.tracker.sweep(g.nowF()); n > 0 {
				g.logger.Debug("gateway: swept attempt tracker", zap.Int("removed", n))
			}
		}
	}
}
