// Package channel implements the per-connection command protocol spoken by paired devices over
// a websocket: the authentication handshake, command dispatch, status, heartbeat, in-band session
// refresh and broadcast.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"remotecast/backend/internal/apperror"
	"remotecast/backend/internal/audit"
	auditdomain "remotecast/backend/internal/audit/domain"
	devicedomain "remotecast/backend/internal/device/domain"
	"remotecast/backend/internal/gateway"
	"remotecast/backend/internal/policy/engine"
	"remotecast/backend/internal/ratelimit"
	sessiondomain "remotecast/backend/internal/session/domain"
	sessionservice "remotecast/backend/internal/session/service"
	"remotecast/backend/internal/stream"
	"remotecast/backend/internal/telemetry"
	"remotecast/backend/internal/validation"
)

const (
	DefaultCommandLimit  = 60
	DefaultCommandWindow = 60 * time.Second
	disconnectTimeout    = 5 * time.Second
)

// Outcomes reported to Metrics.
const (
	OutcomeOK       = "ok"
	OutcomeRejected = "rejected"
	OutcomeError    = "error"
)

// Gateway authenticates handshakes.
type Gateway interface {
	AcceptConnection(ctx context.Context, h gateway.Handshake) (*gateway.Principal, error)
	Disconnect(ctx context.Context, deviceID string)
}

// Sessions is the part of the session store the channel drives.
type Sessions interface {
	Validate(ctx context.Context, token string) (*sessionservice.Validation, error)
	RefreshForDevice(ctx context.Context, deviceID, refreshToken string) (*sessionservice.Issued, error)
	RecordCommand(ctx context.Context, sessionID string) (int64, error)
}

// Devices is the device directory.
type Devices interface {
	GetByID(ctx context.Context, id string) (*devicedomain.Device, error)
	UpdateTelemetry(ctx context.Context, id string, t devicedomain.Telemetry) error
}

// Executor applies validated commands.
type Executor interface {
	Execute(ctx context.Context, target stream.Target, cmd stream.Command) (map[string]any, error)
}

// StatusProvider answers stream and picture-in-picture status requests.
type StatusProvider interface {
	Streams(ctx context.Context, userID string) ([]stream.State, error)
	PiP(ctx context.Context, userID string) (stream.PiP, error)
}

// Metrics observes connection and message counts.
type Metrics interface {
	ConnectionOpened()
	ConnectionClosed()
	MessageHandled(msgType, outcome string)
}

type nopMetrics struct{}

func (nopMetrics) ConnectionOpened()             {}
func (nopMetrics) ConnectionClosed()             {}
func (nopMetrics) MessageHandled(string, string) {}

// Config tunes the per-connection command window and the websocket origin check.
type Config struct {
	CommandLimit   int
	CommandWindow  time.Duration
	AllowedOrigins []string
}

// Deps are the collaborators of a Service. Audit, Emitter, Metrics and Logger may be nil.
type Deps struct {
	Gateway  Gateway
	Sessions Sessions
	Devices  Devices
	Executor Executor
	Status   StatusProvider
	Policy   engine.Authorizer
	Hub      *Hub
	Audit    audit.AuditLogger
	Emitter  telemetry.EventEmitter
	Metrics  Metrics
	Logger   *zap.Logger
}

// Service accepts websocket connections and runs the command protocol on each.
type Service struct {
	deps     Deps
	cfg      Config
	upgrader websocket.Upgrader
	logger   *zap.Logger
	nowF     func() time.Time
}

// NewService returns a Service.
func NewService(deps Deps, cfg Config) *Service {
	if cfg.CommandLimit <= 0 {
		cfg.CommandLimit = DefaultCommandLimit
	}
	if cfg.CommandWindow <= 0 {
		cfg.CommandWindow = DefaultCommandWindow
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Audit == nil {
		deps.Audit = audit.Nop{}
	}
	if deps.Metrics == nil {
		deps.Metrics = nopMetrics{}
	}
	if deps.Hub == nil {
		deps.Hub = NewHub(deps.Logger)
	}
	s := &Service{deps: deps, cfg: cfg, logger: deps.Logger, nowF: time.Now}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(cfg.AllowedOrigins),
	}
	return s
}

// Hub returns the broadcast hub.
func (s *Service) Hub() *Hub { return s.deps.Hub }

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[strings.ToLower(strings.TrimSuffix(o, "/"))] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			// Native clients send no Origin.
			return true
		}
		_, ok := set[strings.ToLower(origin)]
		return ok
	}
}

// HandshakeFromRequest reads credentials from query parameters, falling back to headers.
func HandshakeFromRequest(r *http.Request) gateway.Handshake {
	q := r.URL.Query()
	h := gateway.Handshake{
		SessionToken: q.Get("sessionToken"),
		DeviceID:     q.Get("deviceId"),
		Fingerprint:  q.Get("fingerprint"),
		RemoteAddr:   r.RemoteAddr,
	}
	if h.SessionToken == "" {
		if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
			h.SessionToken = strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
		}
	}
	if h.DeviceID == "" {
		h.DeviceID = r.Header.Get("X-Device-ID")
	}
	if h.Fingerprint == "" {
		h.Fingerprint = r.Header.Get("X-Device-Fingerprint")
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		h.RemoteAddr = host
	}
	return h
}

// ServeHTTP upgrades the request and runs the protocol until the socket closes.
func (s *Service) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	hs := HandshakeFromRequest(r)
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("channel: websocket upgrade failed", zap.String("remote_addr", hs.RemoteAddr), zap.Error(err))
		return
	}
	s.Serve(r.Context(), ws, hs)
}

// Serve runs one connection over t. It returns once the connection is closed.
func (s *Service) Serve(ctx context.Context, t Transport, hs gateway.Handshake) {
	c := newConn(uuid.NewString(), t, ratelimit.NewWindow(s.cfg.CommandLimit, s.cfg.CommandWindow), s.logger)
	s.deps.Metrics.ConnectionOpened()
	defer s.deps.Metrics.ConnectionClosed()
	go c.writePump()
	defer c.shutdown()

	c.setState(StateAuthenticating)
	p, err := s.deps.Gateway.AcceptConnection(ctx, hs)
	if err != nil {
		c.logger.Info("channel: authentication failed",
			zap.String("device_id", hs.DeviceID), zap.String("kind", string(apperror.KindOf(err))))
		c.terminate(MsgAuthenticationFailed, messageData(apperror.PublicMessage(err)))
		return
	}

	connectedAt := s.nowF()
	c.logger = c.logger.With(zap.String("device_id", p.Device.ID), zap.String("user_id", p.Session.UserID))
	c.setPrincipal(p)
	c.window.Reset()
	s.deps.Hub.join(c, p.Device.ID, p.Session.UserID)
	c.setState(StateAuthenticated)
	defer s.disconnect(ctx, c, p.Device.ID, p.Session.UserID, connectedAt)

	c.reply(MsgAuthenticated, "", AuthenticatedData{
		ConnectionID:     c.id,
		DeviceID:         p.Device.ID,
		UserID:           p.Session.UserID,
		Capabilities:     devicedomain.CapabilityStrings(p.Session.Capabilities),
		SessionExpiresAt: p.Session.ExpiresAt,
	})
	c.logger.Info("channel: connection authenticated", zap.String("session_id", p.Session.ID))
	c.readLoop(ctx, func(ctx context.Context, raw []byte) { s.dispatch(ctx, c, raw) })
}

// disconnect leaves rooms and marks the device offline. The session is left as is.
func (s *Service) disconnect(ctx context.Context, c *Conn, deviceID, userID string, connectedAt time.Time) {
	s.deps.Hub.leave(c, deviceID, userID)
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), disconnectTimeout)
	defer cancel()
	s.deps.Gateway.Disconnect(dctx, deviceID)
	sessionID := ""
	if p, ok := c.current(); ok {
		sessionID = p.Session.ID
	}
	c.logger.Info("channel: connection closed",
		zap.String("session_id", sessionID), zap.Duration("duration", s.nowF().Sub(connectedAt)))
}

func (s *Service) dispatch(ctx context.Context, c *Conn, raw []byte) {
	var in Inbound
	if err := json.Unmarshal(raw, &in); err != nil || in.Type == "" {
		c.reply(MsgError, "", messageData(MsgTextInvalidEnvelope))
		s.deps.Metrics.MessageHandled("invalid", OutcomeRejected)
		return
	}
	p, ok := c.current()
	if !ok || c.State() != StateAuthenticated {
		c.reply(MsgError, in.RequestID, messageData(MsgTextNotAuthenticated))
		s.deps.Metrics.MessageHandled(in.Type, OutcomeRejected)
		return
	}

	switch in.Type {
	case MsgExecuteCommand:
		// Commands re-validate after the rate limit and shape checks.
		s.handleCommand(ctx, c, p, in, MsgCommandResult)
		return
	case MsgExecuteStreamCommand:
		s.handleCommand(ctx, c, p, in, MsgStreamCommandResult)
		return
	case MsgRequestStatus, MsgHeartbeat, MsgRefreshSession, MsgSubscribe, MsgUnsubscribe:
	default:
		c.reply(MsgError, in.RequestID, messageData(MsgTextUnknownType))
		s.deps.Metrics.MessageHandled("unknown", OutcomeRejected)
		return
	}

	sess, err := s.revalidate(ctx, c, p, in.Type)
	if err != nil {
		c.reply(MsgError, in.RequestID, messageData(apperror.PublicMessage(err)))
		s.deps.Metrics.MessageHandled(in.Type, OutcomeError)
		return
	}
	if sess == nil {
		return
	}
	switch in.Type {
	case MsgRequestStatus:
		s.handleStatus(ctx, c, p, in)
	case MsgHeartbeat:
		s.handleHeartbeat(ctx, c, p, in)
	case MsgRefreshSession:
		s.handleRefresh(ctx, c, p, in)
	case MsgSubscribe, MsgUnsubscribe:
		s.handleSubscription(c, in)
	}
}

// revalidate checks the connection's session on every authenticated action. An invalid session
// gets sessionExpired and the connection is closed; the returned session is then nil. The error
// is an infrastructure failure and leaves the connection open.
func (s *Service) revalidate(ctx context.Context, c *Conn, p gateway.Principal, msgType string) (*sessiondomain.Session, error) {
	v, err := s.deps.Sessions.Validate(ctx, p.SessionToken)
	if err != nil {
		c.logger.Error("channel: session validation failed", zap.String("type", msgType), zap.Error(err))
		if _, ok := apperror.As(err); !ok {
			err = apperror.Unavailable(err)
		}
		return nil, err
	}
	if !v.Valid {
		s.expire(c, msgType, v.Reason, v.Error)
		return nil, nil
	}
	return v.Session, nil
}

// decode unmarshals an optional data object; a missing or null body leaves v zero.
func decode(data json.RawMessage, v any) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	return json.Unmarshal(data, v)
}

func (s *Service) handleCommand(ctx context.Context, c *Conn, p gateway.Principal, in Inbound, resultType string) {
	now := s.nowF()
	fail := func(e *apperror.Error) {
		c.reply(resultType, in.RequestID, CommandResult{Success: false, Error: e.Message, Code: string(e.Kind), Timestamp: now.UTC()})
		outcome := OutcomeRejected
		if e.Kind == apperror.KindUnavailable || e.Kind == apperror.KindInternal {
			outcome = OutcomeError
		}
		s.deps.Metrics.MessageHandled(in.Type, outcome)
	}

	if !c.window.Allow(now) {
		c.logger.Warn("channel: command rate limit exceeded",
			zap.Duration("retry_after", c.window.RetryAfter(now)))
		fail(apperror.RateLimit(MsgTextCommandRateLimit))
		return
	}

	var d CommandData
	if err := decode(in.Data, &d); err != nil || d.Parameters == nil {
		fail(apperror.Validation(MsgTextInvalidCommand))
		return
	}
	cmdType := devicedomain.CommandType(d.Type)
	if _, ok := devicedomain.RequiredCapability(cmdType); !ok {
		fail(apperror.Validation(MsgTextInvalidCommand))
		return
	}

	sess, err := s.revalidate(ctx, c, p, in.Type)
	if err != nil {
		fail(apperror.Unavailable(err))
		return
	}
	if sess == nil {
		return
	}

	dev, err := s.deps.Devices.GetByID(ctx, p.Device.ID)
	if err != nil {
		fail(apperror.Unavailable(err))
		return
	}
	decision, err := s.deps.Policy.AuthorizeCommand(ctx, engine.CommandRequest{
		Command:             cmdType,
		Device:              dev,
		SessionID:           sess.ID,
		SessionCapabilities: sess.Capabilities,
	})
	if err != nil {
		fail(apperror.Wrap(apperror.KindUnavailable, MsgTextPolicyUnavailable, err))
		return
	}
	if !decision.Allowed {
		c.logger.Warn("channel: command denied", zap.String("command", d.Type), zap.String("reason", decision.Reason))
		s.deps.Audit.LogEvent(ctx, sess.UserID, p.Device.ID, auditdomain.ActionCommandDenied, auditdomain.ResourceCommand,
			map[string]any{"command": d.Type, "reason": decision.Reason, "session_id": sess.ID})
		fail(apperror.Forbidden(fmt.Sprintf("Command %q is not permitted for this device", d.Type)))
		return
	}

	result, err := s.deps.Executor.Execute(ctx, stream.Target{
		UserID:           sess.UserID,
		DeviceID:         p.Device.ID,
		SessionID:        sess.ID,
		SessionExpiresAt: sess.ExpiresAt,
		StreamID:         d.StreamID,
	}, stream.Command{Type: cmdType, Parameters: d.Parameters})
	switch {
	case errors.Is(err, stream.ErrSessionExpired):
		s.expire(c, in.Type, "", sessionservice.MsgExpired)
		return
	case errors.Is(err, stream.ErrInvalidParameter), errors.Is(err, stream.ErrUnknownCommand),
		errors.Is(err, stream.ErrStreamNotLive), errors.Is(err, stream.ErrTooManyStreams):
		fail(apperror.Wrap(apperror.KindValidation, capitalize(err.Error()), err))
		return
	case err != nil:
		c.logger.Error("channel: command execution failed", zap.String("command", d.Type), zap.Error(err))
		fail(apperror.Wrap(apperror.KindInternal, MsgTextCommandFailed, err))
		return
	}

	executed, err := s.deps.Sessions.RecordCommand(ctx, sess.ID)
	if err != nil {
		c.logger.Warn("channel: record command failed", zap.String("session_id", sess.ID), zap.Error(err))
	}
	meta, _ := json.Marshal(map[string]any{"command": d.Type, "commands_executed": executed})
	telemetry.EmitAsync(s.deps.Emitter, s.logger, &telemetry.Event{
		UserID: sess.UserID, DeviceID: p.Device.ID, SessionID: sess.ID,
		EventType: telemetry.EventCommandExecuted, Source: "channel", Metadata: meta,
	})
	c.reply(resultType, in.RequestID, CommandResult{Success: true, Result: result, Timestamp: now.UTC()})
	s.deps.Metrics.MessageHandled(in.Type, OutcomeOK)
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// expire tells the client its session is gone and closes the connection.
func (s *Service) expire(c *Conn, msgType, reason, message string) {
	if reason == "" {
		reason = message
	}
	c.logger.Info("channel: session expired, closing", zap.String("reason", reason))
	c.terminate(MsgSessionExpired, map[string]string{"reason": reason, "message": message})
	s.deps.Hub.evict(c)
	s.deps.Metrics.MessageHandled(msgType, OutcomeRejected)
}

func (s *Service) handleStatus(ctx context.Context, c *Conn, p gateway.Principal, in Inbound) {
	var req statusRequest
	if err := decode(in.Data, &req); err != nil {
		c.reply(MsgError, in.RequestID, messageData(MsgTextInvalidEnvelope))
		return
	}
	resp := StatusResponse{Type: req.Type}
	var err error
	switch req.Type {
	case StatusDevice:
		var dev *devicedomain.Device
		if dev, err = s.deps.Devices.GetByID(ctx, p.Device.ID); err == nil && dev != nil {
			resp.Data = DeviceStatus{
				DeviceID:     dev.ID,
				Name:         dev.Name,
				IsPaired:     dev.IsPaired,
				IsOnline:     dev.IsOnline,
				BatteryLevel: dev.BatteryLevel,
				NetworkType:  dev.NetworkType,
				LastSeenAt:   dev.LastSeenAt,
				Capabilities: devicedomain.CapabilityStrings(dev.Capabilities),
			}
		} else if err == nil {
			err = errors.New("device not found")
		}
	case StatusStreams:
		resp.Data, err = s.deps.Status.Streams(ctx, p.Session.UserID)
	case StatusPiP:
		resp.Data, err = s.deps.Status.PiP(ctx, p.Session.UserID)
	default:
		resp.Error = MsgTextUnknownStatus
		c.reply(MsgStatusResponse, in.RequestID, resp)
		s.deps.Metrics.MessageHandled(in.Type, OutcomeRejected)
		return
	}
	if err != nil {
		c.logger.Warn("channel: status request failed", zap.String("status_type", req.Type), zap.Error(err))
		resp.Data, resp.Error = nil, MsgTextStatusFailed
		c.reply(MsgStatusResponse, in.RequestID, resp)
		s.deps.Metrics.MessageHandled(in.Type, OutcomeError)
		return
	}
	c.reply(MsgStatusResponse, in.RequestID, resp)
	s.deps.Metrics.MessageHandled(in.Type, OutcomeOK)
}

func (s *Service) handleHeartbeat(ctx context.Context, c *Conn, p gateway.Principal, in Inbound) {
	var hb heartbeatData
	if err := decode(in.Data, &hb); err != nil {
		c.reply(MsgError, in.RequestID, messageData(MsgTextInvalidEnvelope))
		return
	}
	if err := validation.Struct(hb); err != nil {
		c.reply(MsgError, in.RequestID, messageData(err.Error()))
		return
	}
	now := s.nowF().UTC()
	if err := s.deps.Devices.UpdateTelemetry(ctx, p.Device.ID, devicedomain.Telemetry{
		BatteryLevel: hb.BatteryLevel, NetworkType: hb.NetworkType, At: now,
	}); err != nil {
		c.logger.Warn("channel: heartbeat telemetry update failed", zap.Error(err))
	}
	c.reply(MsgHeartbeatAck, in.RequestID, map[string]any{"timestamp": now})
	s.deps.Metrics.MessageHandled(in.Type, OutcomeOK)
}

func (s *Service) handleRefresh(ctx context.Context, c *Conn, p gateway.Principal, in Inbound) {
	var req refreshData
	if err := decode(in.Data, &req); err != nil || req.RefreshToken == "" {
		c.reply(MsgError, in.RequestID, messageData(sessionservice.MsgInvalidRefresh))
		s.deps.Metrics.MessageHandled(in.Type, OutcomeRejected)
		return
	}
	issued, err := s.deps.Sessions.RefreshForDevice(ctx, p.Device.ID, req.RefreshToken)
	if apperror.IsKind(err, apperror.KindDeviceMismatch) {
		c.logger.Warn("channel: refresh token for another device", zap.Error(err))
		s.deps.Audit.LogEvent(ctx, p.Session.UserID, p.Device.ID, auditdomain.ActionSuspiciousActivity,
			auditdomain.ResourceSession, map[string]any{"reason": "refresh token device mismatch", "session_id": p.Session.ID})
		c.reply(MsgError, in.RequestID, messageData(MsgTextRefreshFailed))
		s.deps.Metrics.MessageHandled(in.Type, OutcomeRejected)
		return
	}
	if err != nil {
		c.logger.Info("channel: session refresh failed", zap.String("kind", string(apperror.KindOf(err))), zap.Error(err))
		c.reply(MsgError, in.RequestID, messageData(apperror.PublicMessage(err)))
		s.deps.Metrics.MessageHandled(in.Type, OutcomeRejected)
		return
	}
	next := p
	next.Session = issued.Session
	next.SessionToken = issued.Token
	c.setPrincipal(&next)
	c.reply(MsgSessionRefreshed, in.RequestID, map[string]any{
		"token":     issued.Token,
		"expiresAt": issued.Session.ExpiresAt,
	})
	s.deps.Metrics.MessageHandled(in.Type, OutcomeOK)
}

func (s *Service) handleSubscription(c *Conn, in Inbound) {
	var req channelData
	if err := decode(in.Data, &req); err != nil {
		c.reply(MsgError, in.RequestID, messageData(MsgTextInvalidEnvelope))
		return
	}
	if err := validation.Var(req.ChannelID, "required,max=80,startswith=stream:,printascii"); err != nil {
		c.reply(MsgError, in.RequestID, messageData(MsgTextInvalidChannel))
		s.deps.Metrics.MessageHandled(in.Type, OutcomeRejected)
		return
	}
	if in.Type == MsgSubscribe {
		if c.addSub(req.ChannelID) {
			s.deps.Hub.subscribe(c, req.ChannelID)
		}
		c.reply(MsgSubscribed, in.RequestID, req)
	} else {
		if c.removeSub(req.ChannelID) {
			s.deps.Hub.unsubscribe(c, req.ChannelID)
		}
		c.reply(MsgUnsubscribed, in.RequestID, req)
	}
	s.deps.Metrics.MessageHandled(in.Type, OutcomeOK)
}
