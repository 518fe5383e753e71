package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"remotecast/backend/internal/apperror"
	auditdomain "remotecast/backend/internal/audit/domain"
	devicedomain "remotecast/backend/internal/device/domain"
	"remotecast/backend/internal/pairing/codec"
	pairingdomain "remotecast/backend/internal/pairing/domain"
	pairingservice "remotecast/backend/internal/pairing/service"
	"remotecast/backend/internal/server/interceptors"
	sessiondomain "remotecast/backend/internal/session/domain"
	sessionservice "remotecast/backend/internal/session/service"
	"remotecast/backend/internal/validation"
)

const (
	defaultAuditLimit = 50
	maxAuditLimit     = 200
)

type issueCodeResponse struct {
	Code      string          `json:"code"`
	ExpiresAt time.Time       `json:"expiresAt"`
	Payload   *codec.Rendered `json:"payload"`
	QRCode    string          `json:"qrCode"`
}

type decodeRequest struct {
	Payload string `json:"payload" validate:"required"`
}

type deviceView struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Model        string     `json:"model"`
	OS           string     `json:"os"`
	OSVersion    string     `json:"osVersion,omitempty"`
	AppVersion   string     `json:"appVersion,omitempty"`
	Capabilities []string   `json:"capabilities"`
	IsPaired     bool       `json:"isPaired"`
	IsOnline     bool       `json:"isOnline"`
	BatteryLevel *int       `json:"batteryLevel,omitempty"`
	NetworkType  string     `json:"networkType,omitempty"`
	LastSeenAt   *time.Time `json:"lastSeenAt,omitempty"`
	PairedAt     *time.Time `json:"pairedAt,omitempty"`
}

func newDeviceView(d *devicedomain.Device) deviceView {
	return deviceView{
		ID:           d.ID,
		Name:         d.Name,
		Model:        d.Model,
		OS:           d.OS,
		OSVersion:    d.OSVersion,
		AppVersion:   d.AppVersion,
		Capabilities: devicedomain.CapabilityStrings(d.Capabilities),
		IsPaired:     d.IsPaired,
		IsOnline:     d.IsOnline,
		BatteryLevel: d.BatteryLevel,
		NetworkType:  d.NetworkType,
		LastSeenAt:   d.LastSeenAt,
		PairedAt:     d.PairedAt,
	}
}

type pairingResponse struct {
	Device       deviceView `json:"device"`
	SessionID    string     `json:"sessionId"`
	SessionToken string     `json:"sessionToken"`
	RefreshToken string     `json:"refreshToken"`
	ExpiresAt    time.Time  `json:"expiresAt"`
	Capabilities []string   `json:"capabilities"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken" validate:"required,max=256"`
}

type sessionResponse struct {
	SessionID    string    `json:"sessionId"`
	SessionToken string    `json:"sessionToken"`
	RefreshToken string    `json:"refreshToken"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

type revokeRequest struct {
	SessionToken string `json:"sessionToken" validate:"required,max=256"`
	Reason       string `json:"reason" validate:"omitempty,max=100,printascii"`
}

type auditLogView struct {
	ID        string    `json:"id"`
	DeviceID  string    `json:"deviceId,omitempty"`
	Action    string    `json:"action"`
	Resource  string    `json:"resource"`
	IP        string    `json:"ip"`
	Metadata  string    `json:"metadata,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

func (api *HTTP) requestLogger(r *http.Request) *zap.Logger {
	rid, _ := interceptors.GetRequestID(r.Context())
	return api.logger.With(zap.String("request_id", rid))
}

func currentUser(r *http.Request) string {
	userID, _ := interceptors.GetUserID(r.Context())
	return userID
}

func (api *HTTP) handleIssueCode(w http.ResponseWriter, r *http.Request) {
	var info pairingdomain.DeviceInfo
	if err := decodeBody(w, r, &info); err != nil {
		api.writeError(w, r, err)
		return
	}
	issued, err := api.deps.Pairing.IssuePairingCode(r.Context(), currentUser(r), info)
	if err != nil {
		api.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, issueCodeResponse{
		Code:      issued.Code,
		ExpiresAt: issued.ExpiresAt,
		Payload:   issued.Payload,
		QRCode:    issued.Payload.QRDataURL(),
	})
}

func (api *HTTP) handleDecodePayload(w http.ResponseWriter, r *http.Request) {
	var req decodeRequest
	if err := decodeBody(w, r, &req); err != nil {
		api.writeError(w, r, err)
		return
	}
	if err := validation.Struct(req); err != nil {
		api.writeError(w, r, apperror.Validation("Payload is required"))
		return
	}
	p, err := api.deps.Codec.Decode(req.Payload)
	if err != nil {
		api.writeError(w, r, apperror.Wrap(apperror.KindValidation, decodeErrorMessage(err), err))
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (api *HTTP) handleCompletePairing(w http.ResponseWriter, r *http.Request) {
	if api.deps.Limiter != nil {
		key := "pair-complete:" + interceptors.ClientIPFromContext(r.Context())
		d := api.deps.Limiter.Allow(r.Context(), key, api.cfg.PairCompleteLimit, api.cfg.PairCompleteWindow)
		if !d.Allowed {
			api.deps.Metrics.RateLimitHit("pairing_complete")
			if retry := d.RetryAfter(time.Now()); retry > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(int(retry.Seconds())+1))
			}
			api.writeError(w, r, apperror.RateLimit("Too many pairing attempts. Please try again later."))
			return
		}
	}
	var req pairingservice.PairRequest
	if err := decodeBody(w, r, &req); err != nil {
		api.writeError(w, r, err)
		return
	}
	res, err := api.deps.Pairing.CompletePairing(r.Context(), req)
	if err != nil {
		api.writeError(w, r, err)
		return
	}
	if api.deps.Connections != nil && res.Device != nil {
		if n := api.deps.Connections.ExpireSuperseded(res.Device.ID, res.SessionID, sessiondomain.ReasonNewSession); n > 0 {
			api.requestLogger(r).Info("closed connections of replaced session",
				zap.String("device_id", res.Device.ID), zap.Int("connections", n))
		}
	}
	writeJSON(w, http.StatusCreated, pairingResponse{
		Device:       newDeviceView(res.Device),
		SessionID:    res.SessionID,
		SessionToken: res.SessionToken,
		RefreshToken: res.RefreshToken,
		ExpiresAt:    res.ExpiresAt,
		Capabilities: devicedomain.CapabilityStrings(res.Capabilities),
	})
}

func (api *HTTP) handleRefreshSession(w http.ResponseWriter, r *http.Request) {
	api.exchange(w, r, api.deps.Sessions.Refresh)
}

func (api *HTTP) handleRotateSession(w http.ResponseWriter, r *http.Request) {
	api.exchange(w, r, api.deps.Sessions.Rotate)
}

func (api *HTTP) exchange(w http.ResponseWriter, r *http.Request,
	swap func(ctx context.Context, refreshToken string) (*sessionservice.Issued, error)) {
	var req refreshRequest
	if err := decodeBody(w, r, &req); err != nil {
		api.writeError(w, r, err)
		return
	}
	if err := validation.Struct(req); err != nil {
		api.writeError(w, r, apperror.Validation("Refresh token is required"))
		return
	}
	issued, err := swap(r.Context(), req.RefreshToken)
	if err != nil {
		api.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{
		SessionID:    issued.Session.ID,
		SessionToken: issued.Token,
		RefreshToken: issued.RefreshToken,
		ExpiresAt:    issued.Session.ExpiresAt,
	})
}

func (api *HTTP) handleRevokeSession(w http.ResponseWriter, r *http.Request) {
	var req revokeRequest
	if err := decodeBody(w, r, &req); err != nil {
		api.writeError(w, r, err)
		return
	}
	if err := validation.Struct(req); err != nil {
		api.writeError(w, r, apperror.Validation("Session token is required"))
		return
	}
	reason := req.Reason
	if reason == "" {
		reason = sessiondomain.ReasonRevoked
	}
	revoked, err := api.deps.Sessions.Revoke(r.Context(), req.SessionToken, reason)
	if err != nil {
		if _, ok := apperror.As(err); !ok {
			err = apperror.Unavailable(err)
		}
		api.writeError(w, r, err)
		return
	}
	if revoked && api.deps.Connections != nil {
		api.deps.Connections.ExpireSession(req.SessionToken, reason)
	}
	writeJSON(w, http.StatusOK, map[string]bool{"revoked": revoked})
}

func (api *HTTP) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := api.deps.Pairing.ListDevices(r.Context(), currentUser(r))
	if err != nil {
		api.writeError(w, r, err)
		return
	}
	out := make([]deviceView, 0, len(devices))
	for _, d := range devices {
		out = append(out, newDeviceView(d))
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": out})
}

func (api *HTTP) handleUnpairDevice(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["deviceId"]
	if err := api.deps.Pairing.UnpairDevice(r.Context(), currentUser(r), deviceID); err != nil {
		api.writeError(w, r, err)
		return
	}
	if api.deps.Connections != nil {
		if n := api.deps.Connections.ExpireDevice(deviceID, sessiondomain.ReasonDeviceUnpaired); n > 0 {
			api.requestLogger(r).Info("closed connections of unpaired device",
				zap.String("device_id", deviceID), zap.Int("connections", n))
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (api *HTTP) handleAuthStats(w http.ResponseWriter, r *http.Request) {
	if _, ok := api.admins[currentUser(r)]; !ok {
		api.writeError(w, r, apperror.Forbidden("Auth stats are restricted to administrators"))
		return
	}
	stats, err := api.deps.Stats.GetAuthStats(r.Context())
	if err != nil {
		api.writeError(w, r, apperror.Unavailable(err))
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (api *HTTP) handleAuditLogs(w http.ResponseWriter, r *http.Request) {
	if api.deps.AuditLogs == nil {
		writeJSON(w, http.StatusOK, map[string]any{"logs": []auditLogView{}})
		return
	}
	limit := defaultAuditLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			api.writeError(w, r, apperror.Validation("Limit must be a positive integer"))
			return
		}
		limit = min(n, maxAuditLimit)
	}
	logs, err := api.deps.AuditLogs.ListByUser(r.Context(), currentUser(r), limit)
	if err != nil {
		api.writeError(w, r, apperror.Unavailable(err))
		return
	}
	out := make([]auditLogView, 0, len(logs))
	for _, l := range logs {
		out = append(out, newAuditLogView(l))
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": out})
}

func newAuditLogView(l *auditdomain.AuditLog) auditLogView {
	return auditLogView{
		ID:        l.ID,
		DeviceID:  l.DeviceID,
		Action:    l.Action,
		Resource:  l.Resource,
		IP:        l.IP,
		Metadata:  l.Metadata,
		CreatedAt: l.CreatedAt,
	}
}

func (api *HTTP) handleHealth(w http.ResponseWriter, r *http.Request) {
	if api.deps.Health != nil {
		if err := api.deps.Health.Ready(r.Context()); err != nil {
			api.requestLogger(r).Warn("readiness check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func decodeErrorMessage(err error) string {
	switch {
	case errors.Is(err, codec.ErrChecksumMismatch):
		return "Pairing payload checksum mismatch"
	case errors.Is(err, codec.ErrPayloadTooLarge):
		return "Pairing payload too large"
	default:
		return "Invalid pairing payload"
	}
}
