// Package server wires the HTTP API, the command channel websocket and the gRPC health service.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"remotecast/backend/internal/audit"
	auditdomain "remotecast/backend/internal/audit/domain"
	devicedomain "remotecast/backend/internal/device/domain"
	"remotecast/backend/internal/gateway"
	"remotecast/backend/internal/logger"
	"remotecast/backend/internal/pairing/codec"
	pairingdomain "remotecast/backend/internal/pairing/domain"
	pairingservice "remotecast/backend/internal/pairing/service"
	"remotecast/backend/internal/ratelimit"
	"remotecast/backend/internal/server/interceptors"
	sessionservice "remotecast/backend/internal/session/service"
	"remotecast/backend/internal/telemetry"
)

const (
	// MaxHeaderBytes caps request headers.
	MaxHeaderBytes = 64 << 10
	// maxBodyBytes caps JSON request bodies.
	maxBodyBytes = 16 << 10

	DefaultPairCompleteLimit  = 10
	DefaultPairCompleteWindow = time.Minute
	defaultHeaderTimeout      = 10 * time.Second
	defaultIdleTimeout        = 120 * time.Second
)

// Pairing is the pairing flow behind the REST surface.
type Pairing interface {
	IssuePairingCode(ctx context.Context, userID string, info pairingdomain.DeviceInfo) (*pairingservice.IssuedCode, error)
	CompletePairing(ctx context.Context, req pairingservice.PairRequest) (*pairingservice.PairingResult, error)
	ListDevices(ctx context.Context, userID string) ([]*devicedomain.Device, error)
	UnpairDevice(ctx context.Context, userID, deviceID string) error
}

// PayloadDecoder parses scanned pairing payloads.
type PayloadDecoder interface {
	Decode(raw string) (*codec.Payload, error)
}

// SessionTokens exchanges and revokes session credentials.
type SessionTokens interface {
	Refresh(ctx context.Context, refreshToken string) (*sessionservice.Issued, error)
	Rotate(ctx context.Context, refreshToken string) (*sessionservice.Issued, error)
	Revoke(ctx context.Context, token, reason string) (bool, error)
}

// AuthStatsSource reports connection authentication stats.
type AuthStatsSource interface {
	GetAuthStats(ctx context.Context) (gateway.AuthStats, error)
}

// AuditReader lists a user's audit trail.
type AuditReader interface {
	ListByUser(ctx context.Context, userID string, limit int) ([]*auditdomain.AuditLog, error)
}

// Connections closes live channel connections whose session is no longer valid.
type Connections interface {
	ExpireDevice(deviceID, reason string) int
	ExpireSession(sessionToken, reason string) int
	ExpireSuperseded(deviceID, currentSessionID, reason string) int
}

// ReadinessChecker reports whether the service can take traffic.
type ReadinessChecker interface {
	Ready(ctx context.Context) error
}

// Deps holds the collaborators of the HTTP server. AuditLogs, Connections, Health, Audit,
// Emitter and Logger may be nil.
type Deps struct {
	Pairing     Pairing
	Codec       PayloadDecoder
	Sessions    SessionTokens
	Stats       AuthStatsSource
	AuditLogs   AuditReader
	Connections Connections
	// Channel serves the command channel websocket at /ws.
	Channel http.Handler
	Tokens  interceptors.TokenValidator
	// Limiter guards the public pairing completion endpoint per client IP.
	Limiter ratelimit.Limiter
	Metrics *Metrics
	Health  ReadinessChecker
	Audit   audit.AuditLogger
	Emitter telemetry.EventEmitter
	Logger  *zap.Logger
}

// Config tunes the HTTP server.
type Config struct {
	Addr               string
	PairCompleteLimit  int
	PairCompleteWindow time.Duration
	// Admins may read the global auth stats. Nobody can when empty.
	Admins []string
}

// HTTP is the REST and websocket server.
type HTTP struct {
	srv    *http.Server
	deps   Deps
	cfg    Config
	admins map[string]struct{}
	logger *zap.Logger
}

// NewHTTP prepares the HTTP server and its routes. Connections hijacked by the websocket
// endpoint manage their own deadlines, so only header and idle timeouts are set here.
func NewHTTP(deps Deps, cfg Config) *HTTP {
	if cfg.PairCompleteLimit <= 0 {
		cfg.PairCompleteLimit = DefaultPairCompleteLimit
	}
	if cfg.PairCompleteWindow <= 0 {
		cfg.PairCompleteWindow = DefaultPairCompleteWindow
	}
	if deps.Metrics == nil {
		deps.Metrics = NewMetrics(nil)
	}
	deps.Logger = logger.OrNop(deps.Logger)
	api := &HTTP{
		srv: &http.Server{
			Addr:              cfg.Addr,
			ReadHeaderTimeout: defaultHeaderTimeout,
			IdleTimeout:       defaultIdleTimeout,
			MaxHeaderBytes:    MaxHeaderBytes,
		},
		deps:   deps,
		cfg:    cfg,
		admins: make(map[string]struct{}, len(cfg.Admins)),
		logger: deps.Logger,
	}
	for _, id := range cfg.Admins {
		api.admins[id] = struct{}{}
	}
	api.srv.Handler = api.routes()
	return api
}

// Handler returns the routed handler, for tests and embedding.
func (api *HTTP) Handler() http.Handler { return api.srv.Handler }

func (api *HTTP) routes() *mux.Router {
	router := mux.NewRouter()
	router.Use(
		interceptors.RequestContext,
		interceptors.Telemetry(api.deps.Emitter, api.deps.Metrics, map[string]bool{"/metrics": true, "/healthz": true}, api.logger),
	)
	router.Handle("/metrics", api.deps.Metrics.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/healthz", api.handleHealth).Methods(http.MethodGet)
	if api.deps.Channel != nil {
		router.Handle("/ws", api.deps.Channel).Methods(http.MethodGet)
	}

	v1 := router.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/pairing/decode", api.handleDecodePayload).Methods(http.MethodPost)
	v1.HandleFunc("/pairing/complete", api.handleCompletePairing).Methods(http.MethodPost)
	v1.HandleFunc("/sessions/refresh", api.handleRefreshSession).Methods(http.MethodPost)
	v1.HandleFunc("/sessions/rotate", api.handleRotateSession).Methods(http.MethodPost)
	v1.HandleFunc("/sessions/revoke", api.handleRevokeSession).Methods(http.MethodPost)

	user := v1.NewRoute().Subrouter()
	user.Use(
		interceptors.Auth(api.deps.Tokens, api.logger),
		interceptors.Audit(api.deps.Audit, map[string]bool{
			"GET /api/v1/audit/logs":     true,
			"GET /api/v1/auth/stats":     true,
			"POST /api/v1/pairing/codes": true,
		}),
	)
	user.HandleFunc("/pairing/codes", api.handleIssueCode).Methods(http.MethodPost)
	user.HandleFunc("/devices", api.handleListDevices).Methods(http.MethodGet)
	user.HandleFunc("/devices/{deviceId}", api.handleUnpairDevice).Methods(http.MethodDelete)
	user.HandleFunc("/auth/stats", api.handleAuthStats).Methods(http.MethodGet)
	user.HandleFunc("/audit/logs", api.handleAuditLogs).Methods(http.MethodGet)
	return router
}

// Serve listens on the configured address until Shutdown.
func (api *HTTP) Serve(lis net.Listener) error {
	api.logger.Info("serving http", zap.String("listen", lis.Addr().String()))
	if err := api.srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones. Hijacked websocket
// connections are not tracked by net/http; close them through the hub.
func (api *HTTP) Shutdown(ctx context.Context) error {
	return api.srv.Shutdown(ctx)
}
