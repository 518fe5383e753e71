package interceptors

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"remotecast/backend/internal/logger"
	"remotecast/backend/internal/telemetry"
)

// unmatchedRoute labels requests no route matched, keeping metric cardinality bounded.
const unmatchedRoute = "unmatched"

// HTTPMetrics receives one observation per served request.
type HTTPMetrics interface {
	ObserveHTTPRequest(method, route string, status int, duration time.Duration)
}

// httpRequestMetadata is the JSON shape stored in Event.Metadata for http_request events.
type httpRequestMetadata struct {
	Method     string `json:"method"`
	Route      string `json:"route"`
	StatusCode int    `json:"status_code"`
	DurationMs int64  `json:"duration_ms"`
	ClientIP   string `json:"client_ip"`
	RequestID  string `json:"request_id"`
}

// grpcRequestMetadata is the JSON shape stored in Event.Metadata for grpc_request events.
type grpcRequestMetadata struct {
	FullMethod string `json:"full_method"`
	StatusCode string `json:"status_code"`
	DurationMs int64  `json:"duration_ms"`
	ClientIP   string `json:"client_ip"`
}

// Telemetry returns middleware that logs each request, records it in metrics and emits an
// http_request telemetry event. emitter and metrics may be nil. skipRoutes holds route templates
// (e.g. "/metrics") that are neither logged nor emitted; they are still counted.
func Telemetry(emitter telemetry.EventEmitter, metrics HTTPMetrics, skipRoutes map[string]bool, log *zap.Logger) func(http.Handler) http.Handler {
	log = logger.OrNop(log)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := recorderFor(w)
			next.ServeHTTP(rec, r)
			took := time.Since(start)

			route := RouteTemplate(r)
			if route == "" {
				route = unmatchedRoute
			}
			if metrics != nil {
				metrics.ObserveHTTPRequest(r.Method, route, rec.Status(), took)
			}
			if skipRoutes[route] {
				return
			}
			rid, _ := GetRequestID(r.Context())
			log.Info("served",
				zap.String("request_id", rid),
				zap.String("method", r.Method),
				zap.String("route", route),
				zap.Int("status", rec.Status()),
				zap.Duration("took", took))

			meta, _ := json.Marshal(httpRequestMetadata{
				Method:     r.Method,
				Route:      route,
				StatusCode: rec.Status(),
				DurationMs: took.Milliseconds(),
				ClientIP:   ClientIPFromContext(r.Context()),
				RequestID:  rid,
			})
			userID, _ := GetUserID(r.Context())
			telemetry.EmitAsync(emitter, log, &telemetry.Event{
				UserID:    userID,
				EventType: telemetry.EventHTTPRequest,
				Source:    "http_middleware",
				Metadata:  meta,
			})
		})
	}
}

// TelemetryUnary returns a unary server interceptor that emits a grpc_request event after each RPC.
// Best-effort: failures are logged and do not fail the RPC. skipMethods holds full method names
// that are not emitted.
func TelemetryUnary(emitter telemetry.EventEmitter, skipMethods map[string]bool, log *zap.Logger) grpc.UnaryServerInterceptor {
	log = logger.OrNop(log)
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		if emitter == nil || skipMethods[info.FullMethod] {
			return resp, err
		}
		meta, _ := json.Marshal(grpcRequestMetadata{
			FullMethod: info.FullMethod,
			StatusCode: status.Code(err).String(),
			DurationMs: time.Since(start).Milliseconds(),
			ClientIP:   peerIP(ctx),
		})
		telemetry.EmitAsync(emitter, log, &telemetry.Event{
			EventType: telemetry.EventGRPCRequest,
			Source:    "grpc_interceptor",
			Metadata:  meta,
		})
		return resp, err
	}
}

func peerIP(ctx context.Context) string {
	p, ok := peer.FromContext(ctx)
	if !ok || p.Addr == nil {
		return "unknown"
	}
	if host, _, err := net.SplitHostPort(p.Addr.String()); err == nil {
		return host
	}
	return p.Addr.String()
}
