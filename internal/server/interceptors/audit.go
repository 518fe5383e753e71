package interceptors

import (
	"net"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"remotecast/backend/internal/audit"
)

// Audit returns middleware that records an audit entry after each authenticated request.
// It must run inside Auth so the user ID is visible. skipRoutes holds "METHOD template" keys
// (e.g. "GET /api/v1/audit/logs") that are not audited. LogEvent is best-effort.
func Audit(auditLogger audit.AuditLogger, skipRoutes map[string]bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rec := recorderFor(w)
			next.ServeHTTP(rec, r)
			if auditLogger == nil {
				return
			}
			userID, ok := GetUserID(r.Context())
			if !ok {
				return
			}
			route := RouteTemplate(r)
			if skipRoutes[r.Method+" "+route] {
				return
			}
			ar := audit.ParseRoute(r.Method, route)
			rid, _ := GetRequestID(r.Context())
			auditLogger.LogEvent(r.Context(), userID, mux.Vars(r)["deviceId"], ar.Action, ar.Resource,
				map[string]any{"status": rec.Status(), "request_id": rid})
		})
	}
}

// RouteTemplate returns the path template of the matched mux route, or "" when no route matched.
func RouteTemplate(r *http.Request) string {
	route := mux.CurrentRoute(r)
	if route == nil {
		return ""
	}
	tpl, err := route.GetPathTemplate()
	if err != nil {
		return ""
	}
	return tpl
}

// ClientIP returns the client IP from X-Forwarded-For, X-Real-IP or the remote address, or "unknown".
func ClientIP(r *http.Request) string {
	if s := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); s != "" {
		if i := strings.Index(s, ","); i > 0 {
			s = strings.TrimSpace(s[:i])
		}
		return s
	}
	if s := strings.TrimSpace(r.Header.Get("X-Real-IP")); s != "" {
		return s
	}
	if r.RemoteAddr != "" {
		if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
			return host
		}
		return r.RemoteAddr
	}
	return "unknown"
}
