package interceptors

import (
	"net/http"
	"strings"

	"go.uber.org/zap"

	"remotecast/backend/internal/apperror"
	"remotecast/backend/internal/logger"
)

const bearerPrefix = "bearer "

// TokenValidator validates a user access token and returns its subject.
type TokenValidator interface {
	ValidateAccess(token string) (userID string, err error)
}

// Auth returns middleware that requires a valid Bearer access token and stores the user ID in
// the request context. Requests without one get a 401 with the generic auth message.
func Auth(tokens TokenValidator, log *zap.Logger) func(http.Handler) http.Handler {
	log = logger.OrNop(log)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := ExtractBearer(r.Header.Get("Authorization"))
			if token == "" {
				apperror.WriteJSON(w, apperror.Unauthenticated(nil))
				return
			}
			userID, err := tokens.ValidateAccess(token)
			if err != nil {
				rid, _ := GetRequestID(r.Context())
				log.Debug("access token rejected", zap.String("request_id", rid), zap.Error(err))
				apperror.WriteJSON(w, apperror.Unauthenticated(err))
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), userID)))
		})
	}
}

// ExtractBearer returns the token of an "Authorization: Bearer <token>" value, or "" if missing or malformed.
func ExtractBearer(header string) string {
	v := strings.TrimSpace(header)
	if len(v) < len(bearerPrefix) {
		return ""
	}
	if !strings.EqualFold(v[:len(bearerPrefix)], bearerPrefix) {
		return ""
	}
	return strings.TrimSpace(v[len(bearerPrefix):])
}
