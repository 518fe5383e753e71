// Package apperror defines the error taxonomy shared by pairing, sessions and the command channel.
// Message is safe to show to clients; Internal carries detail for logs only.
package apperror

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an application error.
type Kind string

const (
	KindValidation          Kind = "VALIDATION_ERROR"
	KindRateLimit           Kind = "RATE_LIMIT_EXCEEDED"
	KindExpired             Kind = "EXPIRED"
	KindAlreadyUsed         Kind = "ALREADY_USED"
	KindSuspiciousActivity  Kind = "SUSPICIOUS_ACTIVITY"
	KindDeviceMismatch      Kind = "DEVICE_MISMATCH"
	KindSessionStale        Kind = "SESSION_STALE"
	KindPersistenceConflict Kind = "PERSISTENCE_CONFLICT"
	KindUnauthenticated     Kind = "UNAUTHENTICATED"
	KindForbidden           Kind = "FORBIDDEN"
	KindUnavailable         Kind = "SERVICE_UNAVAILABLE"
	KindInternal            Kind = "INTERNAL_ERROR"
)

// Error is an application error with a stable client message.
type Error struct {
	Kind     Kind   `json:"code"`
	Message  string `json:"message"`
	Internal error  `json:"-"`
}

func (e *Error) Error() string {
	if e.Internal != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Internal)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Internal }

// New returns an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap returns an Error of the given kind carrying an internal cause.
func Wrap(kind Kind, message string, internal error) *Error {
	return &Error{Kind: kind, Message: message, Internal: internal}
}

func Validation(message string) *Error  { return New(KindValidation, message) }
func RateLimit(message string) *Error   { return New(KindRateLimit, message) }
func Expired(message string) *Error     { return New(KindExpired, message) }
func AlreadyUsed(message string) *Error { return New(KindAlreadyUsed, message) }
func Forbidden(message string) *Error   { return New(KindForbidden, message) }
func SessionStale(message string) *Error {
	return New(KindSessionStale, message)
}

// Suspicious, DeviceMismatch and Unauthenticated carry a generic client message; the detail goes to Internal.
func Suspicious(internal error) *Error {
	return Wrap(KindSuspiciousActivity, GenericAuthMessage, internal)
}

func DeviceMismatch(internal error) *Error {
	return Wrap(KindDeviceMismatch, GenericAuthMessage, internal)
}

func Unauthenticated(internal error) *Error {
	return Wrap(KindUnauthenticated, GenericAuthMessage, internal)
}

// Unavailable is returned once transient persistence retries are exhausted.
func Unavailable(internal error) *Error {
	return Wrap(KindUnavailable, "Service temporarily unavailable", internal)
}

func Conflict(internal error) *Error {
	return Wrap(KindPersistenceConflict, "Conflicting update, please retry", internal)
}

func Internal(internal error) *Error {
	return Wrap(KindInternal, "Internal server error", internal)
}

// GenericAuthMessage is shown to clients for every security-relevant rejection.
const GenericAuthMessage = "Authentication failed"

// As returns the *Error in err's chain, if any.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the kind of err, or KindInternal for foreign errors. A nil error has no kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	if e, ok := As(err); ok {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	e, ok := As(err)
	return ok && e.Kind == kind
}

// PublicMessage returns the message a client may see for err.
func PublicMessage(err error) string {
	if e, ok := As(err); ok {
		return e.Message
	}
	return "Internal server error"
}

// HTTPStatus maps a kind to an HTTP status code.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindRateLimit:
		return http.StatusTooManyRequests
	case KindExpired, KindAlreadyUsed:
		return http.StatusGone
	case KindSuspiciousActivity, KindDeviceMismatch, KindUnauthenticated, KindSessionStale:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindPersistenceConflict:
		return http.StatusConflict
	case KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// WriteJSON writes err as {"code","message"} with the status of its kind.
func WriteJSON(w http.ResponseWriter, err error) {
	kind := KindOf(err)
	if kind == "" {
		kind = KindInternal
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(HTTPStatus(kind))
	_ = json.NewEncoder(w).Encode(&Error{Kind: kind, Message: PublicMessage(err)})
}
