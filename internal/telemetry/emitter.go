// Package telemetry carries best-effort operational events (pairing issued, session expired,
// connection rejected) to an exporter. Events never affect the caller's result.
package telemetry

import (
	"context"
	"time"
)

// Event types emitted by the pairing, session and channel layers.
const (
	EventPairingCodeIssued  = "pairing_code_issued"
	EventPairingRedeemed    = "pairing_redeemed"
	EventSuspiciousActivity = "pairing_suspicious_activity"
	EventSessionCreated     = "session_created"
	EventSessionExpired     = "session_expired"
	EventConnectionAccepted = "connection_authenticated"
	EventConnectionRejected = "connection_rejected"
	EventCommandExecuted    = "command_executed"
	EventCleanupCompleted   = "cleanup_completed"
	EventHTTPRequest        = "http_request"
	EventGRPCRequest        = "grpc_request"
)

// Event is one telemetry event. Metadata is an optional JSON object.
type Event struct {
	UserID    string
	DeviceID  string
	SessionID string
	EventType string
	Source    string
	Metadata  []byte
	CreatedAt time.Time
}

// EventEmitter emits telemetry events (e.g. to OTel Logs). Best-effort; callers log and ignore errors.
type EventEmitter interface {
	Emit(ctx context.Context, event *Event) error
}
