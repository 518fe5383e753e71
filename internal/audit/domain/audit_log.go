package domain

import "time"

// Actions recorded for pairing, device and session security events.
const (
	ActionPairingCodeIssued  = "pairing_code_issued"
	ActionPairingRedeemed    = "pairing_redeemed"
	ActionPairingRejected    = "pairing_rejected"
	ActionSuspiciousActivity = "suspicious_activity"
	ActionDevicePaired       = "device_paired"
	ActionDeviceUnpaired     = "device_unpaired"
	ActionSessionCreated     = "session_created"
	ActionSessionRefreshed   = "session_refreshed"
	ActionSessionRotated     = "session_rotated"
	ActionSessionRevoked     = "session_revoked"
	ActionConnectionRejected = "connection_rejected"
	ActionCommandDenied      = "command_denied"
)

// Resources an audit action applies to.
const (
	ResourcePairingCode = "pairing_code"
	ResourceDevice      = "device"
	ResourceSession     = "session"
	ResourceConnection  = "connection"
	ResourceCommand     = "command"
)

// AuditLog represents an audit event. Metadata is a JSON object or empty.
type AuditLog struct {
	ID        string
	UserID    string
	DeviceID  string
	Action    string
	Resource  string
	IP        string
	Metadata  string
	CreatedAt time.Time
}
