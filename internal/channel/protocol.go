package channel

import (
	"encoding/json"
	"time"
)

// Inbound message types.
const (
	MsgExecuteCommand       = "executeCommand"
	MsgExecuteStreamCommand = "executeStreamCommand"
	MsgRequestStatus        = "requestStatus"
	MsgHeartbeat            = "heartbeat"
	MsgRefreshSession       = "refreshSession"
	MsgSubscribe            = "subscribe"
	MsgUnsubscribe          = "unsubscribe"
)

// Outbound message types.
const (
	MsgAuthenticated        = "authenticated"
	MsgAuthenticationFailed = "authenticationFailed"
	MsgCommandResult        = "commandResult"
	MsgStreamCommandResult  = "streamCommandResult"
	MsgStatusResponse       = "statusResponse"
	MsgHeartbeatAck         = "heartbeatAck"
	MsgSessionRefreshed     = "sessionRefreshed"
	MsgSessionExpired       = "sessionExpired"
	MsgSubscribed           = "subscribed"
	MsgUnsubscribed         = "unsubscribed"
	MsgError                = "error"
)

// Status kinds accepted by requestStatus.
const (
	StatusDevice  = "device"
	StatusStreams = "streams"
	StatusPiP     = "pip"
)

// Client-facing messages.
const (
	MsgTextInvalidEnvelope   = "Invalid message format"
	MsgTextUnknownType       = "Unknown message type"
	MsgTextNotAuthenticated  = "Not authenticated"
	MsgTextInvalidCommand    = "Invalid command"
	MsgTextCommandRateLimit  = "Too many commands. Please slow down."
	MsgTextPolicyUnavailable = "Command authorization unavailable"
	MsgTextCommandFailed     = "Command execution failed"
	MsgTextUnknownStatus     = "Unknown status type"
	MsgTextStatusFailed      = "Status unavailable"
	MsgTextInvalidChannel    = "Invalid channel"
	MsgTextRefreshFailed     = "Session refresh failed"
)

// Inbound is the envelope every client message arrives in.
type Inbound struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	RequestID string          `json:"requestId,omitempty"`
}

// Outbound is the envelope every server message is sent in.
type Outbound struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
	RequestID string    `json:"requestId,omitempty"`
}

// CommandData is the body of executeCommand and executeStreamCommand.
type CommandData struct {
	Type       string         `json:"type"`
	StreamID   string         `json:"streamId,omitempty"`
	Parameters map[string]any `json:"parameters"`
}

// CommandResult is the body of commandResult and streamCommandResult.
type CommandResult struct {
	Success   bool           `json:"success"`
	Error     string         `json:"error,omitempty"`
	Code      string         `json:"code,omitempty"`
	Result    map[string]any `json:"result,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

type statusRequest struct {
	Type string `json:"type"`
}

// StatusResponse carries either Data or Error.
type StatusResponse struct {
	Type  string `json:"type"`
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

type heartbeatData struct {
	BatteryLevel *int    `json:"batteryLevel" validate:"omitempty,min=0,max=100"`
	NetworkType  *string `json:"networkType" validate:"omitempty,max=32"`
}

type refreshData struct {
	RefreshToken string `json:"refreshToken"`
}

type channelData struct {
	ChannelID string `json:"channelId"`
}

// AuthenticatedData is sent once the handshake succeeds.
type AuthenticatedData struct {
	ConnectionID     string    `json:"connectionId"`
	DeviceID         string    `json:"deviceId"`
	UserID           string    `json:"userId"`
	Capabilities     []string  `json:"capabilities"`
	SessionExpiresAt time.Time `json:"sessionExpiresAt"`
}

// DeviceStatus is the device view returned by requestStatus{type:"device"}.
type DeviceStatus struct {
	DeviceID     string     `json:"deviceId"`
	Name         string     `json:"name,omitempty"`
	IsPaired     bool       `json:"isPaired"`
	IsOnline     bool       `json:"isOnline"`
	BatteryLevel *int       `json:"batteryLevel,omitempty"`
	NetworkType  string     `json:"networkType,omitempty"`
	LastSeenAt   *time.Time `json:"lastSeenAt,omitempty"`
	Capabilities []string   `json:"capabilities"`
}

func messageData(message string) map[string]string {
	return map[string]string{"message": message}
}
