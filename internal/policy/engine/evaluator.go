package engine

import (
	"context"

	devicedomain "remotecast/backend/internal/device/domain"
)

// CommandRequest is the input to a command authorization decision.
type CommandRequest struct {
	Command             devicedomain.CommandType
	Device              *devicedomain.Device
	SessionID           string
	SessionCapabilities []devicedomain.Capability
}

// Decision is the outcome of a command authorization.
type Decision struct {
	Allowed bool
	Reason  string
}

// Authorizer decides whether a device session may run a command.
type Authorizer interface {
	// AuthorizeCommand returns the decision for req. An error means the policy could not be
	// evaluated; the returned decision then denies.
	AuthorizeCommand(ctx context.Context, req CommandRequest) (Decision, error)
}
