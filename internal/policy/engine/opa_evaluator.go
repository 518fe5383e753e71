package engine

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/open-policy-agent/opa/v1/storage/inmem"
	"go.uber.org/zap"

	devicedomain "remotecast/backend/internal/device/domain"
)

const decisionQuery = "data.remotecast.commands.decision"

// defaultRegoPolicy allows a command when the device is paired and both the device and the
// session hold the capability the command requires.
const defaultRegoPolicy = `package remotecast.commands

default allow := false

required := data.remotecast.capabilities[input.command]

allow if {
	input.device.paired
	required in input.device.capabilities
	required in input.session.capabilities
}

reason := "" if {
	allow
} else := "device is not paired" if {
	not input.device.paired
} else := "unknown command" if {
	not data.remotecast.capabilities[input.command]
} else := "missing capability"

decision := {"allow": allow, "reason": reason}
`

var errNoResult = errors.New("policy query returned no result")

// OPAEvaluator authorizes commands with a prepared Rego query. Evaluation errors deny.
type OPAEvaluator struct {
	query  rego.PreparedEvalQuery
	logger *zap.Logger
}

// NewOPAEvaluator compiles the command policy. policyFile, when set, replaces the built-in
// module; it must define data.remotecast.commands.decision.
func NewOPAEvaluator(ctx context.Context, policyFile string, logger *zap.Logger) (*OPAEvaluator, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	src, name := defaultRegoPolicy, "commands.rego"
	if policyFile != "" {
		b, err := os.ReadFile(policyFile)
		if err != nil {
			return nil, fmt.Errorf("read policy file: %w", err)
		}
		src, name = string(b), policyFile
	}
	store := inmem.NewFromObject(map[string]interface{}{
		"remotecast": map[string]interface{}{
			"capabilities": capabilityTable(),
		},
	})
	q, err := rego.New(
		rego.Query(decisionQuery),
		rego.Module(name, src),
		rego.Store(store),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("compile command policy: %w", err)
	}
	e := &OPAEvaluator{query: q, logger: logger}
	if err := e.HealthCheck(ctx); err != nil {
		return nil, err
	}
	return e, nil
}

func capabilityTable() map[string]interface{} {
	out := make(map[string]interface{})
	for cmd, c := range devicedomain.RequiredCapabilities() {
		out[cmd] = c
	}
	return out
}

// HealthCheck evaluates the policy against a minimal input.
func (e *OPAEvaluator) HealthCheck(ctx context.Context) error {
	_, err := e.eval(ctx, map[string]interface{}{
		"command": string(devicedomain.CommandPause),
		"device":  map[string]interface{}{"id": "", "paired": false, "capabilities": []interface{}{}},
		"session": map[string]interface{}{"id": "", "capabilities": []interface{}{}},
	})
	if err != nil {
		return fmt.Errorf("eval command policy: %w", err)
	}
	return nil
}

// AuthorizeCommand evaluates the command policy for req.
func (e *OPAEvaluator) AuthorizeCommand(ctx context.Context, req CommandRequest) (Decision, error) {
	input := buildInput(req)
	d, err := e.eval(ctx, input)
	if err != nil {
		e.logger.Error("policy: command evaluation failed, denying",
			zap.String("command", string(req.Command)), zap.String("session_id", req.SessionID), zap.Error(err))
		return Decision{Allowed: false, Reason: "policy unavailable"}, err
	}
	return d, nil
}

func buildInput(req CommandRequest) map[string]interface{} {
	device := map[string]interface{}{
		"id":           "",
		"user_id":      "",
		"paired":       false,
		"capabilities": []interface{}{},
	}
	if req.Device != nil {
		device["id"] = req.Device.ID
		device["user_id"] = req.Device.UserID
		device["paired"] = req.Device.IsPaired
		device["capabilities"] = toList(req.Device.Capabilities)
	}
	return map[string]interface{}{
		"command": string(req.Command),
		"device":  device,
		"session": map[string]interface{}{
			"id":           req.SessionID,
			"capabilities": toList(req.SessionCapabilities),
		},
	}
}

func toList(caps []devicedomain.Capability) []interface{} {
	out := make([]interface{}, len(caps))
	for i, c := range caps {
		out[i] = string(c)
	}
	return out
}

func (e *OPAEvaluator) eval(ctx context.Context, input map[string]interface{}) (Decision, error) {
	rs, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return Decision{}, err
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return Decision{}, errNoResult
	}
	obj, ok := rs[0].Expressions[0].Value.(map[string]interface{})
	if !ok {
		return Decision{}, fmt.Errorf("policy decision has type %T", rs[0].Expressions[0].Value)
	}
	allow, ok := obj["allow"].(bool)
	if !ok {
		return Decision{}, errors.New("policy decision missing allow")
	}
	reason, _ := obj["reason"].(string)
	return Decision{Allowed: allow, Reason: reason}, nil
}
