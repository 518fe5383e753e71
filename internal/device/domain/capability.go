package domain

import (
	"fmt"
	"sort"
)

// Capability is a permission a paired device may hold. The set is closed; unknown values are rejected.
type Capability string

const (
	CapabilityStreamControl  Capability = "stream_control"
	CapabilityQualityControl Capability = "quality_control"
	CapabilityPiPControl     Capability = "pip_control"
	CapabilityNotifications  Capability = "notifications"
)

var knownCapabilities = map[Capability]struct{}{
	CapabilityStreamControl:  {},
	CapabilityQualityControl: {},
	CapabilityPiPControl:     {},
	CapabilityNotifications:  {},
}

// Valid reports whether c belongs to the vocabulary.
func (c Capability) Valid() bool {
	_, ok := knownCapabilities[c]
	return ok
}

// ParseCapabilities converts raw strings into a deduplicated, sorted capability list.
// It fails on the first unknown value.
func ParseCapabilities(raw []string) ([]Capability, error) {
	seen := make(map[Capability]struct{}, len(raw))
	out := make([]Capability, 0, len(raw))
	for _, r := range raw {
		c := Capability(r)
		if !c.Valid() {
			return nil, fmt.Errorf("unknown capability %q", r)
		}
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// CapabilityStrings is the inverse of ParseCapabilities.
func CapabilityStrings(caps []Capability) []string {
	out := make([]string, len(caps))
	for i, c := range caps {
		out[i] = string(c)
	}
	return out
}

// HasCapability reports whether c is in caps.
func HasCapability(caps []Capability, c Capability) bool {
	for _, have := range caps {
		if have == c {
			return true
		}
	}
	return false
}

// IsSubset reports whether every element of sub is in super.
func IsSubset(sub, super []Capability) bool {
	for _, c := range sub {
		if !HasCapability(super, c) {
			return false
		}
	}
	return true
}

// CommandType names a remote command the mobile app may send.
type CommandType string

const (
	CommandStartStream      CommandType = "start_stream"
	CommandStopStream       CommandType = "stop_stream"
	CommandPause            CommandType = "pause"
	CommandResume           CommandType = "resume"
	CommandSetVolume        CommandType = "set_volume"
	CommandSetQuality       CommandType = "set_quality"
	CommandSetBitrate       CommandType = "set_bitrate"
	CommandPiPEnable        CommandType = "pip_enable"
	CommandPiPDisable       CommandType = "pip_disable"
	CommandPiPMove          CommandType = "pip_move"
	CommandPiPResize        CommandType = "pip_resize"
	CommandSendNotification CommandType = "send_notification"
)

var requiredCapability = map[CommandType]Capability{
	CommandStartStream:      CapabilityStreamControl,
	CommandStopStream:       CapabilityStreamControl,
	CommandPause:            CapabilityStreamControl,
	CommandResume:           CapabilityStreamControl,
	CommandSetVolume:        CapabilityStreamControl,
	CommandSetQuality:       CapabilityQualityControl,
	CommandSetBitrate:       CapabilityQualityControl,
	CommandPiPEnable:        CapabilityPiPControl,
	CommandPiPDisable:       CapabilityPiPControl,
	CommandPiPMove:          CapabilityPiPControl,
	CommandPiPResize:        CapabilityPiPControl,
	CommandSendNotification: CapabilityNotifications,
}

// RequiredCapability returns the capability needed to run t; ok is false for unknown commands.
func RequiredCapability(t CommandType) (Capability, bool) {
	c, ok := requiredCapability[t]
	return c, ok
}

// RequiredCapabilities returns a copy of the command → capability table, e.g. for policy input.
func RequiredCapabilities() map[string]string {
	out := make(map[string]string, len(requiredCapability))
	for t, c := range requiredCapability {
		out[string(t)] = string(c)
	}
	return out
}
