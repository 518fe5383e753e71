package domain

import "time"

// Device is a mobile device paired to a user. Records persist after unpairing.
type Device struct {
	ID              string
	UserID          string
	Name            string
	Model           string
	OS              string
	OSVersion       string
	AppVersion      string
	Capabilities    []Capability
	FingerprintHash string
	IsPaired        bool
	IsOnline        bool
	BatteryLevel    *int
	NetworkType     string
	LastSeenAt      *time.Time
	PairedAt        *time.Time
	UnpairedAt      *time.Time
	CreatedAt       time.Time
}

// CanExecuteCommand reports whether the device is paired and holds the capability t requires.
func (d *Device) CanExecuteCommand(t CommandType) bool {
	if d == nil || !d.IsPaired {
		return false
	}
	c, ok := RequiredCapability(t)
	if !ok {
		return false
	}
	return HasCapability(d.Capabilities, c)
}

// Unpair clears the paired and online flags.
func (d *Device) Unpair(at time.Time) {
	d.IsPaired = false
	d.IsOnline = false
	d.UnpairedAt = &at
}

// Telemetry is a heartbeat or status update from the device. Nil fields are left unchanged.
type Telemetry struct {
	BatteryLevel *int
	NetworkType  *string
	At           time.Time
}

// Apply records telemetry and refreshes the last-seen timestamp.
func (d *Device) Apply(t Telemetry) {
	if t.BatteryLevel != nil {
		b := *t.BatteryLevel
		d.BatteryLevel = &b
	}
	if t.NetworkType != nil {
		d.NetworkType = *t.NetworkType
	}
	at := t.At
	d.LastSeenAt = &at
}
