// Package domain holds the pairing token model handed between the coordinator and its stores.
package domain

import (
	"time"

	devicedomain "remotecast/backend/internal/device/domain"
)

// OS is the mobile platform a device reports.
type OS string

const (
	OSiOS     OS = "ios"
	OSAndroid OS = "android"
	OSiPadOS  OS = "ipados"
)

// DeviceInfo is what the issuing surface declares about the device that will scan the code.
type DeviceInfo struct {
	Name         string                    `json:"name" validate:"required,max=100"`
	Model        string                    `json:"model" validate:"required,max=100"`
	OS           OS                        `json:"os" validate:"required,oneof=ios android ipados"`
	OSVersion    string                    `json:"osVersion" validate:"max=32"`
	AppVersion   string                    `json:"appVersion" validate:"max=32"`
	Capabilities []devicedomain.Capability `json:"capabilities" validate:"required,min=1,dive,capability"`
}

// PairingToken is one pending pairing attempt. IsUsed flips false to true at most once;
// ExpiredAt is set when a sweep retires the token unused.
type PairingToken struct {
	ID         string
	Code       string
	Token      string
	UserID     string
	DeviceInfo DeviceInfo
	ExpiresAt  time.Time
	IsUsed     bool
	UsedAt     *time.Time
	ExpiredAt  *time.Time
	CreatedAt  time.Time
}

// IsExpired reports whether the token is past its deadline or was retired by a sweep.
func (t *PairingToken) IsExpired(now time.Time) bool {
	return t.ExpiredAt != nil || !now.Before(t.ExpiresAt)
}
