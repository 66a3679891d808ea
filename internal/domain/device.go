package domain

import (
	"context"
	"time"
)

type Platform string

const (
	PlatformIOS     Platform = "ios"
	PlatformAndroid Platform = "android"
	PlatformWeb     Platform = "web"
)

func (p Platform) IsValid() bool {
	switch p {
	case PlatformIOS, PlatformAndroid, PlatformWeb:
		return true
	}
	return false
}

// DeviceRegistration is a push target for one of a user's devices.
type DeviceRegistration struct {
	UserID         string    `json:"user_id"`
	DeviceID       string    `json:"device_id"`
	PushToken      string    `json:"push_token"`
	Platform       Platform  `json:"platform"`
	TokenUpdatedAt time.Time `json:"token_updated_at"`
	Active         bool      `json:"active"`
}

// TokenExpired reports whether the push token is older than the horizon and
// should be skipped (and eventually re-registered by the client).
func (d *DeviceRegistration) TokenExpired(now time.Time, horizon time.Duration) bool {
	if horizon <= 0 {
		return false
	}
	return now.Sub(d.TokenUpdatedAt) > horizon
}

func (d *DeviceRegistration) Validate() error {
	switch {
	case d.UserID == "":
		return NewValidationError("user_id", "user id is required")
	case d.DeviceID == "":
		return NewValidationError("device_id", "device id is required")
	case d.PushToken == "":
		return NewValidationError("push_token", "push token is required")
	case !d.Platform.IsValid():
		return NewValidationError("platform", "platform must be ios, android or web")
	}
	return nil
}

// DeviceRepository persists device registrations for push delivery.
type DeviceRepository interface {
	Register(ctx context.Context, reg *DeviceRegistration) error
	Deactivate(ctx context.Context, userID, deviceID string) error
	ListActive(ctx context.Context, userID string) ([]*DeviceRegistration, error)
}
