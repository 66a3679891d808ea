package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/pulsefeed/notification-engine/internal/domain"
)

// DeviceService manages push targets for a user's devices.
type DeviceService struct {
	repo   domain.DeviceRepository
	logger *slog.Logger
	now    func() time.Time
}

func NewDeviceService(repo domain.DeviceRepository, logger *slog.Logger) *DeviceService {
	return &DeviceService{repo: repo, logger: logger, now: time.Now}
}

// Register stores or refreshes a device's push token. Re-registering an
// existing device updates the token and resets its expiry horizon.
func (s *DeviceService) Register(ctx context.Context, reg *domain.DeviceRegistration) error {
	reg.TokenUpdatedAt = s.now().UTC()
	reg.Active = true
	if err := reg.Validate(); err != nil {
		return err
	}
	if err := s.repo.Register(ctx, reg); err != nil {
		return err
	}
	s.logger.Info("device registered",
		"user_id", reg.UserID,
		"device_id", reg.DeviceID,
		"platform", reg.Platform,
	)
	return nil
}

// Deactivate removes a device from push fanout.
func (s *DeviceService) Deactivate(ctx context.Context, userID, deviceID string) error {
	return s.repo.Deactivate(ctx, userID, deviceID)
}

// ListActive returns the user's devices eligible for push delivery.
func (s *DeviceService) ListActive(ctx context.Context, userID string) ([]*domain.DeviceRegistration, error) {
	return s.repo.ListActive(ctx, userID)
}
