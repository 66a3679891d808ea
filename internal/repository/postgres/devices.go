package postgres

import (
	"context"
	"fmt"

	"github.com/pulsefeed/notification-engine/internal/domain"
)

// DeviceRepository implements domain.DeviceRepository using PostgreSQL.
type DeviceRepository struct {
	db *DB
}

func NewDeviceRepository(db *DB) *DeviceRepository {
	return &DeviceRepository{db: db}
}

// Register upserts on (user_id, device_id); re-registration refreshes the
// token and reactivates the device.
func (r *DeviceRepository) Register(ctx context.Context, reg *domain.DeviceRegistration) error {
	query := `
		INSERT INTO devices (user_id, device_id, push_token, platform, token_updated_at, active)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id, device_id) DO UPDATE SET
			push_token = EXCLUDED.push_token,
			platform = EXCLUDED.platform,
			token_updated_at = EXCLUDED.token_updated_at,
			active = EXCLUDED.active
	`

	_, err := r.db.Pool.Exec(ctx, query,
		reg.UserID, reg.DeviceID, reg.PushToken, reg.Platform, reg.TokenUpdatedAt, reg.Active,
	)
	if err != nil {
		return fmt.Errorf("failed to register device: %w", err)
	}
	return nil
}

func (r *DeviceRepository) Deactivate(ctx context.Context, userID, deviceID string) error {
	query := `UPDATE devices SET active = FALSE WHERE user_id = $1 AND device_id = $2`

	result, err := r.db.Pool.Exec(ctx, query, userID, deviceID)
	if err != nil {
		return fmt.Errorf("failed to deactivate device: %w", err)
	}
	if result.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *DeviceRepository) ListActive(ctx context.Context, userID string) ([]*domain.DeviceRegistration, error) {
	query := `
		SELECT user_id, device_id, push_token, platform, token_updated_at, active
		FROM devices
		WHERE user_id = $1 AND active = TRUE
		ORDER BY token_updated_at DESC
	`

	rows, err := r.db.Pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query devices: %w", err)
	}
	defer rows.Close()

	devices := make([]*domain.DeviceRegistration, 0)
	for rows.Next() {
		d := &domain.DeviceRegistration{}
		if err := rows.Scan(&d.UserID, &d.DeviceID, &d.PushToken, &d.Platform, &d.TokenUpdatedAt, &d.Active); err != nil {
			return nil, fmt.Errorf("failed to scan device: %w", err)
		}
		devices = append(devices, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating devices: %w", err)
	}
	return devices, nil
}
