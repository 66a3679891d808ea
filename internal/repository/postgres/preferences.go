package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pulsefeed/notification-engine/internal/domain"
)

// PreferenceRepository implements domain.PreferenceRepository using
// PostgreSQL. The override maps are stored as one jsonb document; quiet
// hours and batching settings are columns.
type PreferenceRepository struct {
	db *DB
}

func NewPreferenceRepository(db *DB) *PreferenceRepository {
	return &PreferenceRepository{db: db}
}

// overrides is the jsonb document shape for the per-type maps.
type overrides struct {
	TypeEnabled      map[domain.NotificationType]bool               `json:"type_enabled,omitempty"`
	ChannelOverrides map[domain.NotificationType]domain.ChannelMask `json:"channel_overrides,omitempty"`
	HourlyCaps       map[domain.NotificationType]int                `json:"hourly_caps,omitempty"`
	DailyCaps        map[domain.NotificationType]int                `json:"daily_caps,omitempty"`
	BlockedSenders   []string                                       `json:"blocked_senders,omitempty"`
}

func (r *PreferenceRepository) Get(ctx context.Context, userID string) (*domain.Preferences, error) {
	query := `
		SELECT user_id, overrides,
			quiet_hours_enabled, quiet_start, quiet_end, timezone,
			batching_enabled, batch_window_seconds, updated_at
		FROM preferences
		WHERE user_id = $1
	`

	p := &domain.Preferences{}
	var doc []byte
	var batchWindowSeconds int64

	err := r.db.Pool.QueryRow(ctx, query, userID).Scan(
		&p.UserID, &doc,
		&p.QuietHoursEnabled, &p.QuietStart, &p.QuietEnd, &p.Timezone,
		&p.BatchingEnabled, &batchWindowSeconds, &p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get preferences: %w", err)
	}

	var ov overrides
	if len(doc) > 0 {
		if err := json.Unmarshal(doc, &ov); err != nil {
			return nil, fmt.Errorf("failed to decode preference overrides: %w", err)
		}
	}
	p.TypeEnabled = ov.TypeEnabled
	p.ChannelOverrides = ov.ChannelOverrides
	p.HourlyCaps = ov.HourlyCaps
	p.DailyCaps = ov.DailyCaps
	p.BlockedSenders = ov.BlockedSenders
	p.BatchWindow = time.Duration(batchWindowSeconds) * time.Second
	return p, nil
}

func (r *PreferenceRepository) Upsert(ctx context.Context, prefs *domain.Preferences) error {
	doc, err := json.Marshal(overrides{
		TypeEnabled:      prefs.TypeEnabled,
		ChannelOverrides: prefs.ChannelOverrides,
		HourlyCaps:       prefs.HourlyCaps,
		DailyCaps:        prefs.DailyCaps,
		BlockedSenders:   prefs.BlockedSenders,
	})
	if err != nil {
		return fmt.Errorf("failed to encode preference overrides: %w", err)
	}

	query := `
		INSERT INTO preferences (
			user_id, overrides,
			quiet_hours_enabled, quiet_start, quiet_end, timezone,
			batching_enabled, batch_window_seconds, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (user_id) DO UPDATE SET
			overrides = EXCLUDED.overrides,
			quiet_hours_enabled = EXCLUDED.quiet_hours_enabled,
			quiet_start = EXCLUDED.quiet_start,
			quiet_end = EXCLUDED.quiet_end,
			timezone = EXCLUDED.timezone,
			batching_enabled = EXCLUDED.batching_enabled,
			batch_window_seconds = EXCLUDED.batch_window_seconds,
			updated_at = EXCLUDED.updated_at
	`

	_, err = r.db.Pool.Exec(ctx, query,
		prefs.UserID, doc,
		prefs.QuietHoursEnabled, prefs.QuietStart, prefs.QuietEnd, prefs.Timezone,
		prefs.BatchingEnabled, int64(prefs.BatchWindow.Seconds()), prefs.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert preferences: %w", err)
	}
	return nil
}
