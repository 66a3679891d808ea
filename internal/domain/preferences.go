package domain

import (
	"context"
	"fmt"
	"time"
)

// Preferences is a user's per-type override of the engine defaults.
// Missing entries fall back to the processing rule for the type.
type Preferences struct {
	UserID string `json:"user_id"`

	// TypeEnabled disables whole notification types; absent means enabled.
	TypeEnabled map[NotificationType]bool `json:"type_enabled,omitempty"`

	// ChannelOverrides narrows the channels used per type.
	ChannelOverrides map[NotificationType]ChannelMask `json:"channel_overrides,omitempty"`

	// Per-type cap overrides; zero means "use the rule default".
	HourlyCaps map[NotificationType]int `json:"hourly_caps,omitempty"`
	DailyCaps  map[NotificationType]int `json:"daily_caps,omitempty"`

	QuietHoursEnabled bool   `json:"quiet_hours_enabled"`
	QuietStart        string `json:"quiet_start,omitempty"` // "HH:MM" in Timezone
	QuietEnd          string `json:"quiet_end,omitempty"`
	Timezone          string `json:"timezone,omitempty"`

	BatchingEnabled bool          `json:"batching_enabled"`
	BatchWindow     time.Duration `json:"batch_window,omitempty"`

	BlockedSenders []string `json:"blocked_senders,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// DefaultPreferences returns the preferences applied when a user has never
// saved any: everything enabled, batching on, no quiet hours.
func DefaultPreferences(userID string) *Preferences {
	return &Preferences{
		UserID:          userID,
		BatchingEnabled: true,
		Timezone:        "UTC",
		UpdatedAt:       time.Now().UTC(),
	}
}

// TypeAllowed reports whether the user receives notifications of this type.
func (p *Preferences) TypeAllowed(t NotificationType) bool {
	if p.TypeEnabled == nil {
		return true
	}
	enabled, ok := p.TypeEnabled[t]
	return !ok || enabled
}

// ChannelsFor intersects the user's channel override for a type with the
// given mask. Without an override the mask passes through unchanged.
func (p *Preferences) ChannelsFor(t NotificationType, mask ChannelMask) ChannelMask {
	if p.ChannelOverrides == nil {
		return mask
	}
	override, ok := p.ChannelOverrides[t]
	if !ok {
		return mask
	}
	return mask & override
}

// HourlyCap returns the user's override for a type, or def when unset.
func (p *Preferences) HourlyCap(t NotificationType, def int) int {
	if cap, ok := p.HourlyCaps[t]; ok && cap > 0 {
		return cap
	}
	return def
}

func (p *Preferences) DailyCap(t NotificationType, def int) int {
	if cap, ok := p.DailyCaps[t]; ok && cap > 0 {
		return cap
	}
	return def
}

func (p *Preferences) IsSenderBlocked(senderID string) bool {
	for _, blocked := range p.BlockedSenders {
		if blocked == senderID {
			return true
		}
	}
	return false
}

// InQuietHours reports whether now falls inside the user's quiet window.
// The window is interpreted in the user's timezone and may wrap midnight
// (22:00–07:00).
func (p *Preferences) InQuietHours(now time.Time) bool {
	if !p.QuietHoursEnabled || p.QuietStart == "" || p.QuietEnd == "" {
		return false
	}
	loc, err := time.LoadLocation(p.Timezone)
	if err != nil {
		loc = time.UTC
	}
	local := now.In(loc)
	start, err := minutesOfDay(p.QuietStart)
	if err != nil {
		return false
	}
	end, err := minutesOfDay(p.QuietEnd)
	if err != nil {
		return false
	}
	cur := local.Hour()*60 + local.Minute()
	if start <= end {
		return cur >= start && cur < end
	}
	return cur >= start || cur < end
}

// QuietHoursEndAfter returns the next instant the quiet window opens, used
// to defer non-urgent notifications.
func (p *Preferences) QuietHoursEndAfter(now time.Time) time.Time {
	loc, err := time.LoadLocation(p.Timezone)
	if err != nil {
		loc = time.UTC
	}
	local := now.In(loc)
	end, err := minutesOfDay(p.QuietEnd)
	if err != nil {
		return now
	}
	release := time.Date(local.Year(), local.Month(), local.Day(), end/60, end%60, 0, 0, loc)
	if !release.After(local) {
		release = release.Add(24 * time.Hour)
	}
	return release.UTC()
}

func minutesOfDay(hhmm string) (int, error) {
	var h, m int
	if _, err := fmt.Sscanf(hhmm, "%d:%d", &h, &m); err != nil {
		return 0, err
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid time of day %q", hhmm)
	}
	return h*60 + m, nil
}

// Validate checks time-of-day fields and timezone.
func (p *Preferences) Validate() error {
	if p.UserID == "" {
		return NewValidationError("user_id", "user id is required")
	}
	if p.QuietHoursEnabled {
		if _, err := minutesOfDay(p.QuietStart); err != nil {
			return NewValidationError("quiet_start", "must be HH:MM")
		}
		if _, err := minutesOfDay(p.QuietEnd); err != nil {
			return NewValidationError("quiet_end", "must be HH:MM")
		}
	}
	if p.Timezone != "" {
		if _, err := time.LoadLocation(p.Timezone); err != nil {
			return NewValidationError("timezone", "unknown timezone")
		}
	}
	return nil
}

// PreferenceRepository persists user preferences.
type PreferenceRepository interface {
	Get(ctx context.Context, userID string) (*Preferences, error)
	Upsert(ctx context.Context, prefs *Preferences) error
}
