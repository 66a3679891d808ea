package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/pulsefeed/notification-engine/internal/domain"
)

// PreferenceService reads and writes per-user delivery preferences.
type PreferenceService struct {
	repo   domain.PreferenceRepository
	logger *slog.Logger
	now    func() time.Time
}

func NewPreferenceService(repo domain.PreferenceRepository, logger *slog.Logger) *PreferenceService {
	return &PreferenceService{repo: repo, logger: logger, now: time.Now}
}

// Get returns the user's saved preferences, or the engine defaults when the
// user has never saved any.
func (s *PreferenceService) Get(ctx context.Context, userID string) (*domain.Preferences, error) {
	prefs, err := s.repo.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.DefaultPreferences(userID), nil
		}
		return nil, err
	}
	return prefs, nil
}

// Update validates and persists the full preference document.
func (s *PreferenceService) Update(ctx context.Context, prefs *domain.Preferences) error {
	if err := prefs.Validate(); err != nil {
		return err
	}
	prefs.UpdatedAt = s.now().UTC()
	if err := s.repo.Upsert(ctx, prefs); err != nil {
		return err
	}
	s.logger.Info("preferences updated", "user_id", prefs.UserID)
	return nil
}

// BlockSender adds a sender to the user's block list.
func (s *PreferenceService) BlockSender(ctx context.Context, userID, senderID string) error {
	prefs, err := s.Get(ctx, userID)
	if err != nil {
		return err
	}
	if prefs.IsSenderBlocked(senderID) {
		return nil
	}
	prefs.BlockedSenders = append(prefs.BlockedSenders, senderID)
	return s.Update(ctx, prefs)
}

// UnblockSender removes a sender from the user's block list.
func (s *PreferenceService) UnblockSender(ctx context.Context, userID, senderID string) error {
	prefs, err := s.Get(ctx, userID)
	if err != nil {
		return err
	}
	kept := prefs.BlockedSenders[:0]
	for _, id := range prefs.BlockedSenders {
		if id != senderID {
			kept = append(kept, id)
		}
	}
	if len(kept) == len(prefs.BlockedSenders) {
		return nil
	}
	prefs.BlockedSenders = kept
	return s.Update(ctx, prefs)
}
