// Package service holds the orchestration layer between the HTTP surface
// and the pipeline: persistence plus admission on submit, and the
// client-facing read/ack operations.
package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/pulsefeed/notification-engine/internal/batch"
	"github.com/pulsefeed/notification-engine/internal/domain"
	"github.com/pulsefeed/notification-engine/internal/processor"
	"github.com/pulsefeed/notification-engine/internal/ratelimit"
)

// BadgeCache caches per-user unread counts and is invalidated whenever a
// delivery or read-ack changes the count.
type BadgeCache interface {
	Unread(ctx context.Context, userID string) (int64, error)
	Invalidate(ctx context.Context, userID string) error
}

// SubmitInput carries a producer's notification event.
type SubmitInput struct {
	RecipientID    string
	SenderID       string
	Type           domain.NotificationType
	Title          string
	Body           string
	ActionLink     string
	NoteID         string
	CommentID      string
	ConversationID string
	Channels       domain.ChannelMask
	Priority       domain.Priority
	ScheduledAt    *time.Time
	GroupKey       string
	TemplateVars   map[string]string
	AllowBundling  *bool
	RespectQuiet   *bool
}

// SubmitOutput reports the admission outcome alongside the stored id.
type SubmitOutput struct {
	ID     uuid.UUID
	Result processor.EnqueueResult
	Status domain.Status
}

// NotificationService fronts the pipeline for producers and clients.
type NotificationService struct {
	repo    domain.NotificationRepository
	rules   *domain.RuleTable
	proc    *processor.Processor
	batcher *batch.Engine
	limiter *ratelimit.Limiter
	badges  BadgeCache
	logger  *slog.Logger
	now     func() time.Time
}

func NewNotificationService(
	repo domain.NotificationRepository,
	rules *domain.RuleTable,
	proc *processor.Processor,
	batcher *batch.Engine,
	limiter *ratelimit.Limiter,
	badges BadgeCache,
	logger *slog.Logger,
) *NotificationService {
	return &NotificationService{
		repo:    repo,
		rules:   rules,
		proc:    proc,
		batcher: batcher,
		limiter: limiter,
		badges:  badges,
		logger:  logger,
		now:     time.Now,
	}
}

// Submit persists a new notification and admits it to the pipeline. A full
// queue leaves the stored item pending; the scheduled-release loop will
// re-admit it once there is room.
func (s *NotificationService) Submit(ctx context.Context, in SubmitInput) (*SubmitOutput, error) {
	rule := s.rules.Resolve(in.Type)
	now := s.now().UTC()

	n := domain.NewNotification(in.RecipientID, in.SenderID, in.Type, in.Title, in.Body)
	n.ActionLink = in.ActionLink
	n.NoteID = in.NoteID
	n.CommentID = in.CommentID
	n.ConversationID = in.ConversationID
	n.GroupKey = in.GroupKey
	n.TemplateVars = in.TemplateVars

	if !in.Channels.IsEmpty() {
		n.Channels = in.Channels
	}
	if in.Priority != "" {
		n.Priority = in.Priority
	} else {
		n.Priority = rule.DefaultPriority
	}
	if in.ScheduledAt != nil && in.ScheduledAt.After(now) {
		n.ScheduledAt = in.ScheduledAt.UTC()
	}
	if rule.Expiry > 0 {
		n.ExpiresAt = n.ScheduledAt.Add(rule.Expiry)
	}
	if in.AllowBundling != nil {
		n.AllowBundling = *in.AllowBundling
	}
	if in.RespectQuiet != nil {
		n.RespectQuietHours = *in.RespectQuiet
	}

	if err := n.Validate(); err != nil {
		return &SubmitOutput{Result: processor.ResultRejectedInvalid}, err
	}

	if err := s.repo.Create(ctx, n); err != nil {
		return nil, err
	}

	// Future-dated items wait for the scheduled-release loop.
	if n.ScheduledAt.After(now) {
		return &SubmitOutput{ID: n.ID, Result: processor.ResultAccepted, Status: n.Status}, nil
	}

	result, err := s.proc.Enqueue(ctx, n)
	if err != nil && result != processor.ResultQueueFull {
		return &SubmitOutput{ID: n.ID, Result: result, Status: n.Status}, err
	}
	return &SubmitOutput{ID: n.ID, Result: result, Status: n.Status}, nil
}

// Get returns one notification, scoped to its recipient.
func (s *NotificationService) Get(ctx context.Context, recipientID string, id uuid.UUID) (*domain.Notification, error) {
	n, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if n.RecipientID != recipientID {
		return nil, domain.ErrNotFound
	}
	return n, nil
}

// List pages through a recipient's notifications.
func (s *NotificationService) List(ctx context.Context, recipientID string, filter domain.ListFilter) (*domain.ListResult, error) {
	if filter.Page < 1 {
		filter.Page = 1
	}
	if filter.PageSize < 1 || filter.PageSize > 100 {
		filter.PageSize = 20
	}
	return s.repo.ListByRecipient(ctx, recipientID, filter)
}

// MarkRead acknowledges a delivered notification.
func (s *NotificationService) MarkRead(ctx context.Context, recipientID string, id uuid.UUID) error {
	n, err := s.Get(ctx, recipientID, id)
	if err != nil {
		return err
	}
	if n.Status == domain.StatusRead {
		return nil
	}
	if !n.Status.CanTransition(domain.StatusRead) {
		return domain.ErrPreconditionFailed
	}

	readAt := s.now().UTC()
	meta := domain.StatusMeta{ReadAt: &readAt, Attempts: n.Attempts}
	if err := s.repo.UpdateStatus(ctx, id, n.Status, domain.StatusRead, meta); err != nil {
		return err
	}
	if s.badges != nil {
		if err := s.badges.Invalidate(ctx, recipientID); err != nil {
			s.logger.Warn("badge invalidation failed", "user_id", recipientID, "error", err)
		}
	}
	return nil
}

// Cancel withdraws a notification that has not started dispatch.
func (s *NotificationService) Cancel(ctx context.Context, recipientID string, id uuid.UUID) error {
	n, err := s.Get(ctx, recipientID, id)
	if err != nil {
		return err
	}
	if n.Status != domain.StatusPending {
		return domain.ErrCannotCancel
	}
	err = s.repo.UpdateStatus(ctx, id, domain.StatusPending, domain.StatusCancelled, domain.StatusMeta{})
	if errors.Is(err, domain.ErrPreconditionFailed) {
		return domain.ErrCannotCancel
	}
	return err
}

// Unread returns the badge count for a recipient.
func (s *NotificationService) Unread(ctx context.Context, recipientID string) (int64, error) {
	if s.badges != nil {
		return s.badges.Unread(ctx, recipientID)
	}
	return s.repo.CountUnread(ctx, recipientID)
}

// FlushBatches force-flushes every open digest for a user, out of band.
func (s *NotificationService) FlushBatches(userID string) {
	if s.batcher != nil {
		s.batcher.FlushUser(userID)
	}
}

// Throttle administratively blocks all deliveries to a user until the given
// time.
func (s *NotificationService) Throttle(userID string, until time.Time) {
	s.limiter.Throttle(userID, until)
	s.logger.Info("user throttled", "user_id", userID, "until", until)
}
