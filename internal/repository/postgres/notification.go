package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/pulsefeed/notification-engine/internal/domain"
)

// NotificationRepository implements domain.NotificationRepository using PostgreSQL
type NotificationRepository struct {
	db *DB
}

func NewNotificationRepository(db *DB) *NotificationRepository {
	return &NotificationRepository{db: db}
}

const notificationColumns = `
	id, recipient_id, sender_id, type, title, body, action_link,
	note_id, comment_id, conversation_id, channels, priority,
	created_at, scheduled_at, expires_at,
	status, delivered_at, read_at, attempts, failure_reason,
	group_key, batch_id, member_ids, template_vars,
	allow_bundling, respect_quiet_hours`

// Create stores a new notification.
func (r *NotificationRepository) Create(ctx context.Context, n *domain.Notification) error {
	memberIDs, err := json.Marshal(n.MemberIDs)
	if err != nil {
		memberIDs = []byte("[]")
	}
	templateVars, err := json.Marshal(n.TemplateVars)
	if err != nil {
		templateVars = []byte("{}")
	}

	query := `
		INSERT INTO notifications (` + notificationColumns + `
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13,
			$14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26
		)
	`

	_, err = r.db.Pool.Exec(ctx, query,
		n.ID, n.RecipientID, n.SenderID, n.Type, n.Title, n.Body, n.ActionLink,
		n.NoteID, n.CommentID, n.ConversationID, int16(n.Channels), n.Priority,
		n.CreatedAt, n.ScheduledAt, n.ExpiresAt,
		n.Status, n.DeliveredAt, n.ReadAt, n.Attempts, n.FailureReason,
		n.GroupKey, n.BatchID, memberIDs, templateVars,
		n.AllowBundling, n.RespectQuietHours,
	)
	if err != nil {
		return fmt.Errorf("failed to create notification: %w", err)
	}
	return nil
}

// GetByID retrieves a notification by ID
func (r *NotificationRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Notification, error) {
	query := `SELECT ` + notificationColumns + ` FROM notifications WHERE id = $1`
	return r.scanNotification(ctx, query, id)
}

// UpdateStatus moves the delivery state machine forward with a compare-and-
// set on the current status. Rewriting the current status over itself is an
// idempotent success; any other missed precondition reports
// ErrPreconditionFailed.
func (r *NotificationRepository) UpdateStatus(ctx context.Context, id uuid.UUID, expected, next domain.Status, meta domain.StatusMeta) error {
	if !expected.CanTransition(next) {
		return domain.ErrPreconditionFailed
	}

	query := `
		UPDATE notifications SET
			status = $3,
			failure_reason = COALESCE(NULLIF($4, ''), failure_reason),
			delivered_at = COALESCE($5, delivered_at),
			read_at = COALESCE($6, read_at),
			attempts = GREATEST(attempts, $7),
			scheduled_at = COALESCE($8, scheduled_at),
			batch_id = COALESCE($9, batch_id)
		WHERE id = $1 AND status = $2
	`

	result, err := r.db.Pool.Exec(ctx, query,
		id, expected, next,
		meta.FailureReason, meta.DeliveredAt, meta.ReadAt,
		meta.Attempts, meta.ScheduledAt, meta.BatchID,
	)
	if err != nil {
		return fmt.Errorf("failed to update notification status: %w", err)
	}
	if result.RowsAffected() > 0 {
		return nil
	}

	// The conditional write missed. A same-status rewrite (expected == next)
	// that finds the row already there is an idempotent success. A real
	// transition that finds someone else's write, even to the same target
	// status, lost the race: exactly one caller may win pending -> sent.
	var current domain.Status
	err = r.db.Pool.QueryRow(ctx, `SELECT status FROM notifications WHERE id = $1`, id).Scan(&current)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrNotFound
		}
		return fmt.Errorf("failed to read notification status: %w", err)
	}
	if expected == next && current == next {
		return nil
	}
	return domain.ErrPreconditionFailed
}

// ListByRecipient pages through one recipient's notifications, newest first.
func (r *NotificationRepository) ListByRecipient(ctx context.Context, recipientID string, filter domain.ListFilter) (*domain.ListResult, error) {
	conditions := []string{"recipient_id = $1"}
	args := []any{recipientID}
	argIndex := 2

	if filter.Status != nil {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argIndex))
		args = append(args, *filter.Status)
		argIndex++
	}
	if filter.Type != nil {
		conditions = append(conditions, fmt.Sprintf("type = $%d", argIndex))
		args = append(args, *filter.Type)
		argIndex++
	}
	if filter.UnreadOnly {
		conditions = append(conditions, "status = 'delivered' AND read_at IS NULL")
	}

	whereClause := strings.Join(conditions, " AND ")

	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM notifications WHERE %s", whereClause)
	var total int64
	if err := r.db.Pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("failed to count notifications: %w", err)
	}

	page := filter.Page
	if page < 1 {
		page = 1
	}
	pageSize := filter.PageSize
	if pageSize < 1 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}
	offset := (page - 1) * pageSize

	query := fmt.Sprintf(`
		SELECT `+notificationColumns+`
		FROM notifications
		WHERE %s
		ORDER BY created_at DESC
		LIMIT $%d OFFSET $%d
	`, whereClause, argIndex, argIndex+1)

	args = append(args, pageSize, offset)
	notifications, err := r.scanNotifications(ctx, query, args...)
	if err != nil {
		return nil, err
	}

	totalPages := int(total) / pageSize
	if int(total)%pageSize > 0 {
		totalPages++
	}

	return &domain.ListResult{
		Notifications: notifications,
		Total:         total,
		Page:          page,
		PageSize:      pageSize,
		TotalPages:    totalPages,
	}, nil
}

// ListScheduledDue returns first-attempt pending items whose release time
// has come.
func (r *NotificationRepository) ListScheduledDue(ctx context.Context, now time.Time, limit int) ([]*domain.Notification, error) {
	query := `
		SELECT ` + notificationColumns + `
		FROM notifications
		WHERE status = 'pending' AND attempts = 0 AND scheduled_at <= $1
		ORDER BY scheduled_at ASC
		LIMIT $2
	`
	return r.scanNotifications(ctx, query, now, limit)
}

// ListPendingRetries returns items rescheduled after transient failures
// whose backoff has elapsed.
func (r *NotificationRepository) ListPendingRetries(ctx context.Context, now time.Time, limit int) ([]*domain.Notification, error) {
	query := `
		SELECT ` + notificationColumns + `
		FROM notifications
		WHERE status = 'pending' AND attempts > 0 AND scheduled_at <= $1
		ORDER BY scheduled_at ASC
		LIMIT $2
	`
	return r.scanNotifications(ctx, query, now, limit)
}

// CountUnread counts delivered-but-unread notifications for the badge.
func (r *NotificationRepository) CountUnread(ctx context.Context, recipientID string) (int64, error) {
	query := `
		SELECT COUNT(*)
		FROM notifications
		WHERE recipient_id = $1 AND status = 'delivered' AND read_at IS NULL
	`
	var count int64
	if err := r.db.Pool.QueryRow(ctx, query, recipientID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count unread notifications: %w", err)
	}
	return count, nil
}

// Helper functions

func (r *NotificationRepository) scanNotification(ctx context.Context, query string, args ...any) (*domain.Notification, error) {
	row := r.db.Pool.QueryRow(ctx, query, args...)
	n, err := scanRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan notification: %w", err)
	}
	return n, nil
}

func (r *NotificationRepository) scanNotifications(ctx context.Context, query string, args ...any) ([]*domain.Notification, error) {
	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query notifications: %w", err)
	}
	defer rows.Close()

	notifications := make([]*domain.Notification, 0)
	for rows.Next() {
		n, err := scanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan notification: %w", err)
		}
		notifications = append(notifications, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating notifications: %w", err)
	}
	return notifications, nil
}

func scanRow(row pgx.Row) (*domain.Notification, error) {
	n := &domain.Notification{}
	var channels int16
	var memberIDs, templateVars []byte

	err := row.Scan(
		&n.ID, &n.RecipientID, &n.SenderID, &n.Type, &n.Title, &n.Body, &n.ActionLink,
		&n.NoteID, &n.CommentID, &n.ConversationID, &channels, &n.Priority,
		&n.CreatedAt, &n.ScheduledAt, &n.ExpiresAt,
		&n.Status, &n.DeliveredAt, &n.ReadAt, &n.Attempts, &n.FailureReason,
		&n.GroupKey, &n.BatchID, &memberIDs, &templateVars,
		&n.AllowBundling, &n.RespectQuietHours,
	)
	if err != nil {
		return nil, err
	}

	n.Channels = domain.ChannelMask(channels)
	if len(memberIDs) > 0 {
		json.Unmarshal(memberIDs, &n.MemberIDs)
	}
	if len(templateVars) > 0 {
		json.Unmarshal(templateVars, &n.TemplateVars)
	}
	return n, nil
}
