package domain

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SystemSender is the sender id used for platform-generated notifications.
const SystemSender = "system"

// NotificationType enumerates the social events that produce notifications.
type NotificationType string

const (
	TypeLike          NotificationType = "like"
	TypeComment       NotificationType = "comment"
	TypeReply         NotificationType = "reply"
	TypeFollow        NotificationType = "follow"
	TypeMention       NotificationType = "mention"
	TypeRepost        NotificationType = "repost"
	TypeQuote         NotificationType = "quote"
	TypeDirectMessage NotificationType = "direct_message"
	TypeSystemAlert   NotificationType = "system_alert"
)

// AllTypes lists every valid notification type.
var AllTypes = []NotificationType{
	TypeLike, TypeComment, TypeReply, TypeFollow, TypeMention,
	TypeRepost, TypeQuote, TypeDirectMessage, TypeSystemAlert,
}

func (t NotificationType) IsValid() bool {
	switch t {
	case TypeLike, TypeComment, TypeReply, TypeFollow, TypeMention,
		TypeRepost, TypeQuote, TypeDirectMessage, TypeSystemAlert:
		return true
	}
	return false
}

// Noun returns the display noun used in digest titles ("3 new likes").
func (t NotificationType) Noun() string {
	switch t {
	case TypeLike:
		return "like"
	case TypeComment:
		return "comment"
	case TypeReply:
		return "reply"
	case TypeFollow:
		return "follower"
	case TypeMention:
		return "mention"
	case TypeRepost:
		return "repost"
	case TypeQuote:
		return "quote"
	case TypeDirectMessage:
		return "message"
	default:
		return "notification"
	}
}

// Channel represents a delivery path.
type Channel string

const (
	ChannelInApp Channel = "in_app"
	ChannelPush  Channel = "push"
	ChannelEmail Channel = "email"
)

func (c Channel) IsValid() bool {
	switch c {
	case ChannelInApp, ChannelPush, ChannelEmail:
		return true
	}
	return false
}

// ChannelMask is a set of delivery channels. The zero value is the empty set.
type ChannelMask uint8

const (
	MaskInApp ChannelMask = 1 << iota
	MaskPush
	MaskEmail

	MaskAll = MaskInApp | MaskPush | MaskEmail
)

func maskBit(c Channel) ChannelMask {
	switch c {
	case ChannelInApp:
		return MaskInApp
	case ChannelPush:
		return MaskPush
	case ChannelEmail:
		return MaskEmail
	}
	return 0
}

// MaskOf builds a mask from individual channels.
func MaskOf(channels ...Channel) ChannelMask {
	var m ChannelMask
	for _, c := range channels {
		m |= maskBit(c)
	}
	return m
}

func (m ChannelMask) Has(c Channel) bool { return m&maskBit(c) != 0 }
func (m ChannelMask) IsEmpty() bool      { return m == 0 }

// Channels expands the mask into its member channels, in a fixed order.
func (m ChannelMask) Channels() []Channel {
	out := make([]Channel, 0, 3)
	for _, c := range []Channel{ChannelInApp, ChannelPush, ChannelEmail} {
		if m.Has(c) {
			out = append(out, c)
		}
	}
	return out
}

// MarshalJSON renders the mask as a list of channel names.
func (m ChannelMask) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.Channels())
}

func (m *ChannelMask) UnmarshalJSON(data []byte) error {
	var channels []Channel
	if err := json.Unmarshal(data, &channels); err != nil {
		return err
	}
	for _, c := range channels {
		if !c.IsValid() {
			return fmt.Errorf("invalid channel %q", c)
		}
	}
	*m = MaskOf(channels...)
	return nil
}

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

func (p Priority) IsValid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// Rank orders priorities; higher rank wins when merging into a digest.
func (p Priority) Rank() int {
	switch p {
	case PriorityLow:
		return 0
	case PriorityNormal:
		return 1
	case PriorityHigh:
		return 2
	case PriorityUrgent:
		return 3
	}
	return 1
}

// MaxPriority returns the higher ranked of two priorities.
func MaxPriority(a, b Priority) Priority {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

type Status string

const (
	StatusPending   Status = "pending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusBatched   Status = "batched"
)

// statusRank encodes the delivery progression pending < sent < delivered < read.
// Terminal states have no rank; nothing moves out of them.
var statusRank = map[Status]int{
	StatusPending:   0,
	StatusSent:      1,
	StatusDelivered: 2,
	StatusRead:      3,
}

// IsTerminal reports whether no further transition may leave the status.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusRead, StatusFailed, StatusCancelled, StatusBatched:
		return true
	}
	return false
}

// CanTransition reports whether moving from s to next respects the partial
// order. Writing a status over itself is allowed (idempotent no-op), and
// sent may fall back to pending: that is the retry reschedule after a
// transient delivery failure.
func (s Status) CanTransition(next Status) bool {
	if s == next {
		return true
	}
	if s.IsTerminal() {
		return false
	}
	if next == StatusFailed || next == StatusCancelled || next == StatusBatched {
		return true
	}
	if s == StatusSent && next == StatusPending {
		return true
	}
	from, ok := statusRank[s]
	if !ok {
		return false
	}
	to, ok := statusRank[next]
	if !ok {
		return false
	}
	return to > from
}

// Failure reasons recorded alongside StatusFailed.
const (
	FailureExpired          = "expired"
	FailureRateLimited      = "rate_limited"
	FailureDuplicate        = "duplicate"
	FailureNoChannels       = "no_channels"
	FailureBlockedSender    = "blocked_sender"
	FailureTypeDisabled     = "type_disabled"
	FailureAllChannels      = "all_channels_failed"
	FailureAfterRetries     = "permanent_after_retries"
	FailureRenderEmpty      = "template_render_empty"
	FailureRecipientUnknown = "recipient_unknown"
)

// Notification is a single event targeted at a recipient. Everything except
// the status tracking fields is immutable after enqueue.
type Notification struct {
	ID          uuid.UUID        `json:"id"`
	RecipientID string           `json:"recipient_id"`
	SenderID    string           `json:"sender_id"`
	Type        NotificationType `json:"type"`
	Title       string           `json:"title"`
	Body        string           `json:"body"`
	ActionLink  string           `json:"action_link,omitempty"`

	// Content references back to the social graph. The most specific one
	// present becomes the dedup content key.
	NoteID         string `json:"note_id,omitempty"`
	CommentID      string `json:"comment_id,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`

	Channels ChannelMask `json:"channels"`
	Priority Priority    `json:"priority"`

	CreatedAt   time.Time `json:"created_at"`
	ScheduledAt time.Time `json:"scheduled_at"`
	ExpiresAt   time.Time `json:"expires_at"`

	Status        Status     `json:"status"`
	DeliveredAt   *time.Time `json:"delivered_at,omitempty"`
	ReadAt        *time.Time `json:"read_at,omitempty"`
	Attempts      int        `json:"attempts"`
	FailureReason string     `json:"failure_reason,omitempty"`

	GroupKey string     `json:"group_key,omitempty"`
	BatchID  *uuid.UUID `json:"batch_id,omitempty"`

	// MemberIDs is set only on digest notifications and records the batched
	// members the digest covers.
	MemberIDs []uuid.UUID `json:"member_ids,omitempty"`

	TemplateVars map[string]string `json:"template_vars,omitempty"`

	AllowBundling     bool `json:"allow_bundling"`
	RespectQuietHours bool `json:"respect_quiet_hours"`
}

const defaultExpiry = 7 * 24 * time.Hour

// NewNotification creates a pending notification with default timing.
func NewNotification(recipientID, senderID string, typ NotificationType, title, body string) *Notification {
	now := time.Now().UTC()
	return &Notification{
		ID:                uuid.New(),
		RecipientID:       recipientID,
		SenderID:          senderID,
		Type:              typ,
		Title:             title,
		Body:              body,
		Channels:          MaskAll,
		Priority:          PriorityNormal,
		CreatedAt:         now,
		ScheduledAt:       now,
		ExpiresAt:         now.Add(defaultExpiry),
		Status:            StatusPending,
		AllowBundling:     true,
		RespectQuietHours: true,
	}
}

// Validate checks the invariants a notification must satisfy at submit time.
func (n *Notification) Validate() error {
	switch {
	case n.RecipientID == "":
		return NewValidationError("recipient_id", "recipient is required")
	case !n.Type.IsValid():
		return NewValidationError("type", fmt.Sprintf("unknown notification type %q", n.Type))
	case n.Title == "":
		return NewValidationError("title", "title is required")
	case n.Body == "":
		return NewValidationError("body", "body is required")
	case n.Channels.IsEmpty():
		return NewValidationError("channels", "at least one delivery channel is required")
	case n.ScheduledAt.Before(n.CreatedAt):
		return NewValidationError("scheduled_at", "scheduled_at must not precede created_at")
	case !n.ExpiresAt.After(n.ScheduledAt):
		return NewValidationError("expires_at", "expires_at must follow scheduled_at")
	}
	return nil
}

// IsExpired reports whether the notification may no longer be delivered.
func (n *Notification) IsExpired(now time.Time) bool {
	return !n.ExpiresAt.IsZero() && now.After(n.ExpiresAt)
}

// ContentKey is the most specific content reference, used for deduplication.
func (n *Notification) ContentKey() string {
	switch {
	case n.CommentID != "":
		return n.CommentID
	case n.NoteID != "":
		return n.NoteID
	case n.ConversationID != "":
		return n.ConversationID
	}
	return ""
}

// Bundleable reports whether the item may be routed to the batching engine.
func (n *Notification) Bundleable() bool {
	return n.AllowBundling && n.Priority != PriorityUrgent
}

// IsDigest reports whether this notification summarizes a flushed batch.
func (n *Notification) IsDigest() bool {
	return len(n.MemberIDs) > 0
}

// StatusMeta carries the status-dependent fields written with a transition.
type StatusMeta struct {
	FailureReason string
	DeliveredAt   *time.Time
	ReadAt        *time.Time
	Attempts      int
	ScheduledAt   *time.Time
	BatchID       *uuid.UUID
}

// ListFilter narrows a recipient's notification listing.
type ListFilter struct {
	Status     *Status
	Type       *NotificationType
	UnreadOnly bool
	Page       int
	PageSize   int
}

// ListResult is a single page of notifications plus paging totals.
type ListResult struct {
	Notifications []*Notification `json:"notifications"`
	Total         int64           `json:"total"`
	Page          int             `json:"page"`
	PageSize      int             `json:"page_size"`
	TotalPages    int             `json:"total_pages"`
}

// NotificationRepository is the durable-store contract for notifications.
// UpdateStatus is a compare-and-set on the current status; concurrent writers
// cannot regress the delivery state machine through it.
type NotificationRepository interface {
	Create(ctx context.Context, n *Notification) error
	GetByID(ctx context.Context, id uuid.UUID) (*Notification, error)
	ListByRecipient(ctx context.Context, recipientID string, filter ListFilter) (*ListResult, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, expected, next Status, meta StatusMeta) error
	ListScheduledDue(ctx context.Context, now time.Time, limit int) ([]*Notification, error)
	ListPendingRetries(ctx context.Context, now time.Time, limit int) ([]*Notification, error)
	CountUnread(ctx context.Context, recipientID string) (int64, error)
}
