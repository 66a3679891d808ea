package domain

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNotificationType_IsValid(t *testing.T) {
	tests := []struct {
		name string
		typ  NotificationType
		want bool
	}{
		{"valid like", TypeLike, true},
		{"valid direct message", TypeDirectMessage, true},
		{"valid system alert", TypeSystemAlert, true},
		{"invalid type", NotificationType("poke"), false},
		{"empty type", NotificationType(""), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.typ.IsValid())
		})
	}
}

func TestChannelMask_Membership(t *testing.T) {
	m := MaskOf(ChannelInApp, ChannelEmail)

	assert.True(t, m.Has(ChannelInApp))
	assert.True(t, m.Has(ChannelEmail))
	assert.False(t, m.Has(ChannelPush))
	assert.False(t, m.IsEmpty())
	assert.True(t, ChannelMask(0).IsEmpty())
	assert.Equal(t, []Channel{ChannelInApp, ChannelEmail}, m.Channels())
}

func TestChannelMask_JSON(t *testing.T) {
	data, err := json.Marshal(MaskOf(ChannelPush, ChannelInApp))
	require.NoError(t, err)
	assert.JSONEq(t, `["in_app","push"]`, string(data))

	var m ChannelMask
	require.NoError(t, json.Unmarshal([]byte(`["email","push"]`), &m))
	assert.Equal(t, MaskOf(ChannelPush, ChannelEmail), m)

	assert.Error(t, json.Unmarshal([]byte(`["carrier_pigeon"]`), &m))
}

func TestPriority_Rank(t *testing.T) {
	assert.Greater(t, PriorityUrgent.Rank(), PriorityHigh.Rank())
	assert.Greater(t, PriorityHigh.Rank(), PriorityNormal.Rank())
	assert.Greater(t, PriorityNormal.Rank(), PriorityLow.Rank())
	assert.Equal(t, PriorityNormal.Rank(), Priority("bogus").Rank())

	assert.Equal(t, PriorityUrgent, MaxPriority(PriorityLow, PriorityUrgent))
	assert.Equal(t, PriorityHigh, MaxPriority(PriorityHigh, PriorityNormal))
}

func TestStatus_CanTransition(t *testing.T) {
	tests := []struct {
		name string
		from Status
		to   Status
		want bool
	}{
		{"pending to sent", StatusPending, StatusSent, true},
		{"pending to delivered", StatusPending, StatusDelivered, true},
		{"sent to delivered", StatusSent, StatusDelivered, true},
		{"delivered to read", StatusDelivered, StatusRead, true},
		{"pending to failed", StatusPending, StatusFailed, true},
		{"pending to cancelled", StatusPending, StatusCancelled, true},
		{"pending to batched", StatusPending, StatusBatched, true},
		{"sent to failed", StatusSent, StatusFailed, true},
		{"same status is idempotent", StatusSent, StatusSent, true},
		{"sent back to pending is the retry reschedule", StatusSent, StatusPending, true},
		{"delivered to sent regresses", StatusDelivered, StatusSent, false},
		{"delivered to pending regresses", StatusDelivered, StatusPending, false},
		{"read is terminal", StatusRead, StatusFailed, false},
		{"failed is terminal", StatusFailed, StatusPending, false},
		{"cancelled is terminal", StatusCancelled, StatusSent, false},
		{"batched is terminal", StatusBatched, StatusDelivered, false},
		{"unknown source", Status("weird"), StatusSent, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.from.CanTransition(tt.to))
		})
	}
}

func TestStatus_IsTerminal(t *testing.T) {
	assert.False(t, StatusPending.IsTerminal())
	assert.False(t, StatusSent.IsTerminal())
	assert.False(t, StatusDelivered.IsTerminal())
	assert.True(t, StatusRead.IsTerminal())
	assert.True(t, StatusFailed.IsTerminal())
	assert.True(t, StatusCancelled.IsTerminal())
	assert.True(t, StatusBatched.IsTerminal())
}

func TestNewNotification(t *testing.T) {
	n := NewNotification("user-1", "user-2", TypeComment, "New comment", "alice commented")

	assert.NotEqual(t, "", n.ID.String())
	assert.Equal(t, "user-1", n.RecipientID)
	assert.Equal(t, "user-2", n.SenderID)
	assert.Equal(t, StatusPending, n.Status)
	assert.Equal(t, PriorityNormal, n.Priority)
	assert.Equal(t, MaskAll, n.Channels)
	assert.True(t, n.AllowBundling)
	assert.True(t, n.RespectQuietHours)
	assert.True(t, n.ExpiresAt.After(n.ScheduledAt))
	assert.NoError(t, n.Validate())
}

func TestNotification_Validate(t *testing.T) {
	valid := func() *Notification {
		return NewNotification("user-1", "user-2", TypeLike, "New like", "alice liked your note")
	}

	tests := []struct {
		name   string
		mutate func(n *Notification)
		field  string
	}{
		{"missing recipient", func(n *Notification) { n.RecipientID = "" }, "recipient_id"},
		{"unknown type", func(n *Notification) { n.Type = "poke" }, "type"},
		{"missing title", func(n *Notification) { n.Title = "" }, "title"},
		{"missing body", func(n *Notification) { n.Body = "" }, "body"},
		{"no channels", func(n *Notification) { n.Channels = 0 }, "channels"},
		{"scheduled before created", func(n *Notification) { n.ScheduledAt = n.CreatedAt.Add(-time.Hour) }, "scheduled_at"},
		{"expires before scheduled", func(n *Notification) { n.ExpiresAt = n.ScheduledAt.Add(-time.Minute) }, "expires_at"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := valid()
			tt.mutate(n)
			err := n.Validate()
			require.Error(t, err)
			var verr ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestNotification_IsExpired(t *testing.T) {
	n := NewNotification("user-1", "user-2", TypeLike, "t", "b")
	n.ExpiresAt = time.Now().UTC().Add(time.Minute)

	assert.False(t, n.IsExpired(time.Now().UTC()))
	assert.True(t, n.IsExpired(n.ExpiresAt.Add(time.Second)))

	n.ExpiresAt = time.Time{}
	assert.False(t, n.IsExpired(time.Now().UTC()))
}

func TestNotification_ContentKey(t *testing.T) {
	n := NewNotification("user-1", "user-2", TypeComment, "t", "b")
	assert.Equal(t, "", n.ContentKey())

	n.ConversationID = "conv-1"
	assert.Equal(t, "conv-1", n.ContentKey())

	n.NoteID = "note-1"
	assert.Equal(t, "note-1", n.ContentKey())

	// Comment id is the most specific reference and wins.
	n.CommentID = "comment-1"
	assert.Equal(t, "comment-1", n.ContentKey())
}

func TestNotification_Bundleable(t *testing.T) {
	n := NewNotification("user-1", "user-2", TypeLike, "t", "b")
	assert.True(t, n.Bundleable())

	n.Priority = PriorityUrgent
	assert.False(t, n.Bundleable())

	n.Priority = PriorityNormal
	n.AllowBundling = false
	assert.False(t, n.Bundleable())
}
