package domain

import (
	"context"
	"encoding/json"
	"sync/atomic"
)

// RenderedMessage is the channel-agnostic output of rendering, produced once
// per notification and handed to every adapter in the fanout.
type RenderedMessage struct {
	Subject  string // email subject line
	Title    string
	BodyText string
	BodyHTML string

	// PushPayload and SocketPayload are the serialized channel payloads.
	PushPayload   json.RawMessage
	SocketPayload json.RawMessage
}

type HealthState string

const (
	HealthOK       HealthState = "ok"
	HealthDegraded HealthState = "degraded"
	HealthDown     HealthState = "down"
)

// TargetResult is the outcome for one device/address/connection.
type TargetResult struct {
	Target    string `json:"target"`
	OK        bool   `json:"ok"`
	MessageID string `json:"message_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

// SendResult aggregates a SendToUser fanout over the recipient's targets.
type SendResult struct {
	Delivered int
	Targets   []TargetResult
}

// ChannelAdapter speaks one delivery channel. SendToUser fans out over all
// of the recipient's registered targets for the channel; the returned error,
// if any, carries the DeliveryError retry classification for the channel as
// a whole.
type ChannelAdapter interface {
	Channel() Channel
	SendToUser(ctx context.Context, n *Notification, msg *RenderedMessage) (*SendResult, error)
	Health(ctx context.Context) HealthState
	Stats() AdapterStats
}

// AdapterStats is a point-in-time snapshot of an adapter's counters.
type AdapterStats struct {
	Sent      uint64 `json:"sent"`
	Failed    uint64 `json:"failed"`
	Transient uint64 `json:"transient"`
	Permanent uint64 `json:"permanent"`
}

// StatCounters is the shared counter set adapters embed; all methods are
// safe for concurrent use.
type StatCounters struct {
	sent      atomic.Uint64
	failed    atomic.Uint64
	transient atomic.Uint64
	permanent atomic.Uint64
}

func (c *StatCounters) RecordSent() { c.sent.Add(1) }

func (c *StatCounters) RecordError(retryable bool) {
	c.failed.Add(1)
	if retryable {
		c.transient.Add(1)
	} else {
		c.permanent.Add(1)
	}
}

func (c *StatCounters) Snapshot() AdapterStats {
	return AdapterStats{
		Sent:      c.sent.Load(),
		Failed:    c.failed.Load(),
		Transient: c.transient.Load(),
		Permanent: c.permanent.Load(),
	}
}

// UserDirectory resolves recipient contact details owned outside the engine.
type UserDirectory interface {
	EmailFor(ctx context.Context, userID string) (string, error)
	DisplayName(ctx context.Context, userID string) (string, error)
}
