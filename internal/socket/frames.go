package socket

import (
	"encoding/json"

	"github.com/pulsefeed/notification-engine/internal/domain"
)

// Frame types understood on the wire. Every frame is a JSON object with a
// "type" field; anything else gets an error frame back.
const (
	FrameAuth         = "auth"
	FrameSubscribe    = "subscribe"
	FrameUnsubscribe  = "unsubscribe"
	FramePing         = "ping"
	FramePong         = "pong"
	FrameAuthAck      = "auth_ack"
	FrameNotification = "notification"
	FrameStatus       = "status"
	FrameError        = "error"
)

// Close reasons sent in the close frame payload.
const (
	CloseNormal         = "normal"
	CloseOverCapacity   = "over_capacity"
	CloseAuthFailed     = "auth_failed"
	CloseExpired        = "expired"
	CloseSlowConsumer   = "slow_consumer"
	CloseServerShutdown = "server_shutdown"
)

// InboundFrame is the union of all client-to-server frames.
type InboundFrame struct {
	Type string `json:"type"`

	// auth
	Token         string                    `json:"token,omitempty"`
	Subscriptions []domain.NotificationType `json:"subscriptions,omitempty"`

	// subscribe / unsubscribe
	Types []domain.NotificationType `json:"types,omitempty"`

	// ping / pong
	Nonce string `json:"nonce,omitempty"`
}

type authAckFrame struct {
	Type   string `json:"type"`
	OK     bool   `json:"ok"`
	Reason string `json:"reason,omitempty"`
}

type statusFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type errorFrame struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

type pingPongFrame struct {
	Type  string `json:"type"`
	Nonce string `json:"nonce,omitempty"`
}

// notificationFrame wraps the rendered socket payload without re-encoding it.
type notificationFrame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func marshalFrame(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return []byte(`{"type":"error","reason":"encode_failed"}`)
	}
	return b
}
