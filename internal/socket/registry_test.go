package socket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsefeed/notification-engine/internal/domain"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// tokenPrefix validates tokens of the form "tok-<user>".
func testValidator(ctx context.Context, token string) (string, error) {
	if userID, ok := strings.CutPrefix(token, "tok-"); ok {
		return userID, nil
	}
	return "", errors.New("bad token")
}

func testConfig() Config {
	return Config{
		MaxConnections:  16,
		PingInterval:    time.Hour, // heartbeats driven manually in tests
		IdleThreshold:   time.Hour,
		ExpiryThreshold: time.Hour,
		CleanupInterval: time.Hour,
		MaxFrameBytes:   4096,
	}
}

func startRegistry(t *testing.T, cfg Config) (*Registry, string) {
	t.Helper()
	r := NewRegistry(cfg, testValidator, slog.Default())
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		ws, err := testUpgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		r.Accept(ws)
	}))
	t.Cleanup(server.Close)
	return r, "ws" + strings.TrimPrefix(server.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	return ws
}

func readFrame(t *testing.T, ws *websocket.Conn) map[string]any {
	t.Helper()
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	var frame map[string]any
	require.NoError(t, json.Unmarshal(data, &frame))
	return frame
}

func writeFrame(t *testing.T, ws *websocket.Conn, frame any) {
	t.Helper()
	data, err := json.Marshal(frame)
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, data))
}

func authenticate(t *testing.T, ws *websocket.Conn, token string, subs ...domain.NotificationType) {
	t.Helper()
	writeFrame(t, ws, InboundFrame{Type: FrameAuth, Token: token, Subscriptions: subs})
	ack := readFrame(t, ws)
	require.Equal(t, FrameAuthAck, ack["type"])
	require.Equal(t, true, ack["ok"])
}

func expectClose(t *testing.T, ws *websocket.Conn, code int, reason string) {
	t.Helper()
	for {
		_, _, err := ws.ReadMessage()
		if err == nil {
			continue // drain buffered frames before the close
		}
		var closeErr *websocket.CloseError
		require.ErrorAs(t, err, &closeErr)
		assert.Equal(t, code, closeErr.Code)
		assert.Equal(t, reason, closeErr.Text)
		return
	}
}

func TestRegistry_AuthAndFanout(t *testing.T) {
	r, url := startRegistry(t, testConfig())

	ws := dial(t, url)
	authenticate(t, ws, "tok-user-1")

	require.Eventually(t, func() bool { return r.UserConnCount("user-1") == 1 },
		time.Second, 10*time.Millisecond)

	sent := r.SendToUser("user-1", domain.TypeLike, json.RawMessage(`{"id":"n-1","title":"New like"}`))
	assert.Equal(t, 1, sent)

	frame := readFrame(t, ws)
	assert.Equal(t, FrameNotification, frame["type"])
	payload := frame["payload"].(map[string]any)
	assert.Equal(t, "n-1", payload["id"])
}

func TestRegistry_SendToUnknownUser(t *testing.T) {
	r, _ := startRegistry(t, testConfig())
	assert.Equal(t, 0, r.SendToUser("nobody", domain.TypeLike, json.RawMessage(`{}`)))
}

func TestRegistry_AuthFailureCloses(t *testing.T) {
	r, url := startRegistry(t, testConfig())

	ws := dial(t, url)
	writeFrame(t, ws, InboundFrame{Type: FrameAuth, Token: "garbage"})

	ack := readFrame(t, ws)
	assert.Equal(t, FrameAuthAck, ack["type"])
	assert.Equal(t, false, ack["ok"])
	assert.Equal(t, CloseAuthFailed, ack["reason"])

	expectClose(t, ws, websocket.ClosePolicyViolation, CloseAuthFailed)
	require.Eventually(t, func() bool { return r.ConnCount() == 0 },
		time.Second, 10*time.Millisecond)
}

func TestRegistry_SubscriptionFilter(t *testing.T) {
	r, url := startRegistry(t, testConfig())

	ws := dial(t, url)
	authenticate(t, ws, "tok-user-1", domain.TypeLike)
	require.Eventually(t, func() bool { return r.UserConnCount("user-1") == 1 },
		time.Second, 10*time.Millisecond)

	assert.Equal(t, 0, r.SendToUser("user-1", domain.TypeComment, json.RawMessage(`{}`)))
	assert.Equal(t, 1, r.SendToUser("user-1", domain.TypeLike, json.RawMessage(`{}`)))
}

func TestRegistry_SubscribeUnsubscribe(t *testing.T) {
	r, url := startRegistry(t, testConfig())

	ws := dial(t, url)
	authenticate(t, ws, "tok-user-1", domain.TypeLike)
	require.Eventually(t, func() bool { return r.UserConnCount("user-1") == 1 },
		time.Second, 10*time.Millisecond)

	writeFrame(t, ws, InboundFrame{Type: FrameSubscribe, Types: []domain.NotificationType{domain.TypeComment}})
	status := readFrame(t, ws)
	require.Equal(t, FrameStatus, status["type"])
	assert.Equal(t, 1, r.SendToUser("user-1", domain.TypeComment, json.RawMessage(`{}`)))
	readFrame(t, ws) // drain the notification

	writeFrame(t, ws, InboundFrame{Type: FrameUnsubscribe, Types: []domain.NotificationType{domain.TypeComment}})
	status = readFrame(t, ws)
	require.Equal(t, FrameStatus, status["type"])

	require.Eventually(t, func() bool {
		return r.SendToUser("user-1", domain.TypeComment, json.RawMessage(`{}`)) == 0
	}, time.Second, 10*time.Millisecond)
}

func TestRegistry_SubscribeRequiresAuth(t *testing.T) {
	_, url := startRegistry(t, testConfig())

	ws := dial(t, url)
	writeFrame(t, ws, InboundFrame{Type: FrameSubscribe, Types: []domain.NotificationType{domain.TypeLike}})

	frame := readFrame(t, ws)
	assert.Equal(t, FrameError, frame["type"])
	assert.Equal(t, "not_authenticated", frame["reason"])
}

func TestRegistry_ApplicationPing(t *testing.T) {
	_, url := startRegistry(t, testConfig())

	ws := dial(t, url)
	writeFrame(t, ws, InboundFrame{Type: FramePing, Nonce: "abc-123"})

	frame := readFrame(t, ws)
	assert.Equal(t, FramePong, frame["type"])
	assert.Equal(t, "abc-123", frame["nonce"])
}

func TestRegistry_MalformedFrame(t *testing.T) {
	_, url := startRegistry(t, testConfig())

	ws := dial(t, url)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("not json")))

	frame := readFrame(t, ws)
	assert.Equal(t, FrameError, frame["type"])
	assert.Equal(t, "malformed_frame", frame["reason"])
}

func TestRegistry_CapacityRefusal(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConnections = 1
	r, url := startRegistry(t, cfg)

	first := dial(t, url)
	authenticate(t, first, "tok-user-1")
	require.Eventually(t, func() bool { return r.ConnCount() == 1 },
		time.Second, 10*time.Millisecond)

	second := dial(t, url)
	expectClose(t, second, websocket.CloseTryAgainLater, CloseOverCapacity)

	// The first connection is unaffected.
	assert.Equal(t, 1, r.SendToUser("user-1", domain.TypeLike, json.RawMessage(`{}`)))
}

func TestRegistry_CloseAll(t *testing.T) {
	r, url := startRegistry(t, testConfig())

	ws := dial(t, url)
	authenticate(t, ws, "tok-user-1")
	require.Eventually(t, func() bool { return r.ConnCount() == 1 },
		time.Second, 10*time.Millisecond)

	r.CloseAll(CloseServerShutdown)
	expectClose(t, ws, websocket.CloseGoingAway, CloseServerShutdown)
	assert.Equal(t, 0, r.ConnCount())

	// Draining registries refuse new connections.
	late := dial(t, url)
	expectClose(t, late, websocket.CloseGoingAway, CloseServerShutdown)
}

func TestRegistry_SweepClosesExpired(t *testing.T) {
	cfg := testConfig()
	cfg.ExpiryThreshold = 5 * time.Minute
	r, url := startRegistry(t, cfg)

	ws := dial(t, url)
	authenticate(t, ws, "tok-user-1")
	require.Eventually(t, func() bool { return r.ConnCount() == 1 },
		time.Second, 10*time.Millisecond)

	// No pong for longer than the expiry threshold.
	r.now = func() time.Time { return time.Now().Add(10 * time.Minute) }
	r.sweep()

	expectClose(t, ws, websocket.ClosePolicyViolation, CloseExpired)
	require.Eventually(t, func() bool { return r.ConnCount() == 0 },
		time.Second, 10*time.Millisecond)
}

func TestRegistry_SweepParksIdle(t *testing.T) {
	cfg := testConfig()
	cfg.IdleThreshold = time.Minute
	cfg.ExpiryThreshold = time.Hour
	r, url := startRegistry(t, cfg)

	ws := dial(t, url)
	authenticate(t, ws, "tok-user-1")
	require.Eventually(t, func() bool { return r.UserConnCount("user-1") == 1 },
		time.Second, 10*time.Millisecond)

	r.now = func() time.Time { return time.Now().Add(5 * time.Minute) }
	r.sweep()

	// Parked connections stay registered but are skipped by fanout.
	assert.Equal(t, 1, r.ConnCount())
	assert.Equal(t, 0, r.SendToUser("user-1", domain.TypeLike, json.RawMessage(`{}`)))

	// Speaking again reactivates the connection.
	writeFrame(t, ws, InboundFrame{Type: FramePing, Nonce: "n"})
	readFrame(t, ws)
	require.Eventually(t, func() bool {
		return r.SendToUser("user-1", domain.TypeLike, json.RawMessage(`{}`)) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestConn_SlowConsumerClosed(t *testing.T) {
	r := NewRegistry(testConfig(), testValidator, slog.Default())
	c := &Conn{
		id:         uuid.New(),
		registry:   r,
		send:       make(chan []byte), // unbuffered: any enqueue overflows
		active:     true,
		subscribed: make(map[domain.NotificationType]bool),
	}

	assert.False(t, c.enqueue([]byte(`{}`)))

	c.mu.Lock()
	defer c.mu.Unlock()
	assert.True(t, c.closed)
	assert.Equal(t, CloseSlowConsumer, c.closeReason)
}

func TestRegistry_MultipleConnectionsPerUser(t *testing.T) {
	r, url := startRegistry(t, testConfig())

	first := dial(t, url)
	authenticate(t, first, "tok-user-1")
	second := dial(t, url)
	authenticate(t, second, "tok-user-1")

	require.Eventually(t, func() bool { return r.UserConnCount("user-1") == 2 },
		time.Second, 10*time.Millisecond)

	sent := r.SendToUser("user-1", domain.TypeLike, json.RawMessage(fmt.Sprintf(`{"id":%q}`, "n-1")))
	assert.Equal(t, 2, sent)
}
