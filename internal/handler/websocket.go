package handler

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/pulsefeed/notification-engine/internal/socket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Allow all origins for development
		// In production, validate against allowed origins
		return true
	},
}

// WebSocketHandler upgrades inbound connections and hands them to the
// connection registry; authentication happens on the socket via an auth
// frame, not at upgrade time.
type WebSocketHandler struct {
	registry *socket.Registry
	logger   *slog.Logger
}

func NewWebSocketHandler(registry *socket.Registry, logger *slog.Logger) *WebSocketHandler {
	return &WebSocketHandler{registry: registry, logger: logger}
}

// HandleWebSocket handles WebSocket upgrade and connection
func (h *WebSocketHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("failed to upgrade websocket", "error", err)
		return
	}

	h.registry.Accept(conn)
}
