// Package socket holds the live connection registry for real-time fanout.
// Connections arrive unauthenticated, present a token in an auth frame, and
// are then indexed per user. Liveness uses ping/pong; a sweep closes expired
// connections and parks idle ones.
package socket

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/pulsefeed/notification-engine/internal/domain"
)

const (
	// Time allowed to write a frame to the peer.
	writeWait = 10 * time.Second

	// Per-connection outbound buffer; overflow closes the connection.
	sendBufferSize = 64
)

// TokenValidator maps an opaque auth token to a user id.
type TokenValidator func(ctx context.Context, token string) (userID string, err error)

// Config carries the registry's tuning knobs.
type Config struct {
	MaxConnections  int
	PingInterval    time.Duration
	IdleThreshold   time.Duration
	ExpiryThreshold time.Duration
	CleanupInterval time.Duration
	MaxFrameBytes   int64
}

// Conn is one live socket. Fields behind mu are shared between the read
// pump, the registry loops and fanout callers.
type Conn struct {
	id       uuid.UUID
	ws       *websocket.Conn
	registry *Registry
	send     chan []byte

	mu             sync.Mutex
	userID         string
	authenticated  bool
	active         bool
	closed         bool
	closeReason    string
	subscribed     map[domain.NotificationType]bool // empty set means all types
	lastPongAt     time.Time
	lastActivityAt time.Time
}

// ID returns the connection id assigned at accept time.
func (c *Conn) ID() uuid.UUID { return c.id }

// UserID returns the authenticated user, or "" before auth.
func (c *Conn) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// wantsType reports whether fanout should write this type to the connection.
func (c *Conn) wantsType(typ domain.NotificationType) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.authenticated || !c.active || c.closed {
		return false
	}
	if len(c.subscribed) == 0 {
		return true
	}
	return c.subscribed[typ]
}

// enqueue schedules a frame for the write pump. It never blocks: a full
// buffer means the consumer is not keeping up, and the connection is closed
// rather than letting it stall everyone else's fanout.
func (c *Conn) enqueue(frame []byte) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	select {
	case c.send <- frame:
		c.mu.Unlock()
		return true
	default:
		c.mu.Unlock()
		c.registry.closeConn(c, CloseSlowConsumer)
		return false
	}
}

// Registry tracks every live connection and the per-user index over them.
type Registry struct {
	cfg      Config
	validate TokenValidator
	logger   *slog.Logger
	now      func() time.Time

	mu       sync.RWMutex
	conns    map[uuid.UUID]*Conn
	byUser   map[string]map[uuid.UUID]*Conn
	draining bool

	onConnect    func()
	onDisconnect func()
}

func NewRegistry(cfg Config, validate TokenValidator, logger *slog.Logger) *Registry {
	return &Registry{
		cfg:      cfg,
		validate: validate,
		logger:   logger,
		now:      time.Now,
		conns:    make(map[uuid.UUID]*Conn),
		byUser:   make(map[string]map[uuid.UUID]*Conn),
	}
}

// SetConnHooks installs metrics callbacks for connect/disconnect.
func (r *Registry) SetConnHooks(onConnect, onDisconnect func()) {
	r.onConnect = onConnect
	r.onDisconnect = onDisconnect
}

// Accept takes ownership of an upgraded websocket connection. Over capacity
// or during shutdown the connection is refused immediately.
func (r *Registry) Accept(ws *websocket.Conn) {
	now := r.now()

	r.mu.Lock()
	if r.draining {
		r.mu.Unlock()
		refuse(ws, CloseServerShutdown)
		return
	}
	if r.cfg.MaxConnections > 0 && len(r.conns) >= r.cfg.MaxConnections {
		r.mu.Unlock()
		r.logger.Warn("connection refused", "reason", CloseOverCapacity)
		refuse(ws, CloseOverCapacity)
		return
	}

	c := &Conn{
		id:             uuid.New(),
		ws:             ws,
		registry:       r,
		send:           make(chan []byte, sendBufferSize),
		active:         true,
		subscribed:     make(map[domain.NotificationType]bool),
		lastPongAt:     now,
		lastActivityAt: now,
	}
	r.conns[c.id] = c
	r.mu.Unlock()

	if r.onConnect != nil {
		r.onConnect()
	}
	r.logger.Info("socket connected", "connection_id", c.id)

	go c.writePump()
	go c.readPump()
}

// SendToUser writes the payload to every live, authenticated connection of
// the user subscribed to the notification's type. Returns how many
// connections the frame was queued on.
func (r *Registry) SendToUser(userID string, typ domain.NotificationType, payload json.RawMessage) int {
	r.mu.RLock()
	set := r.byUser[userID]
	targets := make([]*Conn, 0, len(set))
	for _, c := range set {
		targets = append(targets, c)
	}
	r.mu.RUnlock()

	if len(targets) == 0 {
		return 0
	}

	frame := marshalFrame(notificationFrame{Type: FrameNotification, Payload: payload})
	sent := 0
	for _, c := range targets {
		if !c.wantsType(typ) {
			continue
		}
		if c.enqueue(frame) {
			sent++
		}
	}
	return sent
}

// UserConnCount returns the number of live connections for one user.
func (r *Registry) UserConnCount(userID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID])
}

// ConnCount returns the total number of tracked connections.
func (r *Registry) ConnCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Run drives the heartbeat and cleanup loops until ctx ends, then closes
// every connection with the shutdown reason.
func (r *Registry) Run(ctx context.Context) {
	pingTicker := time.NewTicker(r.cfg.PingInterval)
	cleanupTicker := time.NewTicker(r.cfg.CleanupInterval)
	defer pingTicker.Stop()
	defer cleanupTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.CloseAll(CloseServerShutdown)
			return
		case <-pingTicker.C:
			r.pingAll()
		case <-cleanupTicker.C:
			r.sweep()
		}
	}
}

// CloseAll closes every connection with the given reason and refuses new
// accepts from then on.
func (r *Registry) CloseAll(reason string) {
	r.mu.Lock()
	r.draining = true
	all := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		all = append(all, c)
	}
	r.mu.Unlock()

	for _, c := range all {
		r.closeConn(c, reason)
	}
}

func (r *Registry) pingAll() {
	frame := marshalFrame(pingPongFrame{Type: FramePing, Nonce: uuid.NewString()})

	r.mu.RLock()
	targets := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		targets = append(targets, c)
	}
	r.mu.RUnlock()

	for _, c := range targets {
		c.mu.Lock()
		authed := c.authenticated && !c.closed
		c.mu.Unlock()
		if authed {
			c.enqueue(frame)
		}
	}
}

// sweep closes connections whose pong is stale and parks connections that
// have gone quiet. Parked connections stay registered but are skipped by
// fanout until they either speak again or expire.
func (r *Registry) sweep() {
	now := r.now()

	r.mu.RLock()
	targets := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		targets = append(targets, c)
	}
	r.mu.RUnlock()

	for _, c := range targets {
		c.mu.Lock()
		expired := now.Sub(c.lastPongAt) > r.cfg.ExpiryThreshold
		idle := c.active && now.Sub(c.lastActivityAt) > r.cfg.IdleThreshold
		if idle && !expired {
			c.active = false
		}
		c.mu.Unlock()

		if expired {
			r.closeConn(c, CloseExpired)
		} else if idle {
			r.logger.Debug("socket idle", "connection_id", c.id)
		}
	}
}

// authenticate resolves the token and moves the connection into the user
// index. A bad token closes the connection.
func (r *Registry) authenticate(c *Conn, token string, subscriptions []domain.NotificationType) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	userID, err := r.validate(ctx, token)
	if err != nil || userID == "" {
		c.enqueue(marshalFrame(authAckFrame{Type: FrameAuthAck, OK: false, Reason: CloseAuthFailed}))
		r.closeConn(c, CloseAuthFailed)
		return
	}

	c.mu.Lock()
	c.userID = userID
	c.authenticated = true
	c.active = true
	for _, t := range subscriptions {
		if t.IsValid() {
			c.subscribed[t] = true
		}
	}
	c.mu.Unlock()

	r.mu.Lock()
	set, ok := r.byUser[userID]
	if !ok {
		set = make(map[uuid.UUID]*Conn)
		r.byUser[userID] = set
	}
	set[c.id] = c
	r.mu.Unlock()

	c.enqueue(marshalFrame(authAckFrame{Type: FrameAuthAck, OK: true}))
	r.logger.Info("socket authenticated", "connection_id", c.id, "user_id", userID)
}

// closeConn removes the connection from all indices and hands the close
// reason to the write pump. Idempotent; the first reason wins.
func (r *Registry) closeConn(c *Conn, reason string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.closeReason = reason
	userID := c.userID
	c.mu.Unlock()

	r.mu.Lock()
	delete(r.conns, c.id)
	if userID != "" {
		if set, ok := r.byUser[userID]; ok {
			delete(set, c.id)
			if len(set) == 0 {
				delete(r.byUser, userID)
			}
		}
	}
	r.mu.Unlock()

	// Closing send wakes the write pump, which emits the close frame and
	// tears down the underlying connection.
	close(c.send)

	if r.onDisconnect != nil {
		r.onDisconnect()
	}
	r.logger.Info("socket closed", "connection_id", c.id, "reason", reason)
}

// refuse closes a connection that never entered the registry.
func refuse(ws *websocket.Conn, reason string) {
	deadline := time.Now().Add(writeWait)
	ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(closeCode(reason), reason), deadline)
	ws.Close()
}

func closeCode(reason string) int {
	switch reason {
	case CloseNormal:
		return websocket.CloseNormalClosure
	case CloseServerShutdown:
		return websocket.CloseGoingAway
	case CloseOverCapacity:
		return websocket.CloseTryAgainLater
	case CloseAuthFailed, CloseExpired, CloseSlowConsumer:
		return websocket.ClosePolicyViolation
	}
	return websocket.CloseNormalClosure
}

// readPump decodes inbound frames until the peer goes away.
func (c *Conn) readPump() {
	defer func() {
		c.registry.closeConn(c, CloseNormal)
		c.ws.Close()
	}()

	if c.registry.cfg.MaxFrameBytes > 0 {
		c.ws.SetReadLimit(c.registry.cfg.MaxFrameBytes)
	}
	c.ws.SetPongHandler(func(string) error {
		c.touchPong()
		return nil
	})

	for {
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.registry.logger.Error("socket read failed", "connection_id", c.id, "error", err)
			}
			return
		}
		c.handleFrame(message)
	}
}

func (c *Conn) handleFrame(message []byte) {
	c.mu.Lock()
	c.lastActivityAt = c.registry.now()
	c.active = true
	authed := c.authenticated
	c.mu.Unlock()

	var frame InboundFrame
	if err := json.Unmarshal(message, &frame); err != nil {
		c.enqueue(marshalFrame(errorFrame{Type: FrameError, Reason: "malformed_frame"}))
		return
	}

	switch frame.Type {
	case FrameAuth:
		c.registry.authenticate(c, frame.Token, frame.Subscriptions)

	case FrameSubscribe:
		if !authed {
			c.enqueue(marshalFrame(errorFrame{Type: FrameError, Reason: "not_authenticated"}))
			return
		}
		c.mu.Lock()
		for _, t := range frame.Types {
			if t.IsValid() {
				c.subscribed[t] = true
			}
		}
		c.mu.Unlock()
		c.enqueue(marshalFrame(statusFrame{Type: FrameStatus, Message: "subscribed"}))

	case FrameUnsubscribe:
		if !authed {
			c.enqueue(marshalFrame(errorFrame{Type: FrameError, Reason: "not_authenticated"}))
			return
		}
		c.mu.Lock()
		for _, t := range frame.Types {
			delete(c.subscribed, t)
		}
		c.mu.Unlock()
		c.enqueue(marshalFrame(statusFrame{Type: FrameStatus, Message: "unsubscribed"}))

	case FramePing:
		c.enqueue(marshalFrame(pingPongFrame{Type: FramePong, Nonce: frame.Nonce}))

	case FramePong:
		c.touchPong()

	default:
		c.enqueue(marshalFrame(errorFrame{Type: FrameError, Reason: "unknown_frame"}))
	}
}

func (c *Conn) touchPong() {
	c.mu.Lock()
	c.lastPongAt = c.registry.now()
	c.lastActivityAt = c.lastPongAt
	c.active = true
	c.mu.Unlock()
}

// writePump drains the send buffer onto the wire. When the registry closes
// the buffer, the pump writes the close frame and tears the socket down.
func (c *Conn) writePump() {
	defer c.ws.Close()

	for frame := range c.send {
		c.ws.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
			c.registry.closeConn(c, CloseNormal)
			// Drain so closeConn's close(c.send) never blocks a producer.
			for range c.send {
			}
			return
		}
	}

	c.mu.Lock()
	reason := c.closeReason
	c.mu.Unlock()
	if reason == "" {
		reason = CloseNormal
	}
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(closeCode(reason), reason))
}
