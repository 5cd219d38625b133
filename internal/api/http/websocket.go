package http

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/saltfish/paramsearch/internal/domain"
	"github.com/saltfish/paramsearch/internal/events"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 512

	// Size of the send buffer for each client.
	sendBufferSize = 256
)

// WSMessage is a message sent to WebSocket clients. Type is the routing key
// of the state change, e.g. "job.completed".
type WSMessage struct {
	Type      string    `json:"type"`
	PlanID    string    `json:"plan_id,omitempty"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// SubscriptionMessage is a subscription request from a client. Event types
// ending in ".*" match every type with that prefix.
type SubscriptionMessage struct {
	Action     string   `json:"action"` // "subscribe" or "unsubscribe"
	EventTypes []string `json:"event_types"`
	PlanIDs    []string `json:"plan_ids,omitempty"`
}

// Client is one WebSocket connection.
type Client struct {
	hub *Hub

	conn *websocket.Conn

	// Buffered channel of outbound messages.
	send chan []byte

	// Subscribed event types and plans. Empty sets match everything.
	subscriptions map[string]bool
	plans         map[string]bool
	mu            sync.RWMutex

	logger *zap.Logger
}

// outbound is a marshalled message with its routing fields.
type outbound struct {
	eventType string
	planID    string
	payload   []byte
}

// Hub maintains the set of active clients and broadcasts plan state changes
// to them.
type Hub struct {
	clients map[*Client]bool

	broadcast  chan outbound
	register   chan *Client
	unregister chan *Client

	// mu protects clients.
	mu sync.RWMutex

	logger *zap.Logger

	done     chan struct{}
	stopOnce sync.Once
}

// NewHub creates a new Hub instance.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan outbound, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger,
		done:       make(chan struct{}),
	}
}

// Run starts the hub's main loop.
func (h *Hub) Run() {
	h.logger.Info("WebSocket hub started")
	defer h.logger.Info("WebSocket hub stopped")

	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("Client registered", zap.Int("total_clients", n))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				h.logger.Info("Client unregistered", zap.Int("total_clients", len(h.clients)))
			}
			h.mu.Unlock()

		case msg := <-h.broadcast:
			h.broadcastMessage(msg)

		case <-h.done:
			h.shutdown()
			return
		}
	}
}

// broadcastMessage sends a message to all subscribed clients.
func (h *Hub) broadcastMessage(msg outbound) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients {
		if !client.isSubscribed(msg.eventType, msg.planID) {
			continue
		}
		select {
		case client.send <- msg.payload:
		default:
			// Slow client, drop it.
			go func(c *Client) {
				select {
				case h.unregister <- c:
				case <-h.done:
				}
			}(client)
		}
	}
}

// BroadcastEvent broadcasts an event to all connected clients.
func (h *Hub) BroadcastEvent(eventType, planID string, data any) {
	msg := WSMessage{
		Type:      eventType,
		PlanID:    planID,
		Data:      data,
		Timestamp: time.Now(),
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("Failed to marshal event", zap.Error(err), zap.String("event_type", eventType))
		return
	}

	select {
	case h.broadcast <- outbound{eventType: eventType, planID: planID, payload: payload}:
	default:
		h.logger.Warn("Broadcast channel full, dropping message", zap.String("event_type", eventType))
	}
}

// Pump broadcasts every state change received on stream until it closes or
// ctx ends. Save notifications are not forwarded.
func (h *Hub) Pump(ctx context.Context, stream <-chan domain.StateChangedEvent) {
	for {
		select {
		case ev, ok := <-stream:
			if !ok {
				return
			}
			if ev.ChangeType == domain.ChangeStateSaved {
				continue
			}
			wire := events.NewStateChangedEvent(ev)
			h.BroadcastEvent(events.RoutingKeyFor(ev.ChangeType), wire.PlanID, wire)
		case <-ctx.Done():
			return
		case <-h.done:
			return
		}
	}
}

// GetClientCount returns the number of connected clients.
func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Shutdown stops the hub and closes every client connection.
func (h *Hub) Shutdown() {
	h.stopOnce.Do(func() { close(h.done) })
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		close(client.send)
		if client.conn != nil {
			client.conn.Close()
		}
	}
	h.clients = make(map[*Client]bool)
}

func (c *Client) isSubscribed(eventType, planID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(c.plans) > 0 && !c.plans[planID] {
		return false
	}
	if len(c.subscriptions) == 0 || c.subscriptions[eventType] {
		return true
	}
	for pattern := range c.subscriptions {
		if prefix, ok := strings.CutSuffix(pattern, "*"); ok && strings.HasPrefix(eventType, prefix) {
			return true
		}
	}
	return false
}

func (c *Client) subscribe(eventTypes, planIDs []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.subscriptions == nil {
		c.subscriptions = make(map[string]bool)
	}
	if c.plans == nil {
		c.plans = make(map[string]bool)
	}
	for _, eventType := range eventTypes {
		c.subscriptions[eventType] = true
	}
	for _, id := range planIDs {
		c.plans[id] = true
	}

	c.logger.Info("Client subscribed to events",
		zap.Strings("event_types", eventTypes),
		zap.Strings("plan_ids", planIDs),
	)
}

func (c *Client) unsubscribe(eventTypes, planIDs []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, eventType := range eventTypes {
		delete(c.subscriptions, eventType)
	}
	for _, id := range planIDs {
		delete(c.plans, id)
	}

	c.logger.Info("Client unsubscribed from events",
		zap.Strings("event_types", eventTypes),
		zap.Strings("plan_ids", planIDs),
	)
}

// readPump handles pings and subscription messages from the peer.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	c.conn.SetPingHandler(func(appData string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return c.conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.logger.Error("WebSocket read error", zap.Error(err))
			}
			break
		}

		// Some browsers send a text "ping" instead of a ping frame.
		if string(message) == "ping" {
			c.conn.SetReadDeadline(time.Now().Add(pongWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, []byte("pong")); err != nil {
				c.logger.Debug("Failed to send pong response", zap.Error(err))
			}
			continue
		}

		var sub SubscriptionMessage
		if err := json.Unmarshal(message, &sub); err != nil {
			c.logger.Debug("Ignoring non-JSON message", zap.ByteString("message", message))
			continue
		}

		switch sub.Action {
		case "subscribe":
			c.subscribe(sub.EventTypes, sub.PlanIDs)
		case "unsubscribe":
			c.unsubscribe(sub.EventTypes, sub.PlanIDs)
		default:
			c.logger.Debug("Unknown subscription action", zap.String("action", sub.Action))
		}
	}
}

// writePump pumps messages from the hub to the websocket connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Coalesce queued messages into the current frame.
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// ServeWS upgrades the request and registers the connection with the hub.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade connection", zap.Error(err))
		return
	}

	client := &Client{
		hub:           h,
		conn:          conn,
		send:          make(chan []byte, sendBufferSize),
		subscriptions: make(map[string]bool),
		plans:         make(map[string]bool),
		logger:        h.logger.With(zap.String("remote_addr", r.RemoteAddr)),
	}

	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}
