package realtime

import (
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ticktalk/ticktalk/pkg/logger"
	"github.com/ticktalk/ticktalk/pkg/metrics"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 << 10 // 64 KiB

	defaultBufferSize = 64
)

// Message represents a JSON payload delivered to realtime subscribers.
type Message struct {
	Stream string         `json:"stream"`
	Event  string         `json:"event"`
	Data   any            `json:"data,omitempty"`
	Meta   map[string]any `json:"meta,omitempty"`
}

type controlMessage struct {
	Action string `json:"action"`
}

// Hooks observe connections entering and leaving a stream. They run outside
// the hub lock, on the goroutine serving the connection.
type Hooks struct {
	// OnConnect runs for every new connection of userID on stream.
	OnConnect func(stream, userID string)
	// OnPing runs when the client sends a ping control message.
	OnPing func(stream, userID string)
	// OnDisconnect runs when a connection closes. last reports whether it
	// was the final open connection of userID on stream.
	OnDisconnect func(stream, userID string, last bool)
}

// Hub fans messages out to websocket clients grouped by stream and user.
type Hub struct {
	mu            sync.RWMutex
	subscriptions map[string]map[string]map[*connection]struct{}
	upgrader      websocket.Upgrader
	log           *zap.Logger
}

// NewHub constructs a realtime hub.
func NewHub() *Hub {
	return &Hub{
		subscriptions: make(map[string]map[string]map[*connection]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" {
					return true
				}
				originHost := hostWithoutPort(origin)
				requestHost := hostWithoutPort(r.Host)
				return originHost == requestHost || isLoopback(originHost)
			},
		},
		log: logger.WithModule("realtime"),
	}
}

// Serve upgrades the request and keeps the connection registered on stream
// until the client goes away. It blocks for the lifetime of the connection.
func (h *Hub) Serve(stream, userID string, hooks Hooks, w http.ResponseWriter, r *http.Request) {
	stream = normalizeStream(stream)
	if stream == "" || userID == "" {
		http.Error(w, "stream and user are required", http.StatusBadRequest)
		return
	}

	socket, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.String("stream", stream), logger.UserID(userID), zap.Error(err))
		return
	}

	client := newConnection(h, socket, stream, userID, hooks)
	h.register(client)
	metrics.RealtimeConnections.Inc()
	if hooks.OnConnect != nil {
		hooks.OnConnect(stream, userID)
	}

	go client.writeLoop()
	client.readLoop()
}

// BroadcastToUser delivers a message to all connections of userID on stream.
func (h *Hub) BroadcastToUser(stream, userID string, message Message) {
	stream = normalizeStream(stream)
	if stream == "" || userID == "" {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	message.Stream = stream
	for client := range h.subscriptions[stream][userID] {
		h.enqueue(client, message)
	}
}

// BroadcastStream delivers a message to every connection on stream.
func (h *Hub) BroadcastStream(stream string, message Message) {
	stream = normalizeStream(stream)
	if stream == "" {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	message.Stream = stream
	for _, clients := range h.subscriptions[stream] {
		for client := range clients {
			h.enqueue(client, message)
		}
	}
}

// Connections reports how many connections userID holds on stream. An empty
// userID counts every connection on the stream.
func (h *Hub) Connections(stream, userID string) int {
	stream = normalizeStream(stream)

	h.mu.RLock()
	defer h.mu.RUnlock()

	if userID != "" {
		return len(h.subscriptions[stream][userID])
	}
	total := 0
	for _, clients := range h.subscriptions[stream] {
		total += len(clients)
	}
	return total
}

func (h *Hub) register(client *connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.subscriptions[client.stream] == nil {
		h.subscriptions[client.stream] = make(map[string]map[*connection]struct{})
	}
	if h.subscriptions[client.stream][client.userID] == nil {
		h.subscriptions[client.stream][client.userID] = make(map[*connection]struct{})
	}
	h.subscriptions[client.stream][client.userID][client] = struct{}{}
}

// unregister removes client and reports whether it was the user's last
// connection on the stream.
func (h *Hub) unregister(client *connection) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	clientsByUser, ok := h.subscriptions[client.stream]
	if !ok {
		return true
	}
	userClients := clientsByUser[client.userID]
	delete(userClients, client)
	if len(userClients) > 0 {
		return false
	}

	delete(clientsByUser, client.userID)
	if len(clientsByUser) == 0 {
		delete(h.subscriptions, client.stream)
	}
	return true
}

func (h *Hub) enqueue(client *connection, message Message) {
	if !client.trySend(message) {
		h.log.Warn("dropping slow realtime client", zap.String("stream", client.stream), logger.UserID(client.userID))
		go client.close()
	}
}

type connection struct {
	hub    *Hub
	socket *websocket.Conn
	stream string
	userID string
	hooks  Hooks

	mu     sync.Mutex
	closed bool
	send   chan Message
	once   sync.Once
}

func newConnection(hub *Hub, socket *websocket.Conn, stream, userID string, hooks Hooks) *connection {
	return &connection{
		hub:    hub,
		socket: socket,
		stream: stream,
		userID: userID,
		hooks:  hooks,
		send:   make(chan Message, defaultBufferSize),
	}
}

// trySend queues message without blocking. It returns false when the buffer is full.
func (c *connection) trySend(message Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return true
	}
	select {
	case c.send <- message:
		return true
	default:
		return false
	}
}

func (c *connection) readLoop() {
	defer c.close()

	c.socket.SetReadLimit(maxMessageSize)
	_ = c.socket.SetReadDeadline(time.Now().Add(pongWait))
	c.socket.SetPongHandler(func(string) error {
		_ = c.socket.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, payload, err := c.socket.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Debug("unexpected websocket close", zap.String("stream", c.stream), logger.UserID(c.userID), zap.Error(err))
			}
			return
		}
		if len(payload) == 0 {
			continue
		}

		var ctrl controlMessage
		if err := json.Unmarshal(payload, &ctrl); err != nil {
			c.hub.log.Debug("invalid control payload", zap.String("stream", c.stream), logger.UserID(c.userID), zap.Error(err))
			continue
		}

		switch strings.ToLower(strings.TrimSpace(ctrl.Action)) {
		case "ping":
			_ = c.socket.SetReadDeadline(time.Now().Add(pongWait))
			if c.hooks.OnPing != nil {
				c.hooks.OnPing(c.stream, c.userID)
			}
			c.trySend(Message{Stream: c.stream, Event: "pong"})
		default:
			c.hub.log.Debug("unsupported control action", zap.String("action", ctrl.Action), logger.UserID(c.userID))
		}
	}
}

func (c *connection) writeLoop() {
	defer c.close()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.socket.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.socket.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.socket.WriteJSON(message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.socket.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.socket.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *connection) close() {
	c.once.Do(func() {
		last := c.hub.unregister(c)

		c.mu.Lock()
		c.closed = true
		close(c.send)
		c.mu.Unlock()

		_ = c.socket.Close()
		metrics.RealtimeConnections.Dec()

		if c.hooks.OnDisconnect != nil {
			c.hooks.OnDisconnect(c.stream, c.userID, last)
		}
	})
}

func hostWithoutPort(host string) string {
	host = strings.TrimSpace(host)
	if host == "" {
		return ""
	}

	if strings.HasPrefix(host, "http://") || strings.HasPrefix(host, "https://") {
		parsed, err := http.NewRequest(http.MethodGet, host, nil)
		if err == nil {
			return hostWithoutPort(parsed.URL.Host)
		}
	}

	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}

func isLoopback(host string) bool {
	ip := net.ParseIP(host)
	if ip != nil {
		return ip.IsLoopback()
	}
	return strings.EqualFold(host, "localhost")
}

func normalizeStream(stream string) string {
	return strings.TrimSpace(stream)
}
