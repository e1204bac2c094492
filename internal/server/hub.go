package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/FocuswithJustin/Glossa/internal/logging"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	sendBuffer     = 256
	defaultMaxRate = 20   // client events per second
	defaultMaxSize = 4096 // bytes per client frame
)

// Message is one frame pushed to preview clients. Frames queued while a
// write is in flight are packed into the same websocket message separated
// by newlines, so clients split on '\n' before decoding.
type Message struct {
	Type      string         `json:"type"` // "document", "error", "stats"
	Seq       uint64         `json:"seq,omitempty"`
	HTML      string         `json:"html,omitempty"`
	Message   string         `json:"message,omitempty"`
	Timestamp string         `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// ClientEvent is one frame received from a preview client: a delegated
// tooltip interaction to replay against the document.
type ClientEvent struct {
	Type   string `json:"type"`             // "tooltip"
	Event  string `json:"event"`            // wire event name, e.g. "pointerenter"
	Target string `json:"target,omitempty"` // companion id of the wrapper
	Key    string `json:"key,omitempty"`    // key name for key events
}

// HubConfig configures connection policy for the preview hub.
type HubConfig struct {
	// AllowedOrigins lists acceptable Origin headers for the websocket
	// handshake. Empty allows any origin; "*.example.com" matches
	// subdomains.
	AllowedOrigins []string
	// MaxEventRate caps client events per second per connection.
	MaxEventRate int
	// MaxMessageSize caps the size of one client frame in bytes.
	MaxMessageSize int64
	// OnEvent receives decoded client events. Nil drops them.
	OnEvent func(ClientEvent)
}

// Hub maintains the active preview connections and broadcasts messages.
type Hub struct {
	cfg        HubConfig
	upgrader   websocket.Upgrader
	clients    map[*hubClient]bool
	broadcast  chan []byte
	register   chan *hubClient
	unregister chan *hubClient
	mu         sync.RWMutex
}

type hubClient struct {
	hub     *Hub
	conn    *websocket.Conn
	send    chan []byte
	limiter *rateBucket
}

// NewHub creates a hub. Call Run before serving connections.
func NewHub(cfg HubConfig) *Hub {
	if cfg.MaxEventRate <= 0 {
		cfg.MaxEventRate = defaultMaxRate
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = defaultMaxSize
	}
	h := &Hub{
		cfg:        cfg,
		clients:    make(map[*hubClient]bool),
		broadcast:  make(chan []byte, sendBuffer),
		register:   make(chan *hubClient),
		unregister: make(chan *hubClient),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if originAllowed(origin, cfg.AllowedOrigins) {
				return true
			}
			logging.SecurityEvent("websocket_origin_rejected", "preview", "origin", origin)
			return false
		},
	}
	return h
}

// Run services registration and broadcast until the context is canceled.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			count := len(h.clients)
			h.mu.Unlock()
			logging.WebSocketEvent("client_connected", count)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			count := len(h.clients)
			h.mu.Unlock()
			logging.WebSocketEvent("client_disconnected", count)

		case message := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					// Client cannot keep up, disconnect it.
					close(client.send)
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// ClientCount returns the number of connected preview clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast queues a message for every connected client.
func (h *Hub) Broadcast(msg Message) {
	if msg.Timestamp == "" {
		msg.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	data, err := json.Marshal(msg)
	if err != nil {
		logging.Error("failed to marshal preview message", "error", err)
		return
	}
	select {
	case h.broadcast <- data:
	default:
		logging.Warn("preview broadcast channel full, dropping message")
	}
}

// BroadcastDocument pushes a re-rendered document to all clients.
func (h *Hub) BroadcastDocument(html string, seq uint64) {
	h.Broadcast(Message{Type: "document", HTML: html, Seq: seq})
}

// BroadcastError pushes an error notice to all clients.
func (h *Hub) BroadcastError(message string) {
	h.Broadcast(Message{Type: "error", Message: message})
}

// Handler upgrades HTTP connections and registers preview clients.
func (h *Hub) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := h.upgrader.Upgrade(w, r, nil)
		if err != nil {
			logging.Error("websocket upgrade failed", "error", err)
			return
		}
		conn.SetReadLimit(h.cfg.MaxMessageSize)

		client := &hubClient{
			hub:     h,
			conn:    conn,
			send:    make(chan []byte, sendBuffer),
			limiter: newRateBucket(h.cfg.MaxEventRate),
		}
		h.register <- client

		go client.writePump()
		go client.readPump()
	}
}

// readPump decodes client frames, applying the per-connection rate limit.
func (c *hubClient) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Error("websocket unexpected close", "error", err)
			}
			return
		}
		if !c.limiter.allow() {
			logging.SecurityEvent("websocket_rate_limited", "preview")
			continue
		}
		var evt ClientEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			logging.Debug("discarding malformed client event", "error", err)
			continue
		}
		if c.hub.cfg.OnEvent != nil {
			c.hub.cfg.OnEvent(evt)
		}
	}
}

// writePump flushes queued frames and keeps the connection alive.
func (c *hubClient) writePump() {
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

			// Pack whatever else is queued into the same frame.
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

// rateBucket is a token bucket for client event rate limiting. Capacity is
// twice the refill rate to absorb bursts.
type rateBucket struct {
	mu         sync.Mutex
	tokens     float64
	capacity   float64
	refillRate float64
	lastRefill time.Time
}

func newRateBucket(perSecond int) *rateBucket {
	capacity := float64(perSecond) * 2
	return &rateBucket{
		tokens:     capacity,
		capacity:   capacity,
		refillRate: float64(perSecond),
		lastRefill: time.Now(),
	}
}

func (b *rateBucket) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	b.tokens += elapsed * b.refillRate
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.lastRefill = now

	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// originAllowed checks an Origin header against the allowed list. An empty
// list allows everything; "*.example.com" matches subdomains.
func originAllowed(origin string, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	if origin == "" {
		return false
	}
	for _, candidate := range allowed {
		if candidate == "*" || candidate == origin {
			return true
		}
		if strings.HasPrefix(candidate, "*.") {
			if strings.HasSuffix(origin, candidate[1:]) {
				return true
			}
		}
	}
	return false
}
