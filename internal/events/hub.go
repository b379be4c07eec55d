package events

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/shehryarbajwa/printbox/internal/metrics"
	"github.com/shehryarbajwa/printbox/pkg/models"
)

const (
	clientBuffer = 64
	writeTimeout = 5 * time.Second
	pongTimeout  = 60 * time.Second
	pingInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// StatusFunc returns the current session snapshot sent to newly connected observers
type StatusFunc func() models.SessionStatus

type client struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once

	// pending holds events back until the status snapshot has been queued
	mu      sync.Mutex
	pending bool
	backlog [][]byte
}

func (c *client) close() {
	c.once.Do(func() { close(c.send) })
}

// deliver queues payload without blocking and reports whether it was kept
func (c *client) deliver(payload []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pending {
		if len(c.backlog) >= clientBuffer {
			return false
		}
		c.backlog = append(c.backlog, payload)
		return true
	}

	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

// ready queues the snapshot ahead of any events that arrived while it was taken
func (c *client) ready(snapshot []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if snapshot != nil {
		c.send <- snapshot
	}
	for _, payload := range c.backlog {
		select {
		case c.send <- payload:
		default:
			metrics.NotificationsDroppedTotal.Inc()
		}
	}
	c.backlog = nil
	c.pending = false
}

// Hub fans notifications out to WebSocket observers.
// Notify never blocks; a client whose buffer is full misses the event.
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]struct{}
	status  StatusFunc
}

// NewHub creates an empty hub
func NewHub() *Hub {
	return &Hub{
		clients: make(map[*client]struct{}),
	}
}

// SetStatusFunc installs the snapshot source for late joiners
func (h *Hub) SetStatusFunc(fn StatusFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.status = fn
}

// Notify broadcasts an event to every connected observer
func (h *Hub) Notify(event models.Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		slog.Error("Failed to encode event", "type", event.Type, "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.clients {
		if !c.deliver(payload) {
			metrics.NotificationsDroppedTotal.Inc()
			slog.Warn("Observer buffer full, dropping event", "type", event.Type)
		}
	}
}

// ClientCount returns the number of connected observers
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeWS upgrades the request and streams events until the observer disconnects.
// The first frame is always a current-session-status snapshot.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("Failed to upgrade connection", "error", err)
		return
	}

	// Register before taking the snapshot so no event can fall between the two.
	// An event racing the snapshot may repeat what the snapshot already shows.
	c := &client{conn: conn, send: make(chan []byte, clientBuffer), pending: true}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	metrics.ObserversConnected.Inc()
	status := h.status
	h.mu.Unlock()

	var snapshot []byte
	if status != nil {
		current := status()
		snapshot, err = json.Marshal(models.Event{
			Type:      models.EventCurrentStatus,
			SessionID: current.SessionID,
			Status:    &current,
		})
		if err != nil {
			slog.Error("Failed to encode status snapshot", "error", err)
			snapshot = nil
		}
	}

	// Close may have dropped the client meanwhile; its send channel is then closed
	h.mu.RLock()
	if _, ok := h.clients[c]; ok {
		c.ready(snapshot)
	}
	h.mu.RUnlock()

	go h.writeLoop(c)
	h.readLoop(c)
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		c.close()
		metrics.ObserversConnected.Dec()
	}
	h.mu.Unlock()
}

// readLoop discards inbound frames and detects disconnects
func (h *Hub) readLoop(c *client) {
	defer func() {
		h.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("Observer connection error", "error", err)
			}
			return
		}
	}
}

func (h *Hub) writeLoop(c *client) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case payload, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				slog.Debug("Failed to write event", "error", err)
				c.conn.Close()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.conn.Close()
				return
			}
		}
	}
}

// Close disconnects every observer
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		c.close()
		metrics.ObserversConnected.Dec()
	}
}
