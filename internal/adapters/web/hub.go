package web

import (
	"log/slog"
	"sync"
	"time"

	"github.com/bnema/sdash/internal/domain"
	"github.com/gorilla/websocket"
)

const (
	clientBuffer = 16
	writeTimeout = 10 * time.Second
)

type client struct {
	conn *websocket.Conn
	send chan domain.Event
	once sync.Once
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.send)
	})
}

// Hub relays bus events to connected websocket listeners. A listener that
// falls behind loses events rather than stalling the refresh cycle.
type Hub struct {
	mu      sync.Mutex
	clients map[*client]struct{}
	logger  *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}

	return &Hub{clients: make(map[*client]struct{}), logger: logger}
}

// Publish is an application.Listener.
func (h *Hub) Publish(event domain.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.clients {
		select {
		case c.send <- event:
		default:
			h.logger.Warn("websocket event dropped, client too slow", "remote", c.conn.RemoteAddr().String(), "event", event.Type)
		}
	}
}

func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return len(h.clients)
}

// Close disconnects every listener.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.clients {
		delete(h.clients, c)
		c.close()
	}
}

// serve owns conn until the peer goes away. initial is written first.
func (h *Hub) serve(conn *websocket.Conn, initial domain.Event) {
	c := &client{conn: conn, send: make(chan domain.Event, clientBuffer)}
	c.send <- initial

	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.logger.Info("websocket client connected", "remote", conn.RemoteAddr().String())

	go h.writeLoop(c)
	h.readLoop(c)
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()

	if ok {
		c.close()
		h.logger.Info("websocket client disconnected", "remote", c.conn.RemoteAddr().String())
	}
}

func (h *Hub) writeLoop(c *client) {
	defer func() { _ = c.conn.Close() }()

	for event := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteJSON(event); err != nil {
			h.logger.Warn("websocket write failed", "remote", c.conn.RemoteAddr().String(), "err", err)
			h.remove(c)
			return
		}
	}

	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
}

// readLoop drains the peer so close frames are noticed.
func (h *Hub) readLoop(c *client) {
	defer h.remove(c)

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
