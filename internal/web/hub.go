package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/matheus3301/warchive/internal/bus"
	"github.com/matheus3301/warchive/internal/status"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
	sendBuffer = 128
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The daemon binds to loopback; browser clients on the same host are
	// the only expected origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// envelope is the wire format for everything pushed over the socket.
type envelope struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// conn wraps one websocket with a buffered outbound channel.
type conn struct {
	id    string
	ws    *websocket.Conn
	send  chan []byte
	once  sync.Once
	close chan struct{}
}

func newConn(ws *websocket.Conn) *conn {
	return &conn{
		id:    uuid.NewString(),
		ws:    ws,
		send:  make(chan []byte, sendBuffer),
		close: make(chan struct{}),
	}
}

// enqueue hands payload to the write loop. A slow client whose buffer is
// full gets disconnected rather than stalling the fan-out.
func (c *conn) enqueue(payload []byte) error {
	select {
	case <-c.close:
		return errors.New("connection closed")
	case c.send <- payload:
		return nil
	default:
		c.shutdown(websocket.CloseGoingAway, "send buffer full")
		return errors.New("connection buffer exceeded")
	}
}

func (c *conn) shutdown(code int, reason string) {
	c.once.Do(func() {
		close(c.close)
		_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
		_ = c.ws.Close()
	})
}

func (c *conn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.close:
			return
		case msg := <-c.send:
			if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Hub fans notification events out to every connected websocket client.
type Hub struct {
	bus     *bus.Bus
	machine *status.Machine
	logger  *zap.Logger

	mu      sync.RWMutex
	clients map[string]*conn
}

// NewHub creates a hub. Run must be called for events to flow.
func NewHub(b *bus.Bus, machine *status.Machine, logger *zap.Logger) *Hub {
	return &Hub{
		bus:     b,
		machine: machine,
		logger:  logger,
		clients: make(map[string]*conn),
	}
}

// Run forwards "notify.*" bus events to all clients until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	ch, unsub := h.bus.Subscribe("notify.", 256)

	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				h.broadcast(evt)
			case <-ctx.Done():
				h.closeAll()
				return
			}
		}
	}()
}

func (h *Hub) broadcast(evt bus.Event) {
	payload, err := json.Marshal(envelope{
		Type: strings.TrimPrefix(evt.Kind, "notify."),
		Data: evt.Payload,
	})
	if err != nil {
		h.logger.Warn("failed to marshal notification", zap.String("kind", evt.Kind), zap.Error(err))
		return
	}

	h.mu.RLock()
	conns := make([]*conn, 0, len(h.clients))
	for _, c := range h.clients {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		if err := c.enqueue(payload); err != nil {
			h.detach(c)
		}
	}
}

// Attach upgrades the request and registers the client. The current
// lifecycle state is sent first so a late joiner knows where the sync is.
func (h *Hub) Attach(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := newConn(ws)

	snapshot, err := json.Marshal(envelope{
		Type: "status",
		Data: map[string]any{"state": h.machine.Current()},
	})
	if err == nil {
		c.send <- snapshot
	}

	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()

	go c.writeLoop()
	go h.readLoop(c)

	h.logger.Debug("websocket client attached", zap.String("id", c.id))
}

// readLoop discards inbound frames; the socket is push-only. It exists to
// notice the client going away.
func (h *Hub) readLoop(c *conn) {
	defer h.detach(c)
	c.ws.SetPongHandler(func(string) error { return nil })
	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) detach(c *conn) {
	h.mu.Lock()
	delete(h.clients, c.id)
	h.mu.Unlock()
	c.shutdown(websocket.CloseNormalClosure, "")
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	conns := make([]*conn, 0, len(h.clients))
	for _, c := range h.clients {
		conns = append(conns, c)
	}
	h.clients = make(map[string]*conn)
	h.mu.Unlock()

	for _, c := range conns {
		c.shutdown(websocket.CloseGoingAway, "server shutdown")
	}
}

// ClientCount returns the number of attached clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
