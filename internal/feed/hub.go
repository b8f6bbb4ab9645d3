// Package feed pushes engine events to dashboard clients over WebSocket.
// The hub subscribes to every event stream on the bus and fans frames out to
// all connected clients; per-client write pumps keep a slow dashboard from
// blocking the engine.
package feed

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/parkos/backend/internal/events"
	"github.com/parkos/backend/internal/metrics"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second // must be < pongWait
	writeWait  = 10 * time.Second
	sendBuffer = 64
)

// Frame is the JSON envelope every client receives.
type Frame struct {
	Event events.Type `json:"event"`
	Data  any         `json:"data"`
}

// Hub owns the client set and the bus subscriptions.
type Hub struct {
	bus      events.Bus
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
	unsubs  []func()

	met *metrics.Metrics
	log *slog.Logger
}

type client struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

// NewHub builds the hub. In production, origins outside allowedOrigins
// (comma-separated) are rejected; development allows everything.
func NewHub(bus events.Bus, env, allowedOrigins string) *Hub {
	h := &Hub{
		bus:     bus,
		clients: make(map[*client]struct{}),
		met:     metrics.Default(),
		log:     slog.Default().With("component", "feed"),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     buildCheckOrigin(env, allowedOrigins),
	}
	return h
}

func buildCheckOrigin(env, allowedOrigins string) func(*http.Request) bool {
	if env == "production" && allowedOrigins != "" {
		allowed := make(map[string]bool)
		for _, o := range strings.Split(allowedOrigins, ",") {
			allowed[strings.TrimSpace(o)] = true
		}
		return func(r *http.Request) bool {
			return allowed[r.Header.Get("Origin")]
		}
	}
	if env == "production" {
		slog.Warn("ALLOWED_ORIGINS not set in production, allowing all origins")
	}
	return func(*http.Request) bool { return true }
}

// Start subscribes the hub to every event stream.
func (h *Hub) Start() {
	for _, t := range events.Types {
		h.unsubs = append(h.unsubs, h.bus.Subscribe(t, h.forward))
	}
}

// Stop unsubscribes and disconnects all clients.
func (h *Hub) Stop() {
	for _, unsub := range h.unsubs {
		unsub()
	}
	h.unsubs = nil

	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()
	for _, c := range clients {
		h.drop(c)
	}
}

// forward marshals one event into a feed frame and broadcasts it.
func (h *Hub) forward(_ context.Context, ev *events.Event) {
	data, err := json.Marshal(Frame{Event: ev.Type, Data: ev.Payload})
	if err != nil {
		h.log.Warn("frame marshal failed", "type", ev.Type, "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			// Client can't keep up; drop it rather than block the bus.
			go h.drop(c)
		}
	}
}

// ClientCount reports connected clients, for the dashboard health summary.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and registers the client.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &client{conn: conn, send: make(chan []byte, sendBuffer)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.met.FeedClients.Set(float64(n))
	h.log.Info("feed client connected", "remote", conn.RemoteAddr().String())

	// writePump owns all writes, readPump owns all reads; no write ever
	// happens outside the pump goroutine.
	go h.writePump(c)
	go h.readPump(c)
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		h.drop(c)
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump drains client messages; the feed is publish-only, so inbound
// payloads are discarded and only pongs matter.
func (h *Hub) readPump(c *client) {
	defer h.drop(c)
	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) drop(c *client) {
	c.once.Do(func() {
		h.mu.Lock()
		delete(h.clients, c)
		n := len(h.clients)
		h.mu.Unlock()
		h.met.FeedClients.Set(float64(n))
		close(c.send)
		_ = c.conn.Close()
	})
}
