// Package gateway is the WebSocket transport: it upgrades HTTP
// connections, tracks live clients, and feeds inbound envelopes to the
// dispatcher. It implements rooms.Transport for outbound delivery.
package gateway

import (
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"
	ws "github.com/gorilla/websocket"

	"github.com/flotaops/rastreo/internal/dispatcher"
)

// Config holds gateway configuration.
type Config struct {
	// Secret, when non-empty, must match the "secret" query parameter
	// of the upgrade request.
	Secret string
}

// Gateway accepts and tracks WebSocket clients.
type Gateway struct {
	cfg        Config
	upgrader   ws.Upgrader
	dispatcher *dispatcher.Dispatcher
	log        *slog.Logger

	mu      sync.RWMutex
	clients map[string]*client

	onDisconnect []func(connID string)
}

// New creates a gateway routing inbound events through disp.
func New(cfg Config, disp *dispatcher.Dispatcher, log *slog.Logger) *Gateway {
	return &Gateway{
		cfg: cfg,
		upgrader: ws.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		dispatcher: disp,
		log:        log,
		clients:    make(map[string]*client),
	}
}

// OnDisconnect registers a callback fired after a client is removed.
// Callbacks run in registration order on the disconnecting client's
// goroutine. Must be called before serving.
func (g *Gateway) OnDisconnect(fn func(connID string)) {
	g.onDisconnect = append(g.onDisconnect, fn)
}

// ServeHTTP upgrades the request and starts the client's pumps.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if g.cfg.Secret != "" && r.URL.Query().Get("secret") != g.cfg.Secret {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Warn("WebSocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	c := newClient(uuid.NewString(), conn, g.log)

	g.mu.Lock()
	g.clients[c.id] = c
	count := len(g.clients)
	g.mu.Unlock()

	g.log.Info("client connected", "connId", c.id, "remote", r.RemoteAddr, "connections", count)

	go c.writePump(g)
	go c.readPump(g)
}

// removeClient unregisters a client and runs the disconnect chain
// exactly once.
func (g *Gateway) removeClient(c *client) {
	c.closeOnce.Do(func() {
		g.mu.Lock()
		delete(g.clients, c.id)
		count := len(g.clients)
		g.mu.Unlock()

		close(c.done)
		_ = c.conn.Close()

		for _, fn := range g.onDisconnect {
			fn(c.id)
		}

		g.log.Info("client disconnected", "connId", c.id, "connections", count)
	})
}

// Deliver enqueues a frame for one connection. Implements
// rooms.Transport. Slow consumers drop frames rather than stall the
// publisher.
func (g *Gateway) Deliver(connID string, data []byte) {
	g.mu.RLock()
	c, ok := g.clients[connID]
	g.mu.RUnlock()
	if !ok {
		return
	}
	if !c.send.TrySend(data) {
		c.log.Warn("send queue full, dropping frame")
	}
}

// ConnIDs returns the IDs of every live connection. Implements
// rooms.Transport.
func (g *Gateway) ConnIDs() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	ids := make([]string, 0, len(g.clients))
	for id := range g.clients {
		ids = append(ids, id)
	}
	return ids
}

// ClientCount returns the number of connected clients.
func (g *Gateway) ClientCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.clients)
}

// CloseAll disconnects every client, used during shutdown.
func (g *Gateway) CloseAll() {
	g.mu.RLock()
	clients := make([]*client, 0, len(g.clients))
	for _, c := range g.clients {
		clients = append(clients, c)
	}
	g.mu.RUnlock()

	for _, c := range clients {
		g.removeClient(c)
	}
}
