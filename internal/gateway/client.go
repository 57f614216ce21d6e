package gateway

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	ws "github.com/gorilla/websocket"

	"github.com/flotaops/rastreo/internal/channel"
	"github.com/flotaops/rastreo/internal/dispatcher"
	"github.com/flotaops/rastreo/pkg/streaming"
)

const (
	sendChSize     = 256
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
)

// client is one live WebSocket connection with a single write
// goroutine draining its outbound queue.
// The send queue is never closed; writers race disconnects, and a
// TrySend into a dead client's buffer is harmless. done signals the
// write pump to exit instead.
type client struct {
	id   string
	conn *ws.Conn
	send channel.Channel[[]byte]
	done chan struct{}
	log  *slog.Logger

	closeOnce sync.Once
}

func newClient(id string, conn *ws.Conn, log *slog.Logger) *client {
	return &client{
		id:   id,
		conn: conn,
		send: channel.New[[]byte](sendChSize),
		done: make(chan struct{}),
		log:  log.With("connId", id),
	}
}

// readPump reads envelopes off the socket and hands them to the
// dispatcher. It returns when the connection drops, which triggers the
// gateway's disconnect path.
func (c *client) readPump(g *Gateway) {
	defer g.removeClient(c)

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if ws.IsUnexpectedCloseError(err, ws.CloseNormalClosure, ws.CloseGoingAway) {
				c.log.Warn("WebSocket read error", "error", err)
			}
			return
		}

		var env streaming.Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			c.log.Debug("Ignoring non-envelope message", "raw", string(message))
			continue
		}

		if err := g.dispatcher.Dispatch(dispatcher.Event{
			ConnID:    c.id,
			Type:      env.Type,
			Payload:   env.Payload,
			Timestamp: time.Now(),
		}); err != nil {
			c.log.Debug("Dispatch failed", "type", env.Type, "error", err)
		}
	}
}

// writePump drains the outbound queue onto the socket and keeps the
// connection alive with pings. Only one writePump runs per client.
func (c *client) writePump(g *Gateway) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		g.removeClient(c)
	}()

	for {
		select {
		case <-c.done:
			_ = c.conn.WriteMessage(ws.CloseMessage, ws.FormatCloseMessage(ws.CloseNormalClosure, ""))
			return
		case data := <-c.send.Receive():
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.log.Warn("WebSocket SetWriteDeadline error", "error", err)
				return
			}
			if err := c.conn.WriteMessage(ws.TextMessage, data); err != nil {
				c.log.Warn("WebSocket write error", "error", err)
				return
			}
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(ws.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
