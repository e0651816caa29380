package server

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocket timeout constants following Gorilla best practices
// See: https://github.com/gorilla/websocket/blob/master/examples/chat/client.go
const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = 54 * time.Second

	// Maximum message size allowed from peer; clients only send small
	// control frames like "ping"
	maxMessageSize = 4096

	// Per-client outbound queue size
	sendQueueSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  2048,
	WriteBufferSize: 2048,
	// origin checks are left to the deployment's fronting proxy
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Client is one WebSocket connection. The send channel is written by
// broadcasters and the readPump's pong reply, and is never closed; the
// done channel tells both pumps to exit.
type Client struct {
	server    *Server
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	id        string
	closeOnce sync.Once
}

// close signals both pumps to stop and closes the connection. Safe to
// call from any goroutine, any number of times.
func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// handleWebSocket upgrades the connection and runs the client pumps. The
// write pump gets its own goroutine; the read pump holds the handler
// goroutine until the client goes away.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnw("WebSocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		server: s,
		conn:   conn,
		send:   make(chan []byte, sendQueueSize),
		done:   make(chan struct{}),
		id:     fmt.Sprintf("%s-%d", r.RemoteAddr, time.Now().UnixNano()),
	}

	select {
	case s.register <- client:
	case <-s.ctx.Done():
		conn.Close()
		return
	}

	go client.writePump()
	client.readPump()
}

// readPump consumes client frames. The protocol inbound is minimal: a
// "ping" text gets a "pong" reply through the write pump, everything
// else is ignored.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.server.unregister <- c:
		case <-c.server.ctx.Done():
			c.close()
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				c.server.logger.Warnw("WebSocket read error",
					"client_id", c.id,
					"error", err,
				)
			}
			return
		}

		if string(message) == "ping" {
			select {
			case c.send <- []byte("pong"):
			default:
			}
			continue
		}

		c.server.logger.Debugw("Ignoring WebSocket message",
			"client_id", c.id,
			"size_bytes", len(message),
		)
	}
}

// writePump is the connection's single writer: queued payloads, periodic
// pings, and the close frame on the way out.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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
