package ws

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 1 << 20 // 1 MB
	sendBufSize    = 64
)

// Client is the relay end of one agent WebSocket.
type Client struct {
	AgentID string
	conn    *websocket.Conn
	hub     *Hub
	send    chan []byte

	closeOnce sync.Once
	closeMsg  []byte
	closed    bool // guarded by the hub lock
}

// NewClient wraps an upgraded connection.
func NewClient(agentID string, conn *websocket.Conn, hub *Hub) *Client {
	return &Client{
		AgentID: agentID,
		conn:    conn,
		hub:     hub,
		send:    make(chan []byte, sendBufSize),
	}
}

// Run registers the client and pumps frames until the connection closes
// or ctx is done.
func (c *Client) Run(ctx context.Context) {
	c.hub.Register(c)
	stop := context.AfterFunc(ctx, func() {
		c.conn.Close()
	})
	defer stop()

	go c.writePump()
	c.readPump() // blocks
	c.hub.Unregister(c)
}

// close asks the write pump to send a close frame and stop. Callers hold
// the hub lock, so no Send can race the channel close.
func (c *Client) close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.closed = true
		c.closeMsg = websocket.FormatCloseMessage(code, reason)
		close(c.send)
	})
}

// ─────────────────────────────────────────────
// Read pump: Agent → Relay
// ─────────────────────────────────────────────

func (c *Client) readPump() {
	defer c.conn.Close()

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
				websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("agent read error", zap.String("agent_id", c.AgentID), zap.Error(err))
			}
			return
		}
		c.hub.handleMessage(c, message)
	}
}

// ─────────────────────────────────────────────
// Write pump: Relay → Agent
// ─────────────────────────────────────────────

// writePump sends one frame per message; agents parse each frame as a
// single JSON document.
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
				c.conn.WriteMessage(websocket.CloseMessage, c.closeMsg)
				return
			}
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
