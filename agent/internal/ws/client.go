package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/drawrelay/drawrelay/agent/internal/metrics"
	"github.com/drawrelay/drawrelay/internal/logging"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait             = 10 * time.Second
	pongWait              = 60 * time.Second
	pingPeriod            = (pongWait * 9) / 10
	maxMessageSize        = 1 << 20 // 1 MB
	defaultReconnectDelay = 5 * time.Second
	sendBufferSize        = 256
)

var (
	// ErrNotConnected is returned by Send while the socket is not open.
	ErrNotConnected = errors.New("not connected")
	// ErrSendBufferFull is returned by Send when the write pump is backed up.
	ErrSendBufferFull = errors.New("send buffer full")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("client closed")
)

// State is the observable connection state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateOpen
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MessageHandler receives connection events and inbound frames.
type MessageHandler interface {
	OnMessage(ctx context.Context, data []byte)
	OnConnected()
	OnDisconnected()
}

// Options configures a Client.
type Options struct {
	URL            string
	AuthToken      string        // sent as X-Auth-Token when non-empty
	ReconnectDelay time.Duration // fixed delay before a reconnect attempt
	Dialer         *websocket.Dialer
	Logger         *zap.Logger
	Metrics        *metrics.Metrics
}

// Client manages the WebSocket connection to the relay
type Client struct {
	url            string
	authToken      string
	reconnectDelay time.Duration
	dialer         *websocket.Dialer
	handler        MessageHandler
	parentCtx      context.Context
	logger         *zap.Logger
	metrics        *metrics.Metrics

	mu             sync.Mutex
	state          State
	conn           *websocket.Conn
	send           chan []byte
	connCancel     context.CancelFunc
	connDone       chan struct{}
	reconnectTimer *time.Timer
	reconnectGen   uint64
	scheduled      int
	closed         bool
}

// NewClient creates a new WebSocket client.
// The provided ctx controls the client lifetime - cancelling it stops all reconnection.
func NewClient(ctx context.Context, opts Options, handler MessageHandler) *Client {
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = defaultReconnectDelay
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	logger := opts.Logger
	return &Client{
		url:            opts.URL,
		authToken:      opts.AuthToken,
		reconnectDelay: opts.ReconnectDelay,
		dialer:         opts.Dialer,
		handler:        handler,
		parentCtx:      ctx,
		logger:         logging.Component(logger, "ws"),
		metrics:        opts.Metrics,
	}
}

// Connect establishes a WebSocket connection to the relay. It is a no-op
// while a connection is being established or already open. A failed dial
// goes through the close path and schedules a reconnect.
func (c *Client) Connect() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state == StateConnecting || c.state == StateOpen {
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	c.mu.Unlock()

	header := http.Header{}
	if c.authToken != "" {
		header.Set("X-Auth-Token", c.authToken)
	}

	conn, _, err := c.dialer.DialContext(c.parentCtx, c.url, header)
	if err != nil {
		c.mu.Lock()
		c.state = StateDisconnected
		if !c.closed && c.parentCtx.Err() == nil {
			c.scheduleReconnectLocked()
		}
		c.mu.Unlock()
		return fmt.Errorf("dial failed: %w", err)
	}

	connCtx, connCancel := context.WithCancel(c.parentCtx)
	send := make(chan []byte, sendBufferSize)
	done := make(chan struct{})

	c.mu.Lock()
	if c.closed {
		c.state = StateDisconnected
		c.mu.Unlock()
		connCancel()
		conn.Close()
		return ErrClosed
	}
	c.stopReconnectLocked()
	c.conn = conn
	c.send = send
	c.connCancel = connCancel
	c.connDone = done
	c.state = StateOpen
	c.mu.Unlock()

	c.logger.Info("connected", zap.String("url", c.url))
	c.metrics.SetConnected(true)
	c.handler.OnConnected()

	// Each connection gets its own disconnect handler, fired at most once.
	// Errors and closes from either pump both end up here.
	var once sync.Once
	onDisconnect := func(clean bool) {
		once.Do(func() {
			connCancel()
			conn.Close()

			c.mu.Lock()
			isCurrentConn := c.conn == conn
			if isCurrentConn {
				c.conn = nil
				c.send = nil
				c.connCancel = nil
				c.state = StateDisconnected
			}
			shouldReconnect := isCurrentConn && !clean && !c.closed && c.parentCtx.Err() == nil
			if shouldReconnect {
				c.scheduleReconnectLocked()
			}
			c.mu.Unlock()
			close(done)

			if isCurrentConn {
				c.logger.Info("disconnected from relay", zap.Bool("clean", clean))
				c.metrics.SetConnected(false)
				c.handler.OnDisconnected()
			}
		})
	}

	go c.readPump(connCtx, conn, onDisconnect)
	go c.writePump(connCtx, conn, send, onDisconnect)

	return nil
}

// Reconnect drops the current connection, if any, and dials again. It is a
// no-op while a dial is already in flight.
func (c *Client) Reconnect() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state == StateConnecting {
		c.mu.Unlock()
		c.logger.Debug("reconnect requested while dialing, ignored")
		return nil
	}
	c.stopReconnectLocked()
	cancel, conn := c.connCancel, c.conn
	c.conn = nil
	c.send = nil
	c.connCancel = nil
	c.state = StateDisconnected
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close()
		c.metrics.SetConnected(false)
		c.handler.OnDisconnected()
	}

	time.Sleep(100 * time.Millisecond)
	return c.Connect()
}

// Close permanently closes the connection with a normal-closure frame.
// No reconnection will be attempted afterwards.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.stopReconnectLocked()
	cancel, done := c.connCancel, c.connDone
	if c.conn != nil {
		c.state = StateClosing
	}
	c.mu.Unlock()

	if cancel == nil {
		return nil
	}
	// The write pump sends the close frame on cancellation.
	cancel()
	select {
	case <-done:
	case <-time.After(writeWait):
		return fmt.Errorf("timed out waiting for connection to close")
	}
	return nil
}

// State reports the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connected reports whether the socket is open.
func (c *Client) Connected() bool {
	return c.State() == StateOpen
}

// ReconnectPending reports whether a reconnect timer is armed.
func (c *Client) ReconnectPending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconnectTimer != nil
}

// Send marshals v and queues it for the write pump. Delivery is best-effort:
// while the socket is not open the message is dropped with a warning.
func (c *Client) Send(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal failed: %w", err)
	}

	c.mu.Lock()
	send, state := c.send, c.state
	c.mu.Unlock()

	if state != StateOpen || send == nil {
		c.logger.Warn("relay not connected, message dropped", zap.Stringer("state", state))
		return ErrNotConnected
	}

	select {
	case send <- data:
		return nil
	default:
		c.logger.Warn("send buffer full, message dropped")
		return ErrSendBufferFull
	}
}

func (c *Client) scheduleReconnectLocked() {
	if c.reconnectTimer != nil {
		return
	}
	c.scheduled++
	c.reconnectGen++
	gen := c.reconnectGen

	c.logger.Info("reconnect scheduled", zap.Duration("delay", c.reconnectDelay))
	c.metrics.ReconnectScheduled()

	c.reconnectTimer = time.AfterFunc(c.reconnectDelay, func() {
		c.mu.Lock()
		if gen != c.reconnectGen {
			c.mu.Unlock()
			return
		}
		c.reconnectTimer = nil
		c.mu.Unlock()

		if err := c.Connect(); err != nil {
			c.logger.Warn("reconnect failed", zap.Error(err))
			return
		}
		c.logger.Info("reconnected successfully")
	})
}

func (c *Client) stopReconnectLocked() {
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	c.reconnectGen++
}

func (c *Client) readPump(ctx context.Context, conn *websocket.Conn, onDisconnect func(clean bool)) {
	clean := false
	defer func() { onDisconnect(clean) }()

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) && closeErr.Code == websocket.CloseNormalClosure {
				clean = true
			}
			if ctx.Err() == nil && websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("read error", zap.Error(err))
			}
			return
		}
		c.handler.OnMessage(ctx, message)
	}
}

func (c *Client) writePump(ctx context.Context, conn *websocket.Conn, send <-chan []byte, onDisconnect func(clean bool)) {
	ticker := time.NewTicker(pingPeriod)
	clean := false
	defer func() {
		ticker.Stop()
		onDisconnect(clean)
	}()

	for {
		select {
		case message := <-send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Warn("write error", zap.Error(err))
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-ctx.Done():
			clean = true
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
