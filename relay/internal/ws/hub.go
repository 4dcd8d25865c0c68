package ws

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/drawrelay/drawrelay/internal/logging"
	"github.com/drawrelay/drawrelay/relay/internal/metrics"
	"github.com/drawrelay/drawrelay/relay/internal/model"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var (
	// ErrNoAgent is returned by Send when no agent holds the slot.
	ErrNoAgent = errors.New("no agent connected")
	// ErrSendBufferFull is returned by Send when the agent's write pump is backed up.
	ErrSendBufferFull = errors.New("agent send buffer full")
)

// Listener receives agent events. Calls are made from the agent's read
// goroutine, outside the hub lock.
type Listener interface {
	OnAgentReady(agentID, surfaceURL string)
	OnBatch(urls []string)
	OnAgentError(message string)
	// OnAgentLost fires only when the agent currently holding the slot goes away.
	OnAgentLost(agentID string)
}

// ─────────────────────────────────────────────
// Hub: owns the single agent slot
// ─────────────────────────────────────────────

// Hub holds at most one agent connection. A newly registered agent replaces
// the previous one; the replaced socket is closed normally so it does not
// reconnect.
type Hub struct {
	mu         sync.RWMutex
	current    *Client
	surfaceURL string
	listener   Listener

	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewHub creates an empty Hub.
func NewHub(m *metrics.Metrics, logger *zap.Logger) *Hub {
	return &Hub{
		metrics: m,
		logger:  logging.Component(logger, "hub"),
	}
}

// SetListener installs the event sink. It must be called before agents connect.
func (h *Hub) SetListener(l Listener) {
	h.mu.Lock()
	h.listener = l
	h.mu.Unlock()
}

// Register makes c the current agent.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	prev := h.current
	h.current = c
	h.surfaceURL = ""
	if prev != nil {
		prev.close(websocket.CloseNormalClosure, "replaced by a newer agent connection")
	}
	h.mu.Unlock()

	h.metrics.AgentConnected(true)
	if prev != nil {
		h.logger.Info("agent replaced", zap.String("agent_id", c.AgentID), zap.String("previous", prev.AgentID))
		return
	}
	h.logger.Info("agent connected", zap.String("agent_id", c.AgentID))
}

// Unregister drops c. Only the current agent's departure is reported.
// A socket that is still writable gets "going away" so its agent dials
// back; replaced sockets already carry the normal-closure frame.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	c.close(websocket.CloseGoingAway, "agent connection lost")
	if h.current != c {
		h.mu.Unlock()
		h.logger.Debug("stale agent disconnected", zap.String("agent_id", c.AgentID))
		return
	}
	h.current = nil
	h.surfaceURL = ""
	l := h.listener
	h.mu.Unlock()

	h.metrics.AgentConnected(false)
	h.logger.Info("agent disconnected", zap.String("agent_id", c.AgentID))
	if l != nil {
		l.OnAgentLost(c.AgentID)
	}
}

// Close disconnects the current agent with "going away" so it reconnects
// to the next relay instance.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.current != nil {
		h.current.close(websocket.CloseGoingAway, "relay shutting down")
	}
}

// Connected reports whether an agent holds the slot.
func (h *Hub) Connected() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.current != nil
}

// AgentID returns the current agent's id, or "".
func (h *Hub) AgentID() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.current == nil {
		return ""
	}
	return h.current.AgentID
}

// SurfaceURL returns the location the current agent last announced.
func (h *Hub) SurfaceURL() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.surfaceURL
}

// Send marshals v and queues it for the current agent.
func (h *Hub) Send(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.current == nil || h.current.closed {
		return ErrNoAgent
	}
	select {
	case h.current.send <- data:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// handleMessage routes one agent frame. Frames from a replaced agent are dropped.
func (h *Hub) handleMessage(c *Client, raw []byte) {
	var msg model.AgentMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		h.logger.Warn("invalid agent message", zap.String("agent_id", c.AgentID), zap.Error(err))
		return
	}

	h.mu.Lock()
	if h.current != c {
		h.mu.Unlock()
		h.logger.Debug("dropping frame from replaced agent", zap.String("agent_id", c.AgentID), zap.String("type", string(msg.Type)))
		return
	}
	if msg.Type == model.MsgTypeScriptReady {
		h.surfaceURL = msg.URL
	}
	l := h.listener
	h.mu.Unlock()

	if l == nil {
		return
	}
	switch msg.Type {
	case model.MsgTypeScriptReady:
		h.logger.Info("agent ready", zap.String("agent_id", c.AgentID), zap.String("surface_url", msg.URL))
		l.OnAgentReady(c.AgentID, msg.URL)
	case model.MsgTypeCollectedImageURLs:
		h.logger.Info("image batch received", zap.String("agent_id", c.AgentID), zap.Int("count", len(msg.URLs)))
		l.OnBatch(msg.URLs)
	case model.MsgTypeError:
		h.logger.Warn("agent reported error", zap.String("agent_id", c.AgentID), zap.String("message", msg.Message))
		l.OnAgentError(msg.Message)
	default:
		h.logger.Warn("unknown agent message type", zap.String("agent_id", c.AgentID), zap.String("type", string(msg.Type)))
	}
}
