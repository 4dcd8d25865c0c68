package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/drawrelay/drawrelay/internal/logging"
	"github.com/drawrelay/drawrelay/relay/internal/agentauth"
	"github.com/drawrelay/drawrelay/relay/internal/gateway"
	"github.com/drawrelay/drawrelay/relay/internal/model"
	"github.com/drawrelay/drawrelay/relay/internal/ws"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Drawer is the task gateway as the handlers see it.
type Drawer interface {
	Submit(ctx context.Context, prompt string, force bool) (*model.Task, error)
	Status() model.ConnectionStatus
}

// TaskReader lists recent task logs.
type TaskReader interface {
	RecentTasks(limit int) ([]model.TaskLog, error)
}

// Handler holds HTTP/WS endpoint handlers.
type Handler struct {
	drawer   Drawer
	hub      *ws.Hub
	tasks    TaskReader
	verifier *agentauth.Verifier
	metrics  http.Handler
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

// Options carries the optional collaborators.
type Options struct {
	Tasks    TaskReader          // nil disables /tasks
	Verifier *agentauth.Verifier // nil accepts any agent
	Metrics  http.Handler        // nil disables /metrics
	Logger   *zap.Logger
}

// NewHandler creates the handler set.
func NewHandler(drawer Drawer, hub *ws.Hub, opts Options) *Handler {
	return &Handler{
		drawer:   drawer,
		hub:      hub,
		tasks:    opts.Tasks,
		verifier: opts.Verifier,
		metrics:  opts.Metrics,
		logger:   logging.Component(opts.Logger, "handler"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// RegisterRoutes registers all routes on the Gin engine. apiKeyMiddleware
// protects the business endpoints.
func (h *Handler) RegisterRoutes(r *gin.Engine, apiKeyMiddleware ...gin.HandlerFunc) {
	// ── Public endpoints (no auth) ──
	r.GET("/api/v1/health", h.Health)
	if h.metrics != nil {
		r.GET("/metrics", gin.WrapH(h.metrics))
	}

	// ── WebSocket for the agent (uses its own signed-id auth) ──
	r.GET("/ws", h.WebSocket)

	// ── Protected business endpoints ──
	api := r.Group("/api/v1")
	for _, mw := range apiKeyMiddleware {
		api.Use(mw)
	}
	{
		api.POST("/draw_image", h.DrawImage)
		api.GET("/connection_status", h.ConnectionStatus)
		api.GET("/tasks", h.Tasks)
	}
}

// ─────────────────────────────────────────────
// POST /api/v1/draw_image
// ─────────────────────────────────────────────

// DrawImage runs one prompt on the agent and waits for the images.
//
//	@Summary      Draw an image
//	@Description  Rejects while another task is in flight; returns the first
//	              non-empty batch of image URLs or an error after the deadline.
//	@Param        body  body  model.DrawRequest  true  "Draw request"
//	@Success      200   {object}  model.DrawResponse
//	@Failure      400,409,502,503,504
//	@Router       /api/v1/draw_image [post]
func (h *Handler) DrawImage(c *gin.Context) {
	var req model.DrawRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, model.DrawResponse{Status: "error", Message: err.Error()})
		return
	}

	task, err := h.drawer.Submit(c.Request.Context(), req.Command, req.Force)
	if err != nil {
		c.Error(err)
	}
	c.JSON(gateway.HTTPStatus(err), gateway.Response(task, err))
}

// ─────────────────────────────────────────────
// GET /api/v1/connection_status
// ─────────────────────────────────────────────

func (h *Handler) ConnectionStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.drawer.Status())
}

// ─────────────────────────────────────────────
// GET /api/v1/tasks?limit=n
// ─────────────────────────────────────────────

func (h *Handler) Tasks(c *gin.Context) {
	if h.tasks == nil {
		c.JSON(http.StatusNotFound, gin.H{"status": "error", "message": "task log not configured"})
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if err != nil || limit <= 0 || limit > 500 {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "message": "limit must be between 1 and 500"})
		return
	}

	logs, err := h.tasks.RecentTasks(limit)
	if err != nil {
		c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": logs})
}

// ─────────────────────────────────────────────
// GET /ws  (Agent WebSocket)
// ─────────────────────────────────────────────

// WebSocket upgrades the connection and gives the agent the slot.
// Header: X-Auth-Token: <AgentID>:<Signature>, required only when a verify
// key is configured.
func (h *Handler) WebSocket(c *gin.Context) {
	agentID, err := h.verifier.Verify(c.GetHeader(agentauth.Header))
	if err != nil {
		h.logger.Warn("agent auth failed", zap.String("client_ip", c.ClientIP()), zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"status": "error", "message": "invalid authentication token"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade error", zap.Error(err))
		return
	}

	client := ws.NewClient(agentID, conn, h.hub)
	client.Run(c.Request.Context())
}

// ─────────────────────────────────────────────
// GET /api/v1/health
// ─────────────────────────────────────────────

// Health returns basic server health info.
func (h *Handler) Health(c *gin.Context) {
	st := h.drawer.Status()
	c.JSON(http.StatusOK, gin.H{
		"status":          "ok",
		"agent_connected": st.Connected,
		"busy":            st.Busy,
	})
}
