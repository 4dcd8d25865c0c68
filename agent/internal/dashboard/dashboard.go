package dashboard

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/drawrelay/drawrelay/agent/internal/database"
	"github.com/drawrelay/drawrelay/internal/logging"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Stats holds the agent statistics (pure data, no mutex)
type Stats struct {
	// Connection status
	Connected      bool      `json:"connected"`
	ConnectedSince time.Time `json:"connectedSince,omitempty"`
	LastDisconnect time.Time `json:"lastDisconnect,omitempty"`

	// Live agent state, filled from the LiveFunc on each request
	LinkState     string `json:"linkState,omitempty"`
	PendingImages int    `json:"pendingImages"`
	OpenStreams   int    `json:"openStreams"`

	// Command statistics
	CommandsReceived int `json:"commandsReceived"`
	CommandsFailed   int `json:"commandsFailed"`

	// Batch statistics
	BatchesFlushed  int `json:"batchesFlushed"`
	ImagesCollected int `json:"imagesCollected"`
	TodayBatches    int `json:"todayBatches"`
	LastBatchSize   int `json:"lastBatchSize"`

	// Session info
	AgentID    string    `json:"agentId"`
	StartTime  time.Time `json:"startTime"`
	RelayURL   string    `json:"relayUrl"`
	SurfaceURL string    `json:"surfaceUrl"`
}

// Live is the point-in-time agent state shown next to the counters.
type Live struct {
	LinkState     string
	PendingImages int
	OpenStreams   int
}

// BatchSource lists recently flushed batches.
type BatchSource interface {
	RecentBatches(limit int) ([]database.BatchLog, error)
}

// Dashboard manages the agent dashboard
type Dashboard struct {
	mu            sync.RWMutex
	stats         Stats
	reconnectFunc func() error
	liveFunc      func() Live
	batches       BatchSource
	metrics       http.Handler
	logger        *zap.Logger
}

// NewDashboard creates a new dashboard instance
func NewDashboard(agentID, relayURL, surfaceURL string, logger *zap.Logger) *Dashboard {
	return &Dashboard{
		stats: Stats{
			AgentID:    agentID,
			RelayURL:   relayURL,
			SurfaceURL: surfaceURL,
			StartTime:  time.Now(),
		},
		logger: logging.Component(logger, "dashboard"),
	}
}

// SetReconnectFunc sets the function to call when reconnect is requested
func (d *Dashboard) SetReconnectFunc(f func() error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reconnectFunc = f
}

// SetLiveFunc installs the source of the live fields in /api/stats.
func (d *Dashboard) SetLiveFunc(f func() Live) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.liveFunc = f
}

// SetBatchSource enables GET /api/batches.
func (d *Dashboard) SetBatchSource(src BatchSource) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.batches = src
}

// SetMetricsHandler mounts h on GET /metrics.
func (d *Dashboard) SetMetricsHandler(h http.Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.metrics = h
}

// UpdateConnectionStatus updates the connection status
func (d *Dashboard) UpdateConnectionStatus(connected bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stats.Connected = connected
	if connected {
		d.stats.ConnectedSince = time.Now()
	} else {
		d.stats.LastDisconnect = time.Now()
	}
}

// UpdateSurfaceURL records the page the agent is driving.
func (d *Dashboard) UpdateSurfaceURL(url string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stats.SurfaceURL = url
}

// RecordCommand records a command and whether it reached the surface.
func (d *Dashboard) RecordCommand(ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stats.CommandsReceived++
	if !ok {
		d.stats.CommandsFailed++
	}
}

// RecordBatch records a flushed batch of n images.
func (d *Dashboard) RecordBatch(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stats.BatchesFlushed++
	d.stats.TodayBatches++
	d.stats.ImagesCollected += n
	d.stats.LastBatchSize = n
}

// LoadHistoricalStats initializes stats with historical data from the database
func (d *Dashboard) LoadHistoricalStats(totalBatches, totalImages, todayBatches int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stats.BatchesFlushed = totalBatches
	d.stats.ImagesCollected = totalImages
	d.stats.TodayBatches = todayBatches
}

// GetStats returns a copy of the current stats
func (d *Dashboard) GetStats() Stats {
	d.mu.RLock()
	stats, live := d.stats, d.liveFunc
	d.mu.RUnlock()

	if live != nil {
		l := live()
		stats.LinkState = l.LinkState
		stats.PendingImages = l.PendingImages
		stats.OpenStreams = l.OpenStreams
	}
	return stats
}

// Handler builds the dashboard routes.
func (d *Dashboard) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery())

	api := r.Group("/api")
	api.GET("/stats", d.handleStats)
	api.POST("/reconnect", d.handleReconnect)
	api.GET("/batches", d.handleBatches)

	d.mu.RLock()
	metrics := d.metrics
	d.mu.RUnlock()
	if metrics != nil {
		r.GET("/metrics", gin.WrapH(metrics))
	}
	return r
}

// Serve starts the HTTP dashboard server. It shuts down gracefully when ctx is cancelled.
func (d *Dashboard) Serve(ctx context.Context, addr string) error {
	server := &http.Server{Addr: addr, Handler: d.Handler()}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	d.logger.Info("starting dashboard server", zap.String("addr", addr))
	err := server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (d *Dashboard) handleStats(c *gin.Context) {
	c.Header("Access-Control-Allow-Origin", "*")
	c.JSON(http.StatusOK, d.GetStats())
}

func (d *Dashboard) handleReconnect(c *gin.Context) {
	d.mu.RLock()
	reconnect := d.reconnectFunc
	d.mu.RUnlock()

	if reconnect == nil {
		c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "message": "reconnect function not configured"})
		return
	}

	d.logger.Info("manual reconnect requested")
	if err := reconnect(); err != nil {
		d.logger.Warn("reconnect failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "message": "reconnect failed: " + err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok", "message": "reconnected"})
}

func (d *Dashboard) handleBatches(c *gin.Context) {
	d.mu.RLock()
	src := d.batches
	d.mu.RUnlock()

	if src == nil {
		c.JSON(http.StatusNotFound, gin.H{"status": "error", "message": "batch history disabled"})
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	logs, err := src.RecentBatches(limit)
	if err != nil {
		d.logger.Warn("failed to list batches", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "message": "failed to list batches"})
		return
	}
	if logs == nil {
		logs = []database.BatchLog{}
	}
	c.JSON(http.StatusOK, gin.H{"batches": logs})
}
