// Package agent wires the relay connection, the surface and the artifact
// pipeline together.
package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/drawrelay/drawrelay/agent/internal/collect"
	"github.com/drawrelay/drawrelay/agent/internal/config"
	"github.com/drawrelay/drawrelay/agent/internal/dashboard"
	"github.com/drawrelay/drawrelay/agent/internal/database"
	"github.com/drawrelay/drawrelay/agent/internal/dispatch"
	"github.com/drawrelay/drawrelay/agent/internal/intercept"
	"github.com/drawrelay/drawrelay/agent/internal/metrics"
	"github.com/drawrelay/drawrelay/agent/internal/model"
	"github.com/drawrelay/drawrelay/agent/internal/surface"
	"github.com/drawrelay/drawrelay/agent/internal/ws"
	"github.com/drawrelay/drawrelay/internal/logging"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	// Command queue buffer size
	CommandQueueSize = 16

	// Budget for reading the surface location on connect
	LocationTimeout = 5 * time.Second
)

// Deps are the collaborators the agent does not build itself.
type Deps struct {
	Surface surface.Surface
	Fetcher intercept.BodyFetcher
	DB      *database.DB // optional batch history
	Metrics *metrics.Metrics
	Logger  *zap.Logger
	Dialer  *websocket.Dialer // optional
}

// Agent represents the automation agent
type Agent struct {
	cfg     *config.Config
	surface surface.Surface
	db      *database.DB
	metrics *metrics.Metrics
	logger  *zap.Logger

	wsClient    *ws.Client
	aggregator  *collect.Aggregator
	interceptor *intercept.Interceptor
	scanner     *intercept.Scanner
	dispatcher  *dispatch.Dispatcher
	dashboard   *dashboard.Dashboard

	commands chan []byte
	ctx      context.Context
	cancel   context.CancelFunc
}

// New builds the agent. The relay connection opens in Run.
func New(ctx context.Context, cfg *config.Config, deps Deps) *Agent {
	logger := deps.Logger
	ctx, cancel := context.WithCancel(ctx)

	a := &Agent{
		cfg:      cfg,
		surface:  deps.Surface,
		db:       deps.DB,
		metrics:  deps.Metrics,
		logger:   logging.Component(logger, "agent"),
		commands: make(chan []byte, CommandQueueSize),
		ctx:      ctx,
		cancel:   cancel,
	}

	a.wsClient = ws.NewClient(ctx, ws.Options{
		URL:            cfg.Relay.URL,
		AuthToken:      cfg.AuthToken(),
		ReconnectDelay: cfg.Relay.ReconnectDelay,
		Dialer:         deps.Dialer,
		Logger:         logger,
		Metrics:        deps.Metrics,
	}, a)

	a.dashboard = dashboard.NewDashboard(cfg.Agent.ID, cfg.Relay.URL, cfg.Surface.URL, logger)
	a.dashboard.SetReconnectFunc(a.wsClient.Reconnect)
	a.dashboard.SetMetricsHandler(deps.Metrics.Handler())

	aggOpts := collect.Options{
		SettleDelay: cfg.Collect.SettleDelay,
		GraceDelay:  cfg.Collect.GraceDelay,
		AutoReload:  cfg.Collect.AutoReload,
		ClearState:  cfg.Collect.ClearStateOnComplete,
		Resetter:    deps.Surface,
		Metrics:     deps.Metrics,
		Logger:      logger,
		OnFlush:     func(urls []string) { a.dashboard.RecordBatch(len(urls)) },
	}
	if deps.DB != nil {
		aggOpts.Recorder = deps.DB
		a.dashboard.SetBatchSource(deps.DB)
	}
	a.aggregator = collect.New(a.wsClient, aggOpts)

	a.interceptor = intercept.NewInterceptor(deps.Fetcher, a.aggregator, logger)
	a.dashboard.SetLiveFunc(func() dashboard.Live {
		return dashboard.Live{
			LinkState:     a.wsClient.State().String(),
			PendingImages: len(a.aggregator.Pending()),
			OpenStreams:   a.interceptor.Tracked(),
		}
	})
	a.scanner = intercept.NewScanner(intercept.Pattern{
		Segment: cfg.Collect.StorageSegment,
		Suffix:  cfg.Collect.FilenameSuffix,
	}, a.aggregator)
	a.dispatcher = dispatch.New(deps.Surface, a.aggregator, a.wsClient, dispatch.Options{
		SubmitDelay: cfg.Surface.SubmitDelay,
		Logger:      logger,
		Metrics:     deps.Metrics,
	})

	return a
}

// Hooks returns the page event handlers to install on the surface.
func (a *Agent) Hooks() surface.Hooks {
	return surface.Hooks{
		Network: a.interceptor,
		OnScan:  func(srcs []string) { a.scanner.Scan(srcs) },
		OnPush:  a.aggregator.OfferBatch,
	}
}

// Dashboard exposes the dashboard for the HTTP server.
func (a *Agent) Dashboard() *dashboard.Dashboard {
	return a.dashboard
}

// Run connects to the relay and processes commands until ctx is cancelled.
// A failed first dial is not fatal: the client keeps retrying.
func (a *Agent) Run(ctx context.Context) error {
	if a.db != nil {
		if stats, err := a.db.GetAggregateStats(); err != nil {
			a.logger.Warn("failed to load historical stats", zap.Error(err))
		} else {
			a.dashboard.LoadHistoricalStats(stats.TotalBatches, stats.TotalImages, stats.TodayBatches)
			a.logger.Info("loaded historical stats",
				zap.Int("batches", stats.TotalBatches), zap.Int("images", stats.TotalImages))
		}
	}

	g, ctx := errgroup.WithContext(ctx)

	if a.cfg.Dashboard.Enabled {
		g.Go(func() error {
			if err := a.dashboard.Serve(ctx, a.cfg.Dashboard.Address); err != nil {
				return fmt.Errorf("dashboard server: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		a.commandProcessor(ctx)
		return nil
	})

	if err := a.wsClient.Connect(); err != nil {
		a.logger.Warn("initial relay connection failed, retrying", zap.Error(err))
	}

	return g.Wait()
}

// Stop gracefully shuts down the agent
func (a *Agent) Stop() error {
	a.aggregator.Stop()
	err := a.wsClient.Close()
	a.cancel()
	return err
}

// ─────────────────────────────────────────────
// WebSocket Message Handlers (implements ws.MessageHandler)
// ─────────────────────────────────────────────

// OnMessage queues a relay frame for the command processor
func (a *Agent) OnMessage(_ context.Context, data []byte) {
	select {
	case a.commands <- data:
	default:
		a.logger.Warn("command queue full, dropping message")
		a.metrics.Command("dropped")
	}
}

// OnConnected announces the surface location to the relay
func (a *Agent) OnConnected() {
	a.dashboard.UpdateConnectionStatus(true)
	go a.announce()
}

// OnDisconnected handles WebSocket disconnection
func (a *Agent) OnDisconnected() {
	a.dashboard.UpdateConnectionStatus(false)
}

func (a *Agent) announce() {
	ctx, cancel := context.WithTimeout(a.ctx, LocationTimeout)
	defer cancel()

	location, err := a.surface.Location(ctx)
	if err != nil {
		a.logger.Warn("failed to read surface location", zap.Error(err))
		location = a.cfg.Surface.URL
	}
	a.dashboard.UpdateSurfaceURL(location)

	if err := a.wsClient.Send(model.NewScriptReady(location)); err != nil {
		a.logger.Warn("failed to send scriptReady", zap.Error(err))
	}
}

// ─────────────────────────────────────────────
// Command Processing
// ─────────────────────────────────────────────

func (a *Agent) commandProcessor(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-a.commands:
			err := a.dispatcher.Dispatch(ctx, data)
			a.dashboard.RecordCommand(err == nil)
		}
	}
}
