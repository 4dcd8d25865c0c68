// Package gateway turns the asynchronous agent protocol into a blocking,
// single-flight draw call for controllers.
//
//	submit → (cache) → command → wait for batch | error | loss | deadline
package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/drawrelay/drawrelay/internal/logging"
	"github.com/drawrelay/drawrelay/relay/internal/metrics"
	"github.com/drawrelay/drawrelay/relay/internal/model"
	"github.com/drawrelay/drawrelay/relay/internal/ws"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultTimeout bounds one task when Options.Timeout is zero.
const DefaultTimeout = 90 * time.Second

var (
	ErrEmptyPrompt    = errors.New("command must not be empty")
	ErrBusy           = errors.New("there is already a drawing task in progress")
	ErrNotConnected   = errors.New("no WebSocket client connected")
	ErrTimeout        = errors.New("timeout waiting for images")
	ErrConnectionLost = errors.New("agent connection lost while waiting for images")
)

// SurfaceError carries a failure the agent reported for the current command.
type SurfaceError struct {
	Message string
}

func (e *SurfaceError) Error() string {
	return "agent error: " + e.Message
}

// Agent is the relay's handle on the connected agent (ws.Hub).
type Agent interface {
	Send(v interface{}) error
	Connected() bool
	SurfaceURL() string
}

// ResultCache stores completed image lists per prompt.
type ResultCache interface {
	Get(ctx context.Context, prompt string) ([]string, bool, error)
	Set(ctx context.Context, prompt string, urls []string) error
}

// TaskLogger persists task lifecycle events. Implementations must not block.
type TaskLogger interface {
	LogTaskCreated(task model.Task)
	LogTaskFinished(task model.Task)
}

// Options configures a Gateway. Only Timeout has a default; nil
// collaborators are skipped.
type Options struct {
	Timeout      time.Duration
	Cache        ResultCache
	CacheTimeout time.Duration
	Store        TaskLogger
	Metrics      *metrics.Metrics
	Logger       *zap.Logger
}

type pending struct {
	task  model.Task
	timer *time.Timer
	done  chan struct{}
	err   error
}

// Gateway is Idle when pending is nil and Awaiting otherwise.
type Gateway struct {
	agent        Agent
	timeout      time.Duration
	cache        ResultCache
	cacheTimeout time.Duration
	store        TaskLogger
	metrics      *metrics.Metrics
	logger       *zap.Logger

	mu       sync.Mutex
	pending  *pending
	received int
}

// New builds a Gateway. Register it as the hub's listener so it sees
// batches, errors and connection loss.
func New(agent Agent, opts Options) *Gateway {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.CacheTimeout <= 0 {
		opts.CacheTimeout = 2 * time.Second
	}
	return &Gateway{
		agent:        agent,
		timeout:      opts.Timeout,
		cache:        opts.Cache,
		cacheTimeout: opts.CacheTimeout,
		store:        opts.Store,
		metrics:      opts.Metrics,
		logger:       logging.Component(opts.Logger, "gateway"),
	}
}

// Submit runs prompt on the agent and blocks until the task resolves.
// The returned task is set whenever the task was accepted, including
// failures and timeouts.
func (g *Gateway) Submit(ctx context.Context, prompt string, force bool) (*model.Task, error) {
	if strings.TrimSpace(prompt) == "" {
		return nil, ErrEmptyPrompt
	}

	g.mu.Lock()
	if g.pending != nil {
		busyWith := g.pending.task.ID
		g.mu.Unlock()
		g.logger.Info("rejecting submit while busy", zap.String("pending_task", busyWith))
		return nil, ErrBusy
	}
	if !g.agent.Connected() {
		g.mu.Unlock()
		return nil, ErrNotConnected
	}

	now := time.Now()
	p := &pending{
		task: model.Task{
			ID:          uuid.New().String(),
			Prompt:      prompt,
			Status:      model.TaskStatusPending,
			SubmittedAt: now,
			Deadline:    now.Add(g.timeout),
		},
		done: make(chan struct{}),
	}
	id := p.task.ID
	p.timer = time.AfterFunc(g.timeout, func() {
		g.resolve(id, model.TaskStatusTimedOut, nil, false, ErrTimeout)
	})
	g.pending = p
	created := p.task
	g.mu.Unlock()

	g.logger.Info("task submitted", zap.String("task_id", id), zap.Bool("force", force))
	if g.store != nil {
		g.store.LogTaskCreated(created)
	}

	if urls, ok := g.lookupCache(ctx, prompt, force); ok {
		g.resolve(id, model.TaskStatusCompleted, urls, true, nil)
	} else if err := g.agent.Send(model.NewCommand(prompt)); err != nil {
		if errors.Is(err, ws.ErrNoAgent) {
			err = ErrNotConnected
		} else {
			err = fmt.Errorf("send command: %w", err)
		}
		g.resolve(id, model.TaskStatusFailed, nil, false, err)
	}

	select {
	case <-p.done:
	case <-ctx.Done():
		g.resolve(id, model.TaskStatusFailed, nil, false, ctx.Err())
		<-p.done
	}

	result := p.task
	return &result, p.err
}

func (g *Gateway) lookupCache(ctx context.Context, prompt string, force bool) ([]string, bool) {
	if g.cache == nil || force {
		return nil, false
	}
	ctx, cancel := context.WithTimeout(ctx, g.cacheTimeout)
	defer cancel()

	urls, ok, err := g.cache.Get(ctx, prompt)
	if err != nil {
		// treat as miss
		g.logger.Warn("cache lookup failed", zap.Error(err))
		return nil, false
	}
	g.metrics.CacheLookup(ok)
	return urls, ok
}

// resolve finishes task id. Only the first resolution for the current task
// takes effect; stale timers and late events are ignored.
func (g *Gateway) resolve(id string, status model.TaskStatus, urls []string, cached bool, err error) bool {
	g.mu.Lock()
	p := g.pending
	if p == nil || p.task.ID != id {
		g.mu.Unlock()
		return false
	}
	g.pending = nil
	p.timer.Stop()

	p.task.Status = status
	p.task.URLs = urls
	p.task.Cached = cached
	p.task.FinishedAt = time.Now()
	if err != nil {
		p.task.Error = err.Error()
	}
	p.err = err
	if status == model.TaskStatusCompleted {
		g.received += len(urls)
	}
	task := p.task
	g.mu.Unlock()

	fields := []zap.Field{
		zap.String("task_id", id),
		zap.String("status", string(status)),
		zap.Int("images", len(urls)),
		zap.Duration("elapsed", task.FinishedAt.Sub(task.SubmittedAt)),
	}
	if err != nil {
		g.logger.Warn("task failed", append(fields, zap.Error(err))...)
	} else {
		g.logger.Info("task completed", append(fields, zap.Bool("cached", cached))...)
	}

	g.metrics.TaskResolved(string(status), task.FinishedAt.Sub(task.SubmittedAt), len(urls))
	if g.store != nil {
		g.store.LogTaskFinished(task)
	}
	if status == model.TaskStatusCompleted && !cached && g.cache != nil {
		ctx, cancel := context.WithTimeout(context.Background(), g.cacheTimeout)
		if err := g.cache.Set(ctx, task.Prompt, urls); err != nil {
			g.logger.Warn("cache write failed", zap.String("task_id", id), zap.Error(err))
		}
		cancel()
	}

	close(p.done)
	return true
}

// resolveCurrent resolves whatever task is pending, if any.
func (g *Gateway) resolveCurrent(status model.TaskStatus, urls []string, err error) bool {
	g.mu.Lock()
	p := g.pending
	g.mu.Unlock()
	if p == nil {
		return false
	}
	return g.resolve(p.task.ID, status, urls, false, err)
}

// Status reports the agent link, busy flag and images delivered so far.
func (g *Gateway) Status() model.ConnectionStatus {
	g.mu.Lock()
	busy := g.pending != nil
	received := g.received
	g.mu.Unlock()

	return model.ConnectionStatus{
		Connected:      g.agent.Connected(),
		ReceivedImages: received,
		Busy:           busy,
		SurfaceURL:     g.agent.SurfaceURL(),
	}
}

// ─────────────────────────────────────────────
// ws.Listener
// ─────────────────────────────────────────────

func (g *Gateway) OnAgentReady(agentID, surfaceURL string) {
	g.logger.Debug("agent ready", zap.String("agent_id", agentID), zap.String("surface_url", surfaceURL))
}

// OnBatch completes the pending task. Empty batches keep it waiting.
func (g *Gateway) OnBatch(urls []string) {
	if len(urls) == 0 {
		g.logger.Info("empty image batch ignored")
		return
	}
	if !g.resolveCurrent(model.TaskStatusCompleted, urls, nil) {
		g.logger.Info("image batch with no pending task dropped", zap.Int("count", len(urls)))
	}
}

func (g *Gateway) OnAgentError(message string) {
	if !g.resolveCurrent(model.TaskStatusFailed, nil, &SurfaceError{Message: message}) {
		g.logger.Info("agent error with no pending task", zap.String("message", message))
	}
}

func (g *Gateway) OnAgentLost(agentID string) {
	if g.resolveCurrent(model.TaskStatusFailed, nil, ErrConnectionLost) {
		g.logger.Warn("agent lost during task", zap.String("agent_id", agentID))
	}
}
