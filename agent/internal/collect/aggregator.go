// Package collect coalesces image URLs discovered during a task into one
// ordered, deduplicated batch per task.
package collect

import (
	"context"
	"sync"
	"time"

	"github.com/drawrelay/drawrelay/agent/internal/metrics"
	"github.com/drawrelay/drawrelay/agent/internal/model"
	"github.com/drawrelay/drawrelay/internal/logging"
	"go.uber.org/zap"
)

const (
	DefaultSettleDelay = 1500 * time.Millisecond
	DefaultGraceDelay  = 500 * time.Millisecond
)

// Source identifies which producer discovered an artifact.
type Source int

const (
	SourceSniffed Source = iota // event-stream response body
	SourceScanned               // rendered <img> element
	SourcePushed                // direct in-page push
)

func (s Source) String() string {
	switch s {
	case SourceSniffed:
		return "sniffed"
	case SourceScanned:
		return "scanned"
	case SourcePushed:
		return "pushed"
	default:
		return "unknown"
	}
}

// Artifact is one discovered result. Identity is the exact URL string.
type Artifact struct {
	URL    string
	Source Source
}

// Sender delivers a message to the relay.
type Sender interface {
	Send(v interface{}) error
}

// Resetter restores the surface after a batch has been delivered.
type Resetter interface {
	ClearState(ctx context.Context) error
	Reload(ctx context.Context) error
}

// Recorder persists flushed batches.
type Recorder interface {
	RecordBatch(urls []string) error
}

// Options configures an Aggregator.
type Options struct {
	SettleDelay  time.Duration
	GraceDelay   time.Duration
	AutoReload   bool
	ClearState   bool
	Resetter     Resetter // may be nil
	Recorder     Recorder // may be nil
	Metrics      *metrics.Metrics
	Logger       *zap.Logger
	OnFlush      func(urls []string) // optional, called after each send
	ResetTimeout time.Duration
}

// Aggregator owns the artifact set of the current window.
type Aggregator struct {
	sender Sender
	opts   Options
	logger *zap.Logger

	mu      sync.Mutex
	seen    map[string]struct{}
	order   []string
	armed   bool // cleared by a flush, set by Begin and by insertions
	timer   *time.Timer
	gen     uint64
	grace   *time.Timer
	stopped bool
}

// New creates an Aggregator that sends batches through sender.
func New(sender Sender, opts Options) *Aggregator {
	if opts.SettleDelay <= 0 {
		opts.SettleDelay = DefaultSettleDelay
	}
	if opts.GraceDelay <= 0 {
		opts.GraceDelay = DefaultGraceDelay
	}
	if opts.ResetTimeout <= 0 {
		opts.ResetTimeout = 10 * time.Second
	}
	logger := opts.Logger
	return &Aggregator{
		sender: sender,
		opts:   opts,
		logger: logging.Component(logger, "collect"),
		seen:   make(map[string]struct{}),
		armed:  true,
	}
}

// Offer inserts art if its URL is new and restarts the settle timer.
// It reports whether the artifact was inserted.
func (a *Aggregator) Offer(art Artifact) bool {
	if art.URL == "" {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped || !a.insertLocked(art.URL) {
		return false
	}
	a.opts.Metrics.Artifact(art.Source.String())
	a.logger.Debug("artifact collected",
		zap.String("url", art.URL), zap.Stringer("source", art.Source))
	a.armLocked()
	return true
}

// OfferBatch inserts every new URL and flushes at once, without debouncing.
func (a *Aggregator) OfferBatch(urls []string) {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return
	}
	for _, u := range urls {
		if u != "" && a.insertLocked(u) {
			a.opts.Metrics.Artifact(SourcePushed.String())
		}
	}
	// A push is a final answer for the window, even when it adds nothing new.
	a.armed = true
	a.mu.Unlock()
	a.Flush()
}

// Flush sends the current batch, possibly empty, and empties the set.
// A flush with no insertion since the previous flush does nothing.
func (a *Aggregator) Flush() {
	a.mu.Lock()
	if a.stopped || !a.armed {
		a.mu.Unlock()
		return
	}
	batch := a.order
	a.resetLocked()
	a.mu.Unlock()

	if batch == nil {
		batch = []string{}
	}
	if err := a.sender.Send(model.NewCollectedImageURLs(batch)); err != nil {
		a.logger.Warn("batch not delivered", zap.Int("count", len(batch)), zap.Error(err))
	} else {
		a.logger.Info("batch flushed", zap.Int("count", len(batch)))
	}
	a.opts.Metrics.Flushed(len(batch))

	if a.opts.Recorder != nil {
		if err := a.opts.Recorder.RecordBatch(batch); err != nil {
			a.logger.Warn("failed to record batch", zap.Error(err))
		}
	}
	if a.opts.OnFlush != nil {
		a.opts.OnFlush(batch)
	}
	a.scheduleCleanup()
}

// Begin opens a new window: any pending debounce is cancelled, the set is
// emptied without flushing and the next Flush is allowed to send.
func (a *Aggregator) Begin() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.resetLocked()
	a.armed = true
}

// Pending returns a copy of the URLs collected in the current window.
func (a *Aggregator) Pending() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.order...)
}

// Stop cancels all timers. The aggregator ignores offers afterwards.
func (a *Aggregator) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopped = true
	a.resetLocked()
	if a.grace != nil {
		a.grace.Stop()
		a.grace = nil
	}
}

func (a *Aggregator) insertLocked(url string) bool {
	if _, ok := a.seen[url]; ok {
		return false
	}
	a.seen[url] = struct{}{}
	a.order = append(a.order, url)
	a.armed = true
	return true
}

// resetLocked empties the set and invalidates any armed settle timer.
func (a *Aggregator) resetLocked() {
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	a.gen++
	a.seen = make(map[string]struct{})
	a.order = nil
	a.armed = false
}

func (a *Aggregator) armLocked() {
	if a.timer != nil {
		a.timer.Stop()
	}
	a.gen++
	gen := a.gen
	a.timer = time.AfterFunc(a.opts.SettleDelay, func() {
		a.mu.Lock()
		if gen != a.gen {
			a.mu.Unlock()
			return
		}
		a.timer = nil
		a.mu.Unlock()
		a.Flush()
	})
}

func (a *Aggregator) scheduleCleanup() {
	if a.opts.Resetter == nil || (!a.opts.ClearState && !a.opts.AutoReload) {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped {
		return
	}
	if a.grace != nil {
		a.grace.Stop()
	}
	a.grace = time.AfterFunc(a.opts.GraceDelay, a.cleanup)
}

func (a *Aggregator) cleanup() {
	a.mu.Lock()
	a.grace = nil
	stopped := a.stopped
	a.mu.Unlock()
	if stopped {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), a.opts.ResetTimeout)
	defer cancel()

	if a.opts.ClearState {
		if err := a.opts.Resetter.ClearState(ctx); err != nil {
			a.logger.Warn("failed to clear surface state", zap.Error(err))
		}
	}
	if a.opts.AutoReload {
		if err := a.opts.Resetter.Reload(ctx); err != nil {
			a.logger.Warn("failed to reload surface", zap.Error(err))
		}
	}
}
