package surface

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"github.com/drawrelay/drawrelay/internal/logging"
	"go.uber.org/zap"
)

// ChromeOptions configures the browser surface.
type ChromeOptions struct {
	URL           string // page to open; empty attaches to the first open page
	InputSelector string
	RemoteURL     string // DevTools websocket of a running browser
	Headless      bool
	UserDataDir   string
}

// Chrome drives the surface in a Chrome tab over the DevTools protocol.
type Chrome struct {
	opts   ChromeOptions
	logger *zap.Logger

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	hooks  Hooks
}

// NewChrome creates a Chrome surface. Call Start before using it.
func NewChrome(opts ChromeOptions, logger *zap.Logger) *Chrome {
	if opts.InputSelector == "" {
		opts.InputSelector = "textarea"
	}
	return &Chrome{
		opts:   opts,
		logger: logging.Component(logger, "surface"),
	}
}

// Start launches or attaches to the browser, subscribes to network and
// binding events, installs the image observer and opens the surface page.
func (c *Chrome) Start(ctx context.Context, hooks Hooks) error {
	browserCtx, cancel, err := c.browserContext(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.ctx = browserCtx
	c.cancel = cancel
	c.hooks = hooks
	c.mu.Unlock()

	chromedp.ListenTarget(browserCtx, c.onEvent)

	actions := []chromedp.Action{
		network.Enable(),
		runtime.Enable(),
		runtime.AddBinding(scanBinding),
		runtime.AddBinding(pushBinding),
		chromedp.ActionFunc(func(ctx context.Context) error {
			_, err := page.AddScriptToEvaluateOnNewDocument(observerScript).Do(ctx)
			return err
		}),
	}
	if c.opts.URL != "" {
		actions = append(actions, chromedp.Navigate(c.opts.URL))
	}
	actions = append(actions, chromedp.Evaluate(observerScript, nil))

	if err := chromedp.Run(browserCtx, actions...); err != nil {
		cancel()
		return fmt.Errorf("start surface: %w", err)
	}

	c.logger.Info("surface started",
		zap.String("url", c.opts.URL),
		zap.Bool("remote", c.opts.RemoteURL != ""),
		zap.Bool("headless", c.opts.Headless))
	return nil
}

func (c *Chrome) browserContext(ctx context.Context) (context.Context, context.CancelFunc, error) {
	logf := chromedp.WithLogf(func(format string, args ...any) {
		c.logger.Debug(fmt.Sprintf(format, args...))
	})

	if c.opts.RemoteURL == "" {
		opts := append(chromedp.DefaultExecAllocatorOptions[:],
			chromedp.Flag("headless", c.opts.Headless),
			chromedp.Flag("disable-gpu", true),
			chromedp.Flag("no-sandbox", true),
			chromedp.Flag("disable-dev-shm-usage", true),
		)
		if c.opts.UserDataDir != "" {
			opts = append(opts, chromedp.UserDataDir(c.opts.UserDataDir))
		}
		allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, opts...)
		browserCtx, browserCancel := chromedp.NewContext(allocCtx, logf)
		return browserCtx, func() { browserCancel(); allocCancel() }, nil
	}

	allocCtx, allocCancel := chromedp.NewRemoteAllocator(ctx, c.opts.RemoteURL)
	if c.opts.URL != "" {
		browserCtx, browserCancel := chromedp.NewContext(allocCtx, logf)
		return browserCtx, func() { browserCancel(); allocCancel() }, nil
	}

	// Attach to the page the user already has open.
	probeCtx, probeCancel := chromedp.NewContext(allocCtx, logf)
	targets, err := chromedp.Targets(probeCtx)
	if err != nil {
		probeCancel()
		allocCancel()
		return nil, nil, fmt.Errorf("list browser targets: %w", err)
	}
	id, ok := firstPage(targets)
	if !ok {
		probeCancel()
		allocCancel()
		return nil, nil, errors.New("no open page to attach to")
	}
	browserCtx, browserCancel := chromedp.NewContext(probeCtx, chromedp.WithTargetID(id), logf)
	return browserCtx, func() { browserCancel(); probeCancel(); allocCancel() }, nil
}

func firstPage(targets []*target.Info) (target.ID, bool) {
	for _, t := range targets {
		if t.Type == "page" && !t.Attached {
			return t.TargetID, true
		}
	}
	return "", false
}

func (c *Chrome) onEvent(ev interface{}) {
	c.mu.Lock()
	hooks, ctx := c.hooks, c.ctx
	c.mu.Unlock()

	switch e := ev.(type) {
	case *network.EventResponseReceived:
		if hooks.Network != nil && e.Response != nil {
			hooks.Network.ResponseReceived(string(e.RequestID), e.Response.MimeType)
		}
	case *network.EventLoadingFinished:
		if hooks.Network != nil {
			// Listener callbacks must not block the event loop.
			go hooks.Network.LoadingFinished(ctx, string(e.RequestID))
		}
	case *network.EventLoadingFailed:
		if hooks.Network != nil {
			hooks.Network.LoadingFailed(string(e.RequestID))
		}
	case *runtime.EventBindingCalled:
		c.onBinding(hooks, e.Name, e.Payload)
	}
}

func (c *Chrome) onBinding(hooks Hooks, name, payload string) {
	var fn func([]string)
	switch name {
	case scanBinding:
		fn = hooks.OnScan
	case pushBinding:
		fn = hooks.OnPush
	default:
		return
	}
	if fn == nil {
		return
	}
	urls, err := decodeURLList(payload)
	if err != nil {
		c.logger.Warn("bad binding payload", zap.String("binding", name), zap.Error(err))
		return
	}
	go fn(urls)
}

// FetchBody returns the raw response body of a finished request.
func (c *Chrome) FetchBody(ctx context.Context, requestID string) (string, bool, error) {
	var res network.GetResponseBodyReturns
	err := c.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		return cdp.Execute(ctx, network.CommandGetResponseBody,
			network.GetResponseBody(network.RequestID(requestID)), &res)
	}))
	if err != nil {
		return "", false, fmt.Errorf("get response body: %w", err)
	}
	return res.Body, res.Base64encoded, nil
}

func (c *Chrome) Location(ctx context.Context) (string, error) {
	var url string
	if err := c.run(ctx, chromedp.Location(&url)); err != nil {
		return "", fmt.Errorf("get location: %w", err)
	}
	return url, nil
}

func (c *Chrome) SetInput(ctx context.Context, text string) error {
	var found bool
	if err := c.run(ctx, chromedp.Evaluate(setInputScript(c.opts.InputSelector, text), &found)); err != nil {
		return fmt.Errorf("set input: %w", err)
	}
	if !found {
		return ErrNoInput
	}
	return nil
}

func (c *Chrome) Submit(ctx context.Context) error {
	var found bool
	if err := c.run(ctx, chromedp.Evaluate(submitScript(c.opts.InputSelector), &found)); err != nil {
		return fmt.Errorf("submit: %w", err)
	}
	if !found {
		return ErrNoInput
	}
	return nil
}

func (c *Chrome) ClearState(ctx context.Context) error {
	if err := c.run(ctx, chromedp.Evaluate(clearStateScript, nil)); err != nil {
		return fmt.Errorf("clear state: %w", err)
	}
	return nil
}

func (c *Chrome) Reload(ctx context.Context) error {
	if err := c.run(ctx, chromedp.Reload()); err != nil {
		return fmt.Errorf("reload: %w", err)
	}
	c.logger.Debug("surface reloaded")
	return nil
}

// Close shuts down the browser context.
func (c *Chrome) Close() error {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()
	if cancel != nil {
		c.logger.Info("closing surface")
		cancel()
	}
	return nil
}

// run executes actions on the surface tab, bounded by ctx.
func (c *Chrome) run(ctx context.Context, actions ...chromedp.Action) error {
	c.mu.Lock()
	browserCtx := c.ctx
	c.mu.Unlock()
	if browserCtx == nil {
		return errors.New("surface not started")
	}

	runCtx, cancel := context.WithCancel(browserCtx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	return chromedp.Run(runCtx, actions...)
}
