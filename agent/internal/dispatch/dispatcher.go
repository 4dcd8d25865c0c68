// Package dispatch turns relay messages into prompt injections on the surface.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/drawrelay/drawrelay/agent/internal/metrics"
	"github.com/drawrelay/drawrelay/agent/internal/model"
	"github.com/drawrelay/drawrelay/agent/internal/surface"
	"github.com/drawrelay/drawrelay/internal/logging"
	"go.uber.org/zap"
)

const DefaultSubmitDelay = 200 * time.Millisecond

// ErrUnrecognized is returned for relay messages that carry no command.
var ErrUnrecognized = errors.New("unrecognized message")

// Kind tells how a command arrived.
type Kind int

const (
	KindText       Kind = iota // bare string frame
	KindStructured             // {"type":"command","text":...}
)

// Command is one prompt to run on the surface.
type Command struct {
	Kind Kind
	Text string
}

// Decode parses a relay frame. Structured envelopes are tried first; any
// payload that is not a JSON object is taken as the prompt itself.
func Decode(raw []byte) (Command, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return Command{}, fmt.Errorf("%w: empty payload", ErrUnrecognized)
	}

	if trimmed[0] == '{' {
		var env model.Command
		if err := json.Unmarshal(trimmed, &env); err == nil {
			if env.Type != model.MsgTypeCommand {
				return Command{}, fmt.Errorf("%w: type %q", ErrUnrecognized, env.Type)
			}
			if env.Text == "" {
				return Command{}, fmt.Errorf("%w: empty command text", ErrUnrecognized)
			}
			return Command{Kind: KindStructured, Text: env.Text}, nil
		}
	}

	text := string(raw)
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err == nil {
			text = s
		}
	}
	if text == "" {
		return Command{}, fmt.Errorf("%w: empty command text", ErrUnrecognized)
	}
	return Command{Kind: KindText, Text: text}, nil
}

// Injector is the part of the surface the dispatcher drives.
type Injector interface {
	SetInput(ctx context.Context, text string) error
	Submit(ctx context.Context) error
}

// Window is the aggregation window opened for every command.
type Window interface {
	Begin()
}

// Sender delivers a message to the relay.
type Sender interface {
	Send(v interface{}) error
}

// Options configures a Dispatcher.
type Options struct {
	SubmitDelay time.Duration
	Logger      *zap.Logger
	Metrics     *metrics.Metrics
}

// Dispatcher runs relay commands against the surface, one at a time.
type Dispatcher struct {
	injector Injector
	window   Window
	sender   Sender
	delay    time.Duration
	logger   *zap.Logger
	metrics  *metrics.Metrics

	mu sync.Mutex
}

// New creates a Dispatcher.
func New(injector Injector, window Window, sender Sender, opts Options) *Dispatcher {
	if opts.SubmitDelay <= 0 {
		opts.SubmitDelay = DefaultSubmitDelay
	}
	logger := opts.Logger
	return &Dispatcher{
		injector: injector,
		window:   window,
		sender:   sender,
		delay:    opts.SubmitDelay,
		logger:   logging.Component(logger, "dispatch"),
		metrics:  opts.Metrics,
	}
}

// Dispatch decodes raw and, if it is a command, injects it into the surface.
// Undecodable frames are dropped. Surface failures are reported to the relay
// and returned.
func (d *Dispatcher) Dispatch(ctx context.Context, raw []byte) error {
	cmd, err := Decode(raw)
	if err != nil {
		d.logger.Warn("dropping relay message", zap.Error(err))
		d.metrics.Command("unrecognized")
		return err
	}
	return d.Run(ctx, cmd)
}

// Run injects cmd and submits it after the settle delay.
func (d *Dispatcher) Run(ctx context.Context, cmd Command) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.logger.Info("command received", zap.Int("length", len(cmd.Text)))
	d.window.Begin()

	if err := d.injector.SetInput(ctx, cmd.Text); err != nil {
		return d.fail(err)
	}

	select {
	case <-time.After(d.delay):
	case <-ctx.Done():
		d.metrics.Command("cancelled")
		return ctx.Err()
	}

	if err := d.injector.Submit(ctx); err != nil {
		return d.fail(err)
	}

	d.logger.Info("command submitted")
	d.metrics.Command("submitted")
	return nil
}

func (d *Dispatcher) fail(err error) error {
	message := err.Error()
	if errors.Is(err, surface.ErrNoInput) {
		message = "input element not found on page"
		d.metrics.Command("no_input")
	} else {
		d.metrics.Command("error")
	}
	d.logger.Warn("command failed", zap.Error(err))

	if sendErr := d.sender.Send(model.NewErrorReport(message)); sendErr != nil {
		d.logger.Warn("failed to report error", zap.Error(sendErr))
	}
	return fmt.Errorf("run command: %w", err)
}
