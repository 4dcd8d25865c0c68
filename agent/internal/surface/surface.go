// Package surface drives the web client that turns prompts into images.
package surface

import (
	"context"
	"errors"
)

// ErrNoInput is returned by SetInput when the prompt input is not on the page.
var ErrNoInput = errors.New("input element not found")

// Surface is the page the agent injects commands into.
type Surface interface {
	// Location returns the current page URL.
	Location(ctx context.Context) (string, error)
	// SetInput replaces the prompt input value and fires an input event.
	SetInput(ctx context.Context, text string) error
	// Submit fires the synthetic submit key on the prompt input.
	Submit(ctx context.Context) error
	// ClearState clears the page's localStorage and sessionStorage.
	ClearState(ctx context.Context) error
	// Reload reloads the page.
	Reload(ctx context.Context) error
}

// NetworkListener receives the page's network exchange events.
type NetworkListener interface {
	ResponseReceived(requestID, mimeType string)
	LoadingFinished(ctx context.Context, requestID string)
	LoadingFailed(requestID string)
}

// Hooks connects page events to the agent.
type Hooks struct {
	Network NetworkListener
	OnScan  func(srcs []string) // image sources found in the rendered page
	OnPush  func(urls []string) // final batch pushed by the page itself
}
