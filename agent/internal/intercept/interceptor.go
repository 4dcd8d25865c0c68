package intercept

import (
	"context"
	"encoding/base64"
	"fmt"
	"mime"
	"strings"
	"sync"

	"github.com/drawrelay/drawrelay/agent/internal/collect"
	"github.com/drawrelay/drawrelay/internal/logging"
	"go.uber.org/zap"
)

const eventStreamType = "text/event-stream"

// BodyFetcher returns the full body of a finished network exchange.
// base64Encoded reports whether body must be decoded first.
type BodyFetcher interface {
	FetchBody(ctx context.Context, requestID string) (body string, base64Encoded bool, err error)
}

// Sink accepts discovered artifacts.
type Sink interface {
	Offer(a collect.Artifact) bool
}

// Interceptor watches the surface's network exchanges and sniffs image URLs
// out of event-stream responses.
type Interceptor struct {
	fetcher BodyFetcher
	sink    Sink
	logger  *zap.Logger

	mu      sync.Mutex
	tracked map[string]struct{}
}

// NewInterceptor creates an Interceptor.
func NewInterceptor(fetcher BodyFetcher, sink Sink, logger *zap.Logger) *Interceptor {
	return &Interceptor{
		fetcher: fetcher,
		sink:    sink,
		logger:  logging.Component(logger, "intercept"),
		tracked: make(map[string]struct{}),
	}
}

// ResponseReceived starts tracking the exchange if it is an event stream.
func (i *Interceptor) ResponseReceived(requestID, mimeType string) {
	if !IsEventStream(mimeType) {
		return
	}
	i.mu.Lock()
	i.tracked[requestID] = struct{}{}
	i.mu.Unlock()
}

// LoadingFinished fetches the body of a tracked exchange and offers every
// URL it carries. Untracked ids are ignored.
func (i *Interceptor) LoadingFinished(ctx context.Context, requestID string) {
	if !i.untrack(requestID) {
		return
	}

	body, err := i.body(ctx, requestID)
	if err != nil {
		i.logger.Warn("failed to read stream body", zap.String("request_id", requestID), zap.Error(err))
		return
	}

	urls := ExtractURLs(body)
	i.logger.Debug("stream inspected", zap.String("request_id", requestID), zap.Int("urls", len(urls)))
	for _, u := range urls {
		i.sink.Offer(collect.Artifact{URL: u, Source: collect.SourceSniffed})
	}
}

// LoadingFailed forgets a tracked exchange.
func (i *Interceptor) LoadingFailed(requestID string) {
	i.untrack(requestID)
}

// Tracked reports how many exchanges are awaiting completion.
func (i *Interceptor) Tracked() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.tracked)
}

func (i *Interceptor) untrack(requestID string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if _, ok := i.tracked[requestID]; !ok {
		return false
	}
	delete(i.tracked, requestID)
	return true
}

func (i *Interceptor) body(ctx context.Context, requestID string) ([]byte, error) {
	body, encoded, err := i.fetcher.FetchBody(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if !encoded {
		return []byte(body), nil
	}
	data, err := base64.StdEncoding.DecodeString(body)
	if err != nil {
		return nil, fmt.Errorf("decode base64 body: %w", err)
	}
	return data, nil
}

// IsEventStream reports whether a content type denotes an event stream.
func IsEventStream(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0])
	}
	return strings.EqualFold(mediaType, eventStreamType)
}
