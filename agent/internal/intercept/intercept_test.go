package intercept

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/drawrelay/drawrelay/agent/internal/collect"
	"github.com/drawrelay/drawrelay/agent/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestExtractURLs(t *testing.T) {
	tests := []struct {
		name string
		body string
		want []string
	}{
		{
			name: "data array",
			body: `data: {"data":[{"image_raw":{"url":"https://cdn/a.png"}},{"image_raw":{"url":"https://cdn/b.png"}}]}` + "\n",
			want: []string{"https://cdn/a.png", "https://cdn/b.png"},
		},
		{
			name: "legacy creations keep only images",
			body: `data: {"creations":[{"type":1,"image":{"image_raw":{"url":"https://cdn/a.png"}}},{"type":2,"image":{"image_raw":{"url":"https://cdn/video.mp4"}}}]}`,
			want: []string{"https://cdn/a.png"},
		},
		{
			name: "crlf and non-data lines",
			body: "event: message\r\nid: 7\r\n" + `data: {"data":[{"image_raw":{"url":"https://cdn/a.png"}}]}` + "\r\n\r\n",
			want: []string{"https://cdn/a.png"},
		},
		{
			name: "malformed record is skipped",
			body: "data: {not json\n" + `data: {"data":[{"image_raw":{"url":"https://cdn/b.png"}}]}`,
			want: []string{"https://cdn/b.png"},
		},
		{
			name: "both shapes in one stream",
			body: `data: {"creations":[{"type":1,"image":{"image_raw":{"url":"https://cdn/a.png"}}}]}` + "\n" +
				`data: {"data":[{"image_raw":{"url":"https://cdn/b.png"}}]}`,
			want: []string{"https://cdn/a.png", "https://cdn/b.png"},
		},
		{
			name: "no payload",
			body: "data: [DONE]\n: keepalive\n",
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractURLs([]byte(tt.body)))
		})
	}
}

// layered returns v JSON-encoded into a string n times; n == 0 returns v.
func layered(t *testing.T, v interface{}, n int) interface{} {
	t.Helper()
	if n == 0 {
		return v
	}
	data, err := json.Marshal(v)
	require.NoError(t, err)
	for i := 1; i < n; i++ {
		data, err = json.Marshal(string(data))
		require.NoError(t, err)
	}
	return string(data)
}

func streamLine(t *testing.T, record interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(record)
	require.NoError(t, err)
	return append([]byte("data: "), data...)
}

func TestExtractURLs_NestedStringLayers(t *testing.T) {
	payload := map[string]interface{}{
		"data": []interface{}{
			map[string]interface{}{"image_raw": map[string]interface{}{"url": "https://cdn/deep.png"}},
		},
	}

	for n := 0; n <= 3; n++ {
		line := streamLine(t, map[string]interface{}{"event_data": layered(t, payload, n)})
		assert.Equal(t, []string{"https://cdn/deep.png"}, ExtractURLs(line), "layers=%d", n)
	}

	line := streamLine(t, map[string]interface{}{"event_data": layered(t, payload, 4)})
	assert.Empty(t, ExtractURLs(line))

	// The record itself may be an encoded string.
	assert.Equal(t, []string{"https://cdn/deep.png"}, ExtractURLs(streamLine(t, layered(t, payload, 2))))
}

func TestIsEventStream(t *testing.T) {
	assert.True(t, IsEventStream("text/event-stream"))
	assert.True(t, IsEventStream("Text/Event-Stream; charset=utf-8"))
	assert.True(t, IsEventStream("text/event-stream;"))
	assert.False(t, IsEventStream("application/json"))
	assert.False(t, IsEventStream(""))
}

func TestMatchImageURL(t *testing.T) {
	p := DefaultPattern
	assert.True(t, MatchImageURL("https://cdn.example.com/rc_gen_image/abc.png", p))
	assert.True(t, MatchImageURL("https://cdn.example.com/x/rc_gen_image/abc.png?sig=1", p))
	assert.False(t, MatchImageURL("https://cdn.example.com/rc_gen_image/abc.jpg", p))
	assert.False(t, MatchImageURL("https://cdn.example.com/avatar/abc.png", p))
	assert.False(t, MatchImageURL("https://cdn.example.com/a.png?p=rc_gen_image/", p))
	assert.False(t, MatchImageURL("", p))

	custom := Pattern{Segment: "/out/", Suffix: ".webp"}
	assert.True(t, MatchImageURL("https://h/out/1.webp", custom))
}

type recordingSink struct {
	mu        sync.Mutex
	artifacts []collect.Artifact
}

func (s *recordingSink) Offer(a collect.Artifact) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, got := range s.artifacts {
		if got.URL == a.URL {
			return false
		}
	}
	s.artifacts = append(s.artifacts, a)
	return true
}

func TestScanner(t *testing.T) {
	sink := &recordingSink{}
	s := NewScanner(Pattern{}, sink)
	assert.Equal(t, DefaultPattern, s.Pattern())

	n := s.Scan([]string{
		"https://cdn/rc_gen_image/a.png",
		"https://cdn/logo.svg",
		"https://cdn/rc_gen_image/a.png",
	})
	assert.Equal(t, 1, n)
	require.Len(t, sink.artifacts, 1)
	assert.Equal(t, collect.SourceScanned, sink.artifacts[0].Source)
}

type fakeFetcher struct {
	bodies  map[string]string
	encoded bool
	err     error
	calls   []string
}

func (f *fakeFetcher) FetchBody(_ context.Context, id string) (string, bool, error) {
	f.calls = append(f.calls, id)
	if f.err != nil {
		return "", false, f.err
	}
	return f.bodies[id], f.encoded, nil
}

func TestInterceptor_TracksOnlyEventStreams(t *testing.T) {
	fetcher := &fakeFetcher{bodies: map[string]string{
		"1": `data: {"data":[{"image_raw":{"url":"https://cdn/a.png"}}]}`,
	}}
	sink := &recordingSink{}
	i := NewInterceptor(fetcher, sink, zaptest.NewLogger(t))

	i.ResponseReceived("1", "text/event-stream; charset=utf-8")
	i.ResponseReceived("2", "application/json")
	assert.Equal(t, 1, i.Tracked())

	i.LoadingFinished(context.Background(), "2")
	i.LoadingFinished(context.Background(), "1")
	i.LoadingFinished(context.Background(), "1")

	assert.Equal(t, []string{"1"}, fetcher.calls, "body fetched once, only for tracked ids")
	require.Len(t, sink.artifacts, 1)
	assert.Equal(t, collect.Artifact{URL: "https://cdn/a.png", Source: collect.SourceSniffed}, sink.artifacts[0])
	assert.Equal(t, 0, i.Tracked())
}

func TestInterceptor_DecodesBase64Bodies(t *testing.T) {
	raw := `data: {"data":[{"image_raw":{"url":"https://cdn/b64.png"}}]}`
	fetcher := &fakeFetcher{
		bodies:  map[string]string{"9": base64.StdEncoding.EncodeToString([]byte(raw))},
		encoded: true,
	}
	sink := &recordingSink{}
	i := NewInterceptor(fetcher, sink, nil)

	i.ResponseReceived("9", "text/event-stream")
	i.LoadingFinished(context.Background(), "9")
	require.Len(t, sink.artifacts, 1)
	assert.Equal(t, "https://cdn/b64.png", sink.artifacts[0].URL)
}

func TestInterceptor_LoadingFailedForgets(t *testing.T) {
	fetcher := &fakeFetcher{}
	i := NewInterceptor(fetcher, &recordingSink{}, nil)

	i.ResponseReceived("3", "text/event-stream")
	i.LoadingFailed("3")
	i.LoadingFinished(context.Background(), "3")
	assert.Empty(t, fetcher.calls)
}

func TestInterceptor_FetchErrorIsDropped(t *testing.T) {
	sink := &recordingSink{}
	i := NewInterceptor(&fakeFetcher{err: errors.New("no resource with given identifier")}, sink, nil)

	i.ResponseReceived("4", "text/event-stream")
	i.LoadingFinished(context.Background(), "4")
	assert.Empty(t, sink.artifacts)
}

type batchSender struct {
	ch chan []string
}

func (s *batchSender) Send(v interface{}) error {
	if msg, ok := v.(model.CollectedImageURLs); ok {
		s.ch <- msg.URLs
	}
	return nil
}

func TestInterceptor_TwoRecordsYieldOneOrderedBatch(t *testing.T) {
	sender := &batchSender{ch: make(chan []string, 2)}
	agg := collect.New(sender, collect.Options{SettleDelay: 100 * time.Millisecond})
	defer agg.Stop()

	fetcher := &fakeFetcher{bodies: map[string]string{
		"a": `data: {"data":[{"image_raw":{"url":"A"}}]}`,
		"b": `data: {"data":[{"image_raw":{"url":"B"}}]}`,
	}}
	i := NewInterceptor(fetcher, agg, nil)

	agg.Begin()
	i.ResponseReceived("a", "text/event-stream")
	i.ResponseReceived("b", "text/event-stream")
	i.LoadingFinished(context.Background(), "a")
	time.Sleep(30 * time.Millisecond)
	i.LoadingFinished(context.Background(), "b")

	select {
	case urls := <-sender.ch:
		assert.Equal(t, []string{"A", "B"}, urls)
	case <-time.After(2 * time.Second):
		t.Fatal("no batch flushed")
	}
	select {
	case urls := <-sender.ch:
		t.Fatalf("unexpected second batch %v", urls)
	case <-time.After(250 * time.Millisecond):
	}
}
