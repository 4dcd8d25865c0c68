package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/drawrelay/drawrelay/relay/internal/model"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type recorder struct {
	mu      sync.Mutex
	ready   []string
	batches [][]string
	errs    []string
	lost    []string
	events  chan string
}

func newRecorder() *recorder {
	return &recorder{events: make(chan string, 16)}
}

func (r *recorder) OnAgentReady(_, url string) {
	r.mu.Lock()
	r.ready = append(r.ready, url)
	r.mu.Unlock()
	r.events <- "ready"
}

func (r *recorder) OnBatch(urls []string) {
	r.mu.Lock()
	r.batches = append(r.batches, urls)
	r.mu.Unlock()
	r.events <- "batch"
}

func (r *recorder) OnAgentError(msg string) {
	r.mu.Lock()
	r.errs = append(r.errs, msg)
	r.mu.Unlock()
	r.events <- "error"
}

func (r *recorder) OnAgentLost(id string) {
	r.mu.Lock()
	r.lost = append(r.lost, id)
	r.mu.Unlock()
	r.events <- "lost"
}

func (r *recorder) wait(t *testing.T, want string) {
	t.Helper()
	select {
	case got := <-r.events:
		require.Equal(t, want, got)
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for %s", want)
	}
}

func newTestServer(t *testing.T, hub *Hub) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		NewClient(r.URL.Query().Get("id"), conn, hub).Run(context.Background())
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server, id string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?id=" + id
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func writeJSON(t *testing.T, conn *websocket.Conn, v interface{}) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(v))
}

func TestHub_RoutesAgentMessages(t *testing.T) {
	hub := NewHub(nil, zaptest.NewLogger(t))
	rec := newRecorder()
	hub.SetListener(rec)
	srv := newTestServer(t, hub)

	conn := dial(t, srv, "agent-1")
	writeJSON(t, conn, map[string]interface{}{"type": "scriptReady", "url": "https://surface/chat/1"})
	rec.wait(t, "ready")
	assert.True(t, hub.Connected())
	assert.Equal(t, "agent-1", hub.AgentID())
	assert.Equal(t, "https://surface/chat/1", hub.SurfaceURL())

	writeJSON(t, conn, map[string]interface{}{"type": "collectedImageUrls", "urls": []string{"A", "B"}})
	rec.wait(t, "batch")
	writeJSON(t, conn, map[string]interface{}{"type": "error", "message": "input element not found on page"})
	rec.wait(t, "error")

	// garbage and unknown types are dropped without killing the socket
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	writeJSON(t, conn, map[string]interface{}{"type": "mystery"})
	writeJSON(t, conn, map[string]interface{}{"type": "collectedImageUrls", "urls": []string{}})
	rec.wait(t, "batch")

	rec.mu.Lock()
	assert.Equal(t, [][]string{{"A", "B"}, {}}, rec.batches)
	assert.Equal(t, []string{"input element not found on page"}, rec.errs)
	rec.mu.Unlock()

	conn.Close()
	rec.wait(t, "lost")
	assert.False(t, hub.Connected())
	assert.Empty(t, hub.SurfaceURL())
}

func TestHub_SendDeliversOneFramePerMessage(t *testing.T) {
	hub := NewHub(nil, zaptest.NewLogger(t))
	hub.SetListener(newRecorder())
	srv := newTestServer(t, hub)

	assert.ErrorIs(t, hub.Send(model.NewCommand("P")), ErrNoAgent)

	conn := dial(t, srv, "agent-1")
	require.Eventually(t, hub.Connected, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, hub.Send(model.NewCommand("first")))
	require.NoError(t, hub.Send(model.NewCommand("second")))

	for _, want := range []string{"first", "second"} {
		conn.SetReadDeadline(time.Now().Add(3 * time.Second))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var cmd model.Command
		require.NoError(t, json.Unmarshal(data, &cmd))
		assert.Equal(t, model.MsgTypeCommand, cmd.Type)
		assert.Equal(t, want, cmd.Text)
	}

	assert.Error(t, hub.Send(func() {}))
}

func TestHub_NewAgentReplacesOld(t *testing.T) {
	hub := NewHub(nil, zaptest.NewLogger(t))
	rec := newRecorder()
	hub.SetListener(rec)
	srv := newTestServer(t, hub)

	old := dial(t, srv, "old")
	require.Eventually(t, func() bool { return hub.AgentID() == "old" }, 2*time.Second, 5*time.Millisecond)

	fresh := dial(t, srv, "new")
	require.Eventually(t, func() bool { return hub.AgentID() == "new" }, 2*time.Second, 5*time.Millisecond)

	// the replaced socket is closed normally so its agent stays down
	old.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err := old.ReadMessage()
	var closeErr *websocket.CloseError
	require.True(t, errors.As(err, &closeErr), "got %v", err)
	assert.Equal(t, websocket.CloseNormalClosure, closeErr.Code)

	// the old agent's departure is not a loss
	select {
	case ev := <-rec.events:
		t.Fatalf("unexpected event %s", ev)
	case <-time.After(100 * time.Millisecond):
	}
	assert.True(t, hub.Connected())

	writeJSON(t, fresh, map[string]interface{}{"type": "collectedImageUrls", "urls": []string{"X"}})
	rec.wait(t, "batch")
}

func TestHub_CloseSendsGoingAway(t *testing.T) {
	hub := NewHub(nil, zaptest.NewLogger(t))
	rec := newRecorder()
	hub.SetListener(rec)
	srv := newTestServer(t, hub)

	conn := dial(t, srv, "agent-1")
	require.Eventually(t, hub.Connected, 2*time.Second, 5*time.Millisecond)

	hub.Close()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
	rec.wait(t, "lost")
}

func TestHub_UnregisterAsksAgentToReconnect(t *testing.T) {
	hub := NewHub(nil, zaptest.NewLogger(t))
	rec := newRecorder()
	hub.SetListener(rec)
	srv := newTestServer(t, hub)

	conn := dial(t, srv, "agent-1")
	require.Eventually(t, hub.Connected, 2*time.Second, 5*time.Millisecond)

	// what Run does once the read pump gives up on a live socket
	hub.mu.RLock()
	current := hub.current
	hub.mu.RUnlock()
	hub.Unregister(current)
	rec.wait(t, "lost")

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.True(t, errors.As(err, &closeErr), "got %v", err)
	assert.Equal(t, websocket.CloseGoingAway, closeErr.Code)
	assert.False(t, hub.Connected())
}
