package mcp

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/drawrelay/drawrelay/relay/internal/gateway"
	"github.com/drawrelay/drawrelay/relay/internal/model"
	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type stubDrawer struct {
	mu     sync.Mutex
	task   *model.Task
	err    error
	status model.ConnectionStatus
	got    []string
}

func (d *stubDrawer) Submit(_ context.Context, prompt string, _ bool) (*model.Task, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.got = append(d.got, prompt)
	return d.task, d.err
}

func (d *stubDrawer) Status() model.ConnectionStatus { return d.status }

func connectInMemory(t *testing.T, ctx context.Context, srv *Server) *sdkmcp.ClientSession {
	t.Helper()
	t1, t2 := sdkmcp.NewInMemoryTransports()
	_, err := srv.MCPServer.Connect(ctx, t1, nil)
	require.NoError(t, err)
	client := sdkmcp.NewClient(&sdkmcp.Implementation{Name: "test-client", Version: "v0.0.1"}, nil)
	session, err := client.Connect(ctx, t2, nil)
	require.NoError(t, err)
	t.Cleanup(func() { session.Close() })
	return session
}

func callTool(t *testing.T, ctx context.Context, session *sdkmcp.ClientSession, name string, args map[string]any) map[string]any {
	t.Helper()
	res, err := session.CallTool(ctx, &sdkmcp.CallToolParams{Name: name, Arguments: args})
	require.NoError(t, err)
	require.False(t, res.IsError)
	for _, c := range res.Content {
		if tc, ok := c.(*sdkmcp.TextContent); ok {
			out := map[string]any{}
			require.NoError(t, json.Unmarshal([]byte(tc.Text), &out), tc.Text)
			return out
		}
	}
	t.Fatal("no text content in tool result")
	return nil
}

func newServer(t *testing.T, d Drawer) *Server {
	return NewServer(d, Options{ServerAddr: "0.0.0.0:8080", MCPAddr: "0.0.0.0:8000", Logger: zaptest.NewLogger(t)})
}

func TestListTools(t *testing.T) {
	ctx := context.Background()
	session := connectInMemory(t, ctx, newServer(t, &stubDrawer{}))

	res, err := session.ListTools(ctx, nil)
	require.NoError(t, err)
	var names []string
	for _, tool := range res.Tools {
		names = append(names, tool.Name)
	}
	assert.ElementsMatch(t, []string{"draw_image", "get_connection_status"}, names)
}

func TestDrawImage_Success(t *testing.T) {
	ctx := context.Background()
	d := &stubDrawer{task: &model.Task{ID: "t1", URLs: []string{"A", "B"}}}
	session := connectInMemory(t, ctx, newServer(t, d))

	out := callTool(t, ctx, session, "draw_image", map[string]any{"command": "a red fox"})
	assert.Equal(t, "success", out["status"])
	assert.Equal(t, []any{"A", "B"}, out["image_urls"])
	assert.Equal(t, []string{"a red fox"}, d.got)
}

func TestDrawImage_ErrorsStayInBody(t *testing.T) {
	ctx := context.Background()
	cases := map[error]string{
		gateway.ErrNotConnected: "No WebSocket client connected",
		gateway.ErrBusy:         "There is already a drawing task in progress",
		gateway.ErrTimeout:      "Timeout waiting for images",
	}
	for err, msg := range cases {
		session := connectInMemory(t, ctx, newServer(t, &stubDrawer{err: err}))
		out := callTool(t, ctx, session, "draw_image", map[string]any{"command": "P"})
		assert.Equal(t, "error", out["status"])
		assert.Equal(t, msg, out["message"])
	}
}

func TestConnectionStatus(t *testing.T) {
	ctx := context.Background()
	d := &stubDrawer{status: model.ConnectionStatus{Connected: true, ReceivedImages: 3, Busy: true}}
	session := connectInMemory(t, ctx, newServer(t, d))

	out := callTool(t, ctx, session, "get_connection_status", map[string]any{})
	assert.Equal(t, map[string]any{"connected": true, "received_images": float64(3)}, out)
}

func TestStreamableHTTP(t *testing.T) {
	ctx := context.Background()
	d := &stubDrawer{status: model.ConnectionStatus{Connected: false}}
	srv := httptest.NewServer(newServer(t, d).Handler())
	defer srv.Close()

	client := sdkmcp.NewClient(&sdkmcp.Implementation{Name: "test-client", Version: "v0.0.1"}, nil)
	session, err := client.Connect(ctx, &sdkmcp.StreamableClientTransport{Endpoint: srv.URL}, nil)
	require.NoError(t, err)
	defer session.Close()

	out := callTool(t, ctx, session, "get_connection_status", map[string]any{})
	assert.Equal(t, false, out["connected"])
}

func TestInstructionsNameEndpoints(t *testing.T) {
	text := instructions(Options{ServerAddr: "host:8080", MCPAddr: "host:8000"})
	assert.Contains(t, text, "ws://host:8080/ws")
	assert.Contains(t, text, "http://host:8000")
}
