// Package mcp exposes the task gateway as MCP tools.
package mcp

import (
	"context"
	"fmt"
	"net/http"

	"github.com/drawrelay/drawrelay/internal/logging"
	"github.com/drawrelay/drawrelay/relay/internal/gateway"
	"github.com/drawrelay/drawrelay/relay/internal/model"
	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"
)

// Drawer is the subset of the gateway the tools call.
type Drawer interface {
	Submit(ctx context.Context, prompt string, force bool) (*model.Task, error)
	Status() model.ConnectionStatus
}

// Server wraps the MCP SDK server with the drawing tools registered.
type Server struct {
	MCPServer *sdkmcp.Server

	drawer Drawer
	logger *zap.Logger
}

// Options feeds the instructions text shown to MCP clients.
type Options struct {
	Version    string
	ServerAddr string // agent WebSocket / HTTP API address
	MCPAddr    string
	Logger     *zap.Logger
}

func NewServer(drawer Drawer, opts Options) *Server {
	if opts.Version == "" {
		opts.Version = "dev"
	}
	s := &Server{
		MCPServer: sdkmcp.NewServer(
			&sdkmcp.Implementation{Name: "drawrelay", Version: opts.Version},
			&sdkmcp.ServerOptions{Instructions: instructions(opts)},
		),
		drawer: drawer,
		logger: logging.Component(opts.Logger, "mcp"),
	}
	s.registerTools()
	return s
}

func instructions(opts Options) string {
	return fmt.Sprintf(`This MCP instance relays drawing commands to a browser agent.
The agent WebSocket endpoint listens on ws://%s/ws.
The MCP server (HTTP) listens on http://%s.

Use draw_image to send a prompt; it waits until the agent reports image URLs
or the task times out. Only one drawing task runs at a time.
Use get_connection_status to check whether an agent is connected.`, opts.ServerAddr, opts.MCPAddr)
}

func (s *Server) registerTools() {
	sdkmcp.AddTool(s.MCPServer, &sdkmcp.Tool{
		Name:        "draw_image",
		Description: "Draw an image. Sends the command to the connected agent and returns the generated image URLs.",
	}, s.handleDrawImage)

	sdkmcp.AddTool(s.MCPServer, &sdkmcp.Tool{
		Name:        "get_connection_status",
		Description: "Get the current agent WebSocket connection status.",
	}, s.handleConnectionStatus)
}

// --- Tool input/output types ---

type drawImageInput struct {
	Command string `json:"command" jsonschema:"the prompt to send to the agent"`
}

type connectionStatusInput struct{}

type connectionStatusOutput struct {
	Connected      bool `json:"connected"`
	ReceivedImages int  `json:"received_images"`
}

// --- Tool handlers ---

// Task failures are reported in the body with status "error", not as tool errors.
func (s *Server) handleDrawImage(ctx context.Context, _ *sdkmcp.CallToolRequest, input drawImageInput) (*sdkmcp.CallToolResult, model.DrawResponse, error) {
	task, err := s.drawer.Submit(ctx, input.Command, false)
	if err != nil {
		s.logger.Info("draw_image failed", zap.Error(err))
	}
	return nil, gateway.Response(task, err), nil
}

func (s *Server) handleConnectionStatus(_ context.Context, _ *sdkmcp.CallToolRequest, _ connectionStatusInput) (*sdkmcp.CallToolResult, connectionStatusOutput, error) {
	st := s.drawer.Status()
	return nil, connectionStatusOutput{Connected: st.Connected, ReceivedImages: st.ReceivedImages}, nil
}

// Handler serves the tools over streamable HTTP.
func (s *Server) Handler() http.Handler {
	return sdkmcp.NewStreamableHTTPHandler(func(*http.Request) *sdkmcp.Server {
		return s.MCPServer
	}, nil)
}

// RunStdio serves the tools over stdin/stdout until ctx is done or the
// client disconnects.
func (s *Server) RunStdio(ctx context.Context) error {
	s.logger.Info("serving MCP over stdio")
	return s.MCPServer.Run(ctx, &sdkmcp.StdioTransport{})
}
