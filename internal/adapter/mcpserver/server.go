// Package mcpserver exposes the hub's aggregated tool set over the Model
// Context Protocol. The server's tool list mirrors the node table: every
// manifest update replaces the registered tools, and connected MCP clients
// learn about the change through the standard list-changed notification.
package mcpserver

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"switchyard/internal/domain"
)

// genericSchema is the input schema registered for tools that advertise none.
var genericSchema = json.RawMessage(`{"type":"object"}`)

// Config holds MCP server identity settings.
type Config struct {
	Name    string
	Version string
}

// Server adapts the hub's tool table to an MCP server over streamable HTTP.
type Server struct {
	mcp     *server.MCPServer
	http    *server.StreamableHTTPServer
	invoker domain.ToolInvoker
	logger  *slog.Logger

	mu       sync.Mutex
	lastSig  string
	unsubs   []func()
	closedCh chan struct{}
}

// New creates the MCP server with an empty tool list. Call Refresh once the
// hub manager is live, and Bind to keep the list in sync with the event bus.
func New(cfg Config, invoker domain.ToolInvoker, logger *slog.Logger) *Server {
	if cfg.Name == "" {
		cfg.Name = "switchyard"
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}

	s := &Server{
		invoker:  invoker,
		logger:   logger,
		closedCh: make(chan struct{}),
	}

	s.mcp = server.NewMCPServer(
		cfg.Name,
		cfg.Version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
		server.WithInstructions(serverInstructions()),
	)
	s.http = server.NewStreamableHTTPServer(s.mcp,
		server.WithStateLess(true),
	)
	return s
}

// Handler returns the HTTP handler serving the MCP endpoint. The caller
// mounts it on the gateway mux.
func (s *Server) Handler() http.Handler {
	return s.http
}

// Bind subscribes to the event types that change the aggregated tool set and
// refreshes the registered tools on each. Safe to call with a nil bus.
func (s *Server) Bind(bus domain.EventBus) {
	if bus == nil {
		return
	}
	refresh := func(ctx context.Context, _ domain.Event) {
		s.Refresh(ctx)
	}
	for _, eventType := range []domain.EventType{
		domain.EventManifestUpdated,
		domain.EventNodeConnected,
		domain.EventNodeDisconnected,
		domain.EventNodeUnreachable,
	} {
		s.unsubs = append(s.unsubs, bus.Subscribe(eventType, refresh))
	}
}

// Refresh replaces the MCP tool list with the hub's current aggregated set.
// An unchanged set is a no-op so reconnect storms don't spam clients with
// list-changed notifications.
func (s *Server) Refresh(ctx context.Context) {
	tools := s.invoker.ListTools(ctx)

	sig := toolsSignature(tools)
	s.mu.Lock()
	if sig == s.lastSig {
		s.mu.Unlock()
		return
	}
	s.lastSig = sig
	s.mu.Unlock()

	serverTools := make([]server.ServerTool, 0, len(tools))
	for _, tool := range tools {
		schema := tool.InputSchema
		if len(schema) == 0 {
			schema = genericSchema
		}
		serverTools = append(serverTools, server.ServerTool{
			Tool:    mcp.NewToolWithRawSchema(tool.Name, tool.Description, schema),
			Handler: s.callHandler(tool.Name),
		})
	}
	s.mcp.SetTools(serverTools...)
	s.logger.Info("mcp tool list refreshed", "tools", len(serverTools))
}

// callHandler builds the handler forwarding one named tool's calls into the
// hub invocation pipeline.
func (s *Server) callHandler(name string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var args json.RawMessage
		if raw := req.GetArguments(); len(raw) > 0 {
			data, err := json.Marshal(raw)
			if err != nil {
				return mcp.NewToolResultError("invalid arguments: " + err.Error()), nil
			}
			args = data
		}

		result, err := s.invoker.Invoke(ctx, name, args)
		if err != nil {
			s.logger.Warn("mcp tool call failed", "tool", name, "error", err)
			return mcp.NewToolResultError(err.Error()), nil
		}
		if result.IsError {
			return mcp.NewToolResultError(result.Content), nil
		}
		return mcp.NewToolResultText(result.Content), nil
	}
}

// Close drops the event bus subscriptions.
func (s *Server) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.closedCh:
		return
	default:
		close(s.closedCh)
	}
	for _, unsub := range s.unsubs {
		unsub()
	}
	s.unsubs = nil
}

// toolsSignature fingerprints a tool list by the fields MCP clients see.
func toolsSignature(tools []domain.AdvertisedTool) string {
	h := sha256.New()
	for _, tool := range tools {
		h.Write([]byte(tool.Name))
		h.Write([]byte{0})
		h.Write([]byte(tool.Description))
		h.Write([]byte{0})
		h.Write(tool.InputSchema)
		h.Write([]byte{0xff})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func serverInstructions() string {
	return `Switchyard is a device-capability hub. Every tool listed here is a
remote capability advertised by a connected field node, most of them switch
controls derived from the node's device inventory. Tool names encode the
owning node and device; call a tool with its declared arguments and the hub
routes the invocation to the node that advertised it. The tool list changes
as nodes connect, disconnect, and re-scan their devices.`
}
