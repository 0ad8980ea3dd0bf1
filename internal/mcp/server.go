package mcp

import (
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/calcdeck/keygate/internal/exchange"
	"github.com/calcdeck/keygate/internal/service"
)

// Endpoint is the usage log endpoint recorded for tool calls that present an
// API key.
const Endpoint = "mcp:convert_currency"

// Deps are the services the MCP tools run on.
type Deps struct {
	Gateway  *service.Gateway
	Keys     *service.KeyService
	Provider exchange.Provider
	// Owner scopes the key management tools. Empty disables them at call time.
	Owner string
}

// MCPServer exposes currency conversion and key management as MCP tools.
// Conversion goes through the same gateway checks as POST /api/v1/convert.
type MCPServer struct {
	deps   Deps
	logger *slog.Logger
	server *server.MCPServer
}

// NewMCPServer creates an MCPServer with every keygate tool registered.
func NewMCPServer(deps Deps, version string, logger *slog.Logger) *MCPServer {
	if logger == nil {
		logger = slog.Default()
	}
	s := &MCPServer{deps: deps, logger: logger}

	mcpServer := server.NewMCPServer(
		"keygate",
		version,
		server.WithToolCapabilities(true),
	)
	s.registerTools(mcpServer)

	s.server = mcpServer
	return s
}

// Server returns the underlying mcp-go server.
func (s *MCPServer) Server() *server.MCPServer {
	return s.server
}

// ServeStdio serves over stdin/stdout. Logs must go to stderr in this mode.
func (s *MCPServer) ServeStdio() error {
	s.logger.Info("starting MCP server in stdio mode", "owner", s.deps.Owner)
	return server.ServeStdio(s.server)
}

// ServeHTTP serves Streamable HTTP on addr (e.g. ":3001").
func (s *MCPServer) ServeHTTP(addr string) error {
	httpServer := server.NewStreamableHTTPServer(s.server)
	s.logger.Info("MCP HTTP server starting", "addr", addr, "owner", s.deps.Owner)
	return httpServer.Start(addr)
}

func readOnlyAnnotation() mcp.ToolAnnotation {
	return mcp.ToolAnnotation{ReadOnlyHint: boolPtr(true)}
}

func mutatingAnnotation() mcp.ToolAnnotation {
	return mcp.ToolAnnotation{ReadOnlyHint: boolPtr(false)}
}

func boolPtr(b bool) *bool {
	return &b
}
