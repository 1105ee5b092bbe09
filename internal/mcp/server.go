package mcp

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/keyfleet/keyfleet/internal/controlplane"
	"github.com/keyfleet/keyfleet/internal/model"
	"github.com/keyfleet/keyfleet/internal/service"
)

// KeyService is the part of the key engine exposed to MCP clients.
type KeyService interface {
	IssueKey(ctx context.Context, req service.IssueKeyRequest) (*model.AuthKey, error)
	RevokeKey(ctx context.Context, keyID string) error
	GetKey(ctx context.Context, keyID string) (*model.AuthKey, error)
	ListKeys(ctx context.Context, filter model.KeyFilter) ([]model.AuthKey, error)
	ListEvents(ctx context.Context, filter model.EventFilter) ([]model.Event, error)
	ListDevices(ctx context.Context) ([]controlplane.Device, error)
	RotateIfNecessary(ctx context.Context, warnWindow time.Duration) (*service.RotationReport, error)
}

// Directory lists the users keys are issued for.
type Directory interface {
	ListUsers(ctx context.Context) ([]model.User, error)
	ListMachines(ctx context.Context, userID string) ([]model.Machine, error)
}

// MCPServer wraps the mcp-go server with keyfleet tool and resource
// registrations, so AI agents can inspect and manage auth keys.
type MCPServer struct {
	keys       KeyService
	dir        Directory
	warnWindow time.Duration
	logger     *slog.Logger
	server     *server.MCPServer
	now        func() time.Time
}

// NewMCPServer creates an MCPServer pre-loaded with all keyfleet tools and
// resources. warnWindow is the default look-ahead of keyfleet_rotate_now.
func NewMCPServer(keys KeyService, dir Directory, warnWindow time.Duration, version string, logger *slog.Logger) *MCPServer {
	if logger == nil {
		logger = slog.Default()
	}
	s := &MCPServer{
		keys:       keys,
		dir:        dir,
		warnWindow: warnWindow,
		logger:     logger,
		now:        time.Now,
	}

	mcpServer := server.NewMCPServer(
		"Keyfleet Auth Keys",
		version,
		server.WithResourceCapabilities(true, false),
		server.WithToolCapabilities(true),
	)

	s.registerTools(mcpServer)
	s.registerResources(mcpServer)

	s.server = mcpServer
	return s
}

// Server returns the underlying mcp-go MCPServer instance.
func (s *MCPServer) Server() *server.MCPServer {
	return s.server
}

// ServeStdio starts the MCP server in stdio mode, for clients that launch
// keyfleet as a subprocess.
func (s *MCPServer) ServeStdio() error {
	s.logger.Info("starting MCP server in stdio mode")
	return server.ServeStdio(s.server)
}

// ServeHTTP starts the MCP server in Streamable HTTP mode, listening on
// the given address (e.g. ":3001").
func (s *MCPServer) ServeHTTP(addr string) error {
	httpServer := server.NewStreamableHTTPServer(s.server)
	s.logger.Info("MCP HTTP server starting", "addr", addr)
	return httpServer.Start(addr)
}

// Handler returns a Streamable HTTP handler for mounting on the API router.
func (s *MCPServer) Handler() http.Handler {
	return server.NewStreamableHTTPServer(s.server)
}

func readOnlyAnnotation() mcp.ToolAnnotation {
	return mcp.ToolAnnotation{
		ReadOnlyHint: boolPtr(true),
	}
}

func mutatingAnnotation() mcp.ToolAnnotation {
	return mcp.ToolAnnotation{
		ReadOnlyHint: boolPtr(false),
	}
}

func destructiveAnnotation() mcp.ToolAnnotation {
	return mcp.ToolAnnotation{
		ReadOnlyHint:    boolPtr(false),
		DestructiveHint: boolPtr(true),
	}
}

func boolPtr(b bool) *bool {
	return &b
}
