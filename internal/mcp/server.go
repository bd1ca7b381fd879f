// Package mcp exposes the debug orchestrator as Model Context Protocol tools.
//
// Orchestration (full mode only):
//   - debug_start_and_wait: launch a launch.json configuration and wait for a breakpoint
//   - debug_resume_and_wait: continue a paused session and wait for the next stop
//   - debug_stop_session: stop a session and its children
//
// Inspection (always available):
//   - debug_get_variables: variables of a paused session's top frame
//   - debug_expand_variable: children of one variable
//   - debug_list_sessions: active sessions
//   - debug_get_output: captured output and exit code
package mcp

import (
	"context"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/ctagard/dap-orchestrator/internal/config"
	"github.com/ctagard/dap-orchestrator/internal/logging"
	"github.com/ctagard/dap-orchestrator/internal/metrics"
	"github.com/ctagard/dap-orchestrator/internal/orchestrator"
	"github.com/ctagard/dap-orchestrator/internal/version"
	"github.com/ctagard/dap-orchestrator/pkg/types"
)

// Engine is the orchestration surface the tools call into.
type Engine interface {
	StartAndWaitForStop(ctx context.Context, req orchestrator.StartRequest) (*orchestrator.StopResult, error)
	ResumeAndWaitForStop(ctx context.Context, req orchestrator.ResumeRequest) (*orchestrator.StopResult, error)
	StopSession(ctx context.Context, idOrName string) error
	GetVariables(ctx context.Context, sessionID string, filter []string) ([]types.ScopeVariables, error)
	ExpandVariable(ctx context.Context, sessionID, name string) (*orchestrator.Expansion, error)
	ListSessions() []types.SessionSummary
	SessionOutput(sessionID string) ([]types.OutputLine, *int)
}

// Server wraps the MCP server with the debug tools.
type Server struct {
	mcpServer *server.MCPServer
	engine    Engine
	config    *config.Config
	logger    *zap.Logger
	metrics   *metrics.Metrics
}

// NewServer creates the MCP server and registers the tools allowed by the
// configured mode.
func NewServer(cfg *config.Config, engine Engine, logger *zap.Logger, m *metrics.Metrics) *Server {
	mcpServer := server.NewMCPServer(
		"dap-orchestrator",
		version.Version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
	)

	s := &Server{
		mcpServer: mcpServer,
		engine:    engine,
		config:    cfg,
		logger:    logging.OrNop(logger).Named("mcp"),
		metrics:   m,
	}
	s.registerTools()
	return s
}

// ServeStdio serves the tools over stdin/stdout until the client disconnects.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcpServer)
}

// MCPServer returns the underlying server.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// instrument logs and counts every call of a tool handler.
func (s *Server) instrument(name string, h server.ToolHandlerFunc) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		start := time.Now()
		result, err := h(ctx, request)
		outcome := "ok"
		if err != nil || (result != nil && result.IsError) {
			outcome = "error"
		}
		s.metrics.ObserveToolCall(name, outcome, time.Since(start))
		s.logger.Debug("tool call",
			zap.String("tool", name),
			zap.String("outcome", outcome),
			zap.Duration("duration", time.Since(start)))
		return result, err
	}
}
