package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/ctagard/dap-orchestrator/internal/errors"
	"github.com/ctagard/dap-orchestrator/internal/orchestrator"
	"github.com/ctagard/dap-orchestrator/pkg/types"
)

const breakpointsExample = `[{"path": "main.go", "line": 12, "onHit": "break"}]`

// Orchestration Handlers

func (s *Server) handleStartAndWait(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workspace, err := request.RequireString("workspaceFolder")
	if err != nil {
		return errorResult(errors.MissingParameter("workspaceFolder",
			"Provide the absolute path of the workspace folder that contains .vscode/launch.json.")), nil
	}
	configName, err := request.RequireString("configName")
	if err != nil {
		return errorResult(errors.MissingParameter("configName",
			"Provide the name of a configuration in the workspace's launch.json.")), nil
	}
	bps, err := parseBreakpoints(request)
	if err != nil {
		return errorResult(err), nil
	}

	result, err := s.engine.StartAndWaitForStop(ctx, orchestrator.StartRequest{
		WorkspaceFolder: workspace,
		ConfigName:      configName,
		Breakpoints:     bps,
		TimeoutSeconds:  request.GetFloat("timeoutSeconds", 0),
	})
	if err != nil {
		s.logger.Info("debug_start_and_wait failed",
			zap.String("config", configName),
			zap.String("code", string(errors.CodeOf(err))))
		return errorResult(err), nil
	}
	return jsonResult(result)
}

func (s *Server) handleResumeAndWait(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := requireSessionID(request)
	if err != nil {
		return errorResult(err), nil
	}
	bps, err := parseBreakpoints(request)
	if err != nil {
		return errorResult(err), nil
	}

	result, err := s.engine.ResumeAndWaitForStop(ctx, orchestrator.ResumeRequest{
		SessionID:      sessionID,
		Breakpoints:    bps,
		TimeoutSeconds: request.GetFloat("timeoutSeconds", 0),
	})
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(result)
}

func (s *Server) handleStopSession(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := requireSessionID(request)
	if err != nil {
		return errorResult(err), nil
	}
	if err := s.engine.StopSession(ctx, sessionID); err != nil {
		return errorResult(err), nil
	}
	return jsonResult(map[string]interface{}{
		"sessionId": sessionID,
		"status":    "stopped",
	})
}

// Inspection Handlers

func (s *Server) handleGetVariables(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := requireSessionID(request)
	if err != nil {
		return errorResult(err), nil
	}
	scopes, err := s.engine.GetVariables(ctx, sessionID, splitFilter(request.GetString("filter", "")))
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(map[string]interface{}{
		"sessionId": sessionID,
		"scopes":    scopes,
	})
}

func (s *Server) handleExpandVariable(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := requireSessionID(request)
	if err != nil {
		return errorResult(err), nil
	}
	name, err := request.RequireString("variableName")
	if err != nil {
		return errorResult(errors.MissingParameter("variableName",
			"Provide the name of a variable from debug_get_variables.")), nil
	}
	expansion, err := s.engine.ExpandVariable(ctx, sessionID, name)
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(expansion)
}

func (s *Server) handleListSessions(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessions := s.engine.ListSessions()
	return jsonResult(map[string]interface{}{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

func (s *Server) handleGetOutput(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := requireSessionID(request)
	if err != nil {
		return errorResult(err), nil
	}
	lines, exitCode := s.engine.SessionOutput(sessionID)
	result := map[string]interface{}{
		"sessionId": sessionID,
		"output":    lines,
	}
	if exitCode != nil {
		result["exitCode"] = *exitCode
	}
	return jsonResult(result)
}

// Helpers

func requireSessionID(request mcp.CallToolRequest) (string, error) {
	sessionID, err := request.RequireString("sessionId")
	if err != nil || sessionID == "" {
		return "", errors.MissingParameter("sessionId",
			"Provide the sessionId returned from debug_start_and_wait. Use debug_list_sessions to see active sessions.")
	}
	return sessionID, nil
}

// parseBreakpoints reads the optional breakpoints argument. Clients send it
// as a JSON string; a literal array is accepted as well.
func parseBreakpoints(request mcp.CallToolRequest) ([]types.BreakpointDefinition, error) {
	raw, ok := request.GetArguments()["breakpoints"]
	if !ok || raw == nil {
		return nil, nil
	}

	var data []byte
	switch v := raw.(type) {
	case string:
		if strings.TrimSpace(v) == "" {
			return nil, nil
		}
		data = []byte(v)
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return nil, errors.InvalidJSON("breakpoints", err, breakpointsExample)
		}
		data = encoded
	}

	var bps []types.BreakpointDefinition
	if err := json.Unmarshal(data, &bps); err != nil {
		return nil, errors.InvalidJSON("breakpoints", err, breakpointsExample)
	}
	return bps, nil
}

func splitFilter(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// errorResult reports err to the client as a structured JSON error.
func errorResult(err error) *mcp.CallToolResult {
	de := errors.FromError(err)
	data, marshalErr := json.Marshal(de)
	if marshalErr != nil {
		return mcp.NewToolResultError(de.Error())
	}
	return mcp.NewToolResultError(string(data))
}

func jsonResult(data interface{}) (*mcp.CallToolResult, error) {
	jsonBytes, err := json.Marshal(data)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(jsonBytes)), nil
}
