package mcp

import (
	"context"
	"encoding/json"
	"sort"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ctagard/dap-orchestrator/internal/config"
	"github.com/ctagard/dap-orchestrator/internal/errors"
	"github.com/ctagard/dap-orchestrator/internal/orchestrator"
	"github.com/ctagard/dap-orchestrator/pkg/types"
)

type fakeEngine struct {
	start   orchestrator.StartRequest
	resume  orchestrator.ResumeRequest
	stopped string
	filter  []string
	err     error
}

func (f *fakeEngine) StartAndWaitForStop(_ context.Context, req orchestrator.StartRequest) (*orchestrator.StopResult, error) {
	f.start = req
	if f.err != nil {
		return nil, f.err
	}
	return &orchestrator.StopResult{SessionID: "s1", Action: types.OnHitBreak, RunState: types.RunStatePaused}, nil
}

func (f *fakeEngine) ResumeAndWaitForStop(_ context.Context, req orchestrator.ResumeRequest) (*orchestrator.StopResult, error) {
	f.resume = req
	if f.err != nil {
		return nil, f.err
	}
	return &orchestrator.StopResult{SessionID: req.SessionID, RunState: types.RunStatePaused}, nil
}

func (f *fakeEngine) StopSession(_ context.Context, idOrName string) error {
	f.stopped = idOrName
	return f.err
}

func (f *fakeEngine) GetVariables(_ context.Context, _ string, filter []string) ([]types.ScopeVariables, error) {
	f.filter = filter
	return []types.ScopeVariables{{ScopeName: "Locals", Variables: []types.VariableInfo{{Name: "i", Value: "2"}}}}, f.err
}

func (f *fakeEngine) ExpandVariable(_ context.Context, _ string, name string) (*orchestrator.Expansion, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &orchestrator.Expansion{Variable: types.VariableInfo{Name: name}, Children: []types.VariableInfo{}}, nil
}

func (f *fakeEngine) ListSessions() []types.SessionSummary {
	return []types.SessionSummary{{ID: "s1", Name: "Run", RunState: types.RunStatePaused}}
}

func (f *fakeEngine) SessionOutput(string) ([]types.OutputLine, *int) {
	code := 3
	return []types.OutputLine{{Category: "stdout", Text: "hello\n"}}, &code
}

func newTestServer(t *testing.T, mode config.CapabilityMode) (*Server, *fakeEngine) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Mode = mode
	engine := &fakeEngine{}
	return NewServer(cfg, engine, zaptest.NewLogger(t), nil), engine
}

func callRequest(name string, args map[string]interface{}) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotNil(t, res)
	require.NotEmpty(t, res.Content)
	text, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok, "got %T", res.Content[0])
	return text.Text
}

func toolNames(t *testing.T, s *Server) []string {
	t.Helper()
	resp := s.MCPServer().HandleMessage(context.Background(), json.RawMessage(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`))
	data, err := json.Marshal(resp)
	require.NoError(t, err)

	var decoded struct {
		Result struct {
			Tools []struct {
				Name string `json:"name"`
			} `json:"tools"`
		} `json:"result"`
	}
	require.NoError(t, json.Unmarshal(data, &decoded))
	var names []string
	for _, tool := range decoded.Result.Tools {
		names = append(names, tool.Name)
	}
	sort.Strings(names)
	return names
}

func TestRegisterTools_Modes(t *testing.T) {
	full, _ := newTestServer(t, config.ModeFull)
	assert.Equal(t, []string{
		"debug_expand_variable",
		"debug_get_output",
		"debug_get_variables",
		"debug_list_sessions",
		"debug_resume_and_wait",
		"debug_start_and_wait",
		"debug_stop_session",
	}, toolNames(t, full))

	readOnly, _ := newTestServer(t, config.ModeReadOnly)
	assert.Equal(t, []string{
		"debug_expand_variable",
		"debug_get_output",
		"debug_get_variables",
		"debug_list_sessions",
	}, toolNames(t, readOnly))
}

func TestHandleStartAndWait(t *testing.T) {
	s, engine := newTestServer(t, config.ModeFull)

	res, err := s.handleStartAndWait(context.Background(), callRequest("debug_start_and_wait", map[string]interface{}{
		"workspaceFolder": "/ws",
		"configName":      "Run",
		"breakpoints":     `[{"path": "main.go", "line": 3, "hitCount": 2, "onHit": "captureAndContinue", "captureFilter": ["i"]}]`,
		"timeoutSeconds":  float64(5),
	}))
	require.NoError(t, err)
	assert.False(t, res.IsError, resultText(t, res))

	assert.Equal(t, "/ws", engine.start.WorkspaceFolder)
	assert.Equal(t, "Run", engine.start.ConfigName)
	assert.Equal(t, 5.0, engine.start.TimeoutSeconds)
	require.Len(t, engine.start.Breakpoints, 1)
	assert.Equal(t, types.BreakpointDefinition{
		Path:          "main.go",
		Line:          3,
		HitCount:      2,
		OnHit:         types.OnHitCaptureAndContinue,
		CaptureFilter: []string{"i"},
	}, engine.start.Breakpoints[0])

	var out orchestrator.StopResult
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &out))
	assert.Equal(t, "s1", out.SessionID)
}

func TestHandleStartAndWait_BreakpointsAsArray(t *testing.T) {
	s, engine := newTestServer(t, config.ModeFull)

	res, err := s.handleStartAndWait(context.Background(), callRequest("debug_start_and_wait", map[string]interface{}{
		"workspaceFolder": "/ws",
		"configName":      "Run",
		"breakpoints":     []interface{}{map[string]interface{}{"path": "main.go", "snippet": "total +="}},
	}))
	require.NoError(t, err)
	assert.False(t, res.IsError)
	require.Len(t, engine.start.Breakpoints, 1)
	assert.Equal(t, "total +=", engine.start.Breakpoints[0].Snippet)
}

func TestHandleStartAndWait_Errors(t *testing.T) {
	s, engine := newTestServer(t, config.ModeFull)
	ctx := context.Background()

	res, err := s.handleStartAndWait(ctx, callRequest("debug_start_and_wait", map[string]interface{}{"configName": "Run"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, resultText(t, res), string(errors.CodeMissingParameter))

	res, err = s.handleStartAndWait(ctx, callRequest("debug_start_and_wait", map[string]interface{}{
		"workspaceFolder": "/ws",
		"configName":      "Run",
		"breakpoints":     `[{"path": "main.go", "line": 3, "onHit": "explode"}]`,
	}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, resultText(t, res), string(errors.CodeInvalidJSON))

	engine.err = errors.StopTimeout("waitForEntryStop", 1, []types.SessionDiagnostic{{ID: "s1", Name: "Run"}})
	res, err = s.handleStartAndWait(ctx, callRequest("debug_start_and_wait", map[string]interface{}{
		"workspaceFolder": "/ws",
		"configName":      "Run",
	}))
	require.NoError(t, err)
	assert.True(t, res.IsError)

	var de struct {
		Code    string                 `json:"code"`
		Details map[string]interface{} `json:"details"`
	}
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &de))
	assert.Equal(t, string(errors.CodeStopTimeout), de.Code)
	assert.Contains(t, de.Details, "sessions")
}

func TestHandleResumeAndStop(t *testing.T) {
	s, engine := newTestServer(t, config.ModeFull)
	ctx := context.Background()

	res, err := s.handleResumeAndWait(ctx, callRequest("debug_resume_and_wait", map[string]interface{}{"sessionId": "s1"}))
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Equal(t, "s1", engine.resume.SessionID)
	assert.Empty(t, engine.resume.Breakpoints)

	res, err = s.handleResumeAndWait(ctx, callRequest("debug_resume_and_wait", map[string]interface{}{}))
	require.NoError(t, err)
	assert.True(t, res.IsError)

	res, err = s.handleStopSession(ctx, callRequest("debug_stop_session", map[string]interface{}{"sessionId": "Run"}))
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Equal(t, "Run", engine.stopped)

	engine.err = errors.SessionNotFound("gone")
	res, err = s.handleStopSession(ctx, callRequest("debug_stop_session", map[string]interface{}{"sessionId": "gone"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, resultText(t, res), string(errors.CodeSessionNotFound))
}

func TestHandleInspection(t *testing.T) {
	s, engine := newTestServer(t, config.ModeReadOnly)
	ctx := context.Background()

	res, err := s.handleGetVariables(ctx, callRequest("debug_get_variables", map[string]interface{}{"sessionId": "s1", "filter": "i, user*,"}))
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Equal(t, []string{"i", "user*"}, engine.filter)
	assert.Contains(t, resultText(t, res), `"scopeName":"Locals"`)

	res, err = s.handleExpandVariable(ctx, callRequest("debug_expand_variable", map[string]interface{}{"sessionId": "s1"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)

	res, err = s.handleExpandVariable(ctx, callRequest("debug_expand_variable", map[string]interface{}{"sessionId": "s1", "variableName": "user"}))
	require.NoError(t, err)
	assert.JSONEq(t, `{"variable": {"name": "user", "value": "", "isExpandable": false}, "children": []}`, resultText(t, res))

	res, err = s.handleListSessions(ctx, callRequest("debug_list_sessions", nil))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, res), `"count":1`)

	res, err = s.handleGetOutput(ctx, callRequest("debug_get_output", map[string]interface{}{"sessionId": "s1"}))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, res), `"exitCode":3`)
	assert.Contains(t, resultText(t, res), `hello\n`)
}
