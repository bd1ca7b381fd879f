package mcp

import (
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

const breakpointsDescription = `JSON array of breakpoints. Each entry: {"path": string (absolute or workspace-relative), ` +
	`"line"?: number, "snippet"?: string (literal source text; the first matching line is used), "condition"?: string, ` +
	`"hitCount"?: number, "logMessage"?: string, "onHit"?: "break" | "stopDebugging" | "captureAndContinue", ` +
	`"captureFilter"?: [string] (variable names or glob patterns)}. Exactly one of line and snippet is required.`

// registerTools registers the debug tools. Tools that start, resume or stop
// programs are only available in full mode.
func (s *Server) registerTools() {
	if s.config.CanUseControlTools() {
		s.registerStartAndWait()
		s.registerResumeAndWait()
		s.registerStopSession()
	}

	s.registerGetVariables()
	s.registerExpandVariable()
	s.registerListSessions()
	s.registerGetOutput()
}

func (s *Server) addTool(tool mcp.Tool, h server.ToolHandlerFunc) {
	s.mcpServer.AddTool(tool, s.instrument(tool.Name, h))
}

func (s *Server) registerStartAndWait() {
	tool := mcp.NewTool("debug_start_and_wait",
		mcp.WithDescription("Start a debug session from a VS Code launch.json configuration, install the given breakpoints and wait until one is hit. "+
			"Returns the stop location, the top frame's variables and the sessionId. Breakpoints are removed again afterwards; "+
			"the session stays paused unless onHit says otherwise."),
		mcp.WithString("workspaceFolder",
			mcp.Required(),
			mcp.Description("Absolute path of the workspace containing .vscode/launch.json"),
		),
		mcp.WithString("configName",
			mcp.Required(),
			mcp.Description("Name of the launch.json configuration to start"),
		),
		mcp.WithString("breakpoints",
			mcp.Description(breakpointsDescription),
		),
		mcp.WithNumber("timeoutSeconds",
			mcp.Description("How long to wait for a breakpoint (default: 30)"),
		),
	)
	s.addTool(tool, s.handleStartAndWait)
}

func (s *Server) registerResumeAndWait() {
	tool := mcp.NewTool("debug_resume_and_wait",
		mcp.WithDescription("Continue a paused session, optionally with new breakpoints, and wait for the next stop. "+
			"Returns the same shape as debug_start_and_wait."),
		mcp.WithString("sessionId",
			mcp.Required(),
			mcp.Description("The paused session's id"),
		),
		mcp.WithString("breakpoints",
			mcp.Description(breakpointsDescription),
		),
		mcp.WithNumber("timeoutSeconds",
			mcp.Description("How long to wait for the next stop (default: 30)"),
		),
	)
	s.addTool(tool, s.handleResumeAndWait)
}

func (s *Server) registerStopSession() {
	tool := mcp.NewTool("debug_stop_session",
		mcp.WithDescription("Stop a debug session, and any child sessions, by id or configuration name."),
		mcp.WithString("sessionId",
			mcp.Required(),
			mcp.Description("Session id or launch configuration name"),
		),
	)
	s.addTool(tool, s.handleStopSession)
}

func (s *Server) registerGetVariables() {
	tool := mcp.NewTool("debug_get_variables",
		mcp.WithDescription("Get the variables of a paused session's top stack frame, grouped by scope. Function values are omitted."),
		mcp.WithString("sessionId",
			mcp.Required(),
			mcp.Description("The paused session's id"),
		),
		mcp.WithString("filter",
			mcp.Description("Comma-separated variable names or glob patterns to keep (default: all)"),
		),
	)
	s.addTool(tool, s.handleGetVariables)
}

func (s *Server) registerExpandVariable() {
	tool := mcp.NewTool("debug_expand_variable",
		mcp.WithDescription("Expand a structured variable of a paused session's top frame and return its direct children."),
		mcp.WithString("sessionId",
			mcp.Required(),
			mcp.Description("The paused session's id"),
		),
		mcp.WithString("variableName",
			mcp.Required(),
			mcp.Description("Name of the variable to expand"),
		),
	)
	s.addTool(tool, s.handleExpandVariable)
}

func (s *Server) registerListSessions() {
	tool := mcp.NewTool("debug_list_sessions",
		mcp.WithDescription("List active debug sessions with their run state and last stop"),
	)
	s.addTool(tool, s.handleListSessions)
}

func (s *Server) registerGetOutput() {
	tool := mcp.NewTool("debug_get_output",
		mcp.WithDescription("Get the captured stdout/stderr and exit code of a live or recently ended session"),
		mcp.WithString("sessionId",
			mcp.Required(),
			mcp.Description("The session id"),
		),
	)
	s.addTool(tool, s.handleGetOutput)
}
