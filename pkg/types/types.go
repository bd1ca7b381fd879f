// Package types defines shared data types used across the orchestrator.
//
// This package provides type definitions for:
//   - RunState and StopReason: session run-state and why a thread paused
//   - StopEvent: a resolved (or minimal) stop published by the tracker
//   - DebugContext, ScopeVariables, VariableInfo: inspection results
//   - BreakpointDefinition and OnHitAction: caller-supplied breakpoints
//   - SourceBreakpoint: the host's persistent breakpoint representation
//   - SessionSummary, SessionDiagnostic, OutputLine: reporting types
package types

import (
	"fmt"
	"strings"
	"time"
)

// Language represents a supported programming language
type Language string

const (
	LanguageGo         Language = "go"
	LanguagePython     Language = "python"
	LanguageJavaScript Language = "javascript"
)

// RunState is the coarse execution state of a debug session.
type RunState string

const (
	RunStateRunning    RunState = "running"
	RunStatePaused     RunState = "paused"
	RunStateTerminated RunState = "terminated"
)

// StopReason mirrors the DAP stopped-event reason, plus the synthetic
// terminated and error outcomes produced by the coordinator.
type StopReason string

const (
	StopReasonBreakpoint StopReason = "breakpoint"
	StopReasonStep       StopReason = "step"
	StopReasonPause      StopReason = "pause"
	StopReasonException  StopReason = "exception"
	StopReasonAssertion  StopReason = "assertion"
	StopReasonEntry      StopReason = "entry"
	StopReasonTerminated StopReason = "terminated"
	StopReasonError      StopReason = "error"
)

// Resolvable reports whether a stopped event with this reason should be
// resolved into a full stop (thread, frame, scopes).
func (r StopReason) Resolvable() bool {
	switch r {
	case StopReasonBreakpoint, StopReasonStep, StopReasonPause,
		StopReasonException, StopReasonAssertion, StopReasonEntry:
		return true
	}
	return false
}

// StopFrame is the top frame of a paused thread.
type StopFrame struct {
	ID     int    `json:"id"`
	Name   string `json:"name"`
	Path   string `json:"path,omitempty"`
	Line   int    `json:"line"`
	Column int    `json:"column,omitempty"`
}

// ExceptionInfo carries the adapter's description of an exception stop.
type ExceptionInfo struct {
	Description string `json:"description,omitempty"`
	Details     string `json:"details,omitempty"`
}

// StopEvent describes one physical stop of a session. A StopEvent without a
// Frame is a minimal stop: only the session, thread and reason are known.
type StopEvent struct {
	SessionID        string         `json:"sessionId"`
	ThreadID         int            `json:"threadId"`
	Reason           StopReason     `json:"reason"`
	Description      string         `json:"description,omitempty"`
	Frame            *StopFrame     `json:"frame,omitempty"`
	HitBreakpointIDs []int          `json:"hitBreakpointIds,omitempty"`
	Exception        *ExceptionInfo `json:"exceptionInfo,omitempty"`
	ResolveError     string         `json:"resolveError,omitempty"`
}

// Minimal reports whether the stop carries no frame information.
func (e StopEvent) Minimal() bool {
	return e.Frame == nil
}

// Terminated reports whether this event stands for session termination
// rather than a pause.
func (e StopEvent) Terminated() bool {
	return e.Reason == StopReasonTerminated
}

// Thread identifies a debuggee thread.
type Thread struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// Scope is a named variable container of a frame.
type Scope struct {
	Name               string `json:"name"`
	VariablesReference int    `json:"variablesReference"`
	Expensive          bool   `json:"expensive,omitempty"`
}

// DebugContext is the thread, top frame and scopes of a stop. References in
// it are only valid until the session resumes.
type DebugContext struct {
	Thread Thread    `json:"thread"`
	Frame  StopFrame `json:"frame"`
	Scopes []Scope   `json:"scopes"`
}

// VariableInfo is a captured variable.
type VariableInfo struct {
	Name         string `json:"name"`
	Value        string `json:"value"`
	Type         string `json:"type,omitempty"`
	IsExpandable bool   `json:"isExpandable"`
	Reference    int    `json:"variablesReference,omitempty"`
}

// ScopeVariables groups the captured variables of one scope.
type ScopeVariables struct {
	ScopeName string         `json:"scopeName"`
	Variables []VariableInfo `json:"variables"`
	Truncated bool           `json:"truncated,omitempty"`
}

// OnHitAction selects what happens after a breakpoint is hit.
type OnHitAction string

const (
	OnHitBreak              OnHitAction = "break"
	OnHitStopDebugging      OnHitAction = "stopDebugging"
	OnHitCaptureAndContinue OnHitAction = "captureAndContinue"
)

// OnHitActions lists every valid action.
var OnHitActions = []OnHitAction{OnHitBreak, OnHitStopDebugging, OnHitCaptureAndContinue}

// ParseOnHitAction parses an action name. The empty string means break.
func ParseOnHitAction(s string) (OnHitAction, error) {
	if s == "" {
		return OnHitBreak, nil
	}
	for _, a := range OnHitActions {
		if string(a) == s {
			return a, nil
		}
	}
	names := make([]string, len(OnHitActions))
	for i, a := range OnHitActions {
		names[i] = string(a)
	}
	return "", fmt.Errorf("unknown onHit action %q (expected one of %s)", s, strings.Join(names, ", "))
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *OnHitAction) UnmarshalText(text []byte) error {
	parsed, err := ParseOnHitAction(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// OrDefault returns break for the zero value.
func (a OnHitAction) OrDefault() OnHitAction {
	if a == "" {
		return OnHitBreak
	}
	return a
}

// BreakpointDefinition is a breakpoint requested by the caller for one
// orchestrated operation. Exactly one of Line and Snippet locates it.
type BreakpointDefinition struct {
	Path          string      `json:"path" yaml:"path" validate:"required"`
	Line          int         `json:"line,omitempty" yaml:"line,omitempty" validate:"omitempty,gt=0"`
	Snippet       string      `json:"snippet,omitempty" yaml:"snippet,omitempty"`
	Condition     string      `json:"condition,omitempty" yaml:"condition,omitempty"`
	HitCount      int         `json:"hitCount,omitempty" yaml:"hitCount,omitempty" validate:"gte=0"`
	LogMessage    string      `json:"logMessage,omitempty" yaml:"logMessage,omitempty"`
	OnHit         OnHitAction `json:"onHit,omitempty" yaml:"onHit,omitempty" validate:"onhit"`
	CaptureFilter []string    `json:"captureFilter,omitempty" yaml:"captureFilter,omitempty"`
}

// SourceBreakpoint is a breakpoint as held by the host's persistent
// breakpoint storage.
type SourceBreakpoint struct {
	Path         string `json:"path"`
	Line         int    `json:"line"`
	Condition    string `json:"condition,omitempty"`
	HitCondition string `json:"hitCondition,omitempty"`
	LogMessage   string `json:"logMessage,omitempty"`
}

// Key identifies the breakpoint location.
func (b SourceBreakpoint) Key() string {
	return fmt.Sprintf("%s:%d", b.Path, b.Line)
}

// OutputLine is one captured chunk of debuggee output.
type OutputLine struct {
	Category  string    `json:"category"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// SessionSummary describes a live session for listings.
type SessionSummary struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Type      string     `json:"type,omitempty"`
	ParentID  string     `json:"parentId,omitempty"`
	RunState  RunState   `json:"runState"`
	Workspace string     `json:"workspace,omitempty"`
	StartedAt time.Time  `json:"startedAt"`
	LastStop  *StopEvent `json:"lastStop,omitempty"`
}

// SessionDiagnostic is a per-session snapshot taken when a wait times out.
type SessionDiagnostic struct {
	ID            string                 `json:"id"`
	Name          string                 `json:"name"`
	Type          string                 `json:"type,omitempty"`
	Workspace     string                 `json:"workspace,omitempty"`
	Configuration map[string]interface{} `json:"configuration,omitempty"`
	RunState      RunState               `json:"runState"`
	// Stopped reports whether the session was paused when the snapshot was taken.
	Stopped       bool                   `json:"stopped"`
	StopAttempted bool                   `json:"stopAttempted"`
	StopSucceeded bool                   `json:"stopSucceeded"`
	StopError     string                 `json:"stopError,omitempty"`
	Output        []OutputLine           `json:"output,omitempty"`
	ExitCode      *int                   `json:"exitCode,omitempty"`
}
