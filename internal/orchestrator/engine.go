// Package orchestrator composes the host, breakpoint manager, stop-wait
// coordinator and inspector into the caller-facing debug operations.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/go-dap"
	"go.uber.org/zap"

	"github.com/ctagard/dap-orchestrator/internal/breakpoints"
	"github.com/ctagard/dap-orchestrator/internal/capture"
	"github.com/ctagard/dap-orchestrator/internal/errors"
	"github.com/ctagard/dap-orchestrator/internal/inspect"
	"github.com/ctagard/dap-orchestrator/internal/logging"
	"github.com/ctagard/dap-orchestrator/internal/session"
	"github.com/ctagard/dap-orchestrator/internal/stopwait"
	"github.com/ctagard/dap-orchestrator/pkg/types"
)

// DefaultTimeout bounds a wait when the caller gives no timeout.
const DefaultTimeout = 30 * time.Second

// Host starts, stops and reaches debug sessions.
type Host interface {
	Launch(ctx context.Context, workspaceFolder, configName string) (string, error)
	StopSession(ctx context.Context, sessionID string) error
	Controller(sessionID string) (inspect.Controller, bool)
}

// CapabilitySource reports what a session's adapter announced at initialize.
type CapabilitySource interface {
	Capabilities(sessionID string) (dap.Capabilities, bool)
}

// Deps are the components an Engine drives.
type Deps struct {
	Host         Host
	Store        *session.Store
	Outputs      *capture.Store
	Coordinator  *stopwait.Coordinator
	Breakpoints  *breakpoints.Manager
	Inspector    *inspect.Inspector
	Capabilities CapabilitySource
}

// Options tunes an Engine.
type Options struct {
	// DefaultTimeout applies when a request carries no timeout.
	DefaultTimeout time.Duration
	// MaxCapturedVariables caps the variables captured per scope.
	MaxCapturedVariables int
}

// StartRequest launches a configuration and waits for its first useful stop.
type StartRequest struct {
	WorkspaceFolder string                       `json:"workspaceFolder"`
	ConfigName      string                       `json:"configName"`
	Breakpoints     []types.BreakpointDefinition `json:"breakpoints,omitempty"`
	TimeoutSeconds  float64                      `json:"timeoutSeconds,omitempty"`
}

// ResumeRequest continues a paused session and waits for its next stop.
type ResumeRequest struct {
	SessionID      string                       `json:"sessionId"`
	Breakpoints    []types.BreakpointDefinition `json:"breakpoints,omitempty"`
	TimeoutSeconds float64                      `json:"timeoutSeconds,omitempty"`
}

// StopResult describes the stop an orchestrated operation waited for.
type StopResult struct {
	SessionID       string                      `json:"sessionId"`
	Stop            types.StopEvent             `json:"stop"`
	Context         *types.DebugContext         `json:"context,omitempty"`
	Variables       []types.ScopeVariables      `json:"variables,omitempty"`
	Breakpoint      *types.BreakpointDefinition `json:"breakpoint,omitempty"`
	BreakpointIndex *int                        `json:"breakpointIndex,omitempty"`
	Action          types.OnHitAction           `json:"action"`
	RunState        types.RunState              `json:"runState"`
	Diagnostics     []breakpoints.Diagnostic    `json:"diagnostics,omitempty"`
	Notes           []string                    `json:"notes,omitempty"`
}

// Expansion is a variable and its direct children.
type Expansion struct {
	Variable types.VariableInfo   `json:"variable"`
	Children []types.VariableInfo `json:"children"`
}

// Engine runs orchestrated debug operations.
type Engine struct {
	host      Host
	store     *session.Store
	outputs   *capture.Store
	coord     *stopwait.Coordinator
	bps       *breakpoints.Manager
	inspector *inspect.Inspector
	caps      CapabilitySource
	opts      Options
	logger    *zap.Logger

	// opMu serializes operations that swap the breakpoint set.
	opMu sync.Mutex
}

// New creates an Engine.
func New(deps Deps, opts Options, logger *zap.Logger) *Engine {
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = DefaultTimeout
	}
	return &Engine{
		host:      deps.Host,
		store:     deps.Store,
		outputs:   deps.Outputs,
		coord:     deps.Coordinator,
		bps:       deps.Breakpoints,
		inspector: deps.Inspector,
		caps:      deps.Capabilities,
		opts:      opts,
		logger:    logging.OrNop(logger).Named("orchestrator"),
	}
}

func (e *Engine) timeout(seconds float64) time.Duration {
	if seconds <= 0 {
		return e.opts.DefaultTimeout
	}
	return time.Duration(seconds * float64(time.Second))
}

// isolate swaps the persistent breakpoints out and installs defs. The
// returned release restores the snapshot and must always be called.
func (e *Engine) isolate(ctx context.Context, defs []types.BreakpointDefinition, root string) (*breakpoints.InstallReport, func(), error) {
	iso, err := e.bps.Isolate(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("isolate breakpoints: %w", err)
	}
	release := func() {
		// the caller's context may already be done
		rctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := iso.Restore(rctx); err != nil {
			e.logger.Warn("breakpoint restore failed", zap.Error(errors.CleanupFailed("restore breakpoints", err)))
		}
	}

	report := &breakpoints.InstallReport{}
	if len(defs) > 0 {
		report, err = e.bps.Install(ctx, defs, root)
		if err != nil {
			release()
			return nil, nil, err
		}
	}
	return report, release, nil
}

// StartAndWaitForStop launches a configuration with the given breakpoints
// and waits until one is hit. An entry stop is continued past when
// breakpoints were installed.
func (e *Engine) StartAndWaitForStop(ctx context.Context, req StartRequest) (*StopResult, error) {
	if req.WorkspaceFolder == "" {
		return nil, errors.MissingParameter("workspaceFolder", "absolute path of the workspace containing .vscode/launch.json")
	}
	if req.ConfigName == "" {
		return nil, errors.MissingParameter("configName", "name of the launch.json configuration to start")
	}
	if err := breakpoints.Validate(req.Breakpoints); err != nil {
		return nil, err
	}
	timeout := e.timeout(req.TimeoutSeconds)
	deadline := time.Now().Add(timeout)

	e.opMu.Lock()
	defer e.opMu.Unlock()

	report, release, err := e.isolate(ctx, req.Breakpoints, req.WorkspaceFolder)
	if err != nil {
		return nil, err
	}
	defer release()

	entry := e.coord.WaitForEntryStop(e.store.ActiveIDs(), timeout)
	id, err := e.host.Launch(ctx, req.WorkspaceFolder, req.ConfigName)
	if err != nil {
		entry.Cancel()
		return nil, err
	}
	e.logger.Info("session launched, waiting for stop",
		zap.String("session_id", id),
		zap.String("config", req.ConfigName),
		zap.Int("breakpoints", len(report.Installed)))

	ev, err := entry.Wait(ctx)
	if err != nil {
		return nil, err
	}
	if ev.Terminated() {
		return nil, e.terminated(ev.SessionID)
	}

	hit, matched := breakpoints.ResolveHit(ev, report.Installed)
	if !matched && len(report.Installed) > 0 && (ev.Reason == types.StopReasonEntry || ev.Minimal()) {
		e.logger.Debug("continuing past initial stop",
			zap.String("session_id", ev.SessionID),
			zap.String("reason", string(ev.Reason)))
		ev, err = e.continueAndWait(ctx, ev, time.Until(deadline))
		if err != nil {
			return nil, err
		}
		if ev.Terminated() {
			return nil, e.terminated(ev.SessionID)
		}
		hit, matched = breakpoints.ResolveHit(ev, report.Installed)
	}

	return e.finish(ctx, ev, hit, matched, report, release)
}

// ResumeAndWaitForStop continues a paused session with the given
// breakpoints in place and waits for its next stop.
func (e *Engine) ResumeAndWaitForStop(ctx context.Context, req ResumeRequest) (*StopResult, error) {
	if req.SessionID == "" {
		return nil, errors.MissingParameter("sessionId", "id of a paused session")
	}
	if err := breakpoints.Validate(req.Breakpoints); err != nil {
		return nil, err
	}

	e.opMu.Lock()
	defer e.opMu.Unlock()

	// the paused state is read under opMu
	sess, ok := e.store.Get(req.SessionID)
	if !ok {
		return nil, errors.SessionNotFound(req.SessionID)
	}
	last, paused := e.store.LastStop(req.SessionID)
	if !paused {
		return nil, errors.SessionNotPaused(req.SessionID, sess.RunState)
	}

	report, release, err := e.isolate(ctx, req.Breakpoints, sess.Workspace)
	if err != nil {
		return nil, err
	}
	defer release()

	ev, err := e.continueAndWait(ctx, last, e.timeout(req.TimeoutSeconds))
	if err != nil {
		return nil, err
	}
	if ev.Terminated() {
		return nil, e.terminated(ev.SessionID)
	}
	hit, matched := breakpoints.ResolveHit(ev, report.Installed)
	return e.finish(ctx, ev, hit, matched, report, release)
}

// continueAndWait resumes the stopped thread of ev and waits for the next
// stop of the same session. The wait is registered before the continue so
// a fast stop cannot be missed.
func (e *Engine) continueAndWait(ctx context.Context, ev types.StopEvent, timeout time.Duration) (types.StopEvent, error) {
	ctrl, ok := e.host.Controller(ev.SessionID)
	if !ok {
		return types.StopEvent{}, errors.SessionNoClient(ev.SessionID)
	}
	if timeout <= 0 {
		timeout = time.Millisecond
	}
	wait := e.coord.WaitForStopBySessionID(ev.SessionID, timeout)
	if err := ctrl.Continue(ctx, ev.ThreadID); err != nil {
		wait.Cancel()
		return types.StopEvent{}, errors.DAPProtocolError("continue", err)
	}
	return wait.Wait(ctx)
}

// finish captures the stop and applies the hit breakpoint's onHit action.
// release is called before a captureAndContinue resume so the program does
// not stop again at a transient breakpoint nobody waits for.
func (e *Engine) finish(ctx context.Context, ev types.StopEvent, hit breakpoints.Installed, matched bool, report *breakpoints.InstallReport, release func()) (*StopResult, error) {
	res := &StopResult{
		SessionID:   ev.SessionID,
		Stop:        ev,
		Action:      types.OnHitBreak,
		RunState:    types.RunStatePaused,
		Diagnostics: report.Diagnostics,
		Notes:       e.capabilityNotes(ev.SessionID, report.Installed),
	}
	var filter []string
	if matched {
		def := hit.Definition
		idx := hit.Index
		res.Breakpoint = &def
		res.BreakpointIndex = &idx
		res.Action = def.OnHit.OrDefault()
		filter = def.CaptureFilter
	}
	if ev.ResolveError != "" {
		res.Notes = append(res.Notes, "stop location could not be resolved: "+ev.ResolveError)
	}

	ctrl, ok := e.host.Controller(ev.SessionID)
	if !ok {
		return nil, errors.SessionNoClient(ev.SessionID)
	}
	dc, err := e.inspector.GetDebugContext(ctx, ctrl, ev.ThreadID)
	if err != nil {
		res.Notes = append(res.Notes, "debug context unavailable: "+err.Error())
	} else {
		res.Context = dc
		vars, err := e.inspector.CaptureScopes(ctx, ctrl, dc, filter, e.opts.MaxCapturedVariables)
		if err != nil {
			res.Notes = append(res.Notes, "variables could not be captured: "+err.Error())
		}
		res.Variables = vars
	}

	switch res.Action {
	case types.OnHitStopDebugging:
		root := e.rootOf(ev.SessionID)
		if err := e.host.StopSession(ctx, root); err != nil && !errors.IsCode(err, errors.CodeSessionNotFound) {
			return nil, err
		}
		res.RunState = types.RunStateTerminated
	case types.OnHitCaptureAndContinue:
		release()
		if err := ctrl.Continue(ctx, ev.ThreadID); err != nil {
			return nil, errors.DAPProtocolError("continue", err)
		}
		res.RunState = types.RunStateRunning
	}

	e.logger.Info("stop captured",
		zap.String("session_id", ev.SessionID),
		zap.String("reason", string(ev.Reason)),
		zap.Bool("breakpoint_hit", matched),
		zap.String("action", string(res.Action)))
	return res, nil
}

// rootOf walks parent links to the top-level session.
func (e *Engine) rootOf(id string) string {
	for {
		sess, ok := e.store.Get(id)
		if !ok || sess.ParentID == "" {
			return id
		}
		id = sess.ParentID
	}
}

// capabilityNotes warns about breakpoint features the adapter ignores.
func (e *Engine) capabilityNotes(sessionID string, installed []breakpoints.Installed) []string {
	if e.caps == nil || len(installed) == 0 {
		return nil
	}
	caps, ok := e.caps.Capabilities(sessionID)
	if !ok {
		if caps, ok = e.caps.Capabilities(e.rootOf(sessionID)); !ok {
			return nil
		}
	}
	var notes []string
	seen := make(map[string]bool)
	note := func(feature string, idx int) {
		if seen[feature] {
			return
		}
		seen[feature] = true
		notes = append(notes, fmt.Sprintf("adapter does not support %s; breakpoints[%d] behaves as a plain breakpoint", feature, idx))
	}
	for _, in := range installed {
		def := in.Definition
		if def.Condition != "" && !caps.SupportsConditionalBreakpoints {
			note("conditional breakpoints", in.Index)
		}
		if def.HitCount > 0 && !caps.SupportsHitConditionalBreakpoints {
			note("hit count breakpoints", in.Index)
		}
		if def.LogMessage != "" && !caps.SupportsLogPoints {
			note("logpoints", in.Index)
		}
	}
	return notes
}

// terminated builds the error for a session that ended before stopping.
func (e *Engine) terminated(sessionID string) error {
	return errors.SessionTerminated(sessionID, e.outputs.ExitCodePtr(sessionID)).
		WithDetails("output", e.outputs.Output(sessionID))
}

// resolveSession finds a live session by id, then by name.
func (e *Engine) resolveSession(idOrName string) (session.Session, error) {
	if sess, ok := e.store.Get(idOrName); ok {
		return sess, nil
	}
	if sess, ok := e.store.FindByName(idOrName); ok {
		return sess, nil
	}
	return session.Session{}, errors.SessionNotFound(idOrName)
}

// StopSession ends a session, and its children, by id or name.
func (e *Engine) StopSession(ctx context.Context, idOrName string) error {
	if idOrName == "" {
		return errors.MissingParameter("sessionId", "id or name of the session to stop")
	}
	sess, err := e.resolveSession(idOrName)
	if err != nil {
		return err
	}
	return e.host.StopSession(ctx, sess.ID)
}

// pausedContext returns the controller and current debug context of a
// paused session.
func (e *Engine) pausedContext(ctx context.Context, sessionID string) (inspect.Controller, *types.DebugContext, error) {
	sess, ok := e.store.Get(sessionID)
	if !ok {
		return nil, nil, errors.SessionNotFound(sessionID)
	}
	last, paused := e.store.LastStop(sessionID)
	if !paused {
		return nil, nil, errors.SessionNotPaused(sessionID, sess.RunState)
	}
	ctrl, ok := e.host.Controller(sessionID)
	if !ok {
		return nil, nil, errors.SessionNoClient(sessionID)
	}
	dc, err := e.inspector.GetDebugContext(ctx, ctrl, last.ThreadID)
	if err != nil {
		return nil, nil, err
	}
	return ctrl, dc, nil
}

// GetVariables captures the variables of a paused session's top frame.
func (e *Engine) GetVariables(ctx context.Context, sessionID string, filter []string) ([]types.ScopeVariables, error) {
	if sessionID == "" {
		return nil, errors.MissingParameter("sessionId", "id of a paused session")
	}
	ctrl, dc, err := e.pausedContext(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return e.inspector.CaptureScopes(ctx, ctrl, dc, filter, e.opts.MaxCapturedVariables)
}

// ExpandVariable returns a variable of a paused session's top frame and its
// children.
func (e *Engine) ExpandVariable(ctx context.Context, sessionID, name string) (*Expansion, error) {
	if sessionID == "" {
		return nil, errors.MissingParameter("sessionId", "id of a paused session")
	}
	if name == "" {
		return nil, errors.MissingParameter("variableName", "name of a variable in the current frame")
	}
	ctrl, dc, err := e.pausedContext(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	v, children, err := e.inspector.ExpandVariable(ctx, ctrl, dc.Scopes, name)
	if err != nil {
		return nil, err
	}
	return &Expansion{Variable: *v, Children: children}, nil
}

// ListSessions summarizes the active sessions.
func (e *Engine) ListSessions() []types.SessionSummary {
	active := e.store.ListActive()
	out := make([]types.SessionSummary, len(active))
	for i, sess := range active {
		out[i] = sess.Summary()
	}
	return out
}

// SessionOutput returns the captured output and exit code of a live or
// recently terminated session.
func (e *Engine) SessionOutput(sessionID string) ([]types.OutputLine, *int) {
	return e.outputs.Output(sessionID), e.outputs.ExitCodePtr(sessionID)
}
