// Package inspect resolves the thread, frame and scopes of a stop and reads
// variables from them.
package inspect

import (
	"context"
	stderrors "errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/go-dap"

	"github.com/ctagard/dap-orchestrator/internal/errors"
	"github.com/ctagard/dap-orchestrator/pkg/types"
)

// DefaultRequestTimeout bounds each protocol call.
const DefaultRequestTimeout = 15 * time.Second

// Channel is the subset of DAP requests the inspector needs.
type Channel interface {
	Threads(ctx context.Context) ([]dap.Thread, error)
	StackTrace(ctx context.Context, threadID, levels int) ([]dap.StackFrame, error)
	Scopes(ctx context.Context, frameID int) ([]dap.Scope, error)
	Variables(ctx context.Context, variablesRef int) ([]dap.Variable, error)
}

// Controller is a Channel that can also resume a paused thread.
type Controller interface {
	Channel
	Continue(ctx context.Context, threadID int) error
}

// ErrNoFrames is returned when a thread has no stack, which adapters report
// while the thread is still running.
var ErrNoFrames = stderrors.New("no frames: thread not paused")

// Inspector reads debug state over a Channel.
type Inspector struct {
	requestTimeout time.Duration
}

// New creates an inspector. A zero timeout uses DefaultRequestTimeout.
func New(requestTimeout time.Duration) *Inspector {
	if requestTimeout <= 0 {
		requestTimeout = DefaultRequestTimeout
	}
	return &Inspector{requestTimeout: requestTimeout}
}

// call runs one time-boxed protocol request.
func call[T any](ctx context.Context, timeout time.Duration, op string, fn func(context.Context) (T, error)) (T, error) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	v, err := fn(cctx)
	if err != nil {
		if stderrors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return v, errors.DAPTimeout(op, int(timeout.Seconds())).WithCause(err)
		}
		return v, fmt.Errorf("%s: %w", op, err)
	}
	return v, nil
}

// GetDebugContext resolves threads, the top frame of the thread and its
// scopes. A zero threadID selects the first thread.
func (i *Inspector) GetDebugContext(ctx context.Context, ch Channel, threadID int) (*types.DebugContext, error) {
	threads, err := call(ctx, i.requestTimeout, "threads", ch.Threads)
	if err != nil {
		return nil, err
	}
	if len(threads) == 0 {
		return nil, fmt.Errorf("threads: no threads reported")
	}

	thread := types.Thread{ID: threads[0].Id, Name: threads[0].Name}
	if threadID != 0 {
		thread = types.Thread{ID: threadID}
		for _, t := range threads {
			if t.Id == threadID {
				thread.Name = t.Name
				break
			}
		}
	}

	frames, err := call(ctx, i.requestTimeout, "stackTrace", func(ctx context.Context) ([]dap.StackFrame, error) {
		return ch.StackTrace(ctx, thread.ID, 1)
	})
	if err != nil {
		return nil, err
	}
	if len(frames) == 0 {
		return nil, fmt.Errorf("stackTrace for thread %d: %w", thread.ID, ErrNoFrames)
	}
	top := frames[0]

	scopes, err := call(ctx, i.requestTimeout, "scopes", func(ctx context.Context) ([]dap.Scope, error) {
		return ch.Scopes(ctx, top.Id)
	})
	if err != nil {
		return nil, err
	}

	dc := &types.DebugContext{
		Thread: thread,
		Frame: types.StopFrame{
			ID:     top.Id,
			Name:   top.Name,
			Line:   top.Line,
			Column: top.Column,
		},
		Scopes: make([]types.Scope, len(scopes)),
	}
	if top.Source != nil {
		dc.Frame.Path = top.Source.Path
	}
	for j, s := range scopes {
		dc.Scopes[j] = types.Scope{Name: s.Name, VariablesReference: s.VariablesReference, Expensive: s.Expensive}
	}
	return dc, nil
}

// IsFunctionValue reports whether a variable holds a function and so carries
// no useful state.
func IsFunctionValue(v dap.Variable) bool {
	if v.Type != "" {
		return v.Type == "function"
	}
	return strings.HasPrefix(v.Value, "function ") ||
		strings.HasPrefix(v.Value, "[Function") ||
		strings.Contains(v.Value, "=>")
}

// GetVariablesFromReference fetches the children of ref, dropping
// function-typed entries.
func (i *Inspector) GetVariablesFromReference(ctx context.Context, ch Channel, ref int) ([]types.VariableInfo, error) {
	vars, err := call(ctx, i.requestTimeout, "variables", func(ctx context.Context) ([]dap.Variable, error) {
		return ch.Variables(ctx, ref)
	})
	if err != nil {
		return nil, err
	}

	out := make([]types.VariableInfo, 0, len(vars))
	for _, v := range vars {
		if IsFunctionValue(v) {
			continue
		}
		out = append(out, types.VariableInfo{
			Name:         v.Name,
			Value:        v.Value,
			Type:         v.Type,
			IsExpandable: v.VariablesReference > 0,
			Reference:    v.VariablesReference,
		})
	}
	return out, nil
}

// FindVariableInScopes scans scopes in order and returns the first variable
// with the given name and the name of its scope.
func (i *Inspector) FindVariableInScopes(ctx context.Context, ch Channel, scopes []types.Scope, name string) (*types.VariableInfo, string, error) {
	searched := make([]string, 0, len(scopes))
	for _, scope := range scopes {
		searched = append(searched, scope.Name)
		vars, err := i.GetVariablesFromReference(ctx, ch, scope.VariablesReference)
		if err != nil {
			return nil, "", fmt.Errorf("scope %q: %w", scope.Name, err)
		}
		for j := range vars {
			if vars[j].Name == name {
				return &vars[j], scope.Name, nil
			}
		}
	}
	return nil, "", errors.VariableNotFound(name, searched)
}

// ExpandVariable finds name in scopes and fetches its children when it has any.
func (i *Inspector) ExpandVariable(ctx context.Context, ch Channel, scopes []types.Scope, name string) (*types.VariableInfo, []types.VariableInfo, error) {
	v, _, err := i.FindVariableInScopes(ctx, ch, scopes, name)
	if err != nil {
		return nil, nil, err
	}
	if !v.IsExpandable {
		return v, []types.VariableInfo{}, nil
	}
	children, err := i.GetVariablesFromReference(ctx, ch, v.Reference)
	if err != nil {
		return nil, nil, err
	}
	return v, children, nil
}

// MatchesFilter reports whether a variable name passes a capture filter. An
// empty filter passes everything; entries are exact names or path.Match globs.
func MatchesFilter(name string, filter []string) bool {
	if len(filter) == 0 {
		return true
	}
	for _, pattern := range filter {
		if pattern == name {
			return true
		}
		if ok, err := path.Match(pattern, name); err == nil && ok {
			return true
		}
	}
	return false
}

// CaptureScopes reads the variables of every non-expensive scope, applying
// the capture filter and keeping at most limit variables in total.
func (i *Inspector) CaptureScopes(ctx context.Context, ch Channel, dc *types.DebugContext, filter []string, limit int) ([]types.ScopeVariables, error) {
	out := make([]types.ScopeVariables, 0, len(dc.Scopes))
	remaining := limit
	for _, scope := range dc.Scopes {
		if scope.Expensive {
			continue
		}
		vars, err := i.GetVariablesFromReference(ctx, ch, scope.VariablesReference)
		if err != nil {
			return out, fmt.Errorf("scope %q: %w", scope.Name, err)
		}

		sv := types.ScopeVariables{ScopeName: scope.Name, Variables: make([]types.VariableInfo, 0, len(vars))}
		for _, v := range vars {
			if !MatchesFilter(v.Name, filter) {
				continue
			}
			if limit > 0 && remaining <= 0 {
				sv.Truncated = true
				break
			}
			sv.Variables = append(sv.Variables, v)
			remaining--
		}
		out = append(out, sv)
	}
	return out, nil
}
