package inspect

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/google/go-dap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ctagard/dap-orchestrator/internal/errors"
	"github.com/ctagard/dap-orchestrator/internal/inspect/inspecttest"
	"github.com/ctagard/dap-orchestrator/pkg/types"
)

func TestGetDebugContext(t *testing.T) {
	ch := inspecttest.NewChannel().Paused(1, "/src/main.go", 12, 100)
	ch.SetThreads(dap.Thread{Id: 1, Name: "main"}, dap.Thread{Id: 2, Name: "worker"})
	ch.SetFrames(2, dap.StackFrame{Id: 2001, Name: "worker.run", Line: 40})
	ch.SetScopes(2001, dap.Scope{Name: "Locals", VariablesReference: 7}, dap.Scope{Name: "Globals", VariablesReference: 8, Expensive: true})

	insp := New(time.Second)

	dc, err := insp.GetDebugContext(context.Background(), ch, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, dc.Thread.ID)
	assert.Equal(t, "/src/main.go", dc.Frame.Path)
	assert.Equal(t, 12, dc.Frame.Line)
	require.Len(t, dc.Scopes, 1)

	dc, err = insp.GetDebugContext(context.Background(), ch, 2)
	require.NoError(t, err)
	assert.Equal(t, "worker", dc.Thread.Name)
	assert.Equal(t, "worker.run", dc.Frame.Name)
	assert.Empty(t, dc.Frame.Path)
	require.Len(t, dc.Scopes, 2)
	assert.True(t, dc.Scopes[1].Expensive)
}

func TestGetDebugContext_Failures(t *testing.T) {
	insp := New(time.Second)

	_, err := insp.GetDebugContext(context.Background(), inspecttest.NewChannel(), 0)
	assert.ErrorContains(t, err, "no threads")

	ch := inspecttest.NewChannel().SetThreads(dap.Thread{Id: 1})
	_, err = insp.GetDebugContext(context.Background(), ch, 1)
	assert.True(t, stderrors.Is(err, ErrNoFrames))

	ch = inspecttest.NewChannel().Paused(1, "/a.go", 1, 5).Fail("scopes", stderrors.New("boom"))
	_, err = insp.GetDebugContext(context.Background(), ch, 1)
	assert.ErrorContains(t, err, "scopes: boom")
}

func TestGetDebugContext_NamesTimedOutCall(t *testing.T) {
	ch := inspecttest.NewChannel().Paused(1, "/a.go", 1, 5).Block("stackTrace")

	_, err := New(20*time.Millisecond).GetDebugContext(context.Background(), ch, 1)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeDAPTimeout))
	assert.Contains(t, err.Error(), "stackTrace request timed out")
}

func TestGetVariablesFromReference_FiltersFunctions(t *testing.T) {
	ch := inspecttest.NewChannel().SetVariables(9,
		dap.Variable{Name: "count", Value: "3", Type: "int"},
		dap.Variable{Name: "handler", Value: "main.handler", Type: "function"},
		dap.Variable{Name: "cb", Value: "function cb(a) { … }"},
		dap.Variable{Name: "fn", Value: "[Function: fn]"},
		dap.Variable{Name: "arrow", Value: "(x) => x + 1"},
		dap.Variable{Name: "user", Value: "{name: 'a'}", VariablesReference: 12},
		// typed values are kept even when the text looks like code
		dap.Variable{Name: "src", Value: "x => y", Type: "string"},
	)

	vars, err := New(time.Second).GetVariablesFromReference(context.Background(), ch, 9)
	require.NoError(t, err)

	names := make([]string, len(vars))
	for i, v := range vars {
		names[i] = v.Name
	}
	assert.Equal(t, []string{"count", "user", "src"}, names)
	assert.False(t, vars[0].IsExpandable)
	assert.True(t, vars[1].IsExpandable)
	assert.Equal(t, 12, vars[1].Reference)
}

func TestFindAndExpandVariable(t *testing.T) {
	ch := inspecttest.NewChannel().
		SetVariables(1, dap.Variable{Name: "i", Value: "2", Type: "int"}).
		SetVariables(2, dap.Variable{Name: "cfg", Value: "Config", VariablesReference: 30}, dap.Variable{Name: "i", Value: "99"}).
		SetVariables(30, dap.Variable{Name: "Port", Value: "8080", Type: "int"})
	scopes := []types.Scope{{Name: "Locals", VariablesReference: 1}, {Name: "Globals", VariablesReference: 2}}

	insp := New(time.Second)

	v, scope, err := insp.FindVariableInScopes(context.Background(), ch, scopes, "i")
	require.NoError(t, err)
	assert.Equal(t, "2", v.Value)
	assert.Equal(t, "Locals", scope)

	v, children, err := insp.ExpandVariable(context.Background(), ch, scopes, "cfg")
	require.NoError(t, err)
	assert.Equal(t, "Config", v.Value)
	require.Len(t, children, 1)
	assert.Equal(t, "Port", children[0].Name)

	before := ch.Calls("variables")
	_, children, err = insp.ExpandVariable(context.Background(), ch, scopes, "i")
	require.NoError(t, err)
	assert.Empty(t, children)
	assert.Equal(t, before+1, ch.Calls("variables"), "a scalar is not expanded")

	_, _, err = insp.FindVariableInScopes(context.Background(), ch, scopes, "missing")
	assert.True(t, errors.IsCode(err, errors.CodeVariableNotFound))
}

func TestCaptureScopes(t *testing.T) {
	ch := inspecttest.NewChannel().
		SetVariables(1,
			dap.Variable{Name: "i", Value: "2"},
			dap.Variable{Name: "item", Value: "x"},
			dap.Variable{Name: "total", Value: "10"},
		).
		SetVariables(2, dap.Variable{Name: "GLOBAL", Value: "1"})
	dc := &types.DebugContext{Scopes: []types.Scope{
		{Name: "Locals", VariablesReference: 1},
		{Name: "Globals", VariablesReference: 2, Expensive: true},
	}}

	insp := New(time.Second)

	all, err := insp.CaptureScopes(context.Background(), ch, dc, nil, 0)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Len(t, all[0].Variables, 3)

	filtered, err := insp.CaptureScopes(context.Background(), ch, dc, []string{"i*"}, 0)
	require.NoError(t, err)
	assert.Len(t, filtered[0].Variables, 2)

	capped, err := insp.CaptureScopes(context.Background(), ch, dc, nil, 2)
	require.NoError(t, err)
	assert.Len(t, capped[0].Variables, 2)
	assert.True(t, capped[0].Truncated)
}

func TestMatchesFilter(t *testing.T) {
	assert.True(t, MatchesFilter("anything", nil))
	assert.True(t, MatchesFilter("i", []string{"i"}))
	assert.True(t, MatchesFilter("userName", []string{"user*"}))
	assert.False(t, MatchesFilter("count", []string{"i", "user*"}))
	assert.False(t, MatchesFilter("a", []string{"["}))
}
