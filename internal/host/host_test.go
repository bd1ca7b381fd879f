package host

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ctagard/dap-orchestrator/internal/adapters"
	"github.com/ctagard/dap-orchestrator/internal/capture"
	"github.com/ctagard/dap-orchestrator/internal/config"
	"github.com/ctagard/dap-orchestrator/internal/dap/daptest"
	"github.com/ctagard/dap-orchestrator/internal/errors"
	"github.com/ctagard/dap-orchestrator/internal/inspect"
	"github.com/ctagard/dap-orchestrator/internal/launchconfig"
	"github.com/ctagard/dap-orchestrator/internal/session"
	"github.com/ctagard/dap-orchestrator/internal/stopwait"
	"github.com/ctagard/dap-orchestrator/internal/tracker"
	"github.com/ctagard/dap-orchestrator/pkg/types"
)

const launchJSON = `{
	"version": "0.2.0",
	"configurations": [
		{"name": "Entry", "type": "fake", "request": "launch", "program": "${workspaceFolder}/main.go", "stopOnEntry": true},
		{"name": "Run", "type": "fake", "request": "launch", "program": "${workspaceFolder}/main.go"},
		{"name": "Native", "type": "cppdbg", "request": "launch"},
	]
}`

// fakeAdapter hands out the address of an in-process fake adapter.
type fakeAdapter struct {
	addr string
}

func (f *fakeAdapter) Language() types.Language { return types.LanguageGo }
func (f *fakeAdapter) Types() []string          { return []string{"fake"} }

func (f *fakeAdapter) Spawn(launchconfig.Configuration, *zap.Logger) (*adapters.Process, error) {
	return &adapters.Process{Address: f.addr}, nil
}

func (f *fakeAdapter) Arguments(cfg launchconfig.Configuration) map[string]interface{} {
	return cfg.Clone()
}

type fixture struct {
	ws      string
	main    string
	server  *daptest.Server
	store   *session.Store
	outputs *capture.Store
	bus     *stopwait.Bus
	host    *Host
}

func newFixture(t *testing.T, program func(path string) daptest.Program, opts daptest.Options) *fixture {
	t.Helper()
	ws := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(ws, ".vscode"), 0o755))
	require.NoError(t, os.WriteFile(launchconfig.PathFor(ws), []byte(launchJSON), 0o644))
	main := filepath.Join(ws, "main.go")

	server, err := daptest.NewServer(program(main), opts)
	require.NoError(t, err)
	t.Cleanup(func() { server.Close() })

	// sessions end on background goroutines that may outlive the test
	logger := zap.NewNop()
	cfg := config.DefaultConfig()
	cfg.MaxSessions = 2
	registry := adapters.NewRegistry(cfg)
	registry.Register(&fakeAdapter{addr: server.Addr()})

	store := session.NewStore(nil)
	outputs := capture.NewStore(50, 2000)
	bus := stopwait.NewBus()
	trackers := tracker.NewManager(store, outputs, bus, inspect.New(time.Second), tracker.Options{}, logger, nil)

	hostOpts := OptionsFromConfig(cfg)
	hostOpts.RequestTimeout = 2 * time.Second
	hostOpts.HandshakeTimeout = 5 * time.Second
	h := New(hostOpts, registry, store, outputs, trackers, logger)
	t.Cleanup(func() {
		h.Close()
		trackers.Close()
	})

	return &fixture{ws: ws, main: main, server: server, store: store, outputs: outputs, bus: bus, host: h}
}

func loop(path string) daptest.Program {
	return daptest.Loop(path, 3, 5)
}

func (f *fixture) nextStop(t *testing.T, sub *stopwait.Subscription) types.StopEvent {
	t.Helper()
	select {
	case ev := <-sub.C:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("no stop published")
		return types.StopEvent{}
	}
}

func anyStop(types.StopEvent) bool { return true }

func TestLaunch_StopsOnEntry(t *testing.T) {
	f := newFixture(t, loop, daptest.Options{})
	ctx := context.Background()
	require.NoError(t, f.host.Breakpoints().Add(ctx, types.SourceBreakpoint{Path: f.main, Line: 3}))

	sub := f.bus.Subscribe(anyStop)
	id, err := f.host.Launch(ctx, f.ws, "Entry")
	require.NoError(t, err)

	ev := f.nextStop(t, sub)
	assert.Equal(t, id, ev.SessionID)
	assert.Equal(t, types.StopReasonEntry, ev.Reason)
	require.NotNil(t, ev.Frame)
	assert.Equal(t, f.main, ev.Frame.Path)

	sess, ok := f.store.Get(id)
	require.True(t, ok)
	assert.Equal(t, "Entry", sess.Name)
	assert.Equal(t, f.ws, sess.Workspace)
	assert.Equal(t, f.main, sess.Configuration["program"])
	assert.Equal(t, []int{3}, f.server.Breakpoints(f.main), "persistent breakpoints are sent before configurationDone")

	commands := f.server.Commands()
	assert.Equal(t, []string{"initialize", "launch", "setBreakpoints", "configurationDone"}, commands[:4])

	_, ok = f.host.Controller(id)
	assert.True(t, ok)
}

func TestBreakpointStore_PushesToLiveSessions(t *testing.T) {
	f := newFixture(t, loop, daptest.Options{})
	ctx := context.Background()
	sub := f.bus.Subscribe(anyStop)
	_, err := f.host.Launch(ctx, f.ws, "Entry")
	require.NoError(t, err)
	f.nextStop(t, sub)

	bps := []types.SourceBreakpoint{{Path: f.main, Line: 3, HitCondition: "2"}, {Path: f.main, Line: 1}}
	require.NoError(t, f.host.Breakpoints().Add(ctx, bps...))
	assert.Equal(t, []int{3, 1}, f.server.Breakpoints(f.main))
	assert.Equal(t, bps, f.host.Breakpoints().Breakpoints())

	require.NoError(t, f.host.Breakpoints().Remove(ctx, bps[0]))
	assert.Equal(t, []int{1}, f.server.Breakpoints(f.main))

	require.NoError(t, f.host.Breakpoints().Remove(ctx, bps[1]))
	assert.Empty(t, f.server.Breakpoints(f.main))
	assert.Empty(t, f.host.Breakpoints().Breakpoints())
}

func TestStopSession(t *testing.T) {
	f := newFixture(t, loop, daptest.Options{})
	ctx := context.Background()
	sub := f.bus.Subscribe(anyStop)
	id, err := f.host.Launch(ctx, f.ws, "Entry")
	require.NoError(t, err)
	f.nextStop(t, sub)

	require.NoError(t, f.host.StopSession(ctx, id))
	assert.False(t, f.store.IsActive(id))
	assert.Equal(t, 1, f.server.Count("disconnect"))
	_, ok := f.host.Controller(id)
	assert.False(t, ok)

	err = f.host.StopSession(ctx, id)
	assert.True(t, errors.IsCode(err, errors.CodeSessionNotFound))
}

func TestProgramExit_EndsSession(t *testing.T) {
	f := newFixture(t, func(path string) daptest.Program {
		p := loop(path)
		p.ExitCode = 3
		return p
	}, daptest.Options{})

	id, err := f.host.Launch(context.Background(), f.ws, "Run")
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return !f.store.IsActive(id) }, 5*time.Second, 10*time.Millisecond)
	code, ok := f.outputs.ExitCode(id)
	require.True(t, ok)
	assert.Equal(t, 3, code)

	var text []string
	for _, line := range f.outputs.Output(id) {
		text = append(text, line.Text)
	}
	assert.Contains(t, strings.Join(text, ""), "Loop iteration 4")
}

func TestChildSession(t *testing.T) {
	f := newFixture(t, loop, daptest.Options{SpawnChild: true})
	ctx := context.Background()
	sub := f.bus.Subscribe(anyStop)

	parent, err := f.host.Launch(ctx, f.ws, "Entry")
	require.NoError(t, err)

	ev := f.nextStop(t, sub)
	assert.NotEqual(t, parent, ev.SessionID, "the child runs the program")
	child, ok := f.store.Get(ev.SessionID)
	require.True(t, ok)
	assert.Equal(t, parent, child.ParentID)
	assert.Equal(t, "child", child.Name)
	assert.Equal(t, 2, f.server.Connections())

	require.NoError(t, f.host.StopSession(ctx, parent))
	assert.False(t, f.store.IsActive(ev.SessionID))
	assert.False(t, f.store.IsActive(parent))
}

func TestLaunch_Errors(t *testing.T) {
	f := newFixture(t, loop, daptest.Options{})
	ctx := context.Background()

	_, err := f.host.Launch(ctx, f.ws, "Missing")
	assert.True(t, errors.IsCode(err, errors.CodeConfigNotFound))

	_, err = f.host.Launch(ctx, f.ws, "Native")
	assert.True(t, errors.IsCode(err, errors.CodeAdapterNotSupported))

	_, err = f.host.Launch(ctx, t.TempDir(), "Entry")
	assert.True(t, errors.IsCode(err, errors.CodeConfigInvalid))

	f.host.opts.AllowSpawn = false
	_, err = f.host.Launch(ctx, f.ws, "Entry")
	assert.True(t, errors.IsCode(err, errors.CodePermissionDenied))
}

func TestLaunch_SessionLimit(t *testing.T) {
	f := newFixture(t, loop, daptest.Options{})
	ctx := context.Background()
	f.host.opts.MaxSessions = 1

	_, err := f.host.Launch(ctx, f.ws, "Entry")
	require.NoError(t, err)
	_, err = f.host.Launch(ctx, f.ws, "Entry")
	assert.True(t, errors.IsCode(err, errors.CodeSessionLimitReached))
}

func TestReapExpired(t *testing.T) {
	f := newFixture(t, loop, daptest.Options{})
	f.host.opts.SessionTimeout = time.Minute
	id, err := f.host.Launch(context.Background(), f.ws, "Entry")
	require.NoError(t, err)

	f.host.reapExpired(time.Now())
	assert.True(t, f.store.IsActive(id))

	f.host.reapExpired(time.Now().Add(2 * time.Minute))
	assert.False(t, f.store.IsActive(id))
}

func TestFileDocuments_Lines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.go")
	require.NoError(t, os.WriteFile(path, []byte("one\r\ntwo\nthree\n"), 0o644))

	lines, err := FileDocuments{}.Lines(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two", "three"}, lines)

	_, err = FileDocuments{}.Lines(filepath.Join(t.TempDir(), "missing.go"))
	assert.Error(t, err)
}
