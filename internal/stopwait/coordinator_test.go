package stopwait

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ctagard/dap-orchestrator/internal/capture"
	"github.com/ctagard/dap-orchestrator/internal/errors"
	"github.com/ctagard/dap-orchestrator/internal/session"
	"github.com/ctagard/dap-orchestrator/pkg/types"
)

type fakeStopper struct {
	mu      sync.Mutex
	store   *session.Store
	stopped []string
	failFor map[string]error
}

func (f *fakeStopper) StopSession(_ context.Context, id string) error {
	f.mu.Lock()
	f.stopped = append(f.stopped, id)
	err := f.failFor[id]
	f.mu.Unlock()
	if err != nil {
		return err
	}
	f.store.Terminate(id)
	return nil
}

func (f *fakeStopper) Stopped() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.stopped...)
}

type fixture struct {
	store   *session.Store
	bus     *Bus
	stopper *fakeStopper
	outputs *capture.Store
	coord   *Coordinator
}

func newFixture(t *testing.T, lateStart time.Duration) *fixture {
	store := session.NewStore(nil)
	bus := NewBus()
	stopper := &fakeStopper{store: store, failFor: map[string]error{}}
	outputs := capture.NewStore(10, 100)
	coord := NewCoordinator(store, bus, stopper, outputs, Options{LateStartWindow: lateStart}, zap.NewNop(), nil)
	return &fixture{store: store, bus: bus, stopper: stopper, outputs: outputs, coord: coord}
}

func wait(t *testing.T, p *Pending) (types.StopEvent, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return p.Wait(ctx)
}

func diagnostics(t *testing.T, err error) []types.SessionDiagnostic {
	t.Helper()
	var de *errors.DebugError
	require.True(t, stderrors.As(err, &de))
	require.Equal(t, errors.CodeStopTimeout, de.Code)
	diags, ok := de.Details["sessions"].([]types.SessionDiagnostic)
	require.True(t, ok)
	return diags
}

func TestBus_FirstMatchWins(t *testing.T) {
	bus := NewBus()
	first := bus.Subscribe(func(ev types.StopEvent) bool { return ev.SessionID == "a" })
	second := bus.Subscribe(func(ev types.StopEvent) bool { return ev.SessionID == "a" })

	assert.True(t, bus.Publish(types.StopEvent{SessionID: "a", ThreadID: 1}))
	assert.Equal(t, 1, (<-first.C).ThreadID)
	assert.Len(t, second.C, 0)
	assert.Equal(t, 1, bus.Len())

	assert.False(t, bus.Publish(types.StopEvent{SessionID: "b"}))

	assert.True(t, bus.Publish(types.StopEvent{SessionID: "a", ThreadID: 2}))
	ev, ok := second.Cancel()
	assert.True(t, ok, "a delivered event is handed back on cancel")
	assert.Equal(t, 2, ev.ThreadID)
	assert.Equal(t, 0, bus.Len())
}

func TestWaitForStopBySessionID_MatchesOnlyItsSession(t *testing.T) {
	f := newFixture(t, 0)
	require.NoError(t, f.store.Start(session.Session{ID: "mine"}))
	require.NoError(t, f.store.Start(session.Session{ID: "other"}))

	p := f.coord.WaitForStopBySessionID("mine", 5*time.Second)

	assert.False(t, f.bus.Publish(types.StopEvent{SessionID: "other", Reason: types.StopReasonBreakpoint}))
	assert.True(t, f.bus.Publish(types.StopEvent{SessionID: "mine", ThreadID: 3, Reason: types.StopReasonBreakpoint}))

	ev, err := wait(t, p)
	require.NoError(t, err)
	assert.Equal(t, "mine", ev.SessionID)
	assert.Equal(t, 3, ev.ThreadID)
	assert.Equal(t, 0, f.bus.Len())
}

func TestWaitForStopBySessionID_Terminated(t *testing.T) {
	f := newFixture(t, 0)
	require.NoError(t, f.store.Start(session.Session{ID: "s"}))

	p := f.coord.WaitForStopBySessionID("s", 5*time.Second)
	f.store.Terminate("s")

	ev, err := wait(t, p)
	require.NoError(t, err)
	assert.True(t, ev.Terminated())
	assert.Equal(t, "s", ev.SessionID)

	// a session that is already gone resolves immediately
	ev, err = wait(t, f.coord.WaitForStopBySessionID("gone", 5*time.Second))
	require.NoError(t, err)
	assert.Equal(t, types.StopReasonTerminated, ev.Reason)
	assert.Equal(t, "gone", ev.SessionID)
	assert.Equal(t, 0, f.bus.Len())
}

func TestWaitForStopBySessionID_TimeoutStopsSession(t *testing.T) {
	f := newFixture(t, 0)
	require.NoError(t, f.store.Start(session.Session{ID: "s", Name: "Run"}))
	f.outputs.AppendOutput("s", "stdout", "working")

	_, err := wait(t, f.coord.WaitForStopBySessionID("s", 30*time.Millisecond))
	diags := diagnostics(t, err)

	require.Len(t, diags, 1)
	assert.Equal(t, "s", diags[0].ID)
	assert.False(t, diags[0].Stopped)
	assert.True(t, diags[0].StopSucceeded)
	require.Len(t, diags[0].Output, 1)
	assert.Equal(t, []string{"s"}, f.stopper.Stopped())
	assert.False(t, f.store.IsActive("s"))
	assert.Equal(t, 0, f.bus.Len())
}

func TestWaitForStopBySessionID_StopFailureIsRecorded(t *testing.T) {
	f := newFixture(t, 0)
	require.NoError(t, f.store.Start(session.Session{ID: "s"}))
	f.stopper.failFor["s"] = stderrors.New("adapter gone")

	_, err := wait(t, f.coord.WaitForStopBySessionID("s", 20*time.Millisecond))
	diags := diagnostics(t, err)

	require.Len(t, diags, 1)
	assert.False(t, diags[0].StopSucceeded)
	assert.Equal(t, "adapter gone", diags[0].StopError)
}

func TestWaitForEntryStop_ChildStoppedWithParent(t *testing.T) {
	f := newFixture(t, 0)
	p := f.coord.WaitForEntryStop(nil, 40*time.Millisecond)
	require.NoError(t, f.store.Start(session.Session{ID: "parent"}))
	require.NoError(t, f.store.Start(session.Session{ID: "child"}))
	require.NoError(t, f.store.SetParentID("child", "parent"))
	// the host stops children with their parent
	f.stopper.failFor["child"] = errors.SessionNotFound("child")

	_, err := wait(t, p)
	diags := diagnostics(t, err)

	require.Len(t, diags, 2)
	for _, d := range diags {
		assert.True(t, d.StopSucceeded, d.ID)
		assert.Empty(t, d.StopError, d.ID)
	}
}

func TestPending_Cancel(t *testing.T) {
	f := newFixture(t, 0)
	require.NoError(t, f.store.Start(session.Session{ID: "s"}))

	p := f.coord.WaitForStopBySessionID("s", 5*time.Second)
	p.Cancel()
	p.Cancel()

	_, err := wait(t, p)
	assert.True(t, errors.IsCode(err, errors.CodeWaitCancelled))
	assert.Equal(t, 0, f.bus.Len())
	assert.Empty(t, f.stopper.Stopped())
}

func TestWaits_DoNotAccumulateListeners(t *testing.T) {
	f := newFixture(t, 0)
	require.NoError(t, f.store.Start(session.Session{ID: "s"}))

	for i := 0; i < 5; i++ {
		p := f.coord.WaitForStopBySessionID("s", 5*time.Second)
		require.True(t, f.bus.Publish(types.StopEvent{SessionID: "s", ThreadID: i}))
		ev, err := wait(t, p)
		require.NoError(t, err)
		assert.Equal(t, i, ev.ThreadID)
	}
	assert.Equal(t, 0, f.bus.Len())
}

func TestWaitForEntryStop_OnlyNewSessions(t *testing.T) {
	f := newFixture(t, 0)
	require.NoError(t, f.store.Start(session.Session{ID: "excluded"}))
	require.NoError(t, f.store.Start(session.Session{ID: "older"}))

	p := f.coord.WaitForEntryStop([]string{"excluded"}, 5*time.Second)

	assert.False(t, f.bus.Publish(types.StopEvent{SessionID: "excluded", Reason: types.StopReasonEntry}))
	assert.False(t, f.bus.Publish(types.StopEvent{SessionID: "older", Reason: types.StopReasonBreakpoint}))

	require.NoError(t, f.store.Start(session.Session{ID: "new"}))
	// any reason counts as the entry stop
	assert.True(t, f.bus.Publish(types.StopEvent{SessionID: "new", Reason: types.StopReasonBreakpoint, ThreadID: 9}))

	ev, err := wait(t, p)
	require.NoError(t, err)
	assert.Equal(t, "new", ev.SessionID)
	assert.Equal(t, 9, ev.ThreadID)
	assert.Equal(t, 0, f.bus.Len())
}

func TestWaitForEntryStop_ChildTerminationDoesNotResolve(t *testing.T) {
	f := newFixture(t, 0)
	p := f.coord.WaitForEntryStop(nil, 5*time.Second)

	require.NoError(t, f.store.Start(session.Session{ID: "parent"}))
	require.NoError(t, f.store.Start(session.Session{ID: "child"}))
	require.NoError(t, f.store.SetParentID("child", "parent"))
	f.store.Terminate("child")

	select {
	case <-p.Done():
		t.Fatal("child termination resolved the entry wait")
	case <-time.After(50 * time.Millisecond):
	}

	f.store.Terminate("parent")
	ev, err := wait(t, p)
	require.NoError(t, err)
	assert.Equal(t, "parent", ev.SessionID)
	assert.True(t, ev.Terminated())
}

func TestWaitForEntryStop_TimeoutHaltsAndReports(t *testing.T) {
	f := newFixture(t, 200*time.Millisecond)
	require.NoError(t, f.store.Start(session.Session{ID: "mine"}))

	p := f.coord.WaitForEntryStop([]string{"mine"}, 40*time.Millisecond)
	require.NoError(t, f.store.Start(session.Session{
		ID:            "slow",
		Name:          "Launch slow",
		Type:          "go",
		Workspace:     "/ws",
		Configuration: map[string]interface{}{"program": "main.go"},
	}))

	_, err := wait(t, p)
	diags := diagnostics(t, err)

	require.Len(t, diags, 1)
	d := diags[0]
	assert.Equal(t, "slow", d.ID)
	assert.Equal(t, "Launch slow", d.Name)
	assert.Equal(t, "/ws", d.Workspace)
	assert.Equal(t, "main.go", d.Configuration["program"])
	assert.False(t, d.Stopped, "the session was running when the wait gave up")
	assert.True(t, d.StopAttempted)
	assert.True(t, d.StopSucceeded)
	assert.False(t, f.store.IsActive("slow"))
	assert.True(t, f.store.IsActive("mine"))

	// a session showing up late is stopped too
	require.NoError(t, f.store.Start(session.Session{ID: "late"}))
	assert.Eventually(t, func() bool { return !f.store.IsActive("late") }, time.Second, 10*time.Millisecond)

	// after the window closes new sessions are left alone
	time.Sleep(250 * time.Millisecond)
	require.NoError(t, f.store.Start(session.Session{ID: "later"}))
	time.Sleep(50 * time.Millisecond)
	assert.True(t, f.store.IsActive("later"))
	assert.ElementsMatch(t, []string{"slow", "late"}, f.stopper.Stopped())
}
