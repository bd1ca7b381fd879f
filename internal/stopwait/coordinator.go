// Package stopwait turns published stop events into timeout-bounded waits.
//
// Two waits are offered: one for the next stop of a known session, and one
// for the first stop of any session created after the wait began (the entry
// stop). Both resolve at most once, release all of their listeners when they
// resolve, and try to halt the debuggee when they time out.
package stopwait

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ctagard/dap-orchestrator/internal/errors"
	"github.com/ctagard/dap-orchestrator/internal/logging"
	"github.com/ctagard/dap-orchestrator/internal/metrics"
	"github.com/ctagard/dap-orchestrator/internal/session"
	"github.com/ctagard/dap-orchestrator/pkg/types"
)

const (
	// DefaultLateStartWindow is how long sessions created after an entry
	// wait timed out are still stopped.
	DefaultLateStartWindow = 10 * time.Second

	defaultStopTimeout = 5 * time.Second
)

// Stopper ends a debug session.
type Stopper interface {
	StopSession(ctx context.Context, sessionID string) error
}

// OutputSource supplies captured output for diagnostics.
type OutputSource interface {
	Output(sessionID string) []types.OutputLine
	ExitCodePtr(sessionID string) *int
}

// Options tunes a Coordinator.
type Options struct {
	LateStartWindow time.Duration
	StopTimeout     time.Duration
}

// Coordinator hands out stop waits.
type Coordinator struct {
	store   *session.Store
	bus     *Bus
	stopper Stopper
	outputs OutputSource
	logger  *zap.Logger
	metrics *metrics.Metrics

	lateStartWindow time.Duration
	stopTimeout     time.Duration
}

// NewCoordinator creates a coordinator. outputs may be nil.
func NewCoordinator(store *session.Store, bus *Bus, stopper Stopper, outputs OutputSource, opts Options, logger *zap.Logger, m *metrics.Metrics) *Coordinator {
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = defaultStopTimeout
	}
	return &Coordinator{
		store:           store,
		bus:             bus,
		stopper:         stopper,
		outputs:         outputs,
		logger:          logging.OrNop(logger),
		metrics:         m,
		lateStartWindow: opts.LateStartWindow,
		stopTimeout:     opts.StopTimeout,
	}
}

// Pending is an in-flight wait.
type Pending struct {
	done       chan struct{}
	cancel     chan struct{}
	cancelOnce sync.Once
	event      types.StopEvent
	err        error
}

func newPending() *Pending {
	return &Pending{done: make(chan struct{}), cancel: make(chan struct{})}
}

func (p *Pending) resolve(ev types.StopEvent, err error) {
	p.event, p.err = ev, err
	close(p.done)
}

// Done is closed once the wait has resolved.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Cancel abandons the wait. It is a no-op once resolved.
func (p *Pending) Cancel() {
	p.cancelOnce.Do(func() { close(p.cancel) })
}

// Wait blocks until the wait resolves. If ctx ends first the wait is
// cancelled.
func (p *Pending) Wait(ctx context.Context) (types.StopEvent, error) {
	select {
	case <-p.done:
	case <-ctx.Done():
		p.Cancel()
		<-p.done
	}
	return p.event, p.err
}

func terminatedEvent(sessionID string) types.StopEvent {
	return types.StopEvent{SessionID: sessionID, Reason: types.StopReasonTerminated}
}

// WaitForStopBySessionID resolves on the next stop or the termination of the
// given session. On timeout the session is stopped (best effort) and a
// STOP_TIMEOUT error carrying a diagnostic snapshot is returned.
func (c *Coordinator) WaitForStopBySessionID(sessionID string, timeout time.Duration) *Pending {
	p := newPending()

	sub := c.bus.Subscribe(func(ev types.StopEvent) bool {
		return ev.SessionID == sessionID
	})
	terminated := make(chan struct{}, 1)
	unsubscribe := c.store.OnTerminate(func(s session.Session) {
		if s.ID == sessionID {
			select {
			case terminated <- struct{}{}:
			default:
			}
		}
	})
	if !c.store.IsActive(sessionID) {
		select {
		case terminated <- struct{}{}:
		default:
		}
	}

	go func() {
		timer := time.NewTimer(timeout)
		defer timer.Stop()

		// release tears down the listeners; an event delivered in the
		// meantime wins over the timeout or cancellation.
		release := func() (types.StopEvent, bool) {
			unsubscribe()
			return sub.Cancel()
		}

		select {
		case ev := <-sub.C:
			release()
			c.metrics.ObserveWait("session", "stopped")
			p.resolve(ev, nil)
		case <-terminated:
			if ev, ok := release(); ok {
				p.resolve(ev, nil)
				return
			}
			c.metrics.ObserveWait("session", "terminated")
			p.resolve(terminatedEvent(sessionID), nil)
		case <-timer.C:
			if ev, ok := release(); ok {
				c.metrics.ObserveWait("session", "stopped")
				p.resolve(ev, nil)
				return
			}
			c.metrics.ObserveWait("session", "timeout")
			var diags []types.SessionDiagnostic
			if sess, ok := c.store.Get(sessionID); ok {
				diags = c.halt([]session.Session{sess})
			}
			p.resolve(types.StopEvent{}, errors.StopTimeout("waitForStopBySessionId", timeout.Seconds(), diags))
		case <-p.cancel:
			if ev, ok := release(); ok {
				p.resolve(ev, nil)
				return
			}
			c.metrics.ObserveWait("session", "cancelled")
			p.resolve(types.StopEvent{}, errors.WaitCancelled("waitForStopBySessionId"))
		}
	}()

	return p
}

// WaitForEntryStop resolves on the first stop, whatever its reason, of a
// session created after the call and not listed in exclude. A new top-level
// session that terminates before stopping resolves the wait with a
// terminated event. On timeout every active non-excluded session is stopped
// and sessions starting within the late-start window are stopped as well.
func (c *Coordinator) WaitForEntryStop(exclude []string, timeout time.Duration) *Pending {
	p := newPending()

	excluded := make(map[string]bool, len(exclude))
	for _, id := range exclude {
		excluded[id] = true
	}

	var mu sync.Mutex
	created := make(map[string]bool)
	isNew := func(id string) bool {
		mu.Lock()
		defer mu.Unlock()
		return created[id]
	}

	unsubscribeStart := c.store.OnStart(func(s session.Session) {
		if excluded[s.ID] {
			return
		}
		mu.Lock()
		created[s.ID] = true
		mu.Unlock()
	})
	sub := c.bus.Subscribe(func(ev types.StopEvent) bool {
		return isNew(ev.SessionID)
	})
	terminated := make(chan string, 1)
	unsubscribeTerminate := c.store.OnTerminate(func(s session.Session) {
		if s.ParentID == "" && isNew(s.ID) {
			select {
			case terminated <- s.ID:
			default:
			}
		}
	})

	go func() {
		timer := time.NewTimer(timeout)
		defer timer.Stop()

		release := func() (types.StopEvent, bool) {
			unsubscribeStart()
			unsubscribeTerminate()
			return sub.Cancel()
		}

		select {
		case ev := <-sub.C:
			release()
			c.metrics.ObserveWait("entry", "stopped")
			p.resolve(ev, nil)
		case id := <-terminated:
			if ev, ok := release(); ok {
				p.resolve(ev, nil)
				return
			}
			c.metrics.ObserveWait("entry", "terminated")
			p.resolve(terminatedEvent(id), nil)
		case <-timer.C:
			if ev, ok := release(); ok {
				c.metrics.ObserveWait("entry", "stopped")
				p.resolve(ev, nil)
				return
			}
			c.metrics.ObserveWait("entry", "timeout")
			var targets []session.Session
			for _, s := range c.store.ListActive() {
				if !excluded[s.ID] {
					targets = append(targets, s)
				}
			}
			diags := c.halt(targets)
			c.stopLateStarts(excluded)
			p.resolve(types.StopEvent{}, errors.StopTimeout("waitForEntryStop", timeout.Seconds(), diags))
		case <-p.cancel:
			if ev, ok := release(); ok {
				p.resolve(ev, nil)
				return
			}
			c.metrics.ObserveWait("entry", "cancelled")
			p.resolve(types.StopEvent{}, errors.WaitCancelled("waitForEntryStop"))
		}
	}()

	return p
}

// halt snapshots and stops the given sessions in parallel. Stop failures are
// recorded in the snapshot and logged, never returned.
func (c *Coordinator) halt(sessions []session.Session) []types.SessionDiagnostic {
	diags := make([]types.SessionDiagnostic, len(sessions))
	var g errgroup.Group
	for i, s := range sessions {
		diags[i] = types.SessionDiagnostic{
			ID:            s.ID,
			Name:          s.Name,
			Type:          s.Type,
			Workspace:     s.Workspace,
			Configuration: s.Configuration,
			RunState:      s.RunState,
			Stopped:       s.RunState == types.RunStatePaused,
			StopAttempted: true,
		}
		g.Go(func() error {
			if err := c.stop(s.ID); err != nil {
				diags[i].StopError = err.Error()
				return nil
			}
			diags[i].StopSucceeded = true
			return nil
		})
	}
	_ = g.Wait()

	if c.outputs != nil {
		for i := range diags {
			diags[i].Output = c.outputs.Output(diags[i].ID)
			diags[i].ExitCode = c.outputs.ExitCodePtr(diags[i].ID)
		}
	}
	return diags
}

// stop is a best-effort session stop whose failure is only logged. A
// session that is already gone, e.g. a child stopped with its parent,
// counts as stopped.
func (c *Coordinator) stop(sessionID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.stopTimeout)
	defer cancel()
	err := c.stopper.StopSession(ctx, sessionID)
	if errors.IsCode(err, errors.CodeSessionNotFound) {
		return nil
	}
	if err != nil {
		c.logger.Warn("failed to stop session after wait timeout (continuing cleanup)",
			zap.String("session_id", sessionID),
			zap.Error(errors.CleanupFailed("stop session", err)))
		return err
	}
	return nil
}

// stopLateStarts stops sessions that appear shortly after an entry wait gave
// up, since some hosts create the session after the caller stopped waiting.
func (c *Coordinator) stopLateStarts(excluded map[string]bool) {
	if c.lateStartWindow <= 0 {
		return
	}
	unsubscribe := c.store.OnStart(func(s session.Session) {
		if excluded[s.ID] {
			return
		}
		c.logger.Info("stopping session started after entry wait timed out", zap.String("session_id", s.ID))
		go func() { _ = c.stop(s.ID) }()
	})
	time.AfterFunc(c.lateStartWindow, unsubscribe)
}
