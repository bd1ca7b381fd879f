// Package tracker observes the protocol traffic of each debug session and
// turns it into session state and published stop events.
//
// Exactly one tracker is attached per session. A tracker discards repeated
// deliveries of the same message, keeps the session's run-state and output
// buffers current, caches the adapter capabilities, and resolves stopped
// events into StopEvents on a per-session worker so that stops are handled
// in delivery order without blocking the client's read loop.
package tracker

import (
	"context"
	"sync"
	"time"

	"github.com/google/go-dap"
	"go.uber.org/zap"

	"github.com/ctagard/dap-orchestrator/internal/capture"
	dapclient "github.com/ctagard/dap-orchestrator/internal/dap"
	"github.com/ctagard/dap-orchestrator/internal/errors"
	"github.com/ctagard/dap-orchestrator/internal/inspect"
	"github.com/ctagard/dap-orchestrator/internal/logging"
	"github.com/ctagard/dap-orchestrator/internal/metrics"
	"github.com/ctagard/dap-orchestrator/internal/session"
	"github.com/ctagard/dap-orchestrator/pkg/types"
)

// Publisher receives resolved stops. Publish reports whether a waiter took
// the event.
type Publisher interface {
	Publish(ev types.StopEvent) bool
}

// Options configures a Manager.
type Options struct {
	Retry               RetryPolicy
	FingerprintCapacity int
	// OnTerminated is called, from the read loop, when the adapter sends a
	// terminated event. The host uses it to end the session.
	OnTerminated func(sessionID string)
}

// Manager owns the trackers of all sessions.
type Manager struct {
	store     *session.Store
	outputs   *capture.Store
	publisher Publisher
	resolver  *Resolver
	logger    *zap.Logger
	metrics   *metrics.Metrics

	fingerprintCapacity int
	onTerminated        func(string)

	mu       sync.Mutex
	trackers map[string]*tracker

	unsubscribe func()
}

// NewManager creates a manager. Trackers are detached automatically when the
// store reports a session terminated.
func NewManager(store *session.Store, outputs *capture.Store, publisher Publisher, inspector *inspect.Inspector, opts Options, logger *zap.Logger, m *metrics.Metrics) *Manager {
	mgr := &Manager{
		store:               store,
		outputs:             outputs,
		publisher:           publisher,
		resolver:            NewResolver(inspector, opts.Retry, m),
		logger:              logging.OrNop(logger),
		metrics:             m,
		fingerprintCapacity: opts.FingerprintCapacity,
		onTerminated:        opts.OnTerminated,
		trackers:            make(map[string]*tracker),
	}
	mgr.unsubscribe = store.OnTerminate(func(s session.Session) {
		mgr.Detach(s.ID)
	})
	return mgr
}

// SetOnTerminated replaces the terminated-event callback.
func (m *Manager) SetOnTerminated(fn func(sessionID string)) {
	m.mu.Lock()
	m.onTerminated = fn
	m.mu.Unlock()
}

// Attach creates the tracker of a session and returns the observer to
// install on its client. ch is used to resolve stops.
func (m *Manager) Attach(sessionID string, ch inspect.Channel) (dapclient.Observer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.trackers[sessionID]; exists {
		return nil, errors.TrackerExists(sessionID)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &tracker{
		sessionID: sessionID,
		mgr:       m,
		channel:   ch,
		seen:      newFingerprintCache(m.fingerprintCapacity),
		wake:      make(chan struct{}, 1),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	m.trackers[sessionID] = t
	go t.run()

	m.logger.Debug("tracker attached", zap.String("session_id", sessionID))
	return t.observe, nil
}

// Detach stops the tracker of a session and drops its dedupe cache. It waits
// for an in-flight stop resolution to give up.
func (m *Manager) Detach(sessionID string) {
	m.mu.Lock()
	t, ok := m.trackers[sessionID]
	delete(m.trackers, sessionID)
	m.mu.Unlock()
	if !ok {
		return
	}
	t.cancel()
	<-t.done
	m.logger.Debug("tracker detached", zap.String("session_id", sessionID))
}

// Attached reports whether a session has a tracker.
func (m *Manager) Attached(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.trackers[sessionID]
	return ok
}

// Capabilities returns the capabilities the adapter reported in its
// initialize response.
func (m *Manager) Capabilities(sessionID string) (dap.Capabilities, bool) {
	m.mu.Lock()
	t, ok := m.trackers[sessionID]
	m.mu.Unlock()
	if !ok {
		return dap.Capabilities{}, false
	}
	return t.capabilities()
}

// Close detaches every tracker and stops listening to the store.
func (m *Manager) Close() {
	m.unsubscribe()
	m.mu.Lock()
	ids := make([]string, 0, len(m.trackers))
	for id := range m.trackers {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.Detach(id)
	}
}

func (m *Manager) terminatedCallback() func(string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.onTerminated
}

type queuedStop struct {
	body dap.StoppedEventBody
	// generation is the resume count when the stop arrived.
	generation int
}

type tracker struct {
	sessionID string
	mgr       *Manager
	channel   inspect.Channel

	mu         sync.Mutex
	seen       *fingerprintCache
	caps       *dap.Capabilities
	queue      []queuedStop
	generation int

	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// observe is the dapclient.Observer of the session.
func (t *tracker) observe(dir dapclient.Direction, msg dap.Message) {
	t.mu.Lock()
	fresh := t.seen.add(fingerprint(dir, msg), time.Now())
	t.mu.Unlock()
	if !fresh {
		t.mgr.metrics.ObserveDuplicate()
		return
	}
	typ, _ := messageKind(msg)
	t.mgr.metrics.ObserveMessage(string(dir), typ)

	if dir != dapclient.Inbound {
		return
	}
	t.classify(msg)
}

func (t *tracker) classify(msg dap.Message) {
	mgr := t.mgr
	switch m := msg.(type) {
	case *dap.InitializeResponse:
		if m.Success {
			caps := m.Body
			t.mu.Lock()
			t.caps = &caps
			t.mu.Unlock()
		}

	case *dap.OutputEvent:
		if m.Body.Category == "telemetry" {
			return
		}
		mgr.outputs.AppendOutput(t.sessionID, m.Body.Category, m.Body.Output)

	case *dap.ContinuedEvent:
		t.resumed()

	case *dap.ContinueResponse:
		if m.Success {
			t.resumed()
		}

	case *dap.ExitedEvent:
		mgr.outputs.SetExitCode(t.sessionID, m.Body.ExitCode)
		t.setRunState(types.RunStateTerminated)

	case *dap.TerminatedEvent:
		t.setRunState(types.RunStateTerminated)
		if fn := mgr.terminatedCallback(); fn != nil {
			fn(t.sessionID)
		}

	case *dap.StoppedEvent:
		if !types.StopReason(m.Body.Reason).Resolvable() {
			mgr.logger.Debug("ignoring stop",
				zap.String("session_id", t.sessionID),
				zap.String("reason", m.Body.Reason))
			return
		}
		t.mu.Lock()
		t.queue = append(t.queue, queuedStop{body: m.Body, generation: t.generation})
		t.mu.Unlock()
		select {
		case t.wake <- struct{}{}:
		default:
		}
	}
}

func (t *tracker) resumed() {
	t.mu.Lock()
	t.generation++
	t.mu.Unlock()
	t.setRunState(types.RunStateRunning)
}

func (t *tracker) setRunState(state types.RunState) {
	if err := t.mgr.store.SetRunState(t.sessionID, state); err != nil {
		t.mgr.logger.Debug("run-state update for unknown session",
			zap.String("session_id", t.sessionID),
			zap.String("state", string(state)))
	}
}

func (t *tracker) capabilities() (dap.Capabilities, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.caps == nil {
		return dap.Capabilities{}, false
	}
	return *t.caps, true
}

func (t *tracker) next() (queuedStop, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.queue) == 0 {
		return queuedStop{}, false
	}
	q := t.queue[0]
	t.queue = t.queue[1:]
	return q, true
}

func (t *tracker) run() {
	defer close(t.done)
	for {
		select {
		case <-t.ctx.Done():
			return
		case <-t.wake:
		}
		for {
			q, ok := t.next()
			if !ok {
				break
			}
			t.resolve(q)
			if t.ctx.Err() != nil {
				return
			}
		}
	}
}

// resolve inspects one stop and publishes the result. A stop that was
// overtaken by a resume while it was being resolved is dropped.
func (t *tracker) resolve(q queuedStop) {
	mgr := t.mgr
	res := mgr.resolver.Resolve(t.ctx, t.channel, t.sessionID, q.body)
	if t.ctx.Err() != nil {
		return
	}

	t.mu.Lock()
	stale := t.generation != q.generation
	t.mu.Unlock()
	if stale {
		mgr.logger.Debug("dropping stop overtaken by resume",
			zap.String("session_id", t.sessionID),
			zap.String("reason", q.body.Reason))
		return
	}

	fields := []zap.Field{
		zap.String("session_id", t.sessionID),
		zap.String("reason", q.body.Reason),
		zap.Stringer("outcome", res.State),
		zap.Int("attempts", res.Attempts),
	}
	switch res.State {
	case Resolved:
		mgr.logger.Debug("stop resolved", fields...)
	case MinimalFallback:
		mgr.logger.Info("publishing minimal stop", append(fields, zap.Error(res.Err))...)
	default:
		mgr.logger.Warn("stop resolution failed", append(fields, zap.Error(res.Err))...)
	}

	if err := mgr.store.RecordStop(res.Event); err != nil {
		mgr.logger.Debug("stop for unknown session", zap.String("session_id", t.sessionID))
	}
	if !mgr.publisher.Publish(res.Event) {
		mgr.logger.Debug("no waiter for stop", fields...)
	}
}
