package tracker

import (
	"context"
	"strings"
	"time"

	"github.com/google/go-dap"

	"github.com/ctagard/dap-orchestrator/internal/errors"
	"github.com/ctagard/dap-orchestrator/internal/inspect"
	"github.com/ctagard/dap-orchestrator/internal/metrics"
	"github.com/ctagard/dap-orchestrator/pkg/types"
)

// State is a step of stop resolution.
type State int

const (
	Retrying State = iota
	Resolved
	MinimalFallback
	Failed
)

func (s State) String() string {
	switch s {
	case Retrying:
		return "retrying"
	case Resolved:
		return "resolved"
	case MinimalFallback:
		return "minimal"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// RetryPolicy controls how often a stop is re-inspected before giving up.
type RetryPolicy struct {
	Attempts      int
	EntryAttempts int
	// Backoff is multiplied by the attempt number.
	Backoff time.Duration
	// Sleep waits between attempts; tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultRetryPolicy is 3 attempts (5 for entry stops) with 50ms linear backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts:      3,
		EntryAttempts: 5,
		Backoff:       50 * time.Millisecond,
		Sleep:         sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p RetryPolicy) attemptsFor(reason types.StopReason) int {
	n := p.Attempts
	if reason == types.StopReasonEntry {
		n = p.EntryAttempts
	}
	if n < 1 {
		n = 1
	}
	return n
}

// notPausedMarkers are error fragments adapters use while a thread that
// reported a stop is still running.
var notPausedMarkers = []string{
	"not paused",
	"not stopped",
	"is running",
	"not suspended",
	"no threads",
	"no frames",
}

// looksNotPaused reports whether err says the thread is not paused yet.
func looksNotPaused(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range notPausedMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// Resolution is the outcome of resolving one stopped event.
type Resolution struct {
	State    State
	Event    types.StopEvent
	Context  *types.DebugContext
	Attempts int
	Err      error
}

// Resolver turns a stopped event into a StopEvent.
type Resolver struct {
	inspector *inspect.Inspector
	policy    RetryPolicy
	metrics   *metrics.Metrics
}

// NewResolver creates a resolver. Zero fields of policy take their defaults.
func NewResolver(inspector *inspect.Inspector, policy RetryPolicy, m *metrics.Metrics) *Resolver {
	def := DefaultRetryPolicy()
	if policy.Attempts <= 0 {
		policy.Attempts = def.Attempts
	}
	if policy.EntryAttempts <= 0 {
		policy.EntryAttempts = def.EntryAttempts
	}
	if policy.Backoff <= 0 {
		policy.Backoff = def.Backoff
	}
	if policy.Sleep == nil {
		policy.Sleep = def.Sleep
	}
	if inspector == nil {
		inspector = inspect.New(0)
	}
	return &Resolver{inspector: inspector, policy: policy, metrics: m}
}

// baseEvent maps the stopped body without frame information.
func baseEvent(sessionID string, body dap.StoppedEventBody) types.StopEvent {
	ev := types.StopEvent{
		SessionID:        sessionID,
		ThreadID:         body.ThreadId,
		Reason:           types.StopReason(body.Reason),
		Description:      body.Description,
		HitBreakpointIDs: body.HitBreakpointIds,
	}
	if ev.Reason == types.StopReasonException {
		ev.Exception = &types.ExceptionInfo{Description: body.Description, Details: body.Text}
	}
	return ev
}

// Resolve runs the state machine to completion. It never returns Retrying.
func (r *Resolver) Resolve(ctx context.Context, ch inspect.Channel, sessionID string, body dap.StoppedEventBody) Resolution {
	res := Resolution{State: Retrying, Event: baseEvent(sessionID, body)}
	limit := r.policy.attemptsFor(res.Event.Reason)

	for res.State == Retrying {
		res.Attempts++
		dc, err := r.inspector.GetDebugContext(ctx, ch, body.ThreadId)
		switch {
		case err == nil:
			res.State = Resolved
			res.Context = dc
			res.Err = nil
			res.Event.ThreadID = dc.Thread.ID
			frame := dc.Frame
			res.Event.Frame = &frame
		case ctx.Err() != nil:
			res.State = Failed
			res.Err = err
		case res.Attempts < limit:
			res.Err = errors.ProtocolTransient("resolve stop", res.Attempts, err)
			r.metrics.ObserveRetry()
			if serr := r.policy.Sleep(ctx, r.policy.Backoff*time.Duration(res.Attempts)); serr != nil {
				res.State = Failed
			}
		case res.Event.Reason == types.StopReasonEntry && looksNotPaused(err):
			res.State = MinimalFallback
			res.Err = errors.AdapterRace(sessionID, err)
		default:
			res.State = Failed
			res.Err = err
		}
	}

	if res.State == Failed && res.Err != nil {
		res.Event.ResolveError = res.Err.Error()
	}
	r.metrics.ObserveResolution(res.State.String())
	return res
}
