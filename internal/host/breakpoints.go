package host

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/go-dap"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ctagard/dap-orchestrator/pkg/types"
)

// maxParallelPushes bounds concurrent setBreakpoints fan-out.
const maxParallelPushes = 8

// BreakpointStore is the host's persistent breakpoint set. Every change is
// pushed to all configured sessions; a new session receives the whole set
// before configurationDone.
type BreakpointStore struct {
	host *Host

	mu  sync.Mutex
	bps []types.SourceBreakpoint
}

func newBreakpointStore(h *Host) *BreakpointStore {
	return &BreakpointStore{host: h}
}

// Breakpoints returns the set in insertion order.
func (s *BreakpointStore) Breakpoints() []types.SourceBreakpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.SourceBreakpoint(nil), s.bps...)
}

// Add appends breakpoints and pushes their files to live sessions.
func (s *BreakpointStore) Add(ctx context.Context, bps ...types.SourceBreakpoint) error {
	if len(bps) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bps = append(s.bps, bps...)
	return s.syncLocked(ctx, filesOf(bps))
}

// Remove deletes one stored entry per given breakpoint and pushes the
// affected files.
func (s *BreakpointStore) Remove(ctx context.Context, bps ...types.SourceBreakpoint) error {
	if len(bps) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, bp := range bps {
		for i, have := range s.bps {
			if have == bp {
				s.bps = append(s.bps[:i], s.bps[i+1:]...)
				break
			}
		}
	}
	return s.syncLocked(ctx, filesOf(bps))
}

func filesOf(bps []types.SourceBreakpoint) []string {
	seen := make(map[string]bool)
	var files []string
	for _, bp := range bps {
		if !seen[bp.Path] {
			seen[bp.Path] = true
			files = append(files, bp.Path)
		}
	}
	sort.Strings(files)
	return files
}

// requestsLocked builds the setBreakpoints payload of each file.
func (s *BreakpointStore) requestsLocked(files []string) map[string][]dap.SourceBreakpoint {
	out := make(map[string][]dap.SourceBreakpoint, len(files))
	for _, f := range files {
		out[f] = []dap.SourceBreakpoint{}
	}
	for _, bp := range s.bps {
		if list, ok := out[bp.Path]; ok {
			out[bp.Path] = append(list, dap.SourceBreakpoint{
				Line:         bp.Line,
				Condition:    bp.Condition,
				HitCondition: bp.HitCondition,
				LogMessage:   bp.LogMessage,
			})
		}
	}
	return out
}

// syncLocked pushes files to every configured session. A session that
// rejects the update is logged and skipped; only cancellation is an error.
func (s *BreakpointStore) syncLocked(ctx context.Context, files []string) error {
	requests := s.requestsLocked(files)

	var g errgroup.Group
	g.SetLimit(maxParallelPushes)
	for _, ls := range s.host.readySessions() {
		g.Go(func() error {
			if err := push(ctx, ls, requests); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				s.host.logger.Warn("failed to update breakpoints",
					zap.String("session_id", ls.id), zap.Error(err))
			}
			return nil
		})
	}
	return g.Wait()
}

// configure sends the whole set to a session during its handshake and
// marks it ready for later updates.
func (s *BreakpointStore) configure(ctx context.Context, ls *liveSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := push(ctx, ls, s.requestsLocked(filesOf(s.bps))); err != nil {
		return err
	}
	ls.ready = true
	return nil
}

func push(ctx context.Context, ls *liveSession, requests map[string][]dap.SourceBreakpoint) error {
	files := make([]string, 0, len(requests))
	for f := range requests {
		files = append(files, f)
	}
	sort.Strings(files)

	for _, f := range files {
		if _, err := ls.client.SetBreakpoints(ctx, f, requests[f]); err != nil {
			return fmt.Errorf("setBreakpoints %s: %w", f, err)
		}
	}
	return nil
}

// readySessions returns sessions past their initial breakpoint push. The
// caller holds BreakpointStore.mu.
func (h *Host) readySessions() []*liveSession {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*liveSession, 0, len(h.sessions))
	for _, ls := range h.sessions {
		if ls.ready {
			out = append(out, ls)
		}
	}
	return out
}
