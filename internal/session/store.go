// Package session implements the session registry: the set of live debug
// sessions, their parent/child links and run-states.
//
// The host reports session start and termination; the Store is the only
// writer of session state and fans each notification out synchronously to
// subscribers, so ListActive always reflects the latest notification.
package session

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ctagard/dap-orchestrator/internal/metrics"
	"github.com/ctagard/dap-orchestrator/pkg/types"
)

// Session is a snapshot of one registered debug session.
type Session struct {
	ID            string
	Name          string
	Type          string
	ParentID      string
	Workspace     string
	Configuration map[string]interface{}
	RunState      types.RunState
	StartedAt     time.Time
	LastStop      *types.StopEvent
}

// Summary converts the session for listings.
func (s Session) Summary() types.SessionSummary {
	return types.SessionSummary{
		ID:        s.ID,
		Name:      s.Name,
		Type:      s.Type,
		ParentID:  s.ParentID,
		RunState:  s.RunState,
		Workspace: s.Workspace,
		StartedAt: s.StartedAt,
		LastStop:  s.LastStop,
	}
}

// Listener receives start or terminate notifications.
type Listener func(Session)

// Store is the session registry.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	subMu       sync.Mutex
	nextSub     int
	onStart     map[int]Listener
	onTerminate map[int]Listener

	metrics *metrics.Metrics
}

// NewStore creates an empty registry.
func NewStore(m *metrics.Metrics) *Store {
	return &Store{
		sessions:    make(map[string]*Session),
		onStart:     make(map[int]Listener),
		onTerminate: make(map[int]Listener),
		metrics:     m,
	}
}

// OnStart subscribes to session starts. The returned func unsubscribes.
func (s *Store) OnStart(fn Listener) func() {
	return s.subscribe(s.onStart, fn)
}

// OnTerminate subscribes to session terminations. The returned func unsubscribes.
func (s *Store) OnTerminate(fn Listener) func() {
	return s.subscribe(s.onTerminate, fn)
}

func (s *Store) subscribe(set map[int]Listener, fn Listener) func() {
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	set[id] = fn
	s.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(set, id)
			s.subMu.Unlock()
		})
	}
}

func (s *Store) fanOut(set map[int]Listener, sess Session) {
	s.subMu.Lock()
	ids := make([]int, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	listeners := make([]Listener, 0, len(ids))
	for _, id := range ids {
		listeners = append(listeners, set[id])
	}
	s.subMu.Unlock()

	for _, fn := range listeners {
		fn(sess)
	}
}

// Start registers a session reported by the host. The id must be new.
func (s *Store) Start(sess Session) error {
	if sess.ID == "" {
		return fmt.Errorf("session id is required")
	}
	if sess.RunState == "" {
		sess.RunState = types.RunStateRunning
	}
	if sess.StartedAt.IsZero() {
		sess.StartedAt = time.Now()
	}

	s.mu.Lock()
	if _, exists := s.sessions[sess.ID]; exists {
		s.mu.Unlock()
		return fmt.Errorf("session %s already registered", sess.ID)
	}
	stored := sess
	s.sessions[sess.ID] = &stored
	count := len(s.sessions)
	s.mu.Unlock()

	s.metrics.SetActiveSessions(count)
	s.fanOut(s.onStart, sess)
	return nil
}

// Terminate evicts a session and notifies subscribers. Unknown ids are ignored.
func (s *Store) Terminate(id string) (Session, bool) {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return Session{}, false
	}
	delete(s.sessions, id)
	count := len(s.sessions)
	sess.RunState = types.RunStateTerminated
	snapshot := *sess
	s.mu.Unlock()

	s.metrics.SetActiveSessions(count)
	s.fanOut(s.onTerminate, snapshot)
	return snapshot, true
}

// Get returns a snapshot of one session.
func (s *Store) Get(id string) (Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return Session{}, false
	}
	return *sess, true
}

// IsActive reports whether the id is registered.
func (s *Store) IsActive(id string) bool {
	_, ok := s.Get(id)
	return ok
}

// FindByName returns the most recently started session with the given name.
func (s *Store) FindByName(name string) (Session, bool) {
	var found *Session
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sess := range s.sessions {
		if sess.Name == name && (found == nil || sess.StartedAt.After(found.StartedAt)) {
			found = sess
		}
	}
	if found == nil {
		return Session{}, false
	}
	return *found, true
}

// ListActive returns all registered sessions ordered by start time.
func (s *Store) ListActive() []Session {
	s.mu.RLock()
	out := make([]Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, *sess)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// ActiveIDs returns the ids of all registered sessions.
func (s *Store) ActiveIDs() []string {
	active := s.ListActive()
	ids := make([]string, len(active))
	for i, sess := range active {
		ids[i] = sess.ID
	}
	return ids
}

// Children returns the ids of sessions whose parent is id.
func (s *Store) Children(id string) []string {
	var ids []string
	for _, sess := range s.ListActive() {
		if sess.ParentID == id {
			ids = append(ids, sess.ID)
		}
	}
	return ids
}

// SetRunState updates a session's run-state. Leaving the paused state drops
// the last stop, whose references are no longer valid.
func (s *Store) SetRunState(id string, state types.RunState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return fmt.Errorf("session %s not found", id)
	}
	sess.RunState = state
	if state != types.RunStatePaused {
		sess.LastStop = nil
	}
	return nil
}

// SetParentID links a child session to its parent.
func (s *Store) SetParentID(childID, parentID string) error {
	if childID == parentID {
		return fmt.Errorf("session %s cannot be its own parent", childID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[childID]
	if !ok {
		return fmt.Errorf("session %s not found", childID)
	}
	sess.ParentID = parentID
	return nil
}

// RecordStop stores the latest stop of a session and marks it paused.
func (s *Store) RecordStop(ev types.StopEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[ev.SessionID]
	if !ok {
		return fmt.Errorf("session %s not found", ev.SessionID)
	}
	stop := ev
	sess.LastStop = &stop
	sess.RunState = types.RunStatePaused
	return nil
}

// LastStop returns the stop the session is currently paused at.
func (s *Store) LastStop(id string) (types.StopEvent, bool) {
	sess, ok := s.Get(id)
	if !ok || sess.LastStop == nil {
		return types.StopEvent{}, false
	}
	return *sess.LastStop, true
}

// Len returns the number of registered sessions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}
