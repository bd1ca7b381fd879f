// Package capture keeps bounded per-session output and the exit code so that
// failed waits can report what the debuggee printed.
package capture

import (
	"sync"
	"time"

	"github.com/ctagard/dap-orchestrator/pkg/types"
)

// retainedTerminated is how many terminated sessions keep their buffers.
const retainedTerminated = 16

// Ring is a fixed-capacity buffer of output lines; the oldest line is
// dropped when full.
type Ring struct {
	lines    []types.OutputLine
	start    int
	size     int
	maxChars int
}

// NewRing creates a ring holding up to capacity lines of at most maxChars
// characters each.
func NewRing(capacity, maxChars int) *Ring {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring{lines: make([]types.OutputLine, capacity), maxChars: maxChars}
}

// Append adds a line.
func (r *Ring) Append(line types.OutputLine) {
	if r.maxChars > 0 {
		if runes := []rune(line.Text); len(runes) > r.maxChars {
			line.Text = string(runes[:r.maxChars]) + "…"
		}
	}
	idx := (r.start + r.size) % len(r.lines)
	r.lines[idx] = line
	if r.size < len(r.lines) {
		r.size++
	} else {
		r.start = (r.start + 1) % len(r.lines)
	}
}

// Lines returns the buffered lines oldest first.
func (r *Ring) Lines() []types.OutputLine {
	out := make([]types.OutputLine, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.lines[(r.start+i)%len(r.lines)]
	}
	return out
}

type buffer struct {
	output   *Ring
	exitCode *int
}

// Store holds the buffers of every session.
type Store struct {
	mu         sync.Mutex
	buffers    map[string]*buffer
	terminated []string
	capacity   int
	maxChars   int
	now        func() time.Time
}

// NewStore creates a store with the given per-session limits.
func NewStore(maxLines, maxChars int) *Store {
	return &Store{
		buffers:  make(map[string]*buffer),
		capacity: maxLines,
		maxChars: maxChars,
		now:      time.Now,
	}
}

func (s *Store) bufferLocked(id string) *buffer {
	b, ok := s.buffers[id]
	if !ok {
		b = &buffer{output: NewRing(s.capacity, s.maxChars)}
		s.buffers[id] = b
	}
	return b
}

// AppendOutput records one output event.
func (s *Store) AppendOutput(sessionID, category, text string) {
	if category == "" {
		category = "console"
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bufferLocked(sessionID).output.Append(types.OutputLine{
		Category:  category,
		Text:      text,
		Timestamp: s.now(),
	})
}

// SetExitCode records the debuggee's exit code.
func (s *Store) SetExitCode(sessionID string, code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := code
	s.bufferLocked(sessionID).exitCode = &c
}

// Output returns the buffered lines of a session, oldest first.
func (s *Store) Output(sessionID string) []types.OutputLine {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.buffers[sessionID]
	if !ok {
		return nil
	}
	return b.output.Lines()
}

// ExitCode returns the recorded exit code, if any.
func (s *Store) ExitCode(sessionID string) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.buffers[sessionID]
	if !ok || b.exitCode == nil {
		return 0, false
	}
	return *b.exitCode, true
}

// ExitCodePtr is ExitCode as an optional value for reports.
func (s *Store) ExitCodePtr(sessionID string) *int {
	if code, ok := s.ExitCode(sessionID); ok {
		return &code
	}
	return nil
}

// MarkTerminated keeps the session's buffers readable after termination;
// only the most recently terminated sessions are retained.
func (s *Store) MarkTerminated(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.buffers[sessionID]; !ok {
		return
	}
	for _, id := range s.terminated {
		if id == sessionID {
			return
		}
	}
	s.terminated = append(s.terminated, sessionID)
	for len(s.terminated) > retainedTerminated {
		delete(s.buffers, s.terminated[0])
		s.terminated = s.terminated[1:]
	}
}

// Evict drops a session's buffers.
func (s *Store) Evict(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.buffers, sessionID)
	for i, id := range s.terminated {
		if id == sessionID {
			s.terminated = append(s.terminated[:i], s.terminated[i+1:]...)
			break
		}
	}
}
