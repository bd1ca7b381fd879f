// Package breakpoints installs the breakpoints of one orchestrated operation
// and guarantees the caller's own breakpoints are put back afterwards.
//
// The host's persistent breakpoint set is a single shared resource. All
// changes to it go through Isolate, Install and Isolation.Restore, and only
// one orchestrated operation per workspace may hold an Isolation at a time.
package breakpoints

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ctagard/dap-orchestrator/internal/errors"
	"github.com/ctagard/dap-orchestrator/internal/logging"
	"github.com/ctagard/dap-orchestrator/internal/metrics"
	"github.com/ctagard/dap-orchestrator/pkg/types"
)

// DefaultSettle is the pause after installing, while the host pushes the new
// breakpoints to the adapters.
const DefaultSettle = 500 * time.Millisecond

// Store is the host's persistent breakpoint storage.
type Store interface {
	Breakpoints() []types.SourceBreakpoint
	Add(ctx context.Context, bps ...types.SourceBreakpoint) error
	Remove(ctx context.Context, bps ...types.SourceBreakpoint) error
}

// Documents gives access to source files.
type Documents interface {
	Lines(path string) ([]string, error)
}

// Diagnostic explains what happened to one definition. Skipped definitions
// were not installed; the others carry an informational note.
type Diagnostic struct {
	Index   int    `json:"index"`
	Path    string `json:"path"`
	Line    int    `json:"line,omitempty"`
	Snippet string `json:"snippet,omitempty"`
	Skipped bool   `json:"skipped"`
	Reason  string `json:"reason"`
}

// Installed pairs a definition with the breakpoint placed for it.
type Installed struct {
	Index      int                        `json:"index"`
	Definition types.BreakpointDefinition `json:"definition"`
	Breakpoint types.SourceBreakpoint     `json:"breakpoint"`
}

// InstallReport is the outcome of Install.
type InstallReport struct {
	Installed   []Installed  `json:"installed"`
	Diagnostics []Diagnostic `json:"diagnostics,omitempty"`
}

// Options tunes a Manager.
type Options struct {
	Settle time.Duration
	// Sleep waits for the settle period; tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Manager installs and restores breakpoints.
type Manager struct {
	store   Store
	docs    Documents
	settle  time.Duration
	sleep   func(ctx context.Context, d time.Duration) error
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewManager creates a manager. A zero Settle uses DefaultSettle; a negative
// one disables the pause.
func NewManager(store Store, docs Documents, opts Options, logger *zap.Logger, m *metrics.Metrics) *Manager {
	if opts.Settle == 0 {
		opts.Settle = DefaultSettle
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepContext
	}
	return &Manager{
		store:   store,
		docs:    docs,
		settle:  opts.Settle,
		sleep:   opts.Sleep,
		logger:  logging.OrNop(logger),
		metrics: m,
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

// Isolation holds the breakpoints that existed before an operation.
type Isolation struct {
	mgr      *Manager
	snapshot []types.SourceBreakpoint

	mu       sync.Mutex
	restored bool
}

// Isolate snapshots the current breakpoint set and removes it.
func (m *Manager) Isolate(ctx context.Context) (*Isolation, error) {
	snapshot := m.store.Breakpoints()
	iso := &Isolation{mgr: m, snapshot: snapshot}
	if len(snapshot) == 0 {
		return iso, nil
	}
	if err := m.store.Remove(ctx, snapshot...); err != nil {
		// put back whatever was removed before the failure
		if rerr := iso.Restore(ctx); rerr != nil {
			m.logger.Warn("failed to restore breakpoints after isolate error (continuing cleanup)", zap.Error(rerr))
		}
		return nil, fmt.Errorf("remove existing breakpoints: %w", err)
	}
	m.logger.Debug("isolated breakpoints", zap.Int("count", len(snapshot)))
	return iso, nil
}

// Snapshot returns the breakpoints that will be restored.
func (i *Isolation) Snapshot() []types.SourceBreakpoint {
	return append([]types.SourceBreakpoint(nil), i.snapshot...)
}

// Restore removes every currently installed breakpoint and re-adds the
// snapshot. Calls after a successful restore do nothing.
func (i *Isolation) Restore(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.restored {
		return nil
	}
	store := i.mgr.store
	if current := store.Breakpoints(); len(current) > 0 {
		if err := store.Remove(ctx, current...); err != nil {
			return fmt.Errorf("remove installed breakpoints: %w", err)
		}
	}
	if len(i.snapshot) > 0 {
		if err := store.Add(ctx, i.snapshot...); err != nil {
			return fmt.Errorf("re-add previous breakpoints: %w", err)
		}
	}
	i.restored = true
	return nil
}

// ResolvePath joins relative paths to the workspace root.
func ResolvePath(path, workspaceRoot string) string {
	if filepath.IsAbs(path) || workspaceRoot == "" {
		return filepath.Clean(path)
	}
	return filepath.Join(workspaceRoot, path)
}

// findSnippet returns the 1-based line of the first line containing snippet
// and how many lines contain it.
func findSnippet(lines []string, snippet string) (line, matches int) {
	for i, text := range lines {
		if strings.Contains(text, snippet) {
			if matches == 0 {
				line = i + 1
			}
			matches++
		}
	}
	return line, matches
}

// Install places every valid definition as one batch and then waits for the
// settle period. Definitions that cannot be placed are reported in the
// diagnostics and skipped. An error is returned only when nothing could be
// installed or the host rejected the batch.
func (m *Manager) Install(ctx context.Context, defs []types.BreakpointDefinition, workspaceRoot string) (*InstallReport, error) {
	report := &InstallReport{}
	docs := make(map[string][]string)
	docErrs := make(map[string]error)
	seen := make(map[string]bool)

	skip := func(d Diagnostic, reason, metricReason string) {
		d.Skipped = true
		d.Reason = reason
		report.Diagnostics = append(report.Diagnostics, d)
		m.metrics.ObserveSkippedBreakpoint(metricReason)
		m.logger.Info("skipping breakpoint",
			zap.String("path", d.Path),
			zap.Int("line", d.Line),
			zap.String("reason", reason))
	}

	var batch []types.SourceBreakpoint
	for i, def := range defs {
		path := ResolvePath(def.Path, workspaceRoot)
		diag := Diagnostic{Index: i, Path: path, Line: def.Line, Snippet: def.Snippet}

		lines, ok := docs[path]
		if !ok {
			if err, failed := docErrs[path]; failed {
				skip(diag, fmt.Sprintf("cannot read file: %v", err), "unreadable")
				continue
			}
			var err error
			lines, err = m.docs.Lines(path)
			if err != nil {
				docErrs[path] = err
				skip(diag, fmt.Sprintf("cannot read file: %v", err), "unreadable")
				continue
			}
			docs[path] = lines
		}

		line := def.Line
		if def.Snippet != "" {
			found, matches := findSnippet(lines, def.Snippet)
			if matches == 0 {
				skip(diag, fmt.Sprintf("snippet %q not found", def.Snippet), "snippet_not_found")
				continue
			}
			line = found
			diag.Line = found
			if matches > 1 {
				report.Diagnostics = append(report.Diagnostics, Diagnostic{
					Index:   i,
					Path:    path,
					Line:    found,
					Snippet: def.Snippet,
					Reason:  fmt.Sprintf("snippet matches %d lines; using the first (line %d)", matches, found),
				})
			}
		}

		if line < 1 || line > len(lines) {
			skip(diag, fmt.Sprintf("line %d is outside the file (1-%d)", line, len(lines)), "out_of_range")
			continue
		}

		bp := types.SourceBreakpoint{
			Path:       path,
			Line:       line,
			Condition:  def.Condition,
			LogMessage: def.LogMessage,
		}
		if def.HitCount > 0 {
			bp.HitCondition = strconv.Itoa(def.HitCount)
		}
		if seen[bp.Key()] {
			skip(diag, fmt.Sprintf("duplicate breakpoint at %s", bp.Key()), "duplicate")
			continue
		}
		seen[bp.Key()] = true

		batch = append(batch, bp)
		report.Installed = append(report.Installed, Installed{Index: i, Definition: def, Breakpoint: bp})
	}

	if len(batch) == 0 {
		return report, errors.NoValidBreakpoints(len(defs)).WithDetails("diagnostics", report.Diagnostics)
	}
	if err := m.store.Add(ctx, batch...); err != nil {
		return report, fmt.Errorf("install breakpoints: %w", err)
	}
	m.logger.Debug("installed breakpoints", zap.Int("count", len(batch)))

	if m.settle > 0 {
		if err := m.sleep(ctx, m.settle); err != nil {
			return report, err
		}
	}
	return report, nil
}
