// Package host runs debug sessions: it spawns adapters for launch.json
// configurations, performs the DAP handshake, owns the persistent breakpoint
// set and tears sessions down again.
//
// Every session is registered with the session store before initialize is
// sent, and a tracker is attached before the first message is exchanged, so
// no stop can be missed. Adapters that run the program in a child session
// (js-debug) announce it with startDebugging; the host connects the child
// to the same adapter and links it to its parent.
package host

import (
	"context"
	"sync"
	"time"

	"github.com/google/go-dap"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ctagard/dap-orchestrator/internal/adapters"
	"github.com/ctagard/dap-orchestrator/internal/capture"
	"github.com/ctagard/dap-orchestrator/internal/config"
	dapclient "github.com/ctagard/dap-orchestrator/internal/dap"
	"github.com/ctagard/dap-orchestrator/internal/errors"
	"github.com/ctagard/dap-orchestrator/internal/inspect"
	"github.com/ctagard/dap-orchestrator/internal/launchconfig"
	"github.com/ctagard/dap-orchestrator/internal/logging"
	"github.com/ctagard/dap-orchestrator/internal/session"
	"github.com/ctagard/dap-orchestrator/internal/tracker"
)

const (
	clientID   = "dap-orchestrator"
	clientName = "DAP Orchestrator"

	// cleanupInterval is how often stale sessions are looked for.
	cleanupInterval = time.Minute
)

// Options configures a Host.
type Options struct {
	AllowSpawn       bool
	MaxSessions      int
	SessionTimeout   time.Duration // zero disables reaping
	RequestTimeout   time.Duration
	HandshakeTimeout time.Duration
}

// OptionsFromConfig derives host options from the server configuration.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		AllowSpawn:       cfg.CanSpawn(),
		MaxSessions:      cfg.MaxSessions,
		SessionTimeout:   cfg.SessionTimeout(),
		RequestTimeout:   cfg.RequestTimeout(),
		HandshakeTimeout: cfg.EntryStopTimeout(),
	}
}

// liveSession is a connected session.
type liveSession struct {
	id       string
	parentID string
	address  string
	client   *dapclient.Client
	proc     *adapters.Process // nil for child sessions, which share the parent's adapter

	// ready is set once initial breakpoints were pushed. Guarded by
	// BreakpointStore.mu.
	ready bool
}

// Host manages the connected debug sessions.
type Host struct {
	opts     Options
	registry *adapters.Registry
	store    *session.Store
	outputs  *capture.Store
	trackers *tracker.Manager
	bps      *BreakpointStore
	logger   *zap.Logger

	mu       sync.Mutex
	sessions map[string]*liveSession

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a host and starts the stale-session reaper. The host ends a
// session whenever its tracker sees the adapter terminate it.
func New(opts Options, registry *adapters.Registry, store *session.Store, outputs *capture.Store, trackers *tracker.Manager, logger *zap.Logger) *Host {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = inspect.DefaultRequestTimeout
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &Host{
		opts:     opts,
		registry: registry,
		store:    store,
		outputs:  outputs,
		trackers: trackers,
		logger:   logging.OrNop(logger).Named("host"),
		sessions: make(map[string]*liveSession),
		ctx:      ctx,
		cancel:   cancel,
	}
	h.bps = newBreakpointStore(h)
	trackers.SetOnTerminated(h.adapterTerminated)

	if opts.SessionTimeout > 0 {
		h.wg.Add(1)
		go h.cleanupLoop()
	}
	return h
}

// Breakpoints returns the persistent breakpoint set.
func (h *Host) Breakpoints() *BreakpointStore {
	return h.bps
}

// Controller returns the protocol channel of a connected session.
func (h *Host) Controller(sessionID string) (inspect.Controller, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ls, ok := h.sessions[sessionID]
	if !ok {
		return nil, false
	}
	return ls.client, true
}

func (h *Host) topLevelCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, ls := range h.sessions {
		if ls.parentID == "" {
			n++
		}
	}
	return n
}

// Launch starts the named configuration of a workspace's launch.json and
// returns the new session's id once the adapter accepted the launch.
func (h *Host) Launch(ctx context.Context, workspaceFolder, configName string) (string, error) {
	if !h.opts.AllowSpawn {
		return "", errors.PermissionDenied("launch", "no-spawn")
	}
	if h.topLevelCount() >= h.opts.MaxSessions {
		return "", errors.SessionLimitReached(h.opts.MaxSessions)
	}

	lj, err := launchconfig.Load(workspaceFolder)
	if err != nil {
		return "", errors.ConfigInvalid(configName, err.Error()).WithCause(err)
	}
	cfg, err := lj.Find(configName)
	if err != nil {
		return "", err
	}
	resolved, err := launchconfig.Resolve(cfg, &launchconfig.ResolutionContext{WorkspaceFolder: workspaceFolder})
	if err != nil {
		return "", errors.ConfigInvalid(configName, err.Error()).WithCause(err)
	}
	adapter, err := h.registry.Lookup(resolved.Type())
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, h.opts.HandshakeTimeout)
	defer cancel()

	client, proc, err := adapters.SpawnAndConnect(ctx, adapter, resolved, h.logger)
	if err != nil {
		return "", err
	}

	ls := &liveSession{
		id:      uuid.New().String(),
		address: proc.Address,
		client:  client,
		proc:    proc,
	}
	sess := session.Session{
		Name:          resolved.Name(),
		Type:          resolved.Type(),
		Workspace:     workspaceFolder,
		Configuration: resolved,
	}
	if err := h.start(ctx, ls, sess, resolved.Request(), adapter.Arguments(resolved)); err != nil {
		return "", errors.DAPLaunchFailed(configName, err)
	}

	h.logger.Info("session started",
		zap.String("session_id", ls.id),
		zap.String("name", sess.Name),
		zap.String("type", sess.Type),
		zap.Int("adapter_pid", proc.Pid()))
	return ls.id, nil
}

// start registers a connected session, attaches its tracker and runs the
// handshake. On failure the session is torn down again.
func (h *Host) start(ctx context.Context, ls *liveSession, sess session.Session, request string, args map[string]interface{}) error {
	h.mu.Lock()
	h.sessions[ls.id] = ls
	h.mu.Unlock()

	sess.ID = ls.id
	sess.ParentID = ls.parentID
	if err := h.store.Start(sess); err != nil {
		h.abort(ls)
		return err
	}

	observer, err := h.trackers.Attach(ls.id, ls.client)
	if err != nil {
		h.abort(ls)
		return err
	}
	ls.client.SetObserver(observer)
	ls.client.SetStartDebuggingHandler(func(args dap.StartDebuggingRequestArguments) {
		h.startChild(ls, sess, args)
	})
	go h.watch(ls)

	if err := h.handshake(ctx, ls, request, args); err != nil {
		h.abort(ls)
		return err
	}
	return nil
}

// handshake runs initialize, launch/attach, initial breakpoints and
// configurationDone. The launch response may arrive before or after the
// initialized event depending on the adapter.
func (h *Host) handshake(ctx context.Context, ls *liveSession, request string, args map[string]interface{}) error {
	if _, err := ls.client.Initialize(ctx, clientID, clientName); err != nil {
		return errors.DAPInitFailed(err)
	}

	var pending *dapclient.PendingResponse
	var err error
	if request == "attach" {
		pending, err = ls.client.AttachAsync(args)
	} else {
		pending, err = ls.client.LaunchAsync(args)
	}
	if err != nil {
		return err
	}

	launched := make(chan error, 1)
	go func() { launched <- pending.Wait(ctx) }()

	initCtx, cancelInit := context.WithCancel(ctx)
	defer cancelInit()
	initialized := make(chan error, 1)
	go func() { initialized <- ls.client.WaitInitialized(initCtx) }()

	launchDone := false
	select {
	case err := <-initialized:
		if err != nil {
			return err
		}
	case err := <-launched:
		launchDone = true
		if err != nil {
			return err
		}
		if err := <-initialized; err != nil {
			return err
		}
	}

	if err := h.bps.configure(ctx, ls); err != nil {
		return err
	}
	if err := ls.client.ConfigurationDone(ctx); err != nil {
		return err
	}
	if !launchDone {
		return <-launched
	}
	return nil
}

// startChild connects a child session announced by startDebugging.
func (h *Host) startChild(parent *liveSession, parentSess session.Session, args dap.StartDebuggingRequestArguments) {
	ctx, cancel := context.WithTimeout(h.ctx, h.opts.HandshakeTimeout)
	defer cancel()

	logger := h.logger.With(zap.String("parent_session_id", parent.id))
	client, err := adapters.Connect(ctx, parent.address, h.logger)
	if err != nil {
		logger.Warn("failed to connect child session", zap.Error(err))
		return
	}

	child := &liveSession{
		id:       uuid.New().String(),
		parentID: parent.id,
		address:  parent.address,
		client:   client,
	}
	cfg := launchconfig.Configuration(args.Configuration)
	name := cfg.Name()
	if name == "" {
		name = parentSess.Name
	}
	request := args.Request
	if request == "" {
		request = "launch"
	}

	sess := session.Session{
		Name:          name,
		Type:          parentSess.Type,
		Workspace:     parentSess.Workspace,
		Configuration: args.Configuration,
	}
	if err := h.start(ctx, child, sess, request, args.Configuration); err != nil {
		logger.Warn("child session failed to start", zap.String("session_id", child.id), zap.Error(err))
		return
	}
	logger.Info("child session started", zap.String("session_id", child.id), zap.String("name", name))
}

// watch ends the session when its connection drops.
func (h *Host) watch(ls *liveSession) {
	<-ls.client.Done()
	h.adapterTerminated(ls.id)
}

// adapterTerminated ends a session the adapter reported as gone. It is
// called from the client's read loop and so must not block on it.
func (h *Host) adapterTerminated(sessionID string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*h.opts.RequestTimeout)
		defer cancel()
		if err := h.StopSession(ctx, sessionID); err != nil && !errors.IsCode(err, errors.CodeSessionNotFound) {
			h.logger.Warn("cleanup after adapter termination failed", zap.String("session_id", sessionID), zap.Error(err))
		}
	}()
}

// abort tears down a session whose start failed.
func (h *Host) abort(ls *liveSession) {
	ctx, cancel := context.WithTimeout(context.Background(), h.opts.RequestTimeout)
	defer cancel()
	if err := h.StopSession(ctx, ls.id); err != nil && !errors.IsCode(err, errors.CodeSessionNotFound) {
		h.logger.Warn("cleanup after failed start", zap.String("session_id", ls.id), zap.Error(err))
	}
}

func (h *Host) childrenOf(id string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var ids []string
	for _, ls := range h.sessions {
		if ls.parentID == id {
			ids = append(ids, ls.id)
		}
	}
	return ids
}

// StopSession disconnects a session, terminating the debuggee, and releases
// its connection and adapter process. Child sessions are stopped first.
// Stopping an already stopped session returns SESSION_NOT_FOUND.
func (h *Host) StopSession(ctx context.Context, sessionID string) error {
	h.mu.Lock()
	ls, ok := h.sessions[sessionID]
	delete(h.sessions, sessionID)
	h.mu.Unlock()
	if !ok {
		// registered but never connected
		if _, found := h.store.Terminate(sessionID); found {
			h.outputs.MarkTerminated(sessionID)
			return nil
		}
		return errors.SessionNotFound(sessionID)
	}

	for _, child := range h.childrenOf(sessionID) {
		if err := h.StopSession(ctx, child); err != nil && !errors.IsCode(err, errors.CodeSessionNotFound) {
			h.logger.Warn("failed to stop child session (continuing cleanup)",
				zap.String("session_id", child), zap.Error(err))
		}
	}

	logger := h.logger.With(zap.String("session_id", sessionID))

	dctx, cancel := context.WithTimeout(ctx, h.opts.RequestTimeout)
	if err := ls.client.Disconnect(dctx, true); err != nil {
		logger.Debug("failed to disconnect session (continuing cleanup)", zap.Error(err))
	}
	cancel()

	h.store.Terminate(sessionID)

	if err := ls.client.Close(); err != nil {
		logger.Debug("failed to close client (continuing cleanup)", zap.Error(err))
	}

	var cleanupErr error
	if err := ls.proc.Kill(); err != nil {
		logger.Warn("failed to kill adapter process group", zap.Int("pid", ls.proc.Pid()), zap.Error(err))
		cleanupErr = errors.CleanupFailed("kill adapter", err)
	}

	h.outputs.MarkTerminated(sessionID)
	logger.Info("session stopped")
	return cleanupErr
}

// cleanupLoop periodically stops sessions older than the session timeout.
func (h *Host) cleanupLoop() {
	defer h.wg.Done()
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.ctx.Done():
			return
		case <-ticker.C:
			h.reapExpired(time.Now())
		}
	}
}

// reapExpired stops top-level sessions started before now minus the
// session timeout.
func (h *Host) reapExpired(now time.Time) {
	for _, sess := range h.store.ListActive() {
		if sess.ParentID != "" || now.Sub(sess.StartedAt) <= h.opts.SessionTimeout {
			continue
		}
		h.logger.Info("stopping expired session", zap.String("session_id", sess.ID), zap.Duration("age", now.Sub(sess.StartedAt)))
		ctx, cancel := context.WithTimeout(h.ctx, 2*h.opts.RequestTimeout)
		if err := h.StopSession(ctx, sess.ID); err != nil && !errors.IsCode(err, errors.CodeSessionNotFound) {
			h.logger.Warn("failed to stop expired session", zap.String("session_id", sess.ID), zap.Error(err))
		}
		cancel()
	}
}

// Close stops the reaper and every session.
func (h *Host) Close() {
	h.cancel()
	h.wg.Wait()

	h.mu.Lock()
	var ids []string
	for id, ls := range h.sessions {
		if ls.parentID == "" {
			ids = append(ids, id)
		}
	}
	h.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*h.opts.RequestTimeout)
	defer cancel()
	for _, id := range ids {
		if err := h.StopSession(ctx, id); err != nil && !errors.IsCode(err, errors.CodeSessionNotFound) {
			h.logger.Warn("failed to stop session on shutdown", zap.String("session_id", id), zap.Error(err))
		}
	}
}
