// Package adapters spawns debug adapters and connects DAP clients to them.
//
// Adapters are looked up by the "type" of a launch.json configuration:
//   - go: Delve (dlv dap)
//   - python, debugpy: debugpy
//   - node, pwa-node: vscode-js-debug's DAP server
//
// Each adapter listens on a local TCP port. The resolved configuration is
// passed to the adapter as launch or attach arguments, with a few defaults
// filled in so the debuggee never needs a terminal.
package adapters

import (
	"context"
	"fmt"
	"net"
	"os/exec"
	"sort"
	"time"

	"go.uber.org/zap"

	dapclient "github.com/ctagard/dap-orchestrator/internal/dap"
	"github.com/ctagard/dap-orchestrator/internal/config"
	"github.com/ctagard/dap-orchestrator/internal/errors"
	"github.com/ctagard/dap-orchestrator/internal/launchconfig"
	"github.com/ctagard/dap-orchestrator/internal/logging"
	"github.com/ctagard/dap-orchestrator/pkg/types"
)

// Adapter defines the interface for language-specific debug adapters
type Adapter interface {
	// Language returns the language this adapter supports
	Language() types.Language

	// Types lists the launch.json "type" values served by this adapter
	Types() []string

	// Spawn starts a debug adapter process listening on a local address
	Spawn(cfg launchconfig.Configuration, logger *zap.Logger) (*Process, error)

	// Arguments builds the launch or attach arguments for a configuration
	Arguments(cfg launchconfig.Configuration) map[string]interface{}
}

// Process is a running adapter.
type Process struct {
	Address string
	Cmd     *exec.Cmd
}

// Pid returns the adapter's process id, or 0 if it never started.
func (p *Process) Pid() int {
	if p == nil || p.Cmd == nil || p.Cmd.Process == nil {
		return 0
	}
	return p.Cmd.Process.Pid
}

// Kill terminates the adapter together with its process group, which
// includes the debuggee for adapters that launch it as a child.
func (p *Process) Kill() error {
	if p == nil || p.Cmd == nil {
		return nil
	}
	return killProcessGroup(p.Pid(), p.Cmd)
}

// Registry holds all registered adapters
type Registry struct {
	byType map[string]Adapter
}

// NewRegistry creates a new adapter registry with all supported adapters
func NewRegistry(cfg *config.Config) *Registry {
	r := &Registry{byType: make(map[string]Adapter)}
	r.Register(NewDelveAdapter(cfg.Adapters.Go))
	r.Register(NewDebugpyAdapter(cfg.Adapters.Python))
	r.Register(NewNodeAdapter(cfg.Adapters.Node))
	return r
}

// Register adds an adapter under each of its types, overriding any existing one
func (r *Registry) Register(a Adapter) {
	for _, t := range a.Types() {
		r.byType[t] = a
	}
}

// Lookup returns the adapter serving a launch.json type
func (r *Registry) Lookup(debugType string) (Adapter, error) {
	a, ok := r.byType[debugType]
	if !ok {
		return nil, errors.AdapterNotSupported(debugType, r.SupportedTypes())
	}
	return a, nil
}

// SupportedTypes lists the registered launch.json types, sorted.
func (r *Registry) SupportedTypes() []string {
	out := make([]string, 0, len(r.byType))
	for t := range r.byType {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// connectRetryDelay is the pause between dial attempts while an adapter is
// still starting up.
const connectRetryDelay = 200 * time.Millisecond

// Connect dials the adapter until it accepts or ctx ends, and returns a
// client with its read loop running.
func Connect(ctx context.Context, address string, logger *zap.Logger) (*dapclient.Client, error) {
	logger = logging.OrNop(logger)
	var lastErr error
	for attempt := 1; ; attempt++ {
		transport, err := dapclient.NewTCPTransport(address, time.Second)
		if err == nil {
			return dapclient.NewClient(transport, logger), nil
		}
		lastErr = err
		logger.Debug("adapter not accepting connections yet",
			zap.String("address", address), zap.Int("attempt", attempt), zap.Error(err))

		select {
		case <-ctx.Done():
			return nil, errors.AdapterConnectFailed(address, lastErr)
		case <-time.After(connectRetryDelay):
		}
	}
}

// SpawnAndConnect spawns an adapter and returns a connected client. The
// adapter is killed if the connection cannot be made.
func SpawnAndConnect(ctx context.Context, a Adapter, cfg launchconfig.Configuration, logger *zap.Logger) (*dapclient.Client, *Process, error) {
	logger = logging.OrNop(logger)
	proc, err := a.Spawn(cfg, logger)
	if err != nil {
		return nil, nil, errors.AdapterSpawnFailed(string(a.Language()), err)
	}

	client, err := Connect(ctx, proc.Address, logger)
	if err != nil {
		if killErr := proc.Kill(); killErr != nil {
			logger.Warn("failed to kill adapter after connect failure", zap.Int("pid", proc.Pid()), zap.Error(killErr))
		}
		return nil, nil, err
	}
	return client, proc, nil
}

// findAvailablePort finds an available TCP port
func findAvailablePort() (int, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer listener.Close()

	addr := listener.Addr().(*net.TCPAddr)
	return addr.Port, nil
}

// startAdapter starts cmd in its own process group with stderr routed to
// the logger.
func startAdapter(cmd *exec.Cmd, name string, logger *zap.Logger) error {
	// Explicitly disconnect stdin; stdout belongs to the MCP stream.
	cmd.Stdin = nil
	cmd.Stderr = zap.NewStdLog(logger.Named(name)).Writer()
	setProcAttr(cmd)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start %s: %w", name, err)
	}
	// Reap the process so it does not linger as a zombie.
	go func() { _ = cmd.Wait() }()
	return nil
}

// withDefaults copies the configuration into an argument map and sets each
// default whose key is absent.
func withDefaults(cfg launchconfig.Configuration, defaults map[string]interface{}) map[string]interface{} {
	args := map[string]interface{}(cfg.Clone())
	for k, v := range defaults {
		if _, ok := args[k]; !ok {
			args[k] = v
		}
	}
	return args
}

// stringEnv converts a launch.json env object into KEY=VALUE pairs.
func stringEnv(cfg launchconfig.Configuration) []string {
	env, ok := cfg["env"].(map[string]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, fmt.Sprintf("%s=%v", k, v))
	}
	sort.Strings(out)
	return out
}
