package adapters

import (
	"fmt"
	"os"
	"os/exec"

	"go.uber.org/zap"

	"github.com/ctagard/dap-orchestrator/internal/config"
	"github.com/ctagard/dap-orchestrator/internal/launchconfig"
	"github.com/ctagard/dap-orchestrator/pkg/types"
)

// DelveAdapter implements the Adapter interface for Go/Delve
type DelveAdapter struct {
	dlvPath    string
	buildFlags string
}

// NewDelveAdapter creates a new Delve adapter
func NewDelveAdapter(cfg config.DelveConfig) *DelveAdapter {
	dlvPath := cfg.Path
	if dlvPath == "" {
		dlvPath = "dlv"
	}

	return &DelveAdapter{
		dlvPath:    dlvPath,
		buildFlags: cfg.BuildFlags,
	}
}

// Language returns the language this adapter supports
func (d *DelveAdapter) Language() types.Language {
	return types.LanguageGo
}

// Types returns the launch.json types Delve serves
func (d *DelveAdapter) Types() []string {
	return []string{"go"}
}

// Spawn starts a Delve debug adapter process
func (d *DelveAdapter) Spawn(cfg launchconfig.Configuration, logger *zap.Logger) (*Process, error) {
	port, err := findAvailablePort()
	if err != nil {
		return nil, fmt.Errorf("failed to find available port: %w", err)
	}
	address := fmt.Sprintf("127.0.0.1:%d", port)

	cmd := exec.Command(d.dlvPath, "dap", "--listen", address)
	cmd.Env = append(os.Environ(), stringEnv(cfg)...)
	if cwd, ok := cfg["cwd"].(string); ok && cwd != "" {
		cmd.Dir = cwd
	}

	if err := startAdapter(cmd, "dlv", logger); err != nil {
		return nil, err
	}
	return &Process{Address: address, Cmd: cmd}, nil
}

// Arguments fills in Delve's launch mode and the configured build flags
func (d *DelveAdapter) Arguments(cfg launchconfig.Configuration) map[string]interface{} {
	defaults := map[string]interface{}{"mode": "debug"}
	if cfg.IsAttach() {
		defaults["mode"] = "local"
	}
	if d.buildFlags != "" && !cfg.IsAttach() {
		defaults["buildFlags"] = d.buildFlags
	}
	return withDefaults(cfg, defaults)
}
