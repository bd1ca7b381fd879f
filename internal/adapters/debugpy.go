package adapters

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/ctagard/dap-orchestrator/internal/config"
	"github.com/ctagard/dap-orchestrator/internal/launchconfig"
	"github.com/ctagard/dap-orchestrator/pkg/types"
)

// DebugpyAdapter implements the Adapter interface for Python/debugpy
type DebugpyAdapter struct {
	pythonPath string
}

// NewDebugpyAdapter creates a new debugpy adapter
func NewDebugpyAdapter(cfg config.DebugpyConfig) *DebugpyAdapter {
	pythonPath := cfg.PythonPath
	if pythonPath == "" {
		pythonPath = "python3"
	}

	return &DebugpyAdapter{
		pythonPath: pythonPath,
	}
}

// Language returns the language this adapter supports
func (d *DebugpyAdapter) Language() types.Language {
	return types.LanguagePython
}

// Types returns the launch.json types debugpy serves
func (d *DebugpyAdapter) Types() []string {
	return []string{"python", "debugpy"}
}

// interpreter returns the Python interpreter for a configuration. VS Code
// uses "python", older configurations "pythonPath".
func (d *DebugpyAdapter) interpreter(cfg launchconfig.Configuration) string {
	for _, key := range []string{"python", "pythonPath"} {
		if p, ok := cfg[key].(string); ok && p != "" {
			return p
		}
	}
	return d.pythonPath
}

// venvRoot returns the virtualenv containing pythonPath, or "".
func venvRoot(pythonPath string) string {
	// /path/to/venv/bin/python -> /path/to/venv
	root := filepath.Dir(filepath.Dir(pythonPath))
	if _, err := os.Stat(filepath.Join(root, "pyvenv.cfg")); err == nil {
		return root
	}
	return ""
}

// Spawn starts a debugpy debug adapter process
func (d *DebugpyAdapter) Spawn(cfg launchconfig.Configuration, logger *zap.Logger) (*Process, error) {
	port, err := findAvailablePort()
	if err != nil {
		return nil, fmt.Errorf("failed to find available port: %w", err)
	}
	address := fmt.Sprintf("127.0.0.1:%d", port)

	pythonPath := d.interpreter(cfg)
	cmd := exec.Command(pythonPath, "-m", "debugpy.adapter", "--host", "127.0.0.1", "--port", fmt.Sprint(port))
	cmd.Env = os.Environ()

	if root := venvRoot(pythonPath); root != "" {
		cmd.Env = append(cmd.Env, "VIRTUAL_ENV="+root)
		binDir := filepath.Dir(pythonPath)
		for i, env := range cmd.Env {
			if strings.HasPrefix(env, "PATH=") {
				cmd.Env[i] = "PATH=" + binDir + string(os.PathListSeparator) + env[5:]
				break
			}
		}
	}
	cmd.Env = append(cmd.Env, stringEnv(cfg)...)

	if cwd, ok := cfg["cwd"].(string); ok && cwd != "" {
		cmd.Dir = cwd
	}

	if err := startAdapter(cmd, "debugpy", logger); err != nil {
		return nil, err
	}
	return &Process{Address: address, Cmd: cmd}, nil
}

// Arguments keeps program output on the DAP output channel and names the
// interpreter the adapter was started with
func (d *DebugpyAdapter) Arguments(cfg launchconfig.Configuration) map[string]interface{} {
	if cfg.IsAttach() {
		return withDefaults(cfg, nil)
	}
	return withDefaults(cfg, map[string]interface{}{
		"console": "internalConsole",
		"python":  d.interpreter(cfg),
	})
}
