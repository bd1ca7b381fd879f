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

// NodeAdapter implements the Adapter interface for JavaScript/TypeScript via
// vscode-js-debug. js-debug runs the program in a child session announced
// with a startDebugging reverse request.
type NodeAdapter struct {
	nodePath    string
	jsDebugPath string
}

// NewNodeAdapter creates a new Node.js adapter
func NewNodeAdapter(cfg config.NodeConfig) *NodeAdapter {
	nodePath := cfg.NodePath
	if nodePath == "" {
		nodePath = "node"
	}

	return &NodeAdapter{
		nodePath:    nodePath,
		jsDebugPath: cfg.JsDebugPath,
	}
}

// Language returns the language this adapter supports
func (n *NodeAdapter) Language() types.Language {
	return types.LanguageJavaScript
}

// Types returns the launch.json types js-debug serves
func (n *NodeAdapter) Types() []string {
	return []string{"node", "pwa-node"}
}

// Spawn starts the vscode-js-debug DAP server
func (n *NodeAdapter) Spawn(cfg launchconfig.Configuration, logger *zap.Logger) (*Process, error) {
	if n.jsDebugPath == "" {
		return nil, fmt.Errorf("jsDebugPath not configured: vscode-js-debug is required for JavaScript/TypeScript debugging. " +
			"Install from https://github.com/microsoft/vscode-js-debug/releases and set adapters.node.jsDebugPath in config")
	}

	port, err := findAvailablePort()
	if err != nil {
		return nil, fmt.Errorf("failed to find available port: %w", err)
	}
	address := fmt.Sprintf("127.0.0.1:%d", port)

	// Usage: node dapDebugServer.js <port> [host]
	cmd := exec.Command(n.nodePath, n.jsDebugPath, fmt.Sprint(port), "127.0.0.1")
	cmd.Env = os.Environ()
	if cwd, ok := cfg["cwd"].(string); ok && cwd != "" {
		cmd.Dir = cwd
	}

	if err := startAdapter(cmd, "js-debug", logger); err != nil {
		return nil, err
	}
	return &Process{Address: address, Cmd: cmd}, nil
}

// Arguments maps the legacy "node" type to js-debug's "pwa-node" and enables
// source maps unless the configuration says otherwise
func (n *NodeAdapter) Arguments(cfg launchconfig.Configuration) map[string]interface{} {
	args := withDefaults(cfg, map[string]interface{}{
		"sourceMaps": true,
	})
	args["type"] = "pwa-node"
	if !cfg.IsAttach() {
		if _, ok := args["console"]; !ok {
			args["console"] = "internalConsole"
		}
	}
	return args
}
