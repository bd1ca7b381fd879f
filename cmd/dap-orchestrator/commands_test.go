package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ctagard/dap-orchestrator/internal/config"
	"github.com/ctagard/dap-orchestrator/internal/version"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestVersionCmd(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "dap-orchestrator version "+version.Version+"\n", out)
}

func TestConfigsCmd(t *testing.T) {
	ws := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(ws, ".vscode"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(ws, ".vscode", "launch.json"), []byte(`{
		// comment
		"configurations": [
			{"name": "Launch API", "type": "go", "request": "launch"},
			{"name": "Attach Worker", "type": "debugpy", "request": "attach"},
		]
	}`), 0o644))

	out, err := execute(t, "configs", "--workspace", ws)
	require.NoError(t, err)
	assert.Contains(t, out, "Launch API")
	assert.Contains(t, out, "Attach Worker")
	assert.Contains(t, out, "debugpy")

	_, err = execute(t, "configs", "--workspace", t.TempDir())
	assert.Error(t, err)
}

func TestLoadConfig_FlagOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("mode: full\nmaxSessions: 3\n"), 0o644))

	opts := &rootOptions{configPath: path}
	cmd := newServeCmd(opts)
	require.NoError(t, cmd.Flags().Set("mode", "readonly"))
	require.NoError(t, cmd.Flags().Set("metrics-addr", "127.0.0.1:9464"))

	cfg, err := opts.loadConfig(cmd)
	require.NoError(t, err)
	assert.Equal(t, config.ModeReadOnly, cfg.Mode)
	assert.Equal(t, 3, cfg.MaxSessions)
	assert.Equal(t, "127.0.0.1:9464", cfg.MetricsAddr)
	assert.Equal(t, "info", cfg.LogLevel)

	require.NoError(t, cmd.Flags().Set("mode", "godmode"))
	_, err = opts.loadConfig(cmd)
	assert.Error(t, err)
}

func TestNewApp(t *testing.T) {
	a := newApp(config.DefaultConfig(), zap.NewNop())
	defer a.close()

	assert.NotNil(t, a.server.MCPServer())
	families, err := a.registry.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}
