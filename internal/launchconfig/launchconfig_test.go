package launchconfig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ctagard/dap-orchestrator/internal/errors"
)

const sampleLaunchJSON = `{
	// Use IntelliSense to learn about possible attributes.
	"version": "0.2.0",
	"configurations": [
		{
			"name": "Launch Package",
			"type": "go",
			"request": "launch",
			"mode": "debug",
			"program": "${workspaceFolder}/cmd/app", /* main package */
			"args": ["--port", "${env:APP_PORT}"],
			"env": {"HOME_URL": "http://example.com/a//b"},
		},
		{
			"name": "Attach",
			"type": "debugpy",
			"request": "attach",
			"connect": {"host": "localhost", "port": 5678},
		},
	],
}`

func writeWorkspace(t *testing.T, content string) string {
	t.Helper()
	ws := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(ws, VSCodeDirName), 0o755))
	require.NoError(t, os.WriteFile(PathFor(ws), []byte(content), 0o644))
	return ws
}

func TestLoad_AcceptsCommentsAndTrailingCommas(t *testing.T) {
	ws := writeWorkspace(t, sampleLaunchJSON)

	lj, err := Load(ws)
	require.NoError(t, err)
	assert.Equal(t, []string{"Launch Package", "Attach"}, lj.Names())

	cfg, err := lj.Find("Launch Package")
	require.NoError(t, err)
	assert.Equal(t, "go", cfg.Type())
	assert.False(t, cfg.IsAttach())
	env := cfg["env"].(map[string]interface{})
	assert.Equal(t, "http://example.com/a//b", env["HOME_URL"], "comment markers inside strings are kept")

	_, err = lj.Find("Missing")
	assert.True(t, errors.IsCode(err, errors.CodeConfigNotFound))
}

func TestFind_ReturnsCopy(t *testing.T) {
	lj := &LaunchJSON{Configurations: []Configuration{{"name": "a", "type": "go", "request": "launch", "args": []interface{}{"x"}}}}

	cfg, err := lj.Find("a")
	require.NoError(t, err)
	cfg["args"].([]interface{})[0] = "changed"

	assert.Equal(t, "x", lj.Configurations[0]["args"].([]interface{})[0])
}

func TestResolve(t *testing.T) {
	ws := writeWorkspace(t, sampleLaunchJSON)
	lj, err := Load(ws)
	require.NoError(t, err)
	cfg, err := lj.Find("Launch Package")
	require.NoError(t, err)

	resolved, err := Resolve(cfg, &ResolutionContext{WorkspaceFolder: ws, EnvOverrides: map[string]string{"APP_PORT": "8080"}})
	require.NoError(t, err)

	assert.Equal(t, ws+"/cmd/app", resolved["program"])
	assert.Equal(t, []interface{}{"--port", "8080"}, resolved["args"])
	assert.Equal(t, ws, resolved["cwd"])
	assert.Equal(t, "${workspaceFolder}/cmd/app", cfg["program"], "input is not modified")
}

func TestResolve_Errors(t *testing.T) {
	_, err := Resolve(Configuration{"name": "x", "type": "go", "request": "launch", "program": "${file}"}, nil)
	assert.ErrorContains(t, err, "unsupported variable: ${file}")

	_, err = Resolve(Configuration{"name": "x", "type": "go"}, nil)
	assert.ErrorContains(t, err, "missing 'request'")

	_, err = Resolve(Configuration{"name": "x", "type": "go", "request": "run"}, nil)
	assert.ErrorContains(t, err, "invalid request")
}

func TestStripJSONC(t *testing.T) {
	in := `{"a": "x // y", /* c */ "b": [1, 2,], // tail
"c": "q\"//"}`
	assert.JSONEq(t, `{"a": "x // y", "b": [1, 2], "c": "q\"//"}`, string(StripJSONC([]byte(in))))
}
