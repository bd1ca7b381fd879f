package adapters

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ctagard/dap-orchestrator/internal/config"
	"github.com/ctagard/dap-orchestrator/internal/errors"
	"github.com/ctagard/dap-orchestrator/internal/launchconfig"
	"github.com/ctagard/dap-orchestrator/pkg/types"
)

func TestRegistry_LookupByLaunchType(t *testing.T) {
	reg := NewRegistry(config.DefaultConfig())

	cases := map[string]types.Language{
		"go":       types.LanguageGo,
		"python":   types.LanguagePython,
		"debugpy":  types.LanguagePython,
		"node":     types.LanguageJavaScript,
		"pwa-node": types.LanguageJavaScript,
	}
	for debugType, lang := range cases {
		a, err := reg.Lookup(debugType)
		require.NoError(t, err, debugType)
		assert.Equal(t, lang, a.Language(), debugType)
	}

	_, err := reg.Lookup("cppdbg")
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeAdapterNotSupported))
	assert.Equal(t, []string{"debugpy", "go", "node", "pwa-node", "python"}, reg.SupportedTypes())
}

func TestDelveAdapter_Arguments(t *testing.T) {
	a := NewDelveAdapter(config.DelveConfig{BuildFlags: "-race"})

	launch := launchconfig.Configuration{"name": "x", "type": "go", "request": "launch", "program": "/ws/cmd"}
	args := a.Arguments(launch)
	assert.Equal(t, "debug", args["mode"])
	assert.Equal(t, "-race", args["buildFlags"])
	assert.Equal(t, "/ws/cmd", args["program"])
	assert.NotContains(t, launch, "mode", "configuration is not modified")

	args = a.Arguments(launchconfig.Configuration{"name": "x", "type": "go", "request": "launch", "mode": "test", "buildFlags": ""})
	assert.Equal(t, "test", args["mode"])
	assert.Equal(t, "", args["buildFlags"], "explicit values win")

	args = a.Arguments(launchconfig.Configuration{"name": "x", "type": "go", "request": "attach", "processId": 42.0})
	assert.Equal(t, "local", args["mode"])
	assert.NotContains(t, args, "buildFlags")
}

func TestDebugpyAdapter_Arguments(t *testing.T) {
	a := NewDebugpyAdapter(config.DebugpyConfig{})

	args := a.Arguments(launchconfig.Configuration{"name": "x", "type": "debugpy", "request": "launch", "program": "app.py"})
	assert.Equal(t, "internalConsole", args["console"])
	assert.Equal(t, "python3", args["python"])

	args = a.Arguments(launchconfig.Configuration{"name": "x", "type": "debugpy", "request": "launch", "python": "/venv/bin/python", "console": "integratedTerminal"})
	assert.Equal(t, "/venv/bin/python", args["python"])
	assert.Equal(t, "integratedTerminal", args["console"])

	args = a.Arguments(launchconfig.Configuration{"name": "x", "type": "debugpy", "request": "attach", "connect": map[string]interface{}{"port": 5678.0}})
	assert.NotContains(t, args, "console")
}

func TestNodeAdapter_Arguments(t *testing.T) {
	a := NewNodeAdapter(config.NodeConfig{})

	args := a.Arguments(launchconfig.Configuration{"name": "x", "type": "node", "request": "launch", "program": "index.js"})
	assert.Equal(t, "pwa-node", args["type"])
	assert.Equal(t, true, args["sourceMaps"])
	assert.Equal(t, "internalConsole", args["console"])

	_, err := a.Spawn(launchconfig.Configuration{"name": "x", "type": "node", "request": "launch"}, zaptest.NewLogger(t))
	assert.ErrorContains(t, err, "jsDebugPath not configured")
}

func TestConnect_RetriesUntilAdapterListens(t *testing.T) {
	port, err := findAvailablePort()
	require.NoError(t, err)
	address := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))

	accepted := make(chan struct{})
	go func() {
		time.Sleep(3 * connectRetryDelay / 2)
		ln, err := net.Listen("tcp", address)
		if !assert.NoError(t, err) {
			return
		}
		defer ln.Close()
		conn, err := ln.Accept()
		if assert.NoError(t, err) {
			close(accepted)
			conn.Close()
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := Connect(ctx, address, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer client.Close()

	select {
	case <-accepted:
	case <-time.After(5 * time.Second):
		t.Fatal("listener never accepted")
	}
}

func TestConnect_GivesUpWhenContextEnds(t *testing.T) {
	port, err := findAvailablePort()
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	_, err = Connect(ctx, net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), zaptest.NewLogger(t))
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeAdapterConnectFailed))
}

func TestProcess_NilSafe(t *testing.T) {
	var p *Process
	assert.Equal(t, 0, p.Pid())
	assert.NoError(t, p.Kill())
}
