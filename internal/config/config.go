// Package config provides configuration management for the orchestrator.
//
// Configuration controls:
//   - Capability mode (readonly vs full): whether sessions may be launched, resumed or stopped
//   - Language-specific adapter settings: paths and flags for each debugger
//   - Orchestration limits: wait timeouts, capture sizes, breakpoint settle delay
//   - Safety limits: maximum sessions and stale-session timeout
//   - Log verbosity and the optional metrics listener
//
// Configuration is loaded from a JSON or YAML file (chosen by extension) on
// top of DefaultConfig, then validated.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// CapabilityMode defines the level of debugging capabilities exposed
type CapabilityMode string

const (
	ModeReadOnly CapabilityMode = "readonly" // Only inspection tools
	ModeFull     CapabilityMode = "full"     // All tools enabled
)

// Config holds the server configuration
type Config struct {
	// Capability levels
	Mode       CapabilityMode `json:"mode" yaml:"mode" validate:"oneof=readonly full"`
	AllowSpawn bool           `json:"allowSpawn" yaml:"allowSpawn"`

	// Language-specific adapter configs
	Adapters AdapterConfigs `json:"adapters" yaml:"adapters"`

	// Limits for safety
	MaxSessions           int `json:"maxSessions" yaml:"maxSessions" validate:"gte=1"`
	SessionTimeoutSeconds int `json:"sessionTimeoutSeconds" yaml:"sessionTimeoutSeconds" validate:"gte=0"`

	// Orchestration
	EntryStopTimeoutSeconds int `json:"entryStopTimeoutSeconds" yaml:"entryStopTimeoutSeconds" validate:"gte=1"`
	RequestTimeoutSeconds   int `json:"requestTimeoutSeconds" yaml:"requestTimeoutSeconds" validate:"gte=1"`
	LateStartWindowSeconds  int `json:"lateStartWindowSeconds" yaml:"lateStartWindowSeconds" validate:"gte=0"`
	BreakpointSettleMillis  int `json:"breakpointSettleMillis" yaml:"breakpointSettleMillis" validate:"gte=0"`
	MaxCapturedVariables    int `json:"maxCapturedVariables" yaml:"maxCapturedVariables" validate:"gte=1"`
	MaxOutputLines          int `json:"maxOutputLines" yaml:"maxOutputLines" validate:"gte=1"`
	MaxOutputChars          int `json:"maxOutputChars" yaml:"maxOutputChars" validate:"gte=1"`

	// Observability
	LogLevel    string `json:"logLevel" yaml:"logLevel" validate:"oneof=debug info warn error"`
	MetricsAddr string `json:"metricsAddr" yaml:"metricsAddr"`
}

// AdapterConfigs holds configuration for each language adapter
type AdapterConfigs struct {
	Go     DelveConfig   `json:"go" yaml:"go"`
	Python DebugpyConfig `json:"python" yaml:"python"`
	Node   NodeConfig    `json:"node" yaml:"node"`
}

// DelveConfig holds Delve-specific configuration
type DelveConfig struct {
	Path       string `json:"path" yaml:"path"`
	BuildFlags string `json:"buildFlags" yaml:"buildFlags"`
}

// DebugpyConfig holds debugpy-specific configuration
type DebugpyConfig struct {
	PythonPath string `json:"pythonPath" yaml:"pythonPath"`
}

// NodeConfig holds Node.js-specific configuration
type NodeConfig struct {
	NodePath    string `json:"nodePath" yaml:"nodePath"`
	JsDebugPath string `json:"jsDebugPath" yaml:"jsDebugPath"` // Path to vscode-js-debug's dapDebugServer.js
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Mode:                    ModeFull,
		AllowSpawn:              true,
		MaxSessions:             10,
		SessionTimeoutSeconds:   1800,
		EntryStopTimeoutSeconds: 30,
		RequestTimeoutSeconds:   15,
		LateStartWindowSeconds:  10,
		BreakpointSettleMillis:  500,
		MaxCapturedVariables:    50,
		MaxOutputLines:          50,
		MaxOutputChars:          2000,
		LogLevel:                "info",
		Adapters: AdapterConfigs{
			Go: DelveConfig{
				Path: "dlv",
			},
			Python: DebugpyConfig{
				PythonPath: "python3",
			},
			Node: NodeConfig{
				NodePath: "node",
			},
		},
	}
}

// LoadConfig loads configuration from a JSON or YAML file. An empty path
// returns the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// CanUseControlTools returns true if launch/resume/stop tools are enabled
func (c *Config) CanUseControlTools() bool {
	return c.Mode == ModeFull
}

// CanSpawn returns true if spawning debug adapters is allowed
func (c *Config) CanSpawn() bool {
	return c.AllowSpawn
}

// SessionTimeout is the age after which idle sessions are reaped. Zero disables reaping.
func (c *Config) SessionTimeout() time.Duration {
	return time.Duration(c.SessionTimeoutSeconds) * time.Second
}

// EntryStopTimeout is the default wait for the first stop after launch.
func (c *Config) EntryStopTimeout() time.Duration {
	return time.Duration(c.EntryStopTimeoutSeconds) * time.Second
}

// RequestTimeout bounds each individual inspection request.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// LateStartWindow is how long sessions that appear after an entry wait timed
// out are still stopped.
func (c *Config) LateStartWindow() time.Duration {
	return time.Duration(c.LateStartWindowSeconds) * time.Second
}

// BreakpointSettle is the delay after installing breakpoints.
func (c *Config) BreakpointSettle() time.Duration {
	return time.Duration(c.BreakpointSettleMillis) * time.Millisecond
}
