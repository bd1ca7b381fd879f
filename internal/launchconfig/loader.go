package launchconfig

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ctagard/dap-orchestrator/internal/errors"
)

const (
	// LaunchJSONFileName is the standard name for VS Code launch configuration file.
	LaunchJSONFileName = "launch.json"
	// VSCodeDirName is the VS Code configuration directory name.
	VSCodeDirName = ".vscode"
)

// PathFor returns the launch.json location of a workspace folder.
func PathFor(workspaceFolder string) string {
	return filepath.Join(workspaceFolder, VSCodeDirName, LaunchJSONFileName)
}

// LoadFromPath loads a launch.json file from an explicit path. Comments and
// trailing commas are accepted, as in VS Code.
func LoadFromPath(path string) (*LaunchJSON, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read launch.json: %w", err)
	}

	var lj LaunchJSON
	if err := json.Unmarshal(StripJSONC(data), &lj); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return &lj, nil
}

// Load reads the launch.json of a workspace folder.
func Load(workspaceFolder string) (*LaunchJSON, error) {
	return LoadFromPath(PathFor(workspaceFolder))
}

// Names lists the configuration names in file order.
func (lj *LaunchJSON) Names() []string {
	names := make([]string, len(lj.Configurations))
	for i, cfg := range lj.Configurations {
		names[i] = cfg.Name()
	}
	return names
}

// Find returns a copy of the named configuration, or CONFIG_NOT_FOUND
// listing the available names.
func (lj *LaunchJSON) Find(name string) (Configuration, error) {
	for _, cfg := range lj.Configurations {
		if cfg.Name() == name {
			return cfg.Clone(), nil
		}
	}
	return nil, errors.ConfigNotFound(name, lj.Names())
}

// StripJSONC removes // and /* */ comments and trailing commas outside of
// string literals.
func StripJSONC(data []byte) []byte {
	out := make([]byte, 0, len(data))
	inString := false
	for i := 0; i < len(data); i++ {
		c := data[i]
		if inString {
			out = append(out, c)
			if c == '\\' && i+1 < len(data) {
				i++
				out = append(out, data[i])
			} else if c == '"' {
				inString = false
			}
			continue
		}
		switch {
		case c == '"':
			inString = true
			out = append(out, c)
		case c == '/' && i+1 < len(data) && data[i+1] == '/':
			for i < len(data) && data[i] != '\n' {
				i++
			}
			if i < len(data) {
				out = append(out, '\n')
			}
		case c == '/' && i+1 < len(data) && data[i+1] == '*':
			i += 2
			for i+1 < len(data) && !(data[i] == '*' && data[i+1] == '/') {
				i++
			}
			i++
		case c == ']' || c == '}':
			// drop a trailing comma before the closer
			j := len(out) - 1
			for j >= 0 && (out[j] == ' ' || out[j] == '\t' || out[j] == '\n' || out[j] == '\r') {
				j--
			}
			if j >= 0 && out[j] == ',' {
				out = append(out[:j], out[j+1:]...)
			}
			out = append(out, c)
		default:
			out = append(out, c)
		}
	}
	return out
}
