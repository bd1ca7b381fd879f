// Package launchconfig loads VS Code launch.json debug configurations and
// resolves their ${...} variables.
package launchconfig

import "fmt"

// LaunchJSON is a parsed launch.json file.
type LaunchJSON struct {
	Version        string          `json:"version"`
	Configurations []Configuration `json:"configurations"`
}

// Configuration is one debug configuration. It is kept as a generic map
// because most fields are adapter-specific and are handed to the adapter
// unchanged.
type Configuration map[string]interface{}

func (c Configuration) str(key string) string {
	s, _ := c[key].(string)
	return s
}

// Name is the configuration's display name.
func (c Configuration) Name() string { return c.str("name") }

// Type is the debugger type, e.g. "go", "debugpy", "node".
func (c Configuration) Type() string { return c.str("type") }

// Request is "launch" or "attach".
func (c Configuration) Request() string { return c.str("request") }

// IsAttach reports whether the configuration attaches to a running process.
func (c Configuration) IsAttach() bool { return c.Request() == "attach" }

// Clone returns a deep copy.
func (c Configuration) Clone() Configuration {
	return cloneValue(map[string]interface{}(c)).(map[string]interface{})
}

func cloneValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			out[k] = cloneValue(item)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}

// Validate checks the fields every configuration needs.
func (c Configuration) Validate() error {
	if c.Name() == "" {
		return fmt.Errorf("configuration is missing 'name'")
	}
	if c.Type() == "" {
		return fmt.Errorf("configuration %q is missing 'type'", c.Name())
	}
	switch c.Request() {
	case "launch", "attach":
		return nil
	case "":
		return fmt.Errorf("configuration %q is missing 'request'", c.Name())
	default:
		return fmt.Errorf("configuration %q has invalid request %q (expected launch or attach)", c.Name(), c.Request())
	}
}
