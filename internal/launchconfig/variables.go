package launchconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Variable pattern matches ${...} expressions
var variablePattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// ResolutionContext provides context for variable resolution.
type ResolutionContext struct {
	WorkspaceFolder string            // Root folder of the workspace
	EnvOverrides    map[string]string // Override environment variables
}

// ResolveVariables replaces all ${...} variables in the given text.
func ResolveVariables(text string, ctx *ResolutionContext) (string, error) {
	if ctx == nil {
		ctx = &ResolutionContext{}
	}

	var lastErr error
	result := variablePattern.ReplaceAllStringFunc(text, func(match string) string {
		expr := match[2 : len(match)-1]

		resolved, err := resolveVariable(expr, ctx)
		if err != nil {
			lastErr = err
			return match
		}
		return resolved
	})

	return result, lastErr
}

// resolveVariable resolves a single variable expression.
func resolveVariable(expr string, ctx *ResolutionContext) (string, error) {
	switch {
	case expr == "workspaceFolder" || expr == "workspaceRoot":
		return ctx.WorkspaceFolder, nil

	case expr == "workspaceFolderBasename":
		return filepath.Base(ctx.WorkspaceFolder), nil

	case expr == "userHome":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get user home: %w", err)
		}
		return home, nil

	case expr == "cwd":
		return ctx.WorkspaceFolder, nil

	case expr == "pathSeparator" || expr == "/":
		return string(os.PathSeparator), nil

	case strings.HasPrefix(expr, "env:"):
		name := strings.TrimPrefix(expr, "env:")
		if val, ok := ctx.EnvOverrides[name]; ok {
			return val, nil
		}
		return os.Getenv(name), nil

	default:
		// editor state (${file}, ${input:...}, ${command:...}) does not exist here
		return "", fmt.Errorf("unsupported variable: ${%s}", expr)
	}
}

// resolveValue resolves variables in a value of any type.
func resolveValue(v interface{}, ctx *ResolutionContext) (interface{}, error) {
	switch val := v.(type) {
	case string:
		return ResolveVariables(val, ctx)
	case []interface{}:
		result := make([]interface{}, len(val))
		for i, item := range val {
			resolved, err := resolveValue(item, ctx)
			if err != nil {
				return nil, err
			}
			result[i] = resolved
		}
		return result, nil
	case map[string]interface{}:
		result := make(map[string]interface{}, len(val))
		for k, item := range val {
			resolved, err := resolveValue(item, ctx)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			result[k] = resolved
		}
		return result, nil
	default:
		// Non-string types pass through unchanged (numbers, bools, nil)
		return v, nil
	}
}

// Resolve returns a copy of cfg with every ${...} variable substituted and
// validates the result. A missing cwd defaults to the workspace folder.
func Resolve(cfg Configuration, ctx *ResolutionContext) (Configuration, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	resolved, err := resolveValue(map[string]interface{}(cfg), ctx)
	if err != nil {
		return nil, fmt.Errorf("configuration %q: %w", cfg.Name(), err)
	}
	out := Configuration(resolved.(map[string]interface{}))
	if _, ok := out["cwd"]; !ok && ctx != nil && ctx.WorkspaceFolder != "" {
		out["cwd"] = ctx.WorkspaceFolder
	}
	return out, nil
}
