// Package shellrun provides a command execution tool guarded by a binary
// allowlist. Commands run as an argv vector, never through a shell, so
// pipes, redirects, and substitutions are structurally impossible.
package shellrun

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	germinal "github.com/edwiny/germinal"
)

// DefaultTimeout bounds a single command execution.
const DefaultTimeout = 120 * time.Second

// maxOutputChars caps captured stdout and stderr individually.
const maxOutputChars = 8000

// Tool runs allowlisted commands.
type Tool struct {
	allowlist map[string]bool
	timeout   time.Duration
}

// Option configures a Tool.
type Option func(*Tool)

// WithTimeout overrides the per-command timeout.
func WithTimeout(d time.Duration) Option {
	return func(t *Tool) { t.timeout = d }
}

// New creates a shell tool allowing only the named binaries. Allowlist
// entries match the command's base name, so "ls" permits /bin/ls too.
func New(allowlist []string, opts ...Option) *Tool {
	t := &Tool{allowlist: make(map[string]bool, len(allowlist)), timeout: DefaultTimeout}
	for _, name := range allowlist {
		t.allowlist[name] = true
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Tools returns the registrable tool definitions.
func (t *Tool) Tools() []germinal.Tool {
	return []germinal.Tool{{
		Name:        "shell_run",
		Description: "Run an allowlisted command. Pass the command as an argv array (preferred) or a plain string split on whitespace. No shell features: pipes and redirects are not available.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"command":{"description":"Command as an argv array or a plain string","anyOf":[{"type":"array","items":{"type":"string"},"minItems":1},{"type":"string","minLength":1}]},"cwd":{"type":"string","description":"Working directory"}},"required":["command"],"additionalProperties":false}`),
		RiskLevel:   germinal.RiskHigh,
		Fn:          t.run,
	}}
}

// argv normalizes the command parameter into an argument vector.
func argv(v any) ([]string, error) {
	switch cmd := v.(type) {
	case string:
		fields := strings.Fields(cmd)
		if len(fields) == 0 {
			return nil, fmt.Errorf("command is empty")
		}
		return fields, nil
	case []any:
		out := make([]string, 0, len(cmd))
		for _, item := range cmd {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("command array must contain only strings")
			}
			out = append(out, s)
		}
		if len(out) == 0 {
			return nil, fmt.Errorf("command is empty")
		}
		return out, nil
	default:
		return nil, fmt.Errorf("command must be a string or an array of strings")
	}
}

func (t *Tool) run(ctx context.Context, params map[string]any) (map[string]any, error) {
	args, err := argv(params["command"])
	if err != nil {
		return map[string]any{"error": err.Error()}, nil
	}

	bin := filepath.Base(args[0])
	if !t.allowlist[bin] {
		return map[string]any{"error": fmt.Sprintf("command %q is not in the allowlist", bin)}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	if cwd, ok := params["cwd"].(string); ok && cwd != "" {
		cmd.Dir = cwd
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()

	returncode := 0
	if exitErr, ok := runErr.(*exec.ExitError); ok {
		returncode = exitErr.ExitCode()
	} else if runErr != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return map[string]any{"error": fmt.Sprintf("command timed out after %s", t.timeout)}, nil
		}
		return map[string]any{"error": "exec error: " + runErr.Error()}, nil
	}

	return map[string]any{
		"stdout":     truncate(stdout.String()),
		"stderr":     truncate(stderr.String()),
		"returncode": returncode,
	}, nil
}

func truncate(s string) string {
	if len(s) > maxOutputChars {
		return s[:maxOutputChars] + "\n... (truncated)"
	}
	return s
}
