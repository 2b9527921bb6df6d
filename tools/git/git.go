// Package git provides git tools that run the git binary with fixed
// argument vectors, never through a shell. Inspection tools (status,
// diff, log, branches) are low risk; tools that change the repository
// are medium risk, and git_rollback is high risk because a hard reset
// discards uncommitted work.
package git

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	germinal "github.com/edwiny/germinal"
)

// DefaultTimeout bounds a single git invocation. Local repo operations
// should never take longer.
const DefaultTimeout = 60 * time.Second

// Tool runs git commands in a fixed working directory.
type Tool struct {
	dir     string
	timeout time.Duration
}

// Option configures a Tool.
type Option func(*Tool)

// WithDir sets the repository directory. Empty means the process working
// directory.
func WithDir(dir string) Option {
	return func(t *Tool) { t.dir = dir }
}

// WithTimeout overrides the per-command timeout.
func WithTimeout(d time.Duration) Option {
	return func(t *Tool) { t.timeout = d }
}

// New creates a git tool set.
func New(opts ...Option) *Tool {
	t := &Tool{timeout: DefaultTimeout}
	for _, o := range opts {
		o(t)
	}
	return t
}

var noParams = json.RawMessage(`{"type":"object","properties":{},"additionalProperties":false}`)

// Tools returns the registrable tool definitions.
func (t *Tool) Tools() []germinal.Tool {
	return []germinal.Tool{
		{
			Name:        "git_status",
			Description: "Return the current git branch, working tree status (short format), and a diff stat against HEAD.",
			Parameters:  noParams,
			RiskLevel:   germinal.RiskLow,
			Fn:          t.status,
		},
		{
			Name:        "git_diff",
			Description: "Show the full diff of working tree changes against HEAD.",
			Parameters:  noParams,
			RiskLevel:   germinal.RiskLow,
			Fn:          t.diff,
		},
		{
			Name:        "git_log",
			Description: "Return recent commit history in oneline format. Use n to control how many commits to return (1-100, default 10).",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"n":{"type":"integer","minimum":1,"maximum":100,"description":"Number of recent commits to return"}},"additionalProperties":false}`),
			RiskLevel:   germinal.RiskLow,
			Fn:          t.log,
		},
		{
			Name:        "git_list_branches",
			Description: "List all local and remote branches and report the currently checked-out one.",
			Parameters:  noParams,
			RiskLevel:   germinal.RiskLow,
			Fn:          t.listBranches,
		},
		{
			Name:        "git_add",
			Description: "Stage one or more files for the next commit. Provide at least one path. Use git_commit after staging.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"paths":{"type":"array","items":{"type":"string"},"minItems":1,"description":"File paths to stage"}},"required":["paths"],"additionalProperties":false}`),
			RiskLevel:   germinal.RiskMedium,
			Fn:          t.add,
		},
		{
			Name:        "git_commit",
			Description: "Commit currently staged changes with the given message. Stage files first with git_add. Returns success=false if nothing is staged.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"message":{"type":"string","minLength":1,"description":"Commit message"}},"required":["message"],"additionalProperties":false}`),
			RiskLevel:   germinal.RiskMedium,
			Fn:          t.commit,
		},
		{
			Name:        "git_branch",
			Description: "Switch to an existing branch or create and switch to a new one. Set create=true to create the branch from the current HEAD.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"name":{"type":"string","minLength":1,"description":"Branch name to switch to or create"},"create":{"type":"boolean","description":"Create the branch before switching"}},"required":["name"],"additionalProperties":false}`),
			RiskLevel:   germinal.RiskMedium,
			Fn:          t.branch,
		},
		{
			Name:        "git_rollback",
			Description: "Revert the working tree to a previous commit using git reset --hard. DESTRUCTIVE: uncommitted changes are lost. Provide a reason so the approval prompt is informative.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"to_commit":{"type":"string","minLength":1,"description":"Commit hash or ref to reset to"},"reason":{"type":"string","description":"Why this rollback is needed"}},"required":["to_commit"],"additionalProperties":false}`),
			RiskLevel:   germinal.RiskHigh,
			Fn:          t.rollback,
		},
	}
}

// run executes git with the given arguments and captures the outcome.
// Failures land in the result map so the model sees them as tool output.
func (t *Tool) run(ctx context.Context, args ...string) map[string]any {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = t.dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()

	returncode := 0
	var exitErr *exec.ExitError
	switch {
	case runErr == nil:
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return gitResult("", "git timed out", -1)
	case errors.As(runErr, &exitErr):
		returncode = exitErr.ExitCode()
	default:
		return gitResult("", runErr.Error(), -1)
	}
	return gitResult(strings.TrimSpace(stdout.String()), strings.TrimSpace(stderr.String()), returncode)
}

func gitResult(stdout, stderr string, returncode int) map[string]any {
	return map[string]any{"stdout": stdout, "stderr": stderr, "returncode": returncode}
}

// withSuccess adds the success flag used by the mutating tools.
func withSuccess(res map[string]any) map[string]any {
	res["success"] = res["returncode"] == 0
	return res
}

func (t *Tool) status(ctx context.Context, _ map[string]any) (map[string]any, error) {
	status := t.run(ctx, "status", "--short")
	diffStat := t.run(ctx, "diff", "--stat", "HEAD")
	branch := t.run(ctx, "rev-parse", "--abbrev-ref", "HEAD")
	return map[string]any{
		"branch":     branch["stdout"],
		"status":     status["stdout"],
		"diff_stat":  diffStat["stdout"],
		"returncode": status["returncode"],
	}, nil
}

func (t *Tool) diff(ctx context.Context, _ map[string]any) (map[string]any, error) {
	res := t.run(ctx, "diff", "HEAD")
	return map[string]any{"diff": res["stdout"], "returncode": res["returncode"]}, nil
}

func (t *Tool) log(ctx context.Context, params map[string]any) (map[string]any, error) {
	n := 10
	if v, ok := params["n"].(float64); ok {
		n = int(v)
	}
	res := t.run(ctx, "log", "--oneline", fmt.Sprintf("-%d", n))
	return map[string]any{"log": res["stdout"], "returncode": res["returncode"]}, nil
}

func (t *Tool) listBranches(ctx context.Context, _ map[string]any) (map[string]any, error) {
	res := t.run(ctx, "branch", "-a")
	branches := []string{}
	current := ""
	for _, raw := range strings.Split(res["stdout"].(string), "\n") {
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "* ") {
			current = strings.TrimSpace(line[2:])
			branches = append(branches, current)
		} else {
			branches = append(branches, line)
		}
	}
	return map[string]any{"branches": branches, "current": current, "returncode": res["returncode"]}, nil
}

func (t *Tool) add(ctx context.Context, params map[string]any) (map[string]any, error) {
	raw, _ := params["paths"].([]any)
	// The -- separator keeps paths starting with "-" from being read as
	// options.
	args := []string{"add", "--"}
	for _, p := range raw {
		s, ok := p.(string)
		if !ok {
			return map[string]any{"error": "paths must contain only strings"}, nil
		}
		args = append(args, s)
	}
	return withSuccess(t.run(ctx, args...)), nil
}

func (t *Tool) commit(ctx context.Context, params map[string]any) (map[string]any, error) {
	message, _ := params["message"].(string)
	return withSuccess(t.run(ctx, "commit", "-m", message)), nil
}

func (t *Tool) branch(ctx context.Context, params map[string]any) (map[string]any, error) {
	name, _ := params["name"].(string)
	if create, _ := params["create"].(bool); create {
		return withSuccess(t.run(ctx, "checkout", "-b", name)), nil
	}
	return withSuccess(t.run(ctx, "checkout", name)), nil
}

func (t *Tool) rollback(ctx context.Context, params map[string]any) (map[string]any, error) {
	toCommit, _ := params["to_commit"].(string)
	reason, _ := params["reason"].(string)
	res := withSuccess(t.run(ctx, "reset", "--hard", toCommit))
	res["rolled_back_to"] = toCommit
	res["reason"] = reason
	return res, nil
}
