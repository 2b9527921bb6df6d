// Package fsys provides filesystem tools restricted to configured
// directory allowlists.
package fsys

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	germinal "github.com/edwiny/germinal"
)

// maxReadChars caps the content returned by read_file.
const maxReadChars = 8000

// Default size limits for read_file, in megabytes.
const (
	DefaultMaxFileSizeMB        = 10
	DefaultLargeFileThresholdMB = 1
)

// Tool provides file access within the configured read and write roots.
type Tool struct {
	allowedRead  []string
	allowedWrite []string
	maxFileMB    int
	largeFileMB  int
}

// Option configures a Tool.
type Option func(*Tool)

// WithMaxFileSize sets the hard size cap for read_file, in megabytes.
func WithMaxFileSize(mb int) Option {
	return func(t *Tool) {
		if mb > 0 {
			t.maxFileMB = mb
		}
	}
}

// WithLargeFileThreshold sets the size above which read_file flags the
// result as a large file, in megabytes.
func WithLargeFileThreshold(mb int) Option {
	return func(t *Tool) {
		if mb > 0 {
			t.largeFileMB = mb
		}
	}
}

// New creates a filesystem tool set. Reads are allowed under any of
// allowedRead; writes only under allowedWrite.
func New(allowedRead, allowedWrite []string, opts ...Option) *Tool {
	t := &Tool{
		allowedRead:  cleanRoots(allowedRead),
		allowedWrite: cleanRoots(allowedWrite),
		maxFileMB:    DefaultMaxFileSizeMB,
		largeFileMB:  DefaultLargeFileThresholdMB,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

func cleanRoots(roots []string) []string {
	out := make([]string, 0, len(roots))
	for _, r := range roots {
		if abs, err := filepath.Abs(r); err == nil {
			out = append(out, abs)
		}
	}
	return out
}

// Tools returns the registrable tool definitions.
func (t *Tool) Tools() []germinal.Tool {
	return []germinal.Tool{
		{
			Name:        "read_file",
			Description: "Read a file. Returns the content, truncated to 8000 characters for large files.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"path":{"type":"string","description":"Absolute or allowlist-relative file path"}},"required":["path"],"additionalProperties":false}`),
			RiskLevel:   germinal.RiskLow,
			Fn:          t.readFile,
		},
		{
			Name:        "write_file",
			Description: "Write content to a file inside the writable workspace. Creates parent directories if needed.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"},"content":{"type":"string"}},"required":["path","content"],"additionalProperties":false}`),
			RiskLevel:   germinal.RiskMedium,
			Fn:          t.writeFile,
		},
		{
			Name:        "list_directory",
			Description: "List the entries of a directory. Directories are suffixed with /.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"}},"required":["path"],"additionalProperties":false}`),
			RiskLevel:   germinal.RiskLow,
			Fn:          t.listDirectory,
		},
	}
}

// resolve returns the absolute, symlink-resolved path when it falls under
// one of roots. Both the candidate and the roots are resolved before the
// containment check, so a symlink inside a root cannot reach outside it.
func resolve(path string, roots []string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("path is required")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	real, err := evalPath(abs)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	for _, root := range roots {
		realRoot, err := evalPath(root)
		if err != nil {
			continue
		}
		rel, err := filepath.Rel(realRoot, real)
		if err != nil {
			continue
		}
		if rel == "." || (!strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel)) {
			return real, nil
		}
	}
	return "", fmt.Errorf("path %s is outside the allowed directories", path)
}

// evalPath resolves symlinks in the longest existing prefix of path and
// rejoins the remainder, so a file about to be created still resolves
// through its existing parent directories.
func evalPath(path string) (string, error) {
	suffix := ""
	for p := path; ; {
		resolved, err := filepath.EvalSymlinks(p)
		if err == nil {
			return filepath.Join(resolved, suffix), nil
		}
		if !os.IsNotExist(err) {
			return "", err
		}
		parent := filepath.Dir(p)
		if parent == p {
			return "", err
		}
		suffix = filepath.Join(filepath.Base(p), suffix)
		p = parent
	}
}

func (t *Tool) readFile(_ context.Context, params map[string]any) (map[string]any, error) {
	path, _ := params["path"].(string)
	resolved, err := resolve(path, t.allowedRead)
	if err != nil {
		return map[string]any{"error": err.Error()}, nil
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return map[string]any{"error": "read error: " + err.Error()}, nil
	}
	if max := int64(t.maxFileMB) << 20; info.Size() > max {
		return map[string]any{"error": fmt.Sprintf("file is %d bytes, over the %d MB read limit", info.Size(), t.maxFileMB)}, nil
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return map[string]any{"error": "read error: " + err.Error()}, nil
	}
	content := string(data)
	truncated := false
	if len(content) > maxReadChars {
		content = content[:maxReadChars]
		truncated = true
	}
	result := map[string]any{"content": content, "truncated": truncated}
	if info.Size() > int64(t.largeFileMB)<<20 {
		result["large_file"] = true
	}
	return result, nil
}

func (t *Tool) writeFile(_ context.Context, params map[string]any) (map[string]any, error) {
	path, _ := params["path"].(string)
	content, _ := params["content"].(string)
	resolved, err := resolve(path, t.allowedWrite)
	if err != nil {
		return map[string]any{"error": err.Error()}, nil
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return map[string]any{"error": "mkdir error: " + err.Error()}, nil
	}
	if err := os.WriteFile(resolved, []byte(content), 0o644); err != nil {
		return map[string]any{"error": "write error: " + err.Error()}, nil
	}
	return map[string]any{"written": len(content), "path": resolved}, nil
}

func (t *Tool) listDirectory(_ context.Context, params map[string]any) (map[string]any, error) {
	path, _ := params["path"].(string)
	resolved, err := resolve(path, t.allowedRead)
	if err != nil {
		return map[string]any{"error": err.Error()}, nil
	}
	entries, err := os.ReadDir(resolved)
	if err != nil {
		return map[string]any{"error": "list error: " + err.Error()}, nil
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return map[string]any{"entries": names, "count": len(names)}, nil
}
