// Package sysinfo provides read-only host introspection tools.
package sysinfo

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"time"

	germinal "github.com/edwiny/germinal"
)

// maxPSLines bounds show_ps output.
const maxPSLines = 40

// Tool exposes host information.
type Tool struct{}

// New creates the sysinfo tool set.
func New() *Tool {
	return &Tool{}
}

// Tools returns the registrable tool definitions.
func (t *Tool) Tools() []germinal.Tool {
	emptyParams := json.RawMessage(`{"type":"object","properties":{},"additionalProperties":false}`)
	return []germinal.Tool{
		{
			Name:        "show_os",
			Description: "Show operating system, architecture, and hostname.",
			Parameters:  emptyParams,
			RiskLevel:   germinal.RiskLow,
			Fn:          t.showOS,
		},
		{
			Name:        "show_hardware",
			Description: "Show CPU count and memory totals.",
			Parameters:  emptyParams,
			RiskLevel:   germinal.RiskLow,
			Fn:          t.showHardware,
		},
		{
			Name:        "show_ps",
			Description: "Show the top running processes.",
			Parameters:  emptyParams,
			RiskLevel:   germinal.RiskLow,
			Fn:          t.showPS,
		},
	}
}

func (t *Tool) showOS(_ context.Context, _ map[string]any) (map[string]any, error) {
	hostname, _ := os.Hostname()
	return map[string]any{
		"os":       runtime.GOOS,
		"arch":     runtime.GOARCH,
		"hostname": hostname,
	}, nil
}

func (t *Tool) showHardware(_ context.Context, _ map[string]any) (map[string]any, error) {
	out := map[string]any{"cpus": runtime.NumCPU()}
	// /proc/meminfo is Linux-only; other platforms just omit memory.
	if total, free, ok := memInfo(); ok {
		out["mem_total_kb"] = total
		out["mem_available_kb"] = free
	}
	return out, nil
}

func memInfo() (total, available int64, ok bool) {
	data, err := os.ReadFile("/proc/meminfo")
	if err != nil {
		return 0, 0, false
	}
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		n, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			total = n
		case "MemAvailable:":
			available = n
		}
	}
	return total, available, total > 0
}

func (t *Tool) showPS(ctx context.Context, _ map[string]any) (map[string]any, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, "ps", "aux", "--sort=-pcpu")
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	if err := cmd.Run(); err != nil {
		return map[string]any{"error": "ps failed: " + err.Error()}, nil
	}

	lines := strings.Split(strings.TrimRight(stdout.String(), "\n"), "\n")
	if len(lines) > maxPSLines {
		lines = lines[:maxPSLines]
	}
	return map[string]any{"processes": strings.Join(lines, "\n"), "lines": len(lines)}, nil
}
