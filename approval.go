package germinal

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// ApprovalRequest describes the tool call awaiting an operator decision.
type ApprovalRequest struct {
	ToolCallID string
	AgentType  string
	ProjectID  string
	ToolName   string
	RiskLevel  string
	Parameters map[string]any
}

// Gate decides whether a high-risk tool call may proceed. Implementations
// must persist the request before consulting anyone, so an interrupted
// prompt still leaves an audit row.
type Gate interface {
	Approve(ctx context.Context, req ApprovalRequest) (bool, error)
}

// TerminalGate asks the operator on the controlling terminal. When stdin
// is not a terminal (daemon under systemd, piped input) it auto-denies:
// an unattended process must never hang on a prompt or silently approve.
type TerminalGate struct {
	store       Store
	in          io.Reader
	out         io.Writer
	interactive func() bool
	logger      *slog.Logger
}

// GateOption configures a TerminalGate.
type GateOption func(*TerminalGate)

// WithGateIO overrides the prompt streams and the interactivity check.
func WithGateIO(in io.Reader, out io.Writer, interactive func() bool) GateOption {
	return func(g *TerminalGate) {
		g.in = in
		g.out = out
		g.interactive = interactive
	}
}

// WithGateLogger sets a structured logger.
func WithGateLogger(l *slog.Logger) GateOption {
	return func(g *TerminalGate) { g.logger = l }
}

// NewTerminalGate creates a gate backed by the store for audit rows.
func NewTerminalGate(store Store, opts ...GateOption) *TerminalGate {
	g := &TerminalGate{
		store:       store,
		in:          os.Stdin,
		out:         os.Stdout,
		interactive: stdinIsTerminal,
		logger:      nopLogger,
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

var _ Gate = (*TerminalGate)(nil)

func stdinIsTerminal() bool {
	fi, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}

// Approve writes the approvals row, prompts the operator, and records the
// response on the row before returning. Only a literal "y" approves; EOF
// and anything else deny.
func (g *TerminalGate) Approve(ctx context.Context, req ApprovalRequest) (bool, error) {
	prompt := renderApprovalPrompt(req)
	ap := Approval{
		ID:         NewID("appr"),
		ToolCallID: req.ToolCallID,
		AgentType:  req.AgentType,
		ProjectID:  req.ProjectID,
		ToolName:   req.ToolName,
		Parameters: MarshalJSONString(req.Parameters),
		Prompt:     prompt,
		CreatedAt:  NowMillis(),
	}
	if err := g.store.InsertApproval(ctx, ap); err != nil {
		return false, fmt.Errorf("approval gate: %w", err)
	}

	response := "auto-denied (non-interactive)"
	approved := false
	if g.interactive() {
		fmt.Fprint(g.out, prompt)
		line, err := bufio.NewReader(g.in).ReadString('\n')
		if err != nil && line == "" {
			response = "denied (input closed)"
		} else {
			answer := strings.TrimSpace(line)
			if answer == "y" {
				approved = true
				response = "approved"
			} else {
				response = "denied"
			}
		}
	} else {
		g.logger.Warn("approval gate: auto-denied, stdin is not a terminal", "tool", req.ToolName)
	}

	if err := g.store.RecordApprovalResponse(ctx, ap.ID, response, NowMillis()); err != nil {
		return false, fmt.Errorf("approval gate: %w", err)
	}
	g.logger.Info("approval gate: decision", "tool", req.ToolName, "approved", approved)
	return approved, nil
}

func renderApprovalPrompt(req ApprovalRequest) string {
	bar := strings.Repeat("=", 60)
	var b strings.Builder
	b.WriteString(bar + "\n")
	b.WriteString("[APPROVAL REQUIRED]\n")
	b.WriteString("Agent:      " + req.AgentType + "\n")
	b.WriteString("Project:    " + req.ProjectID + "\n")
	b.WriteString("Risk:       " + req.RiskLevel + "\n")
	b.WriteString("Tool:       " + req.ToolName + "\n")
	b.WriteString("Parameters: " + MarshalJSONString(req.Parameters) + "\n")
	b.WriteString(bar + "\n")
	b.WriteString("Approve? [y/N]: ")
	return b.String()
}
