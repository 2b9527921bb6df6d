package germinal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// Per-tier token budgets applied when the config does not set them.
const (
	DefaultRecentBufferTokens = 3000
	DefaultSummaryTokens      = 1000
	DefaultBriefTokens        = 500
)

// ContextManager assembles the three context tiers for a project (brief,
// rolling summary, recent history) and compacts history into the summary
// when it outgrows the token budget.
type ContextManager struct {
	store         Store
	bufferTokens  int
	summaryTokens int
	briefTokens   int
	logger        *slog.Logger
}

// ContextOption configures a ContextManager.
type ContextOption func(*ContextManager)

// WithContextLogger sets a structured logger.
func WithContextLogger(l *slog.Logger) ContextOption {
	return func(m *ContextManager) { m.logger = l }
}

// WithRecentBufferTokens sets the token budget for the recent-history tier.
func WithRecentBufferTokens(n int) ContextOption {
	return func(m *ContextManager) {
		if n > 0 {
			m.bufferTokens = n
		}
	}
}

// WithSummaryTokens sets the token budget for the rolling-summary tier.
func WithSummaryTokens(n int) ContextOption {
	return func(m *ContextManager) {
		if n > 0 {
			m.summaryTokens = n
		}
	}
}

// WithBriefTokens sets the token budget for the project-brief tier.
func WithBriefTokens(n int) ContextOption {
	return func(m *ContextManager) {
		if n > 0 {
			m.briefTokens = n
		}
	}
}

// NewContextManager creates a ContextManager over the given store.
func NewContextManager(store Store, opts ...ContextOption) *ContextManager {
	m := &ContextManager{
		store:         store,
		bufferTokens:  DefaultRecentBufferTokens,
		summaryTokens: DefaultSummaryTokens,
		briefTokens:   DefaultBriefTokens,
		logger:        nopLogger,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// EstimateTokens approximates token count as len/4. The budget is a soft
// bound; compaction boundaries are calibrated to this approximation.
func EstimateTokens(text string) int {
	return len(text) / 4
}

// EnsureProject creates the project row if it does not exist. Idempotent.
func (m *ContextManager) EnsureProject(ctx context.Context, id, name string) error {
	if err := m.store.EnsureProject(ctx, id, name, NowMillis()); err != nil {
		return fmt.Errorf("ensure project: %w", err)
	}
	return nil
}

// Assemble builds the context block for a project. Recent history is
// selected newest-first until the token budget is reached, then restored
// to chronological order. Returns the empty string when all tiers are
// empty so callers can skip the block entirely.
func (m *ContextManager) Assemble(ctx context.Context, projectID string) (string, error) {
	proj, err := m.store.GetProject(ctx, projectID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return "", fmt.Errorf("assemble context: %w", err)
	}

	history, err := m.store.ListHistory(ctx, projectID, 0)
	if err != nil {
		return "", fmt.Errorf("assemble context: %w", err)
	}

	// Walk backwards accumulating until the budget, then re-reverse.
	var recent []HistoryEntry
	used := 0
	for i := len(history) - 1; i >= 0; i-- {
		t := EstimateTokens(history[i].Content)
		if used+t > m.bufferTokens && len(recent) > 0 {
			break
		}
		recent = append(recent, history[i])
		used += t
	}
	for i, j := 0, len(recent)-1; i < j; i, j = i+1, j-1 {
		recent[i], recent[j] = recent[j], recent[i]
	}

	brief := clipTokens(proj.Brief, m.briefTokens)
	summary := clipTokens(proj.Summary, m.summaryTokens)
	if brief == "" && summary == "" && len(recent) == 0 {
		return "", nil
	}

	var b strings.Builder
	b.WriteString("=== PROJECT CONTEXT ===\n")
	b.WriteString("[BRIEF]\n")
	b.WriteString(orNone(brief))
	b.WriteString("\n[SUMMARY]\n")
	b.WriteString(orNone(summary))
	b.WriteString("\n[RECENT HISTORY]\n")
	if len(recent) == 0 {
		b.WriteString("(none)")
	} else {
		lines := make([]string, len(recent))
		for i, h := range recent {
			lines[i] = h.Role + ": " + h.Content
		}
		b.WriteString(strings.Join(lines, "\n"))
	}
	b.WriteString("\n=== END CONTEXT ===")

	m.logger.Debug("context: assembled", "project", projectID, "recent_rows", len(recent), "tokens", used)
	return b.String(), nil
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}

// clipTokens truncates text to the estimated token budget. Zero or
// negative budgets leave the text untouched.
func clipTokens(text string, budget int) string {
	if budget <= 0 || EstimateTokens(text) <= budget {
		return text
	}
	return text[:budget*4]
}

// Append records one exchange: the user task and the agent response, as
// two history rows.
func (m *ContextManager) Append(ctx context.Context, projectID, task, response string) error {
	now := NowMillis()
	if err := m.store.AppendHistory(ctx, HistoryEntry{ProjectID: projectID, Role: RoleUser, Content: task, CreatedAt: now}); err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	if err := m.store.AppendHistory(ctx, HistoryEntry{ProjectID: projectID, Role: RoleAgent, Content: response, CreatedAt: now}); err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}

const summarisePrompt = `You maintain a rolling summary of a project's conversation history.
Fold the existing summary and the conversation below into a single dense,
factual summary. Keep decisions, facts, file names, and open questions.
Drop pleasantries and redundancy. Reply with the summary text only.`

// MaybeSummarise compacts history when the total exceeds the budget. The
// oldest prefix totalling at least the overflow (minimum one row) is
// summarized by the model, folded into the existing summary, and deleted
// together with the summary update in one transaction. A provider failure
// leaves history untouched.
func (m *ContextManager) MaybeSummarise(ctx context.Context, projectID string, provider Provider) error {
	history, err := m.store.ListHistory(ctx, projectID, 0)
	if err != nil {
		return fmt.Errorf("maybe summarise: %w", err)
	}

	total := 0
	for _, h := range history {
		total += EstimateTokens(h.Content)
	}
	if total <= m.bufferTokens {
		return nil
	}

	// Oldest-first prefix covering the overflow, never less than one row.
	overflow := total - m.bufferTokens
	var victims []HistoryEntry
	covered := 0
	for _, h := range history {
		victims = append(victims, h)
		covered += EstimateTokens(h.Content)
		if covered >= overflow {
			break
		}
	}

	proj, err := m.store.GetProject(ctx, projectID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("maybe summarise: %w", err)
	}

	var convo strings.Builder
	if proj.Summary != "" {
		convo.WriteString("[EXISTING SUMMARY]\n" + proj.Summary + "\n\n")
	}
	convo.WriteString("[CONVERSATION]\n")
	for _, h := range victims {
		convo.WriteString(h.Role + ": " + h.Content + "\n")
	}

	resp, err := provider.Chat(ctx, ChatRequest{Messages: []ChatMessage{
		SystemMessage(summarisePrompt),
		UserMessage(convo.String()),
	}})
	if err != nil {
		return fmt.Errorf("maybe summarise: %w", err)
	}
	summary := strings.TrimSpace(resp.Content)
	if summary == "" {
		return fmt.Errorf("maybe summarise: model returned empty summary")
	}

	ids := make([]int64, len(victims))
	for i, h := range victims {
		ids[i] = h.ID
	}
	if err := m.store.CompactHistory(ctx, projectID, summary, ids); err != nil {
		return fmt.Errorf("maybe summarise: %w", err)
	}

	m.logger.Info("context: compacted history", "project", projectID, "rows", len(victims), "total_tokens", total, "budget", m.bufferTokens)
	return nil
}
