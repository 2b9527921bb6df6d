package germinal

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// memStore is an in-memory Store for tests. Semantics mirror the SQLite
// implementation closely enough for engine and queue behavior.
type memStore struct {
	mu          sync.Mutex
	events      map[string]*Event
	eventOrder  []string
	invocations map[string]*Invocation
	toolCalls   map[string]*ToolCallRecord
	tcOrder     []string
	approvals   map[string]*Approval
	apOrder     []string
	projects    map[string]*Project
	history     []HistoryEntry
	nextHistID  int64
	tasks       map[string]*Task
}

func newMemStore() *memStore {
	return &memStore{
		events:      make(map[string]*Event),
		invocations: make(map[string]*Invocation),
		toolCalls:   make(map[string]*ToolCallRecord),
		approvals:   make(map[string]*Approval),
		projects:    make(map[string]*Project),
		tasks:       make(map[string]*Task),
		nextHistID:  1,
	}
}

var _ Store = (*memStore)(nil)

func (s *memStore) Init(ctx context.Context) error { return nil }
func (s *memStore) Close() error                   { return nil }

func (s *memStore) InsertEvent(ctx context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.events[ev.ID]; ok {
		return nil
	}
	cp := ev
	s.events[ev.ID] = &cp
	s.eventOrder = append(s.eventOrder, ev.ID)
	return nil
}

func (s *memStore) DequeueEvent(ctx context.Context) (Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *Event
	for _, id := range s.eventOrder {
		ev := s.events[id]
		if ev.Status != EventPending {
			continue
		}
		if best == nil || ev.Priority < best.Priority ||
			(ev.Priority == best.Priority && ev.CreatedAt < best.CreatedAt) {
			best = ev
		}
	}
	if best == nil {
		return Event{}, ErrQueueEmpty
	}
	snapshot := *best
	best.Status = EventProcessing
	return snapshot, nil
}

func (s *memStore) FinishEvent(ctx context.Context, id, status string, processedAt int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[id]
	if !ok {
		return ErrNotFound
	}
	ev.Status = status
	ev.ProcessedAt = processedAt
	return nil
}

func (s *memStore) ResetStaleEvents(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, ev := range s.events {
		if ev.Status == EventProcessing {
			ev.Status = EventPending
			n++
		}
	}
	return n, nil
}

func (s *memStore) GetEvent(ctx context.Context, id string) (Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[id]
	if !ok {
		return Event{}, ErrNotFound
	}
	return *ev, nil
}

func (s *memStore) ListEvents(ctx context.Context, f ListFilter) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Event
	for _, id := range s.eventOrder {
		ev := s.events[id]
		if f.Status != "" && ev.Status != f.Status {
			continue
		}
		if f.Source != "" && ev.Source != f.Source {
			continue
		}
		out = append(out, *ev)
	}
	return out, nil
}

func (s *memStore) InsertInvocation(ctx context.Context, inv Invocation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := inv
	s.invocations[inv.ID] = &cp
	return nil
}

func (s *memStore) FinishInvocation(ctx context.Context, id, response, toolCalls, status string, finishedAt int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invocations[id]
	if !ok {
		return ErrNotFound
	}
	inv.Response = response
	inv.ToolCalls = toolCalls
	inv.Status = status
	inv.FinishedAt = finishedAt
	return nil
}

func (s *memStore) GetInvocation(ctx context.Context, id string) (Invocation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invocations[id]
	if !ok {
		return Invocation{}, ErrNotFound
	}
	return *inv, nil
}

func (s *memStore) ListInvocations(ctx context.Context, f ListFilter) ([]Invocation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Invocation
	for _, inv := range s.invocations {
		out = append(out, *inv)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out, nil
}

func (s *memStore) InsertToolCall(ctx context.Context, tc ToolCallRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := tc
	s.toolCalls[tc.ID] = &cp
	s.tcOrder = append(s.tcOrder, tc.ID)
	return nil
}

func (s *memStore) FinishToolCall(ctx context.Context, id, result, status string, executedAt int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tc, ok := s.toolCalls[id]
	if !ok {
		return ErrNotFound
	}
	tc.Result = result
	tc.Status = status
	tc.ExecutedAt = executedAt
	return nil
}

func (s *memStore) GetToolCall(ctx context.Context, id string) (ToolCallRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tc, ok := s.toolCalls[id]
	if !ok {
		return ToolCallRecord{}, ErrNotFound
	}
	return *tc, nil
}

func (s *memStore) ListToolCalls(ctx context.Context, f ListFilter) ([]ToolCallRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ToolCallRecord
	for _, id := range s.tcOrder {
		out = append(out, *s.toolCalls[id])
	}
	return out, nil
}

func (s *memStore) InsertApproval(ctx context.Context, ap Approval) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := ap
	s.approvals[ap.ID] = &cp
	s.apOrder = append(s.apOrder, ap.ID)
	return nil
}

func (s *memStore) RecordApprovalResponse(ctx context.Context, id, response string, respondedAt int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ap, ok := s.approvals[id]
	if !ok {
		return ErrNotFound
	}
	ap.Response = response
	ap.RespondedAt = respondedAt
	return nil
}

func (s *memStore) GetApproval(ctx context.Context, id string) (Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ap, ok := s.approvals[id]
	if !ok {
		return Approval{}, ErrNotFound
	}
	return *ap, nil
}

func (s *memStore) ListApprovals(ctx context.Context, f ListFilter) ([]Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Approval
	for _, id := range s.apOrder {
		out = append(out, *s.approvals[id])
	}
	return out, nil
}

func (s *memStore) EnsureProject(ctx context.Context, id, name string, createdAt int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.projects[id]; ok {
		return nil
	}
	s.projects[id] = &Project{ID: id, Name: name, CreatedAt: createdAt}
	return nil
}

func (s *memStore) GetProject(ctx context.Context, id string) (Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[id]
	if !ok {
		return Project{}, ErrNotFound
	}
	return *p, nil
}

func (s *memStore) ListProjects(ctx context.Context, f ListFilter) ([]Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Project
	for _, p := range s.projects {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memStore) CompactHistory(ctx context.Context, projectID, summary string, deleteIDs []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[projectID]
	if !ok {
		return ErrNotFound
	}
	p.Summary = summary
	doomed := make(map[int64]bool, len(deleteIDs))
	for _, id := range deleteIDs {
		doomed[id] = true
	}
	var kept []HistoryEntry
	for _, h := range s.history {
		if h.ProjectID == projectID && doomed[h.ID] {
			continue
		}
		kept = append(kept, h)
	}
	s.history = kept
	return nil
}

func (s *memStore) AppendHistory(ctx context.Context, e HistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.ID = s.nextHistID
	s.nextHistID++
	s.history = append(s.history, e)
	return nil
}

func (s *memStore) ListHistory(ctx context.Context, projectID string, limit int) ([]HistoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []HistoryEntry
	for _, h := range s.history {
		if h.ProjectID == projectID {
			out = append(out, h)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *memStore) UpsertTask(ctx context.Context, t Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := t
	s.tasks[t.ID] = &cp
	return nil
}

func (s *memStore) GetTask(ctx context.Context, id string) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return Task{}, ErrNotFound
	}
	return *t, nil
}

func (s *memStore) ListTasks(ctx context.Context, f ListFilter) ([]Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Task
	for _, t := range s.tasks {
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out, nil
}

func (s *memStore) TableCounts(ctx context.Context) (map[string]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return map[string]int64{
		"events":      int64(len(s.events)),
		"invocations": int64(len(s.invocations)),
		"tool_calls":  int64(len(s.toolCalls)),
		"approvals":   int64(len(s.approvals)),
		"projects":    int64(len(s.projects)),
		"history":     int64(len(s.history)),
		"tasks":       int64(len(s.tasks)),
	}, nil
}

// mockProvider replays a scripted list of responses and records every
// request it saw.
type mockProvider struct {
	mu        sync.Mutex
	responses []ChatResponse
	requests  []ChatRequest
	err       error
}

var _ Provider = (*mockProvider)(nil)

func (p *mockProvider) Name() string { return "mock" }

func (p *mockProvider) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	if p.err != nil {
		return ChatResponse{}, p.err
	}
	if len(p.responses) == 0 {
		return ChatResponse{Content: `{"reasoning": "done", "tool_call": null}`, FinishReason: "stop"}, nil
	}
	resp := p.responses[0]
	p.responses = p.responses[1:]
	if resp.FinishReason == "" {
		resp.FinishReason = "stop"
	}
	return resp, nil
}

func textResponse(s string) ChatResponse {
	return ChatResponse{Content: s, FinishReason: "stop"}
}

func finalResponse(answer string) ChatResponse {
	return textResponse(`{"reasoning": ` + quoteJSON(answer) + `, "tool_call": null}`)
}

func toolResponse(reasoning, tool, paramsJSON string) ChatResponse {
	return textResponse(`{"reasoning": ` + quoteJSON(reasoning) + `, "tool_call": {"tool": "` + tool + `", "parameters": ` + paramsJSON + `}}`)
}

func quoteJSON(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `\"`) + `"`
}

// mockTool returns a Tool that records calls and returns a fixed result.
func mockTool(name, risk string, result map[string]any) (Tool, *[]map[string]any) {
	calls := &[]map[string]any{}
	return Tool{
		Name:        name,
		Description: "test tool " + name,
		Parameters:  []byte(`{"type":"object","properties":{"value":{"type":"string"}},"additionalProperties":false}`),
		RiskLevel:   risk,
		Fn: func(ctx context.Context, params map[string]any) (map[string]any, error) {
			*calls = append(*calls, params)
			return result, nil
		},
	}, calls
}
