package germinal

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func newTestInvoker(t *testing.T, store *memStore, opts ...InvokerOption) (*Invoker, *Registry) {
	t.Helper()
	registry := NewRegistry()
	contexts := NewContextManager(store)
	return NewInvoker(store, registry, contexts, opts...), registry
}

func taskAgent(tools ...string) AgentConfig {
	return AgentConfig{Type: "task_agent", AllowedTools: tools, MaxIterations: 10}
}

func TestInvokeImmediateFinish(t *testing.T) {
	store := newMemStore()
	iv, _ := newTestInvoker(t, store)
	provider := &mockProvider{responses: []ChatResponse{finalResponse("all done")}}

	res, err := iv.Invoke(context.Background(), InvokeParams{
		Task: "say hi", Agent: taskAgent(), Provider: provider, ProjectID: "proj", EventID: "evt_1",
	})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if res.Status != InvocationDone {
		t.Errorf("status = %s", res.Status)
	}
	if res.Response != "all done" {
		t.Errorf("response = %q", res.Response)
	}
	// The terminal reasoning is the response, not a recorded step.
	if len(res.Steps) != 0 {
		t.Errorf("steps = %+v", res.Steps)
	}
	if !strings.HasPrefix(res.InvocationID, "inv_") {
		t.Errorf("invocation id = %q", res.InvocationID)
	}

	inv, err := store.GetInvocation(context.Background(), res.InvocationID)
	if err != nil {
		t.Fatalf("get invocation: %v", err)
	}
	if inv.Status != InvocationDone || inv.Response != "all done" || inv.FinishedAt == 0 {
		t.Errorf("invocation row = %+v", inv)
	}

	// Finalisation appends the exchange to history.
	hist, _ := store.ListHistory(context.Background(), "proj", 0)
	if len(hist) != 2 || hist[0].Content != "say hi" || hist[1].Content != "all done" {
		t.Errorf("history = %+v", hist)
	}
}

func TestInvokeToolLoop(t *testing.T) {
	store := newMemStore()
	iv, registry := newTestInvoker(t, store)
	tool, calls := mockTool("echo", RiskLow, map[string]any{"echoed": "hi"})
	if err := registry.Register(tool); err != nil {
		t.Fatalf("register: %v", err)
	}

	provider := &mockProvider{responses: []ChatResponse{
		toolResponse("need the tool", "echo", `{"value": "hi"}`),
		finalResponse("tool said hi"),
	}}

	res, err := iv.Invoke(context.Background(), InvokeParams{
		Task: "use echo", Agent: taskAgent("echo"), Provider: provider, ProjectID: "proj",
	})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if res.Status != InvocationDone || res.Response != "tool said hi" {
		t.Errorf("result = %+v", res)
	}
	if len(*calls) != 1 {
		t.Fatalf("tool ran %d times, want 1", len(*calls))
	}
	if len(res.ToolCalls) != 1 || res.ToolCalls[0].Status != ToolCallExecuted {
		t.Errorf("tool calls = %+v", res.ToolCalls)
	}
	if len(res.Steps) != 1 || res.Steps[0].Tool != "echo" {
		t.Errorf("steps = %+v", res.Steps)
	}

	// The tool result is fed back wrapped in tags.
	last := provider.requests[1].Messages
	feedback := last[len(last)-1]
	if feedback.Role != RoleUser || !strings.HasPrefix(feedback.Content, "<tool_result>\n") || !strings.HasSuffix(feedback.Content, "\n</tool_result>") {
		t.Errorf("feedback = %+v", feedback)
	}
	if !strings.Contains(feedback.Content, `"echoed":"hi"`) {
		t.Errorf("feedback content = %q", feedback.Content)
	}

	// Audit row recorded and finished.
	tcs, _ := store.ListToolCalls(context.Background(), ListFilter{})
	if len(tcs) != 1 || tcs[0].Status != ToolCallExecuted || tcs[0].ExecutedAt == 0 {
		t.Errorf("tool call rows = %+v", tcs)
	}
}

func TestInvokeUnknownTool(t *testing.T) {
	store := newMemStore()
	iv, _ := newTestInvoker(t, store)
	provider := &mockProvider{responses: []ChatResponse{
		toolResponse("try a ghost", "ghost", `{}`),
		finalResponse("recovered"),
	}}

	res, err := iv.Invoke(context.Background(), InvokeParams{
		Task: "x", Agent: taskAgent(), Provider: provider, ProjectID: "proj",
	})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if res.Status != InvocationDone || res.Response != "recovered" {
		t.Errorf("result = %+v", res)
	}
	if len(res.ToolCalls) != 1 || res.ToolCalls[0].Status != ToolCallFailed {
		t.Errorf("tool calls = %+v", res.ToolCalls)
	}
	if res.ToolCalls[0].Result["error"] != "Unknown tool: ghost" {
		t.Errorf("result = %v", res.ToolCalls[0].Result)
	}

	tcs, _ := store.ListToolCalls(context.Background(), ListFilter{})
	if tcs[0].RiskLevel != RiskUnknown || tcs[0].Status != ToolCallFailed {
		t.Errorf("row = %+v", tcs[0])
	}
}

type fixedGate struct {
	decision bool
	requests []ApprovalRequest
}

func (g *fixedGate) Approve(ctx context.Context, req ApprovalRequest) (bool, error) {
	g.requests = append(g.requests, req)
	return g.decision, nil
}

func TestInvokeHighRiskDenied(t *testing.T) {
	store := newMemStore()
	gate := &fixedGate{decision: false}
	iv, registry := newTestInvoker(t, store, WithGate(gate))
	tool, calls := mockTool("shell_run", RiskHigh, map[string]any{"ok": true})
	if err := registry.Register(tool); err != nil {
		t.Fatalf("register: %v", err)
	}

	provider := &mockProvider{responses: []ChatResponse{
		toolResponse("run it", "shell_run", `{"value": "ls"}`),
		finalResponse("could not run"),
	}}

	res, err := iv.Invoke(context.Background(), InvokeParams{
		Task: "x", Agent: taskAgent("shell_run"), Provider: provider, ProjectID: "proj",
	})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if len(*calls) != 0 {
		t.Error("denied tool must not run")
	}
	if len(gate.requests) != 1 || gate.requests[0].ToolName != "shell_run" || gate.requests[0].RiskLevel != RiskHigh {
		t.Errorf("gate requests = %+v", gate.requests)
	}
	if res.ToolCalls[0].Status != ToolCallDenied {
		t.Errorf("tool call = %+v", res.ToolCalls[0])
	}
	if res.ToolCalls[0].Result["error"] != "Tool call 'shell_run' denied by approval gate." {
		t.Errorf("result = %v", res.ToolCalls[0].Result)
	}
}

func TestInvokeHighRiskApproved(t *testing.T) {
	store := newMemStore()
	gate := &fixedGate{decision: true}
	iv, registry := newTestInvoker(t, store, WithGate(gate))
	tool, calls := mockTool("shell_run", RiskHigh, map[string]any{"stdout": "ok"})
	if err := registry.Register(tool); err != nil {
		t.Fatalf("register: %v", err)
	}

	provider := &mockProvider{responses: []ChatResponse{
		toolResponse("run it", "shell_run", `{"value": "ls"}`),
		finalResponse("ran fine"),
	}}

	res, err := iv.Invoke(context.Background(), InvokeParams{
		Task: "x", Agent: taskAgent("shell_run"), Provider: provider, ProjectID: "proj",
	})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if len(*calls) != 1 {
		t.Error("approved tool should run")
	}
	if res.ToolCalls[0].Status != ToolCallExecuted {
		t.Errorf("tool call = %+v", res.ToolCalls[0])
	}
}

func TestInvokeLowRiskSkipsGate(t *testing.T) {
	store := newMemStore()
	gate := &fixedGate{decision: false}
	iv, registry := newTestInvoker(t, store, WithGate(gate))
	tool, calls := mockTool("echo", RiskLow, map[string]any{"ok": true})
	if err := registry.Register(tool); err != nil {
		t.Fatalf("register: %v", err)
	}

	provider := &mockProvider{responses: []ChatResponse{
		toolResponse("echo", "echo", `{"value": "x"}`),
		finalResponse("done"),
	}}

	if _, err := iv.Invoke(context.Background(), InvokeParams{
		Task: "x", Agent: taskAgent("echo"), Provider: provider, ProjectID: "proj",
	}); err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if len(gate.requests) != 0 {
		t.Error("low risk must not consult the gate")
	}
	if len(*calls) != 1 {
		t.Error("low risk tool should run")
	}
}

func TestInvokeIterationCap(t *testing.T) {
	store := newMemStore()
	iv, registry := newTestInvoker(t, store)
	tool, _ := mockTool("echo", RiskLow, map[string]any{"ok": true})
	if err := registry.Register(tool); err != nil {
		t.Fatalf("register: %v", err)
	}

	// Provider keeps asking for tools forever; responses list is empty so
	// the scripted fallback would finish, so script enough tool turns.
	var responses []ChatResponse
	for i := 0; i < 5; i++ {
		responses = append(responses, toolResponse("again", "echo", `{"value": "x"}`))
	}
	provider := &mockProvider{responses: responses}

	agent := taskAgent("echo")
	agent.MaxIterations = 3
	res, err := iv.Invoke(context.Background(), InvokeParams{
		Task: "x", Agent: agent, Provider: provider, ProjectID: "proj",
	})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if res.Status != InvocationFailed {
		t.Errorf("status = %s", res.Status)
	}
	if res.Response != "Iteration cap reached without task completion." {
		t.Errorf("response = %q", res.Response)
	}
	if len(res.ToolCalls) != 3 {
		t.Errorf("tool calls = %d, want 3", len(res.ToolCalls))
	}

	inv, _ := store.GetInvocation(context.Background(), res.InvocationID)
	if inv.Status != InvocationFailed {
		t.Errorf("invocation row status = %s", inv.Status)
	}
}

func TestInvokeValidationRetry(t *testing.T) {
	store := newMemStore()
	iv, _ := newTestInvoker(t, store)
	provider := &mockProvider{responses: []ChatResponse{
		textResponse("this is not json at all"),
		textResponse(`{"tool_call": null}`), // missing reasoning
		finalResponse("third time lucky"),
	}}

	res, err := iv.Invoke(context.Background(), InvokeParams{
		Task: "x", Agent: taskAgent(), Provider: provider, ProjectID: "proj",
	})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if res.Status != InvocationDone || res.Response != "third time lucky" {
		t.Errorf("result = %+v", res)
	}
	if len(provider.requests) != 3 {
		t.Fatalf("model calls = %d, want 3", len(provider.requests))
	}
	// The re-ask carries the validation error.
	msgs := provider.requests[1].Messages
	if !strings.Contains(msgs[len(msgs)-1].Content, "Your response was invalid") {
		t.Errorf("re-ask = %q", msgs[len(msgs)-1].Content)
	}
}

func TestInvokeValidationRetryExhausted(t *testing.T) {
	store := newMemStore()
	iv, _ := newTestInvoker(t, store)
	var responses []ChatResponse
	for i := 0; i < 6; i++ {
		responses = append(responses, textResponse("garbage"))
	}
	provider := &mockProvider{responses: responses}

	res, err := iv.Invoke(context.Background(), InvokeParams{
		Task: "x", Agent: taskAgent(), Provider: provider, ProjectID: "proj",
	})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if res.Status != InvocationFailed {
		t.Errorf("status = %s", res.Status)
	}
	if !strings.Contains(res.Response, "failed validation after 3 attempts") {
		t.Errorf("response = %q", res.Response)
	}
	// Initial call plus three retries.
	if len(provider.requests) != 4 {
		t.Errorf("model calls = %d, want 4", len(provider.requests))
	}
}

func TestInvokeTruncationContinuation(t *testing.T) {
	store := newMemStore()
	iv, _ := newTestInvoker(t, store)
	provider := &mockProvider{responses: []ChatResponse{
		{Content: `{"reasoning": "I was going to`, FinishReason: FinishLength},
		finalResponse("complete now"),
	}}

	res, err := iv.Invoke(context.Background(), InvokeParams{
		Task: "x", Agent: taskAgent(), Provider: provider, ProjectID: "proj",
	})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if res.Status != InvocationDone || res.Response != "complete now" {
		t.Errorf("result = %+v", res)
	}
	msgs := provider.requests[1].Messages
	if !strings.Contains(msgs[len(msgs)-1].Content, "cut off") {
		t.Errorf("continuation nudge = %q", msgs[len(msgs)-1].Content)
	}
}

func TestInvokeTruncationExhausted(t *testing.T) {
	store := newMemStore()
	iv, _ := newTestInvoker(t, store)
	var responses []ChatResponse
	for i := 0; i < 8; i++ {
		responses = append(responses, ChatResponse{Content: "partial", FinishReason: FinishLength})
	}
	provider := &mockProvider{responses: responses}

	res, err := iv.Invoke(context.Background(), InvokeParams{
		Task: "x", Agent: taskAgent(), Provider: provider, ProjectID: "proj",
	})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if res.Status != InvocationFailed {
		t.Errorf("status = %s", res.Status)
	}
	if !strings.Contains(res.Response, "truncated after 5 continuation attempts") {
		t.Errorf("response = %q", res.Response)
	}
	if len(provider.requests) != 6 {
		t.Errorf("model calls = %d, want 6", len(provider.requests))
	}
}

func TestInvokeContextIsSeparateMessage(t *testing.T) {
	store := newMemStore()
	ctx := context.Background()
	store.EnsureProject(ctx, "proj", "Project", 1)
	store.projects["proj"].Brief = "the brief"

	iv, _ := newTestInvoker(t, store)
	provider := &mockProvider{responses: []ChatResponse{finalResponse("ok")}}

	res, err := iv.Invoke(ctx, InvokeParams{
		Task: "the task", Agent: taskAgent(), Provider: provider, ProjectID: "proj",
	})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}

	// System prompt, then the context block as its own user message, then
	// the task.
	msgs := provider.requests[0].Messages
	if len(msgs) != 3 {
		t.Fatalf("messages = %d, want 3", len(msgs))
	}
	block := msgs[1]
	if block.Role != RoleUser || !strings.Contains(block.Content, "=== PROJECT CONTEXT ===") || !strings.Contains(block.Content, "the brief") {
		t.Errorf("context message = %+v", block)
	}
	if strings.Contains(block.Content, "the task") {
		t.Errorf("task leaked into the context message:\n%s", block.Content)
	}
	if msgs[2].Role != RoleUser || msgs[2].Content != "the task" {
		t.Errorf("task message = %+v", msgs[2])
	}

	inv, _ := store.GetInvocation(ctx, res.InvocationID)
	if !strings.Contains(inv.Context, "the brief") {
		t.Error("assembled context should be persisted on the invocation row")
	}
}

func TestInvokeEmptyContextOmitsMessage(t *testing.T) {
	store := newMemStore()
	iv, _ := newTestInvoker(t, store)
	provider := &mockProvider{responses: []ChatResponse{finalResponse("ok")}}

	if _, err := iv.Invoke(context.Background(), InvokeParams{
		Task: "just this", Agent: taskAgent(), Provider: provider, ProjectID: "proj",
	}); err != nil {
		t.Fatalf("invoke: %v", err)
	}

	msgs := provider.requests[0].Messages
	if len(msgs) != 2 {
		t.Fatalf("messages = %d, want 2", len(msgs))
	}
	if msgs[1].Content != "just this" {
		t.Errorf("task message = %+v", msgs[1])
	}
}

func TestInvokeNoProjectSkipsHistory(t *testing.T) {
	store := newMemStore()
	iv, _ := newTestInvoker(t, store)
	provider := &mockProvider{responses: []ChatResponse{finalResponse("done")}}

	res, err := iv.Invoke(context.Background(), InvokeParams{
		Task: "unbound work", Agent: taskAgent(), Provider: provider, EventID: "evt_1",
	})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if res.Status != InvocationDone {
		t.Errorf("status = %s", res.Status)
	}

	hist, _ := store.ListHistory(context.Background(), "", 0)
	if len(hist) != 0 {
		t.Errorf("history rows without a project = %d, want 0", len(hist))
	}
	// Only the invocation turn hits the model; no compaction call follows.
	if len(provider.requests) != 1 {
		t.Errorf("model calls = %d, want 1", len(provider.requests))
	}

	inv, _ := store.GetInvocation(context.Background(), res.InvocationID)
	if inv.Status != InvocationDone {
		t.Errorf("invocation row still finishes, got %+v", inv)
	}
}

func TestInvokeSystemPromptListsAllowedTools(t *testing.T) {
	store := newMemStore()
	iv, registry := newTestInvoker(t, store)
	a, _ := mockTool("read_file", RiskLow, nil)
	b, _ := mockTool("shell_run", RiskHigh, nil)
	if err := registry.RegisterAll([]Tool{a, b}); err != nil {
		t.Fatalf("register: %v", err)
	}

	provider := &mockProvider{responses: []ChatResponse{finalResponse("ok")}}
	if _, err := iv.Invoke(context.Background(), InvokeParams{
		Task: "x", Agent: taskAgent("read_file"), Provider: provider, ProjectID: "proj",
	}); err != nil {
		t.Fatalf("invoke: %v", err)
	}

	sys := provider.requests[0].Messages[0]
	if sys.Role != RoleSystem {
		t.Fatalf("first message role = %s", sys.Role)
	}
	if !strings.Contains(sys.Content, "read_file") {
		t.Error("allowed tool missing from system prompt")
	}
	if strings.Contains(sys.Content, "shell_run") {
		t.Error("disallowed tool leaked into system prompt")
	}
}

func TestParseAgentResponse(t *testing.T) {
	cases := []struct {
		name    string
		text    string
		wantErr bool
		tool    string
	}{
		{"plain final", `{"reasoning": "done", "tool_call": null}`, false, ""},
		{"tool call", `{"reasoning": "r", "tool_call": {"tool": "echo", "parameters": {"a": 1}}}`, false, "echo"},
		{"fenced", "```json\n{\"reasoning\": \"done\", \"tool_call\": null}\n```", false, ""},
		{"surrounding prose", `Sure! {"reasoning": "done", "tool_call": null} Hope that helps.`, false, ""},
		{"nested braces in strings", `{"reasoning": "use {braces}", "tool_call": null}`, false, ""},
		{"no json", "I cannot do that", true, ""},
		{"missing reasoning", `{"tool_call": null}`, true, ""},
		{"empty reasoning", `{"reasoning": "  ", "tool_call": null}`, true, ""},
		{"tool without name", `{"reasoning": "r", "tool_call": {"tool": "", "parameters": {}}}`, true, ""},
		{"unbalanced", `{"reasoning": "oops`, true, ""},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			ar, err := ParseAgentResponse(c.text)
			if c.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", ar)
				}
				return
			}
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if c.tool == "" && ar.ToolCall != nil {
				t.Errorf("unexpected tool call %+v", ar.ToolCall)
			}
			if c.tool != "" && (ar.ToolCall == nil || ar.ToolCall.Tool != c.tool) {
				t.Errorf("tool call = %+v", ar.ToolCall)
			}
		})
	}
}

func TestParseAgentResponseNilParameters(t *testing.T) {
	ar, err := ParseAgentResponse(`{"reasoning": "r", "tool_call": {"tool": "echo"}}`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if ar.ToolCall.Parameters == nil {
		t.Error("parameters should default to an empty map")
	}
}

func TestInvokeToolCallsSerialized(t *testing.T) {
	store := newMemStore()
	iv, registry := newTestInvoker(t, store)
	tool, _ := mockTool("echo", RiskLow, map[string]any{"ok": true})
	if err := registry.Register(tool); err != nil {
		t.Fatalf("register: %v", err)
	}

	provider := &mockProvider{responses: []ChatResponse{
		toolResponse("use it", "echo", `{"value": "x"}`),
		finalResponse("done"),
	}}
	res, err := iv.Invoke(context.Background(), InvokeParams{
		Task: "x", Agent: taskAgent("echo"), Provider: provider, ProjectID: "proj",
	})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}

	inv, _ := store.GetInvocation(context.Background(), res.InvocationID)
	var recorded []ToolCallSummary
	if err := json.Unmarshal([]byte(inv.ToolCalls), &recorded); err != nil {
		t.Fatalf("tool_calls column is not JSON: %v", err)
	}
	if len(recorded) != 1 || recorded[0].Tool != "echo" {
		t.Errorf("recorded = %+v", recorded)
	}
}
