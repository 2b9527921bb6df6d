package germinal

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
)

// Engine limits. Validation retries and continuations are consecutive
// per-turn counters; the iteration cap bounds the whole loop.
const (
	DefaultMaxIterations = 100
	MaxValidationRetries = 3
	MaxContinuations     = 5
)

// Messages fed back to the model on retryable turns.
const continuationNudge = "Your previous response was cut off. Regenerate it from the beginning as a single complete JSON object."

// AgentConfig is the per-agent-type policy: which tools it may call, how
// many loop iterations it gets, and which risk levels need approval.
type AgentConfig struct {
	Type                string
	AllowedTools        []string
	MaxIterations       int
	ApprovalRequiredFor []string
}

// InvokeParams carries one invocation request into the engine.
type InvokeParams struct {
	Task      string
	Agent     AgentConfig
	Provider  Provider
	ProjectID string
	EventID   string
	MaxTokens int
}

// Invoker drives the structured tool-calling loop for one agent
// invocation and records every step durably.
type Invoker struct {
	store    Store
	registry *Registry
	gate     Gate
	contexts *ContextManager
	logger   *slog.Logger
	tracer   Tracer
}

// InvokerOption configures an Invoker.
type InvokerOption func(*Invoker)

// WithInvokerLogger sets a structured logger.
func WithInvokerLogger(l *slog.Logger) InvokerOption {
	return func(iv *Invoker) { iv.logger = l }
}

// WithGate sets the approval gate for high-risk tool calls. Without a
// gate, risk levels are recorded but never block.
func WithGate(g Gate) InvokerOption {
	return func(iv *Invoker) { iv.gate = g }
}

// WithTracer sets a Tracer for span emission.
func WithTracer(t Tracer) InvokerOption {
	return func(iv *Invoker) { iv.tracer = t }
}

// NewInvoker creates an Invoker.
func NewInvoker(store Store, registry *Registry, contexts *ContextManager, opts ...InvokerOption) *Invoker {
	iv := &Invoker{store: store, registry: registry, contexts: contexts, logger: nopLogger}
	for _, o := range opts {
		o(iv)
	}
	return iv
}

// Invoke runs the agent loop for one task. The returned result carries
// the invocation outcome even when Status is failed; a non-nil error
// means the runtime itself broke (store unreachable) and the event should
// be failed by the caller.
func (iv *Invoker) Invoke(ctx context.Context, p InvokeParams) (*InvokeResult, error) {
	if iv.tracer != nil {
		var span Span
		ctx, span = iv.tracer.Start(ctx, "agent.invoke",
			StringAttr("agent.type", p.Agent.Type),
			StringAttr("project.id", p.ProjectID))
		defer span.End()
	}

	contextBlock, err := iv.contexts.Assemble(ctx, p.ProjectID)
	if err != nil {
		return nil, err
	}

	invID := NewID("inv")
	inv := Invocation{
		ID:        invID,
		EventID:   p.EventID,
		AgentType: p.Agent.Type,
		ProjectID: p.ProjectID,
		Task:      p.Task,
		Context:   contextBlock,
		Status:    InvocationRunning,
		CreatedAt: NowMillis(),
	}
	if err := iv.store.InsertInvocation(ctx, inv); err != nil {
		return nil, fmt.Errorf("invoke: %w", err)
	}
	iv.logger.Info("invoker: started", "invocation", invID, "agent", p.Agent.Type, "project", p.ProjectID)

	schemas := iv.registry.SchemasForAgent(p.Agent.AllowedTools)
	messages := []ChatMessage{SystemMessage(BuildSystemPrompt(schemas))}
	if contextBlock != "" {
		messages = append(messages, UserMessage(contextBlock))
	}
	messages = append(messages, UserMessage(p.Task))

	res := &InvokeResult{InvocationID: invID, Status: InvocationFailed}
	maxIter := p.Agent.MaxIterations
	if maxIter <= 0 {
		maxIter = DefaultMaxIterations
	}

	done := false
	for iter := 0; iter < maxIter && !done; iter++ {
		ar, raw, turnErr := iv.obtainResponse(ctx, p, &messages)
		if turnErr != nil {
			res.Response = turnErr.Error()
			iv.logger.Warn("invoker: turn failed", "invocation", invID, "iteration", iter, "error", turnErr)
			break
		}

		// A null tool_call ends the loop; the reasoning is the final answer
		// and is not recorded as a step.
		if ar.ToolCall == nil {
			res.Response = ar.Reasoning
			res.Status = InvocationDone
			done = true
			break
		}
		res.Steps = append(res.Steps, Step{
			Reasoning:  ar.Reasoning,
			Tool:       ar.ToolCall.Tool,
			Parameters: ar.ToolCall.Parameters,
		})

		result, summary, dispErr := iv.dispatch(ctx, invID, p, ar.ToolCall)
		if dispErr != nil {
			iv.finalize(ctx, p, res)
			return res, dispErr
		}
		res.ToolCalls = append(res.ToolCalls, summary)

		messages = append(messages,
			AssistantMessage(raw),
			UserMessage("<tool_result>\n"+MarshalJSONString(result)+"\n</tool_result>"),
		)
	}

	if !done && res.Response == "" {
		res.Response = "Iteration cap reached without task completion."
		iv.logger.Warn("invoker: iteration cap reached", "invocation", invID, "max_iterations", maxIter)
	}

	iv.finalize(ctx, p, res)
	iv.logger.Info("invoker: finished", "invocation", invID, "status", res.Status, "tool_calls", len(res.ToolCalls))
	return res, nil
}

// obtainResponse calls the model until it produces a valid structured
// response, retrying truncated turns (up to MaxContinuations) and
// non-conforming output (up to MaxValidationRetries). A returned error
// fails the invocation.
func (iv *Invoker) obtainResponse(ctx context.Context, p InvokeParams, messages *[]ChatMessage) (AgentResponse, string, error) {
	continuations := 0
	validations := 0
	for {
		resp, err := p.Provider.Chat(ctx, ChatRequest{Messages: *messages, MaxTokens: p.MaxTokens})
		if err != nil {
			return AgentResponse{}, "", fmt.Errorf("model call failed: %w", err)
		}

		if resp.Truncated() {
			continuations++
			if continuations > MaxContinuations {
				return AgentResponse{}, "", fmt.Errorf("response truncated after %d continuation attempts", MaxContinuations)
			}
			iv.logger.Debug("invoker: truncated response, continuing", "attempt", continuations)
			*messages = append(*messages, UserMessage(continuationNudge))
			continue
		}

		ar, perr := ParseAgentResponse(resp.Content)
		if perr != nil {
			validations++
			if validations > MaxValidationRetries {
				return AgentResponse{}, "", fmt.Errorf("agent response failed validation after %d attempts: %v", MaxValidationRetries, perr)
			}
			iv.logger.Debug("invoker: invalid response, re-asking", "attempt", validations, "error", perr)
			*messages = append(*messages,
				AssistantMessage(resp.Content),
				UserMessage("Your response was invalid: "+perr.Error()+"\nReply again with a single JSON object matching the required shape."),
			)
			continue
		}
		return ar, resp.Content, nil
	}
}

// dispatch records and executes one tool call. Only store failures return
// an error; tool outcomes (unknown, denied, failed, executed) all land in
// the result map fed back to the model.
func (iv *Invoker) dispatch(ctx context.Context, invID string, p InvokeParams, call *ToolCallRequest) (map[string]any, ToolCallSummary, error) {
	tcID := NewID("tc")
	risk := iv.registry.Risk(call.Tool)
	rec := ToolCallRecord{
		ID:           tcID,
		InvocationID: invID,
		ToolName:     call.Tool,
		Parameters:   MarshalJSONString(call.Parameters),
		RiskLevel:    risk,
		Status:       ToolCallPending,
		CreatedAt:    NowMillis(),
	}
	if err := iv.store.InsertToolCall(ctx, rec); err != nil {
		return nil, ToolCallSummary{}, fmt.Errorf("dispatch tool: %w", err)
	}

	var span Span
	if iv.tracer != nil {
		ctx, span = iv.tracer.Start(ctx, "tool.execute",
			StringAttr("tool.name", call.Tool),
			StringAttr("tool.risk", risk))
		defer span.End()
	}

	var result map[string]any
	status := ToolCallExecuted

	_, registered := iv.registry.Get(call.Tool)
	switch {
	case !registered:
		result = map[string]any{"error": "Unknown tool: " + call.Tool}
		status = ToolCallFailed

	case iv.gate != nil && riskRequiresApproval(risk, p.Agent.ApprovalRequiredFor):
		approved, err := iv.gate.Approve(ctx, ApprovalRequest{
			ToolCallID: tcID,
			AgentType:  p.Agent.Type,
			ProjectID:  p.ProjectID,
			ToolName:   call.Tool,
			RiskLevel:  risk,
			Parameters: call.Parameters,
		})
		if err != nil {
			return nil, ToolCallSummary{}, fmt.Errorf("dispatch tool: %w", err)
		}
		if !approved {
			result = map[string]any{"error": "Tool call '" + call.Tool + "' denied by approval gate."}
			status = ToolCallDenied
			break
		}
		fallthrough

	default:
		out, err := iv.registry.Execute(ctx, call.Tool, call.Parameters)
		if err != nil {
			result = map[string]any{"error": err.Error()}
			status = ToolCallFailed
			if span != nil {
				span.Error(err)
			}
		} else {
			result = out
		}
	}

	if err := iv.store.FinishToolCall(ctx, tcID, MarshalJSONString(result), status, NowMillis()); err != nil {
		return nil, ToolCallSummary{}, fmt.Errorf("dispatch tool: %w", err)
	}
	iv.logger.Debug("invoker: tool dispatched", "tool", call.Tool, "status", status, "id", tcID)

	return result, ToolCallSummary{ID: tcID, Tool: call.Tool, Status: status, Result: result}, nil
}

func riskRequiresApproval(risk string, gated []string) bool {
	if len(gated) == 0 {
		gated = []string{RiskHigh}
	}
	for _, g := range gated {
		if g == risk {
			return true
		}
	}
	return false
}

// finalize always runs: history append and compaction check when a
// project is bound, then the invocation row update. Failures here are
// logged, not returned; the result is already decided.
func (iv *Invoker) finalize(ctx context.Context, p InvokeParams, res *InvokeResult) {
	if p.ProjectID != "" {
		if err := iv.contexts.Append(ctx, p.ProjectID, p.Task, res.Response); err != nil {
			iv.logger.Error("invoker: history append failed", "invocation", res.InvocationID, "error", err)
		}
		if err := iv.contexts.MaybeSummarise(ctx, p.ProjectID, p.Provider); err != nil {
			iv.logger.Error("invoker: summarise failed", "invocation", res.InvocationID, "error", err)
		}
	}
	if err := iv.store.FinishInvocation(ctx, res.InvocationID, res.Response, MarshalJSONString(res.ToolCalls), res.Status, NowMillis()); err != nil {
		iv.logger.Error("invoker: invocation update failed", "invocation", res.InvocationID, "error", err)
	}
}

// ParseAgentResponse extracts and validates the structured response from a
// model turn. Markdown fences and surrounding prose are tolerated; the
// first balanced JSON object in the text is taken.
func ParseAgentResponse(text string) (AgentResponse, error) {
	raw := extractJSONObject(text)
	if raw == "" {
		return AgentResponse{}, fmt.Errorf("no JSON object found in response")
	}

	var ar AgentResponse
	dec := json.NewDecoder(strings.NewReader(raw))
	if err := dec.Decode(&ar); err != nil {
		return AgentResponse{}, fmt.Errorf("malformed JSON: %v", err)
	}
	if strings.TrimSpace(ar.Reasoning) == "" {
		return AgentResponse{}, fmt.Errorf("missing required field \"reasoning\"")
	}
	if ar.ToolCall != nil {
		if strings.TrimSpace(ar.ToolCall.Tool) == "" {
			return AgentResponse{}, fmt.Errorf("tool_call present but \"tool\" is empty")
		}
		if ar.ToolCall.Parameters == nil {
			ar.ToolCall.Parameters = map[string]any{}
		}
	}
	return ar, nil
}

// extractJSONObject returns the first balanced top-level JSON object in
// text, respecting string literals and escapes. Empty when none exists.
func extractJSONObject(text string) string {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	return ""
}
