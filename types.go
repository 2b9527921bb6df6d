package germinal

import "encoding/json"

// Event lifecycle statuses.
const (
	EventPending    = "pending"
	EventProcessing = "processing"
	EventDone       = "done"
	EventFailed     = "failed"
)

// Invocation statuses.
const (
	InvocationRunning = "running"
	InvocationDone    = "done"
	InvocationFailed  = "failed"
)

// Tool call statuses.
const (
	ToolCallPending  = "pending"
	ToolCallExecuted = "executed"
	ToolCallFailed   = "failed"
	ToolCallDenied   = "denied"
)

// Tool risk levels. RiskUnknown is recorded for calls to tools that are
// not registered.
const (
	RiskLow     = "low"
	RiskMedium  = "medium"
	RiskHigh    = "high"
	RiskUnknown = "unknown"
)

// Priority bounds for queued events. Lower numbers dequeue first.
const (
	PriorityHighest = 1
	PriorityDefault = 5
	PriorityLowest  = 10
)

// Event is a unit of work in the durable queue. ID is derived
// deterministically from source, type, payload, and the UTC hour so
// identical events within the same hour deduplicate on insert.
type Event struct {
	ID          string
	Source      string
	Type        string
	Payload     map[string]any
	Priority    int
	Status      string
	CreatedAt   int64
	ProcessedAt int64
}

// Invocation records one agent run: the task, the serialized context it
// saw, and its outcome.
type Invocation struct {
	ID         string
	EventID    string
	AgentType  string
	ProjectID  string
	Task       string
	Context    string
	Response   string
	ToolCalls  string
	Status     string
	CreatedAt  int64
	FinishedAt int64
}

// ToolCallRecord is the audit row for a single tool dispatch within an
// invocation.
type ToolCallRecord struct {
	ID           string
	InvocationID string
	ToolName     string
	Parameters   string
	Result       string
	RiskLevel    string
	Status       string
	CreatedAt    int64
	ExecutedAt   int64
}

// Approval records a gate decision for a high-risk tool call. The row is
// written before the operator is consulted so an interrupted prompt still
// leaves a trace.
type Approval struct {
	ID          string
	ToolCallID  string
	AgentType   string
	ProjectID   string
	ToolName    string
	Parameters  string
	Prompt      string
	Response    string
	CreatedAt   int64
	RespondedAt int64
}

// Project is a named workspace owning context tiers and history.
type Project struct {
	ID        string
	Name      string
	Brief     string
	Summary   string
	CreatedAt int64
}

// HistoryEntry is one turn of recorded conversation for a project.
type HistoryEntry struct {
	ID        int64
	ProjectID string
	Role      string
	Content   string
	CreatedAt int64
}

// Task is a backlog item managed by the task tools.
type Task struct {
	ID          string
	ProjectID   string
	Title       string
	Description string
	Status      string
	CreatedAt   int64
	UpdatedAt   int64
}

// Chat message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// RoleAgent is the history role recorded for the agent's reply. History
// rows use "agent"; RoleAssistant is the wire role sent to providers.
const RoleAgent = "agent"

// ChatMessage is a single turn sent to a Provider.
type ChatMessage struct {
	Role    string
	Content string
}

// SystemMessage builds a system-role message.
func SystemMessage(content string) ChatMessage {
	return ChatMessage{Role: RoleSystem, Content: content}
}

// UserMessage builds a user-role message.
func UserMessage(content string) ChatMessage {
	return ChatMessage{Role: RoleUser, Content: content}
}

// AssistantMessage builds an assistant-role message.
func AssistantMessage(content string) ChatMessage {
	return ChatMessage{Role: RoleAssistant, Content: content}
}

// AgentResponse is the structured contract every model turn must satisfy:
// a reasoning string plus either a tool call or null to finish.
type AgentResponse struct {
	Reasoning string           `json:"reasoning"`
	ToolCall  *ToolCallRequest `json:"tool_call"`
}

// ToolCallRequest names a registered tool and its arguments.
type ToolCallRequest struct {
	Tool       string         `json:"tool"`
	Parameters map[string]any `json:"parameters"`
}

// Step is one tool-calling iteration of the invocation loop: the
// reasoning and the tool request it led to. The terminal reply is carried
// by InvokeResult.Response, never as a step.
type Step struct {
	Reasoning  string         `json:"reasoning"`
	Tool       string         `json:"tool,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// ToolCallSummary is the per-call slice of an InvokeResult.
type ToolCallSummary struct {
	ID     string         `json:"id"`
	Tool   string         `json:"tool"`
	Status string         `json:"status"`
	Result map[string]any `json:"result"`
}

// InvokeResult is what the invocation engine returns to the supervisor and,
// through the waiter, to the HTTP front-end.
type InvokeResult struct {
	InvocationID string            `json:"invocation_id"`
	Status       string            `json:"status"`
	Response     string            `json:"response"`
	ToolCalls    []ToolCallSummary `json:"tool_calls"`
	Steps        []Step            `json:"steps"`
}

// MarshalJSONString renders v as compact JSON, returning "{}" on failure.
// Persisted payload columns must never be empty strings.
func MarshalJSONString(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(data)
}
