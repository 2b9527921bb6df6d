package germinal

import "context"

// ListFilter narrows inspector queries. Zero values mean "no filter".
// Search matches a substring in the row's main text column.
type ListFilter struct {
	Status    string
	Source    string
	ProjectID string
	Search    string
	Limit     int
}

// Store is the durable persistence layer for the runtime. All entity
// tables live in one embedded database so a single file captures the
// complete system state.
//
// Implementations must be safe for concurrent use; the supervisor, the
// HTTP front-end, and the timer adapter all hold the same Store.
type Store interface {
	// Init creates tables and indexes. Idempotent.
	Init(ctx context.Context) error
	Close() error

	// Events.
	InsertEvent(ctx context.Context, ev Event) error
	// DequeueEvent returns the highest-priority oldest pending event and
	// marks it processing, or ErrQueueEmpty.
	DequeueEvent(ctx context.Context) (Event, error)
	// FinishEvent stamps status (done or failed) and processed_at.
	FinishEvent(ctx context.Context, id, status string, processedAt int64) error
	// ResetStaleEvents flips processing events back to pending and returns
	// how many were reset. Called once at startup to recover from crashes.
	ResetStaleEvents(ctx context.Context) (int, error)
	GetEvent(ctx context.Context, id string) (Event, error)
	ListEvents(ctx context.Context, f ListFilter) ([]Event, error)

	// Invocations.
	InsertInvocation(ctx context.Context, inv Invocation) error
	FinishInvocation(ctx context.Context, id, response, toolCalls, status string, finishedAt int64) error
	GetInvocation(ctx context.Context, id string) (Invocation, error)
	ListInvocations(ctx context.Context, f ListFilter) ([]Invocation, error)

	// Tool calls.
	InsertToolCall(ctx context.Context, tc ToolCallRecord) error
	FinishToolCall(ctx context.Context, id, result, status string, executedAt int64) error
	GetToolCall(ctx context.Context, id string) (ToolCallRecord, error)
	ListToolCalls(ctx context.Context, f ListFilter) ([]ToolCallRecord, error)

	// Approvals.
	InsertApproval(ctx context.Context, ap Approval) error
	RecordApprovalResponse(ctx context.Context, id, response string, respondedAt int64) error
	GetApproval(ctx context.Context, id string) (Approval, error)
	ListApprovals(ctx context.Context, f ListFilter) ([]Approval, error)

	// Projects and context tiers.
	EnsureProject(ctx context.Context, id, name string, createdAt int64) error
	GetProject(ctx context.Context, id string) (Project, error)
	ListProjects(ctx context.Context, f ListFilter) ([]Project, error)
	// CompactHistory replaces the project summary and deletes the
	// summarized history rows in one transaction.
	CompactHistory(ctx context.Context, projectID, summary string, deleteIDs []int64) error

	// History.
	AppendHistory(ctx context.Context, e HistoryEntry) error
	// ListHistory returns the project's history oldest first.
	ListHistory(ctx context.Context, projectID string, limit int) ([]HistoryEntry, error)

	// Tasks.
	UpsertTask(ctx context.Context, t Task) error
	GetTask(ctx context.Context, id string) (Task, error)
	ListTasks(ctx context.Context, f ListFilter) ([]Task, error)

	// TableCounts returns row counts per table for the inspector.
	TableCounts(ctx context.Context) (map[string]int64, error)
}
