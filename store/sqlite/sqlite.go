// Package sqlite implements germinal.Store on a local SQLite file using
// the pure-Go driver. Zero CGO required; one database file captures the
// full runtime state.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/edwiny/germinal"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// defaultListLimit bounds unfiltered inspector queries.
const defaultListLimit = 50

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store. When set, the store
// emits debug logs for every operation including timing and key
// parameters. If not set, no logs are emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements germinal.Store backed by a local SQLite file.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ germinal.Store = (*Store)(nil)

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using a local SQLite file at dbPath.
// It opens a single shared connection pool with SetMaxOpenConns(1) so that
// all goroutines serialize through one connection, eliminating SQLITE_BUSY
// errors caused by concurrent writers opening independent connections.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s
}

// Init creates all required tables and indexes. Idempotent.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	s.logger.Debug("sqlite: init started")
	tables := []string{
		`CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			source TEXT NOT NULL,
			type TEXT NOT NULL,
			payload TEXT NOT NULL,
			priority INTEGER NOT NULL,
			status TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			processed_at INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS invocations (
			id TEXT PRIMARY KEY,
			event_id TEXT,
			agent_type TEXT NOT NULL,
			project_id TEXT NOT NULL,
			task TEXT NOT NULL,
			context TEXT,
			response TEXT,
			tool_calls TEXT,
			status TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			finished_at INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS tool_calls (
			id TEXT PRIMARY KEY,
			invocation_id TEXT NOT NULL,
			tool_name TEXT NOT NULL,
			parameters TEXT,
			result TEXT,
			risk_level TEXT,
			status TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			executed_at INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS approvals (
			id TEXT PRIMARY KEY,
			tool_call_id TEXT,
			agent_type TEXT,
			project_id TEXT,
			tool_name TEXT NOT NULL,
			parameters TEXT,
			prompt TEXT,
			response TEXT,
			created_at INTEGER NOT NULL,
			responded_at INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS projects (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			brief TEXT NOT NULL DEFAULT '',
			summary TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			project_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			project_id TEXT,
			title TEXT NOT NULL,
			description TEXT,
			status TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
	}

	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	// Migrations (best-effort, silent fail if already applied).
	_, _ = s.db.ExecContext(ctx, "ALTER TABLE projects ADD COLUMN brief TEXT NOT NULL DEFAULT ''")
	_, _ = s.db.ExecContext(ctx, "ALTER TABLE invocations ADD COLUMN event_id TEXT")
	_, _ = s.db.ExecContext(ctx, "ALTER TABLE tool_calls ADD COLUMN risk_level TEXT")

	// Indexes on frequently queried columns.
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_events_dequeue ON events(status, priority, created_at)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_history_project ON history(project_id, created_at)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_tool_calls_invocation ON tool_calls(invocation_id)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_invocations_project ON invocations(project_id)`)

	s.logger.Info("sqlite: init completed", "duration", time.Since(start))
	return nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	s.logger.Debug("sqlite: closing store")
	err := s.db.Close()
	if err != nil {
		s.logger.Error("sqlite: close failed", "error", err)
	}
	return err
}

// --- Events ---

// InsertEvent inserts an event, silently ignoring duplicate ids. The
// deterministic id makes OR IGNORE the whole dedup story.
func (s *Store) InsertEvent(ctx context.Context, ev germinal.Event) error {
	start := time.Now()
	s.logger.Debug("sqlite: insert event", "id", ev.ID, "source", ev.Source, "type", ev.Type, "priority", ev.Priority)

	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("insert event: marshal payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO events (id, source, type, payload, priority, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.Source, ev.Type, string(payload), ev.Priority, ev.Status, ev.CreatedAt,
	)
	if err != nil {
		s.logger.Error("sqlite: insert event failed", "id", ev.ID, "error", err, "duration", time.Since(start))
		return fmt.Errorf("insert event: %w", err)
	}
	s.logger.Debug("sqlite: insert event ok", "id", ev.ID, "duration", time.Since(start))
	return nil
}

const eventColumns = `id, source, type, payload, priority, status, created_at, processed_at`

func scanEvent(row interface{ Scan(...any) error }) (germinal.Event, error) {
	var ev germinal.Event
	var payload string
	var processedAt sql.NullInt64
	if err := row.Scan(&ev.ID, &ev.Source, &ev.Type, &payload, &ev.Priority, &ev.Status, &ev.CreatedAt, &processedAt); err != nil {
		return germinal.Event{}, err
	}
	if processedAt.Valid {
		ev.ProcessedAt = processedAt.Int64
	}
	if err := json.Unmarshal([]byte(payload), &ev.Payload); err != nil {
		return germinal.Event{}, fmt.Errorf("decode payload: %w", err)
	}
	return ev, nil
}

// DequeueEvent claims the next pending event. The read-then-update pair
// is not atomic, which is fine: the supervisor is the single consumer and
// the connection pool is serialized anyway.
func (s *Store) DequeueEvent(ctx context.Context) (germinal.Event, error) {
	start := time.Now()

	row := s.db.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM events
		 WHERE status = ?
		 ORDER BY priority ASC, created_at ASC
		 LIMIT 1`, germinal.EventPending)
	ev, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return germinal.Event{}, germinal.ErrQueueEmpty
	}
	if err != nil {
		s.logger.Error("sqlite: dequeue failed", "error", err, "duration", time.Since(start))
		return germinal.Event{}, fmt.Errorf("dequeue event: %w", err)
	}

	if _, err := s.db.ExecContext(ctx,
		`UPDATE events SET status = ? WHERE id = ?`, germinal.EventProcessing, ev.ID); err != nil {
		s.logger.Error("sqlite: dequeue claim failed", "id", ev.ID, "error", err)
		return germinal.Event{}, fmt.Errorf("dequeue event: %w", err)
	}
	s.logger.Debug("sqlite: dequeue ok", "id", ev.ID, "priority", ev.Priority, "duration", time.Since(start))
	return ev, nil
}

// FinishEvent stamps the terminal status and processed_at.
func (s *Store) FinishEvent(ctx context.Context, id, status string, processedAt int64) error {
	start := time.Now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE events SET status = ?, processed_at = ? WHERE id = ?`, status, processedAt, id)
	if err != nil {
		s.logger.Error("sqlite: finish event failed", "id", id, "error", err, "duration", time.Since(start))
		return fmt.Errorf("finish event: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("finish event %s: %w", id, germinal.ErrNotFound)
	}
	s.logger.Debug("sqlite: finish event ok", "id", id, "status", status, "duration", time.Since(start))
	return nil
}

// ResetStaleEvents returns processing events to pending.
func (s *Store) ResetStaleEvents(ctx context.Context) (int, error) {
	start := time.Now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE events SET status = ? WHERE status = ?`, germinal.EventPending, germinal.EventProcessing)
	if err != nil {
		s.logger.Error("sqlite: reset stale failed", "error", err, "duration", time.Since(start))
		return 0, fmt.Errorf("reset stale events: %w", err)
	}
	n, _ := res.RowsAffected()
	s.logger.Debug("sqlite: reset stale ok", "count", n, "duration", time.Since(start))
	return int(n), nil
}

// GetEvent returns one event by id.
func (s *Store) GetEvent(ctx context.Context, id string) (germinal.Event, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE id = ?`, id)
	ev, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return germinal.Event{}, germinal.ErrNotFound
	}
	if err != nil {
		return germinal.Event{}, fmt.Errorf("get event: %w", err)
	}
	return ev, nil
}

// ListEvents returns events newest first, filtered.
func (s *Store) ListEvents(ctx context.Context, f germinal.ListFilter) ([]germinal.Event, error) {
	where, args := buildWhere(map[string]string{
		"status": f.Status,
		"source": f.Source,
	}, "payload", f.Search)

	query := `SELECT ` + eventColumns + ` FROM events` + where + ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limitOrDefault(f.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []germinal.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// --- Invocations ---

// InsertInvocation inserts the running invocation row.
func (s *Store) InsertInvocation(ctx context.Context, inv germinal.Invocation) error {
	start := time.Now()
	s.logger.Debug("sqlite: insert invocation", "id", inv.ID, "agent", inv.AgentType, "project", inv.ProjectID)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO invocations (id, event_id, agent_type, project_id, task, context, response, tool_calls, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inv.ID, inv.EventID, inv.AgentType, inv.ProjectID, inv.Task, inv.Context, inv.Response, inv.ToolCalls, inv.Status, inv.CreatedAt,
	)
	if err != nil {
		s.logger.Error("sqlite: insert invocation failed", "id", inv.ID, "error", err, "duration", time.Since(start))
		return fmt.Errorf("insert invocation: %w", err)
	}
	s.logger.Debug("sqlite: insert invocation ok", "id", inv.ID, "duration", time.Since(start))
	return nil
}

// FinishInvocation stamps the outcome on the row.
func (s *Store) FinishInvocation(ctx context.Context, id, response, toolCalls, status string, finishedAt int64) error {
	start := time.Now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE invocations SET response = ?, tool_calls = ?, status = ?, finished_at = ? WHERE id = ?`,
		response, toolCalls, status, finishedAt, id)
	if err != nil {
		s.logger.Error("sqlite: finish invocation failed", "id", id, "error", err, "duration", time.Since(start))
		return fmt.Errorf("finish invocation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("finish invocation %s: %w", id, germinal.ErrNotFound)
	}
	s.logger.Debug("sqlite: finish invocation ok", "id", id, "status", status, "duration", time.Since(start))
	return nil
}

const invocationColumns = `id, event_id, agent_type, project_id, task, context, response, tool_calls, status, created_at, finished_at`

func scanInvocation(row interface{ Scan(...any) error }) (germinal.Invocation, error) {
	var inv germinal.Invocation
	var eventID, contextBlock, response, toolCalls sql.NullString
	var finishedAt sql.NullInt64
	if err := row.Scan(&inv.ID, &eventID, &inv.AgentType, &inv.ProjectID, &inv.Task, &contextBlock, &response, &toolCalls, &inv.Status, &inv.CreatedAt, &finishedAt); err != nil {
		return germinal.Invocation{}, err
	}
	inv.EventID = eventID.String
	inv.Context = contextBlock.String
	inv.Response = response.String
	inv.ToolCalls = toolCalls.String
	if finishedAt.Valid {
		inv.FinishedAt = finishedAt.Int64
	}
	return inv, nil
}

// GetInvocation returns one invocation by id.
func (s *Store) GetInvocation(ctx context.Context, id string) (germinal.Invocation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+invocationColumns+` FROM invocations WHERE id = ?`, id)
	inv, err := scanInvocation(row)
	if err == sql.ErrNoRows {
		return germinal.Invocation{}, germinal.ErrNotFound
	}
	if err != nil {
		return germinal.Invocation{}, fmt.Errorf("get invocation: %w", err)
	}
	return inv, nil
}

// ListInvocations returns invocations newest first, filtered.
func (s *Store) ListInvocations(ctx context.Context, f germinal.ListFilter) ([]germinal.Invocation, error) {
	where, args := buildWhere(map[string]string{
		"status":     f.Status,
		"project_id": f.ProjectID,
	}, "task", f.Search)

	query := `SELECT ` + invocationColumns + ` FROM invocations` + where + ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limitOrDefault(f.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list invocations: %w", err)
	}
	defer rows.Close()

	var invs []germinal.Invocation
	for rows.Next() {
		inv, err := scanInvocation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan invocation: %w", err)
		}
		invs = append(invs, inv)
	}
	return invs, rows.Err()
}

// --- Tool calls ---

// InsertToolCall inserts the pending audit row before execution.
func (s *Store) InsertToolCall(ctx context.Context, tc germinal.ToolCallRecord) error {
	start := time.Now()
	s.logger.Debug("sqlite: insert tool call", "id", tc.ID, "tool", tc.ToolName, "risk", tc.RiskLevel)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tool_calls (id, invocation_id, tool_name, parameters, result, risk_level, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		tc.ID, tc.InvocationID, tc.ToolName, tc.Parameters, tc.Result, tc.RiskLevel, tc.Status, tc.CreatedAt,
	)
	if err != nil {
		s.logger.Error("sqlite: insert tool call failed", "id", tc.ID, "error", err, "duration", time.Since(start))
		return fmt.Errorf("insert tool call: %w", err)
	}
	return nil
}

// FinishToolCall stamps the result and terminal status.
func (s *Store) FinishToolCall(ctx context.Context, id, result, status string, executedAt int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tool_calls SET result = ?, status = ?, executed_at = ? WHERE id = ?`,
		result, status, executedAt, id)
	if err != nil {
		s.logger.Error("sqlite: finish tool call failed", "id", id, "error", err)
		return fmt.Errorf("finish tool call: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("finish tool call %s: %w", id, germinal.ErrNotFound)
	}
	return nil
}

const toolCallColumns = `id, invocation_id, tool_name, parameters, result, risk_level, status, created_at, executed_at`

func scanToolCall(row interface{ Scan(...any) error }) (germinal.ToolCallRecord, error) {
	var tc germinal.ToolCallRecord
	var params, result, risk sql.NullString
	var executedAt sql.NullInt64
	if err := row.Scan(&tc.ID, &tc.InvocationID, &tc.ToolName, &params, &result, &risk, &tc.Status, &tc.CreatedAt, &executedAt); err != nil {
		return germinal.ToolCallRecord{}, err
	}
	tc.Parameters = params.String
	tc.Result = result.String
	tc.RiskLevel = risk.String
	if executedAt.Valid {
		tc.ExecutedAt = executedAt.Int64
	}
	return tc, nil
}

// GetToolCall returns one tool call by id.
func (s *Store) GetToolCall(ctx context.Context, id string) (germinal.ToolCallRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+toolCallColumns+` FROM tool_calls WHERE id = ?`, id)
	tc, err := scanToolCall(row)
	if err == sql.ErrNoRows {
		return germinal.ToolCallRecord{}, germinal.ErrNotFound
	}
	if err != nil {
		return germinal.ToolCallRecord{}, fmt.Errorf("get tool call: %w", err)
	}
	return tc, nil
}

// ListToolCalls returns tool calls newest first, filtered.
func (s *Store) ListToolCalls(ctx context.Context, f germinal.ListFilter) ([]germinal.ToolCallRecord, error) {
	where, args := buildWhere(map[string]string{
		"status": f.Status,
	}, "tool_name", f.Search)

	query := `SELECT ` + toolCallColumns + ` FROM tool_calls` + where + ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limitOrDefault(f.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tool calls: %w", err)
	}
	defer rows.Close()

	var tcs []germinal.ToolCallRecord
	for rows.Next() {
		tc, err := scanToolCall(rows)
		if err != nil {
			return nil, fmt.Errorf("scan tool call: %w", err)
		}
		tcs = append(tcs, tc)
	}
	return tcs, rows.Err()
}

// --- Approvals ---

// InsertApproval writes the approval request row before the operator is
// consulted.
func (s *Store) InsertApproval(ctx context.Context, ap germinal.Approval) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO approvals (id, tool_call_id, agent_type, project_id, tool_name, parameters, prompt, response, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ap.ID, ap.ToolCallID, ap.AgentType, ap.ProjectID, ap.ToolName, ap.Parameters, ap.Prompt, ap.Response, ap.CreatedAt,
	)
	if err != nil {
		s.logger.Error("sqlite: insert approval failed", "id", ap.ID, "error", err)
		return fmt.Errorf("insert approval: %w", err)
	}
	return nil
}

// RecordApprovalResponse stamps the operator decision.
func (s *Store) RecordApprovalResponse(ctx context.Context, id, response string, respondedAt int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE approvals SET response = ?, responded_at = ? WHERE id = ?`, response, respondedAt, id)
	if err != nil {
		return fmt.Errorf("record approval response: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("record approval response %s: %w", id, germinal.ErrNotFound)
	}
	return nil
}

const approvalColumns = `id, tool_call_id, agent_type, project_id, tool_name, parameters, prompt, response, created_at, responded_at`

func scanApproval(row interface{ Scan(...any) error }) (germinal.Approval, error) {
	var ap germinal.Approval
	var toolCallID, agentType, projectID, params, prompt, response sql.NullString
	var respondedAt sql.NullInt64
	if err := row.Scan(&ap.ID, &toolCallID, &agentType, &projectID, &ap.ToolName, &params, &prompt, &response, &ap.CreatedAt, &respondedAt); err != nil {
		return germinal.Approval{}, err
	}
	ap.ToolCallID = toolCallID.String
	ap.AgentType = agentType.String
	ap.ProjectID = projectID.String
	ap.Parameters = params.String
	ap.Prompt = prompt.String
	ap.Response = response.String
	if respondedAt.Valid {
		ap.RespondedAt = respondedAt.Int64
	}
	return ap, nil
}

// GetApproval returns one approval by id.
func (s *Store) GetApproval(ctx context.Context, id string) (germinal.Approval, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+approvalColumns+` FROM approvals WHERE id = ?`, id)
	ap, err := scanApproval(row)
	if err == sql.ErrNoRows {
		return germinal.Approval{}, germinal.ErrNotFound
	}
	if err != nil {
		return germinal.Approval{}, fmt.Errorf("get approval: %w", err)
	}
	return ap, nil
}

// ListApprovals returns approvals newest first, filtered.
func (s *Store) ListApprovals(ctx context.Context, f germinal.ListFilter) ([]germinal.Approval, error) {
	where, args := buildWhere(map[string]string{
		"project_id": f.ProjectID,
	}, "tool_name", f.Search)

	query := `SELECT ` + approvalColumns + ` FROM approvals` + where + ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limitOrDefault(f.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list approvals: %w", err)
	}
	defer rows.Close()

	var aps []germinal.Approval
	for rows.Next() {
		ap, err := scanApproval(rows)
		if err != nil {
			return nil, fmt.Errorf("scan approval: %w", err)
		}
		aps = append(aps, ap)
	}
	return aps, rows.Err()
}

// --- Projects ---

// EnsureProject creates the project row if absent. Idempotent; an
// existing row keeps its name, brief, and summary.
func (s *Store) EnsureProject(ctx context.Context, id, name string, createdAt int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO projects (id, name, created_at) VALUES (?, ?, ?)`,
		id, name, createdAt)
	if err != nil {
		s.logger.Error("sqlite: ensure project failed", "id", id, "error", err)
		return fmt.Errorf("ensure project: %w", err)
	}
	return nil
}

// GetProject returns one project by id.
func (s *Store) GetProject(ctx context.Context, id string) (germinal.Project, error) {
	var p germinal.Project
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, brief, summary, created_at FROM projects WHERE id = ?`, id,
	).Scan(&p.ID, &p.Name, &p.Brief, &p.Summary, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return germinal.Project{}, germinal.ErrNotFound
	}
	if err != nil {
		return germinal.Project{}, fmt.Errorf("get project: %w", err)
	}
	return p, nil
}

// ListProjects returns projects ordered by id.
func (s *Store) ListProjects(ctx context.Context, f germinal.ListFilter) ([]germinal.Project, error) {
	where, args := buildWhere(nil, "name", f.Search)
	query := `SELECT id, name, brief, summary, created_at FROM projects` + where + ` ORDER BY id LIMIT ?`
	args = append(args, limitOrDefault(f.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var projects []germinal.Project
	for rows.Next() {
		var p germinal.Project
		if err := rows.Scan(&p.ID, &p.Name, &p.Brief, &p.Summary, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

// CompactHistory replaces the project summary and deletes the summarized
// history rows in one transaction, so a crash can never lose rows without
// the summary that replaced them.
func (s *Store) CompactHistory(ctx context.Context, projectID, summary string, deleteIDs []int64) error {
	start := time.Now()
	s.logger.Debug("sqlite: compact history", "project", projectID, "rows", len(deleteIDs))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx, `UPDATE projects SET summary = ? WHERE id = ?`, summary, projectID)
	if err != nil {
		return fmt.Errorf("update summary: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("compact history %s: %w", projectID, germinal.ErrNotFound)
	}

	if len(deleteIDs) > 0 {
		placeholders := make([]string, len(deleteIDs))
		args := make([]any, 0, len(deleteIDs)+1)
		args = append(args, projectID)
		for i, id := range deleteIDs {
			placeholders[i] = "?"
			args = append(args, id)
		}
		_, err = tx.ExecContext(ctx,
			`DELETE FROM history WHERE project_id = ? AND id IN (`+strings.Join(placeholders, ",")+`)`, args...)
		if err != nil {
			return fmt.Errorf("delete history: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		s.logger.Error("sqlite: compact history commit failed", "project", projectID, "error", err)
		return fmt.Errorf("commit tx: %w", err)
	}
	s.logger.Debug("sqlite: compact history ok", "project", projectID, "duration", time.Since(start))
	return nil
}

// --- History ---

// AppendHistory inserts one history row.
func (s *Store) AppendHistory(ctx context.Context, e germinal.HistoryEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO history (project_id, role, content, created_at) VALUES (?, ?, ?, ?)`,
		e.ProjectID, e.Role, e.Content, e.CreatedAt)
	if err != nil {
		s.logger.Error("sqlite: append history failed", "project", e.ProjectID, "error", err)
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}

// ListHistory returns a project's history oldest first. A positive limit
// keeps only the newest rows while preserving chronological order.
func (s *Store) ListHistory(ctx context.Context, projectID string, limit int) ([]germinal.HistoryEntry, error) {
	query := `SELECT id, project_id, role, content, created_at FROM history
		 WHERE project_id = ? ORDER BY created_at ASC, id ASC`
	rows, err := s.db.QueryContext(ctx, query, projectID)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()

	var entries []germinal.HistoryEntry
	for rows.Next() {
		var e germinal.HistoryEntry
		if err := rows.Scan(&e.ID, &e.ProjectID, &e.Role, &e.Content, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	return entries, nil
}

// --- Tasks ---

// UpsertTask inserts or replaces a backlog task.
func (s *Store) UpsertTask(ctx context.Context, t germinal.Task) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO tasks (id, project_id, title, description, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.ProjectID, t.Title, t.Description, t.Status, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		s.logger.Error("sqlite: upsert task failed", "id", t.ID, "error", err)
		return fmt.Errorf("upsert task: %w", err)
	}
	return nil
}

// GetTask returns one task by id.
func (s *Store) GetTask(ctx context.Context, id string) (germinal.Task, error) {
	var t germinal.Task
	var projectID, desc sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, project_id, title, description, status, created_at, updated_at FROM tasks WHERE id = ?`, id,
	).Scan(&t.ID, &projectID, &t.Title, &desc, &t.Status, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return germinal.Task{}, germinal.ErrNotFound
	}
	if err != nil {
		return germinal.Task{}, fmt.Errorf("get task: %w", err)
	}
	t.ProjectID = projectID.String
	t.Description = desc.String
	return t, nil
}

// ListTasks returns tasks oldest first, filtered.
func (s *Store) ListTasks(ctx context.Context, f germinal.ListFilter) ([]germinal.Task, error) {
	where, args := buildWhere(map[string]string{
		"status":     f.Status,
		"project_id": f.ProjectID,
	}, "title", f.Search)

	query := `SELECT id, project_id, title, description, status, created_at, updated_at FROM tasks` + where + ` ORDER BY created_at ASC LIMIT ?`
	args = append(args, limitOrDefault(f.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []germinal.Task
	for rows.Next() {
		var t germinal.Task
		var projectID, desc sql.NullString
		if err := rows.Scan(&t.ID, &projectID, &t.Title, &desc, &t.Status, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		t.ProjectID = projectID.String
		t.Description = desc.String
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// --- Stats ---

// TableCounts returns row counts for every runtime table.
func (s *Store) TableCounts(ctx context.Context) (map[string]int64, error) {
	counts := make(map[string]int64, 7)
	for _, table := range []string{"events", "invocations", "tool_calls", "approvals", "projects", "history", "tasks"} {
		var n int64
		// Table names come from the fixed list above, never from input.
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+table).Scan(&n); err != nil {
			return nil, fmt.Errorf("count %s: %w", table, err)
		}
		counts[table] = n
	}
	return counts, nil
}

// DB returns the underlying *sql.DB, used by the inspector for ad-hoc
// read-only queries.
func (s *Store) DB() *sql.DB {
	return s.db
}

// buildWhere assembles a WHERE clause from exact-match column filters and
// an optional LIKE search column. Empty values are skipped.
func buildWhere(eq map[string]string, searchCol, search string) (string, []any) {
	var clauses []string
	var args []any
	for col, val := range eq {
		if val == "" {
			continue
		}
		clauses = append(clauses, col+" = ?")
		args = append(args, val)
	}
	if search != "" && searchCol != "" {
		clauses = append(clauses, searchCol+" LIKE ?")
		args = append(args, "%"+search+"%")
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func limitOrDefault(limit int) int {
	if limit > 0 {
		return limit
	}
	return defaultListLimit
}
