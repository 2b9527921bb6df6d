// Package task provides agent tools for the persistent task backlog.
package task

import (
	"context"
	"encoding/json"
	"fmt"

	germinal "github.com/edwiny/germinal"
)

// Tool exposes the task backlog to agents.
type Tool struct {
	store            germinal.Store
	defaultProjectID string
}

// New creates the task tool set. Tasks default to defaultProjectID when
// the agent does not name a project.
func New(store germinal.Store, defaultProjectID string) *Tool {
	return &Tool{store: store, defaultProjectID: defaultProjectID}
}

// Tools returns the registrable tool definitions.
func (t *Tool) Tools() []germinal.Tool {
	return []germinal.Tool{
		{
			Name:        "read_task_list",
			Description: "List backlog tasks, optionally filtered by status (open, in_progress, done).",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"status":{"type":"string"},"project_id":{"type":"string"}},"additionalProperties":false}`),
			RiskLevel:   germinal.RiskLow,
			Fn:          t.readTaskList,
		},
		{
			Name:        "write_task",
			Description: "Create or update a backlog task. Omit id to create; pass an existing id to update it.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"id":{"type":"string"},"title":{"type":"string"},"description":{"type":"string"},"status":{"type":"string","enum":["open","in_progress","done"]},"project_id":{"type":"string"}},"required":["title"],"additionalProperties":false}`),
			RiskLevel:   germinal.RiskLow,
			Fn:          t.writeTask,
		},
	}
}

func (t *Tool) projectID(params map[string]any) string {
	if pid, _ := params["project_id"].(string); pid != "" {
		return pid
	}
	return t.defaultProjectID
}

func (t *Tool) readTaskList(ctx context.Context, params map[string]any) (map[string]any, error) {
	status, _ := params["status"].(string)
	tasks, err := t.store.ListTasks(ctx, germinal.ListFilter{
		Status:    status,
		ProjectID: t.projectID(params),
	})
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}

	out := make([]map[string]any, 0, len(tasks))
	for _, task := range tasks {
		out = append(out, map[string]any{
			"id":          task.ID,
			"title":       task.Title,
			"description": task.Description,
			"status":      task.Status,
		})
	}
	return map[string]any{"tasks": out, "count": len(out)}, nil
}

func (t *Tool) writeTask(ctx context.Context, params map[string]any) (map[string]any, error) {
	title, _ := params["title"].(string)
	now := germinal.NowMillis()

	task := germinal.Task{
		ProjectID: t.projectID(params),
		Title:     title,
		Status:    "open",
		CreatedAt: now,
		UpdatedAt: now,
	}
	if desc, _ := params["description"].(string); desc != "" {
		task.Description = desc
	}
	if status, _ := params["status"].(string); status != "" {
		task.Status = status
	}

	created := true
	if id, _ := params["id"].(string); id != "" {
		existing, err := t.store.GetTask(ctx, id)
		if err != nil {
			return map[string]any{"error": fmt.Sprintf("task %s not found", id)}, nil
		}
		created = false
		task.ID = existing.ID
		task.CreatedAt = existing.CreatedAt
		if task.Description == "" {
			task.Description = existing.Description
		}
		if _, ok := params["status"]; !ok {
			task.Status = existing.Status
		}
	} else {
		task.ID = germinal.NewID("task")
	}

	if err := t.store.UpsertTask(ctx, task); err != nil {
		return nil, fmt.Errorf("upsert task: %w", err)
	}
	return map[string]any{"id": task.ID, "status": task.Status, "created": created}, nil
}
