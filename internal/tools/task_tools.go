package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nugget/zipper/internal/tasks"
)

// TaskQueue is the persistent task store behind the "task" capability.
type TaskQueue interface {
	Create(spec tasks.Spec) (string, error)
	List(status tasks.Status) ([]tasks.Task, error)
	Due(now time.Time) ([]tasks.Task, error)
	UpdateStatus(id string, status tasks.Status, result, errText string) (string, error)
	Archived(limit int) ([]tasks.Task, error)
}

// TaskTools implements the "task" capability.
type TaskTools struct {
	queue TaskQueue
	now   func() time.Time
}

// NewTaskTools creates the task capability over q.
func NewTaskTools(q TaskQueue) *TaskTools {
	return &TaskTools{queue: q, now: time.Now}
}

// Tool returns the "task" capability.
func (tt *TaskTools) Tool() *Tool {
	return &Tool{
		Name: "task",
		Description: "Manage the task queue: deferred or recurring work that zipper runs on its own when due. " +
			"Schedules: hourly, daily, weekly, 'every N minutes|hours|days', 'every <weekday>', or a cron expression.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"mode": map[string]any{
					"type":        "string",
					"enum":        []string{"list", "create", "update", "archive", "due"},
					"description": "Operation to perform.",
				},
				"title":           map[string]any{"type": "string", "description": "Task title. Required for create."},
				"description":     map[string]any{"type": "string", "description": "What to do when the task runs. Defaults to the title."},
				"due_at":          map[string]any{"type": "string", "description": "RFC 3339 due time. Defaults to now."},
				"schedule":        map[string]any{"type": "string", "description": "Recurrence schedule."},
				"conversation_id": map[string]any{"type": "string", "description": "Conversation to run the task in. Defaults to a new one."},
				"id":              map[string]any{"type": "string", "description": "Task id. Required for update."},
				"status": map[string]any{
					"type":        "string",
					"enum":        []string{"pending", "running", "done", "failed"},
					"description": "New status for update, or filter for list.",
				},
				"result": map[string]any{"type": "string", "description": "Result summary for update."},
				"error":  map[string]any{"type": "string", "description": "Error text for update."},
				"limit":  map[string]any{"type": "integer", "description": "Number of archived tasks to show. Default 20."},
			},
			"required": []string{"mode"},
		},
		Handler: tt.handle,
	}
}

func (tt *TaskTools) handle(_ context.Context, args map[string]any) (string, error) {
	switch mode := stringArg(args, "mode"); mode {
	case "list":
		return tt.list(tasks.Status(stringArg(args, "status")))
	case "create":
		return tt.create(args)
	case "update":
		return tt.update(args)
	case "archive":
		return tt.archive(intArg(args, "limit", 20))
	case "due":
		return tt.due()
	default:
		return "", fmt.Errorf("unknown mode: %s", mode)
	}
}

func (tt *TaskTools) list(status tasks.Status) (string, error) {
	list, err := tt.queue.List(status)
	if err != nil {
		return "", err
	}
	if len(list) == 0 {
		label := "all"
		if status != "" {
			label = "status=" + string(status)
		}
		return fmt.Sprintf("no tasks (%s)", label), nil
	}

	lines := make([]string, 0, len(list))
	for _, t := range list {
		line := fmt.Sprintf("[%s] %s: %s (due %s)", t.Status, t.ID, clip(t.Description, 80), t.DueAt.Local().Format("2006-01-02 15:04"))
		if t.Schedule != "" {
			line += " every: " + t.Schedule
		}
		if t.Result != "" {
			line += " | result: " + clip(t.Result, 60)
		}
		if t.Error != "" {
			line += " | error: " + clip(t.Error, 60)
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n"), nil
}

func (tt *TaskTools) create(args map[string]any) (string, error) {
	spec := tasks.Spec{
		Title:          stringArg(args, "title"),
		Description:    stringArg(args, "description"),
		Schedule:       stringArg(args, "schedule"),
		ConversationID: stringArg(args, "conversation_id"),
	}
	if strings.TrimSpace(spec.Title) == "" {
		return "", fmt.Errorf("title required")
	}
	if due := stringArg(args, "due_at"); due != "" {
		at, err := parseDueAt(due)
		if err != nil {
			return "", err
		}
		spec.DueAt = at
	}

	id, err := tt.queue.Create(spec)
	if err != nil {
		return "", err
	}
	return "ok: created task " + id, nil
}

// parseDueAt accepts RFC 3339, or a local date-time without zone.
func parseDueAt(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	for _, layout := range []string{"2006-01-02T15:04:05", "2006-01-02T15:04", "2006-01-02 15:04"} {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid due_at %q: use RFC 3339", s)
}

func (tt *TaskTools) update(args map[string]any) (string, error) {
	id := stringArg(args, "id")
	status := tasks.Status(stringArg(args, "status"))
	if id == "" || status == "" {
		return "", fmt.Errorf("id and status required")
	}

	next, err := tt.queue.UpdateStatus(id, status, stringArg(args, "result"), stringArg(args, "error"))
	if err != nil {
		return "", err
	}
	out := fmt.Sprintf("ok: task %s -> %s", id, status)
	if next != "" {
		out += fmt.Sprintf(" (next occurrence: %s)", next)
	}
	return out, nil
}

func (tt *TaskTools) archive(limit int) (string, error) {
	archived, err := tt.queue.Archived(limit)
	if err != nil {
		return "", err
	}
	if len(archived) == 0 {
		return "archive is empty", nil
	}

	lines := make([]string, 0, len(archived))
	for _, t := range archived {
		ts := ""
		if t.ArchivedAt != nil {
			ts = t.ArchivedAt.Local().Format("2006-01-02 15:04")
		}
		line := fmt.Sprintf("[%s] %s (%s)", t.Status, t.ID, ts)
		if t.Result != "" {
			line += " | " + clip(t.Result, 80)
		}
		if t.Error != "" {
			line += " | error: " + clip(t.Error, 80)
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n"), nil
}

func (tt *TaskTools) due() (string, error) {
	due, err := tt.queue.Due(tt.now())
	if err != nil {
		return "", err
	}
	if len(due) == 0 {
		return "no tasks due", nil
	}
	out, err := json.MarshalIndent(due, "", "  ")
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// clip shortens s to at most n runes.
func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
