package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nugget/zipper/internal/agent"
	"github.com/nugget/zipper/internal/tasks"
)

// sourceCron tags conversations created for scheduled tasks.
const sourceCron = "cron"

// dueQueue is the part of the task store the runner needs. Implemented
// by *tasks.Store.
type dueQueue interface {
	Due(now time.Time) ([]tasks.Task, error)
	UpdateStatus(id string, status tasks.Status, result, errText string) (string, error)
}

// conversationCreator allocates a conversation for a task that has none.
type conversationCreator interface {
	Create(title, source, threadRef string) (string, error)
}

// taskRunner polls the task queue and runs due tasks through the agent
// loop, one at a time.
type taskRunner struct {
	queue    dueQueue
	convs    conversationCreator
	runner   agent.Runner
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// Run polls until ctx is cancelled. Due tasks are checked immediately on
// start.
func (r *taskRunner) Run(ctx context.Context) {
	interval := r.interval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		r.runDue(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// runDue runs every task due now. It stops early if ctx is cancelled.
func (r *taskRunner) runDue(ctx context.Context) {
	now := time.Now
	if r.now != nil {
		now = r.now
	}
	due, err := r.queue.Due(now())
	if err != nil {
		r.logger.Error("listing due tasks failed", "error", err)
		return
	}
	if len(due) > 0 {
		r.logger.Info("tasks due", "count", len(due))
	}
	for _, t := range due {
		if ctx.Err() != nil {
			return
		}
		if err := r.runTask(ctx, t); err != nil {
			r.logger.Error("task bookkeeping failed", "task_id", t.ID, "error", err)
		}
	}
}

// runTask marks t running, runs its description as a prompt and records
// the outcome. A failed agent run marks the task failed; only store
// errors are returned.
func (r *taskRunner) runTask(ctx context.Context, t tasks.Task) error {
	r.logger.Debug("task executing", "task_id", t.ID, "title", t.Title)

	if _, err := r.queue.UpdateStatus(t.ID, tasks.StatusRunning, "", ""); err != nil {
		return fmt.Errorf("mark running: %w", err)
	}

	convID := t.ConversationID
	if convID == "" {
		id, err := r.convs.Create(t.Title, sourceCron, "")
		if err != nil {
			_, uerr := r.queue.UpdateStatus(t.ID, tasks.StatusFailed, "", "create conversation: "+err.Error())
			if uerr != nil {
				return uerr
			}
			return nil
		}
		convID = id
	}

	// A scheduled run must finish its tool cycle even during shutdown.
	res, runErr := r.runner.Run(context.WithoutCancel(ctx), convID, t.Description)

	var next string
	var err error
	if runErr != nil {
		r.logger.Warn("task failed", "task_id", t.ID, "conversation", convID, "error", runErr)
		next, err = r.queue.UpdateStatus(t.ID, tasks.StatusFailed, "", runErr.Error())
	} else {
		r.logger.Info("task done", "task_id", t.ID, "conversation", convID, "outcome", res.Outcome)
		next, err = r.queue.UpdateStatus(t.ID, tasks.StatusDone, res.Text, "")
	}
	if err != nil {
		return fmt.Errorf("record outcome: %w", err)
	}
	if next != "" {
		r.logger.Debug("next occurrence scheduled", "task_id", t.ID, "next", next)
	}
	return nil
}
