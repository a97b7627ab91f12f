// Package tasks is the persistent task queue behind the "task" capability
// and the due-task runner in zipper serve.
package tasks

import (
	"errors"
	"time"
)

// ErrNotFound is returned when no active task has the requested id.
var ErrNotFound = errors.New("task not found")

// Status is a task's lifecycle state.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusDone, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether s archives the task.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusFailed
}

// Task is one unit of deferred work for the agent.
type Task struct {
	ID             string     `json:"id"`
	Title          string     `json:"title"`
	Description    string     `json:"description"`
	Status         Status     `json:"status"`
	Schedule       string     `json:"schedule,omitempty"`
	DueAt          time.Time  `json:"due_at"`
	ConversationID string     `json:"conversation_id,omitempty"`
	Result         string     `json:"result,omitempty"`
	Error          string     `json:"error,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	ArchivedAt     *time.Time `json:"archived_at,omitempty"`
}

// Spec describes a task to create. Zero DueAt means now; empty
// Description defaults to Title.
type Spec struct {
	Title          string
	Description    string
	Schedule       string
	DueAt          time.Time
	ConversationID string
}
