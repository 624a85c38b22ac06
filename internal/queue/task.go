// Package queue implements the persistent priority task queue. Concurrency
// safety rests entirely on the atomic claim: a task moves pending →
// in_progress only through a conditional update that fails if another worker
// already claimed it. There is no global queue lock.
package queue

import (
	"errors"
	"time"
)

// Priority orders tasks across bands; higher is dequeued first.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Rank returns the numeric dequeue weight of the priority.
func (p Priority) Rank() int {
	switch p {
	case PriorityLow:
		return 0
	case PriorityNormal:
		return 1
	case PriorityHigh:
		return 2
	case PriorityUrgent:
		return 3
	default:
		return -1
	}
}

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool { return p.Rank() >= 0 }

// Status is the task lifecycle state. Transitions are monotonic:
// pending → in_progress → {completed, failed}; pending → cancelled.
// Terminal states are immutable.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether s is a terminal state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Domain errors for the queue package.
var (
	ErrTaskNotFound    = errors.New("task not found")
	ErrInvalidPriority = errors.New("invalid priority")
	ErrNotCancellable  = errors.New("task is not pending; cannot cancel")
)

// Task is one unit of work.
type Task struct {
	ID          string            `json:"id"`
	Content     string            `json:"content"`
	Priority    Priority          `json:"priority"`
	Status      Status            `json:"status"`
	ClaimedBy   string            `json:"claimed_by,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	Result      string            `json:"result,omitempty"`
	Error       string            `json:"error,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}
