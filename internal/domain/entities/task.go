package entities

import (
	"fmt"
	"time"
)

// TaskStatus is the lifecycle state of a background task.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
)

// TaskTypeValidation is the task type for batch claim validation runs.
const TaskTypeValidation = "validation"

// IsTerminal reports whether no further transitions are allowed.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// IsActive reports whether the task counts against admission limits.
func (s TaskStatus) IsActive() bool {
	return s == TaskStatusPending || s == TaskStatusRunning
}

// CanTransitionTo enforces pending -> running -> {completed, failed}.
// A pending task may also fail if it never starts. Reporting the same
// non-terminal status again is allowed so progress can be updated.
func (s TaskStatus) CanTransitionTo(next TaskStatus) bool {
	switch s {
	case TaskStatusPending:
		return next == TaskStatusPending || next == TaskStatusRunning || next == TaskStatusFailed
	case TaskStatusRunning:
		return next == TaskStatusRunning || next.IsTerminal()
	}
	return false
}

// TaskRecord is one background validation run.
type TaskRecord struct {
	TaskID      string         `json:"task_id"`
	TaskType    string         `json:"task_type"`
	Status      TaskStatus     `json:"status"`
	Progress    int            `json:"progress"`
	Message     string         `json:"message"`
	OwnerUserID string         `json:"owner_user_id"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	Details     map[string]any `json:"details"`
}

// TaskUpdate is a partial status change. Nil fields are left as they are.
type TaskUpdate struct {
	Status   TaskStatus
	Progress *int
	Message  *string
	Details  map[string]any
}

// TaskEvent is published whenever a task changes state.
type TaskEvent struct {
	TaskID    string     `json:"task_id"`
	Status    TaskStatus `json:"status"`
	Progress  int        `json:"progress"`
	Message   string     `json:"message"`
	Timestamp time.Time  `json:"timestamp"`
}

// TaskChannel is the event channel for a single task.
func TaskChannel(taskID string) string {
	return fmt.Sprintf("task:%s", taskID)
}
