package repositories

import (
	"context"
	"time"

	"github.com/zatekoja/claimvalidation/internal/domain/entities"
)

// TaskRepository defines persistence for background task records
type TaskRepository interface {
	// Create inserts a task. It returns a CONFLICT AppError when another
	// active task of the same type already exists.
	Create(ctx context.Context, task *entities.TaskRecord) error

	// GetByID returns a NOT_FOUND AppError for unknown ids
	GetByID(ctx context.Context, taskID string) (*entities.TaskRecord, error)

	// Update replaces status, progress, message, details and updated_at
	Update(ctx context.Context, task *entities.TaskRecord) error

	// ListActive returns pending and running tasks matching the filter, newest first
	ListActive(ctx context.Context, filter TaskFilter) ([]*entities.TaskRecord, error)

	// ListByOwner returns the owner's most recent tasks, newest first
	ListByOwner(ctx context.Context, ownerUserID string, limit int) ([]*entities.TaskRecord, error)

	// DeleteTerminalOlderThan removes completed and failed tasks last updated before cutoff
	DeleteTerminalOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// TaskFilter narrows active task lookups. Empty fields match everything.
type TaskFilter struct {
	TaskType    string
	OwnerUserID string
}
