package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/zatekoja/claimvalidation/internal/domain/entities"
	"github.com/zatekoja/claimvalidation/internal/domain/repositories"
	"github.com/zatekoja/claimvalidation/internal/infrastructure/clients/postgres"
	apperrors "github.com/zatekoja/claimvalidation/pkg/errors"
)

const tasksTable = "validation_tasks"

const pqUniqueViolation = "23505"

var taskColumns = []interface{}{
	"task_id", "task_type", "status", "progress", "message",
	"owner_user_id", "details", "created_at", "updated_at",
}

var (
	activeStatuses   = []string{string(entities.TaskStatusPending), string(entities.TaskStatusRunning)}
	terminalStatuses = []string{string(entities.TaskStatusCompleted), string(entities.TaskStatusFailed)}
)

type taskRow struct {
	TaskID      string    `db:"task_id"`
	TaskType    string    `db:"task_type"`
	Status      string    `db:"status"`
	Progress    int       `db:"progress"`
	Message     string    `db:"message"`
	OwnerUserID string    `db:"owner_user_id"`
	Details     []byte    `db:"details"`
	CreatedAt   time.Time `db:"created_at"`
	UpdatedAt   time.Time `db:"updated_at"`
}

func (r *taskRow) toEntity() (*entities.TaskRecord, error) {
	details := map[string]any{}
	if len(r.Details) > 0 {
		if err := json.Unmarshal(r.Details, &details); err != nil {
			return nil, fmt.Errorf("task %s has malformed details: %w", r.TaskID, err)
		}
	}
	return &entities.TaskRecord{
		TaskID:      r.TaskID,
		TaskType:    r.TaskType,
		Status:      entities.TaskStatus(r.Status),
		Progress:    r.Progress,
		Message:     r.Message,
		OwnerUserID: r.OwnerUserID,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
		Details:     details,
	}, nil
}

func encodeDetails(details map[string]any) (string, error) {
	if details == nil {
		return "{}", nil
	}
	data, err := json.Marshal(details)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// TaskAdapter implements the TaskRepository interface
type TaskAdapter struct {
	client *postgres.Client
}

// NewTaskAdapter creates a new task adapter
func NewTaskAdapter(client *postgres.Client) repositories.TaskRepository {
	return &TaskAdapter{client: client}
}

// Create inserts a task. The partial unique indexes on active tasks turn a
// racing second admission into a CONFLICT.
func (a *TaskAdapter) Create(ctx context.Context, task *entities.TaskRecord) error {
	details, err := encodeDetails(task.Details)
	if err != nil {
		return apperrors.NewInternalError("failed to encode task details", err)
	}

	query, _, err := dialect.Insert(tasksTable).Rows(goqu.Record{
		"task_id":       task.TaskID,
		"task_type":     task.TaskType,
		"status":        string(task.Status),
		"progress":      task.Progress,
		"message":       task.Message,
		"owner_user_id": task.OwnerUserID,
		"details":       details,
		"created_at":    task.CreatedAt,
		"updated_at":    task.UpdatedAt,
	}).ToSQL()
	if err != nil {
		return apperrors.NewInternalError("failed to build task insert", err)
	}

	if _, err := executor(ctx, a.client.DB()).ExecContext(ctx, query); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation {
			return &apperrors.AppError{
				Type:    apperrors.ErrorTypeConflict,
				Message: fmt.Sprintf("an active task already exists (%s)", pqErr.Constraint),
				Err:     err,
			}
		}
		return apperrors.NewInternalError("failed to create task", err)
	}
	return nil
}

// GetByID retrieves a task by ID
func (a *TaskAdapter) GetByID(ctx context.Context, taskID string) (*entities.TaskRecord, error) {
	query, _, err := dialect.From(tasksTable).
		Select(taskColumns...).
		Where(goqu.Ex{"task_id": taskID}).
		ToSQL()
	if err != nil {
		return nil, apperrors.NewInternalError("failed to build task query", err)
	}

	var row taskRow
	err = sqlx.GetContext(ctx, executor(ctx, a.client.DB()), &row, query)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NewNotFoundError(fmt.Sprintf("task with id %s not found", taskID))
	}
	if err != nil {
		return nil, apperrors.NewInternalError("failed to get task", err)
	}

	task, err := row.toEntity()
	if err != nil {
		return nil, apperrors.NewInternalError("failed to decode task", err)
	}
	return task, nil
}

// Update writes the mutable task fields
func (a *TaskAdapter) Update(ctx context.Context, task *entities.TaskRecord) error {
	details, err := encodeDetails(task.Details)
	if err != nil {
		return apperrors.NewInternalError("failed to encode task details", err)
	}

	query, _, err := dialect.Update(tasksTable).
		Set(goqu.Record{
			"status":     string(task.Status),
			"progress":   task.Progress,
			"message":    task.Message,
			"details":    details,
			"updated_at": task.UpdatedAt,
		}).
		Where(goqu.Ex{"task_id": task.TaskID}).
		ToSQL()
	if err != nil {
		return apperrors.NewInternalError("failed to build task update", err)
	}

	result, err := executor(ctx, a.client.DB()).ExecContext(ctx, query)
	if err != nil {
		return apperrors.NewInternalError("failed to update task", err)
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return apperrors.NewNotFoundError(fmt.Sprintf("task with id %s not found", task.TaskID))
	}
	return nil
}

// ListActive returns pending and running tasks
func (a *TaskAdapter) ListActive(ctx context.Context, filter repositories.TaskFilter) ([]*entities.TaskRecord, error) {
	where := goqu.Ex{"status": activeStatuses}
	if filter.TaskType != "" {
		where["task_type"] = filter.TaskType
	}
	if filter.OwnerUserID != "" {
		where["owner_user_id"] = filter.OwnerUserID
	}

	query, _, err := dialect.From(tasksTable).
		Select(taskColumns...).
		Where(where).
		Order(goqu.I("created_at").Desc()).
		ToSQL()
	if err != nil {
		return nil, apperrors.NewInternalError("failed to build active task query", err)
	}
	return a.selectTasks(ctx, query)
}

// ListByOwner returns the owner's most recent tasks
func (a *TaskAdapter) ListByOwner(ctx context.Context, ownerUserID string, limit int) ([]*entities.TaskRecord, error) {
	query, _, err := dialect.From(tasksTable).
		Select(taskColumns...).
		Where(goqu.Ex{"owner_user_id": ownerUserID}).
		Order(goqu.I("created_at").Desc()).
		Limit(uint(limit)).
		ToSQL()
	if err != nil {
		return nil, apperrors.NewInternalError("failed to build task list query", err)
	}
	return a.selectTasks(ctx, query)
}

// DeleteTerminalOlderThan removes finished tasks last touched before cutoff
func (a *TaskAdapter) DeleteTerminalOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	query, _, err := dialect.Delete(tasksTable).
		Where(
			goqu.C("status").In(terminalStatuses),
			goqu.C("updated_at").Lt(cutoff),
		).
		ToSQL()
	if err != nil {
		return 0, apperrors.NewInternalError("failed to build task cleanup query", err)
	}

	result, err := executor(ctx, a.client.DB()).ExecContext(ctx, query)
	if err != nil {
		return 0, apperrors.NewInternalError("failed to delete old tasks", err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, apperrors.NewInternalError("failed to read deleted task count", err)
	}
	return deleted, nil
}

func (a *TaskAdapter) selectTasks(ctx context.Context, query string) ([]*entities.TaskRecord, error) {
	var rows []taskRow
	if err := sqlx.SelectContext(ctx, executor(ctx, a.client.DB()), &rows, query); err != nil {
		return nil, apperrors.NewInternalError("failed to list tasks", err)
	}

	tasks := make([]*entities.TaskRecord, 0, len(rows))
	for i := range rows {
		task, err := rows[i].toEntity()
		if err != nil {
			return nil, apperrors.NewInternalError("failed to decode task", err)
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}
