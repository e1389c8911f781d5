package services

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zatekoja/claimvalidation/internal/domain/entities"
	"github.com/zatekoja/claimvalidation/internal/domain/providers"
	"github.com/zatekoja/claimvalidation/internal/domain/repositories"
	"github.com/zatekoja/claimvalidation/internal/infrastructure/observability"
	apperrors "github.com/zatekoja/claimvalidation/pkg/errors"
)

// DefaultTaskListLimit is how many tasks ListForUser returns
const DefaultTaskListLimit = 20

// DefaultTaskStaleAfter is how long an active task may go without an update
// before admission and cleanup treat its runner as gone.
const DefaultTaskStaleAfter = 30 * time.Minute

// TaskController admits background tasks and tracks their lifecycle.
//
// The task repository is the source of truth for admission. The in-memory
// maps only remember tasks this process admitted so a repeated request can
// be rejected with a primary key lookup instead of a scan.
type TaskController struct {
	repo       repositories.TaskRepository
	events     providers.EventBus
	now        func() time.Time
	staleAfter time.Duration

	admitMu sync.Mutex

	hintMu      sync.RWMutex
	activeTypes map[string]string
	activeUsers map[string]string
}

// TaskOption configures a TaskController
type TaskOption func(*TaskController)

// WithStaleAfter sets how long an active task may go without an update
// before it is failed as abandoned
func WithStaleAfter(d time.Duration) TaskOption {
	return func(c *TaskController) {
		if d > 0 {
			c.staleAfter = d
		}
	}
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) TaskOption {
	return func(c *TaskController) {
		c.now = now
	}
}

// NewTaskController creates a task controller. events may be nil.
func NewTaskController(repo repositories.TaskRepository, events providers.EventBus, opts ...TaskOption) *TaskController {
	c := &TaskController{
		repo:        repo,
		events:      events,
		now:         time.Now,
		staleAfter:  DefaultTaskStaleAfter,
		activeTypes: make(map[string]string),
		activeUsers: make(map[string]string),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GenerateTaskID returns "<taskType>_<8 hex chars>"
func GenerateTaskID(taskType string) string {
	return fmt.Sprintf("%s_%s", taskType, strings.ReplaceAll(uuid.New().String(), "-", "")[:8])
}

// CanStart reports whether a task of taskType may start for userID. When it
// may not, the reason names the blocking task.
func (c *TaskController) CanStart(ctx context.Context, taskType, userID string) (bool, string, error) {
	rejection, err := c.checkAdmission(ctx, taskType, userID)
	if err != nil {
		return false, "", err
	}
	if rejection != nil {
		return false, rejection.Reason, nil
	}
	return true, "Task can be started", nil
}

func (c *TaskController) checkAdmission(ctx context.Context, taskType, userID string) (*AdmissionRejectedError, error) {
	if rejection := c.hintedRejection(ctx, taskType, userID); rejection != nil {
		return rejection, nil
	}

	active, err := c.liveTasks(ctx, repositories.TaskFilter{TaskType: taskType})
	if err != nil {
		return nil, err
	}
	if len(active) > 0 {
		return typeRejection(active[0]), nil
	}

	if userID != "" {
		owned, err := c.liveTasks(ctx, repositories.TaskFilter{OwnerUserID: userID})
		if err != nil {
			return nil, err
		}
		if len(owned) > 0 {
			return userRejection(owned[0]), nil
		}
	}
	return nil, nil
}

// liveTasks lists active tasks matching filter, failing stale ones on the way
func (c *TaskController) liveTasks(ctx context.Context, filter repositories.TaskFilter) ([]*entities.TaskRecord, error) {
	active, err := c.repo.ListActive(ctx, filter)
	if err != nil {
		return nil, err
	}
	live := active[:0]
	for _, task := range active {
		if c.isStale(task) {
			if err := c.expire(ctx, task); err != nil {
				return nil, err
			}
			continue
		}
		live = append(live, task)
	}
	return live, nil
}

func (c *TaskController) isStale(task *entities.TaskRecord) bool {
	return task.Status.IsActive() && c.now().Sub(task.UpdatedAt) > c.staleAfter
}

// expire fails a task whose runner stopped reporting. The runner may have
// crashed or lost its final status write.
func (c *TaskController) expire(ctx context.Context, task *entities.TaskRecord) error {
	_, err := c.UpdateStatus(ctx, task.TaskID, entities.TaskUpdate{
		Status:  entities.TaskStatusFailed,
		Message: strPtr(fmt.Sprintf("Task abandoned: no update since %s", task.UpdatedAt.UTC().Format(time.RFC3339))),
		Details: map[string]any{"error": "stale task"},
	})
	if err != nil && apperrors.IsType(err, apperrors.ErrorTypeValidation) {
		// Finished concurrently; whatever terminal status it reached stands.
		return nil
	}
	if err == nil {
		observability.LoggerFromContext(observability.WithTask(ctx, task.TaskID)).Warn().
			Time("last_update", task.UpdatedAt).
			Msg("stale task marked failed")
	}
	return err
}

// hintedRejection confirms a remembered active task against the repository.
// Stale hints are dropped.
func (c *TaskController) hintedRejection(ctx context.Context, taskType, userID string) *AdmissionRejectedError {
	c.hintMu.RLock()
	byType := c.activeTypes[taskType]
	byUser := c.activeUsers[userID]
	c.hintMu.RUnlock()

	for _, candidate := range []struct {
		id     string
		reject func(*entities.TaskRecord) *AdmissionRejectedError
	}{{byType, typeRejection}, {byUser, userRejection}} {
		if candidate.id == "" {
			continue
		}
		task, err := c.repo.GetByID(ctx, candidate.id)
		if err == nil && task.Status.IsActive() && !c.isStale(task) {
			return candidate.reject(task)
		}
		c.forget(candidate.id)
	}
	return nil
}

func typeRejection(task *entities.TaskRecord) *AdmissionRejectedError {
	return &AdmissionRejectedError{
		Reason:         fmt.Sprintf("Task '%s' is already %s", task.TaskID, task.Status),
		BlockingTaskID: task.TaskID,
		BlockingStatus: task.Status,
	}
}

func userRejection(task *entities.TaskRecord) *AdmissionRejectedError {
	return &AdmissionRejectedError{
		Reason:         fmt.Sprintf("You already have an active task running ('%s' is %s)", task.TaskID, task.Status),
		BlockingTaskID: task.TaskID,
		BlockingStatus: task.Status,
	}
}

// Admit checks admission and creates a pending task in one step. A
// rejection is returned as *AdmissionRejectedError. Admissions in this
// process are serialized; across processes the repository's uniqueness
// guarantee decides the race.
func (c *TaskController) Admit(ctx context.Context, taskType, userID, message string, details map[string]any) (*entities.TaskRecord, error) {
	c.admitMu.Lock()
	defer c.admitMu.Unlock()

	logCtx := observability.WithLogField(ctx, observability.FieldUserID, userID)
	logger := observability.LoggerFromContext(logCtx)

	rejection, err := c.checkAdmission(ctx, taskType, userID)
	if err != nil {
		return nil, err
	}
	if rejection != nil {
		logger.Info().Str("task_type", taskType).Str("blocking_task_id", rejection.BlockingTaskID).Msg("task admission rejected")
		return nil, rejection
	}

	now := c.now().UTC()
	merged := map[string]any{"start_time": now.Format(time.RFC3339)}
	for k, v := range details {
		merged[k] = v
	}
	task := &entities.TaskRecord{
		TaskID:      GenerateTaskID(taskType),
		TaskType:    taskType,
		Status:      entities.TaskStatusPending,
		Message:     message,
		OwnerUserID: userID,
		CreatedAt:   now,
		UpdatedAt:   now,
		Details:     merged,
	}

	if err := c.repo.Create(ctx, task); err != nil {
		if apperrors.IsType(err, apperrors.ErrorTypeConflict) {
			// Another process won the race; report whichever task blocks us now.
			if rejection, checkErr := c.checkAdmission(ctx, taskType, userID); checkErr == nil && rejection != nil {
				return nil, rejection
			}
		}
		return nil, err
	}

	c.hintMu.Lock()
	c.activeTypes[taskType] = task.TaskID
	if userID != "" {
		c.activeUsers[userID] = task.TaskID
	}
	c.hintMu.Unlock()

	observability.LoggerFromContext(observability.WithTask(logCtx, task.TaskID)).Info().
		Str("task_type", taskType).
		Msg("task admitted")
	c.publish(ctx, task)
	return task, nil
}

// UpdateStatus applies update to a task. Details are merged into the
// existing details and stamped with last_update.
func (c *TaskController) UpdateStatus(ctx context.Context, taskID string, update entities.TaskUpdate) (*entities.TaskRecord, error) {
	task, err := c.repo.GetByID(ctx, taskID)
	if err != nil {
		return nil, err
	}

	status := update.Status
	if status == "" {
		status = task.Status
	}
	if !task.Status.CanTransitionTo(status) {
		return nil, apperrors.NewValidationError(fmt.Sprintf("task %s cannot move from %s to %s", taskID, task.Status, status))
	}

	now := c.now().UTC()
	task.Status = status
	task.UpdatedAt = now
	if update.Progress != nil {
		task.Progress = min(max(*update.Progress, 0), 100)
	}
	if update.Message != nil {
		task.Message = *update.Message
	}
	if task.Details == nil {
		task.Details = map[string]any{}
	}
	for k, v := range update.Details {
		task.Details[k] = v
	}
	task.Details["last_update"] = now.Format(time.RFC3339)

	if err := c.repo.Update(ctx, task); err != nil {
		return nil, err
	}

	if status.IsTerminal() {
		c.forget(taskID)
	}

	observability.LoggerFromContext(observability.WithTask(ctx, taskID)).Info().
		Str("status", string(task.Status)).
		Int("progress", task.Progress).
		Msg("task status updated")
	c.publish(ctx, task)
	return task, nil
}

func (c *TaskController) forget(taskID string) {
	c.hintMu.Lock()
	defer c.hintMu.Unlock()
	for k, v := range c.activeTypes {
		if v == taskID {
			delete(c.activeTypes, k)
		}
	}
	for k, v := range c.activeUsers {
		if v == taskID {
			delete(c.activeUsers, k)
		}
	}
}

func (c *TaskController) publish(ctx context.Context, task *entities.TaskRecord) {
	if c.events == nil {
		return
	}
	event := &entities.TaskEvent{
		TaskID:    task.TaskID,
		Status:    task.Status,
		Progress:  task.Progress,
		Message:   task.Message,
		Timestamp: task.UpdatedAt,
	}
	if err := c.events.Publish(ctx, entities.TaskChannel(task.TaskID), event); err != nil {
		observability.LoggerFromContext(observability.WithTask(ctx, task.TaskID)).Warn().Err(err).Msg("failed to publish task event")
	}
}

// Get returns the latest persisted snapshot of a task
func (c *TaskController) Get(ctx context.Context, taskID string) (*entities.TaskRecord, error) {
	return c.repo.GetByID(ctx, taskID)
}

// ListForUser returns the user's most recent tasks
func (c *TaskController) ListForUser(ctx context.Context, userID string) ([]*entities.TaskRecord, error) {
	return c.repo.ListByOwner(ctx, userID, DefaultTaskListLimit)
}

// Cleanup fails stale active tasks, then deletes completed and failed tasks
// not updated in daysOld days
func (c *TaskController) Cleanup(ctx context.Context, daysOld int) (int64, error) {
	if daysOld <= 0 {
		return 0, apperrors.NewValidationError("daysOld must be positive")
	}
	if _, err := c.liveTasks(ctx, repositories.TaskFilter{}); err != nil {
		return 0, err
	}
	cutoff := c.now().UTC().AddDate(0, 0, -daysOld)
	deleted, err := c.repo.DeleteTerminalOlderThan(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	observability.LoggerFromContext(ctx).Info().Int64("deleted", deleted).Time("cutoff", cutoff).Msg("old tasks cleaned up")
	return deleted, nil
}
