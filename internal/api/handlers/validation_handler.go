package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/zatekoja/claimvalidation/internal/application/services"
	"github.com/zatekoja/claimvalidation/internal/domain/entities"
)

// ValidationService defines the validation operations used by the handler.
type ValidationService interface {
	SubmitBatch(ctx context.Context, claimIDs []string, userID, idempotencyKey string) (*entities.TaskRecord, error)
	SubmitPending(ctx context.Context, userID string, limit int, idempotencyKey string) (*entities.TaskRecord, error)
	GetTaskStatus(ctx context.Context, taskID, userID string) (*entities.TaskRecord, error)
	ListTasks(ctx context.Context, userID string) ([]*entities.TaskRecord, error)
	Results(ctx context.Context, tenantID string) ([]*entities.MetricsAggregate, error)
	ListClaims(ctx context.Context, q services.ClaimQuery) (*services.ClaimPage, error)
}

// ValidationHandler handles batch submission, task status and results.
type ValidationHandler struct {
	service ValidationService
}

// NewValidationHandler creates a new validation handler.
func NewValidationHandler(service ValidationService) *ValidationHandler {
	return &ValidationHandler{service: service}
}

type runRequest struct {
	Limit int `json:"limit"`
}

type batchRequest struct {
	ClaimIDs []string `json:"claim_ids"`
}

type taskAccepted struct {
	TaskID  string              `json:"task_id"`
	Status  entities.TaskStatus `json:"status"`
	Message string              `json:"message"`
}

// RunPending handles POST /api/validation/run
func (h *ValidationHandler) RunPending(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	var payload runRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil && !errors.Is(err, io.EOF) {
		respondWithError(w, http.StatusBadRequest, "invalid request payload")
		return
	}

	task, err := h.service.SubmitPending(r.Context(), userID, payload.Limit, r.Header.Get(HeaderIdempotencyKey))
	if errors.Is(err, services.ErrNoPendingClaims) {
		respondWithJSON(w, http.StatusOK, map[string]string{"message": "No claims to process"})
		return
	}
	if err != nil {
		respondWithAppError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusAccepted, taskAccepted{TaskID: task.TaskID, Status: task.Status, Message: task.Message})
}

// SubmitBatch handles POST /api/validation/batches
func (h *ValidationHandler) SubmitBatch(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	var payload batchRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request payload")
		return
	}

	task, err := h.service.SubmitBatch(r.Context(), payload.ClaimIDs, userID, r.Header.Get(HeaderIdempotencyKey))
	if err != nil {
		respondWithAppError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusAccepted, taskAccepted{TaskID: task.TaskID, Status: task.Status, Message: task.Message})
}

// GetTaskStatus handles GET /api/validation/status/{id}
func (h *ValidationHandler) GetTaskStatus(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	taskID := r.PathValue("id")
	if taskID == "" {
		respondWithError(w, http.StatusBadRequest, "task ID is required")
		return
	}

	task, err := h.service.GetTaskStatus(r.Context(), taskID, userID)
	if err != nil {
		respondWithAppError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, task)
}

// ListTasks handles GET /api/validation/tasks
func (h *ValidationHandler) ListTasks(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	tasks, err := h.service.ListTasks(r.Context(), userID)
	if err != nil {
		respondWithAppError(w, r, err)
		return
	}
	if tasks == nil {
		tasks = []*entities.TaskRecord{}
	}
	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"tasks": tasks,
		"count": len(tasks),
	})
}

// GetResults handles GET /api/validation/results
func (h *ValidationHandler) GetResults(w http.ResponseWriter, r *http.Request) {
	aggregates, err := h.service.Results(r.Context(), tenantOf(r))
	if err != nil {
		respondWithAppError(w, r, err)
		return
	}
	if aggregates == nil {
		aggregates = []*entities.MetricsAggregate{}
	}
	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"metrics": aggregates,
	})
}

// ListClaims handles GET /api/validation/claims?error_type=&search=&skip=&limit=
func (h *ValidationHandler) ListClaims(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	q := services.ClaimQuery{
		TenantID:  tenantOf(r),
		ErrorKind: query.Get("error_type"),
		Search:    query.Get("search"),
	}

	var err error
	if q.Skip, err = intParam(query.Get("skip"), 0); err != nil || q.Skip < 0 {
		respondWithError(w, http.StatusBadRequest, "invalid skip parameter")
		return
	}
	if q.Limit, err = intParam(query.Get("limit"), services.DefaultClaimPageSize); err != nil || q.Limit < 1 || q.Limit > 500 {
		respondWithError(w, http.StatusBadRequest, "invalid limit parameter")
		return
	}

	page, err := h.service.ListClaims(r.Context(), q)
	if err != nil {
		respondWithAppError(w, r, err)
		return
	}
	if page.Claims == nil {
		page.Claims = []*entities.Claim{}
	}
	respondWithJSON(w, http.StatusOK, page)
}

func intParam(raw string, fallback int) (int, error) {
	if raw == "" {
		return fallback, nil
	}
	return strconv.Atoi(raw)
}
