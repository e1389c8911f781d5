package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/zatekoja/claimvalidation/internal/api/handlers"
	"github.com/zatekoja/claimvalidation/internal/application/services"
	"github.com/zatekoja/claimvalidation/internal/domain/entities"
	apperrors "github.com/zatekoja/claimvalidation/pkg/errors"
)

// MockValidationService defines the mock service
type MockValidationService struct {
	mock.Mock
}

func (m *MockValidationService) SubmitBatch(ctx context.Context, claimIDs []string, userID, idempotencyKey string) (*entities.TaskRecord, error) {
	args := m.Called(ctx, claimIDs, userID, idempotencyKey)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*entities.TaskRecord), args.Error(1)
}

func (m *MockValidationService) SubmitPending(ctx context.Context, userID string, limit int, idempotencyKey string) (*entities.TaskRecord, error) {
	args := m.Called(ctx, userID, limit, idempotencyKey)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*entities.TaskRecord), args.Error(1)
}

func (m *MockValidationService) GetTaskStatus(ctx context.Context, taskID, userID string) (*entities.TaskRecord, error) {
	args := m.Called(ctx, taskID, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*entities.TaskRecord), args.Error(1)
}

func (m *MockValidationService) ListTasks(ctx context.Context, userID string) ([]*entities.TaskRecord, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*entities.TaskRecord), args.Error(1)
}

func (m *MockValidationService) Results(ctx context.Context, tenantID string) ([]*entities.MetricsAggregate, error) {
	args := m.Called(ctx, tenantID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*entities.MetricsAggregate), args.Error(1)
}

func (m *MockValidationService) ListClaims(ctx context.Context, q services.ClaimQuery) (*services.ClaimPage, error) {
	args := m.Called(ctx, q)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*services.ClaimPage), args.Error(1)
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestValidationHandler_SubmitBatch(t *testing.T) {
	t.Run("accepts a batch", func(t *testing.T) {
		mockService := new(MockValidationService)
		handler := handlers.NewValidationHandler(mockService)

		mockService.On("SubmitBatch", mock.Anything, []string{"C1", "C2"}, "alice", "key-1").
			Return(&entities.TaskRecord{TaskID: "validation_abc", Status: entities.TaskStatusPending, Message: "Queued 2 claims for validation"}, nil)

		req := httptest.NewRequest(http.MethodPost, "/api/validation/batches", bytes.NewBufferString(`{"claim_ids":["C1","C2"]}`))
		req.Header.Set(handlers.HeaderUserID, "alice")
		req.Header.Set(handlers.HeaderIdempotencyKey, "key-1")
		w := httptest.NewRecorder()

		handler.SubmitBatch(w, req)

		assert.Equal(t, http.StatusAccepted, w.Code)
		body := decodeBody(t, w)
		assert.Equal(t, "validation_abc", body["task_id"])
		assert.Equal(t, "pending", body["status"])
		mockService.AssertExpectations(t)
	})

	t.Run("conflict names the blocking task", func(t *testing.T) {
		mockService := new(MockValidationService)
		handler := handlers.NewValidationHandler(mockService)

		rejected := &services.AdmissionRejectedError{
			Reason:         "Task 'validation_old' is already running",
			BlockingTaskID: "validation_old",
			BlockingStatus: entities.TaskStatusRunning,
		}
		mockService.On("SubmitBatch", mock.Anything, []string{"C1"}, "alice", "").Return(nil, rejected)

		req := httptest.NewRequest(http.MethodPost, "/api/validation/batches", bytes.NewBufferString(`{"claim_ids":["C1"]}`))
		req.Header.Set(handlers.HeaderUserID, "alice")
		w := httptest.NewRecorder()

		handler.SubmitBatch(w, req)

		assert.Equal(t, http.StatusConflict, w.Code)
		body := decodeBody(t, w)
		assert.Equal(t, "validation_old", body["blocking_task"])
		assert.Equal(t, "running", body["blocking_state"])
		assert.Equal(t, rejected.Reason, body["error"])
	})

	t.Run("requires a user", func(t *testing.T) {
		handler := handlers.NewValidationHandler(new(MockValidationService))
		req := httptest.NewRequest(http.MethodPost, "/api/validation/batches", bytes.NewBufferString(`{"claim_ids":["C1"]}`))
		w := httptest.NewRecorder()

		handler.SubmitBatch(w, req)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("returns bad request for invalid payload", func(t *testing.T) {
		handler := handlers.NewValidationHandler(new(MockValidationService))
		req := httptest.NewRequest(http.MethodPost, "/api/validation/batches", bytes.NewBufferString("invalid-json"))
		req.Header.Set(handlers.HeaderUserID, "alice")
		w := httptest.NewRecorder()

		handler.SubmitBatch(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestValidationHandler_RunPending(t *testing.T) {
	t.Run("empty body uses the default limit", func(t *testing.T) {
		mockService := new(MockValidationService)
		handler := handlers.NewValidationHandler(mockService)
		mockService.On("SubmitPending", mock.Anything, "alice", 0, "").
			Return(&entities.TaskRecord{TaskID: "validation_abc", Status: entities.TaskStatusPending}, nil)

		req := httptest.NewRequest(http.MethodPost, "/api/validation/run", nil)
		req.Header.Set(handlers.HeaderUserID, "alice")
		w := httptest.NewRecorder()

		handler.RunPending(w, req)

		assert.Equal(t, http.StatusAccepted, w.Code)
		mockService.AssertExpectations(t)
	})

	t.Run("nothing to process", func(t *testing.T) {
		mockService := new(MockValidationService)
		handler := handlers.NewValidationHandler(mockService)
		mockService.On("SubmitPending", mock.Anything, "alice", 10, "").Return(nil, services.ErrNoPendingClaims)

		req := httptest.NewRequest(http.MethodPost, "/api/validation/run", bytes.NewBufferString(`{"limit":10}`))
		req.Header.Set(handlers.HeaderUserID, "alice")
		w := httptest.NewRecorder()

		handler.RunPending(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "No claims to process", decodeBody(t, w)["message"])
	})
}

func TestValidationHandler_GetTaskStatus(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"found", nil, http.StatusOK},
		{"other owner", apperrors.NewForbiddenError("access denied to this task"), http.StatusForbidden},
		{"unknown", apperrors.NewNotFoundError("task with id validation_x not found"), http.StatusNotFound},
		{"store down", errors.New("connection refused"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockService := new(MockValidationService)
			handler := handlers.NewValidationHandler(mockService)
			if tt.err != nil {
				mockService.On("GetTaskStatus", mock.Anything, "validation_x", "alice").Return(nil, tt.err)
			} else {
				mockService.On("GetTaskStatus", mock.Anything, "validation_x", "alice").
					Return(&entities.TaskRecord{TaskID: "validation_x", Status: entities.TaskStatusRunning, Progress: 50}, nil)
			}

			req := httptest.NewRequest(http.MethodGet, "/api/validation/status/validation_x", nil)
			req.SetPathValue("id", "validation_x")
			req.Header.Set(handlers.HeaderUserID, "alice")
			w := httptest.NewRecorder()

			handler.GetTaskStatus(w, req)

			assert.Equal(t, tt.status, w.Code)
			if tt.status == http.StatusInternalServerError {
				assert.Equal(t, "internal server error", decodeBody(t, w)["error"])
			}
		})
	}
}

func TestValidationHandler_ListClaims(t *testing.T) {
	t.Run("passes query parameters", func(t *testing.T) {
		mockService := new(MockValidationService)
		handler := handlers.NewValidationHandler(mockService)
		mockService.On("ListClaims", mock.Anything, services.ClaimQuery{
			TenantID:  "acme",
			ErrorKind: "Medical error",
			Search:    "SRV2001",
			Skip:      50,
			Limit:     25,
		}).Return(&services.ClaimPage{Total: 60, Skip: 50, Limit: 25}, nil)

		req := httptest.NewRequest(http.MethodGet, "/api/validation/claims?error_type=Medical+error&search=SRV2001&skip=50&limit=25", nil)
		req.Header.Set(handlers.HeaderTenantID, "acme")
		w := httptest.NewRecorder()

		handler.ListClaims(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		body := decodeBody(t, w)
		assert.Equal(t, []any{}, body["claims"])
		assert.EqualValues(t, 60, body["total"])
		mockService.AssertExpectations(t)
	})

	t.Run("rejects bad paging", func(t *testing.T) {
		handler := handlers.NewValidationHandler(new(MockValidationService))
		for _, query := range []string{"limit=0", "limit=abc", "skip=-1", "limit=1000"} {
			req := httptest.NewRequest(http.MethodGet, "/api/validation/claims?"+query, nil)
			w := httptest.NewRecorder()
			handler.ListClaims(w, req)
			assert.Equal(t, http.StatusBadRequest, w.Code, query)
		}
	})

	t.Run("unknown error type", func(t *testing.T) {
		mockService := new(MockValidationService)
		handler := handlers.NewValidationHandler(mockService)
		mockService.On("ListClaims", mock.Anything, mock.Anything).Return(nil, apperrors.NewValidationError(`unknown error type "billing"`))

		req := httptest.NewRequest(http.MethodGet, "/api/validation/claims?error_type=billing", nil)
		w := httptest.NewRecorder()
		handler.ListClaims(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestValidationHandler_ResultsAndTasks(t *testing.T) {
	mockService := new(MockValidationService)
	handler := handlers.NewValidationHandler(mockService)
	mockService.On("Results", mock.Anything, "").Return(nil, nil)
	mockService.On("ListTasks", mock.Anything, "alice").Return([]*entities.TaskRecord{{TaskID: "validation_1"}}, nil)

	w := httptest.NewRecorder()
	handler.GetResults(w, httptest.NewRequest(http.MethodGet, "/api/validation/results", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []any{}, decodeBody(t, w)["metrics"])

	req := httptest.NewRequest(http.MethodGet, "/api/validation/tasks", nil)
	req.Header.Set(handlers.HeaderUserID, "alice")
	w = httptest.NewRecorder()
	handler.ListTasks(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, decodeBody(t, w)["count"])
	mockService.AssertExpectations(t)
}
