package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/zatekoja/claimvalidation/internal/application/services"
	"github.com/zatekoja/claimvalidation/internal/infrastructure/observability"
	apperrors "github.com/zatekoja/claimvalidation/pkg/errors"
)

const (
	// HeaderUserID identifies the caller. Authentication happens upstream.
	HeaderUserID = "X-User-ID"
	// HeaderTenantID selects the tenant. The configured default applies when absent.
	HeaderTenantID = "X-Tenant-ID"
	// HeaderIdempotencyKey makes batch submission safe to retry
	HeaderIdempotencyKey = "Idempotency-Key"
)

func respondWithJSON(w http.ResponseWriter, statusCode int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(payload)
}

func respondWithError(w http.ResponseWriter, statusCode int, message string) {
	respondWithJSON(w, statusCode, map[string]string{
		"error": message,
	})
}

// respondWithAppError maps an error from the service layer to a status code.
// Internal failures are logged and hidden from the caller.
func respondWithAppError(w http.ResponseWriter, r *http.Request, err error) {
	var rejected *services.AdmissionRejectedError
	if errors.As(err, &rejected) {
		respondWithJSON(w, http.StatusConflict, map[string]string{
			"error":          rejected.Reason,
			"blocking_task":  rejected.BlockingTaskID,
			"blocking_state": string(rejected.BlockingStatus),
		})
		return
	}

	var appErr *apperrors.AppError
	if !errors.As(err, &appErr) {
		observability.LoggerFromContext(r.Context()).Error().Err(err).Str("path", r.URL.Path).Msg("unhandled error")
		respondWithError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	switch appErr.Type {
	case apperrors.ErrorTypeNotFound:
		respondWithError(w, http.StatusNotFound, appErr.Message)
	case apperrors.ErrorTypeValidation:
		respondWithError(w, http.StatusBadRequest, appErr.Message)
	case apperrors.ErrorTypeParse:
		respondWithError(w, http.StatusUnprocessableEntity, appErr.Message)
	case apperrors.ErrorTypeConflict:
		respondWithError(w, http.StatusConflict, appErr.Message)
	case apperrors.ErrorTypeUnauthorized:
		respondWithError(w, http.StatusUnauthorized, appErr.Message)
	case apperrors.ErrorTypeForbidden:
		respondWithError(w, http.StatusForbidden, appErr.Message)
	case apperrors.ErrorTypeExternal:
		observability.LoggerFromContext(r.Context()).Error().Err(err).Str("path", r.URL.Path).Msg("upstream failure")
		respondWithError(w, http.StatusBadGateway, appErr.Message)
	default:
		observability.LoggerFromContext(r.Context()).Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		respondWithError(w, http.StatusInternalServerError, "internal server error")
	}
}

// requireUser reads the caller id or answers 401
func requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := strings.TrimSpace(r.Header.Get(HeaderUserID))
	if userID == "" {
		respondWithError(w, http.StatusUnauthorized, HeaderUserID+" header is required")
		return "", false
	}
	return userID, true
}

func tenantOf(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(HeaderTenantID))
}
