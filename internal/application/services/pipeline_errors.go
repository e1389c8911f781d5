package services

import (
	"errors"
	"fmt"

	"github.com/zatekoja/claimvalidation/internal/domain/entities"
	apperrors "github.com/zatekoja/claimvalidation/pkg/errors"
)

// ErrNoTechnicalRules means the tenant has no technical rule set cached.
// Claims judged without one are left unvalidated.
var ErrNoTechnicalRules = errors.New("no technical rules loaded")

// ClaimProcessingError is a failure confined to one claim. The claim keeps
// its previous status and the batch continues.
type ClaimProcessingError struct {
	ClaimID string
	Err     error
}

func (e *ClaimProcessingError) Error() string {
	return fmt.Sprintf("claim %s: %v", e.ClaimID, e.Err)
}

func (e *ClaimProcessingError) Unwrap() error {
	return e.Err
}

// AdmissionRejectedError means a task was not started because another
// active task blocks it. Callers can poll BlockingTaskID instead.
type AdmissionRejectedError struct {
	Reason         string
	BlockingTaskID string
	BlockingStatus entities.TaskStatus
}

func (e *AdmissionRejectedError) Error() string {
	return e.Reason
}

// Unwrap exposes the rejection as a CONFLICT AppError
func (e *AdmissionRejectedError) Unwrap() error {
	return apperrors.NewConflictError(e.Reason)
}
