package repositories

import (
	"context"

	"github.com/zatekoja/claimvalidation/internal/domain/entities"
)

// ClaimRepository defines the interface for claim data operations
type ClaimRepository interface {
	// FindByIDs retrieves the claims that exist among ids. Unknown ids are skipped.
	FindByIDs(ctx context.Context, ids []string) ([]*entities.Claim, error)

	// Save overwrites the validation outcome fields of a claim
	Save(ctx context.Context, claim *entities.Claim) error

	// UpsertRefined mirrors a validated claim into the read-optimized view
	UpsertRefined(ctx context.Context, claim *entities.Claim) error

	// ListIDsByStatus returns up to limit claim ids with the given status, oldest first
	ListIDsByStatus(ctx context.Context, tenantID string, status entities.ClaimStatus, limit int) ([]string, error)

	// ListRefined pages through the validated claims view
	ListRefined(ctx context.Context, filter ClaimFilter) ([]*entities.Claim, int, error)
}

// ClaimFilter defines filters for listing validated claims
type ClaimFilter struct {
	TenantID  string
	ErrorKind entities.ErrorKind
	Search    string
	Limit     int
	Offset    int
}
