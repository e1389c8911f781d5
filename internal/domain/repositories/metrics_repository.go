package repositories

import (
	"context"

	"github.com/zatekoja/claimvalidation/internal/domain/entities"
)

// MetricsRepository stores per tenant validation aggregates.
type MetricsRepository interface {
	// FindAggregate returns nil when no aggregate exists yet
	FindAggregate(ctx context.Context, tenantID string, kind entities.ErrorKind) (*entities.MetricsAggregate, error)

	// UpsertAggregate adds the deltas to the stored aggregate, creating it if needed
	UpsertAggregate(ctx context.Context, tenantID string, kind entities.ErrorKind, claimCount int64, paidAmount float64) error

	ListByTenant(ctx context.Context, tenantID string) ([]*entities.MetricsAggregate, error)
}
