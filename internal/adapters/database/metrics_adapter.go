package database

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/jmoiron/sqlx"
	"github.com/zatekoja/claimvalidation/internal/domain/entities"
	"github.com/zatekoja/claimvalidation/internal/domain/repositories"
	"github.com/zatekoja/claimvalidation/internal/infrastructure/clients/postgres"
	apperrors "github.com/zatekoja/claimvalidation/pkg/errors"
)

const metricsTable = "validation_metrics"

type metricsRow struct {
	TenantID        string    `db:"tenant_id"`
	ErrorKind       string    `db:"error_kind"`
	ClaimCount      int64     `db:"claim_count"`
	TotalPaidAmount float64   `db:"total_paid_amount"`
	UpdatedAt       time.Time `db:"updated_at"`
}

func (r *metricsRow) toEntity() *entities.MetricsAggregate {
	return &entities.MetricsAggregate{
		TenantID:        r.TenantID,
		ErrorKind:       entities.ErrorKind(r.ErrorKind),
		ClaimCount:      r.ClaimCount,
		TotalPaidAmount: r.TotalPaidAmount,
		UpdatedAt:       r.UpdatedAt,
	}
}

// MetricsAdapter implements the MetricsRepository interface
type MetricsAdapter struct {
	client *postgres.Client
	now    func() time.Time
}

// NewMetricsAdapter creates a new metrics adapter
func NewMetricsAdapter(client *postgres.Client) repositories.MetricsRepository {
	return &MetricsAdapter{client: client, now: time.Now}
}

// FindAggregate returns nil, nil when the tenant has no aggregate for kind
func (a *MetricsAdapter) FindAggregate(ctx context.Context, tenantID string, kind entities.ErrorKind) (*entities.MetricsAggregate, error) {
	query, _, err := dialect.From(metricsTable).
		Select("tenant_id", "error_kind", "claim_count", "total_paid_amount", "updated_at").
		Where(goqu.Ex{"tenant_id": tenantID, "error_kind": string(kind)}).
		ToSQL()
	if err != nil {
		return nil, apperrors.NewInternalError("failed to build metrics query", err)
	}

	var row metricsRow
	err = sqlx.GetContext(ctx, executor(ctx, a.client.DB()), &row, query)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.NewInternalError("failed to get metrics aggregate", err)
	}
	return row.toEntity(), nil
}

// UpsertAggregate adds to the stored counters in a single statement so
// concurrent batches never lose an increment.
func (a *MetricsAdapter) UpsertAggregate(ctx context.Context, tenantID string, kind entities.ErrorKind, claimCount int64, paidAmount float64) error {
	query, _, err := dialect.Insert(metricsTable).
		Rows(goqu.Record{
			"tenant_id":         tenantID,
			"error_kind":        string(kind),
			"claim_count":       claimCount,
			"total_paid_amount": paidAmount,
			"updated_at":        a.now().UTC(),
		}).
		OnConflict(goqu.DoUpdate("tenant_id, error_kind", goqu.Record{
			"claim_count":       goqu.L("validation_metrics.claim_count + EXCLUDED.claim_count"),
			"total_paid_amount": goqu.L("validation_metrics.total_paid_amount + EXCLUDED.total_paid_amount"),
			"updated_at":        goqu.L("EXCLUDED.updated_at"),
		})).
		ToSQL()
	if err != nil {
		return apperrors.NewInternalError("failed to build metrics upsert", err)
	}

	if _, err := executor(ctx, a.client.DB()).ExecContext(ctx, query); err != nil {
		return apperrors.NewInternalError("failed to upsert metrics aggregate", err)
	}
	return nil
}

// ListByTenant returns every aggregate for a tenant ordered by error kind
func (a *MetricsAdapter) ListByTenant(ctx context.Context, tenantID string) ([]*entities.MetricsAggregate, error) {
	query, _, err := dialect.From(metricsTable).
		Select("tenant_id", "error_kind", "claim_count", "total_paid_amount", "updated_at").
		Where(goqu.Ex{"tenant_id": tenantID}).
		Order(goqu.I("error_kind").Asc()).
		ToSQL()
	if err != nil {
		return nil, apperrors.NewInternalError("failed to build metrics query", err)
	}

	var rows []metricsRow
	if err := sqlx.SelectContext(ctx, executor(ctx, a.client.DB()), &rows, query); err != nil {
		return nil, apperrors.NewInternalError("failed to list metrics", err)
	}

	aggregates := make([]*entities.MetricsAggregate, 0, len(rows))
	for i := range rows {
		aggregates = append(aggregates, rows[i].toEntity())
	}
	return aggregates, nil
}
