package database

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zatekoja/claimvalidation/internal/domain/entities"
	"github.com/zatekoja/claimvalidation/internal/domain/repositories"
	"github.com/zatekoja/claimvalidation/internal/infrastructure/clients/postgres"
	apperrors "github.com/zatekoja/claimvalidation/pkg/errors"
)

func setupMockClient(t *testing.T) (*postgres.Client, sqlmock.Sqlmock) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })
	return postgres.NewClientFromDB(sqlx.NewDb(mockDB, "postgres")), mock
}

var claimRowColumns = []string{
	"claim_id", "tenant_id", "encounter_type", "service_date", "national_id",
	"member_id", "facility_id", "unique_id", "diagnosis_codes", "service_code",
	"paid_amount", "approval_number", "status", "error_kind", "error_explanation",
	"recommended_action", "created_at", "updated_at",
}

func TestClaimAdapter_FindByIDsPreservesRequestOrder(t *testing.T) {
	client, mock := setupMockClient(t)
	adapter := NewClaimAdapter(client)
	now := time.Now()

	mock.ExpectQuery(`SELECT .* FROM "claims" WHERE \("claim_id" IN \('C1', 'C2', 'C3'\)\)`).
		WillReturnRows(sqlmock.NewRows(claimRowColumns).
			AddRow("C3", "acme", "outpatient", nil, nil, "M3", nil, nil, "I10", "SRV1", 250.0, nil, "Not validated", nil, nil, nil, now, now).
			AddRow("C1", "acme", "inpatient", now, "N1", "M1", "F1", "U1", "E11.9,I10", "SRV2", nil, "123456", "Validated", "No error", "• legacy one\n• legacy two", "", now, now))

	claims, err := adapter.FindByIDs(context.Background(), []string{"C1", "C2", "C3"})
	require.NoError(t, err)
	require.Len(t, claims, 2)

	assert.Equal(t, "C1", claims[0].ClaimID)
	assert.Nil(t, claims[0].PaidAmount)
	assert.NotNil(t, claims[0].ServiceDate)
	assert.Equal(t, []string{"legacy one", "legacy two"}, claims[0].ErrorExplanation)

	assert.Equal(t, "C3", claims[1].ClaimID)
	require.NotNil(t, claims[1].PaidAmount)
	assert.Equal(t, 250.0, *claims[1].PaidAmount)
	assert.Equal(t, entities.ClaimStatusNotValidated, claims[1].Status)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimAdapter_FindByIDsEmpty(t *testing.T) {
	client, mock := setupMockClient(t)
	claims, err := NewClaimAdapter(client).FindByIDs(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, claims)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimAdapter_SaveUnknownClaim(t *testing.T) {
	client, mock := setupMockClient(t)
	adapter := NewClaimAdapter(client)

	mock.ExpectExec(`UPDATE "claims" SET .*"error_explanation"='\["Paid amount 1500 exceeds threshold 1000"\]'.* WHERE \("claim_id" = 'C404'\)`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := adapter.Save(context.Background(), &entities.Claim{
		ClaimID:          "C404",
		Status:           entities.ClaimStatusValidated,
		ErrorKind:        entities.ErrorKindTechnical,
		ErrorExplanation: []string{"Paid amount 1500 exceeds threshold 1000"},
	})
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimAdapter_UpsertRefined(t *testing.T) {
	client, mock := setupMockClient(t)
	adapter := NewClaimAdapter(client)

	mock.ExpectExec(`INSERT INTO "refined_claims" .* ON CONFLICT \(claim_id\) DO UPDATE SET .*EXCLUDED\.error_kind`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	paid := 99.5
	err := adapter.UpsertRefined(context.Background(), &entities.Claim{
		ClaimID:    "C1",
		TenantID:   "acme",
		PaidAmount: &paid,
		Status:     entities.ClaimStatusValidated,
		ErrorKind:  entities.ErrorKindNone,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestImportClaims(t *testing.T) {
	client, mock := setupMockClient(t)

	mock.ExpectExec(`INSERT INTO "claims" .*'Not validated'.* ON CONFLICT DO NOTHING`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	paid := 250.0
	inserted, err := ImportClaims(context.Background(), client, []*entities.Claim{
		{ClaimID: "C1", TenantID: "acme", PaidAmount: &paid},
		{ClaimID: "C2", TenantID: "acme", ServiceCode: "SRV1001"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), inserted)
	assert.NoError(t, mock.ExpectationsWereMet())

	_, err = ImportClaims(context.Background(), client, []*entities.Claim{{ClaimID: "C3"}})
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeValidation))

	inserted, err = ImportClaims(context.Background(), client, nil)
	require.NoError(t, err)
	assert.Zero(t, inserted)
}

func TestClaimAdapter_ListRefined(t *testing.T) {
	client, mock := setupMockClient(t)
	adapter := NewClaimAdapter(client)
	now := time.Now()

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM "refined_claims" WHERE .*"error_kind" = 'Technical error'.*ILIKE '%threshold%'`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery(`SELECT .* FROM "refined_claims" WHERE .* LIMIT 10 OFFSET 10`).
		WillReturnRows(sqlmock.NewRows(claimRowColumns).
			AddRow("C9", "acme", nil, nil, nil, nil, nil, nil, nil, nil, 1500.0, nil, "Validated", "Technical error", `["Paid amount 1500 exceeds threshold 1000"]`, "Review payment amount against policy limits", now, now))

	claims, total, err := adapter.ListRefined(context.Background(), repositories.ClaimFilter{
		TenantID:  "acme",
		ErrorKind: entities.ErrorKindTechnical,
		Search:    "threshold",
		Limit:     10,
		Offset:    10,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, claims, 1)
	assert.Equal(t, []string{"Paid amount 1500 exceeds threshold 1000"}, claims[0].ErrorExplanation)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMetricsAdapter_UpsertAggregateIsAdditive(t *testing.T) {
	client, mock := setupMockClient(t)
	adapter := NewMetricsAdapter(client)

	mock.ExpectExec(`INSERT INTO "validation_metrics" .* ON CONFLICT \(tenant_id, error_kind\) DO UPDATE SET .*validation_metrics\.claim_count \+ EXCLUDED\.claim_count.*validation_metrics\.total_paid_amount \+ EXCLUDED\.total_paid_amount`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := adapter.UpsertAggregate(context.Background(), "acme", entities.ErrorKindTechnical, 3, 4500)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMetricsAdapter_FindAggregate(t *testing.T) {
	client, mock := setupMockClient(t)
	adapter := NewMetricsAdapter(client)
	columns := []string{"tenant_id", "error_kind", "claim_count", "total_paid_amount", "updated_at"}

	mock.ExpectQuery(`SELECT .* FROM "validation_metrics"`).
		WillReturnRows(sqlmock.NewRows(columns))
	absent, err := adapter.FindAggregate(context.Background(), "acme", entities.ErrorKindBoth)
	require.NoError(t, err)
	assert.Nil(t, absent)

	mock.ExpectQuery(`SELECT .* FROM "validation_metrics"`).
		WillReturnRows(sqlmock.NewRows(columns).AddRow("acme", "both", 8, 1200.5, time.Now()))
	found, err := adapter.FindAggregate(context.Background(), "acme", entities.ErrorKindBoth)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, int64(8), found.ClaimCount)
	assert.Equal(t, 1200.5, found.TotalPaidAmount)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTaskAdapter_CreateMapsUniqueViolationToConflict(t *testing.T) {
	client, mock := setupMockClient(t)
	adapter := NewTaskAdapter(client)

	mock.ExpectExec(`INSERT INTO "validation_tasks"`).
		WillReturnError(&pq.Error{Code: "23505", Constraint: "uq_validation_tasks_active_type"})

	err := adapter.Create(context.Background(), &entities.TaskRecord{
		TaskID:      "validation_1234abcd",
		TaskType:    entities.TaskTypeValidation,
		Status:      entities.TaskStatusPending,
		OwnerUserID: "alice",
	})
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeConflict))
	assert.Contains(t, err.Error(), "uq_validation_tasks_active_type")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTaskAdapter_GetByID(t *testing.T) {
	client, mock := setupMockClient(t)
	adapter := NewTaskAdapter(client)
	columns := []string{"task_id", "task_type", "status", "progress", "message", "owner_user_id", "details", "created_at", "updated_at"}
	now := time.Now()

	mock.ExpectQuery(`SELECT .* FROM "validation_tasks" WHERE \("task_id" = 'missing'\)`).
		WillReturnRows(sqlmock.NewRows(columns))
	_, err := adapter.GetByID(context.Background(), "missing")
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeNotFound))

	mock.ExpectQuery(`SELECT .* FROM "validation_tasks" WHERE \("task_id" = 'validation_1'\)`).
		WillReturnRows(sqlmock.NewRows(columns).
			AddRow("validation_1", "validation", "running", 10, "Processing claims", "alice", []byte(`{"claim_count":3}`), now, now))
	task, err := adapter.GetByID(context.Background(), "validation_1")
	require.NoError(t, err)
	assert.Equal(t, entities.TaskStatusRunning, task.Status)
	assert.Equal(t, float64(3), task.Details["claim_count"])

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTaskAdapter_DeleteTerminalOlderThan(t *testing.T) {
	client, mock := setupMockClient(t)
	adapter := NewTaskAdapter(client)

	mock.ExpectExec(`DELETE FROM "validation_tasks" WHERE \(\("status" IN \('completed', 'failed'\)\) AND \("updated_at" < `).
		WillReturnResult(sqlmock.NewResult(0, 4))

	deleted, err := adapter.DeleteTerminalOlderThan(context.Background(), time.Now().AddDate(0, 0, -7))
	require.NoError(t, err)
	assert.Equal(t, int64(4), deleted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTxManager_CommitsAndRollsBack(t *testing.T) {
	client, mock := setupMockClient(t)
	tx := NewTxManager(client)
	metrics := NewMetricsAdapter(client)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO "validation_metrics"`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := tx.WithinTx(context.Background(), func(ctx context.Context) error {
		return metrics.UpsertAggregate(ctx, "acme", entities.ErrorKindNone, 1, 10)
	})
	require.NoError(t, err)

	boom := errors.New("aggregation failed")
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO "validation_metrics"`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectRollback()

	err = tx.WithinTx(context.Background(), func(ctx context.Context) error {
		if err := metrics.UpsertAggregate(ctx, "acme", entities.ErrorKindNone, 1, 10); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}
