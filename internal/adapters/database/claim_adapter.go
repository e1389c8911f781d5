package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/jmoiron/sqlx"
	"github.com/zatekoja/claimvalidation/internal/domain/entities"
	"github.com/zatekoja/claimvalidation/internal/domain/repositories"
	"github.com/zatekoja/claimvalidation/internal/infrastructure/clients/postgres"
	apperrors "github.com/zatekoja/claimvalidation/pkg/errors"
)

const (
	claimsTable        = "claims"
	refinedClaimsTable = "refined_claims"
)

var claimColumns = []interface{}{
	"claim_id", "tenant_id", "encounter_type", "service_date", "national_id",
	"member_id", "facility_id", "unique_id", "diagnosis_codes", "service_code",
	"paid_amount", "approval_number", "status", "error_kind", "error_explanation",
	"recommended_action", "created_at", "updated_at",
}

type claimRow struct {
	ClaimID           string          `db:"claim_id"`
	TenantID          string          `db:"tenant_id"`
	EncounterType     sql.NullString  `db:"encounter_type"`
	ServiceDate       sql.NullTime    `db:"service_date"`
	NationalID        sql.NullString  `db:"national_id"`
	MemberID          sql.NullString  `db:"member_id"`
	FacilityID        sql.NullString  `db:"facility_id"`
	UniqueID          sql.NullString  `db:"unique_id"`
	DiagnosisCodes    sql.NullString  `db:"diagnosis_codes"`
	ServiceCode       sql.NullString  `db:"service_code"`
	PaidAmount        sql.NullFloat64 `db:"paid_amount"`
	ApprovalNumber    sql.NullString  `db:"approval_number"`
	Status            string          `db:"status"`
	ErrorKind         sql.NullString  `db:"error_kind"`
	ErrorExplanation  sql.NullString  `db:"error_explanation"`
	RecommendedAction sql.NullString  `db:"recommended_action"`
	CreatedAt         time.Time       `db:"created_at"`
	UpdatedAt         time.Time       `db:"updated_at"`
}

func (r *claimRow) toEntity() *entities.Claim {
	claim := &entities.Claim{
		ClaimID:           r.ClaimID,
		TenantID:          r.TenantID,
		EncounterType:     r.EncounterType.String,
		NationalID:        r.NationalID.String,
		MemberID:          r.MemberID.String,
		FacilityID:        r.FacilityID.String,
		UniqueID:          r.UniqueID.String,
		DiagnosisCodes:    r.DiagnosisCodes.String,
		ServiceCode:       r.ServiceCode.String,
		ApprovalNumber:    r.ApprovalNumber.String,
		Status:            entities.ClaimStatus(r.Status),
		ErrorKind:         entities.ErrorKind(r.ErrorKind.String),
		ErrorExplanation:  entities.DecodeErrorExplanation(r.ErrorExplanation.String),
		RecommendedAction: r.RecommendedAction.String,
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
	}
	if r.ServiceDate.Valid {
		d := r.ServiceDate.Time
		claim.ServiceDate = &d
	}
	if r.PaidAmount.Valid {
		paid := r.PaidAmount.Float64
		claim.PaidAmount = &paid
	}
	return claim
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullDate(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

// ClaimAdapter implements the ClaimRepository interface
type ClaimAdapter struct {
	client *postgres.Client
	now    func() time.Time
}

// NewClaimAdapter creates a new claim adapter
func NewClaimAdapter(client *postgres.Client) repositories.ClaimRepository {
	return &ClaimAdapter{client: client, now: time.Now}
}

// FindByIDs returns the known claims in the order of ids
func (a *ClaimAdapter) FindByIDs(ctx context.Context, ids []string) ([]*entities.Claim, error) {
	if len(ids) == 0 {
		return []*entities.Claim{}, nil
	}

	query, _, err := dialect.From(claimsTable).
		Select(claimColumns...).
		Where(goqu.Ex{"claim_id": ids}).
		ToSQL()
	if err != nil {
		return nil, apperrors.NewInternalError("failed to build claims query", err)
	}

	var rows []claimRow
	if err := sqlx.SelectContext(ctx, executor(ctx, a.client.DB()), &rows, query); err != nil {
		return nil, apperrors.NewInternalError("failed to load claims", err)
	}

	byID := make(map[string]*entities.Claim, len(rows))
	for i := range rows {
		byID[rows[i].ClaimID] = rows[i].toEntity()
	}

	claims := make([]*entities.Claim, 0, len(rows))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if claim, ok := byID[id]; ok && !seen[id] {
			claims = append(claims, claim)
			seen[id] = true
		}
	}
	return claims, nil
}

// Save writes the validation outcome fields of a claim
func (a *ClaimAdapter) Save(ctx context.Context, claim *entities.Claim) error {
	claim.UpdatedAt = a.now().UTC()

	query, _, err := dialect.Update(claimsTable).
		Set(goqu.Record{
			"status":             string(claim.Status),
			"error_kind":         string(claim.ErrorKind),
			"error_explanation":  entities.EncodeErrorExplanation(claim.ErrorExplanation),
			"recommended_action": claim.RecommendedAction,
			"updated_at":         claim.UpdatedAt,
		}).
		Where(goqu.Ex{"claim_id": claim.ClaimID}).
		ToSQL()
	if err != nil {
		return apperrors.NewInternalError("failed to build claim update query", err)
	}

	result, err := executor(ctx, a.client.DB()).ExecContext(ctx, query)
	if err != nil {
		return apperrors.NewInternalError("failed to save claim", err)
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return apperrors.NewNotFoundError(fmt.Sprintf("claim with id %s not found", claim.ClaimID))
	}
	return nil
}

// UpsertRefined mirrors a validated claim into refined_claims
func (a *ClaimAdapter) UpsertRefined(ctx context.Context, claim *entities.Claim) error {
	record := goqu.Record{
		"claim_id":           claim.ClaimID,
		"tenant_id":          claim.TenantID,
		"encounter_type":     nullString(claim.EncounterType),
		"service_date":       nullDate(claim.ServiceDate),
		"national_id":        nullString(claim.NationalID),
		"member_id":          nullString(claim.MemberID),
		"facility_id":        nullString(claim.FacilityID),
		"unique_id":          nullString(claim.UniqueID),
		"diagnosis_codes":    nullString(claim.DiagnosisCodes),
		"service_code":       nullString(claim.ServiceCode),
		"paid_amount":        nullFloat(claim.PaidAmount),
		"approval_number":    nullString(claim.ApprovalNumber),
		"status":             string(claim.Status),
		"error_kind":         string(claim.ErrorKind),
		"error_explanation":  entities.EncodeErrorExplanation(claim.ErrorExplanation),
		"recommended_action": claim.RecommendedAction,
		"created_at":         a.now().UTC(),
		"updated_at":         a.now().UTC(),
	}

	update := goqu.Record{}
	for col := range record {
		if col == "claim_id" || col == "created_at" {
			continue
		}
		update[col] = goqu.L("EXCLUDED." + col)
	}

	query, _, err := dialect.Insert(refinedClaimsTable).
		Rows(record).
		OnConflict(goqu.DoUpdate("claim_id", update)).
		ToSQL()
	if err != nil {
		return apperrors.NewInternalError("failed to build refined claim upsert", err)
	}

	if _, err := executor(ctx, a.client.DB()).ExecContext(ctx, query); err != nil {
		return apperrors.NewInternalError("failed to upsert refined claim", err)
	}
	return nil
}

// ListIDsByStatus returns claim ids in ingestion order
func (a *ClaimAdapter) ListIDsByStatus(ctx context.Context, tenantID string, status entities.ClaimStatus, limit int) ([]string, error) {
	query, _, err := dialect.From(claimsTable).
		Select("claim_id").
		Where(goqu.Ex{"tenant_id": tenantID, "status": string(status)}).
		Order(goqu.I("created_at").Asc(), goqu.I("claim_id").Asc()).
		Limit(uint(limit)).
		ToSQL()
	if err != nil {
		return nil, apperrors.NewInternalError("failed to build claim id query", err)
	}

	var ids []string
	if err := sqlx.SelectContext(ctx, executor(ctx, a.client.DB()), &ids, query); err != nil {
		return nil, apperrors.NewInternalError("failed to list claim ids", err)
	}
	return ids, nil
}

// ListRefined pages through validated claims, newest first
func (a *ClaimAdapter) ListRefined(ctx context.Context, filter repositories.ClaimFilter) ([]*entities.Claim, int, error) {
	where := []goqu.Expression{goqu.C("tenant_id").Eq(filter.TenantID)}
	if filter.ErrorKind != "" {
		where = append(where, goqu.C("error_kind").Eq(string(filter.ErrorKind)))
	}
	if filter.Search != "" {
		pattern := "%" + filter.Search + "%"
		where = append(where, goqu.Or(
			goqu.C("claim_id").ILike(pattern),
			goqu.C("error_explanation").ILike(pattern),
			goqu.C("recommended_action").ILike(pattern),
		))
	}

	base := dialect.From(refinedClaimsTable).Where(where...)

	countQuery, _, err := base.Select(goqu.COUNT("*")).ToSQL()
	if err != nil {
		return nil, 0, apperrors.NewInternalError("failed to build count query", err)
	}
	var total int
	if err := sqlx.GetContext(ctx, executor(ctx, a.client.DB()), &total, countQuery); err != nil {
		return nil, 0, apperrors.NewInternalError("failed to count validated claims", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}
	query, _, err := base.Select(claimColumns...).
		Order(goqu.I("updated_at").Desc(), goqu.I("claim_id").Asc()).
		Limit(uint(limit)).
		Offset(uint(max(filter.Offset, 0))).
		ToSQL()
	if err != nil {
		return nil, 0, apperrors.NewInternalError("failed to build validated claims query", err)
	}

	var rows []claimRow
	if err := sqlx.SelectContext(ctx, executor(ctx, a.client.DB()), &rows, query); err != nil {
		return nil, 0, apperrors.NewInternalError("failed to list validated claims", err)
	}

	claims := make([]*entities.Claim, 0, len(rows))
	for i := range rows {
		claims = append(claims, rows[i].toEntity())
	}
	return claims, total, nil
}

// ImportClaims inserts claims as "Not validated". Claims whose id already
// exists are left untouched. It returns the number of rows inserted.
func ImportClaims(ctx context.Context, client *postgres.Client, claims []*entities.Claim) (int64, error) {
	if len(claims) == 0 {
		return 0, nil
	}

	now := time.Now().UTC()
	rows := make([]any, 0, len(claims))
	for _, c := range claims {
		if c.ClaimID == "" || c.TenantID == "" {
			return 0, apperrors.NewValidationError("claim id and tenant are required")
		}
		rows = append(rows, goqu.Record{
			"claim_id":        c.ClaimID,
			"tenant_id":       c.TenantID,
			"encounter_type":  nullString(c.EncounterType),
			"service_date":    nullDate(c.ServiceDate),
			"national_id":     nullString(c.NationalID),
			"member_id":       nullString(c.MemberID),
			"facility_id":     nullString(c.FacilityID),
			"unique_id":       nullString(c.UniqueID),
			"diagnosis_codes": nullString(c.DiagnosisCodes),
			"service_code":    nullString(c.ServiceCode),
			"paid_amount":     nullFloat(c.PaidAmount),
			"approval_number": nullString(c.ApprovalNumber),
			"status":          string(entities.ClaimStatusNotValidated),
			"created_at":      now,
			"updated_at":      now,
		})
	}

	query, _, err := dialect.Insert(claimsTable).
		Rows(rows...).
		OnConflict(goqu.DoNothing()).
		ToSQL()
	if err != nil {
		return 0, apperrors.NewInternalError("failed to build claim import", err)
	}

	result, err := executor(ctx, client.DB()).ExecContext(ctx, query)
	if err != nil {
		return 0, apperrors.NewInternalError("failed to import claims", err)
	}
	inserted, err := result.RowsAffected()
	if err != nil {
		return 0, apperrors.NewInternalError("failed to read imported claim count", err)
	}
	return inserted, nil
}
