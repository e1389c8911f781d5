package services

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/zatekoja/claimvalidation/internal/domain/entities"
	"github.com/zatekoja/claimvalidation/internal/infrastructure/observability"
)

// MedicalReviewer judges a claim against medical guideline bullets
type MedicalReviewer interface {
	EvaluateClaim(ctx context.Context, claim *entities.Claim, bullets []string) *entities.EvaluationOutcome
}

// RuleSnapshot holds a tenant's rule sets as read at one point in time so a
// batch evaluates every claim against the same rules.
type RuleSnapshot struct {
	TenantID  string
	Technical *entities.RuleSet
	Medical   *entities.RuleSet
	checks    []compiledCheck
}

// MedicalRulesLoaded reports whether medical review will call the reviewer
func (s *RuleSnapshot) MedicalRulesLoaded() bool {
	return s != nil && s.Medical != nil && s.Medical.Medical != nil && !s.Medical.Medical.IsEmpty()
}

// RuleEvaluator applies cached rule sets to claims
type RuleEvaluator struct {
	store    *RuleStore
	reviewer MedicalReviewer
	checks   *CheckCompiler
}

// NewRuleEvaluator creates a rule evaluator
func NewRuleEvaluator(store *RuleStore, reviewer MedicalReviewer, checks *CheckCompiler) *RuleEvaluator {
	return &RuleEvaluator{store: store, reviewer: reviewer, checks: checks}
}

// Snapshot reads both rule sets of a tenant and compiles its custom checks.
// A stored rule set whose checks no longer compile is treated as absent.
func (e *RuleEvaluator) Snapshot(ctx context.Context, tenantID string) (*RuleSnapshot, error) {
	technical, err := e.store.Get(ctx, tenantID, entities.RuleKindTechnical)
	if err != nil {
		return nil, err
	}
	medical, err := e.store.Get(ctx, tenantID, entities.RuleKindMedical)
	if err != nil {
		return nil, err
	}

	snapshot := &RuleSnapshot{TenantID: tenantID, Technical: technical, Medical: medical}
	if technical != nil && e.checks != nil {
		checks, err := e.checks.ForRuleSet(technical)
		if err != nil {
			observability.LoggerFromContext(observability.WithLogField(ctx, observability.FieldTenantID, tenantID)).Warn().
				Err(err).
				Str("version", technical.Version).
				Msg("ignoring technical rule set with invalid custom checks")
			snapshot.Technical = nil
		} else {
			snapshot.checks = checks
		}
	}
	return snapshot, nil
}

// EvaluateTechnical applies the tenant's cached technical rules to claim
func (e *RuleEvaluator) EvaluateTechnical(ctx context.Context, claim *entities.Claim) (*entities.EvaluationOutcome, error) {
	snapshot, err := e.Snapshot(ctx, claim.TenantID)
	if err != nil {
		return nil, err
	}
	return snapshot.EvaluateTechnical(claim)
}

// EvaluateMedical reviews claim against the tenant's cached medical rules
func (e *RuleEvaluator) EvaluateMedical(ctx context.Context, claim *entities.Claim) (*entities.EvaluationOutcome, error) {
	snapshot, err := e.Snapshot(ctx, claim.TenantID)
	if err != nil {
		return nil, err
	}
	return e.EvaluateMedicalWith(ctx, snapshot, claim), nil
}

// EvaluateMedicalWith reviews claim against the snapshot's medical rules.
// Without medical rules the claim is vacuously valid.
func (e *RuleEvaluator) EvaluateMedicalWith(ctx context.Context, snapshot *RuleSnapshot, claim *entities.Claim) *entities.EvaluationOutcome {
	if !snapshot.MedicalRulesLoaded() || e.reviewer == nil {
		return &entities.EvaluationOutcome{Valid: true, Errors: []string{}, ErrorKind: entities.ErrorKindNone, Confidence: 1}
	}

	outcome := e.reviewer.EvaluateClaim(ctx, claim, snapshot.Medical.Medical.Bullets())
	if outcome.Errors == nil {
		outcome.Errors = []string{}
	}
	return outcome
}

// ClaimVerdict combines the technical and medical stages for one claim
type ClaimVerdict struct {
	ErrorKind  entities.ErrorKind
	Errors     []string
	Confidence float64
	Degraded   bool
	MedicalRan bool
}

// Judge runs both stages against snapshot. Without technical rules it returns
// ErrNoTechnicalRules and the medical review is not requested.
func (e *RuleEvaluator) Judge(ctx context.Context, snapshot *RuleSnapshot, claim *entities.Claim) (*ClaimVerdict, error) {
	technical, err := snapshot.EvaluateTechnical(claim)
	if err != nil {
		return nil, err
	}
	if technical.ErrorKind == entities.ErrorKindNoRulesLoaded {
		return nil, ErrNoTechnicalRules
	}

	medical := e.EvaluateMedicalWith(ctx, snapshot, claim)
	verdict := &ClaimVerdict{
		MedicalRan: snapshot.MedicalRulesLoaded(),
		Confidence: medical.Confidence,
		Degraded:   medical.Degraded,
	}

	verdict.ErrorKind, err = entities.CombineErrorKinds(technical.ErrorKind, medical.ErrorKind)
	if err != nil {
		return nil, err
	}

	verdict.Errors = make([]string, 0, len(technical.Errors)+len(medical.Errors))
	verdict.Errors = append(verdict.Errors, technical.Errors...)
	verdict.Errors = append(verdict.Errors, medical.Errors...)
	return verdict, nil
}

// EvaluateTechnical is deterministic: the same claim and snapshot always
// give the same outcome. Without technical rules the result is valid with
// kind "No rules loaded".
func (s *RuleSnapshot) EvaluateTechnical(claim *entities.Claim) (*entities.EvaluationOutcome, error) {
	if s == nil || s.Technical == nil || s.Technical.Technical == nil {
		return &entities.EvaluationOutcome{Valid: true, Errors: []string{}, ErrorKind: entities.ErrorKindNoRulesLoaded, Confidence: 1}, nil
	}
	rules := s.Technical.Technical
	errs := []string{}

	for _, field := range rules.RequiredFields {
		value, known := claim.FieldValue(field)
		if !known || strings.TrimSpace(value) == "" {
			errs = append(errs, fmt.Sprintf("Required field '%s' is missing or empty", field))
		}
	}

	if len(rules.ValidEncounterTypes) > 0 && claim.EncounterType != "" && !containsFold(rules.ValidEncounterTypes, claim.EncounterType) {
		errs = append(errs, fmt.Sprintf("Encounter type '%s' is not one of: %s", claim.EncounterType, strings.Join(rules.ValidEncounterTypes, ", ")))
	}

	if claim.PaidAmount != nil && rules.PaidAmountThreshold > 0 && *claim.PaidAmount > rules.PaidAmountThreshold {
		errs = append(errs, fmt.Sprintf("Paid amount %s exceeds threshold %s", formatAmount(*claim.PaidAmount), formatAmount(rules.PaidAmountThreshold)))
	}

	approval := strings.TrimSpace(claim.ApprovalNumber)
	if approval == "" {
		if trigger, ok := rules.ApprovalTrigger(claim.ServiceCode, claim.Diagnoses()); ok {
			errs = append(errs, fmt.Sprintf("Approval number missing: %s requires prior approval", trigger))
		}
	} else if rules.ApprovalNumberMinLength > 0 && utf8.RuneCountInString(approval) < rules.ApprovalNumberMinLength {
		errs = append(errs, fmt.Sprintf("Approval number %s is too short (min length %d)", approval, rules.ApprovalNumberMinLength))
	}

	for _, check := range s.checks {
		flagged, err := check.matches(claim)
		if err != nil {
			return nil, err
		}
		if flagged {
			errs = append(errs, check.message)
		}
	}

	outcome := &entities.EvaluationOutcome{Valid: len(errs) == 0, Errors: errs, ErrorKind: entities.ErrorKindNone, Confidence: 1}
	if len(errs) > 0 {
		outcome.ErrorKind = entities.ErrorKindTechnical
	}
	return outcome, nil
}

func formatAmount(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func containsFold(values []string, v string) bool {
	v = strings.TrimSpace(v)
	for _, candidate := range values {
		if strings.EqualFold(strings.TrimSpace(candidate), v) {
			return true
		}
	}
	return false
}
