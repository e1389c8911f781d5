package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/montanaflynn/stats"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/zatekoja/claimvalidation/internal/domain/entities"
	"github.com/zatekoja/claimvalidation/internal/domain/repositories"
	"github.com/zatekoja/claimvalidation/internal/infrastructure/observability"
	apperrors "github.com/zatekoja/claimvalidation/pkg/errors"
)

// ProgressFunc receives the number of claims evaluated so far
type ProgressFunc func(done, total int)

// ConfidenceSummary describes the medical review confidence across a batch.
// Only claims that reached the reviewer are counted.
type ConfidenceSummary struct {
	Count  int     `json:"count"`
	Mean   float64 `json:"mean"`
	Median float64 `json:"median"`
	P10    float64 `json:"p10"`
	Min    float64 `json:"min"`
}

// BatchResult is the outcome of one processBatch run
type BatchResult struct {
	ProcessedCount       int                            `json:"processed_count"`
	FailedCount          int                            `json:"failed_count"`
	FailedClaimIDs       []string                       `json:"failed_claim_ids,omitempty"`
	MissingIDs           []string                       `json:"missing_claim_ids,omitempty"`
	UnvalidatedClaimIDs  []string                       `json:"unvalidated_claim_ids,omitempty"`
	ErrorCounts          map[entities.ErrorKind]int64   `json:"error_counts"`
	TotalPaidByErrorKind map[entities.ErrorKind]float64 `json:"total_paid_by_error"`
	TechnicalRulesLoaded bool                           `json:"technical_rules_loaded"`
	LowConfidenceClaims  []string                       `json:"low_confidence_claims,omitempty"`
	Confidence           *ConfidenceSummary             `json:"confidence,omitempty"`
}

// OrchestratorConfig tunes BatchOrchestrator
type OrchestratorConfig struct {
	DefaultTenantID        string
	Workers                int
	LowConfidenceThreshold float64
}

// BatchOrchestrator evaluates claims and persists the outcomes
type BatchOrchestrator struct {
	claims    repositories.ClaimRepository
	metrics   repositories.MetricsRepository
	tx        repositories.TxManager
	evaluator *RuleEvaluator
	pipeline  *observability.PipelineMetrics
	cfg       OrchestratorConfig

	// aggMu serializes the persistence step of batches in this process.
	aggMu sync.Mutex
}

// NewBatchOrchestrator creates a batch orchestrator
func NewBatchOrchestrator(
	claims repositories.ClaimRepository,
	metrics repositories.MetricsRepository,
	tx repositories.TxManager,
	evaluator *RuleEvaluator,
	pipeline *observability.PipelineMetrics,
	cfg OrchestratorConfig,
) *BatchOrchestrator {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	return &BatchOrchestrator{
		claims:    claims,
		metrics:   metrics,
		tx:        tx,
		evaluator: evaluator,
		pipeline:  pipeline,
		cfg:       cfg,
	}
}

type claimResult struct {
	claim         *entities.Claim
	err           error
	medicalRan    bool
	confidence    float64
	lowConfidence bool
}

// ProcessBatch validates claimIDs. A failure on one claim skips that claim;
// a failure while persisting rolls back every write of the batch and is
// returned as a PERSISTENCE error.
func (o *BatchOrchestrator) ProcessBatch(ctx context.Context, claimIDs []string, progress ProgressFunc) (result *BatchResult, err error) {
	ctx, span := observability.StartSpan(ctx, "pipeline.process_batch")
	defer span.End()
	start := time.Now()
	defer func() {
		observability.RecordError(span, err)
		o.pipeline.BatchFinished(ctx, time.Since(start), err == nil)
	}()

	logger := observability.LoggerFromContext(ctx)
	ids := dedupe(claimIDs)
	observability.SetSpanAttributes(span, attribute.Int("claim_count", len(ids)))

	claims, err := o.claims.FindByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}

	result = &BatchResult{
		ErrorCounts:          map[entities.ErrorKind]int64{},
		TotalPaidByErrorKind: map[entities.ErrorKind]float64{},
		TechnicalRulesLoaded: true,
		MissingIDs:           missingIDs(ids, claims),
	}
	for _, id := range result.MissingIDs {
		logger.Warn().Str("claim_id", id).Msg("claim not found, skipping")
	}

	snapshots, err := o.snapshots(ctx, claims)
	if err != nil {
		return nil, err
	}

	results := o.evaluateAll(ctx, claims, snapshots, progress)

	var evaluated []*entities.Claim
	var confidences stats.Float64Data
	for _, r := range results {
		if errors.Is(r.err, ErrNoTechnicalRules) {
			result.TechnicalRulesLoaded = false
			result.UnvalidatedClaimIDs = append(result.UnvalidatedClaimIDs, r.claim.ClaimID)
			continue
		}
		if r.err != nil {
			logger.Error().Err(r.err).Str("claim_id", r.claim.ClaimID).Msg("error processing claim, skipping")
			o.pipeline.ClaimFailed(ctx, r.claim.TenantID)
			result.FailedCount++
			result.FailedClaimIDs = append(result.FailedClaimIDs, r.claim.ClaimID)
			continue
		}
		if r.medicalRan {
			confidences = append(confidences, r.confidence)
			if r.lowConfidence {
				result.LowConfidenceClaims = append(result.LowConfidenceClaims, r.claim.ClaimID)
			}
		}
		evaluated = append(evaluated, r.claim)
	}

	if n := len(result.UnvalidatedClaimIDs); n > 0 {
		logger.Warn().Int("claim_count", n).Msg("no technical rules loaded, claims left unvalidated")
	}

	if err := o.persist(ctx, evaluated, result); err != nil {
		logger.Error().Err(err).Int("claim_count", len(evaluated)).Msg("batch persistence failed, rolled back")
		return nil, err
	}

	for _, claim := range evaluated {
		o.pipeline.ClaimValidated(ctx, claim.TenantID, string(claim.ErrorKind))
	}
	result.Confidence = summarizeConfidence(confidences)

	logger.Info().
		Int("processed", result.ProcessedCount).
		Int("failed", result.FailedCount).
		Int("missing", len(result.MissingIDs)).
		Int("unvalidated", len(result.UnvalidatedClaimIDs)).
		Dur("duration", time.Since(start)).
		Msg("batch processed")
	return result, nil
}

func (o *BatchOrchestrator) tenantOf(claim *entities.Claim) string {
	if claim.TenantID == "" {
		return o.cfg.DefaultTenantID
	}
	return claim.TenantID
}

// snapshots reads each tenant's rules once so every claim of the batch is
// judged against the same rule versions.
func (o *BatchOrchestrator) snapshots(ctx context.Context, claims []*entities.Claim) (map[string]*RuleSnapshot, error) {
	out := make(map[string]*RuleSnapshot)
	for _, claim := range claims {
		tenant := o.tenantOf(claim)
		if _, ok := out[tenant]; ok {
			continue
		}
		snapshot, err := o.evaluator.Snapshot(ctx, tenant)
		if err != nil {
			return nil, err
		}
		out[tenant] = snapshot
	}
	return out, nil
}

func (o *BatchOrchestrator) evaluateAll(ctx context.Context, claims []*entities.Claim, snapshots map[string]*RuleSnapshot, progress ProgressFunc) []claimResult {
	results := make([]claimResult, len(claims))

	var (
		progressMu sync.Mutex
		done       int
	)
	report := func() {
		if progress == nil {
			return
		}
		progressMu.Lock()
		defer progressMu.Unlock()
		done++
		progress(done, len(claims))
	}

	var g errgroup.Group
	g.SetLimit(o.cfg.Workers)
	for i, claim := range claims {
		g.Go(func() error {
			defer report()
			results[i] = o.evaluateClaim(ctx, claim, snapshots[o.tenantOf(claim)])
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// evaluateClaim never returns a partially updated claim: on failure the
// result carries the original record and the error.
func (o *BatchOrchestrator) evaluateClaim(ctx context.Context, claim *entities.Claim, snapshot *RuleSnapshot) (res claimResult) {
	res.claim = claim
	defer func() {
		if p := recover(); p != nil {
			res = claimResult{claim: claim, err: &ClaimProcessingError{ClaimID: claim.ClaimID, Err: fmt.Errorf("panic: %v", p)}}
		}
	}()

	verdict, err := o.evaluator.Judge(ctx, snapshot, claim)
	if err != nil {
		return claimResult{claim: claim, err: &ClaimProcessingError{ClaimID: claim.ClaimID, Err: err}}
	}
	res.medicalRan = verdict.MedicalRan
	res.confidence = verdict.Confidence
	res.lowConfidence = verdict.MedicalRan && verdict.Confidence < o.cfg.LowConfidenceThreshold

	updated := *claim
	updated.TenantID = o.tenantOf(claim)
	updated.Status = entities.ClaimStatusValidated
	updated.ErrorKind = verdict.ErrorKind
	updated.ErrorExplanation = verdict.Errors
	updated.RecommendedAction = RecommendAction(verdict.Errors)
	res.claim = &updated
	return res
}

// persist writes every evaluated claim, its refined mirror and the metric
// increments in one transaction. Claims deleted since they were loaded are
// skipped like any other per-claim failure.
func (o *BatchOrchestrator) persist(ctx context.Context, claims []*entities.Claim, result *BatchResult) error {
	o.aggMu.Lock()
	defer o.aggMu.Unlock()

	counts := map[string]map[entities.ErrorKind]int64{}
	paid := map[string]map[entities.ErrorKind]float64{}
	var saved, skipped []string

	err := o.tx.WithinTx(ctx, func(ctx context.Context) error {
		for _, claim := range claims {
			if err := o.claims.Save(ctx, claim); err != nil {
				if apperrors.IsType(err, apperrors.ErrorTypeNotFound) {
					observability.LoggerFromContext(ctx).Warn().Str("claim_id", claim.ClaimID).Msg("claim disappeared before save, skipping")
					skipped = append(skipped, claim.ClaimID)
					continue
				}
				return err
			}
			if err := o.claims.UpsertRefined(ctx, claim); err != nil {
				return err
			}

			if counts[claim.TenantID] == nil {
				counts[claim.TenantID] = map[entities.ErrorKind]int64{}
				paid[claim.TenantID] = map[entities.ErrorKind]float64{}
			}
			counts[claim.TenantID][claim.ErrorKind]++
			if claim.PaidAmount != nil {
				paid[claim.TenantID][claim.ErrorKind] += *claim.PaidAmount
			}
			saved = append(saved, claim.ClaimID)
		}

		for _, tenant := range sortedKeysOf(counts) {
			for _, kind := range sortedKindsOf(counts[tenant]) {
				if err := o.metrics.UpsertAggregate(ctx, tenant, kind, counts[tenant][kind], paid[tenant][kind]); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		var appErr *apperrors.AppError
		if errors.As(err, &appErr) && appErr.Type == apperrors.ErrorTypePersistence {
			return err
		}
		return apperrors.NewPersistenceError("batch persistence failed", err)
	}

	result.ProcessedCount = len(saved)
	result.FailedCount += len(skipped)
	result.FailedClaimIDs = append(result.FailedClaimIDs, skipped...)
	for _, byKind := range counts {
		for kind, n := range byKind {
			result.ErrorCounts[kind] += n
		}
	}
	for _, byKind := range paid {
		for kind, amount := range byKind {
			result.TotalPaidByErrorKind[kind] += amount
		}
	}
	return nil
}

var recommendationKeywords = []struct {
	keyword string
	advice  string
}{
	{"threshold", "Review payment amount against policy limits"},
	{"required", "Complete missing required fields"},
	{"approval", "Verify approval number format and validity"},
	{"medical", "Consult medical guidelines for service necessity"},
}

const defaultRecommendation = "Manual review required"

// RecommendAction maps each error to advice by keyword, first match wins,
// and joins the distinct advice in first-seen order.
func RecommendAction(errs []string) string {
	var advice []string
	seen := make(map[string]bool)
	for _, e := range errs {
		lower := strings.ToLower(e)
		rec := defaultRecommendation
		for _, k := range recommendationKeywords {
			if strings.Contains(lower, k.keyword) {
				rec = k.advice
				break
			}
		}
		if !seen[rec] {
			seen[rec] = true
			advice = append(advice, rec)
		}
	}
	return strings.Join(advice, "; ")
}

func summarizeConfidence(data stats.Float64Data) *ConfidenceSummary {
	if len(data) == 0 {
		return nil
	}
	summary := &ConfidenceSummary{Count: len(data)}
	summary.Mean, _ = stats.Mean(data)
	summary.Median, _ = stats.Median(data)
	summary.P10, _ = stats.Percentile(data, 10)
	summary.Min, _ = stats.Min(data)
	return summary
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func missingIDs(ids []string, claims []*entities.Claim) []string {
	found := make(map[string]bool, len(claims))
	for _, c := range claims {
		found[c.ClaimID] = true
	}
	var missing []string
	for _, id := range ids {
		if !found[id] {
			missing = append(missing, id)
		}
	}
	return missing
}

func sortedKeysOf[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedKindsOf(m map[entities.ErrorKind]int64) []entities.ErrorKind {
	kinds := make([]entities.ErrorKind, 0, len(m))
	for k := range m {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}
