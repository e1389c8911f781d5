package evaluation

import (
	"context"
	"time"

	"github.com/montanaflynn/stats"
	"github.com/zatekoja/claimvalidation/internal/application/services"
	"github.com/zatekoja/claimvalidation/internal/domain/entities"
)

// ClaimJudge classifies claims against a tenant's rules
type ClaimJudge interface {
	Snapshot(ctx context.Context, tenantID string) (*services.RuleSnapshot, error)
	Judge(ctx context.Context, snapshot *services.RuleSnapshot, claim *entities.Claim) (*services.ClaimVerdict, error)
}

// Runner runs the validation pipeline over a labelled claim set without
// touching the database.
type Runner struct {
	judge    ClaimJudge
	tenantID string
}

func NewRunner(judge ClaimJudge, tenantID string) *Runner {
	return &Runner{judge: judge, tenantID: tenantID}
}

// Run evaluates every golden claim against one rule snapshot. A claim that
// cannot be evaluated counts as a miss.
func (r *Runner) Run(ctx context.Context, golden []GoldenClaim) (*EvalSummary, error) {
	snapshot, err := r.judge.Snapshot(ctx, r.tenantID)
	if err != nil {
		return nil, err
	}

	results := make([]EvalResult, 0, len(golden))
	for _, gc := range golden {
		claim := gc.Claim
		if claim.ClaimID == "" {
			claim.ClaimID = gc.ID
		}
		claim.TenantID = r.tenantID

		start := time.Now()
		verdict, err := r.judge.Judge(ctx, snapshot, &claim)
		res := EvalResult{ID: gc.ID, Expected: gc.ExpectedKind, Latency: time.Since(start)}
		if err != nil {
			res.Failed = err.Error()
		} else {
			res.Actual = verdict.ErrorKind
			res.Errors = verdict.Errors
			res.Confidence = verdict.Confidence
			res.Degraded = verdict.Degraded
		}
		results = append(results, res)
	}

	return Summarize(results), nil
}

// Summarize aggregates per-claim results.
func Summarize(results []EvalResult) *EvalSummary {
	s := &EvalSummary{
		TotalClaims: len(results),
		ByKind:      make(map[entities.ErrorKind]*KindSummary),
	}
	for _, kind := range Kinds() {
		s.ByKind[kind] = &KindSummary{}
	}

	confidences := make([]float64, 0, len(results))
	latencies := make([]float64, 0, len(results))
	for _, res := range results {
		latencies = append(latencies, float64(res.Latency))
		s.ByKind[res.Expected].Expected++

		if res.Failed != "" {
			s.Failed++
			s.Mismatches = append(s.Mismatches, res)
			continue
		}
		confidences = append(confidences, res.Confidence)
		if res.Degraded {
			s.Degraded++
		}
		if ks, ok := s.ByKind[res.Actual]; ok {
			ks.Predicted++
		}
		if res.Correct() {
			s.Correct++
			s.ByKind[res.Actual].TruePositives++
		} else {
			s.Mismatches = append(s.Mismatches, res)
		}
	}

	if s.TotalClaims > 0 {
		s.Accuracy = float64(s.Correct) / float64(s.TotalClaims)
	}
	if mean, err := stats.Mean(confidences); err == nil {
		s.AvgConfidence = mean
	}
	if mean, err := stats.Mean(latencies); err == nil {
		s.AvgLatency = time.Duration(mean)
	}
	if p95, err := stats.Percentile(latencies, 95); err == nil {
		s.P95Latency = time.Duration(p95)
	}

	for _, ks := range s.ByKind {
		ks.Precision = Precision(ks.TruePositives, ks.Predicted)
		ks.Recall = Recall(ks.TruePositives, ks.Expected)
		ks.F1 = F1(ks.Precision, ks.Recall)
	}
	return s
}
