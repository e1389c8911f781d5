package evaluation

import (
	"time"

	"github.com/zatekoja/claimvalidation/internal/domain/entities"
)

// Kinds lists the combined error kinds a labelled claim may expect.
func Kinds() []entities.ErrorKind {
	return []entities.ErrorKind{
		entities.ErrorKindNone,
		entities.ErrorKindTechnical,
		entities.ErrorKindMedical,
		entities.ErrorKindBoth,
	}
}

func isKind(k entities.ErrorKind) bool {
	for _, kind := range Kinds() {
		if k == kind {
			return true
		}
	}
	return false
}

// GoldenClaim is a claim labelled with the error kind a reviewer assigned it.
type GoldenClaim struct {
	ID           string             `json:"id"`
	Claim        entities.Claim     `json:"claim"`
	ExpectedKind entities.ErrorKind `json:"expected_error_kind"`
	Difficulty   string             `json:"difficulty"` // easy, medium, hard
	Notes        string             `json:"notes,omitempty"`
}

// EvalResult holds the outcome for a single labelled claim.
type EvalResult struct {
	ID         string             `json:"id"`
	Expected   entities.ErrorKind `json:"expected"`
	Actual     entities.ErrorKind `json:"actual"`
	Errors     []string           `json:"errors,omitempty"`
	Confidence float64            `json:"confidence"`
	Degraded   bool               `json:"degraded,omitempty"`
	Failed     string             `json:"failed,omitempty"`
	Latency    time.Duration      `json:"latency"`
}

// Correct reports whether the pipeline agreed with the label.
func (r EvalResult) Correct() bool {
	return r.Failed == "" && r.Actual == r.Expected
}

// EvalSummary holds aggregate metrics across all labelled claims.
type EvalSummary struct {
	TotalClaims   int                                 `json:"total_claims"`
	Correct       int                                 `json:"correct"`
	Accuracy      float64                             `json:"accuracy"`
	Failed        int                                 `json:"failed"`
	Degraded      int                                 `json:"degraded"`
	AvgConfidence float64                             `json:"avg_confidence"`
	AvgLatency    time.Duration                       `json:"avg_latency"`
	P95Latency    time.Duration                       `json:"p95_latency"`
	ByKind        map[entities.ErrorKind]*KindSummary `json:"by_kind"`
	Mismatches    []EvalResult                        `json:"mismatches,omitempty"`
}

// KindSummary holds one-vs-rest metrics for a single error kind.
type KindSummary struct {
	Expected      int     `json:"expected"`
	Predicted     int     `json:"predicted"`
	TruePositives int     `json:"true_positives"`
	Precision     float64 `json:"precision"`
	Recall        float64 `json:"recall"`
	F1            float64 `json:"f1"`
}
