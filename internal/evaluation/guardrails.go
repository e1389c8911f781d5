package evaluation

import (
	"fmt"
	"sort"
)

// GuardrailConfig sets the minimum quality an evaluation run must reach.
// Zero minimums are not checked.
type GuardrailConfig struct {
	MinAccuracy      float64
	MinRecall        float64
	MaxDegradedRatio float64
}

type Guardrails struct {
	config GuardrailConfig
}

func NewGuardrails(config GuardrailConfig) *Guardrails {
	if config.MaxDegradedRatio <= 0 {
		config.MaxDegradedRatio = 0.5
	}
	return &Guardrails{config: config}
}

// Check returns one message per violated guardrail, or nil.
func (g *Guardrails) Check(s *EvalSummary) []string {
	if s == nil || s.TotalClaims == 0 {
		return []string{"no claims were evaluated"}
	}

	var violations []string
	if g.config.MinAccuracy > 0 && s.Accuracy < g.config.MinAccuracy {
		violations = append(violations, fmt.Sprintf("accuracy %.3f is below %.3f", s.Accuracy, g.config.MinAccuracy))
	}

	if g.config.MinRecall > 0 {
		kinds := make([]string, 0, len(s.ByKind))
		for kind, ks := range s.ByKind {
			if ks.Expected > 0 && ks.Recall < g.config.MinRecall {
				kinds = append(kinds, fmt.Sprintf("recall for %q is %.3f, below %.3f", kind, ks.Recall, g.config.MinRecall))
			}
		}
		sort.Strings(kinds)
		violations = append(violations, kinds...)
	}

	if ratio := float64(s.Degraded) / float64(s.TotalClaims); ratio > g.config.MaxDegradedRatio {
		violations = append(violations, fmt.Sprintf("%.0f%% of medical reviews were degraded (limit %.0f%%)", ratio*100, g.config.MaxDegradedRatio*100))
	}
	return violations
}
