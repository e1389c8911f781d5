package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// PipelineMetrics instruments the claim validation pipeline.
// A nil *PipelineMetrics is valid and records nothing.
type PipelineMetrics struct {
	claimsValidated metric.Int64Counter
	claimsFailed    metric.Int64Counter
	batchDuration   metric.Float64Histogram
	llmFallbacks    metric.Int64Counter
	rulesCacheMiss  metric.Int64Counter
}

// NewPipelineMetrics registers the pipeline instruments on the global meter provider
func NewPipelineMetrics() (*PipelineMetrics, error) {
	meter := otel.Meter(instrumentationName + "/pipeline")

	claimsValidated, err := meter.Int64Counter(
		"claims.validated",
		metric.WithDescription("Number of claims validated"),
	)
	if err != nil {
		return nil, err
	}
	claimsFailed, err := meter.Int64Counter(
		"claims.failed",
		metric.WithDescription("Number of claims skipped after a processing error"),
	)
	if err != nil {
		return nil, err
	}
	batchDuration, err := meter.Float64Histogram(
		"batch.duration",
		metric.WithDescription("Batch processing duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}
	llmFallbacks, err := meter.Int64Counter(
		"llm.fallback",
		metric.WithDescription("Number of degraded LLM outcomes"),
	)
	if err != nil {
		return nil, err
	}
	rulesCacheMiss, err := meter.Int64Counter(
		"rules.cache.miss",
		metric.WithDescription("Number of rule set lookups that found nothing usable"),
	)
	if err != nil {
		return nil, err
	}

	return &PipelineMetrics{
		claimsValidated: claimsValidated,
		claimsFailed:    claimsFailed,
		batchDuration:   batchDuration,
		llmFallbacks:    llmFallbacks,
		rulesCacheMiss:  rulesCacheMiss,
	}, nil
}

// ClaimValidated counts one persisted claim outcome
func (m *PipelineMetrics) ClaimValidated(ctx context.Context, tenantID, errorKind string) {
	if m == nil {
		return
	}
	m.claimsValidated.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tenant_id", tenantID),
		attribute.String("error_kind", errorKind),
	))
}

// ClaimFailed counts one skipped claim
func (m *PipelineMetrics) ClaimFailed(ctx context.Context, tenantID string) {
	if m == nil {
		return
	}
	m.claimsFailed.Add(ctx, 1, metric.WithAttributes(attribute.String("tenant_id", tenantID)))
}

// BatchFinished records how long a batch took and whether it committed
func (m *PipelineMetrics) BatchFinished(ctx context.Context, duration time.Duration, committed bool) {
	if m == nil {
		return
	}
	m.batchDuration.Record(ctx, float64(duration.Milliseconds()), metric.WithAttributes(
		attribute.Bool("committed", committed),
	))
}

// LLMFallback counts a degraded LLM outcome by reason
func (m *PipelineMetrics) LLMFallback(ctx context.Context, operation, reason string) {
	if m == nil {
		return
	}
	m.llmFallbacks.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("reason", reason),
	))
}

// RulesCacheMiss counts an absent or unreadable rule set
func (m *PipelineMetrics) RulesCacheMiss(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.rulesCacheMiss.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}
