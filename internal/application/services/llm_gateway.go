package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"github.com/zatekoja/claimvalidation/internal/domain/entities"
	"github.com/zatekoja/claimvalidation/internal/domain/providers"
	"github.com/zatekoja/claimvalidation/internal/infrastructure/observability"
	"go.opentelemetry.io/otel/attribute"
)

const (
	rateLimitedConfidence = 0.1
	failedConfidence      = 0.0

	maxRuleDocumentChars = 60000
)

// GatewayConfig tunes the LLM gateway
type GatewayConfig struct {
	Timeout          time.Duration
	BreakerFailures  int
	BreakerOpenDelay time.Duration
}

// LLMGateway is the only path to the language model. Failures never
// escape: medical review degrades to a permissive outcome and rule
// extraction reports absence.
type LLMGateway struct {
	client  providers.LLMClient
	breaker *gobreaker.CircuitBreaker
	timeout time.Duration
	metrics *observability.PipelineMetrics
}

// NewLLMGateway wraps client with a timeout and a circuit breaker. A nil
// client is allowed and makes every call take the fallback path.
func NewLLMGateway(client providers.LLMClient, cfg GatewayConfig, metrics *observability.PipelineMetrics) *LLMGateway {
	failures := cfg.BreakerFailures
	if failures <= 0 {
		failures = 5
	}
	openDelay := cfg.BreakerOpenDelay
	if openDelay <= 0 {
		openDelay = 30 * time.Second
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "llm",
		MaxRequests: 1,
		Timeout:     openDelay,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(failures)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			observability.GetLogger().Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("llm circuit breaker state changed")
		},
	})

	return &LLMGateway{client: client, breaker: breaker, timeout: timeout, metrics: metrics}
}

// errLLMNotConfigured is returned when no client was wired
var errLLMNotConfigured = errors.New("llm client not configured")

func (g *LLMGateway) call(ctx context.Context, req providers.StructuredRequest) ([]byte, error) {
	if g.client == nil {
		return nil, errLLMNotConfigured
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	out, err := g.breaker.Execute(func() (interface{}, error) {
		return g.client.GenerateStructured(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	return out.([]byte), nil
}

// isTransient reports failures that should be retried later rather than
// reviewed by hand: rate limits and an open breaker.
func isTransient(err error) bool {
	return errors.Is(err, providers.ErrLLMRateLimited) ||
		errors.Is(err, gobreaker.ErrOpenState) ||
		errors.Is(err, gobreaker.ErrTooManyRequests)
}

// EvaluateClaim asks the reviewer whether claim is medically appropriate
// under bullets. It always returns an outcome.
func (g *LLMGateway) EvaluateClaim(ctx context.Context, claim *entities.Claim, bullets []string) *entities.EvaluationOutcome {
	ctx, span := observability.StartSpan(ctx, "llm.evaluate_claim")
	defer span.End()
	observability.SetSpanAttributes(span, attribute.String("claim_id", claim.ClaimID), attribute.Int("rule_count", len(bullets)))

	out, err := g.call(ctx, providers.StructuredRequest{
		Name:         "medical_review",
		SystemPrompt: medicalReviewSystemPrompt,
		UserPrompt:   buildMedicalReviewPrompt(claim, bullets),
		Schema:       json.RawMessage(medicalReviewSchema),
		Temperature:  0.1,
		MaxTokens:    500,
	})
	if err == nil {
		var review *entities.MedicalOutcome
		review, err = decodeMedicalReview(out)
		if err == nil {
			return review.Outcome()
		}
	}

	observability.RecordError(span, err)
	logger := observability.LoggerFromContext(ctx)

	if isTransient(err) {
		logger.Warn().Err(err).Str("claim_id", claim.ClaimID).Msg("medical review deferred by llm rate limiting")
		g.metrics.LLMFallback(ctx, "evaluate_claim", "rate_limited")
		return rateLimitedOutcome()
	}

	logger.Error().Err(err).Str("claim_id", claim.ClaimID).Msg("medical review failed, failing open")
	g.metrics.LLMFallback(ctx, "evaluate_claim", "failure")
	return failedOutcome(err)
}

func rateLimitedOutcome() *entities.EvaluationOutcome {
	return &entities.EvaluationOutcome{
		Valid:           true,
		Errors:          []string{"Analysis deferred: reviewer capacity exhausted, re-run validation later"},
		ErrorKind:       entities.ErrorKindNone,
		Confidence:      rateLimitedConfidence,
		Analysis:        "Deferred due to rate limiting",
		Recommendations: []string{"Re-run validation when reviewer capacity is available"},
		Degraded:        true,
	}
}

func failedOutcome(err error) *entities.EvaluationOutcome {
	return &entities.EvaluationOutcome{
		Valid:           true,
		Errors:          []string{fmt.Sprintf("LLM evaluation failed: %v", err)},
		ErrorKind:       entities.ErrorKindNone,
		Confidence:      failedConfidence,
		Analysis:        "Unable to perform LLM analysis",
		Recommendations: []string{"Manual review recommended"},
		Degraded:        true,
	}
}

// decodeMedicalReview rejects payloads missing any contract key or carrying
// an out of range confidence.
func decodeMedicalReview(data []byte) (*entities.MedicalOutcome, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("malformed review payload: %w", err)
	}
	for _, key := range medicalReviewRequiredKeys {
		if _, ok := fields[key]; !ok {
			return nil, fmt.Errorf("review payload missing %q", key)
		}
	}

	var review entities.MedicalOutcome
	if err := json.Unmarshal(data, &review); err != nil {
		return nil, fmt.Errorf("malformed review payload: %w", err)
	}
	if review.ConfidenceScore < 0 || review.ConfidenceScore > 1 {
		return nil, fmt.Errorf("confidence_score %v out of range", review.ConfidenceScore)
	}
	return &review, nil
}

// ExtractRules asks the model for a structured rule object of kind. It
// returns nil on any failure so the caller can fall back.
func (g *LLMGateway) ExtractRules(ctx context.Context, documentText string, kind entities.RuleKind) json.RawMessage {
	ctx, span := observability.StartSpan(ctx, "llm.extract_rules")
	defer span.End()
	observability.SetSpanAttributes(span, attribute.String("kind", string(kind)))

	if len(documentText) > maxRuleDocumentChars {
		documentText = strings.ToValidUTF8(documentText[:maxRuleDocumentChars], "")
	}

	out, err := g.call(ctx, providers.StructuredRequest{
		Name:         string(kind) + "_rules",
		SystemPrompt: ruleExtractionSystemPrompt,
		UserPrompt:   buildRuleExtractionPrompt(documentText, kind),
		Schema:       ruleSchema(kind),
		Temperature:  0,
		MaxTokens:    2000,
	})
	if err == nil && !json.Valid(out) {
		err = errors.New("rule extraction returned invalid json")
	}
	if err != nil {
		observability.RecordError(span, err)
		reason := "failure"
		if isTransient(err) {
			reason = "rate_limited"
		}
		observability.LoggerFromContext(ctx).Warn().Err(err).Str("kind", string(kind)).Msg("llm rule extraction unavailable")
		g.metrics.LLMFallback(ctx, "extract_rules", reason)
		return nil
	}
	return out
}
