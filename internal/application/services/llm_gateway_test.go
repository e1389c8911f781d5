package services_test

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zatekoja/claimvalidation/internal/application/services"
	"github.com/zatekoja/claimvalidation/internal/domain/entities"
	"github.com/zatekoja/claimvalidation/internal/domain/providers"
)

var reviewClaim = &entities.Claim{
	ClaimID:        "C1",
	EncounterType:  "outpatient",
	DiagnosisCodes: "E11.9",
	ServiceCode:    "SRV2001",
	PaidAmount:     paid(320),
}

func TestLLMGateway_EvaluateClaim(t *testing.T) {
	tests := []struct {
		name           string
		llm            *stubLLM
		wantValid      bool
		wantKind       entities.ErrorKind
		wantConfidence float64
		wantDegraded   bool
		wantErrors     int
	}{
		{
			name:           "appropriate",
			llm:            fixedLLM(appropriateReview),
			wantValid:      true,
			wantKind:       entities.ErrorKindNone,
			wantConfidence: 0.92,
		},
		{
			name:           "not appropriate",
			llm:            fixedLLM(inappropriateReview),
			wantValid:      false,
			wantKind:       entities.ErrorKindMedical,
			wantConfidence: 0.85,
			wantErrors:     1,
		},
		{
			name:           "rate limited",
			llm:            failingLLM(fmt.Errorf("status 429: %w", providers.ErrLLMRateLimited)),
			wantValid:      true,
			wantKind:       entities.ErrorKindNone,
			wantConfidence: 0.1,
			wantDegraded:   true,
			wantErrors:     1,
		},
		{
			name:           "malformed payload",
			llm:            fixedLLM(`{"is_medically_appropriate": true}`),
			wantValid:      true,
			wantKind:       entities.ErrorKindNone,
			wantConfidence: 0.0,
			wantDegraded:   true,
			wantErrors:     1,
		},
		{
			name:           "confidence out of range",
			llm:            fixedLLM(strings.Replace(appropriateReview, "0.92", "1.7", 1)),
			wantValid:      true,
			wantKind:       entities.ErrorKindNone,
			wantConfidence: 0.0,
			wantDegraded:   true,
			wantErrors:     1,
		},
		{
			name:           "network failure",
			llm:            failingLLM(errBoom),
			wantValid:      true,
			wantKind:       entities.ErrorKindNone,
			wantConfidence: 0.0,
			wantDegraded:   true,
			wantErrors:     1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gateway := services.NewLLMGateway(tt.llm, services.GatewayConfig{}, nil)

			outcome := gateway.EvaluateClaim(context.Background(), reviewClaim, []string{"Diabetes care requires HbA1c monitoring"})
			require.NotNil(t, outcome)
			assert.Equal(t, tt.wantValid, outcome.Valid)
			assert.Equal(t, tt.wantKind, outcome.ErrorKind)
			assert.InDelta(t, tt.wantConfidence, outcome.Confidence, 1e-9)
			assert.Equal(t, tt.wantDegraded, outcome.Degraded)
			assert.Len(t, outcome.Errors, tt.wantErrors)
		})
	}
}

func TestLLMGateway_PromptCarriesClaimAndRules(t *testing.T) {
	llm := fixedLLM(appropriateReview)
	gateway := services.NewLLMGateway(llm, services.GatewayConfig{}, nil)

	gateway.EvaluateClaim(context.Background(), reviewClaim, []string{"Diabetes care requires HbA1c monitoring"})

	require.Equal(t, 1, llm.calls())
	req := llm.requests[0]
	assert.Equal(t, "medical_review", req.Name)
	assert.Contains(t, req.UserPrompt, "E11.9")
	assert.Contains(t, req.UserPrompt, "SRV2001")
	assert.Contains(t, req.UserPrompt, "Diabetes care requires HbA1c monitoring")
	assert.Contains(t, string(req.Schema), "confidence_score")
}

func TestLLMGateway_BreakerOpensAfterConsecutiveFailures(t *testing.T) {
	llm := failingLLM(errBoom)
	gateway := services.NewLLMGateway(llm, services.GatewayConfig{BreakerFailures: 2, BreakerOpenDelay: time.Minute}, nil)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		outcome := gateway.EvaluateClaim(ctx, reviewClaim, []string{"rule"})
		assert.Equal(t, 0.0, outcome.Confidence)
	}

	outcome := gateway.EvaluateClaim(ctx, reviewClaim, []string{"rule"})
	assert.True(t, outcome.Valid)
	assert.InDelta(t, 0.1, outcome.Confidence, 1e-9, "an open breaker is treated as a capacity problem")
	assert.Equal(t, 2, llm.calls(), "an open breaker does not reach the model")
}

func TestLLMGateway_TimeoutFailsOpen(t *testing.T) {
	llm := &stubLLM{respond: func(providers.StructuredRequest) ([]byte, error) {
		time.Sleep(200 * time.Millisecond)
		return []byte(appropriateReview), nil
	}}
	slow := &ctxAwareLLM{inner: llm}
	gateway := services.NewLLMGateway(slow, services.GatewayConfig{Timeout: 20 * time.Millisecond}, nil)

	start := time.Now()
	outcome := gateway.EvaluateClaim(context.Background(), reviewClaim, []string{"rule"})
	assert.Less(t, time.Since(start), 150*time.Millisecond)
	assert.True(t, outcome.Valid)
	assert.True(t, outcome.Degraded)
	assert.Equal(t, 0.0, outcome.Confidence)
}

// ctxAwareLLM returns as soon as ctx ends, like a real HTTP client would
type ctxAwareLLM struct{ inner providers.LLMClient }

func (c *ctxAwareLLM) GenerateStructured(ctx context.Context, req providers.StructuredRequest) ([]byte, error) {
	type reply struct {
		data []byte
		err  error
	}
	done := make(chan reply, 1)
	go func() {
		data, err := c.inner.GenerateStructured(ctx, req)
		done <- reply{data, err}
	}()
	select {
	case r := <-done:
		return r.data, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestLLMGateway_NilClientFailsOpen(t *testing.T) {
	gateway := services.NewLLMGateway(nil, services.GatewayConfig{}, nil)

	outcome := gateway.EvaluateClaim(context.Background(), reviewClaim, []string{"rule"})
	assert.True(t, outcome.Valid)
	assert.Equal(t, 0.0, outcome.Confidence)
	assert.Nil(t, gateway.ExtractRules(context.Background(), "text", entities.RuleKindMedical))
}

func TestLLMGateway_ExtractRules(t *testing.T) {
	llm := fixedLLM(`{"paid_amount_threshold": 1000}`)
	gateway := services.NewLLMGateway(llm, services.GatewayConfig{}, nil)

	raw := gateway.ExtractRules(context.Background(), strings.Repeat("é", 40000), entities.RuleKindTechnical)
	assert.JSONEq(t, `{"paid_amount_threshold": 1000}`, string(raw))

	require.Equal(t, 1, llm.calls())
	assert.Equal(t, "technical_rules", llm.requests[0].Name)

	failing := services.NewLLMGateway(failingLLM(errBoom), services.GatewayConfig{}, nil)
	assert.Nil(t, failing.ExtractRules(context.Background(), "text", entities.RuleKindTechnical))
}
