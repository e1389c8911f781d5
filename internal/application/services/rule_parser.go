package services

import (
	"context"
	"encoding/json"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/zatekoja/claimvalidation/internal/domain/entities"
	"github.com/zatekoja/claimvalidation/internal/infrastructure/observability"
	apperrors "github.com/zatekoja/claimvalidation/pkg/errors"
)

// DefaultRulesTTL is how long a parsed rule set stays cached
const DefaultRulesTTL = time.Hour

// RuleExtractor produces a structured rule object from document text, or
// nil when it cannot.
type RuleExtractor interface {
	ExtractRules(ctx context.Context, documentText string, kind entities.RuleKind) json.RawMessage
}

// RuleParser turns rule documents into cached rule sets
type RuleParser struct {
	extractor RuleExtractor
	store     *RuleStore
	ttl       time.Duration
	now       func() time.Time
}

// NewRuleParser creates a parser. A non-positive ttl uses DefaultRulesTTL.
func NewRuleParser(extractor RuleExtractor, store *RuleStore, ttl time.Duration) *RuleParser {
	if ttl <= 0 {
		ttl = DefaultRulesTTL
	}
	return &RuleParser{extractor: extractor, store: store, ttl: ttl, now: time.Now}
}

// Parse extracts a rule set of kind from documentText and caches it for the
// tenant. Extraction problems degrade to the heuristic reader; only an
// unreadable document is returned as a PARSE error.
func (p *RuleParser) Parse(ctx context.Context, tenantID, documentText string, kind entities.RuleKind) (*entities.RuleSet, error) {
	ctx = observability.WithLogField(ctx, observability.FieldTenantID, tenantID)
	logger := observability.LoggerFromContext(ctx).With().
		Str("kind", string(kind)).
		Logger()

	if kind != entities.RuleKindTechnical && kind != entities.RuleKindMedical {
		return nil, apperrors.NewValidationError("unknown rule kind " + string(kind))
	}
	if !utf8.ValidString(documentText) {
		return nil, apperrors.NewParseError("rule document is not valid text", nil)
	}
	text := strings.TrimSpace(documentText)
	if text == "" {
		return nil, apperrors.NewParseError("rule document is empty", nil)
	}

	var ruleSet *entities.RuleSet
	if p.extractor != nil {
		if raw := p.extractor.ExtractRules(ctx, text, kind); raw != nil {
			parsed, err := NormalizeRuleSet(raw, tenantID, kind)
			if err != nil {
				logger.Warn().Err(err).Msg("llm rule extraction did not match the rule schema")
			} else {
				parsed.Source = entities.RuleSourceLLM
				ruleSet = parsed
			}
		}
	}
	if ruleSet == nil {
		ruleSet = ruleSetFromText(text, tenantID, kind)
		logger.Info().Msg("rule set extracted with heuristic fallback")
	}

	ruleSet.Version = uuid.New().String()
	ruleSet.ParsedAt = p.now().UTC()

	if err := p.store.Put(ctx, ruleSet, p.ttl); err != nil {
		return nil, err
	}
	return ruleSet, nil
}
