package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/zatekoja/claimvalidation/internal/domain/entities"
	"github.com/zatekoja/claimvalidation/internal/domain/providers"
	"github.com/zatekoja/claimvalidation/internal/infrastructure/observability"
	apperrors "github.com/zatekoja/claimvalidation/pkg/errors"
)

// RuleCacheKey is the cache key of a tenant's rule set of one kind
func RuleCacheKey(kind entities.RuleKind, tenantID string) string {
	return fmt.Sprintf("rules:%s:%s", kind, tenantID)
}

// RuleStore caches parsed rule sets per tenant and kind. Writes replace the
// whole entry; concurrent writers to one key are last-write-wins.
type RuleStore struct {
	cache   providers.CacheProvider
	metrics *observability.PipelineMetrics
	now     func() time.Time
}

// NewRuleStore creates a rule store on top of a cache provider
func NewRuleStore(cache providers.CacheProvider, metrics *observability.PipelineMetrics) *RuleStore {
	return &RuleStore{cache: cache, metrics: metrics, now: time.Now}
}

// Put stores ruleSet for ttl. A missing version or parse time is filled in.
func (s *RuleStore) Put(ctx context.Context, ruleSet *entities.RuleSet, ttl time.Duration) error {
	if ruleSet == nil {
		return apperrors.NewValidationError("rule set is required")
	}
	if err := ruleSet.Validate(); err != nil {
		return apperrors.NewValidationError(err.Error())
	}
	if ruleSet.TenantID == "" {
		return apperrors.NewValidationError("rule set tenant is required")
	}
	if ttl <= 0 {
		return apperrors.NewValidationError("rule set ttl must be positive")
	}

	if ruleSet.Version == "" {
		ruleSet.Version = uuid.New().String()
	}
	if ruleSet.ParsedAt.IsZero() {
		ruleSet.ParsedAt = s.now().UTC()
	}

	data, err := json.Marshal(ruleSet)
	if err != nil {
		return apperrors.NewInternalError("failed to encode rule set", err)
	}

	seconds := int(math.Ceil(ttl.Seconds()))
	key := RuleCacheKey(ruleSet.Kind, ruleSet.TenantID)
	if err := s.cache.Set(ctx, key, data, seconds); err != nil {
		return apperrors.NewExternalError("failed to cache rule set", err)
	}

	observability.LoggerFromContext(observability.WithLogField(ctx, observability.FieldTenantID, ruleSet.TenantID)).Info().
		Str("kind", string(ruleSet.Kind)).
		Str("version", ruleSet.Version).
		Str("source", ruleSet.Source).
		Dur("ttl", ttl).
		Msg("rule set cached")
	return nil
}

// Get returns the cached rule set, or nil when none is loaded. A malformed
// entry is logged and reported as absent. Only cache backend failures are
// returned as errors.
func (s *RuleStore) Get(ctx context.Context, tenantID string, kind entities.RuleKind) (*entities.RuleSet, error) {
	key := RuleCacheKey(kind, tenantID)
	data, err := s.cache.Get(ctx, key)
	if errors.Is(err, providers.ErrCacheMiss) {
		s.metrics.RulesCacheMiss(ctx, string(kind))
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.NewExternalError("failed to read rule cache", err)
	}

	ruleSet, err := NormalizeRuleSet(data, tenantID, kind)
	if err != nil {
		observability.LoggerFromContext(observability.WithLogField(ctx, observability.FieldTenantID, tenantID)).Warn().
			Err(err).
			Str("key", key).
			Str("kind", string(kind)).
			Msg("ignoring malformed rule cache entry")
		s.metrics.RulesCacheMiss(ctx, string(kind))
		return nil, nil
	}
	return ruleSet, nil
}
