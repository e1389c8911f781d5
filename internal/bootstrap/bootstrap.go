// Package bootstrap wires configuration, infrastructure clients, adapters and
// services into a running validation pipeline.
package bootstrap

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"
	"github.com/zatekoja/claimvalidation/internal/adapters/cache"
	"github.com/zatekoja/claimvalidation/internal/adapters/database"
	"github.com/zatekoja/claimvalidation/internal/adapters/documents"
	"github.com/zatekoja/claimvalidation/internal/adapters/events"
	"github.com/zatekoja/claimvalidation/internal/application/services"
	"github.com/zatekoja/claimvalidation/internal/domain/providers"
	"github.com/zatekoja/claimvalidation/internal/infrastructure/clients/openai"
	"github.com/zatekoja/claimvalidation/internal/infrastructure/clients/postgres"
	"github.com/zatekoja/claimvalidation/internal/infrastructure/clients/redis"
	"github.com/zatekoja/claimvalidation/internal/infrastructure/observability"
	"github.com/zatekoja/claimvalidation/pkg/config"
)

// App holds the wired pipeline
type App struct {
	Validation *services.ValidationService
	EventBus   providers.EventBus

	closers []func() error
}

// Close releases every client opened by New, newest first
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	return errors.Join(errs...)
}

// New connects to PostgreSQL and, when reachable, Redis, then builds the
// validation service. Without Redis, rule sets, idempotency keys and task
// events stay inside this process.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	app := &App{}

	pgClient, err := postgres.NewClient(ctx, &cfg.Database)
	if err != nil {
		return nil, err
	}
	app.closers = append(app.closers, pgClient.Close)
	log.Info().Msg("PostgreSQL client initialized")

	var cacheProvider providers.CacheProvider
	redisClient, err := redis.NewClient(ctx, &cfg.Redis)
	if err != nil {
		log.Warn().Err(err).Msg("Redis unavailable; using in-process rule cache and event bus")
		cacheProvider = cache.NewMemoryAdapter()
		app.EventBus = events.NewMemoryEventBus()
	} else {
		app.closers = append(app.closers, redisClient.Close)
		cacheProvider = cache.NewRedisAdapter(redisClient, cfg.Redis.KeyPrefix)
		app.EventBus = events.NewRedisEventBus(redisClient)
		log.Info().Msg("Redis client initialized")
	}
	app.closers = append(app.closers, app.EventBus.Close)

	pipeline, err := observability.NewPipelineMetrics()
	if err != nil {
		log.Warn().Err(err).Msg("pipeline metrics disabled")
		pipeline = nil
	}

	var llm providers.LLMClient
	if cfg.LLM.APIKey == "" {
		log.Warn().Msg("LLM_API_KEY is not set; medical review and structured rule extraction are disabled")
	} else if client, err := openai.NewClient(&cfg.LLM); err != nil {
		log.Warn().Err(err).Msg("failed to initialize LLM client")
	} else {
		llm = client
		log.Info().Str("model", client.Model()).Msg("LLM client initialized")
	}

	checks, err := services.NewCheckCompiler()
	if err != nil {
		_ = app.Close()
		return nil, err
	}

	gateway := services.NewLLMGateway(llm, services.GatewayConfig{
		Timeout:          cfg.LLM.Timeout,
		BreakerFailures:  cfg.LLM.BreakerFailures,
		BreakerOpenDelay: cfg.LLM.BreakerOpenDelay,
	}, pipeline)
	store := services.NewRuleStore(cacheProvider, pipeline)
	evaluator := services.NewRuleEvaluator(store, gateway, checks)

	claims := database.NewClaimAdapter(pgClient)
	metrics := database.NewMetricsAdapter(pgClient)

	orchestrator := services.NewBatchOrchestrator(claims, metrics, database.NewTxManager(pgClient), evaluator, pipeline, services.OrchestratorConfig{
		DefaultTenantID:        cfg.Validation.DefaultTenantID,
		Workers:                cfg.Validation.Workers,
		LowConfidenceThreshold: cfg.Validation.LowConfidenceThreshold,
	})

	var extractor services.RuleExtractor
	if llm != nil {
		extractor = gateway
	}

	app.Validation = services.NewValidationService(services.ValidationServiceDeps{
		Tasks:        services.NewTaskController(database.NewTaskAdapter(pgClient), app.EventBus, services.WithStaleAfter(cfg.Validation.TaskStaleAfter)),
		Orchestrator: orchestrator,
		Claims:       claims,
		Metrics:      metrics,
		Parser:       services.NewRuleParser(extractor, store, cfg.Validation.RulesTTL),
		Store:        store,
		Checks:       checks,
		Extractor:    documents.NewExtractor(),
		Cache:        cacheProvider,
	}, services.ValidationServiceConfig{
		DefaultTenantID: cfg.Validation.DefaultTenantID,
		BatchLimit:      cfg.Validation.BatchLimit,
		RulesTTL:        cfg.Validation.RulesTTL,
		IdempotencyTTL:  cfg.Validation.IdempotencyTTL,
	})

	return app, nil
}
