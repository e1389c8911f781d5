package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/zatekoja/claimvalidation/internal/adapters/cache"
	"github.com/zatekoja/claimvalidation/internal/adapters/documents"
	"github.com/zatekoja/claimvalidation/internal/application/services"
	"github.com/zatekoja/claimvalidation/internal/domain/entities"
	"github.com/zatekoja/claimvalidation/internal/domain/providers"
	"github.com/zatekoja/claimvalidation/internal/evaluation"
	"github.com/zatekoja/claimvalidation/internal/infrastructure/clients/openai"
	"github.com/zatekoja/claimvalidation/internal/infrastructure/observability"
	"github.com/zatekoja/claimvalidation/pkg/config"
)

const evalTenant = "evaluation"

func main() {
	var goldenPath, technicalPath, medicalPath string
	var guard evaluation.GuardrailConfig

	flag.StringVar(&goldenPath, "golden", "config/golden_claims.json", "Labelled claims to evaluate")
	flag.StringVar(&technicalPath, "technical", "config/technical_rules.json", "Technical rules (.json payload or a rule document)")
	flag.StringVar(&medicalPath, "medical", "", "Medical rules (.json payload or a rule document)")
	flag.Float64Var(&guard.MinAccuracy, "min-accuracy", 0, "Fail when accuracy is below this value")
	flag.Float64Var(&guard.MinRecall, "min-recall", 0, "Fail when recall for any labelled kind is below this value")
	flag.Float64Var(&guard.MaxDegradedRatio, "max-degraded", 0, "Fail when more than this share of medical reviews degrade (default 0.5)")
	flag.Parse()
	if technicalPath == "" {
		fmt.Fprintln(os.Stderr, "-technical is required: claims are not judged without technical rules")
		os.Exit(2)
	}

	ctx := context.Background()
	cfg, err := config.LoadWithSecrets(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	observability.InitLogger("claimvalidation-evaluate", cfg.Logging.Env)
	observability.SetLevel(cfg.Logging.Level)

	golden, err := evaluation.LoadGoldenClaims(goldenPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load golden claims")
	}
	if err := evaluation.ValidateGoldenClaims(golden); err != nil {
		log.Fatal().Err(err).Msg("invalid golden claims")
	}

	var llm providers.LLMClient
	if cfg.LLM.APIKey != "" {
		client, err := openai.NewClient(&cfg.LLM)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to initialize LLM client")
		}
		llm = client
	} else {
		log.Warn().Msg("LLM_API_KEY is not set; medical review is skipped")
	}

	checks, err := services.NewCheckCompiler()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create check compiler")
	}
	gateway := services.NewLLMGateway(llm, services.GatewayConfig{
		Timeout:          cfg.LLM.Timeout,
		BreakerFailures:  cfg.LLM.BreakerFailures,
		BreakerOpenDelay: cfg.LLM.BreakerOpenDelay,
	}, nil)
	store := services.NewRuleStore(cache.NewMemoryAdapter(), nil)

	var extractor services.RuleExtractor
	var reviewer services.MedicalReviewer
	if llm != nil {
		extractor = gateway
		reviewer = gateway
	}
	loader := &ruleLoader{
		parser:    services.NewRuleParser(extractor, store, time.Hour),
		store:     store,
		documents: documents.NewExtractor(),
	}
	for kind, path := range map[entities.RuleKind]string{entities.RuleKindTechnical: technicalPath, entities.RuleKindMedical: medicalPath} {
		if path == "" {
			continue
		}
		if err := loader.load(ctx, kind, path); err != nil {
			log.Fatal().Err(err).Str("path", path).Str("kind", string(kind)).Msg("failed to load rules")
		}
	}

	runner := evaluation.NewRunner(services.NewRuleEvaluator(store, reviewer, checks), evalTenant)
	summary, err := runner.Run(ctx, golden)
	if err != nil {
		log.Fatal().Err(err).Msg("evaluation failed")
	}

	out, _ := json.MarshalIndent(summary, "", "  ")
	fmt.Println(string(out))

	if violations := evaluation.NewGuardrails(guard).Check(summary); len(violations) > 0 {
		for _, v := range violations {
			log.Error().Msg(v)
		}
		os.Exit(1)
	}
}

type ruleLoader struct {
	parser    *services.RuleParser
	store     *services.RuleStore
	documents providers.DocumentTextExtractor
}

// load stores a structured .json payload as is and parses anything else as a
// rule document.
func (l *ruleLoader) load(ctx context.Context, kind entities.RuleKind, path string) error {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		raw, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		ruleSet, err := services.NormalizeRuleSet(raw, evalTenant, kind)
		if err != nil {
			return err
		}
		ruleSet.Source = entities.RuleSourceUpload
		return l.store.Put(ctx, ruleSet, time.Hour)
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	text, err := l.documents.ExtractText(ctx, filepath.Base(path), f)
	if err != nil {
		return err
	}
	ruleSet, err := l.parser.Parse(ctx, evalTenant, text, kind)
	if err != nil {
		return err
	}
	log.Info().Str("kind", string(kind)).Str("source", ruleSet.Source).Msg("rules parsed")
	return nil
}
