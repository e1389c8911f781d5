package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/zatekoja/claimvalidation/internal/adapters/database"
	"github.com/zatekoja/claimvalidation/internal/domain/entities"
	"github.com/zatekoja/claimvalidation/internal/evaluation"
	"github.com/zatekoja/claimvalidation/internal/infrastructure/clients/postgres"
	"github.com/zatekoja/claimvalidation/internal/infrastructure/observability"
	"github.com/zatekoja/claimvalidation/pkg/config"
)

// Seeds the claims table with the labelled claims so the API has pending
// work in a fresh development database.
func main() {
	var path, tenant string
	flag.StringVar(&path, "claims", "config/golden_claims.json", "Labelled claims file to load")
	flag.StringVar(&tenant, "tenant", "", "Tenant to assign (defaults to DEFAULT_TENANT_ID)")
	flag.Parse()

	ctx := context.Background()
	cfg, err := config.LoadWithSecrets(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	observability.InitLogger("claimvalidation-seed", cfg.Logging.Env)
	if tenant == "" {
		tenant = cfg.Validation.DefaultTenantID
	}

	golden, err := evaluation.LoadGoldenClaims(path)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load claims")
	}

	pgClient, err := postgres.NewClient(ctx, &cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pgClient.Close()

	if os.Getenv("RESET_DB") == "true" {
		log.Warn().Msg("RESET_DB=true detected, truncating tables before seeding")
		if _, err := pgClient.DB().ExecContext(ctx, `
			TRUNCATE TABLE refined_claims, claims, validation_metrics, validation_tasks
		`); err != nil {
			log.Fatal().Err(err).Msg("failed to reset tables")
		}
	}

	claims := make([]*entities.Claim, 0, len(golden))
	for _, gc := range golden {
		c := gc.Claim
		if c.ClaimID == "" {
			c.ClaimID = gc.ID
		}
		c.TenantID = tenant
		claims = append(claims, &c)
	}

	inserted, err := database.ImportClaims(ctx, pgClient, claims)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to seed claims")
	}
	log.Info().Int64("inserted", inserted).Int("read", len(golden)).Str("tenant", tenant).Msg("claims seeded")
}
