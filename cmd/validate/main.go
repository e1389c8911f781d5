package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/zatekoja/claimvalidation/internal/application/services"
	"github.com/zatekoja/claimvalidation/internal/bootstrap"
	"github.com/zatekoja/claimvalidation/internal/infrastructure/observability"
	"github.com/zatekoja/claimvalidation/pkg/config"
)

func main() {
	var limit int
	var cleanupDays int

	flag.IntVar(&limit, "limit", 0, "Maximum number of pending claims to validate (0 uses the configured batch limit)")
	flag.IntVar(&cleanupDays, "cleanup-days", 0, "Also delete finished tasks older than this many days")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadWithSecrets(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	observability.InitLogger("claimvalidation-validate", cfg.Logging.Env)
	observability.SetLevel(cfg.Logging.Level)

	app, err := bootstrap.New(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize validation pipeline")
	}
	defer func() {
		if err := app.Close(); err != nil {
			log.Error().Err(err).Msg("error closing clients")
		}
	}()

	if err := run(ctx, app.Validation, limit, cleanupDays); err != nil {
		log.Error().Err(err).Msg("validation run failed")
		// Deferred cleanup is skipped by os.Exit.
		_ = app.Close()
		os.Exit(1)
	}
}

func run(ctx context.Context, svc *services.ValidationService, limit, cleanupDays int) error {
	if cleanupDays > 0 {
		removed, err := svc.CleanupTasks(ctx, cleanupDays)
		if err != nil {
			return err
		}
		log.Info().Int64("removed", removed).Int("days", cleanupDays).Msg("old tasks cleaned up")
	}

	result, err := svc.ProcessPending(ctx, limit)
	if errors.Is(err, services.ErrNoPendingClaims) {
		log.Info().Msg("no claims to process")
		return nil
	}
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}
