package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/zatekoja/claimvalidation/internal/api/handlers"
	"github.com/zatekoja/claimvalidation/internal/api/routes"
	"github.com/zatekoja/claimvalidation/internal/bootstrap"
	"github.com/zatekoja/claimvalidation/internal/infrastructure/observability"
	"github.com/zatekoja/claimvalidation/pkg/config"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.LoadWithSecrets(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	observability.InitLogger(cfg.OTEL.ServiceName, cfg.Logging.Env)
	observability.SetLevel(cfg.Logging.Level)

	// Initialize OpenTelemetry if enabled
	if cfg.OTEL.Enabled && cfg.OTEL.Endpoint != "" {
		shutdown, err := observability.Setup(ctx, cfg.OTEL.ServiceName, cfg.OTEL.ServiceVersion, cfg.OTEL.Endpoint)
		if err != nil {
			log.Warn().Err(err).Msg("failed to set up OpenTelemetry")
		} else {
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdown(ctx); err != nil {
					log.Error().Err(err).Msg("error shutting down OpenTelemetry")
				}
			}()
			log.Info().Str("endpoint", cfg.OTEL.Endpoint).Msg("OpenTelemetry initialized")
		}
	}

	metrics, err := observability.InitMetrics()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize metrics")
	}

	app, err := bootstrap.New(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize validation pipeline")
	}
	defer func() {
		if err := app.Close(); err != nil {
			log.Error().Err(err).Msg("error closing clients")
		}
	}()

	router := routes.NewRouter(
		handlers.NewValidationHandler(app.Validation),
		handlers.NewRulesHandler(app.Validation),
		handlers.NewSSEHandler(app.Validation, app.EventBus),
		cfg.Server.AllowedOrigins,
		metrics,
	)

	// Event streams never go idle; cancel them when shutdown starts.
	streamCtx, cancelStreams := context.WithCancel(context.Background())
	defer cancelStreams()

	serverAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:        serverAddr,
		Handler:     router.SetupRoutes(),
		BaseContext: func(net.Listener) context.Context { return streamCtx },
		ReadTimeout: 15 * time.Second,
		// Task event streams stay open, so there is no write timeout.
		IdleTimeout: 60 * time.Second,
	}
	server.RegisterOnShutdown(cancelStreams)

	go func() {
		log.Info().Str("addr", serverAddr).Msg("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed to start")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("server shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("error during server shutdown")
	}

	// Let running batches reach a terminal status before the clients close.
	app.Validation.Wait()

	log.Info().Msg("server stopped")
}
