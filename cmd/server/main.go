package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/tokenvault/server/internal/config"
	"github.com/tokenvault/server/internal/httpserver"
	"github.com/tokenvault/server/pkg/tokenvault"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	// .env is optional; real environment variables take precedence.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Fatal().Err(err).Msg("load .env")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := tokenvault.NewApp(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("init app")
	}
	appLogger := app.Logger()

	if err := app.Start(); err != nil {
		appLogger.Fatal().Err(err).Msg("start background jobs")
	}

	srv := httpserver.New(cfg, app.Handler())
	errCh := make(chan error, 1)
	go func() {
		appLogger.Info().
			Str("address", cfg.Server.Address).
			Str("storage", cfg.Storage.Backend).
			Bool("stripe", cfg.Stripe.Enabled()).
			Bool("auto_refill", app.Monitor != nil).
			Msg("server.starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		appLogger.Info().Msg("server.shutting_down")
	case err := <-errCh:
		if err != nil {
			appLogger.Error().Err(err).Msg("server.listen_failed")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.Error().Err(err).Msg("server.shutdown_failed")
	}
	if err := app.Close(); err != nil {
		appLogger.Error().Err(err).Msg("server.close_failed")
	}
	appLogger.Info().Msg("server.stopped")
}
