package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/ZecPay/facilitator/internal/config"
	"github.com/ZecPay/facilitator/internal/logger"
	"github.com/ZecPay/facilitator/pkg/zecpay"
)

const version = "0.1.0"

func main() {
	configPath := flag.String("config", "", "path to config yaml (optional, env overrides apply either way)")
	flag.Parse()

	// A missing .env is fine; environment overrides are optional.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("facilitator.config_error")
	}

	log.Logger = logger.New(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Service:     "zecpay-facilitator",
		Version:     version,
		Environment: cfg.Logging.Environment,
	})

	app, err := zecpay.NewApp(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("facilitator.init_error")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := app.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("facilitator.start_error")
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- app.ListenAndServe()
	}()

	log.Info().
		Str("address", cfg.Server.Address).
		Str("network", cfg.Protocol.Network).
		Str("storage", cfg.Storage.Backend).
		Msg("facilitator.listening")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("facilitator.shutdown_signal")
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("facilitator.serve_error")
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration)
	defer shutdownCancel()

	if err := app.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("facilitator.shutdown_error")
	}
	log.Info().Msg("facilitator.stopped")
}
