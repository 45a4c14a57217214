package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/InterwebAlchemy/collabodoro/go/internal/config"
	"github.com/InterwebAlchemy/collabodoro/go/internal/signaling"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	// Setup logging
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load(os.Getenv("COLLABODORO_CONFIG"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	svc, err := signaling.NewService(ctx, signaling.NewConfig(cfg.Signaling))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create signaling service")
	}

	log.Info().
		Int("port", cfg.Signaling.Port).
		Str("nats_url", cfg.Signaling.NATSURL).
		Msg("starting signaling server")

	if err := svc.ListenAndServe(ctx); err != nil {
		log.Fatal().Err(err).Msg("signaling server failed")
	}

	log.Info().Msg("signaling server shutdown complete")
}
