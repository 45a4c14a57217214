package main

import (
	"fmt"
	"os"

	"github.com/InterwebAlchemy/collabodoro/go/internal/config"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type rootOptions struct {
	configPath string
	envFiles   []string
	logLevel   string
}

// app carries loaded configuration from the root command to subcommands.
type app struct {
	opts rootOptions
	cfg  *config.Config
}

func (a *app) load() error {
	cfg, err := config.Load(a.opts.configPath, a.opts.envFiles...)
	if err != nil {
		return err
	}
	if a.opts.logLevel != "" {
		cfg.LogLevel = a.opts.logLevel
	}
	if err := setupLogging(cfg.LogLevel); err != nil {
		return err
	}

	log.Debug().
		Str("env", cfg.Env).
		Str("signaling_url", cfg.SignalingURL).
		Int("work_time", int(cfg.WorkTime)).
		Int("rest_time", int(cfg.RestTime)).
		Msg("configuration loaded")

	a.cfg = cfg
	return nil
}

func setupLogging(level string) error {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	zerolog.SetGlobalLevel(lvl)
	return nil
}
