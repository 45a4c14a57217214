package main

import (
	"os"

	"github.com/InterwebAlchemy/collabodoro/go/internal/config"
	"github.com/InterwebAlchemy/collabodoro/go/internal/session"
	"github.com/InterwebAlchemy/collabodoro/go/internal/session/connection"
	"github.com/InterwebAlchemy/collabodoro/go/internal/session/notify"
	"github.com/InterwebAlchemy/collabodoro/go/internal/session/timer"
	"github.com/InterwebAlchemy/collabodoro/go/internal/session/transport/rtc"
	"github.com/jonboulle/clockwork"
)

// setupServices wires transport, connection manager, notifications and the
// session loop. peerID fixes the local identity when set.
func setupServices(cfg *config.Config, peerID string) (*session.Session, error) {
	clock := clockwork.NewRealClock()

	transport := rtc.NewTransport(rtc.NewConfig(cfg))
	conn := connection.NewManager(transport, clock, connectionConfig(cfg, peerID))
	bridge := notify.NewBridge(newPlayer(cfg.Sounds), cfg.Sounds.Enabled)

	return session.New(conn, clock, bridge, sessionOptions(cfg))
}

func connectionConfig(cfg *config.Config, peerID string) connection.Config {
	c := connection.DefaultConfig()
	c.InitTimeout = cfg.InitTimeout
	c.ConnectTimeout = cfg.ConnectTimeout
	c.ResumeAttempts = cfg.ResumeAttempts
	c.ResumeBackoff = cfg.ResumeBackoff
	if peerID != "" {
		c.IDGenerator = func() string { return peerID }
	}
	return c
}

func sessionOptions(cfg *config.Config) session.Options {
	opts := session.DefaultOptions()
	opts.Timer = timer.Options{
		WorkDuration:    int(cfg.WorkTime),
		RestDuration:    int(cfg.RestTime),
		TickInterval:    opts.Timer.TickInterval,
		ResetPulse:      cfg.ResetPulse,
		PauseStartsIdle: cfg.PauseStartsIdle,
	}
	opts.SyncInterval = cfg.SyncInterval
	opts.StateRequestDelay = cfg.StateRequestDelay
	opts.Direction = cfg.Direction
	return opts
}

// newPlayer plays sound files through the configured command, falling back
// to the terminal bell.
func newPlayer(sounds config.SoundsConfig) notify.Player {
	if sounds.Command == "" {
		return notify.NewBellPlayer(os.Stderr)
	}
	files := make(map[notify.Sound]string, len(sounds.Files))
	for name, path := range sounds.Files {
		files[notify.Sound(name)] = path
	}
	return notify.NewCommandPlayer(sounds.Command, files)
}
