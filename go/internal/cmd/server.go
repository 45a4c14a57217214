package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/InterwebAlchemy/collabodoro/go/internal/signaling"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newSignalCmd(app *app) *cobra.Command {
	var (
		port    int
		natsURL string
	)

	cmd := &cobra.Command{
		Use:   "signal",
		Short: "Run the signaling server peers register with",
		RunE: func(cmd *cobra.Command, _ []string) error {
			settings := app.cfg.Signaling
			if cmd.Flags().Changed("port") {
				settings.Port = port
			}
			if cmd.Flags().Changed("nats-url") {
				settings.NATSURL = natsURL
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			svc, err := signaling.NewService(ctx, signaling.NewConfig(settings))
			if err != nil {
				return err
			}

			log.Info().
				Int("port", settings.Port).
				Str("nats_url", settings.NATSURL).
				Msg("starting signaling server")

			return svc.ListenAndServe(ctx)
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 0, "port to listen on (default from config)")
	cmd.Flags().StringVar(&natsURL, "nats-url", "", "NATS server for multi-instance relaying")
	return cmd
}
