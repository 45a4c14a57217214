package main

import (
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	app := &app{}

	rootCmd := &cobra.Command{
		Use:           "collabodoro",
		Short:         "Shared pomodoro timers over peer-to-peer connections",
		Long:          "collabodoro runs a pomodoro timer that a host can share with any number of peers. Everyone joined to the host sees the same phase and progress.",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return app.load()
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&app.opts.configPath, "config", "c", "", "path to a YAML config file")
	flags.StringSliceVar(&app.opts.envFiles, "env-file", nil, ".env files to load (default .env)")
	flags.StringVar(&app.opts.logLevel, "log-level", "", "override the configured log level")

	rootCmd.AddCommand(
		newVersionCmd(),
		newHostCmd(app),
		newJoinCmd(app),
		newSignalCmd(app),
	)
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		// No config is needed to print the version.
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := cmd.OutOrStdout().Write([]byte(version + "\n"))
			return err
		},
	}
}
