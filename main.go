package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var opts struct {
	logger struct {
		level  string
		format string
	}
	configPath string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "checkmaster",
		Short: "Runs the service checks of an attack-defense competition",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger(opts.logger.level, opts.logger.format, os.Stdout)
			if err != nil {
				return err
			}
			slog.SetDefault(logger)
			return nil
		},
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&opts.logger.level, "log-level", "info", "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&opts.logger.format, "log-format", "text", "Log format (text, json)")
	root.PersistentFlags().StringVar(&opts.configPath, "config", "./config/checkmaster.conf", "Path to the config file")

	root.AddCommand(
		newRunCmd(),
		newCheckCmd(),
		newStatusCmd(),
	)

	return root
}
