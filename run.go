package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dbaseqp/checkmaster/engine"
	"github.com/dbaseqp/checkmaster/engine/config"
	"github.com/dbaseqp/checkmaster/engine/db"
)

func newRunCmd() *cobra.Command {
	var validateOnly bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Claim and run checks until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			conf := config.ConfigSettings{}
			if err := conf.SetConfig(opts.configPath); err != nil {
				return err
			}

			if conf.MiscSettings.LogFile != "" {
				logFile, err := os.OpenFile(conf.MiscSettings.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
				if err != nil {
					return fmt.Errorf("failed to open log file: %w", err)
				}
				defer logFile.Close()

				logger, err := newLogger(opts.logger.level, opts.logger.format, io.MultiWriter(os.Stdout, logFile))
				if err != nil {
					return err
				}
				slog.SetDefault(logger)
			}

			if err := db.Connect(conf.RequiredSettings.DBConnectURL); err != nil {
				return err
			}
			defer db.Close()

			mode := db.TxNormal
			if validateOnly {
				mode = db.TxValidateOnly
			}

			cm, err := engine.NewCheckerMaster(&conf, mode)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if validateOnly {
				if err := cm.RunOnce(ctx); err != nil {
					return fmt.Errorf("validation failed: %w", err)
				}
				slog.Info("Database access validated, nothing was changed")
				return nil
			}

			if err := config.WatchConfig(ctx, opts.configPath, cm.SetConfig); err != nil {
				slog.Warn("config reload disabled", "error", err)
			}
			return cm.Start(ctx)
		},
	}

	cmd.Flags().BoolVar(&validateOnly, "validate-only", false, "Run one cycle against the database and roll everything back")
	return cmd
}
