package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dbaseqp/checkmaster/engine"
	"github.com/dbaseqp/checkmaster/engine/config"
	"github.com/dbaseqp/checkmaster/engine/db"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the check progress of the current tick",
		RunE: func(cmd *cobra.Command, args []string) error {
			conf := config.ConfigSettings{}
			if err := conf.SetConfig(opts.configPath); err != nil {
				return err
			}
			if err := db.Connect(conf.RequiredSettings.DBConnectURL); err != nil {
				return err
			}
			defer db.Close()

			cm, err := engine.NewCheckerMaster(&conf, db.TxNormal)
			if err != nil {
				return err
			}
			status, err := cm.Status()
			if err != nil {
				return fmt.Errorf("get status: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Service:  %s (%s)\n", cm.Service.Name, cm.Service.Slug)
			if !status.Control.Running() {
				fmt.Fprintln(out, "  Contest has not started")
				return nil
			}
			fmt.Fprintf(out, "  Tick:     %d\n", status.Control.CurrentTick)
			fmt.Fprintf(out, "  Tasks:    %d for %d teams\n", status.Tasks, status.Teams)
			if status.Stale > 0 {
				fmt.Fprintf(out, "  Stale:    %d claimed in past ticks without result\n", status.Stale)
			}
			if status.Estimate == db.NoCheckDuration {
				fmt.Fprintf(out, "  Timeout:  %ds (no history)\n", conf.MiscSettings.DefaultTimeout)
			} else {
				fmt.Fprintf(out, "  Estimate: %s\n", status.Estimate)
			}
			return nil
		},
	}
}
