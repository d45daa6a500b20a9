package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/dbaseqp/checkmaster/engine/checks"
	"github.com/dbaseqp/checkmaster/engine/flag"
)

// localCheck runs a checker without a database, for checker development.
type localCheck struct {
	settings  checks.Settings
	teamNetNo int
	ticks     int
	lookback  int
	timeout   time.Duration
	secret    string
}

func newCheckCmd() *cobra.Command {
	var lc localCheck

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Run a checker against one target with in-memory state",
		RunE: func(cmd *cobra.Command, args []string) error {
			verdicts, err := lc.run(cmd.Context())
			for tick, verdict := range verdicts {
				fmt.Fprintf(cmd.OutOrStdout(), "tick %d: %s\n", tick, verdict)
			}
			return err
		},
	}

	cmd.Flags().StringVar(&lc.settings.ServiceType, "service-type", "Tcp", "Checker to run (Tcp, Web)")
	cmd.Flags().StringVar(&lc.settings.Target, "target", "", "Target address, \"_\" is replaced by the team net number")
	cmd.Flags().IntVar(&lc.settings.Port, "port", 0, "Service port")
	cmd.Flags().StringVar(&lc.settings.Scheme, "scheme", "", "URL scheme of Web checks")
	cmd.Flags().StringVar(&lc.settings.Path, "path", "", "Flag store path of Web checks")
	cmd.Flags().IntVar(&lc.teamNetNo, "team", 1, "Team net number")
	cmd.Flags().IntVar(&lc.ticks, "ticks", 1, "Number of consecutive ticks to run")
	cmd.Flags().IntVar(&lc.lookback, "lookback", checks.DefaultLookback, "Number of previous ticks whose flags are checked")
	cmd.Flags().DurationVar(&lc.timeout, "timeout", 30*time.Second, "Timeout of each run")
	cmd.Flags().StringVar(&lc.secret, "secret", "local", "Flag secret")
	_ = cmd.MarkFlagRequired("target")

	return cmd
}

// run checks ticks 0 to ticks-1 in order and returns the verdict of each.
func (lc *localCheck) run(ctx context.Context) ([]checks.Verdict, error) {
	if err := lc.settings.Configure(); err != nil {
		return nil, err
	}

	generator := &flag.Generator{
		Secret:       []byte(lc.secret),
		Prefix:       "FLAG_",
		ServiceID:    1,
		ContestStart: time.Now().Truncate(time.Second),
		TickDuration: lc.timeout,
		ValidTicks:   lc.lookback,
	}
	state := checks.NewMemoryState()
	runner := &checks.Runner{Lookback: lc.lookback, Logger: slog.Default().With("component", "local")}

	verdicts := make([]checks.Verdict, 0, lc.ticks)
	for tick := 0; tick < lc.ticks; tick++ {
		checker, err := checks.New(lc.settings, checks.Base{
			Tick:      tick,
			TeamNetNo: lc.teamNetNo,
			Target:    lc.settings.TargetFor(lc.teamNetNo),
			Flags:     generator,
			State:     state,
		})
		if err != nil {
			return verdicts, err
		}

		runCtx, cancel := context.WithTimeout(ctx, lc.timeout)
		verdict, err := runner.Run(runCtx, checker, tick)
		cancel()
		if err != nil {
			return verdicts, fmt.Errorf("tick %d: %w", tick, err)
		}
		verdicts = append(verdicts, verdict)
	}
	return verdicts, nil
}
