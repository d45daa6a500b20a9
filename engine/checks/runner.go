package checks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// DefaultLookback is the number of previous ticks whose flags are checked again.
const DefaultLookback = 5

// Runner drives a checker through one run:
// place flag, check service, then check the flags of the current and the
// Lookback previous ticks, newest first. The first non-zero verdict ends the run.
type Runner struct {
	Lookback int
	Logger   *slog.Logger
}

type runResult struct {
	verdict Verdict
	err     error
}

// Run executes the checker and always produces a verdict. A checker that
// fails with something other than a network problem, or panics, yields
// VerdictDown together with the failure. When the deadline of ctx passes, Run
// returns VerdictDown right away without waiting for the checker to give up.
// Only a cancelled ctx makes the verdict meaningless.
func (r *Runner) Run(ctx context.Context, checker Checker, tick int) (Verdict, error) {
	logger := r.logger().With("tick", tick)

	done := make(chan runResult, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- runResult{verdict: VerdictDown, err: fmt.Errorf("checker panicked: %v", p)}
			}
		}()
		verdict, err := r.steps(ctx, checker, tick, logger)
		done <- runResult{verdict: verdict, err: err}
	}()

	select {
	case res := <-done:
		return res.verdict, res.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			logger.Info("checker run timed out")
			return VerdictDown, nil
		}
		return VerdictDown, ctx.Err()
	}
}

func (r *Runner) steps(ctx context.Context, checker Checker, tick int, logger *slog.Logger) (Verdict, error) {
	logger.Debug("placing flag")
	if verdict, err := classify(checker.PlaceFlag(ctx)); err != nil || verdict != VerdictOK {
		return verdict, err
	}

	logger.Debug("general service checks")
	if verdict, err := classify(checker.CheckService(ctx)); err != nil || verdict != VerdictOK {
		return verdict, err
	}

	// tick indices start at 0
	oldest := max(tick-r.lookback(), 0)
	for t := tick; t >= oldest; t-- {
		logger.Debug("checking for flag", "flag_tick", t)
		if verdict, err := classify(checker.CheckFlag(ctx, t)); err != nil || verdict != VerdictOK {
			return verdict, err
		}
	}

	return VerdictOK, nil
}

func classify(verdict Verdict, err error) (Verdict, error) {
	if err == nil {
		return verdict, nil
	}
	if IsUnreachable(err) {
		return VerdictDown, nil
	}
	return VerdictDown, err
}

func (r *Runner) lookback() int {
	if r.Lookback < 0 {
		return 0
	}
	return r.Lookback
}

func (r *Runner) logger() *slog.Logger {
	if r.Logger == nil {
		return slog.Default()
	}
	return r.Logger
}
