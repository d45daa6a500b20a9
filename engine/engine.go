package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/dbaseqp/checkmaster/engine/checks"
	"github.com/dbaseqp/checkmaster/engine/config"
	"github.com/dbaseqp/checkmaster/engine/db"
	"github.com/dbaseqp/checkmaster/engine/flag"
)

// CheckerMaster claims the check tasks of one service and runs them. Any
// number of masters may work on the same service, the database hands each
// task to exactly one of them.
type CheckerMaster struct {
	Service  db.ServiceSchema
	WorkerID string
	Mode     db.TxMode

	config   atomic.Pointer[config.ConfigSettings]
	logger   *slog.Logger
	inflight atomic.Int64

	estimateMu  sync.Mutex
	estimate    time.Duration
	estimatedAt time.Time

	// builds the checker of a task
	newChecker func(settings checks.Settings, base checks.Base) (checks.Checker, error)
}

// Status is a summary of the current tick of a service.
type Status struct {
	Control    db.ControlInfo
	Teams      int
	Tasks      int64
	Stale      int64
	Estimate   time.Duration
	Parallel   int
	InProgress int64
}

// IsFatal reports whether err means the game database and the configuration
// disagree. The master stops on such errors instead of retrying forever.
func IsFatal(err error) bool {
	return errors.Is(err, db.ErrUnknownTeam) ||
		errors.Is(err, db.ErrNotConfigured) ||
		errors.Is(err, db.ErrServiceNotConfigured) ||
		errors.Is(err, flag.ErrIDOutOfRange)
}

func NewCheckerMaster(conf *config.ConfigSettings, mode db.TxMode) (*CheckerMaster, error) {
	service, err := db.GetServiceAttributes(mode, conf.RequiredSettings.ServiceSlug)
	if err != nil {
		return nil, fmt.Errorf("service %q: %w", conf.RequiredSettings.ServiceSlug, err)
	}
	if service.ID > flag.MaxID {
		return nil, fmt.Errorf("service %q has id %d: %w", service.Slug, service.ID, flag.ErrIDOutOfRange)
	}

	cm := &CheckerMaster{
		Service:    service,
		WorkerID:   uuid.NewString(),
		Mode:       mode,
		estimate:   db.NoCheckDuration,
		newChecker: checks.New,
	}
	cm.logger = slog.Default().With("component", "master", "service", service.Slug, "worker", cm.WorkerID)
	cm.config.Store(conf)
	return cm, nil
}

func (cm *CheckerMaster) Config() *config.ConfigSettings {
	return cm.config.Load()
}

// SetConfig swaps the configuration used from the next scheduling cycle on.
// Running checks keep the settings they were started with.
func (cm *CheckerMaster) SetConfig(conf *config.ConfigSettings) {
	if conf.RequiredSettings.ServiceSlug != cm.Service.Slug {
		cm.logger.Warn("service cannot be changed while running, ignoring new config", "new_service", conf.RequiredSettings.ServiceSlug)
		return
	}
	cm.config.Store(conf)
	cm.logger.Info("using new config", "parallelism", conf.MiscSettings.Parallelism)
}

// Start runs scheduling cycles until ctx is done or a fatal error occurs.
// Checks that are still running when ctx is done are abandoned without a result.
func (cm *CheckerMaster) Start(ctx context.Context) error {
	cm.logger.Info("Checker master started", "mode", cm.Mode.String())

	g, gctx := errgroup.WithContext(ctx)

	// engine loop
	g.Go(func() error {
		for {
			tasks, err := cm.step()
			if err != nil {
				if IsFatal(err) {
					return err
				}
				cm.logger.Error("scheduling cycle failed", "error", err)
			}
			for _, task := range tasks {
				g.Go(func() error {
					return cm.runTask(gctx, task)
				})
			}

			select {
			case <-gctx.Done():
				return nil
			case <-time.After(cm.Config().MiscSettings.LaunchEvery()):
			}
		}
	})

	err := g.Wait()
	cm.logger.Info("Checker master stopped", "error", err)
	return err
}

// RunOnce runs a single scheduling cycle and waits for all of its checks.
func (cm *CheckerMaster) RunOnce(ctx context.Context) error {
	tasks, err := cm.step()
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, task := range tasks {
		g.Go(func() error {
			return cm.runTask(gctx, task)
		})
	}
	return g.Wait()
}

// step claims as many tasks as there are free worker slots. The claimed tasks
// are counted as in progress until runTask finishes them.
func (cm *CheckerMaster) step() ([]Task, error) {
	conf := cm.Config()

	control, err := db.GetControlInfo(cm.Mode)
	if err != nil {
		return nil, err
	}
	if !control.Running() {
		cm.logger.Debug("contest has not started yet")
		return nil, nil
	}

	stale, err := db.GetStaleTaskCount(cm.Mode, cm.Service.ID)
	if err != nil {
		return nil, err
	}
	if stale > 0 {
		cm.logger.Warn("claimed tasks of past ticks never got a result", "count", stale, "tick", control.CurrentTick)
	}

	timeout, err := cm.checkTimeout(control, conf)
	if err != nil {
		return nil, err
	}

	free := conf.MiscSettings.Parallelism - int(cm.inflight.Load())
	if free <= 0 {
		cm.logger.Debug("all workers busy", "in_progress", cm.inflight.Load())
		return nil, nil
	}

	claimed, err := db.ClaimTasks(cm.Mode, cm.Service.ID, free)
	if err != nil {
		return nil, fmt.Errorf("claiming tasks: %w", err)
	}
	if len(claimed) == 0 {
		return nil, nil
	}

	generator := &flag.Generator{
		Secret:       []byte(conf.MiscSettings.FlagSecret),
		Prefix:       conf.MiscSettings.FlagPrefix,
		ServiceID:    cm.Service.ID,
		ContestStart: control.ContestStart,
		TickDuration: control.TickDuration,
		ValidTicks:   control.ValidTicks,
	}
	deadline := time.Now().Add(timeout)

	tasks := make([]Task, 0, len(claimed))
	for _, c := range claimed {
		if err := generator.CheckTeam(c.TeamNetNo); err != nil {
			return nil, err
		}
		tasks = append(tasks, Task{
			ServiceID: cm.Service.ID,
			TeamID:    c.TeamID,
			TeamNetNo: c.TeamNetNo,
			Tick:      c.Tick,
			Target:    conf.CheckerSettings.TargetFor(c.TeamNetNo),
			Deadline:  deadline,
			Flags:     generator,
		})
	}
	cm.inflight.Add(int64(len(tasks)))

	cm.logger.Info("claimed tasks", "count", len(tasks), "tick", control.CurrentTick, "timeout", timeout.String())
	return tasks, nil
}

// checkTimeout returns how long a check may take. It refreshes the estimate
// from past ticks every EstimateInterval and falls back to DefaultTimeout
// while the service has no history. A check never outlives its tick.
func (cm *CheckerMaster) checkTimeout(control db.ControlInfo, conf *config.ConfigSettings) (time.Duration, error) {
	cm.estimateMu.Lock()
	defer cm.estimateMu.Unlock()

	if cm.estimatedAt.IsZero() || time.Since(cm.estimatedAt) >= conf.MiscSettings.EstimateEvery() {
		estimate, err := db.GetCheckDuration(cm.Mode, cm.Service.ID, conf.MiscSettings.SigmaMultiplier)
		if err != nil {
			return 0, fmt.Errorf("estimating check duration: %w", err)
		}
		cm.estimate = estimate
		cm.estimatedAt = time.Now()
		cm.logger.Debug("updated check duration estimate", "estimate", estimate.String())
	}

	timeout := cm.estimate
	if timeout == db.NoCheckDuration {
		timeout = conf.MiscSettings.Timeout()
	}
	if control.TickDuration > 0 && timeout > control.TickDuration {
		timeout = control.TickDuration
	}
	return timeout, nil
}

// runTask runs the checker of task and commits its verdict. Only fatal errors
// are returned; everything else is logged. A task abandoned on shutdown keeps
// its claim without a result.
func (cm *CheckerMaster) runTask(ctx context.Context, task Task) error {
	defer cm.inflight.Add(-1)

	conf := cm.Config()
	logger := cm.logger.With("team", task.TeamNetNo, "tick", task.Tick)

	state := &checkerState{mode: cm.Mode, serviceID: task.ServiceID, teamNetNo: task.TeamNetNo}
	if cm.Mode == db.TxValidateOnly {
		return cm.validateTask(ctx, task, state, conf)
	}

	checker, err := cm.newChecker(conf.CheckerSettings, checks.Base{
		Tick:      task.Tick,
		TeamNetNo: task.TeamNetNo,
		Target:    task.Target,
		Flags:     task.Flags,
		State:     state,
	})
	if err != nil {
		return fmt.Errorf("creating checker: %w", err)
	}

	runCtx, cancel := context.WithDeadline(ctx, task.Deadline)
	runner := &checks.Runner{Lookback: conf.MiscSettings.LookbackTicks(), Logger: logger}
	verdict, err := runner.Run(runCtx, checker, task.Tick)
	cancel()

	if ctx.Err() != nil {
		logger.Info("shutting down, result not committed")
		return nil
	}
	if err != nil {
		logger.Error("checker failed, committing down", "error", err)
	}

	if err := db.CommitResult(cm.Mode, task.ServiceID, task.TeamNetNo, task.Tick, int(verdict), conf.MiscSettings.FallbackTeam()); err != nil {
		if IsFatal(err) {
			return fmt.Errorf("committing result of team %d: %w", task.TeamNetNo, err)
		}
		logger.Error("failed to commit result", "error", err)
		return nil
	}

	logger.Info("check finished", "verdict", verdict.String())
	return nil
}

// validateTask goes through every database access of a check without running
// the checker. Nothing is persisted in validate-only mode.
func (cm *CheckerMaster) validateTask(ctx context.Context, task Task, state *checkerState, conf *config.ConfigSettings) error {
	if _, _, err := state.LoadState(ctx, "validate"); err != nil {
		return fmt.Errorf("loading state: %w", err)
	}
	if err := state.StoreState(ctx, "validate", []byte("{}")); err != nil {
		return fmt.Errorf("storing state: %w", err)
	}
	if err := db.CommitResult(cm.Mode, task.ServiceID, task.TeamNetNo, task.Tick, int(checks.VerdictOK), conf.MiscSettings.FallbackTeam()); err != nil {
		return fmt.Errorf("committing result: %w", err)
	}
	cm.logger.Info("validated task", "team", task.TeamNetNo, "tick", task.Tick)
	return nil
}

// Status reports the progress of the current tick.
func (cm *CheckerMaster) Status() (Status, error) {
	conf := cm.Config()
	status := Status{Parallel: conf.MiscSettings.Parallelism, InProgress: cm.inflight.Load()}

	control, err := db.GetControlInfo(cm.Mode)
	if err != nil {
		return status, err
	}
	status.Control = control

	teams, err := db.GetTeams(cm.Mode)
	if err != nil {
		return status, err
	}
	status.Teams = len(teams)

	if status.Tasks, err = db.GetTaskCount(cm.Mode, cm.Service.ID); err != nil {
		return status, err
	}
	if status.Stale, err = db.GetStaleTaskCount(cm.Mode, cm.Service.ID); err != nil {
		return status, err
	}
	if status.Estimate, err = db.GetCheckDuration(cm.Mode, cm.Service.ID, conf.MiscSettings.SigmaMultiplier); err != nil {
		return status, err
	}
	return status, nil
}
