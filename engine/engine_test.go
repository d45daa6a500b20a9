package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dbaseqp/checkmaster/engine/checks"
	"github.com/dbaseqp/checkmaster/engine/config"
	"github.com/dbaseqp/checkmaster/engine/db"
	"github.com/dbaseqp/checkmaster/engine/flag"
	"github.com/dbaseqp/checkmaster/tests/testutil"
)

// fakeChecker places nothing and reports a fixed verdict
type fakeChecker struct {
	checks.Base
	verdict checks.Verdict
	err     error
	hang    bool
}

func (c *fakeChecker) PlaceFlag(ctx context.Context) (checks.Verdict, error) {
	if c.hang {
		<-ctx.Done()
		return checks.VerdictOK, ctx.Err()
	}
	if err := c.StoreJSON(ctx, "placed", map[string]string{"flag": c.GetFlag(c.Tick, nil)}); err != nil {
		return checks.VerdictOK, err
	}
	return c.verdict, c.err
}

func (c *fakeChecker) CheckFlag(ctx context.Context, tick int) (checks.Verdict, error) {
	return checks.VerdictOK, nil
}

// checkerFactory records the bases it was asked for and returns fakeCheckers
type checkerFactory struct {
	mu       sync.Mutex
	bases    []checks.Base
	verdicts map[int]checks.Verdict
	err      error
	hang     bool
}

func (f *checkerFactory) build(settings checks.Settings, base checks.Base) (checks.Checker, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bases = append(f.bases, base)
	return &fakeChecker{Base: base, verdict: f.verdicts[base.TeamNetNo], err: f.err, hang: f.hang}, nil
}

func (f *checkerFactory) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.bases)
}

type fixture struct {
	service db.ServiceSchema
	teams   []db.TeamSchema
}

// setupGame creates a running game in tick currentTick with one open flag per team
func setupGame(t *testing.T, currentTick int, teamCount int) fixture {
	t.Helper()
	require.NoError(t, db.Connect(testutil.SQLiteURL(t)))
	t.Cleanup(func() { db.Close() })

	require.NoError(t, db.SetGameControl(db.TxNormal, db.GameControlSchema{
		Start:        time.Now().Add(-time.Duration(max(currentTick, 0)) * time.Minute).UTC(),
		TickDuration: 60,
		ValidTicks:   5,
		CurrentTick:  currentTick,
	}))

	service, err := db.CreateService(db.ServiceSchema{Name: "Notes", Slug: "notes"})
	require.NoError(t, err)

	f := fixture{service: service}
	for i := 1; i <= teamCount; i++ {
		team, err := db.CreateTeam(db.TeamSchema{UserID: uint(100 + i), NetNumber: i, Name: fmt.Sprintf("team-%d", i)})
		require.NoError(t, err)
		f.teams = append(f.teams, team)

		if currentTick >= 0 {
			_, err = db.CreateFlag(db.FlagSchema{ServiceID: service.ID, ProtectingTeamID: team.UserID, Tick: currentTick})
			require.NoError(t, err)
		}
	}
	return f
}

func testConfig(parallelism int, timeout int) *config.ConfigSettings {
	lookback := 2
	return &config.ConfigSettings{
		RequiredSettings: config.RequiredConfig{
			DBConnectURL: "test", // Already connected via db.Connect
			ServiceSlug:  "notes",
		},
		CheckerSettings: checks.Settings{ServiceType: "Tcp", Target: "10.66._.2", Port: 1337},
		MiscSettings: config.MiscConfig{
			Parallelism:      parallelism,
			LaunchInterval:   1,
			EstimateInterval: 60,
			SigmaMultiplier:  2,
			DefaultTimeout:   timeout,
			Lookback:         &lookback,
			FlagSecret:       "s3cret",
			FlagPrefix:       "FLAG_",
		},
	}
}

func newTestMaster(t *testing.T, conf *config.ConfigSettings, mode db.TxMode, factory *checkerFactory) *CheckerMaster {
	t.Helper()
	cm, err := NewCheckerMaster(conf, mode)
	require.NoError(t, err)
	cm.newChecker = factory.build
	return cm
}

func TestRunOnceCommitsVerdicts(t *testing.T) {
	f := setupGame(t, 3, 3)
	factory := &checkerFactory{verdicts: map[int]checks.Verdict{2: checks.VerdictFaulty}}
	cm := newTestMaster(t, testConfig(16, 5), db.TxNormal, factory)

	require.NoError(t, cm.RunOnce(context.Background()))
	assert.Equal(t, 3, factory.calls())
	assert.Zero(t, cm.inflight.Load())

	ledger, err := db.GetStatusChecks(db.TxNormal, f.service.ID, 3)
	require.NoError(t, err)
	require.Len(t, ledger, 3)
	statuses := map[uint]int{}
	for _, row := range ledger {
		statuses[row.TeamID] = row.Status
	}
	assert.Equal(t, map[uint]int{101: 0, 102: 2, 103: 0}, statuses)

	for _, team := range f.teams {
		flagRow, err := db.GetFlag(db.TxNormal, f.service.ID, team.UserID, 3)
		require.NoError(t, err)
		assert.NotNil(t, flagRow.PlacementStart)
		assert.NotNil(t, flagRow.PlacementEnd)

		_, ok, err := db.LoadState(db.TxNormal, f.service.ID, team.NetNumber, "placed")
		require.NoError(t, err)
		assert.True(t, ok, "checker state is kept per team")
	}

	// nothing left to claim
	require.NoError(t, cm.RunOnce(context.Background()))
	assert.Equal(t, 3, factory.calls())
}

func TestRunOnceBuildsTasks(t *testing.T) {
	f := setupGame(t, 4, 2)
	factory := &checkerFactory{}
	cm := newTestMaster(t, testConfig(16, 5), db.TxNormal, factory)

	require.NoError(t, cm.RunOnce(context.Background()))
	require.Len(t, factory.bases, 2)

	for _, base := range factory.bases {
		assert.Equal(t, 4, base.Tick)
		assert.Equal(t, fmt.Sprintf("10.66.%d.2", base.TeamNetNo), base.Target)
		assert.Same(t, factory.bases[0].Flags, base.Flags, "one generator per cycle")

		generator, ok := base.Flags.(*flag.Generator)
		require.True(t, ok)
		info, err := generator.Verify(base.Flags.Flag(4, base.TeamNetNo, nil), time.Now())
		require.NoError(t, err, "flags of the current tick are valid")
		assert.Equal(t, f.service.ID, info.ServiceID)
		assert.Equal(t, base.TeamNetNo, info.TeamNetNo)
	}
}

func TestRunOnceBeforeStart(t *testing.T) {
	setupGame(t, -1, 3)
	factory := &checkerFactory{}
	cm := newTestMaster(t, testConfig(16, 5), db.TxNormal, factory)

	require.NoError(t, cm.RunOnce(context.Background()))
	assert.Zero(t, factory.calls())
}

func TestRunOnceRespectsParallelism(t *testing.T) {
	f := setupGame(t, 1, 5)
	factory := &checkerFactory{}
	cm := newTestMaster(t, testConfig(2, 5), db.TxNormal, factory)

	for _, want := range []int{2, 4, 5, 5} {
		require.NoError(t, cm.RunOnce(context.Background()))
		assert.Equal(t, want, factory.calls())
	}

	ledger, err := db.GetStatusChecks(db.TxNormal, f.service.ID, 1)
	require.NoError(t, err)
	assert.Len(t, ledger, 5)
}

func TestRunOnceCheckerErrorCommitsDown(t *testing.T) {
	f := setupGame(t, 2, 2)
	factory := &checkerFactory{err: errors.New("unexpected banner")}
	cm := newTestMaster(t, testConfig(16, 5), db.TxNormal, factory)

	require.NoError(t, cm.RunOnce(context.Background()))

	ledger, err := db.GetStatusChecks(db.TxNormal, f.service.ID, 2)
	require.NoError(t, err)
	require.Len(t, ledger, 2)
	for _, row := range ledger {
		assert.Equal(t, int(checks.VerdictDown), row.Status)
	}

	for _, team := range f.teams {
		flagRow, err := db.GetFlag(db.TxNormal, f.service.ID, team.UserID, 2)
		require.NoError(t, err)
		assert.NotNil(t, flagRow.PlacementEnd, "the claim is closed")
	}

	stale, err := db.GetStaleTaskCount(db.TxNormal, f.service.ID)
	require.NoError(t, err)
	assert.Zero(t, stale)
}

func TestRunOnceTimeoutCommitsDown(t *testing.T) {
	f := setupGame(t, 2, 1)
	factory := &checkerFactory{hang: true}
	cm := newTestMaster(t, testConfig(16, 1), db.TxNormal, factory)

	start := time.Now()
	require.NoError(t, cm.RunOnce(context.Background()))
	assert.Less(t, time.Since(start), 10*time.Second)

	ledger, err := db.GetStatusChecks(db.TxNormal, f.service.ID, 2)
	require.NoError(t, err)
	require.Len(t, ledger, 1)
	assert.Equal(t, int(checks.VerdictDown), ledger[0].Status)
}

func TestRunOnceCancelledCommitsNothing(t *testing.T) {
	f := setupGame(t, 2, 2)
	factory := &checkerFactory{hang: true}
	cm := newTestMaster(t, testConfig(16, 30), db.TxNormal, factory)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(200*time.Millisecond, cancel)
	require.NoError(t, cm.RunOnce(ctx))

	ledger, err := db.GetStatusChecks(db.TxNormal, f.service.ID, 2)
	require.NoError(t, err)
	assert.Empty(t, ledger)
}

func TestRunOnceValidateOnly(t *testing.T) {
	f := setupGame(t, 2, 3)
	factory := &checkerFactory{}
	cm := newTestMaster(t, testConfig(16, 5), db.TxValidateOnly, factory)

	require.NoError(t, cm.RunOnce(context.Background()))
	assert.Zero(t, factory.calls(), "checkers do not run when validating")

	ledger, err := db.GetStatusChecks(db.TxNormal, f.service.ID, 2)
	require.NoError(t, err)
	assert.Empty(t, ledger)

	count, err := db.GetTaskCount(db.TxNormal, f.service.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)

	for _, team := range f.teams {
		flagRow, err := db.GetFlag(db.TxNormal, f.service.ID, team.UserID, 2)
		require.NoError(t, err)
		assert.Nil(t, flagRow.PlacementStart, "claims are rolled back")
	}
}

func TestCheckTimeout(t *testing.T) {
	f := setupGame(t, 5, 1)
	conf := testConfig(16, 30)
	cm := newTestMaster(t, conf, db.TxNormal, &checkerFactory{})
	control := db.ControlInfo{TickDuration: time.Minute, CurrentTick: 5}

	timeout, err := cm.checkTimeout(control, conf)
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, timeout, "default without history")

	conf.MiscSettings.DefaultTimeout = 300
	cm.estimatedAt = time.Time{}
	timeout, err = cm.checkTimeout(control, conf)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, timeout, "capped at the tick duration")

	for i, seconds := range []int{10, 12, 14} {
		start := time.Now().Add(-time.Hour).UTC()
		end := start.Add(time.Duration(seconds) * time.Second)
		_, err := db.CreateFlag(db.FlagSchema{
			ServiceID:        f.service.ID,
			ProtectingTeamID: f.teams[0].UserID,
			Tick:             i + 1,
			PlacementStart:   &start,
			PlacementEnd:     &end,
		})
		require.NoError(t, err)
	}

	// the cached estimate is kept until it is due
	timeout, err = cm.checkTimeout(control, conf)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, timeout)

	cm.estimatedAt = time.Time{}
	timeout, err = cm.checkTimeout(control, conf)
	require.NoError(t, err)
	assert.InDelta(t, 15.266, timeout.Seconds(), 0.01)
}

func TestStartRunsUntilCancelled(t *testing.T) {
	f := setupGame(t, 1, 3)
	factory := &checkerFactory{}
	cm := newTestMaster(t, testConfig(16, 5), db.TxNormal, factory)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- cm.Start(ctx) }()

	require.Eventually(t, func() bool {
		ledger, err := db.GetStatusChecks(db.TxNormal, f.service.ID, 1)
		return err == nil && len(ledger) == 3
	}, 10*time.Second, 50*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("master did not stop")
	}
}

func TestStartStopsWhenNotConfigured(t *testing.T) {
	require.NoError(t, db.Connect(testutil.SQLiteURL(t)))
	t.Cleanup(func() { db.Close() })
	_, err := db.CreateService(db.ServiceSchema{Name: "Notes", Slug: "notes"})
	require.NoError(t, err)

	cm := newTestMaster(t, testConfig(16, 5), db.TxNormal, &checkerFactory{})

	err = cm.Start(context.Background())
	assert.ErrorIs(t, err, db.ErrNotConfigured)
	assert.True(t, IsFatal(err))
}

func TestNewCheckerMasterUnknownService(t *testing.T) {
	setupGame(t, 1, 1)
	conf := testConfig(16, 5)
	conf.RequiredSettings.ServiceSlug = "pastebin"

	_, err := NewCheckerMaster(conf, db.TxNormal)
	assert.ErrorIs(t, err, db.ErrServiceNotConfigured)
}

func TestSetConfigKeepsService(t *testing.T) {
	setupGame(t, 1, 1)
	cm := newTestMaster(t, testConfig(16, 5), db.TxNormal, &checkerFactory{})

	other := testConfig(4, 5)
	other.RequiredSettings.ServiceSlug = "pastebin"
	cm.SetConfig(other)
	assert.Equal(t, 16, cm.Config().MiscSettings.Parallelism)

	cm.SetConfig(testConfig(4, 5))
	assert.Equal(t, 4, cm.Config().MiscSettings.Parallelism)
}

func TestStatus(t *testing.T) {
	f := setupGame(t, 3, 4)
	cm := newTestMaster(t, testConfig(2, 5), db.TxNormal, &checkerFactory{})

	_, err := db.ClaimTasks(db.TxNormal, f.service.ID, 1)
	require.NoError(t, err)

	status, err := cm.Status()
	require.NoError(t, err)
	assert.Equal(t, 3, status.Control.CurrentTick)
	assert.Equal(t, 4, status.Teams)
	assert.Equal(t, int64(4), status.Tasks)
	assert.Zero(t, status.Stale)
	assert.Equal(t, db.NoCheckDuration, status.Estimate)
	assert.Equal(t, 2, status.Parallel)
}

func TestIsFatal(t *testing.T) {
	assert.True(t, IsFatal(fmt.Errorf("commit: %w", db.ErrUnknownTeam)))
	assert.True(t, IsFatal(db.ErrNotConfigured))
	assert.True(t, IsFatal(db.ErrServiceNotConfigured))
	assert.True(t, IsFatal(fmt.Errorf("team 70000: %w", flag.ErrIDOutOfRange)))
	assert.False(t, IsFatal(errors.New("connection reset")))
	assert.False(t, IsFatal(nil))
}

func TestRunOnceRejectsTeamOutsideFlagRange(t *testing.T) {
	f := setupGame(t, 1, 1)
	team, err := db.CreateTeam(db.TeamSchema{UserID: 900, NetNumber: flag.MaxID + 2, Name: "team-big"})
	require.NoError(t, err)
	_, err = db.CreateFlag(db.FlagSchema{ServiceID: f.service.ID, ProtectingTeamID: team.UserID, Tick: 1})
	require.NoError(t, err)

	factory := &checkerFactory{}
	cm := newTestMaster(t, testConfig(16, 5), db.TxNormal, factory)

	err = cm.RunOnce(context.Background())
	require.ErrorIs(t, err, flag.ErrIDOutOfRange)
	assert.True(t, IsFatal(err))
	assert.Zero(t, factory.calls(), "no flag is placed for an ambiguous team")
	assert.Zero(t, cm.inflight.Load())
}
