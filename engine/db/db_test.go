package db

import (
	"fmt"
	"testing"
	"time"

	"github.com/dbaseqp/checkmaster/tests/testutil"

	"github.com/stretchr/testify/require"
)

// setupTestDB connects the package to a fresh SQLite database
func setupTestDB(t *testing.T) {
	t.Helper()
	require.NoError(t, Connect(testutil.SQLiteURL(t)))
	t.Cleanup(func() {
		Close()
	})
}

type gameFixture struct {
	service ServiceSchema
	teams   []TeamSchema
}

// seedGame creates the control row, one service and teamCount teams with one
// open flag each for currentTick. Team ids are offset from net numbers on purpose.
func seedGame(t *testing.T, currentTick int, teamCount int) gameFixture {
	t.Helper()

	require.NoError(t, SetGameControl(TxNormal, GameControlSchema{
		Start:        time.Now().Add(-time.Hour),
		TickDuration: 180,
		ValidTicks:   5,
		CurrentTick:  currentTick,
	}))

	service, err := CreateService(ServiceSchema{Name: "Flagstore", Slug: "flagstore"})
	require.NoError(t, err)

	fixture := gameFixture{service: service}
	for i := 1; i <= teamCount; i++ {
		team, err := CreateTeam(TeamSchema{UserID: uint(100 + i), NetNumber: i, Name: fmt.Sprintf("team%02d", i)})
		require.NoError(t, err)
		fixture.teams = append(fixture.teams, team)

		_, err = CreateFlag(FlagSchema{ServiceID: service.ID, ProtectingTeamID: team.UserID, Tick: currentTick})
		require.NoError(t, err)
	}
	return fixture
}

// completedFlag inserts a flag whose check took the given latency
func completedFlag(t *testing.T, serviceID uint, teamID uint, tick int, latency time.Duration) {
	t.Helper()
	start := time.Now().Add(-time.Hour).UTC()
	end := start.Add(latency)
	_, err := CreateFlag(FlagSchema{
		ServiceID:        serviceID,
		ProtectingTeamID: teamID,
		Tick:             tick,
		PlacementStart:   &start,
		PlacementEnd:     &end,
	})
	require.NoError(t, err)
}
