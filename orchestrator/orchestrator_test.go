package orchestrator

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"clusterboard/lockfile"
	"clusterboard/schema"
)

// fakeAdapterScript emits three fixed jobs for "alice" on a full-field fetch
// (enough to meet the leaderboard's default minimum of 3 jobs), and just
// "alice" on a distinct-user (-o User) projection, so discovery's
// accounting-side sweep reports a user already present after the first
// fetch and never drives a spurious targeted backfill in these tests.
func fakeAdapterScript(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fake-sacct")
	script := `#!/bin/sh
o=""
prev=""
for a in "$@"; do
  if [ "$prev" = "-o" ]; then o="$a"; fi
  prev="$a"
done
if [ "$o" = "User" ]; then
  echo "alice"
else
  echo "1|alice|COMPLETED|3600|4|1|4000Mc|2G|1G|billing=4|2024-01-01T00:00:00Z|2024-01-01T00:00:00Z|2024-01-01T01:00:00Z"
  echo "2|alice|COMPLETED|3600|4|1|4000Mc|2G|1G|billing=4|2024-01-01T00:00:00Z|2024-01-01T00:00:00Z|2024-01-01T01:00:00Z"
  echo "3|alice|COMPLETED|3600|4|1|4000Mc|2G|1G|billing=4|2024-01-01T00:00:00Z|2024-01-01T00:00:00Z|2024-01-01T01:00:00Z"
fi
`
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func baseConfig(t *testing.T, root, bin string) Config {
	return Config{
		Cluster:          "testcluster",
		Root:             root,
		BackfillStart:    "2024-01-01",
		AccountingBin:    bin,
		RateLimit:        6000,
		AdapterTimeout:   5 * time.Second,
		DiscoveryBudget:  time.Second,
		MaxFetchAttempts: 2,
	}
}

func TestRunTickAppliesFetchAndBuildsLeaderboards(t *testing.T) {
	root := t.TempDir()
	bin := fakeAdapterScript(t)
	now := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)

	tickErr := RunTick(context.Background(), baseConfig(t, root, bin), now)
	require.Nil(t, tickErr)

	var mr schema.MonthlyRollup
	data, err := os.ReadFile(filepath.Join(root, "clusters", "testcluster", "agg", "rollups", "monthly", "2024-01.json"))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &mr))
	require.Len(t, mr.Users, 1)
	require.Equal(t, "alice", mr.Users[0].Username)

	var cur schema.Cursor
	data, err = os.ReadFile(filepath.Join(root, "clusters", "testcluster", "state", "poll_cursor.json"))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &cur))
	require.Equal(t, "2024-01", cur.LastCompleteMonth)
	require.True(t, cur.ColdstartDone)

	var lb schema.Leaderboard
	data, err = os.ReadFile(filepath.Join(root, "leaderboards", "alltime_clock_hours.json"))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &lb))
	require.Len(t, lb.Rows, 1)
	require.Equal(t, "alice", lb.Rows[0].User)

	_, err = os.Stat(filepath.Join(root, "leaderboards", ".metrics", "testcluster.prom"))
	require.NoError(t, err)
}

func TestRunTickLockHeldReturnsLockHeldKind(t *testing.T) {
	root := t.TempDir()
	bin := fakeAdapterScript(t)
	lockPath := filepath.Join(root, "clusters", "testcluster", "state", "lock")
	require.NoError(t, os.MkdirAll(filepath.Dir(lockPath), 0o755))

	held, err := lockfile.TryAcquire(lockPath)
	require.NoError(t, err)
	defer held.Release()

	tickErr := RunTick(context.Background(), baseConfig(t, root, bin), time.Now())
	require.NotNil(t, tickErr)
	require.Equal(t, KindLockHeld, tickErr.Kind)
	require.Equal(t, 3, tickErr.ExitCode())
}

func TestRunTickSecondTickAdvancesToNextMonth(t *testing.T) {
	root := t.TempDir()
	bin := fakeAdapterScript(t)

	tickErr := RunTick(context.Background(), baseConfig(t, root, bin), time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC))
	require.Nil(t, tickErr)

	tickErr = RunTick(context.Background(), baseConfig(t, root, bin), time.Date(2024, 2, 15, 0, 0, 0, 0, time.UTC))
	require.Nil(t, tickErr)

	_, err := os.Stat(filepath.Join(root, "clusters", "testcluster", "agg", "rollups", "monthly", "2024-02.json"))
	require.NoError(t, err, "second tick's caught-up step applies the new current month")
}

func TestRunTickFetchFailureIsTransientAndDoesNotAdvanceCursor(t *testing.T) {
	root := t.TempDir()
	dir := t.TempDir()
	bin := filepath.Join(dir, "fake-sacct")
	require.NoError(t, os.WriteFile(bin, []byte("#!/bin/sh\nexit 1\n"), 0o755))

	cfg := baseConfig(t, root, bin)
	tickErr := RunTick(context.Background(), cfg, time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC))
	require.NotNil(t, tickErr)
	require.Equal(t, KindTransient, tickErr.Kind)
	require.Equal(t, 1, tickErr.ExitCode())

	_, err := os.Stat(filepath.Join(root, "clusters", "testcluster", "state", "poll_cursor.json"))
	require.True(t, os.IsNotExist(err), "a failed fetch must not persist a cursor advance")
}
