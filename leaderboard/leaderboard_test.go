package leaderboard

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"clusterboard/schema"
)

func writeUserAggregate(t *testing.T, root, cluster, username string, counts schema.Counts, totals schema.Totals) {
	t.Helper()
	path := filepath.Join(root, "clusters", cluster, "agg", "users", username+".json")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	agg := schema.UserAggregate{
		SchemaVersion: schema.SchemaVersion,
		Username:      username,
		Clusters: map[string]*schema.ClusterTotals{
			cluster: {AsOf: time.Now().UTC(), Counts: counts, Totals: totals},
		},
	}
	data, err := json.Marshal(agg)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

func writeMonthlyRollup(t *testing.T, root, cluster, month string, users ...schema.UserMonthly) {
	t.Helper()
	path := filepath.Join(root, "clusters", cluster, "agg", "rollups", "monthly", month+".json")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	mr := schema.MonthlyRollup{SchemaVersion: schema.SchemaVersion, Month: month, Users: users}
	data, err := json.Marshal(mr)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

func readBoard(t *testing.T, root, window, metric string) schema.Leaderboard {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(root, "leaderboards", window+"_"+metric+".json"))
	require.NoError(t, err)
	var lb schema.Leaderboard
	require.NoError(t, json.Unmarshal(data, &lb))
	return lb
}

// TestBuildAllTimeRankingS3 mirrors spec.md's scenario S3: three users with
// clock_hours {12345.6, 12001.2, 12001.2} for cara, bob and abel, ranked
// 1=cara, 2=abel, 3=bob, the tie broken by ascending username.
func TestBuildAllTimeRankingS3(t *testing.T) {
	root := t.TempDir()
	writeUserAggregate(t, root, "c1", "cara", schema.Counts{Jobs: 10}, schema.Totals{ClockHours: 12345.6})
	writeUserAggregate(t, root, "c1", "bob", schema.Counts{Jobs: 10}, schema.Totals{ClockHours: 12001.2})
	writeUserAggregate(t, root, "c1", "abel", schema.Counts{Jobs: 10}, schema.Totals{ClockHours: 12001.2})

	b := NewBuilder(root, []string{"c1"})
	require.NoError(t, b.Build(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)))

	lb := readBoard(t, root, schema.WindowAllTime, schema.MetricClockHours)
	require.Len(t, lb.Rows, 3)
	require.Equal(t, "cara", lb.Rows[0].User)
	require.Equal(t, 1, lb.Rows[0].Rank)
	require.Equal(t, "abel", lb.Rows[1].User)
	require.Equal(t, 2, lb.Rows[1].Rank)
	require.Equal(t, "bob", lb.Rows[2].User)
	require.Equal(t, 3, lb.Rows[2].Rank)
}

func TestBuildAllTimeSumsAcrossClusters(t *testing.T) {
	root := t.TempDir()
	writeUserAggregate(t, root, "c1", "alice", schema.Counts{Jobs: 5}, schema.Totals{ClockHours: 10})
	writeUserAggregate(t, root, "c2", "alice", schema.Counts{Jobs: 5}, schema.Totals{ClockHours: 20})

	b := NewBuilder(root, []string{"c1", "c2"})
	require.NoError(t, b.Build(time.Now()))

	lb := readBoard(t, root, schema.WindowAllTime, schema.MetricClockHours)
	require.Len(t, lb.Rows, 1)
	require.Equal(t, 30.0, lb.Rows[0].Value)
}

func TestBuildMinJobsThresholdOmitsUser(t *testing.T) {
	root := t.TempDir()
	writeUserAggregate(t, root, "c1", "alice", schema.Counts{Jobs: 2}, schema.Totals{ClockHours: 100})
	writeUserAggregate(t, root, "c1", "bob", schema.Counts{Jobs: 3}, schema.Totals{ClockHours: 50})

	b := NewBuilder(root, []string{"c1"})
	require.NoError(t, b.Build(time.Now()))

	lb := readBoard(t, root, schema.WindowAllTime, schema.MetricClockHours)
	require.Len(t, lb.Rows, 1)
	require.Equal(t, "bob", lb.Rows[0].User)
}

func TestBuildOptOutOmitsUserFromLeaderboardNotFromAggregate(t *testing.T) {
	root := t.TempDir()
	writeUserAggregate(t, root, "c1", "alice", schema.Counts{Jobs: 10}, schema.Totals{ClockHours: 100})
	optoutPath := filepath.Join(root, "config", "optout.txt")
	require.NoError(t, os.MkdirAll(filepath.Dir(optoutPath), 0o755))
	require.NoError(t, os.WriteFile(optoutPath, []byte("# comment\nalice\n"), 0o644))

	b := NewBuilder(root, []string{"c1"})
	require.NoError(t, b.Build(time.Now()))

	lb := readBoard(t, root, schema.WindowAllTime, schema.MetricClockHours)
	require.Empty(t, lb.Rows)

	_, err := os.Stat(filepath.Join(root, "clusters", "c1", "agg", "users", "alice.json"))
	require.NoError(t, err, "opt-out must not remove the underlying aggregate file")
}

func TestBuildRollingWindowIncludesTwoMostRecentMonthsEvenIfOld(t *testing.T) {
	root := t.TempDir()
	// now is far in the future of every recorded month, so a naive date
	// filter would exclude all of them; the two most recent must still
	// appear.
	writeMonthlyRollup(t, root, "c1", "2020-01", schema.UserMonthly{Username: "alice", Counts: schema.Counts{Jobs: 5}, Totals: schema.Totals{ClockHours: 1}})
	writeMonthlyRollup(t, root, "c1", "2020-02", schema.UserMonthly{Username: "alice", Counts: schema.Counts{Jobs: 5}, Totals: schema.Totals{ClockHours: 2}})
	writeMonthlyRollup(t, root, "c1", "2019-12", schema.UserMonthly{Username: "alice", Counts: schema.Counts{Jobs: 5}, Totals: schema.Totals{ClockHours: 100}})

	b := NewBuilder(root, []string{"c1"})
	require.NoError(t, b.Build(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)))

	lb := readBoard(t, root, schema.WindowRolling30d, schema.MetricClockHours)
	require.Len(t, lb.Rows, 1)
	require.Equal(t, 3.0, lb.Rows[0].Value, "only the two most recent months (2020-01, 2020-02) are included, not 2019-12")
}

func TestBuildFailedJobsMetricReadsCounts(t *testing.T) {
	root := t.TempDir()
	writeUserAggregate(t, root, "c1", "alice", schema.Counts{Jobs: 10, FailedJobs: 4}, schema.Totals{})
	writeUserAggregate(t, root, "c1", "bob", schema.Counts{Jobs: 10, FailedJobs: 1}, schema.Totals{})

	b := NewBuilder(root, []string{"c1"})
	require.NoError(t, b.Build(time.Now()))

	lb := readBoard(t, root, schema.WindowAllTime, schema.MetricFailedJobs)
	require.Len(t, lb.Rows, 2)
	require.Equal(t, "alice", lb.Rows[0].User)
	require.Equal(t, 4.0, lb.Rows[0].Value)
}

func TestBuildEmitsAllFifteenFiles(t *testing.T) {
	root := t.TempDir()
	writeUserAggregate(t, root, "c1", "alice", schema.Counts{Jobs: 10}, schema.Totals{ClockHours: 1})

	b := NewBuilder(root, []string{"c1"})
	require.NoError(t, b.Build(time.Now()))

	for _, window := range schema.Windows {
		for _, metric := range schema.Metrics {
			_, err := os.Stat(filepath.Join(root, "leaderboards", window+"_"+metric+".json"))
			require.NoError(t, err)
		}
	}
}

func TestBuildNoClustersProducesEmptyBoards(t *testing.T) {
	root := t.TempDir()
	b := NewBuilder(root, nil)
	require.NoError(t, b.Build(time.Now()))

	lb := readBoard(t, root, schema.WindowAllTime, schema.MetricClockHours)
	require.Empty(t, lb.Rows)
}
