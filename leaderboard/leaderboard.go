// Package leaderboard merges per-cluster monthly rollups and all-time
// user-aggregate files into the fifteen (window, metric) ranked tables a
// viewer reads, applying the opt-out list and minimum-jobs-for-leaderboard
// threshold named in spec.md §6. Neither filter ever touches the rollup
// store: aggregates keep full history regardless of policy, only the
// leaderboard view is filtered (spec.md §4.H).
package leaderboard

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"clusterboard/jsonfile"
	"clusterboard/schema"
)

// DefaultMinJobs is the minimum job count within a window below which a
// user is omitted from that window's leaderboards, per spec.md §6.
const DefaultMinJobs = 3

// Builder rebuilds the root-level leaderboard files from the agg trees of
// every configured cluster.
type Builder struct {
	Root     string
	Clusters []string
	MinJobs  int
}

// NewBuilder returns a Builder with the default minimum-jobs threshold.
func NewBuilder(root string, clusters []string) *Builder {
	return &Builder{Root: root, Clusters: clusters, MinJobs: DefaultMinJobs}
}

func (b *Builder) leaderboardsDir() string {
	return filepath.Join(b.Root, "leaderboards")
}

func (b *Builder) optoutPath() string {
	return filepath.Join(b.Root, "config", "optout.txt")
}

// userTotals pairs a user's accumulated jobs count (for threshold purposes)
// with the value of one metric.
type userTotals struct {
	jobs  int64
	value float64
}

// Build recomputes all fifteen leaderboard files as of now and writes each
// one atomically. A user absent from a window's data, opted out, or below
// the minimum-jobs threshold for that window is simply absent from that
// window's rows; it is never an error.
func (b *Builder) Build(now time.Time) error {
	optout, err := readOptout(b.optoutPath())
	if err != nil {
		return err
	}

	alltime, err := b.collectAllTime()
	if err != nil {
		return err
	}
	rolling30d, err := b.collectRolling(now, 30*24*time.Hour)
	if err != nil {
		return err
	}
	rolling365d, err := b.collectRolling(now, 365*24*time.Hour)
	if err != nil {
		return err
	}

	byWindow := map[string]map[string]map[string]userTotals{
		schema.WindowAllTime:     alltime,
		schema.WindowRolling30d:  rolling30d,
		schema.WindowRolling365d: rolling365d,
	}

	if err := os.MkdirAll(b.leaderboardsDir(), 0o755); err != nil {
		return err
	}

	for _, window := range schema.Windows {
		perMetric := byWindow[window]
		for _, metric := range schema.Metrics {
			rows := rankRows(perMetric[metric], optout, b.minJobs())
			board := schema.Leaderboard{
				SchemaVersion: schema.SchemaVersion,
				AsOf:          now,
				Window:        window,
				Metric:        metric,
				Rows:          rows,
			}
			path := filepath.Join(b.leaderboardsDir(), window+"_"+metric+".json")
			if err := jsonfile.WriteAtomic(path, board); err != nil {
				return err
			}
		}
	}
	return nil
}

func (b *Builder) minJobs() int {
	if b.MinJobs > 0 {
		return b.MinJobs
	}
	return DefaultMinJobs
}

// collectAllTime sums each user's all-time totals across every cluster's
// user-aggregate files; this is the user-aggregate side of the
// reconstruction invariant, not a re-derivation from monthly rollups.
func (b *Builder) collectAllTime() (map[string]map[string]userTotals, error) {
	perMetric := newPerMetric()
	for _, cluster := range b.Clusters {
		dir := filepath.Join(b.Root, "clusters", cluster, "agg", "users")
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
				continue
			}
			var agg schema.UserAggregate
			if err := jsonfile.Read(filepath.Join(dir, e.Name()), &agg); err != nil {
				continue
			}
			ct := agg.Clusters[cluster]
			if ct == nil {
				continue
			}
			addUser(perMetric, agg.Username, ct.Counts, ct.Totals)
		}
	}
	return perMetric, nil
}

// collectRolling sums each user's totals over every monthly rollup whose
// month overlaps [now-window, now], per cluster, with the guarantee that at
// least the two most recent months containing data for a cluster are always
// included even if the date test would otherwise exclude them (spec.md
// §4.H).
func (b *Builder) collectRolling(now time.Time, window time.Duration) (map[string]map[string]userTotals, error) {
	perMetric := newPerMetric()
	windowStart := now.Add(-window)

	for _, cluster := range b.Clusters {
		dir := filepath.Join(b.Root, "clusters", cluster, "agg", "rollups", "monthly")
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		var monthsDesc []string
		for _, e := range entries {
			name := e.Name()
			if e.IsDir() || !strings.HasSuffix(name, ".json") {
				continue
			}
			monthsDesc = append(monthsDesc, strings.TrimSuffix(name, ".json"))
		}
		sort.Sort(sort.Reverse(sort.StringSlice(monthsDesc)))

		for _, month := range selectWindowMonths(monthsDesc, windowStart) {
			var mr schema.MonthlyRollup
			path := filepath.Join(dir, month+".json")
			if err := jsonfile.Read(path, &mr); err != nil {
				continue
			}
			for _, um := range mr.Users {
				addUser(perMetric, um.Username, um.Counts, um.Totals)
			}
		}
	}
	return perMetric, nil
}

// selectWindowMonths filters monthsDesc (sorted most-recent-first) to those
// whose range overlaps [windowStart, +inf), then widens the result to the
// two most recent months with data if the date filter alone produced fewer,
// so a table is never empty immediately after a month boundary.
func selectWindowMonths(monthsDesc []string, windowStart time.Time) []string {
	var selected []string
	for _, m := range monthsDesc {
		start, err := time.Parse("2006-01", m)
		if err != nil {
			continue
		}
		monthEnd := time.Date(start.Year(), start.Month()+1, 1, 0, 0, 0, 0, time.UTC)
		if monthEnd.After(windowStart) {
			selected = append(selected, m)
		}
	}
	n := 2
	if n > len(monthsDesc) {
		n = len(monthsDesc)
	}
	if len(selected) < n {
		selected = monthsDesc[:n]
	}
	return selected
}

func newPerMetric() map[string]map[string]userTotals {
	m := make(map[string]map[string]userTotals, len(schema.Metrics))
	for _, metric := range schema.Metrics {
		m[metric] = make(map[string]userTotals)
	}
	return m
}

func addUser(perMetric map[string]map[string]userTotals, username string, counts schema.Counts, totals schema.Totals) {
	for _, metric := range schema.Metrics {
		ut := perMetric[metric][username]
		ut.jobs += counts.Jobs
		ut.value += metricValue(counts, totals, metric)
		perMetric[metric][username] = ut
	}
}

// metricValue reads failed_jobs from Counts and every other metric from
// Totals, since FailedJobs is a count, not an additive hour/byte sum.
func metricValue(counts schema.Counts, totals schema.Totals, metric string) float64 {
	if metric == schema.MetricFailedJobs {
		return float64(counts.FailedJobs)
	}
	return totals.Metric(metric)
}

// rankRows drops opted-out and below-threshold users, sorts the remainder
// descending by value with an ascending-username tie-break, and assigns
// contiguous 1-based ranks.
func rankRows(users map[string]userTotals, optout map[string]bool, minJobs int) []schema.LeaderboardRow {
	rows := make([]schema.LeaderboardRow, 0, len(users))
	for user, ut := range users {
		if optout[user] || ut.jobs < int64(minJobs) {
			continue
		}
		rows = append(rows, schema.LeaderboardRow{User: user, Value: ut.value})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Value != rows[j].Value {
			return rows[i].Value > rows[j].Value
		}
		return rows[i].User < rows[j].User
	})
	for i := range rows {
		rows[i].Rank = i + 1
	}
	return rows
}

// readOptout returns the set of usernames listed one per line in path. A
// missing file means no opt-outs. Blank lines and lines starting with '#'
// are ignored.
func readOptout(path string) (map[string]bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	out := make(map[string]bool)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out[line] = true
	}
	return out, nil
}
