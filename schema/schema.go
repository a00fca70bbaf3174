// Package schema defines the record shapes that flow through the ingestion and
// aggregation pipeline: the transient NormalizedRecord produced by the normalizer,
// and the persisted MonthlyRollup, UserAggregate, Cursor and Leaderboard shapes
// written to the filesystem layout under a cluster's data root.
package schema

import "time"

// SchemaVersion is carried on every persisted document so a future format change
// has somewhere to hang a migration.
const SchemaVersion = 1

// Metric names additive totals can be reported under, shared by MonthlyRollup,
// ClusterTotals and Leaderboard.
const (
	MetricClockHours      = "clock_hours"
	MetricElapsedHours    = "elapsed_hours"
	MetricGPUClockHours   = "gpu_clock_hours"
	MetricGPUElapsedHours = "gpu_elapsed_hours"
	MetricFailedJobs      = "failed_jobs"
)

// Metrics lists every leaderboard metric, in a stable order used when the
// leaderboard builder emits one file per (window, metric) pair.
var Metrics = []string{
	MetricClockHours,
	MetricElapsedHours,
	MetricGPUClockHours,
	MetricGPUElapsedHours,
	MetricFailedJobs,
}

// Window names a leaderboard's time range.
const (
	WindowAllTime     = "alltime"
	WindowRolling30d  = "rolling-30d"
	WindowRolling365d = "rolling-365d"
)

// Windows lists every leaderboard window, in a stable order.
var Windows = []string{WindowAllTime, WindowRolling30d, WindowRolling365d}

// Job states that count as failures for FailedJobs purposes. CANCELLED is
// deliberately absent.
var FailedStates = map[string]bool{
	"FAILED":        true,
	"NODE_FAIL":     true,
	"OUT_OF_MEMORY": true,
	"PREEMPTED":     true,
	"TIMEOUT":       true,
}

// NormalizedRecord is the output of the normalizer for one accounting row. It is
// never persisted; it exists only to be folded into a MonthlyRollup by the
// rollup store.
type NormalizedRecord struct {
	JobID  string
	User   string
	End    time.Time

	ElapsedHours float64
	AllocCPUs    int
	NNodes       int
	ClockHours   float64

	GPUCount        int
	GPUElapsedHours float64
	GPUClockHours   float64

	ReqMemMB float64
	AvgMemMB float64
	MaxMemMB float64

	Failed bool
}

// Totals holds the additive counters tracked per (cluster, month, user) and,
// summed across months, per (cluster, user).
type Totals struct {
	ElapsedHours    float64 `json:"elapsed_hours"`
	ClockHours      float64 `json:"clock_hours"`
	GPUElapsedHours float64 `json:"gpu_elapsed_hours"`
	GPUClockHours   float64 `json:"gpu_clock_hours"`
	SumReqMemMB     float64 `json:"sum_req_mem_mb"`
	SumAvgMemMB     float64 `json:"sum_avg_mem_mb"`
	SumMaxMemMB     float64 `json:"sum_max_mem_mb"`
}

// Add mutates t in place, adding every field of o.
func (t *Totals) Add(o Totals) {
	t.ElapsedHours += o.ElapsedHours
	t.ClockHours += o.ClockHours
	t.GPUElapsedHours += o.GPUElapsedHours
	t.GPUClockHours += o.GPUClockHours
	t.SumReqMemMB += o.SumReqMemMB
	t.SumAvgMemMB += o.SumAvgMemMB
	t.SumMaxMemMB += o.SumMaxMemMB
}

// Sub returns t minus o, field by field; used to compute per-tick deltas.
func (t Totals) Sub(o Totals) Totals {
	return Totals{
		ElapsedHours:    t.ElapsedHours - o.ElapsedHours,
		ClockHours:      t.ClockHours - o.ClockHours,
		GPUElapsedHours: t.GPUElapsedHours - o.GPUElapsedHours,
		GPUClockHours:   t.GPUClockHours - o.GPUClockHours,
		SumReqMemMB:     t.SumReqMemMB - o.SumReqMemMB,
		SumAvgMemMB:     t.SumAvgMemMB - o.SumAvgMemMB,
		SumMaxMemMB:     t.SumMaxMemMB - o.SumMaxMemMB,
	}
}

// Metric returns the value of the named additive metric, or 0 for FailedJobs
// (which lives in Counts, not Totals; callers needing failed_jobs read Counts
// directly).
func (t Totals) Metric(metric string) float64 {
	switch metric {
	case MetricClockHours:
		return t.ClockHours
	case MetricElapsedHours:
		return t.ElapsedHours
	case MetricGPUClockHours:
		return t.GPUClockHours
	case MetricGPUElapsedHours:
		return t.GPUElapsedHours
	default:
		return 0
	}
}

// Counts holds the job counters that are not hour/byte sums, tracked
// alongside Totals per (cluster, month, user) and per (cluster, user).
type Counts struct {
	Jobs       int64 `json:"jobs"`
	GPUJobs    int64 `json:"gpu_jobs"`
	FailedJobs int64 `json:"failed_jobs"`
}

func (c *Counts) Add(o Counts) {
	c.Jobs += o.Jobs
	c.GPUJobs += o.GPUJobs
	c.FailedJobs += o.FailedJobs
}

func (c Counts) Sub(o Counts) Counts {
	return Counts{
		Jobs:       c.Jobs - o.Jobs,
		GPUJobs:    c.GPUJobs - o.GPUJobs,
		FailedJobs: c.FailedJobs - o.FailedJobs,
	}
}

// UserMonthly is one user's accumulator within a MonthlyRollup.
type UserMonthly struct {
	Username string `json:"username"`
	Counts
	Totals
}

// MonthlyRollup is the persisted per-(cluster, month) aggregate. On disk,
// Users is a JSON array (per spec.md §3); in memory the rollup store keeps a
// map for O(1) lookup and converts at the load/save boundary, the same split
// naicreport's jobstate package uses between its map-based JobDatabase and its
// flattened CSV representation.
type MonthlyRollup struct {
	SchemaVersion int           `json:"schema_version"`
	AsOf          time.Time     `json:"asof"`
	Month         string        `json:"month"`
	Users         []UserMonthly `json:"users"`
}

// ClusterTotals is one cluster's contribution to a UserAggregate.
type ClusterTotals struct {
	AsOf   time.Time `json:"asof"`
	Counts Counts    `json:"counts"`
	Totals Totals    `json:"totals"`
}

// UserAggregate is the persisted per-(cluster, username) all-time file. Only
// the cluster sub-object named by the poller's own --cluster flag is ever
// written by that poller; other clusters' sub-objects are carried through
// unmodified.
type UserAggregate struct {
	SchemaVersion int                       `json:"schema_version"`
	Username      string                    `json:"username"`
	Clusters      map[string]*ClusterTotals `json:"clusters"`
}

// InProgress names the month and phase of a backfill step that was started but
// whose completion has not yet been recorded in Cursor.LastCompleteMonth.
type InProgress struct {
	Month string `json:"month"`
	Phase string `json:"phase"`
}

// Cursor is the persisted per-cluster backfill/catch-up state machine.
type Cursor struct {
	SchemaVersion     int         `json:"schema_version"`
	LastCompleteMonth string      `json:"last_complete_month"`
	InProgress        *InProgress `json:"in_progress,omitempty"`
	ColdstartDone     bool        `json:"coldstart_done"`
	BackfillStart     string      `json:"backfill_start"`
}

// LeaderboardRow is one ranked entry in a Leaderboard.
type LeaderboardRow struct {
	Rank  int     `json:"rank"`
	User  string  `json:"user"`
	Value float64 `json:"value"`
}

// Leaderboard is the persisted, root-level ranked view over one (window,
// metric) pair, merged across every configured cluster.
type Leaderboard struct {
	SchemaVersion int              `json:"schema_version"`
	AsOf          time.Time        `json:"asof"`
	Window        string           `json:"window"`
	Metric        string           `json:"metric"`
	Rows          []LeaderboardRow `json:"rows"`
}
