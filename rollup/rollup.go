// Package rollup implements the monthly per-user accumulators and per-user
// all-time files described in spec.md §4.E: Apply folds NormalizedRecords
// (already scoped to one cluster and month), pulled one at a time from a
// RecordSource, into the month's dedupe set and rollup file, then
// propagates deltas into each touched user's all-time aggregate.
//
// Persistence order follows spec.md §4.E's resolution of its own open
// question: (1) monthly rollup write, (2) per-user file writes, (3) dedupe
// write last. Once (3) has run, a second Apply of the same JobIDs is a no-op,
// because dedupe.Contains reports them all as seen. A crash between (1)/(2)
// and (3) leaves dedupe without those JobIDs, so the next re-fetch of the
// window adds their contributions to the monthly and user files a second
// time; only ticks whose dedupe write completed are counted exactly once.
package rollup

import (
	"errors"
	"os"
	"path/filepath"
	"sort"
	"time"

	"clusterboard/dedupe"
	"clusterboard/jsonfile"
	"clusterboard/schema"
)

// Store owns the on-disk layout for one cluster's aggregates, rooted at
// <dataRoot>/clusters/<cluster>.
type Store struct {
	Root         string
	Cluster      string
	ExpectedJobs int64
	TargetP      float64
}

// NewStore builds a Store for cluster rooted at dataRoot/clusters/<cluster>.
func NewStore(dataRoot, cluster string) *Store {
	return &Store{
		Root:         filepath.Join(dataRoot, "clusters", cluster),
		Cluster:      cluster,
		ExpectedJobs: dedupe.DefaultExpectedJobs,
		TargetP:      dedupe.DefaultFalsePositiveRate,
	}
}

func (s *Store) MonthlyPath(month string) string {
	return filepath.Join(s.Root, "agg", "rollups", "monthly", month+".json")
}

func (s *Store) DedupePath(month string) string {
	return filepath.Join(s.Root, "state", "seen", month+".bloom")
}

func (s *Store) UserPath(username string) string {
	return filepath.Join(s.Root, "agg", "users", username+".json")
}

func (s *Store) UsersDir() string {
	return filepath.Join(s.Root, "agg", "users")
}

// RecoverStaleTemps removes any leftover *.tmp file directly under this
// cluster's monthly-rollup, user-aggregate and dedupe (state/seen)
// directories; temp files elsewhere under state/ are not swept. Run once at
// the start of every tick, before any Apply, per spec.md §7's write-failure
// recovery rule.
func (s *Store) RecoverStaleTemps() error {
	for _, dir := range []string{
		filepath.Join(s.Root, "agg", "rollups", "monthly"),
		filepath.Join(s.Root, "agg", "users"),
		filepath.Join(s.Root, "state", "seen"),
	} {
		if err := jsonfile.RecoverStaleTemps(dir); err != nil {
			return err
		}
	}
	return nil
}

// ApplyResult summarizes one Apply call for logging.
type ApplyResult struct {
	JobsSeen     int
	JobsNew      int
	UsersTouched []string
}

// RecordSource yields NormalizedRecords one at a time. Apply pulls from it
// until Next reports ok=false, instead of requiring every record for a
// window to already be materialized as a slice, so memory scales with the
// number of distinct users touched rather than the number of jobs seen
// (spec.md §2, §9).
type RecordSource interface {
	Next() (schema.NormalizedRecord, bool)
}

// RecordSourceFunc adapts a plain function to a RecordSource, the same way
// http.HandlerFunc adapts a function to an interface.
type RecordSourceFunc func() (schema.NormalizedRecord, bool)

func (f RecordSourceFunc) Next() (schema.NormalizedRecord, bool) { return f() }

// Records adapts an already-materialized slice to a RecordSource, for
// callers (tests, targeted scenarios with a small known set) that have one
// on hand.
func Records(records []schema.NormalizedRecord) RecordSource {
	i := 0
	return RecordSourceFunc(func() (schema.NormalizedRecord, bool) {
		if i >= len(records) {
			return schema.NormalizedRecord{}, false
		}
		rec := records[i]
		i++
		return rec, true
	})
}

// Apply folds records (all belonging to the given cluster and month),
// pulled one at a time from src, into the month's dedupe set and rollup
// file, then propagates deltas into each touched user's all-time aggregate.
// Records whose JobID is already present in the month's dedupe set
// contribute nothing; this is the sole dedupe boundary in the pipeline.
func (s *Store) Apply(month string, src RecordSource) (ApplyResult, error) {
	monthlyPath := s.MonthlyPath(month)
	dedupePath := s.DedupePath(month)

	for _, dir := range []string{filepath.Dir(monthlyPath), filepath.Dir(dedupePath), s.UsersDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return ApplyResult{}, err
		}
	}

	ds, dedupeCorrupt, err := s.loadDedupe(dedupePath)
	if err != nil {
		return ApplyResult{}, err
	}

	mr, monthlyCorrupt, err := loadMonthlyRollup(monthlyPath, month)
	if err != nil {
		return ApplyResult{}, err
	}

	// A corrupt dedupe set and a corrupt rollup file must be repaired
	// together: if either is unreadable, re-applying the window against the
	// other (uncorrupted) one would either double-count jobs already in a
	// surviving rollup, or silently lose jobs already recorded as seen in a
	// surviving dedupe set. Resetting both is the only combination that
	// keeps a subsequent full re-fetch of the month exact. See spec.md §7,
	// "Dedupe file corruption".
	if dedupeCorrupt || monthlyCorrupt {
		_ = dedupe.Quarantine(dedupePath)
		_ = quarantineIfExists(monthlyPath)
		ds = dedupe.New(s.ExpectedJobs, s.TargetP)
		mr = &schema.MonthlyRollup{SchemaVersion: schema.SchemaVersion, Month: month}
	}

	users := indexUsers(mr.Users)
	initial := make(map[string]schema.UserMonthly)
	touchedOrder := make([]string, 0)
	touched := make(map[string]bool)

	result := ApplyResult{}
	for {
		rec, ok := src.Next()
		if !ok {
			break
		}
		result.JobsSeen++
		if ds.Contains(rec.JobID) {
			continue
		}
		ds.Add(rec.JobID)
		result.JobsNew++

		um, ok := users[rec.User]
		if !ok {
			um = &schema.UserMonthly{Username: rec.User}
			users[rec.User] = um
		}
		if !touched[rec.User] {
			touched[rec.User] = true
			touchedOrder = append(touchedOrder, rec.User)
			initial[rec.User] = *um
		}

		um.Counts.Jobs++
		if rec.GPUCount > 0 {
			um.Counts.GPUJobs++
		}
		if rec.Failed {
			um.Counts.FailedJobs++
		}
		um.Totals.Add(schema.Totals{
			ElapsedHours:    rec.ElapsedHours,
			ClockHours:      rec.ClockHours,
			GPUElapsedHours: rec.GPUElapsedHours,
			GPUClockHours:   rec.GPUClockHours,
			SumReqMemMB:     rec.ReqMemMB,
			SumAvgMemMB:     rec.AvgMemMB,
			SumMaxMemMB:     rec.MaxMemMB,
		})
	}

	// No new jobs: leave every file byte-identical to before this call, so a
	// repeated Apply of an already-seen window is a true no-op (spec.md §8,
	// invariant 2) instead of just a value-equal rewrite with a bumped AsOf.
	if result.JobsNew == 0 {
		return result, nil
	}

	now := time.Now().UTC()
	mr.AsOf = now
	mr.Users = flattenUsers(users)
	if err := jsonfile.WriteAtomic(monthlyPath, mr); err != nil {
		return result, err
	}

	sort.Strings(touchedOrder)
	for _, u := range touchedOrder {
		deltaCounts := users[u].Counts.Sub(initial[u].Counts)
		deltaTotals := users[u].Totals.Sub(initial[u].Totals)
		if err := s.applyUserDelta(u, now, deltaCounts, deltaTotals); err != nil {
			return result, err
		}
	}
	result.UsersTouched = touchedOrder

	if err := ds.Save(dedupePath); err != nil {
		return result, err
	}

	return result, nil
}

func (s *Store) applyUserDelta(username string, now time.Time, deltaCounts schema.Counts, deltaTotals schema.Totals) error {
	path := s.UserPath(username)
	agg, corrupt, err := loadUserAggregate(path, username)
	if err != nil {
		return err
	}
	if corrupt {
		_ = quarantineIfExists(path)
		agg = &schema.UserAggregate{SchemaVersion: schema.SchemaVersion, Username: username}
	}
	if agg.Clusters == nil {
		agg.Clusters = make(map[string]*schema.ClusterTotals)
	}
	ct, ok := agg.Clusters[s.Cluster]
	if !ok {
		ct = &schema.ClusterTotals{}
		agg.Clusters[s.Cluster] = ct
	}
	ct.Counts.Add(deltaCounts)
	ct.Totals.Add(deltaTotals)
	ct.AsOf = now

	return jsonfile.WriteAtomic(path, agg)
}

func (s *Store) loadDedupe(path string) (*dedupe.Set, bool, error) {
	ds, err := dedupe.Load(path, s.ExpectedJobs, s.TargetP)
	if err == nil {
		return ds, false, nil
	}
	if errors.Is(err, dedupe.ErrCorrupt) {
		return nil, true, nil
	}
	return nil, false, err
}

func loadMonthlyRollup(path, month string) (*schema.MonthlyRollup, bool, error) {
	var mr schema.MonthlyRollup
	err := jsonfile.Read(path, &mr)
	if err == nil {
		return &mr, false, nil
	}
	if os.IsNotExist(err) {
		return &schema.MonthlyRollup{SchemaVersion: schema.SchemaVersion, Month: month}, false, nil
	}
	return nil, true, nil
}

func loadUserAggregate(path, username string) (*schema.UserAggregate, bool, error) {
	var agg schema.UserAggregate
	err := jsonfile.Read(path, &agg)
	if err == nil {
		return &agg, false, nil
	}
	if os.IsNotExist(err) {
		return &schema.UserAggregate{SchemaVersion: schema.SchemaVersion, Username: username}, false, nil
	}
	return nil, true, nil
}

func quarantineIfExists(path string) error {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return os.Rename(path, path+".bad")
}

func indexUsers(users []schema.UserMonthly) map[string]*schema.UserMonthly {
	m := make(map[string]*schema.UserMonthly, len(users))
	for i := range users {
		u := users[i]
		m[u.Username] = &u
	}
	return m
}

func flattenUsers(m map[string]*schema.UserMonthly) []schema.UserMonthly {
	out := make([]schema.UserMonthly, 0, len(m))
	for _, u := range m {
		out = append(out, *u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out
}
