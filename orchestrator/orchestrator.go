// Package orchestrator drives one poll "tick" per spec.md §4.I: acquire the
// cluster lock, decide a fetch window from the cursor, fetch/normalize/apply
// it, run discovery and whatever targeted backfill fits in the tick's time
// budget, rebuild leaderboards, and update the cursor, all under a single
// advisory lock held for the tick's full duration.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.uber.org/zap"

	"clusterboard/accounting"
	"clusterboard/cursor"
	"clusterboard/discovery"
	"clusterboard/leaderboard"
	"clusterboard/lockfile"
	"clusterboard/logging"
	"clusterboard/metrics"
	"clusterboard/normalize"
	"clusterboard/rollup"
	"clusterboard/schema"
)

// DefaultDiscoveryBudget bounds how long one tick spends draining the
// targeted-backfill queue before deferring the rest to a future tick
// (spec.md §4.I step 4).
const DefaultDiscoveryBudget = 60 * time.Second

// Config holds everything one tick needs to run against a single cluster.
type Config struct {
	Cluster          string
	Root             string
	BackfillStart    string // "YYYY-MM-DD"
	AccountingBin    string
	RateLimit        int
	AdapterTimeout   time.Duration
	HomeDirPath      string // empty disables home-directory discovery
	DiscoveryBudget  time.Duration
	MaxFetchAttempts uint64 // 0 keeps the adapter's own default
	Logger           *zap.Logger
}

func (c Config) newAdapter() *accounting.Adapter {
	a := accounting.NewAdapter(c.AccountingBin, c.RateLimit, c.AdapterTimeout, c.Logger)
	if c.MaxFetchAttempts > 0 {
		a.MaxAttempts = c.MaxFetchAttempts
	}
	return a
}

func (c Config) logger() *zap.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return zap.NewNop()
}

func (c Config) discoveryBudget() time.Duration {
	if c.DiscoveryBudget > 0 {
		return c.DiscoveryBudget
	}
	return DefaultDiscoveryBudget
}

// RunTick executes one tick for cfg.Cluster and returns nil on success, or a
// *TickError describing why it stopped. On lock contention it touches no
// cluster or leaderboard data; the only file it writes is the metrics
// snippet under <root>/leaderboards/.metrics, recording the contention.
func RunTick(ctx context.Context, cfg Config, now time.Time) *TickError {
	log := logging.ForCluster(cfg.logger(), cfg.Cluster)
	tickStart := time.Now()

	store := rollup.NewStore(cfg.Root, cfg.Cluster)
	lockPath := filepath.Join(store.Root, "state", "lock")

	lock, err := lockfile.TryAcquire(lockPath)
	if err != nil {
		if errors.Is(err, lockfile.ErrHeld) {
			log.Info("lock held, skipping tick")
			_ = metrics.WriteTextfile(cfg.Root, cfg.Cluster, metrics.Tick{
				Duration:      time.Since(tickStart),
				LockContended: true,
				Result:        metrics.ResultLockHeld,
			})
			return &TickError{Kind: KindLockHeld, Err: err}
		}
		return wrapErr(KindFatal, err)
	}
	defer lock.Release()

	jobsNew, tickErr := runLocked(ctx, cfg, store, now, log)

	result := metrics.ResultSuccess
	if tickErr != nil {
		result = metrics.ResultFailure
		log.Error("tick failed", append(logging.Fields{Err: tickErr}.Zap(), zap.Int("exit_code", tickErr.ExitCode()))...)
	}
	_ = metrics.WriteTextfile(cfg.Root, cfg.Cluster, metrics.Tick{
		Duration: time.Since(tickStart),
		JobsNew:  jobsNew,
		Result:   result,
	})
	return tickErr
}

// runLocked performs every tick step that must happen under the cluster
// lock. jobsNew accounting for the metrics snippet is approximate (the
// fetch/apply step's count); targeted backfills contribute to aggregates
// but are not folded into that single gauge.
func runLocked(ctx context.Context, cfg Config, store *rollup.Store, now time.Time, log *zap.Logger) (int, *TickError) {
	if err := store.RecoverStaleTemps(); err != nil {
		return 0, wrapErr(KindFatal, err)
	}

	cursorPath := filepath.Join(store.Root, "state", "poll_cursor.json")
	cur, err := cursor.Load(cursorPath, cfg.BackfillStart)
	if err != nil {
		return 0, wrapErr(KindFatal, err)
	}

	step, err := cursor.Decide(cur, now)
	if err != nil {
		return 0, wrapErr(KindFatal, err)
	}

	adapter := cfg.newAdapter()

	month := step.Month
	if month == "" {
		month = step.Start.Format("2006-01")
	}

	it, err := adapter.Fetch(ctx, cfg.Cluster, step.Start, step.End, "")
	if err != nil {
		var ffe *accounting.FetchFailedError
		if errors.As(err, &ffe) {
			log.Warn("fetch failed, aborting tick", logging.Fields{Phase: string(step.Phase), Month: month, Err: err}.Zap()...)
			return 0, wrapErr(KindTransient, err)
		}
		return 0, wrapErr(KindFatal, err)
	}

	// Pulled one row at a time rather than materialized into a slice first,
	// so memory scales with the users the month touches, not the jobs the
	// window contains (spec.md §2, §9).
	src := rollup.RecordSourceFunc(func() (schema.NormalizedRecord, bool) {
		for {
			row, ok := it.Next()
			if !ok {
				return schema.NormalizedRecord{}, false
			}
			rec, nerr := normalize.Row(row)
			if nerr != nil {
				if !errors.Is(nerr, normalize.ErrDottedJobID) {
					log.Warn("skipping unparseable row", zap.String("job_id", row.JobID), zap.Error(nerr))
				}
				continue
			}
			return rec, true
		}
	})

	res, err := store.Apply(month, src)
	if err != nil {
		return 0, wrapErr(KindFatal, err)
	}

	log.Info("applied fetch window", logging.Fields{
		Phase:    string(step.Phase),
		Month:    month,
		Start:    step.Start,
		End:      step.End,
		JobsSeen: res.JobsSeen,
		JobsNew:  res.JobsNew,
	}.Zap()...)

	cursor.Complete(cur, step, now)
	if err := cursor.Save(cursorPath, cur); err != nil {
		return 0, wrapErr(KindFatal, err)
	}

	if err := runDiscovery(ctx, cfg, store, now, log); err != nil {
		// Discovery failures never abort a tick that already made progress
		// on the cursor; they are logged and retried next tick via the
		// on-disk queue.
		log.Warn("discovery step failed, will retry next tick", zap.Error(err))
	}

	clusters, err := listClusters(cfg.Root)
	if err != nil {
		return res.JobsNew, wrapErr(KindFatal, err)
	}
	if err := leaderboard.NewBuilder(cfg.Root, clusters).Build(now); err != nil {
		return res.JobsNew, wrapErr(KindFatal, err)
	}

	return res.JobsNew, nil
}

// runDiscovery enumerates candidate usernames, enqueues any not yet known,
// and drains the on-disk queue until either it is empty or the tick's
// discovery budget is exhausted.
func runDiscovery(ctx context.Context, cfg Config, store *rollup.Store, now time.Time, log *zap.Logger) error {
	backfillStart, err := time.Parse("2006-01-02", cfg.BackfillStart)
	if err != nil {
		return fmt.Errorf("orchestrator: bad backfill_start %q: %w", cfg.BackfillStart, err)
	}

	adapter := cfg.newAdapter()

	var homeCandidates []string
	if cfg.HomeDirPath != "" {
		homeCandidates, err = discovery.HomeDirCandidates(cfg.HomeDirPath, discovery.DefaultMinUID)
		if err != nil {
			return err
		}
	}

	acctCandidates, err := discovery.AccountingCandidates(ctx, adapter, cfg.Cluster, backfillStart, now)
	if err != nil {
		return err
	}

	known, err := discovery.KnownUsers(store.UsersDir())
	if err != nil {
		return err
	}

	candidates := discovery.Merge(homeCandidates, acctCandidates)
	fresh := discovery.New(candidates, known)

	queue := &discovery.Queue{Path: filepath.Join(store.Root, "state", "backfill_queue.jsonl")}
	if len(fresh) > 0 {
		if err := queue.Enqueue(fresh); err != nil {
			return err
		}
		log.Info("discovered new users", zap.Int("count", len(fresh)))
	}

	deadline := time.Now().Add(cfg.discoveryBudget())
	for time.Now().Before(deadline) {
		items, err := queue.Pop(1)
		if err != nil {
			return err
		}
		if len(items) == 0 {
			break
		}
		username := items[0].Username
		jobsNew, err := discovery.RunTargeted(ctx, adapter, store, cfg.Cluster, username, backfillStart, now)
		if err != nil {
			// Put the user back on the queue by re-enqueuing; Enqueue appends
			// at the back and skips names already queued, so this is safe even
			// if other items were already queued behind it.
			_ = queue.Enqueue([]string{username})
			return fmt.Errorf("targeted backfill for %s: %w", username, err)
		}
		log.Info("targeted backfill complete", zap.String("user", username), zap.Int("jobs_new", jobsNew))
	}
	return nil
}

// listClusters returns the names of every cluster subtree present under
// root, for the leaderboard builder to merge across; the root-level
// leaderboards directory always reflects every cluster that has ever
// written to this root, not just the one this tick is polling.
func listClusters(root string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(root, "clusters"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}
