package discovery

import (
	"context"
	"time"

	"clusterboard/accounting"
	"clusterboard/normalize"
	"clusterboard/rollup"
	"clusterboard/schema"
)

// RunTargeted performs a per-user backfill for username across every month
// from backfillStart up to now's calendar month, using the same dedupe sets
// and rollup store as the ordinary cluster-wide fetch, so a targeted
// backfill can never double-count a job already attributed under the
// cluster-wide sweep (spec.md §4.G).
func RunTargeted(ctx context.Context, adapter *accounting.Adapter, store *rollup.Store, cluster, username string, backfillStart, now time.Time) (jobsNew int, err error) {
	month := firstOfMonth(backfillStart)
	limit := firstOfMonth(now)
	for !month.After(limit) {
		monthStr := month.Format("2006-01")
		end := month.AddDate(0, 1, 0)

		it, ferr := adapter.Fetch(ctx, cluster, month, end, username)
		if ferr != nil {
			return jobsNew, ferr
		}

		src := rollup.RecordSourceFunc(func() (schema.NormalizedRecord, bool) {
			for {
				row, ok := it.Next()
				if !ok {
					return schema.NormalizedRecord{}, false
				}
				rec, nerr := normalize.Row(row)
				if nerr != nil {
					continue
				}
				return rec, true
			}
		})

		res, aerr := store.Apply(monthStr, src)
		if aerr != nil {
			return jobsNew, aerr
		}
		jobsNew += res.JobsNew

		month = end
	}
	return jobsNew, nil
}

func firstOfMonth(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}
