// Package cursor implements the per-cluster backfill/catch-up state machine
// from spec.md §4.F: a small persisted struct, loaded once per tick, mutated
// in memory, and written back atomically, the same shape naicreport's
// jobstate.JobState/EnsureJob pair gives to job-tracking state, just scaled
// down to one struct instead of a map of many.
package cursor

import (
	"fmt"
	"os"
	"time"

	"clusterboard/jsonfile"
	"clusterboard/schema"
)

const monthLayout = "2006-01"
const dayLayout = "2006-01-02"

// Phase names which half of the state machine a Step belongs to.
type Phase string

const (
	PhaseColdStart Phase = "coldstart"
	PhaseCaughtUp  Phase = "caughtup"
)

// Step is the fetch window the state machine has decided on for one tick.
type Step struct {
	Phase Phase
	Month string // "YYYY-MM"; only meaningful for PhaseColdStart
	Start time.Time
	End   time.Time
}

// Load reads the cursor for a cluster. If none exists yet it returns a fresh
// Cursor whose BackfillStart is set to backfillStart and whose other state
// fields are zero.
func Load(path, backfillStart string) (*schema.Cursor, error) {
	var cur schema.Cursor
	err := jsonfile.Read(path, &cur)
	if err == nil {
		return &cur, nil
	}
	if os.IsNotExist(err) {
		return &schema.Cursor{
			SchemaVersion: schema.SchemaVersion,
			BackfillStart: backfillStart,
		}, nil
	}
	return nil, err
}

// Save persists the cursor atomically.
func Save(path string, cur *schema.Cursor) error {
	return jsonfile.WriteAtomic(path, cur)
}

// Decide picks the next fetch window per spec.md §4.F. While coldstart is
// not yet done, it steps one historic month at a time starting at
// BackfillStart. Once coldstart is done, it always re-fetches the current,
// still-open calendar month incrementally.
func Decide(cur *schema.Cursor, now time.Time) (Step, error) {
	now = now.UTC()
	if !cur.ColdstartDone {
		var month string
		if cur.LastCompleteMonth == "" {
			backfillStart, err := time.Parse(dayLayout, cur.BackfillStart)
			if err != nil {
				return Step{}, fmt.Errorf("cursor: bad backfill_start %q: %w", cur.BackfillStart, err)
			}
			month = monthStr(backfillStart)
		} else {
			month = nextMonth(cur.LastCompleteMonth)
		}
		start, err := parseMonth(month)
		if err != nil {
			return Step{}, err
		}
		return Step{
			Phase: PhaseColdStart,
			Month: month,
			Start: start,
			End:   start.AddDate(0, 1, 0),
		}, nil
	}

	return Step{
		Phase: PhaseCaughtUp,
		Start: firstOfMonth(now),
		End:   now,
	}, nil
}

// Complete records that step finished applying successfully. For a coldstart
// step it advances LastCompleteMonth to the just-fetched month and marks
// coldstart done once that month is the one immediately preceding now's
// calendar month. For a caught-up step it closes out any calendar month
// that has since fully elapsed, so a later targeted backfill never needs to
// re-walk months the incremental catch-up fetches already covered.
func Complete(cur *schema.Cursor, step Step, now time.Time) {
	now = now.UTC()
	prev := monthStr(prevMonth(now))

	switch step.Phase {
	case PhaseColdStart:
		cur.LastCompleteMonth = step.Month
		if step.Month >= prev {
			cur.ColdstartDone = true
		}
	case PhaseCaughtUp:
		if cur.LastCompleteMonth < prev {
			cur.LastCompleteMonth = prev
		}
	}
	cur.InProgress = nil
}

func firstOfMonth(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

func prevMonth(t time.Time) time.Time {
	return firstOfMonth(t).AddDate(0, -1, 0)
}

func monthStr(t time.Time) string {
	return t.Format(monthLayout)
}

func parseMonth(s string) (time.Time, error) {
	t, err := time.Parse(monthLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("cursor: bad month %q: %w", s, err)
	}
	return t.UTC(), nil
}

func nextMonth(month string) string {
	t, err := parseMonth(month)
	if err != nil {
		return month
	}
	return monthStr(t.AddDate(0, 1, 0))
}
