// Package normalize maps one raw accounting row into the fixed
// NormalizedRecord shape the rollup store consumes, per spec.md §4.C.
package normalize

import (
	"fmt"
	"strconv"
	"time"

	"clusterboard/accounting"
	"clusterboard/schema"
	"clusterboard/units"
)

// timeLayouts are tried in order when parsing a row's End timestamp; the
// accounting tool's exact date format is a site matter, so both an RFC 3339
// form and sacctd.go's bare "no offset" form are accepted. An unparseable End
// does not disqualify the row; only JobID and ElapsedRaw do.
var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
}

// ErrDottedJobID is returned by Row when the JobID denotes a job step; the
// row is a legitimate skip, not a parse failure, and callers should not log
// it as an error.
var ErrDottedJobID = fmt.Errorf("normalize: dotted job id denotes a step")

// Row converts one accounting row into a NormalizedRecord. It returns
// ErrDottedJobID for step rows (JobID contains '.'), and a plain error for
// rows with an unparseable ElapsedRaw field; both are the caller's cue to
// skip the row and continue. Unparseable memory fields are not an error: they
// contribute 0 and the row is otherwise accepted.
func Row(r accounting.Row) (schema.NormalizedRecord, error) {
	if units.IsJobStep(r.JobID) {
		return schema.NormalizedRecord{}, ErrDottedJobID
	}

	elapsedRaw, err := strconv.ParseInt(r.ElapsedRaw, 10, 64)
	if err != nil {
		return schema.NormalizedRecord{}, fmt.Errorf("normalize: unparseable ElapsedRaw %q for job %s: %w", r.ElapsedRaw, r.JobID, err)
	}
	elapsedHours := float64(elapsedRaw) / 3600.0

	allocCPUs, _ := strconv.Atoi(r.AllocCPUS)
	nnodes, _ := strconv.Atoi(r.NNodes)

	gpuCount := units.GPUCount(r.AllocTRES)
	gpuElapsedHours := 0.0
	if gpuCount > 0 {
		gpuElapsedHours = elapsedHours
	}

	rec := schema.NormalizedRecord{
		JobID:           r.JobID,
		User:            units.NormalizeUsername(r.User),
		End:             parseEnd(r.End),
		ElapsedHours:    elapsedHours,
		AllocCPUs:       allocCPUs,
		NNodes:          nnodes,
		ClockHours:      float64(allocCPUs) * elapsedHours,
		GPUCount:        gpuCount,
		GPUElapsedHours: gpuElapsedHours,
		GPUClockHours:   float64(gpuCount) * elapsedHours,
		ReqMemMB:        units.ResolveReqMem(r.ReqMem, allocCPUs, nnodes),
		AvgMemMB:        units.ParseMemoryMB(r.AveRSS),
		MaxMemMB:        units.ParseMemoryMB(r.MaxRSS),
		Failed:          schema.FailedStates[r.State],
	}
	return rec, nil
}

func parseEnd(s string) time.Time {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
