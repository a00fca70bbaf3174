package normalize

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"clusterboard/accounting"
)

func TestRowBasic(t *testing.T) {
	rec, err := Row(accounting.Row{
		JobID: "1", User: "alice", State: "COMPLETED", ElapsedRaw: "3600",
		AllocCPUS: "4", NNodes: "1", ReqMem: "4000Mc", MaxRSS: "2G", AveRSS: "1G",
		AllocTRES: "billing=4",
	})
	require.NoError(t, err)
	require.Equal(t, "alice", rec.User)
	require.Equal(t, 1.0, rec.ElapsedHours)
	require.Equal(t, 4.0, rec.ClockHours)
	require.Equal(t, 0, rec.GPUCount)
	require.Equal(t, 0.0, rec.GPUElapsedHours)
	require.Equal(t, 16000.0, rec.ReqMemMB)
	require.Equal(t, 2000.0, rec.MaxMemMB)
	require.Equal(t, 1000.0, rec.AvgMemMB)
	require.False(t, rec.Failed)
}

func TestRowGPUAndFailed(t *testing.T) {
	rec, err := Row(accounting.Row{
		JobID: "3", User: "bob", State: "FAILED", ElapsedRaw: "7200",
		AllocCPUS: "1", NNodes: "1", ReqMem: "1Gn", MaxRSS: "0", AveRSS: "0",
		AllocTRES: "gres/gpu=2",
	})
	require.NoError(t, err)
	require.Equal(t, 2, rec.GPUCount)
	require.Equal(t, 2.0, rec.GPUElapsedHours)
	require.Equal(t, 4.0, rec.GPUClockHours)
	require.True(t, rec.Failed)
}

func TestRowCancelledIsNotFailed(t *testing.T) {
	rec, err := Row(accounting.Row{
		JobID: "4", User: "cara", State: "CANCELLED", ElapsedRaw: "60",
		AllocCPUS: "1", NNodes: "1",
	})
	require.NoError(t, err)
	require.False(t, rec.Failed)
}

func TestRowDottedJobIDDropped(t *testing.T) {
	_, err := Row(accounting.Row{JobID: "3.batch", User: "bob", State: "COMPLETED", ElapsedRaw: "7200"})
	require.True(t, errors.Is(err, ErrDottedJobID))
}

func TestRowUnparseableElapsedSkipped(t *testing.T) {
	_, err := Row(accounting.Row{JobID: "5", User: "dan", State: "COMPLETED", ElapsedRaw: "not-a-number"})
	require.Error(t, err)
	require.False(t, errors.Is(err, ErrDottedJobID))
}

func TestRowUnparseableMemoryDefaultsToZero(t *testing.T) {
	rec, err := Row(accounting.Row{
		JobID: "6", User: "eve", State: "COMPLETED", ElapsedRaw: "60",
		AllocCPUS: "1", NNodes: "1", ReqMem: "garbage", MaxRSS: "garbage", AveRSS: "garbage",
	})
	require.NoError(t, err)
	require.Equal(t, 0.0, rec.ReqMemMB)
	require.Equal(t, 0.0, rec.MaxMemMB)
	require.Equal(t, 0.0, rec.AvgMemMB)
}
