package discovery

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"clusterboard/accounting"
	"clusterboard/rollup"
	"clusterboard/schema"
)

// fakeAdapterScript writes a shell script that emits one fixed row for
// new_user regardless of which month window it's asked about, standing in
// for a site accounting tool that has data for that user across months.
func fakeAdapterScript(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fake-sacct")
	script := "#!/bin/sh\n" +
		`from=""
for a in "$@"; do
  if [ "$prev" = "-S" ]; then from="$a"; fi
  prev="$a"
done
echo "1-$from|new_user|COMPLETED|3600|1|1|1Gn|0|0||s|s|e"
`
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func TestRunTargetedBackfillsEveryMonth(t *testing.T) {
	bin := fakeAdapterScript(t)
	adapter := accounting.NewAdapter(bin, 6000, 5*time.Second, nil)
	store := rollup.NewStore(t.TempDir(), "testcluster")

	backfillStart := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	now := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)

	jobsNew, err := RunTargeted(context.Background(), adapter, store, "testcluster", "new_user", backfillStart, now)
	require.NoError(t, err)
	require.Equal(t, 3, jobsNew, "Jan, Feb, Mar each contribute one new job")

	for _, month := range []string{"2024-01", "2024-02", "2024-03"} {
		var mr schema.MonthlyRollup
		bytes, err := os.ReadFile(store.MonthlyPath(month))
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(bytes, &mr))
		require.Len(t, mr.Users, 1)
		require.Equal(t, "new_user", mr.Users[0].Username)
	}

	var agg schema.UserAggregate
	bytes, err := os.ReadFile(store.UserPath("new_user"))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(bytes, &agg))
	ct := agg.Clusters["testcluster"]
	require.NotNil(t, ct)
	require.EqualValues(t, 3, ct.Counts.Jobs)
}
