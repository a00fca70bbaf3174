package accounting

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeAccountingTool writes a tiny shell script standing in for the site's
// accounting CLI: it ignores its arguments and prints fixed pipe-delimited
// rows, mirroring how sacctd.go's tests would stub out `sacct`.
func fakeAccountingTool(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fake-sacct")
	script := "#!/bin/sh\n" + body + "\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func TestFetchParsesRows(t *testing.T) {
	bin := fakeAccountingTool(t, `echo '1|alice|COMPLETED|3600|4|1|4000Mc|2G|1G|billing=4|2024-01-01T00:00:00Z|2024-01-01T00:00:00Z|2024-01-01T01:00:00Z'`)
	a := NewAdapter(bin, 1200, time.Second, nil)
	it, err := a.Fetch(context.Background(), "testcluster", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC), "")
	require.NoError(t, err)

	row, ok := it.Next()
	require.True(t, ok)
	require.Equal(t, "1", row.JobID)
	require.Equal(t, "alice", row.User)
	require.Equal(t, "COMPLETED", row.State)

	_, ok = it.Next()
	require.False(t, ok)
}

func TestFetchSkipsMalformedLines(t *testing.T) {
	bin := fakeAccountingTool(t, `printf 'too|few|fields\n1|alice|COMPLETED|3600|4|1|4000Mc|2G|1G|billing=4|s|s|e\n'`)
	a := NewAdapter(bin, 1200, time.Second, nil)
	it, err := a.Fetch(context.Background(), "testcluster", time.Now(), time.Now(), "")
	require.NoError(t, err)

	row, ok := it.Next()
	require.True(t, ok)
	require.Equal(t, "1", row.JobID)

	_, ok = it.Next()
	require.False(t, ok)
}

func TestFetchFailsAfterRetries(t *testing.T) {
	bin := fakeAccountingTool(t, `exit 1`)
	a := NewAdapter(bin, 1200, time.Second, nil)
	a.MaxAttempts = 2
	_, err := a.Fetch(context.Background(), "testcluster", time.Now(), time.Now(), "")
	require.Error(t, err)
	var fetchErr *FetchFailedError
	require.ErrorAs(t, err, &fetchErr)
	require.Equal(t, "testcluster", fetchErr.Cluster)
}

func TestFetchTargetedUserAddsFlag(t *testing.T) {
	bin := fakeAccountingTool(t, `
for a in "$@"; do
  if [ "$prev" = "-u" ]; then echo "1|$a|COMPLETED|3600|4|1|4000Mc|2G|1G|billing=4|s|s|e"; fi
  prev="$a"
done
`)
	a := NewAdapter(bin, 1200, time.Second, nil)
	it, err := a.Fetch(context.Background(), "testcluster", time.Now(), time.Now(), "new_user")
	require.NoError(t, err)
	// The fake tool prints a row only when it receives -u, carrying the
	// flag's value in the User field.
	row, ok := it.Next()
	require.True(t, ok)
	require.Equal(t, "new_user", row.User)

	_, ok = it.Next()
	require.False(t, ok)
}
