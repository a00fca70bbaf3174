package discovery

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHomeDirCandidatesFiltersSystemAccounts(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"alice", "bob", "root", "_systemd-resolve", "daemon"} {
		require.NoError(t, os.Mkdir(filepath.Join(dir, name), 0o755))
	}

	// Everything under a single temp dir is owned by the current process's
	// UID, so use a threshold of 0 to exercise only the regex filter here;
	// the UID threshold path is exercised in TestHomeDirCandidatesRespectsMinUID.
	names, err := HomeDirCandidates(dir, 0)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"alice", "bob"}, names)
}

func TestHomeDirCandidatesRespectsMinUID(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "alice"), 0o755))

	names, err := HomeDirCandidates(dir, 1<<31)
	require.NoError(t, err)
	require.Empty(t, names, "current process UID is always below an absurdly high threshold")
}

func TestMergeDeduplicatesAndSorts(t *testing.T) {
	got := Merge([]string{"bob", "alice"}, []string{"alice", "cara"})
	require.Equal(t, []string{"alice", "bob", "cara"}, got)
}

func TestNewFiltersKnown(t *testing.T) {
	got := New([]string{"alice", "bob", "cara"}, map[string]bool{"alice": true})
	require.Equal(t, []string{"bob", "cara"}, got)
}

func TestKnownUsers(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "alice.json"), []byte("{}"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bob.json"), []byte("{}"), 0o644))

	known, err := KnownUsers(dir)
	require.NoError(t, err)
	require.True(t, known["alice"])
	require.True(t, known["bob"])
	require.False(t, known["cara"])
}

func TestKnownUsersMissingDir(t *testing.T) {
	known, err := KnownUsers(filepath.Join(t.TempDir(), "missing"))
	require.NoError(t, err)
	require.Empty(t, known)
}
