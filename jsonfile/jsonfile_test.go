package jsonfile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

type sample struct {
	Name string `json:"name"`
	N    int    `json:"n"`
}

func TestWriteAtomicReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "doc.json")

	require.NoError(t, WriteAtomic(path, sample{Name: "alice", N: 3}))

	var got sample
	require.NoError(t, Read(path, &got))
	require.Equal(t, sample{Name: "alice", N: 3}, got)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "no stray temp file should remain")
}

func TestReadMissingIsNotExist(t *testing.T) {
	dir := t.TempDir()
	var got sample
	err := Read(filepath.Join(dir, "missing.json"), &got)
	require.Error(t, err)
	require.True(t, os.IsNotExist(err))
}

func TestRecoverStaleTempsRemovesOnlyTemps(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "keep.json"), []byte("{}"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "stray.json.12345.tmp"), []byte("{"), 0o644))

	require.NoError(t, RecoverStaleTemps(dir))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "keep.json", entries[0].Name())
}
