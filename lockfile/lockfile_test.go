package lockfile

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAcquireReleaseRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lock")

	l, err := TryAcquire(path)
	require.NoError(t, err)
	require.NoError(t, l.Release())

	l2, err := TryAcquire(path)
	require.NoError(t, err)
	require.NoError(t, l2.Release())
}

func TestContendedAcquireFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lock")

	l, err := TryAcquire(path)
	require.NoError(t, err)
	defer l.Release()

	_, err = TryAcquire(path)
	require.ErrorIs(t, err, ErrHeld)
}

func TestAcquireCreatesMissingParentDirectories(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clusters", "c1", "state", "lock")

	l, err := TryAcquire(path)
	require.NoError(t, err)
	require.NoError(t, l.Release())
}
