// Package lockfile implements the per-cluster advisory file lock the
// orchestrator holds for an entire tick (spec.md §5), using POSIX flock(2)
// semantics so it works across hosts sharing the same filesystem.
package lockfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// ErrHeld is returned by TryAcquire when another process already holds the
// lock; the orchestrator maps this to exit code 3 (spec.md §6).
var ErrHeld = errors.New("lockfile: already held")

// Lock is a held advisory lock on a single file. The zero value is not
// usable; obtain one via TryAcquire.
type Lock struct {
	f *os.File
}

// TryAcquire opens (creating if absent, along with any missing parent
// directories) and non-blockingly flocks path, returning ErrHeld if another
// process holds it. The returned Lock must be released with Release once the
// tick completes.
func TryAcquire(path string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("lockfile: creating directory for %s: %w", path, err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("lockfile: opening %s: %w", path, err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, ErrHeld
		}
		return nil, fmt.Errorf("lockfile: flock %s: %w", path, err)
	}

	return &Lock{f: f}, nil
}

// Release unlocks and closes the underlying file. Safe to call once; calling
// it more than once is a programmer error but will not panic.
func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	err := unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	closeErr := l.f.Close()
	l.f = nil
	if err != nil {
		return err
	}
	return closeErr
}
