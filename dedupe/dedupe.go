// Package dedupe implements the per-(cluster, month) probabilistic JobID set
// described in spec.md §4.D: a file-backed bit array sized for an expected
// capacity, with k independent hash offsets per key and no false negatives.
package dedupe

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"

	"github.com/zeebo/xxh3"
)

const (
	magic         = "CBDS"
	formatVersion = 1
	headerSize    = 4 + 1 + 8 + 4 + 8 + 8 // magic + version + m + k + n + p
)

// DefaultExpectedJobs is the capacity hint used when no better estimate is
// available (spec.md §4.D).
const DefaultExpectedJobs = 2_000_000

// DefaultFalsePositiveRate is the target false-positive rate p used to size
// new sets.
const DefaultFalsePositiveRate = 1e-4

// ErrCorrupt is wrapped by any error returned from Load when the file's
// header magic doesn't match or its body is truncated. Callers should
// quarantine the file to "<file>.bad" and proceed with an empty Set, per
// spec.md §7.
var ErrCorrupt = fmt.Errorf("dedupe: corrupt set file")

// Set is a probabilistic set of JobIDs. Contains never returns a false
// negative; Add performs contains-then-set atomically from the perspective
// of a single process; concurrent writers across hosts are serialized by
// the cluster's advisory lock, not by this type.
type Set struct {
	m uint64 // bit count
	k uint32 // hash count
	n uint64 // inserted count
	p float64

	bits []byte
}

// New creates an empty Set sized for expectedJobs at target false-positive
// rate p. If n exceeds expectedJobs later, the set remains correct (no false
// negatives) but p degrades; growth is deliberately not performed, per
// spec.md §4.D; monthly partitioning bounds capacity naturally.
func New(expectedJobs int64, p float64) *Set {
	if expectedJobs <= 0 {
		expectedJobs = DefaultExpectedJobs
	}
	if p <= 0 || p >= 1 {
		p = DefaultFalsePositiveRate
	}
	n := float64(expectedJobs)
	m := uint64(math.Ceil(-n * math.Log(p) / (math.Ln2 * math.Ln2)))
	if m < 8 {
		m = 8
	}
	k := uint32(math.Round((float64(m) / n) * math.Ln2))
	if k < 1 {
		k = 1
	}
	return &Set{
		m:    m,
		k:    k,
		p:    p,
		bits: make([]byte, (m+7)/8),
	}
}

// Contains reports whether id may have been added before. Never a false
// negative; may be a false positive with probability approaching p as n
// approaches the set's sized capacity.
func (s *Set) Contains(id string) bool {
	for _, off := range s.offsets(id) {
		if !s.bit(off) {
			return false
		}
	}
	return true
}

// Add inserts id and reports whether it was already present beforehand.
func (s *Set) Add(id string) (wasPresent bool) {
	offsets := s.offsets(id)
	wasPresent = true
	for _, off := range offsets {
		if !s.bit(off) {
			wasPresent = false
		}
		s.setBit(off)
	}
	if !wasPresent {
		s.n++
	}
	return wasPresent
}

// N returns the number of keys inserted so far.
func (s *Set) N() uint64 { return s.n }

// P returns the target false-positive rate recorded in the header.
func (s *Set) P() float64 { return s.p }

func (s *Set) offsets(id string) []uint32 {
	offs := make([]uint32, s.k)
	for i := uint32(0); i < s.k; i++ {
		h := xxh3.HashStringSeed(id, uint64(i))
		offs[i] = uint32(h % s.m)
	}
	return offs
}

func (s *Set) bit(off uint32) bool {
	return s.bits[off/8]&(1<<(off%8)) != 0
}

func (s *Set) setBit(off uint32) {
	s.bits[off/8] |= 1 << (off % 8)
}

// Load reads a Set from path. A missing file is not an error: it returns a
// freshly sized empty Set via New(expectedJobs, p). A present-but-corrupt
// file (bad magic, wrong version, or truncated body) returns an error
// wrapping ErrCorrupt; callers are expected to quarantine the file and
// proceed with New(...).
func Load(path string, expectedJobs int64, p float64) (*Set, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return New(expectedJobs, p), nil
		}
		return nil, err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	header := make([]byte, headerSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("%w: short header: %v", ErrCorrupt, err)
	}
	if string(header[0:4]) != magic {
		return nil, fmt.Errorf("%w: bad magic", ErrCorrupt)
	}
	version := header[4]
	if version != formatVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCorrupt, version)
	}
	m := binary.LittleEndian.Uint64(header[5:13])
	k := binary.LittleEndian.Uint32(header[13:17])
	n := binary.LittleEndian.Uint64(header[17:25])
	pf := math.Float64frombits(binary.LittleEndian.Uint64(header[25:33]))

	nbytes := (m + 7) / 8
	bits := make([]byte, nbytes)
	if _, err := io.ReadFull(r, bits); err != nil {
		return nil, fmt.Errorf("%w: short body: %v", ErrCorrupt, err)
	}

	return &Set{m: m, k: k, n: n, p: pf, bits: bits}, nil
}

// Save writes s to path using the write-temp-then-rename pattern, in the same
// directory as path so the rename is atomic.
func (s *Set) Save(path string) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		if tmp != nil {
			tmp.Close()
			os.Remove(tmpName)
		}
	}()

	w := bufio.NewWriter(tmp)
	header := make([]byte, headerSize)
	copy(header[0:4], magic)
	header[4] = formatVersion
	binary.LittleEndian.PutUint64(header[5:13], s.m)
	binary.LittleEndian.PutUint32(header[13:17], s.k)
	binary.LittleEndian.PutUint64(header[17:25], s.n)
	binary.LittleEndian.PutUint64(header[25:33], math.Float64bits(s.p))

	if _, err := w.Write(header); err != nil {
		return err
	}
	if _, err := w.Write(s.bits); err != nil {
		return err
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	closed := tmp
	tmp = nil
	_ = closed

	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	return nil
}

// Quarantine renames a corrupt dedupe file aside to "<path>.bad", per
// spec.md §7. It is not an error for path to already be absent.
func Quarantine(path string) error {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return os.Rename(path, path+".bad")
}
