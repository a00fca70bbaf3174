// Package units parses the small string encodings the accounting tool uses for
// memory sizes and trackable-resource lists, and normalizes usernames. These are
// pure functions with no I/O, in the spirit of go-utils/sonarlog's small
// self-contained string/bit utilities.
package units

import (
	"regexp"
	"strconv"
	"strings"
)

// memSuffixes maps the accounting tool's single-letter memory suffixes to a
// base-10 multiplier, producing a result in megabytes (suffix-less values are
// already megabytes).
var memSuffixes = map[byte]float64{
	'K': 1e3 / 1e6,
	'M': 1,
	'G': 1e3,
	'T': 1e6,
}

// ParseMemoryMB parses a numeric prefix and an optional {K,M,G,T} suffix
// (base-10 powers of 1000) into a megabyte quantity. A missing or unparseable
// value contributes 0, per spec.md §4.A.
func ParseMemoryMB(s string) float64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	mult := 1.0
	last := s[len(s)-1]
	if m, ok := memSuffixes[last]; ok {
		mult = m
		s = s[:len(s)-1]
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v * mult
}

// ResolveReqMem interprets a ReqMem string per spec.md §4.A: a trailing 'c'
// means per-CPU (multiply by allocCPUs), a trailing 'n' means per-node
// (multiply by nnodes), and no suffix also means per-node.
func ResolveReqMem(s string, allocCPUs, nnodes int) float64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	switch s[len(s)-1] {
	case 'c':
		return ParseMemoryMB(s[:len(s)-1]) * float64(allocCPUs)
	case 'n':
		return ParseMemoryMB(s[:len(s)-1]) * float64(nnodes)
	default:
		return ParseMemoryMB(s) * float64(nnodes)
	}
}

// gpuTokenRe matches one gres/gpu TRES token, with or without a device type,
// e.g. "gres/gpu=2" or "gres/gpu:a100=4".
var gpuTokenRe = regexp.MustCompile(`^gres/gpu(?::[^=]+)?=(\d+)$`)

// GPUCount sums the integer following every gres/gpu or gres/gpu:<type> token
// in a comma-separated AllocTRES string. Absence of any such token yields 0.
func GPUCount(allocTRES string) int {
	if allocTRES == "" {
		return 0
	}
	total := 0
	for _, tok := range strings.Split(allocTRES, ",") {
		tok = strings.TrimSpace(tok)
		m := gpuTokenRe.FindStringSubmatch(tok)
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		total += n
	}
	return total
}

// NormalizeUsername lowercases a username and strips any "@realm" suffix.
func NormalizeUsername(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if at := strings.IndexByte(s, '@'); at >= 0 {
		s = s[:at]
	}
	return s
}

// IsJobStep reports whether a JobID denotes a job step (contains a '.'),
// which is always discarded before dedupe.
func IsJobStep(jobID string) bool {
	return strings.Contains(jobID, ".")
}
