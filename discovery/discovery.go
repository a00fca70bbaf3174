// Package discovery enumerates candidate usernames per spec.md §4.G and
// enqueues a targeted per-user backfill for every username not yet present
// in the cluster's user-aggregate directory. Enumeration follows the same
// shape as naicreport/hostnames.Hostnames: list a directory, filter with a
// regexp, dedupe into a set, sort.
package discovery

import (
	"context"
	"os"
	"regexp"
	"sort"
	"time"

	"golang.org/x/sys/unix"

	"clusterboard/accounting"
	"clusterboard/units"
)

// systemAccountRe matches well-known non-human account names; entries
// matching it are never proposed as discovery candidates regardless of UID.
var systemAccountRe = regexp.MustCompile(`^(root|daemon|bin|sys|sync|games|man|lp|mail|news|uucp|proxy|www-data|backup|list|irc|gnats|nobody|systemd.*|_.*|.*\$)$`)

// DefaultMinUID is the UID below which a home directory's owner is assumed to
// be a system account rather than a human user, on typical Linux UID
// allocation schemes.
const DefaultMinUID = 1000

// HomeDirCandidates lists the normalized names of the directories under
// homeDirPath as usernames, dropping names matching systemAccountRe and
// directories whose owning UID is below minUID. A directory whose owner
// cannot be stat'd is skipped rather than failing the whole sweep.
func HomeDirCandidates(homeDirPath string, minUID uint32) ([]string, error) {
	entries, err := os.ReadDir(homeDirPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	found := make(map[string]bool)
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		name := units.NormalizeUsername(e.Name())
		if name == "" || systemAccountRe.MatchString(name) {
			continue
		}
		var st unix.Stat_t
		if err := unix.Stat(homeDirPath+"/"+e.Name(), &st); err != nil {
			continue
		}
		if st.Uid < minUID {
			continue
		}
		found[name] = true
	}

	names := make([]string, 0, len(found))
	for n := range found {
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}

// AccountingCandidates runs the accounting tool's distinct-user projection
// over a long trailing window and returns the normalized, filtered, sorted
// usernames it saw.
func AccountingCandidates(ctx context.Context, adapter *accounting.Adapter, cluster string, since, now time.Time) ([]string, error) {
	raw, err := adapter.DistinctUsers(ctx, cluster, since, now)
	if err != nil {
		return nil, err
	}
	found := make(map[string]bool)
	for _, u := range raw {
		name := units.NormalizeUsername(u)
		if name == "" || systemAccountRe.MatchString(name) {
			continue
		}
		found[name] = true
	}
	names := make([]string, 0, len(found))
	for n := range found {
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}

// Merge combines candidate lists from multiple sources into one sorted,
// deduplicated set.
func Merge(lists ...[]string) []string {
	found := make(map[string]bool)
	for _, l := range lists {
		for _, u := range l {
			found[u] = true
		}
	}
	out := make([]string, 0, len(found))
	for u := range found {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}

// New reports which of candidates are absent from knownUsers (typically the
// set of usernames already present in the cluster's agg/users directory).
func New(candidates []string, knownUsers map[string]bool) []string {
	out := make([]string, 0)
	for _, c := range candidates {
		if !knownUsers[c] {
			out = append(out, c)
		}
	}
	return out
}

// KnownUsers lists the usernames that already have an all-time aggregate
// file under usersDir.
func KnownUsers(usersDir string) (map[string]bool, error) {
	entries, err := os.ReadDir(usersDir)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]bool{}, nil
		}
		return nil, err
	}
	known := make(map[string]bool, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		const suffix = ".json"
		if len(name) > len(suffix) && name[len(name)-len(suffix):] == suffix {
			known[name[:len(name)-len(suffix)]] = true
		}
	}
	return known, nil
}
