package discovery

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
)

// Item is one pending targeted backfill, a username discovered on this
// cluster but not yet present in its all-time aggregates.
type Item struct {
	Username string `json:"username"`
}

// Queue is an on-disk FIFO of pending targeted backfills, so a tick that
// discovers new users but runs out of time to backfill them all can resume
// next tick (spec.md §4.I step 4). It is a free-form JSON-lines file, one
// Item per line, matching the teacher's preference for textual structured
// state over a binary format (naicreport/jobstate.go's doc comment on why it
// uses free CSV applies here too).
type Queue struct {
	Path string
}

// Load reads every pending item, in FIFO order. A missing file is an empty
// queue, not an error. Malformed lines are skipped.
func (q *Queue) Load() ([]Item, error) {
	f, err := os.Open(q.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var items []Item
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var it Item
		if err := json.Unmarshal([]byte(line), &it); err != nil {
			continue
		}
		items = append(items, it)
	}
	return items, nil
}

// Save atomically rewrites the queue to contain exactly items, in order.
func (q *Queue) Save(items []Item) error {
	dir := filepath.Dir(q.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(q.Path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	ok := false
	defer func() {
		if !ok {
			tmp.Close()
			os.Remove(tmpName)
		}
	}()

	w := bufio.NewWriter(tmp)
	enc := json.NewEncoder(w)
	for _, it := range items {
		if err := enc.Encode(it); err != nil {
			return err
		}
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
	ok = true
	return os.Rename(tmpName, q.Path)
}

// Enqueue appends usernames not already queued, preserving FIFO order.
func (q *Queue) Enqueue(usernames []string) error {
	items, err := q.Load()
	if err != nil {
		return err
	}
	present := make(map[string]bool, len(items))
	for _, it := range items {
		present[it.Username] = true
	}
	for _, u := range usernames {
		if !present[u] {
			items = append(items, Item{Username: u})
			present[u] = true
		}
	}
	return q.Save(items)
}

// Pop removes and returns up to n items from the front of the queue.
func (q *Queue) Pop(n int) ([]Item, error) {
	items, err := q.Load()
	if err != nil {
		return nil, err
	}
	if n > len(items) {
		n = len(items)
	}
	popped := items[:n]
	rest := items[n:]
	if err := q.Save(rest); err != nil {
		return nil, err
	}
	return popped, nil
}
