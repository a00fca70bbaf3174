package discovery

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestQueueEnqueueLoadPopFIFO(t *testing.T) {
	q := &Queue{Path: filepath.Join(t.TempDir(), "state", "backfill_queue.jsonl")}

	require.NoError(t, q.Enqueue([]string{"alice", "bob"}))
	require.NoError(t, q.Enqueue([]string{"bob", "cara"}), "enqueueing an already-queued user is a no-op")

	items, err := q.Load()
	require.NoError(t, err)
	require.Len(t, items, 3)
	require.Equal(t, "alice", items[0].Username)
	require.Equal(t, "bob", items[1].Username)
	require.Equal(t, "cara", items[2].Username)

	popped, err := q.Pop(2)
	require.NoError(t, err)
	require.Len(t, popped, 2)
	require.Equal(t, "alice", popped[0].Username)
	require.Equal(t, "bob", popped[1].Username)

	remaining, err := q.Load()
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	require.Equal(t, "cara", remaining[0].Username)
}

func TestQueueLoadMissingIsEmpty(t *testing.T) {
	q := &Queue{Path: filepath.Join(t.TempDir(), "missing.jsonl")}
	items, err := q.Load()
	require.NoError(t, err)
	require.Empty(t, items)
}

func TestQueuePopMoreThanAvailable(t *testing.T) {
	q := &Queue{Path: filepath.Join(t.TempDir(), "q.jsonl")}
	require.NoError(t, q.Enqueue([]string{"alice"}))

	popped, err := q.Pop(10)
	require.NoError(t, err)
	require.Len(t, popped, 1)

	remaining, err := q.Load()
	require.NoError(t, err)
	require.Empty(t, remaining)
}
