package dlq

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendAndAll(t *testing.T) {
	q, err := Open(filepath.Join(t.TempDir(), "dlq.jsonl"))
	require.NoError(t, err)

	require.NoError(t, q.Append(Entry{RecordID: "1", Model: "lead", FailureStage: "embed", FailedAt: time.Now()}))
	require.NoError(t, q.Append(Entry{RecordID: "2", Model: "lead", FailureStage: "upsert", FailedAt: time.Now()}))

	entries, err := q.All()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "embed", entries[0].FailureStage)

	depth, err := q.Depth()
	require.NoError(t, err)
	assert.Equal(t, 2, depth)
}

func TestDrainEmptiesQueue(t *testing.T) {
	q, err := Open(filepath.Join(t.TempDir(), "dlq.jsonl"))
	require.NoError(t, err)
	require.NoError(t, q.Append(Entry{RecordID: "1"}))

	entries, err := q.Drain()
	require.NoError(t, err)
	require.Len(t, entries, 1)

	depth, err := q.Depth()
	require.NoError(t, err)
	assert.Equal(t, 0, depth)
}

func TestAllOnMissingFileIsEmpty(t *testing.T) {
	q, err := Open(filepath.Join(t.TempDir(), "nope.jsonl"))
	require.NoError(t, err)
	entries, err := q.All()
	require.NoError(t, err)
	assert.Empty(t, entries)
}
