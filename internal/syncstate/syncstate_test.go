package syncstate

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutThenReopenSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Put(ModelState{Model: "lead", RecordsSynced: 10, LastSyncType: "full", LastSyncedAt: time.Now()}))

	reopened, err := Open(path)
	require.NoError(t, err)
	st, ok := reopened.Get("lead")
	require.True(t, ok)
	assert.Equal(t, int64(10), st.RecordsSynced)
}

func TestGetMissingModel(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "nope.json"))
	require.NoError(t, err)
	_, ok := s.Get("ghost")
	assert.False(t, ok)
}
