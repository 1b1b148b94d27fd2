package memsink

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cascadeql/sync-engine/internal/vectorsink"
)

func seed(t *testing.T) *Sink {
	t.Helper()
	s := New()
	err := s.Upsert(context.Background(), []vectorsink.Point{
		{ID: "a", Vector: []float32{1, 0}, Payload: map[string]interface{}{"model": "lead", "amount": float64(100)}},
		{ID: "b", Vector: []float32{0, 1}, Payload: map[string]interface{}{"model": "lead", "amount": float64(900)}},
		{ID: "c", Vector: []float32{1, 1}, Payload: map[string]interface{}{"model": "partner", "amount": float64(50)}},
	})
	require.NoError(t, err)
	return s
}

func TestCountWithFilter(t *testing.T) {
	s := seed(t)
	n, err := s.Count(context.Background(), &vectorsink.Filter{Must: []vectorsink.Condition{
		{Field: "model", Op: vectorsink.OpEq, Value: "lead"},
	}})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestScrollPaginatesWithCursor(t *testing.T) {
	s := seed(t)
	page1, err := s.Scroll(context.Background(), nil, "", 2)
	require.NoError(t, err)
	assert.Len(t, page1.Points, 2)
	assert.NotEmpty(t, page1.NextCursor)

	page2, err := s.Scroll(context.Background(), nil, page1.NextCursor, 2)
	require.NoError(t, err)
	assert.Len(t, page2.Points, 1)
	assert.Empty(t, page2.NextCursor)
}

func TestSearchRanksByCosineSimilarity(t *testing.T) {
	s := seed(t)
	results, err := s.Search(context.Background(), []float32{1, 0}, nil, 2)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "a", results[0].ID)
}

func TestGtFilter(t *testing.T) {
	s := seed(t)
	n, err := s.Count(context.Background(), &vectorsink.Filter{Must: []vectorsink.Condition{
		{Field: "amount", Op: vectorsink.OpGt, Value: float64(80)},
	}})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestDeleteRemovesFromScroll(t *testing.T) {
	s := seed(t)
	require.NoError(t, s.Delete(context.Background(), []string{"a"}))
	page, err := s.Scroll(context.Background(), nil, "", 10)
	require.NoError(t, err)
	assert.Len(t, page.Points, 2)
}

func TestCreatePayloadIndexTracksField(t *testing.T) {
	s := New()
	require.NoError(t, s.CreatePayloadIndex(context.Background(), "model"))
	assert.True(t, s.IsIndexed("model"))
	assert.False(t, s.IsIndexed("other"))
}
