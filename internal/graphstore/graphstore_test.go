package graphstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cascadeql/sync-engine/internal/ids"
	"github.com/cascadeql/sync-engine/internal/vectorsink/memsink"
)

type fixedResolver map[string]uint16

func (f fixedResolver) ModelID(model string) uint16 { return f[model] }

func newStore() *Store {
	return New(memsink.New(), fixedResolver{"lead": 344, "partner": 78})
}

func sampleEdge() Edge {
	return Edge{
		SourceModel: "lead", SourceID: 1, Field: "partner_id",
		TargetModel: "partner", TargetID: 78, Kind: ids.RelationSingle,
	}
}

func TestUpsertRelationshipIsIdempotentAndAccumulates(t *testing.T) {
	s := newStore()
	ctx := context.Background()

	e1, err := s.UpsertRelationship(ctx, sampleEdge(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, 1, e1.EdgeCount)
	assert.Equal(t, 1, e1.UniqueTargets)
	assert.Equal(t, CardinalityOneToOne, e1.CardinalityClass)

	e2, err := s.UpsertRelationship(ctx, sampleEdge(), "run-2")
	require.NoError(t, err)
	assert.Equal(t, 2, e2.EdgeCount)
	assert.Equal(t, 1, e2.UniqueTargets)
	assert.Equal(t, CardinalityOneToFew, e2.CardinalityClass)
	assert.ElementsMatch(t, []string{"run-1", "run-2"}, e2.CascadeSources)
}

func TestUpsertRelationshipMergesUniqueTargetsByMax(t *testing.T) {
	s := newStore()
	ctx := context.Background()

	first := sampleEdge()
	first.EdgeCount = 5
	first.UniqueTargets = 2
	e1, err := s.UpsertRelationship(ctx, first, "run-1")
	require.NoError(t, err)
	assert.Equal(t, 5, e1.EdgeCount)
	assert.Equal(t, 2, e1.UniqueTargets)

	second := sampleEdge()
	second.EdgeCount = 3
	second.UniqueTargets = 1
	e2, err := s.UpsertRelationship(ctx, second, "run-2")
	require.NoError(t, err)
	assert.Equal(t, 8, e2.EdgeCount)  // additive
	assert.Equal(t, 2, e2.UniqueTargets) // max, not additive
}

func TestMarkLeafModelFlipsInboundEdges(t *testing.T) {
	s := newStore()
	ctx := context.Background()
	_, err := s.UpsertRelationship(ctx, sampleEdge(), "run-1")
	require.NoError(t, err)

	require.NoError(t, s.MarkLeafModel(ctx, "partner", true))

	edges, err := s.EdgesIntoModel(ctx, "partner")
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.True(t, edges[0].IsLeaf)
}

func TestRecordOrphansPersistsSamples(t *testing.T) {
	s := newStore()
	ctx := context.Background()
	e, err := s.UpsertRelationship(ctx, sampleEdge(), "run-1")
	require.NoError(t, err)

	updated, err := s.RecordOrphans(ctx, e, 1, 50, []OrphanSample{{SourceID: 1, MissingTargetID: 78}})
	require.NoError(t, err)
	assert.Equal(t, 1, updated.OrphanCount)
	assert.Equal(t, 50.0, updated.ValidationIntegrityScore)
	require.Len(t, updated.OrphanSamples, 1)
	assert.Equal(t, int64(78), updated.OrphanSamples[0].MissingTargetID)
}

func TestUpdateEdgeCountReconcilesActuals(t *testing.T) {
	s := newStore()
	ctx := context.Background()
	e, err := s.UpsertRelationship(ctx, sampleEdge(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, 1, e.EdgeCount)

	updated, err := s.UpdateEdgeCount(ctx, e, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, updated.EdgeCount)
	assert.Equal(t, 1, updated.UniqueTargets)
}

func TestOutgoingAndIncoming(t *testing.T) {
	s := newStore()
	ctx := context.Background()
	_, err := s.UpsertRelationship(ctx, sampleEdge(), "run-1")
	require.NoError(t, err)

	out, err := s.OutgoingOf(ctx, "lead", 1)
	require.NoError(t, err)
	require.Len(t, out, 1)

	in, err := s.IncomingOf(ctx, "partner", 78)
	require.NoError(t, err)
	require.Len(t, in, 1)
}

func TestUpdateValidationTracksRollingHistory(t *testing.T) {
	s := newStore()
	ctx := context.Background()
	e, err := s.UpsertRelationship(ctx, sampleEdge(), "run-1")
	require.NoError(t, err)

	for i := 0; i < 12; i++ {
		e, err = s.UpdateValidation(ctx, e, true, float64(i))
		require.NoError(t, err)
	}
	assert.Len(t, e.ValidationHistory, maxValidationHistory)
	assert.Equal(t, float64(11), e.ValidationHistory[len(e.ValidationHistory)-1].IntegrityScore)
}

func TestIntegrityTrendPositiveSlope(t *testing.T) {
	hist := []ValidationRecord{{IntegrityScore: 0.5}, {IntegrityScore: 0.7}, {IntegrityScore: 0.9}}
	assert.Greater(t, IntegrityTrend(hist), 0.0)
}

func TestTraverseBFS(t *testing.T) {
	s := newStore()
	ctx := context.Background()
	_, err := s.UpsertRelationship(ctx, sampleEdge(), "run-1")
	require.NoError(t, err)

	edges, err := s.Traverse(ctx, "lead", 1, 2)
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, "partner", edges[0].TargetModel)
}

func TestComputeStats(t *testing.T) {
	valid := true
	stats := ComputeStats([]Edge{
		{SourceModel: "lead", TargetModel: "partner", Valid: &valid},
		{SourceModel: "lead", TargetModel: "partner", Valid: nil},
	})
	assert.Equal(t, 2, stats.TotalEdges)
	assert.Equal(t, 1, stats.ValidEdges)
	assert.Equal(t, 1, stats.UnvalidatedCount)
}
