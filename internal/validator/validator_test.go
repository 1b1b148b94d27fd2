package validator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cascadeql/sync-engine/internal/graphstore"
	"github.com/cascadeql/sync-engine/internal/ids"
	"github.com/cascadeql/sync-engine/internal/schema"
	"github.com/cascadeql/sync-engine/internal/vectorsink"
	"github.com/cascadeql/sync-engine/internal/vectorsink/memsink"
)

type fixedResolver map[string]uint16

func (f fixedResolver) ModelID(model string) uint16 { return f[model] }

func buildRegistry() *schema.Registry {
	return schema.New([]schema.Model{
		{Name: "lead", Fields: []schema.Field{
			{Name: "id", InPayload: true},
			{Name: "partner_id", InPayload: true, IsForeignKey: true, TargetModel: "partner"},
		}},
		{Name: "partner", Fields: []schema.Field{{Name: "id", InPayload: true}}},
	}, nil)
}

func TestValidateModelDetectsOrphanFK(t *testing.T) {
	sink := memsink.New()
	ctx := context.Background()
	require.NoError(t, sink.Upsert(ctx, []vectorsink.Point{
		{ID: "lead-1", Payload: map[string]interface{}{"model": "lead", "id": float64(1), "partner_id": float64(999)}},
	}))
	graph := graphstore.New(sink, fixedResolver{"lead": 1, "partner": 2})
	v := New(buildRegistry(), sink, graph, nil)

	report, err := v.ValidateModel(ctx, "lead", Options{})
	require.NoError(t, err)
	assert.Equal(t, ClassificationOrphanFKs, report.Classification)
	require.Len(t, report.OrphanSamples, 1)
	assert.Equal(t, int64(999), report.OrphanSamples[0].TargetID)
	assert.Equal(t, 0.0, report.IntegrityScore)
}

func TestValidateModelConsistentWhenTargetsResolve(t *testing.T) {
	sink := memsink.New()
	ctx := context.Background()
	require.NoError(t, sink.Upsert(ctx, []vectorsink.Point{
		{ID: "lead-1", Payload: map[string]interface{}{"model": "lead", "id": float64(1), "partner_id": float64(78)}},
		{ID: "partner-78", Payload: map[string]interface{}{"model": "partner", "id": float64(78)}},
	}))
	graph := graphstore.New(sink, fixedResolver{"lead": 1, "partner": 2})
	v := New(buildRegistry(), sink, graph, nil)

	report, err := v.ValidateModel(ctx, "lead", Options{})
	require.NoError(t, err)
	assert.Equal(t, ClassificationConsistent, report.Classification)
	assert.Equal(t, 100.0, report.IntegrityScore)
}

func TestValidateModelDetectsStaleGraphEdge(t *testing.T) {
	sink := memsink.New()
	ctx := context.Background()
	require.NoError(t, sink.Upsert(ctx, []vectorsink.Point{
		{ID: "lead-1", Payload: map[string]interface{}{"model": "lead", "id": float64(1), "partner_id": float64(78)}},
		{ID: "partner-78", Payload: map[string]interface{}{"model": "partner", "id": float64(78)}},
	}))
	graph := graphstore.New(sink, fixedResolver{"lead": 1, "partner": 2})
	// a stale edge pointing at a partner id that no longer has a live record
	_, err := graph.UpsertRelationship(ctx, graphstore.Edge{
		SourceModel: "lead", SourceID: 1, Field: "partner_id",
		TargetModel: "partner", TargetID: 404, Kind: ids.RelationSingle,
	}, "run-1")
	require.NoError(t, err)

	v := New(buildRegistry(), sink, graph, nil)
	report, err := v.ValidateModel(ctx, "lead", Options{})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, report.GraphEdgesStale, 1)
}

func TestValidateModelFixReconcilesDriftedEdgeCountToActual(t *testing.T) {
	sink := memsink.New()
	ctx := context.Background()
	require.NoError(t, sink.Upsert(ctx, []vectorsink.Point{
		{ID: "lead-1", Payload: map[string]interface{}{"model": "lead", "id": float64(1), "partner_id": float64(78)}},
		{ID: "partner-78", Payload: map[string]interface{}{"model": "partner", "id": float64(78)}},
	}))
	graph := graphstore.New(sink, fixedResolver{"lead": 1, "partner": 2})
	edge, err := graph.UpsertRelationship(ctx, graphstore.Edge{
		SourceModel: "lead", SourceID: 1, Field: "partner_id",
		TargetModel: "partner", TargetID: 78, Kind: ids.RelationSingle,
	}, "run-1")
	require.NoError(t, err)
	// artificially drift the edge count far from the one real reference
	_, err = graph.UpdateEdgeCount(ctx, edge, 999, 999)
	require.NoError(t, err)

	v := New(buildRegistry(), sink, graph, nil)
	report, err := v.ValidateModel(ctx, "lead", Options{Fix: true})
	require.NoError(t, err)
	assert.True(t, report.Healed)

	healed, ok, err := graph.FindEdge(ctx, "lead", "partner_id", "partner", ids.RelationSingle)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, healed.EdgeCount)
	assert.Equal(t, 1, healed.UniqueTargets)
}

func TestValidateModelStoreOrphansPersistsOntoEdge(t *testing.T) {
	sink := memsink.New()
	ctx := context.Background()
	require.NoError(t, sink.Upsert(ctx, []vectorsink.Point{
		{ID: "lead-1", Payload: map[string]interface{}{"model": "lead", "id": float64(1), "partner_id": float64(201)}},
	}))
	graph := graphstore.New(sink, fixedResolver{"lead": 1, "partner": 2})
	_, err := graph.UpsertRelationship(ctx, graphstore.Edge{
		SourceModel: "lead", SourceID: 1, Field: "partner_id",
		TargetModel: "partner", TargetID: 201, Kind: ids.RelationSingle,
	}, "run-1")
	require.NoError(t, err)

	v := New(buildRegistry(), sink, graph, nil)
	_, err = v.ValidateModel(ctx, "lead", Options{StoreOrphans: true})
	require.NoError(t, err)

	edge, ok, err := graph.FindEdge(ctx, "lead", "partner_id", "partner", ids.RelationSingle)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, edge.OrphanCount)
	assert.Equal(t, 0.0, edge.ValidationIntegrityScore)
	require.Len(t, edge.OrphanSamples, 1)
	assert.Equal(t, int64(201), edge.OrphanSamples[0].MissingTargetID)
}

func TestValidateModelBidirectionalFlagsForwardAndReverse(t *testing.T) {
	sink := memsink.New()
	ctx := context.Background()
	require.NoError(t, sink.Upsert(ctx, []vectorsink.Point{
		{ID: "lead-1", Payload: map[string]interface{}{"model": "lead", "id": float64(1), "partner_id": float64(999)}},
	}))
	graph := graphstore.New(sink, fixedResolver{"lead": 1, "partner": 2})
	edge, err := graph.UpsertRelationship(ctx, graphstore.Edge{
		SourceModel: "lead", SourceID: 1, Field: "partner_id",
		TargetModel: "partner", TargetID: 999, Kind: ids.RelationSingle,
	}, "run-1")
	require.NoError(t, err)
	_, err = graph.UpdateEdgeCount(ctx, edge, 50, 50) // drifted far past tolerance
	require.NoError(t, err)

	v := New(buildRegistry(), sink, graph, nil)
	report, err := v.ValidateModel(ctx, "lead", Options{Bidirectional: true})
	require.NoError(t, err)
	require.NotNil(t, report.ForwardConsistent)
	require.NotNil(t, report.ReverseConsistent)
	assert.False(t, *report.ForwardConsistent)
	assert.False(t, *report.ReverseConsistent) // the 999 reference is an orphan
}

func TestValidateModelAutoSyncCascadesOrphanTargets(t *testing.T) {
	sink := memsink.New()
	ctx := context.Background()
	require.NoError(t, sink.Upsert(ctx, []vectorsink.Point{
		{ID: "lead-1", Payload: map[string]interface{}{"model": "lead", "id": float64(1), "partner_id": float64(201)}},
	}))
	graph := graphstore.New(sink, fixedResolver{"lead": 1, "partner": 2})
	_, err := graph.UpsertRelationship(ctx, graphstore.Edge{
		SourceModel: "lead", SourceID: 1, Field: "partner_id",
		TargetModel: "partner", TargetID: 201, Kind: ids.RelationSingle,
	}, "run-1")
	require.NoError(t, err)

	v := New(buildRegistry(), sink, graph, nil) // nil cascader: auto-sync is a no-op, never panics
	report, err := v.ValidateModel(ctx, "lead", Options{Fix: true, AutoSync: true})
	require.NoError(t, err)
	assert.Empty(t, report.AutoSyncedTargets)
}

func TestValidateModelUnknownModel(t *testing.T) {
	sink := memsink.New()
	graph := graphstore.New(sink, fixedResolver{})
	v := New(buildRegistry(), sink, graph, nil)
	_, err := v.ValidateModel(context.Background(), "ghost", Options{})
	assert.Error(t, err)
}
