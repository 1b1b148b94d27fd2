package query

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cascadeql/sync-engine/internal/cache"
	"github.com/cascadeql/sync-engine/internal/exportstore"
	"github.com/cascadeql/sync-engine/internal/graphstore"
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
			{Name: "name", InPayload: true},
			{Name: "partner_id", InPayload: true, IsForeignKey: true, TargetModel: "partner"},
			{Name: "expected_revenue", InPayload: true},
		}},
		{Name: "partner", Fields: []schema.Field{
			{Name: "id", InPayload: true},
			{Name: "name", InPayload: true},
		}},
	}, []string{"model", "name"})
}

func seedSink(t *testing.T) *memsink.Sink {
	t.Helper()
	sink := memsink.New()
	require.NoError(t, sink.Upsert(context.Background(), []vectorsink.Point{
		{ID: "lead-1", Payload: map[string]interface{}{"model": "lead", "id": float64(1), "name": "Acme Deal", "partner_id": float64(78), "expected_revenue": float64(5000)}},
		{ID: "partner-78", Payload: map[string]interface{}{"model": "partner", "id": float64(78), "name": "Acme Corp"}},
	}))
	return sink
}

func TestRunRejectsUnindexedFilter(t *testing.T) {
	sink := seedSink(t)
	e := New(buildRegistry(), sink, nil)

	_, err := e.Run(context.Background(), Request{
		Model:   "lead",
		Filters: []FilterCondition{{Field: "expected_revenue", Op: OpGt, Value: float64(100)}},
	})
	require.Error(t, err)
}

func TestRunIndexedFilterSucceeds(t *testing.T) {
	sink := seedSink(t)
	e := New(buildRegistry(), sink, nil)

	resp, err := e.Run(context.Background(), Request{
		Model:   "lead",
		Filters: []FilterCondition{{Field: "name", Op: OpEq, Value: "Acme Deal"}},
	})
	require.NoError(t, err)
	require.Len(t, resp.Records, 1)
	assert.NotEmpty(t, resp.ReconciliationChecksum.Hash)
	assert.Equal(t, int64(1), resp.ReconciliationChecksum.RecordCount)
}

func TestRunResolvesLink(t *testing.T) {
	sink := seedSink(t)
	e := New(buildRegistry(), sink, nil)

	resp, err := e.Run(context.Background(), Request{Model: "lead", Link: "partner_id.name"})
	require.NoError(t, err)
	require.Len(t, resp.Records, 1)
	assert.Equal(t, "Acme Corp", resp.Records[0].LinkedValue)
}

func TestRunEnrichesWithGraphContext(t *testing.T) {
	sink := seedSink(t)
	graph := graphstore.New(sink, fixedResolver{"lead": 344, "partner": 78})
	_, err := graph.UpsertRelationship(context.Background(), graphstore.Edge{
		SourceModel: "lead", SourceID: 1, Field: "partner_id", TargetModel: "partner", TargetID: 78,
	}, "run-1")
	require.NoError(t, err)

	e := New(buildRegistry(), sink, graph)
	resp, err := e.Run(context.Background(), Request{Model: "lead"})
	require.NoError(t, err)
	require.Len(t, resp.Records, 1)
	assert.Len(t, resp.Records[0].GraphContext, 1)
}

func TestRunEnrichKeepsGraphContextCached(t *testing.T) {
	sink := seedSink(t)
	graph := graphstore.New(sink, fixedResolver{"lead": 344, "partner": 78})
	_, err := graph.UpsertRelationship(context.Background(), graphstore.Edge{
		SourceModel: "lead", SourceID: 1, Field: "partner_id", TargetModel: "partner", TargetID: 78,
	}, "run-1")
	require.NoError(t, err)

	c := cache.NewCache(cache.CacheConfig{DefaultTTL: time.Minute, MaxSize: 10})
	e := New(buildRegistry(), sink, graph).WithCache(c, time.Minute)

	resp, err := e.Run(context.Background(), Request{Model: "lead"})
	require.NoError(t, err)
	require.Len(t, resp.Records[0].GraphContext, 1)

	require.NoError(t, sink.Delete(context.Background(), []string{"lead-1"}))

	resp, err = e.Run(context.Background(), Request{Model: "lead"})
	require.NoError(t, err)
	assert.Empty(t, resp.Records)

	if _, ok := c.Get("graphctx:lead:1"); !ok {
		t.Fatal("expected graph context to remain cached after the source point was deleted")
	}
}

func TestRunExportToFileWritesResponseAndSetsPath(t *testing.T) {
	sink := seedSink(t)
	store, err := exportstore.NewLocalStore(t.TempDir())
	require.NoError(t, err)

	e := New(buildRegistry(), sink, nil).WithExporter(store)
	resp, err := e.Run(context.Background(), Request{Model: "lead", ExportToFile: true})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.ExportedTo)

	data, err := os.ReadFile(resp.ExportedTo)
	require.NoError(t, err)
	assert.Contains(t, string(data), "Acme Deal")
}

func TestRunAggregationSumsAcrossGroupsWithReconciledChecksum(t *testing.T) {
	sink := seedSink(t)
	require.NoError(t, sink.Upsert(context.Background(), []vectorsink.Point{
		{ID: "lead-2", Payload: map[string]interface{}{"model": "lead", "id": float64(2), "name": "Acme Deal", "partner_id": float64(78), "expected_revenue": float64(1500)}},
	}))
	e := New(buildRegistry(), sink, nil)

	resp, err := e.Run(context.Background(), Request{
		Model:        "lead",
		Aggregations: []Aggregation{{Field: "expected_revenue", Op: AggSum, Alias: "total_revenue"}},
		GroupBy:      []string{"name"},
		Shape:        ShapeFull,
	})
	require.NoError(t, err)
	require.Len(t, resp.Groups, 1)
	assert.Equal(t, 6500.0, resp.Groups[0].Values["total_revenue"])
	assert.Equal(t, int64(2), resp.Groups[0].Count)
	assert.Equal(t, 6500.0, resp.ReconciliationChecksum.GrandTotal)
	assert.Equal(t, int64(2), resp.ReconciliationChecksum.RecordCount)

	resp2, err := e.Run(context.Background(), Request{
		Model:        "lead",
		Aggregations: []Aggregation{{Field: "expected_revenue", Op: AggSum, Alias: "total_revenue"}},
		GroupBy:      []string{"name"},
		Shape:        ShapeSummary,
	})
	require.NoError(t, err)
	assert.Empty(t, resp2.Groups)
	assert.Equal(t, resp.ReconciliationChecksum.Hash, resp2.ReconciliationChecksum.Hash)
}

func TestRunUnknownModel(t *testing.T) {
	sink := seedSink(t)
	e := New(buildRegistry(), sink, nil)
	_, err := e.Run(context.Background(), Request{Model: "ghost"})
	assert.Error(t, err)
}

func TestShapeSummaryTrimsPayload(t *testing.T) {
	records := []Record{{ID: "x", Payload: map[string]interface{}{"id": 1, "model": "lead", "name": "A", "expected_revenue": 5}}}
	out := shape(records, ShapeSummary)
	assert.Len(t, out[0].Payload, 3)
}

func TestChecksumIsPureFunctionOfGrandTotalAndRecordCount(t *testing.T) {
	assert.Equal(t, checksum(42, 3), checksum(42, 3))
	assert.NotEqual(t, checksum(42, 3), checksum(42, 4))
	assert.NotEqual(t, checksum(42, 3), checksum(43, 3))
}
