// Package validator implements the FK validation and reconciliation core
// from spec §4.5: for every FK field on a model, sample target existence in
// batches, classify drift between the graph store and live data as
// stale_graph / orphan_fks / both, and optionally auto-heal by updating
// edge counts or re-running a targeted cascade sync. The batched-probe,
// bounded-sample shape follows the teacher's services/indexer consistency
// checks (compare local state against upstream truth in chunks, never in
// one giant query).
package validator

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/cascadeql/sync-engine/internal/cascade"
	"github.com/cascadeql/sync-engine/internal/graphstore"
	"github.com/cascadeql/sync-engine/internal/ids"
	"github.com/cascadeql/sync-engine/internal/schema"
	"github.com/cascadeql/sync-engine/internal/vectorsink"
)

const (
	existenceProbeChunkSize = 500
	defaultOrphanSampleCap  = 10
	defaultGlobalOrphanCap  = 100
)

// Classification is the bidirectional consistency verdict for one model.
type Classification string

const (
	ClassificationConsistent Classification = "consistent"
	ClassificationStaleGraph Classification = "stale_graph" // graph edges reference data no longer present
	ClassificationOrphanFKs  Classification = "orphan_fks"  // data FK values point at records missing entirely
	ClassificationBoth       Classification = "both"
)

// Orphan is one sampled FK value whose target could not be found.
type Orphan struct {
	SourceModel string
	SourceID    int64
	Field       string
	TargetModel string
	TargetID    int64
}

// Report is the outcome of validating one model's FK fields.
type Report struct {
	Model           string
	Classification  Classification
	FieldsChecked   []string
	OrphanSamples   []Orphan
	OrphanCount     int
	GraphEdgesStale int
	IntegrityScore  float64 // 0-100, rounded to 2 decimals

	ForwardConsistent *bool // set only when Options.Bidirectional
	ReverseConsistent *bool

	AutoSyncedTargets []string // set only when Options.AutoSync triggered a sub-sync
	PatternsExtracted bool
	HistoryTracked    bool
	Healed            bool
}

// Options tunes one validation run.
type Options struct {
	Fix             bool // auto-heal: reconcile drifted edge counts to the observed actuals
	GlobalOrphanCap int  // stop sampling orphans across the whole run past this count; 0 = default 100
	OrphanSampleCap int  // per-model orphan sample cap; 0 = default 10

	StoreOrphans    bool // persist orphan_count/validation_integrity_score/samples onto the edge
	Bidirectional   bool // check forward (graph-vs-actual) and reverse (orphan) consistency
	ExtractPatterns bool // refresh cardinality_class/ratio from the observed reference counts
	TrackHistory    bool // append this run's integrity score to the edge's rolling validation history
	AutoSync        bool // cascade-sync orphan targets instead of only reporting them; takes effect only together with Fix
}

// Validator checks and optionally repairs FK consistency between the
// graph store and the live vector-sink data.
type Validator struct {
	registry *schema.Registry
	sink     vectorsink.Sink
	graph    *graphstore.Store
	cascader *cascade.Coordinator
}

// New builds a Validator. cascader may be nil; it is only consulted when a
// validation run is invoked with Options.AutoSync.
func New(registry *schema.Registry, sink vectorsink.Sink, graph *graphstore.Store, cascader *cascade.Coordinator) *Validator {
	return &Validator{registry: registry, sink: sink, graph: graph, cascader: cascader}
}

// fieldState is the per-FK-field bookkeeping ValidateModel accumulates
// across the probe pass, carried forward into write-back and healing.
type fieldState struct {
	fk              schema.FKField
	actualRefCount  int
	actualUnique    int
	orphanCount     int
	orphanSamples   []Orphan
	resolvedCount   int
}

// ValidateModel checks every FK field on model.
func (v *Validator) ValidateModel(ctx context.Context, model string, opts Options) (Report, error) {
	if v.registry.Model(model) == nil {
		return Report{}, fmt.Errorf("validator: model %q not found", model)
	}
	globalCap := opts.GlobalOrphanCap
	if globalCap <= 0 {
		globalCap = defaultGlobalOrphanCap
	}
	sampleCap := opts.OrphanSampleCap
	if sampleCap <= 0 {
		sampleCap = defaultOrphanSampleCap
	}

	fkFields := v.registry.FKFieldsOf(model)
	report := Report{Model: model}
	var probed, resolved int

	for _, fk := range fkFields {
		report.FieldsChecked = append(report.FieldsChecked, fk.Name)
		st := fieldState{fk: fk}

		sourceIDs, err := v.sourceRecordIDs(ctx, model)
		if err != nil {
			return Report{}, err
		}
		fkValues, err := v.fkValuesOf(ctx, model, fk.Name, sourceIDs)
		if err != nil {
			return Report{}, err
		}
		st.actualRefCount = len(fkValues)
		distinct := distinctValues(fkValues)
		st.actualUnique = len(distinct)

		existing, err := v.probeExistence(ctx, fk.TargetModel, distinct)
		if err != nil {
			return Report{}, err
		}

		for sourceID, targetID := range fkValues {
			probed++
			if existing[targetID] {
				resolved++
				st.resolvedCount++
				continue
			}
			orphan := Orphan{
				SourceModel: model, SourceID: sourceID, Field: fk.Name,
				TargetModel: fk.TargetModel, TargetID: targetID,
			}
			if len(st.orphanSamples) < defaultOrphanSampleCap {
				st.orphanSamples = append(st.orphanSamples, orphan)
			}
			if len(report.OrphanSamples) < sampleCap && report.OrphanCount < globalCap {
				report.OrphanSamples = append(report.OrphanSamples, orphan)
			}
			report.OrphanCount++
			st.orphanCount++
		}

		edge, found, err := v.graph.FindEdge(ctx, model, fk.Name, fk.TargetModel, kindOf(fk))
		if err != nil {
			return Report{}, err
		}
		stale := 0
		if found && !existing[edge.TargetID] && edge.EdgeCount > 0 {
			stale = 1
		}
		report.GraphEdgesStale += stale

		if opts.Bidirectional && found {
			forwardOK := math.Abs(float64(st.actualRefCount-edge.EdgeCount)) <= math.Max(0.05*float64(edge.EdgeCount), 10)
			reverseOK := st.orphanCount == 0
			if report.ForwardConsistent == nil {
				f, r := forwardOK, reverseOK
				report.ForwardConsistent, report.ReverseConsistent = &f, &r
			} else {
				*report.ForwardConsistent = *report.ForwardConsistent && forwardOK
				*report.ReverseConsistent = *report.ReverseConsistent && reverseOK
			}
		}

		if opts.StoreOrphans && found {
			fieldScore := 100.0
			if st.actualRefCount > 0 {
				fieldScore = round2(float64(st.resolvedCount) / float64(st.actualRefCount) * 100)
			}
			samples := make([]graphstore.OrphanSample, 0, len(st.orphanSamples))
			for _, o := range st.orphanSamples {
				samples = append(samples, graphstore.OrphanSample{SourceID: o.SourceID, MissingTargetID: o.TargetID})
			}
			updated, err := v.graph.RecordOrphans(ctx, edge, st.orphanCount, fieldScore, samples)
			if err != nil {
				return Report{}, err
			}
			edge = updated
		}

		if opts.ExtractPatterns && found {
			reconciled, err := v.graph.UpdateEdgeCount(ctx, edge, edge.EdgeCount, st.actualUnique)
			if err != nil {
				return Report{}, err
			}
			edge = reconciled
			report.PatternsExtracted = true
		}

		if opts.TrackHistory && found {
			fieldScore := 100.0
			if st.actualRefCount > 0 {
				fieldScore = round2(float64(st.resolvedCount) / float64(st.actualRefCount) * 100)
			}
			valid := st.orphanCount == 0 && stale == 0
			if _, err := v.graph.UpdateValidation(ctx, edge, valid, fieldScore); err != nil {
				return Report{}, err
			}
			report.HistoryTracked = true
		}

		if opts.Fix && found {
			if err := v.healStaleEdges(ctx, edge, st); err != nil {
				return Report{}, err
			}
			report.Healed = true

			if opts.AutoSync && st.orphanCount > 0 && v.cascader != nil {
				orphanIDs := make([]int64, 0, len(st.orphanSamples))
				for _, o := range st.orphanSamples {
					orphanIDs = append(orphanIDs, o.TargetID)
				}
				if len(orphanIDs) > 0 {
					if _, err := v.cascader.SyncModel(ctx, fk.TargetModel, cascade.SyncIncremental, orphanIDs); err != nil {
						return Report{}, err
					}
					report.AutoSyncedTargets = append(report.AutoSyncedTargets, fk.TargetModel)
				}
			}
		}

	}

	if probed > 0 {
		report.IntegrityScore = round2(float64(resolved) / float64(probed) * 100)
	} else {
		report.IntegrityScore = 100
	}
	report.Classification = classify(report.OrphanCount, report.GraphEdgesStale)
	return report, nil
}

func classify(orphans, staleEdges int) Classification {
	switch {
	case orphans > 0 && staleEdges > 0:
		return ClassificationBoth
	case orphans > 0:
		return ClassificationOrphanFKs
	case staleEdges > 0:
		return ClassificationStaleGraph
	default:
		return ClassificationConsistent
	}
}

// sourceRecordIDs lists every record id currently indexed for model.
func (v *Validator) sourceRecordIDs(ctx context.Context, model string) ([]int64, error) {
	filter := &vectorsink.Filter{Must: []vectorsink.Condition{
		{Field: "model", Op: vectorsink.OpEq, Value: model},
	}}
	var ids []int64
	cursor := ""
	for {
		page, err := v.sink.Scroll(ctx, filter, cursor, existenceProbeChunkSize)
		if err != nil {
			return nil, err
		}
		for _, p := range page.Points {
			if id, ok := p.Payload["id"]; ok {
				if f, ok := toFloat(id); ok {
					ids = append(ids, int64(f))
				}
			}
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	return ids, nil
}

// fkValuesOf reads the fk field's current value for each source id by
// retrieving the corresponding data points.
func (v *Validator) fkValuesOf(ctx context.Context, model, field string, sourceIDs []int64) (map[int64]int64, error) {
	out := make(map[int64]int64, len(sourceIDs))
	filter := &vectorsink.Filter{Must: []vectorsink.Condition{{Field: "model", Op: vectorsink.OpEq, Value: model}}}
	cursor := ""
	for {
		page, err := v.sink.Scroll(ctx, filter, cursor, existenceProbeChunkSize)
		if err != nil {
			return nil, err
		}
		for _, p := range page.Points {
			sourceID, ok := toFloat(p.Payload["id"])
			if !ok {
				continue
			}
			targetID, ok := toFloat(p.Payload[field])
			if !ok {
				continue
			}
			out[int64(sourceID)] = int64(targetID)
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	return out, nil
}

// probeExistence batches target ids in chunks of existenceProbeChunkSize
// and checks which resolve to a live record (spec §4.5 "batched existence
// probes").
func (v *Validator) probeExistence(ctx context.Context, targetModel string, targetIDs []int64) (map[int64]bool, error) {
	existing := make(map[int64]bool, len(targetIDs))
	for start := 0; start < len(targetIDs); start += existenceProbeChunkSize {
		end := start + existenceProbeChunkSize
		if end > len(targetIDs) {
			end = len(targetIDs)
		}
		chunk := targetIDs[start:end]
		if len(chunk) == 0 {
			continue
		}
		values := make([]interface{}, len(chunk))
		for i, id := range chunk {
			values[i] = float64(id)
		}
		filter := &vectorsink.Filter{Must: []vectorsink.Condition{
			{Field: "model", Op: vectorsink.OpEq, Value: targetModel},
			{Field: "id", Op: vectorsink.OpIn, Value: values},
		}}
		page, err := v.sink.Scroll(ctx, filter, "", len(chunk))
		if err != nil {
			return nil, err
		}
		for _, p := range page.Points {
			if id, ok := toFloat(p.Payload["id"]); ok {
				existing[int64(id)] = true
			}
		}
	}
	return existing, nil
}

// healStaleEdges reconciles edge's counters to the observed actuals for
// drifted (stale_graph) edges, the auto-heal behavior spec §4.5 calls
// "--fix". A drifted count is repaired to what was actually just measured,
// not zeroed.
func (v *Validator) healStaleEdges(ctx context.Context, edge graphstore.Edge, st fieldState) error {
	if edge.EdgeCount == st.actualRefCount && edge.UniqueTargets == st.actualUnique {
		return nil
	}
	_, err := v.graph.UpdateEdgeCount(ctx, edge, st.actualRefCount, st.actualUnique)
	return err
}

func kindOf(fk schema.FKField) ids.RelationKind {
	switch fk.Type {
	case schema.FieldReferenceMulti:
		return ids.RelationMulti
	case schema.FieldReferenceReverse:
		return ids.RelationReverse
	default:
		return ids.RelationSingle
	}
}

func distinctValues(m map[int64]int64) []int64 {
	seen := make(map[int64]bool, len(m))
	out := make([]int64, 0, len(m))
	for _, v := range m {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
