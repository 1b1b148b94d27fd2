// Package graphstore implements the content-addressed FK-edge store from
// spec §4.4. Edges live as points in the same single-collection vector
// index the sync core writes data records into (graph namespace, via
// internal/ids.Graph), the same "everything is a point" design the
// teacher's storage layer uses for blocks and transactions alike rather
// than standing up a second datastore.
package graphstore

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/cascadeql/sync-engine/internal/ids"
	"github.com/cascadeql/sync-engine/internal/vectorsink"
)

const maxCascadeSources = 100
const maxValidationHistory = 10
const maxOrphanSamples = 10

// CardinalityClass is the human-facing relationship shape, derived from the
// unique_targets/edge_count ratio rather than the raw relation kind.
type CardinalityClass string

const (
	CardinalityOneToOne  CardinalityClass = "one-to-one"
	CardinalityOneToFew  CardinalityClass = "one-to-few"
	CardinalityOneToMany CardinalityClass = "one-to-many"
)

// ValidationRecord is one point-in-time integrity observation, kept in a
// rolling window per edge.
type ValidationRecord struct {
	At             time.Time `json:"at"`
	IntegrityScore float64   `json:"integrity_score"`
}

// OrphanSample is one FK reference sampled during validation whose target
// could not be found, persisted onto the edge by store_orphans.
type OrphanSample struct {
	SourceID        int64     `json:"source_id"`
	MissingTargetID int64     `json:"missing_target_id"`
	At              time.Time `json:"at"`
}

// Edge is one FK relationship profile between a source model and a target
// model via one field: a relationship-shape aggregate with counters, not a
// single record-to-record pointer.
type Edge struct {
	SourceModel      string           `json:"source_model"`
	SourceID         int64            `json:"source_id"`
	Field            string           `json:"field"`
	TargetModel      string           `json:"target_model"`
	TargetID         int64            `json:"target_id"`
	Kind             ids.RelationKind `json:"kind"`
	CardinalityClass CardinalityClass `json:"cardinality_class"`
	CardinalityRatio float64          `json:"cardinality_ratio"`
	AvgRefsPerTarget float64          `json:"avg_refs_per_target"`
	EdgeCount        int              `json:"edge_count"`
	UniqueTargets    int              `json:"unique_targets"`
	DepthFromOrigin  int              `json:"depth_from_origin"`
	Description      string           `json:"description,omitempty"`
	CascadeSources   []string         `json:"cascade_sources"`

	Valid             *bool              `json:"valid,omitempty"`
	ValidationHistory []ValidationRecord `json:"validation_history,omitempty"`

	OrphanCount              int            `json:"orphan_count"`
	ValidationIntegrityScore float64        `json:"validation_integrity_score"`
	OrphanSamples            []OrphanSample `json:"orphan_samples,omitempty"`

	IsLeaf         bool      `json:"is_leaf"`
	LastCascade    time.Time `json:"last_cascade"`
	LastValidation time.Time `json:"last_validation"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func (e Edge) pointID(modelIDs ModelIDResolver) string {
	srcID := modelIDs.ModelID(e.SourceModel)
	tgtID := modelIDs.ModelID(e.TargetModel)
	fieldID := fieldHash(e.SourceModel, e.Field)
	return ids.String(ids.Graph(srcID, tgtID, fieldID, e.Kind))
}

// ModelIDResolver maps a model name to its schema-registered numeric id,
// needed to compute the deterministic graph point id.
type ModelIDResolver interface {
	ModelID(model string) uint16
}

// Store is the FK-edge store.
type Store struct {
	sink     vectorsink.Sink
	resolver ModelIDResolver
	now      func() time.Time
}

// New builds a Store backed by sink, resolving model ids through resolver.
func New(sink vectorsink.Sink, resolver ModelIDResolver) *Store {
	return &Store{sink: sink, resolver: resolver, now: time.Now}
}

func (s *Store) edgeKey(e Edge) string { return e.pointID(s.resolver) }

// UpsertRelationship idempotently records one FK edge. The incoming e
// carries the counters observed by one sync run (edge_count = references
// seen this run, unique_targets = distinct target ids seen this run); the
// store merges those into any prior state by adding edge_count and taking
// the max of unique_targets, the counter-merge rule spec §4.4 calls for.
// Non-counter fields (depth, leaf, description) are last-writer-wins.
func (s *Store) UpsertRelationship(ctx context.Context, e Edge, cascadeSourceID string) (Edge, error) {
	key := s.edgeKey(e)
	existing, found, err := s.getByKey(ctx, key)
	if err != nil {
		return Edge{}, err
	}

	now := s.now()
	incomingEdgeCount := e.EdgeCount
	if incomingEdgeCount <= 0 {
		incomingEdgeCount = 1
	}
	incomingUniqueTargets := e.UniqueTargets
	if incomingUniqueTargets <= 0 {
		incomingUniqueTargets = 1
	}

	merged := e
	if found {
		merged.EdgeCount = existing.EdgeCount + incomingEdgeCount
		merged.UniqueTargets = existing.UniqueTargets
		if incomingUniqueTargets > merged.UniqueTargets {
			merged.UniqueTargets = incomingUniqueTargets
		}
		merged.CascadeSources = existing.CascadeSources
		merged.Valid = existing.Valid
		merged.ValidationHistory = existing.ValidationHistory
		merged.OrphanCount = existing.OrphanCount
		merged.ValidationIntegrityScore = existing.ValidationIntegrityScore
		merged.OrphanSamples = existing.OrphanSamples
		merged.LastValidation = existing.LastValidation
		merged.CreatedAt = existing.CreatedAt
		if merged.Description == "" {
			merged.Description = existing.Description
		}
	} else {
		merged.EdgeCount = incomingEdgeCount
		merged.UniqueTargets = incomingUniqueTargets
		merged.CreatedAt = now
	}
	merged.CardinalityClass, merged.CardinalityRatio, merged.AvgRefsPerTarget = classify(merged.UniqueTargets, merged.EdgeCount)
	merged.LastCascade = now
	merged.UpdatedAt = now
	e = merged

	if cascadeSourceID != "" && !containsString(e.CascadeSources, cascadeSourceID) {
		e.CascadeSources = append(e.CascadeSources, cascadeSourceID)
		if len(e.CascadeSources) > maxCascadeSources {
			e.CascadeSources = e.CascadeSources[len(e.CascadeSources)-maxCascadeSources:]
		}
	}

	if err := s.put(ctx, key, e); err != nil {
		return Edge{}, err
	}
	return e, nil
}

// Get returns the edge for the given endpoint triple.
func (s *Store) Get(ctx context.Context, e Edge) (Edge, bool, error) {
	return s.getByKey(ctx, s.edgeKey(e))
}

func (s *Store) getByKey(ctx context.Context, key string) (Edge, bool, error) {
	pts, err := s.sink.Retrieve(ctx, []string{key})
	if err != nil {
		return Edge{}, false, err
	}
	if len(pts) == 0 {
		return Edge{}, false, nil
	}
	return decodeEdge(pts[0]), true, nil
}

func (s *Store) put(ctx context.Context, key string, e Edge) error {
	return s.sink.Upsert(ctx, []vectorsink.Point{encodeEdge(key, e)})
}

// OutgoingOf returns every edge whose source is (model, id).
func (s *Store) OutgoingOf(ctx context.Context, model string, id int64) ([]Edge, error) {
	return s.scrollWhere(ctx, "source_model", model, "source_id", float64(id))
}

// IncomingOf returns every edge whose target is (model, id).
func (s *Store) IncomingOf(ctx context.Context, model string, id int64) ([]Edge, error) {
	return s.scrollWhere(ctx, "target_model", model, "target_id", float64(id))
}

func (s *Store) scrollWhere(ctx context.Context, modelField, model, idField string, id float64) ([]Edge, error) {
	filter := &vectorsink.Filter{Must: []vectorsink.Condition{
		{Field: "ns", Op: vectorsink.OpEq, Value: "graph"},
		{Field: modelField, Op: vectorsink.OpEq, Value: model},
		{Field: idField, Op: vectorsink.OpEq, Value: id},
	}}
	var out []Edge
	cursor := ""
	for {
		page, err := s.sink.Scroll(ctx, filter, cursor, 500)
		if err != nil {
			return nil, err
		}
		for _, p := range page.Points {
			out = append(out, decodeEdge(p))
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	return out, nil
}

// FindEdge looks up the single aggregate edge for one FK field directly by
// its deterministic point id, without needing a sample source or target id.
func (s *Store) FindEdge(ctx context.Context, sourceModel, field, targetModel string, kind ids.RelationKind) (Edge, bool, error) {
	probe := Edge{SourceModel: sourceModel, Field: field, TargetModel: targetModel, Kind: kind}
	return s.getByKey(ctx, s.edgeKey(probe))
}

// MarkLeaf records that the edge's target has no further outgoing edges to
// expand. The cascade coordinator sets it through MarkLeafModel; the flag is
// stored on the edge and is not read back to decide cascade recursion.
func (s *Store) MarkLeaf(ctx context.Context, e Edge, leaf bool) error {
	key := s.edgeKey(e)
	existing, found, err := s.getByKey(ctx, key)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("graphstore: edge not found for MarkLeaf")
	}
	existing.IsLeaf = leaf
	existing.UpdatedAt = s.now()
	return s.put(ctx, key, existing)
}

// EdgesIntoModel returns every edge whose target is model, regardless of
// which specific target id produced it.
func (s *Store) EdgesIntoModel(ctx context.Context, model string) ([]Edge, error) {
	filter := &vectorsink.Filter{Must: []vectorsink.Condition{
		{Field: "ns", Op: vectorsink.OpEq, Value: "graph"},
		{Field: "target_model", Op: vectorsink.OpEq, Value: model},
	}}
	var out []Edge
	cursor := ""
	for {
		page, err := s.sink.Scroll(ctx, filter, cursor, 500)
		if err != nil {
			return nil, err
		}
		for _, p := range page.Points {
			out = append(out, decodeEdge(p))
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	return out, nil
}

// MarkLeafModel is the model-level form of MarkLeaf: it flips is_leaf on
// every edge landing on model, the hook the cascade coordinator calls once
// a model's own FK exploration turns up no outgoing references.
func (s *Store) MarkLeafModel(ctx context.Context, model string, leaf bool) error {
	edges, err := s.EdgesIntoModel(ctx, model)
	if err != nil {
		return err
	}
	for _, e := range edges {
		if err := s.MarkLeaf(ctx, e, leaf); err != nil {
			return err
		}
	}
	return nil
}

// UpdateValidation appends one integrity observation to the edge's rolling
// history (capped at 10, oldest dropped) and sets its current Valid flag.
func (s *Store) UpdateValidation(ctx context.Context, e Edge, valid bool, integrityScore float64) (Edge, error) {
	key := s.edgeKey(e)
	existing, found, err := s.getByKey(ctx, key)
	if err != nil {
		return Edge{}, err
	}
	if !found {
		existing = e
		existing.CreatedAt = s.now()
		existing.CardinalityClass, existing.CardinalityRatio, existing.AvgRefsPerTarget = classify(existing.UniqueTargets, existing.EdgeCount)
	}
	existing.Valid = &valid
	existing.ValidationHistory = append(existing.ValidationHistory, ValidationRecord{At: s.now(), IntegrityScore: integrityScore})
	if len(existing.ValidationHistory) > maxValidationHistory {
		existing.ValidationHistory = existing.ValidationHistory[len(existing.ValidationHistory)-maxValidationHistory:]
	}
	existing.UpdatedAt = s.now()
	if err := s.put(ctx, key, existing); err != nil {
		return Edge{}, err
	}
	return existing, nil
}

// RecordOrphans persists store_orphans' verdict for one edge: orphan count,
// the derived validation_integrity_score (0-100, 2 decimals), and up to 10
// sample orphans, per spec §4.5 write-back.
func (s *Store) RecordOrphans(ctx context.Context, e Edge, orphanCount int, integrityScore float64, samples []OrphanSample) (Edge, error) {
	key := s.edgeKey(e)
	existing, found, err := s.getByKey(ctx, key)
	if err != nil {
		return Edge{}, err
	}
	if !found {
		existing = e
		existing.CreatedAt = s.now()
		existing.CardinalityClass, existing.CardinalityRatio, existing.AvgRefsPerTarget = classify(existing.UniqueTargets, existing.EdgeCount)
	}
	existing.OrphanCount = orphanCount
	existing.ValidationIntegrityScore = round2(integrityScore)
	if len(samples) > maxOrphanSamples {
		samples = samples[:maxOrphanSamples]
	}
	existing.OrphanSamples = samples
	existing.LastValidation = s.now()
	existing.UpdatedAt = s.now()
	if err := s.put(ctx, key, existing); err != nil {
		return Edge{}, err
	}
	return existing, nil
}

// UpdateEdgeCount reconciles the edge's counters to the validator's
// observed actual values, the healer's "stale_graph" fix (spec §4.5 step 6).
func (s *Store) UpdateEdgeCount(ctx context.Context, e Edge, actualEdgeCount, actualUniqueTargets int) (Edge, error) {
	key := s.edgeKey(e)
	existing, found, err := s.getByKey(ctx, key)
	if err != nil {
		return Edge{}, err
	}
	if !found {
		return Edge{}, fmt.Errorf("graphstore: edge not found for UpdateEdgeCount")
	}
	existing.EdgeCount = actualEdgeCount
	existing.UniqueTargets = actualUniqueTargets
	existing.CardinalityClass, existing.CardinalityRatio, existing.AvgRefsPerTarget = classify(existing.UniqueTargets, existing.EdgeCount)
	existing.UpdatedAt = s.now()
	if err := s.put(ctx, key, existing); err != nil {
		return Edge{}, err
	}
	return existing, nil
}

// IntegrityTrend fits a simple linear regression over an edge's validation
// history and returns the slope: positive means improving, negative means
// degrading, per spec §4.4 "integrity_trend".
func IntegrityTrend(history []ValidationRecord) float64 {
	n := len(history)
	if n < 2 {
		return 0
	}
	var sumX, sumY, sumXY, sumXX float64
	for i, rec := range history {
		x := float64(i)
		y := rec.IntegrityScore
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}
	nf := float64(n)
	denom := nf*sumXX - sumX*sumX
	if denom == 0 {
		return 0
	}
	return (nf*sumXY - sumX*sumY) / denom
}

// Traverse walks outgoing edges breadth-first from (model, id) up to
// maxDepth hops, used by the query engine's graph-context enrichment.
func (s *Store) Traverse(ctx context.Context, model string, id int64, maxDepth int) ([]Edge, error) {
	type frontierNode struct {
		model string
		id    int64
		depth int
	}
	visited := map[string]bool{fmt.Sprintf("%s:%d", model, id): true}
	queue := []frontierNode{{model, id, 0}}
	var collected []Edge

	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		if n.depth >= maxDepth {
			continue
		}
		edges, err := s.OutgoingOf(ctx, n.model, n.id)
		if err != nil {
			return nil, err
		}
		for _, e := range edges {
			collected = append(collected, e)
			key := fmt.Sprintf("%s:%d", e.TargetModel, e.TargetID)
			if !visited[key] {
				visited[key] = true
				queue = append(queue, frontierNode{e.TargetModel, e.TargetID, n.depth + 1})
			}
		}
	}
	return collected, nil
}

// Stats summarizes the graph for reporting.
type Stats struct {
	TotalEdges     int
	ByModelPair    map[string]int
	ValidEdges     int
	InvalidEdges   int
	UnvalidatedCount int
}

// ComputeStats scans the supplied edges (typically gathered via repeated
// OutgoingOf/IncomingOf calls, or an external full scroll) into summary
// counters.
func ComputeStats(edges []Edge) Stats {
	st := Stats{ByModelPair: make(map[string]int)}
	for _, e := range edges {
		st.TotalEdges++
		key := e.SourceModel + "->" + e.TargetModel
		st.ByModelPair[key]++
		switch {
		case e.Valid == nil:
			st.UnvalidatedCount++
		case *e.Valid:
			st.ValidEdges++
		default:
			st.InvalidEdges++
		}
	}
	return st
}

// classify derives cardinality_class, its ratio, and the average number of
// references per target from the unique_targets/edge_count relationship,
// per spec §4.4: >=0.95 one-to-one, >=0.20 one-to-few, else one-to-many.
func classify(uniqueTargets, edgeCount int) (class CardinalityClass, ratio, avgRefsPerTarget float64) {
	if edgeCount <= 0 {
		return CardinalityOneToOne, 0, 0
	}
	ratio = round3(float64(uniqueTargets) / float64(edgeCount))
	switch {
	case ratio >= 0.95:
		class = CardinalityOneToOne
	case ratio >= 0.20:
		class = CardinalityOneToFew
	default:
		class = CardinalityOneToMany
	}
	if uniqueTargets > 0 {
		avgRefsPerTarget = round3(float64(edgeCount) / float64(uniqueTargets))
	}
	return class, ratio, avgRefsPerTarget
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
func round3(v float64) float64 { return math.Round(v*1000) / 1000 }

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// fieldHash folds a (model, field) pair into the 48-bit field-id slot
// ids.Graph expects, using a small FNV-1a variant truncated to 48 bits.
func fieldHash(model, field string) uint64 {
	var h uint64 = 14695981039346656037
	for _, b := range []byte(model + "." + field) {
		h ^= uint64(b)
		h *= 1099511628211
	}
	return h & 0xFFFFFFFFFFFF
}

func encodeEdge(key string, e Edge) vectorsink.Point {
	payload := map[string]interface{}{
		"ns":                  "graph",
		"source_model":        e.SourceModel,
		"source_id":           float64(e.SourceID),
		"field":               e.Field,
		"target_model":        e.TargetModel,
		"target_id":           float64(e.TargetID),
		"kind":                e.Kind.String(),
		"cardinality_class":   string(e.CardinalityClass),
		"cardinality_ratio":   e.CardinalityRatio,
		"avg_refs_per_target": e.AvgRefsPerTarget,
		"edge_count":          float64(e.EdgeCount),
		"unique_targets":      float64(e.UniqueTargets),
		"depth_from_origin":   float64(e.DepthFromOrigin),
		"description":         e.Description,
		"cascade_sources":     toInterfaceSlice(e.CascadeSources),
		"orphan_count":        float64(e.OrphanCount),
		"validation_integrity_score": e.ValidationIntegrityScore,
		"is_leaf":             e.IsLeaf,
		"last_cascade":        e.LastCascade.Format(time.RFC3339Nano),
		"created_at":          e.CreatedAt.Format(time.RFC3339Nano),
		"updated_at":          e.UpdatedAt.Format(time.RFC3339Nano),
	}
	if !e.LastValidation.IsZero() {
		payload["last_validation"] = e.LastValidation.Format(time.RFC3339Nano)
	}
	if e.Valid != nil {
		payload["valid"] = *e.Valid
	}
	if len(e.ValidationHistory) > 0 {
		var hist []interface{}
		for _, r := range e.ValidationHistory {
			hist = append(hist, map[string]interface{}{
				"at":              r.At.Format(time.RFC3339Nano),
				"integrity_score": r.IntegrityScore,
			})
		}
		payload["validation_history"] = hist
	}
	if len(e.OrphanSamples) > 0 {
		var samples []interface{}
		for _, s := range e.OrphanSamples {
			samples = append(samples, map[string]interface{}{
				"source_id":         float64(s.SourceID),
				"missing_target_id": float64(s.MissingTargetID),
				"at":                s.At.Format(time.RFC3339Nano),
			})
		}
		payload["orphan_samples"] = samples
	}
	return vectorsink.Point{ID: key, Vector: nil, Payload: payload}
}

// relationKindOf maps the payload's "kind" name back to its RelationKind.
func relationKindOf(name string) ids.RelationKind {
	switch name {
	case ids.RelationMulti.String():
		return ids.RelationMulti
	case ids.RelationReverse.String():
		return ids.RelationReverse
	default:
		return ids.RelationSingle
	}
}

func decodeEdge(p vectorsink.Point) Edge {
	pl := p.Payload
	e := Edge{
		SourceModel:              asString(pl["source_model"]),
		SourceID:                 int64(asFloat(pl["source_id"])),
		Field:                    asString(pl["field"]),
		TargetModel:              asString(pl["target_model"]),
		TargetID:                 int64(asFloat(pl["target_id"])),
		Kind:                     relationKindOf(asString(pl["kind"])),
		CardinalityClass:         CardinalityClass(asString(pl["cardinality_class"])),
		CardinalityRatio:         asFloat(pl["cardinality_ratio"]),
		AvgRefsPerTarget:         asFloat(pl["avg_refs_per_target"]),
		EdgeCount:                int(asFloat(pl["edge_count"])),
		UniqueTargets:            int(asFloat(pl["unique_targets"])),
		DepthFromOrigin:          int(asFloat(pl["depth_from_origin"])),
		Description:              asString(pl["description"]),
		OrphanCount:              int(asFloat(pl["orphan_count"])),
		ValidationIntegrityScore: asFloat(pl["validation_integrity_score"]),
		IsLeaf:                   asBool(pl["is_leaf"]),
	}
	if raw, ok := pl["cascade_sources"].([]interface{}); ok {
		for _, v := range raw {
			if s, ok := v.(string); ok {
				e.CascadeSources = append(e.CascadeSources, s)
			}
		}
	}
	if v, ok := pl["valid"].(bool); ok {
		e.Valid = &v
	}
	if raw, ok := pl["validation_history"].([]interface{}); ok {
		for _, v := range raw {
			if m, ok := v.(map[string]interface{}); ok {
				rec := ValidationRecord{IntegrityScore: asFloat(m["integrity_score"])}
				if at, err := time.Parse(time.RFC3339Nano, asString(m["at"])); err == nil {
					rec.At = at
				}
				e.ValidationHistory = append(e.ValidationHistory, rec)
			}
		}
	}
	if raw, ok := pl["orphan_samples"].([]interface{}); ok {
		for _, v := range raw {
			if m, ok := v.(map[string]interface{}); ok {
				sample := OrphanSample{
					SourceID:        int64(asFloat(m["source_id"])),
					MissingTargetID: int64(asFloat(m["missing_target_id"])),
				}
				if at, err := time.Parse(time.RFC3339Nano, asString(m["at"])); err == nil {
					sample.At = at
				}
				e.OrphanSamples = append(e.OrphanSamples, sample)
			}
		}
	}
	if t, err := time.Parse(time.RFC3339Nano, asString(pl["last_cascade"])); err == nil {
		e.LastCascade = t
	}
	if t, err := time.Parse(time.RFC3339Nano, asString(pl["last_validation"])); err == nil {
		e.LastValidation = t
	}
	if t, err := time.Parse(time.RFC3339Nano, asString(pl["created_at"])); err == nil {
		e.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, asString(pl["updated_at"])); err == nil {
		e.UpdatedAt = t
	}
	return e
}

func toInterfaceSlice(ss []string) []interface{} {
	out := make([]interface{}, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

func asString(v interface{}) string {
	s, _ := v.(string)
	return s
}

func asFloat(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	default:
		return 0
	}
}

func asBool(v interface{}) bool {
	b, _ := v.(bool)
	return b
}
