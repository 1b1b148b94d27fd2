// Package cascade implements the sync coordinator from spec §4.6: plan the
// domain (full vs incremental), page records through the extractor,
// transform and embed them, upsert into the vector sink, materialize FK
// edges into the graph store, then recurse into FK target models up to a
// bounded depth. The loop shape — paged extraction, per-batch transform,
// DLQ routing on persistent failure — follows the teacher's
// services/indexer/syncer.go sync loop; the recursive cascade/expansion
// on top of it is this module's own addition.
package cascade

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cascadeql/sync-engine/internal/cqerrors"
	"github.com/cascadeql/sync-engine/internal/dlq"
	"github.com/cascadeql/sync-engine/internal/embedder"
	"github.com/cascadeql/sync-engine/internal/extractor"
	"github.com/cascadeql/sync-engine/internal/graphstore"
	"github.com/cascadeql/sync-engine/internal/ids"
	"github.com/cascadeql/sync-engine/internal/metrics"
	"github.com/cascadeql/sync-engine/internal/schema"
	"github.com/cascadeql/sync-engine/internal/syncstate"
	"github.com/cascadeql/sync-engine/internal/transformer"
	"github.com/cascadeql/sync-engine/internal/upstream"
	"github.com/cascadeql/sync-engine/internal/vectorsink"
)

// SyncType distinguishes a full re-index from an incremental catch-up.
type SyncType string

const (
	SyncFull        SyncType = "full"
	SyncIncremental SyncType = "incremental"
)

// Templates resolves the narrative template for a model.
type Templates interface {
	TemplateFor(model string) (*transformer.Template, bool)
}

// Deps are the coordinator's constructor-injected collaborators (spec §9:
// no package-global singletons).
type Deps struct {
	Registry    *schema.Registry
	Templates   Templates
	Extractor   *extractor.Extractor
	Embedder    *embedder.Embedder
	Sink        vectorsink.Sink
	Graph       *graphstore.Store
	SyncState   *syncstate.Store
	DLQ         *dlq.Queue
	ModelIDs    graphstore.ModelIDResolver
	ParallelWorkers int
	MaxDepth    int
	BatchSize   int
	MaxRetries  int
	Log         *logrus.Entry
}

// Result summarizes one SyncModel call, including every model the cascade
// expanded into.
type Result struct {
	Model            string
	RecordsProcessed int
	RecordsEmbedded  int
	RecordsFailed    int
	ExpandedModels   []string
	Duration         time.Duration
}

// Coordinator runs cascading syncs. One Coordinator is shared by every
// sync invocation in a process; its only mutable state is the per-model
// lock table.
type Coordinator struct {
	deps  Deps
	locks sync.Map // model -> *modelLock
}

type modelLock struct {
	mu        sync.Mutex
	acquiredAt time.Time
	progress  string
}

// visitSet is the per-invocation cycle-detection guard from spec §4.6 step
// 5: a whole-model sync (the origin, or a target re-synced without an id
// restriction) marks the model entirely visited; an id-restricted sub-sync
// marks only the (model, id) pairs it actually claims, so siblings racing
// for the same id never double-enqueue it.
type visitSet struct {
	mu         sync.Mutex
	wholeModel map[string]bool
	byID       map[string]map[int64]bool
}

func newVisitSet() *visitSet {
	return &visitSet{wholeModel: map[string]bool{}, byID: map[string]map[int64]bool{}}
}

// claimWhole returns true if model was not already fully visited, marking
// it visited as a side effect.
func (v *visitSet) claimWhole(model string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.wholeModel[model] {
		return false
	}
	v.wholeModel[model] = true
	return true
}

// claimIDs returns the subset of recordIDs not yet visited for model,
// marking them visited as a side effect. Ids already covered by a
// whole-model claim are dropped entirely.
func (v *visitSet) claimIDs(model string, recordIDs []int64) []int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.wholeModel[model] {
		return nil
	}
	seen := v.byID[model]
	if seen == nil {
		seen = map[int64]bool{}
		v.byID[model] = seen
	}
	fresh := make([]int64, 0, len(recordIDs))
	for _, id := range recordIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		fresh = append(fresh, id)
	}
	return fresh
}

// New builds a Coordinator.
func New(deps Deps) *Coordinator {
	if deps.ParallelWorkers <= 0 {
		deps.ParallelWorkers = 3
	}
	if deps.MaxDepth <= 0 {
		deps.MaxDepth = 5
	}
	if deps.BatchSize <= 0 {
		deps.BatchSize = 200
	}
	if deps.MaxRetries <= 0 {
		deps.MaxRetries = 5
	}
	return &Coordinator{deps: deps}
}

// SyncModel runs the full cascade starting at model: primary sync, FK edge
// materialization, and recursive expansion into FK target models.
// recordIDs, when non-empty, restricts the origin sync to that id list
// (spec §6 "sync pipeline ... --record-ids"); nil means the full/
// incremental domain applies as usual.
func (c *Coordinator) SyncModel(ctx context.Context, model string, syncType SyncType, recordIDs []int64) (Result, error) {
	start := time.Now()
	visited := newVisitSet()
	agg := &Result{Model: model}

	err := c.syncRecursive(ctx, model, syncType, recordIDs, 0, visited, agg)
	agg.Duration = time.Since(start)
	metrics.ObserveSyncDuration(model, string(syncType), agg.Duration)
	return *agg, err
}

func (c *Coordinator) syncRecursive(ctx context.Context, model string, syncType SyncType, recordIDs []int64, depth int, visited *visitSet, agg *Result) error {
	if len(recordIDs) == 0 {
		if !visited.claimWhole(model) {
			return nil
		}
	} else {
		recordIDs = visited.claimIDs(model, recordIDs)
		if len(recordIDs) == 0 {
			return nil
		}
	}

	if depth > c.deps.MaxDepth {
		if c.deps.Log != nil {
			c.deps.Log.WithField("model", model).Warn("cascade depth cap reached, not expanding further")
		}
		return nil
	}

	if c.deps.Registry.Model(model) == nil {
		suggestions := c.deps.Registry.SuggestModels(model, 3)
		return cqerrors.SchemaMissing(model, suggestions)
	}

	lock, err := c.acquireLock(model)
	if err != nil {
		return err
	}
	defer c.releaseLock(model, lock)

	fkTargets, err := c.syncOne(ctx, model, syncType, recordIDs, depth, agg)
	if err != nil {
		return err
	}
	if depth == c.deps.MaxDepth {
		return nil
	}

	return c.expand(ctx, fkTargets, depth, visited, agg)
}

// expand fans FK targets out across up to ParallelWorkers concurrent
// recursive syncs, per spec §5 "bounded concurrency". Each target's id
// list is narrowed by skip_existing (ids already present in the sink are
// dropped) before it is handed to a worker.
func (c *Coordinator) expand(ctx context.Context, targets map[string][]int64, depth int, visited *visitSet, agg *Result) error {
	sem := make(chan struct{}, c.deps.ParallelWorkers)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	for targetModel, targetIDs := range targets {
		pending, err := c.skipExisting(ctx, targetModel, targetIDs)
		if err != nil {
			mu.Lock()
			if firstErr == nil {
				firstErr = err
			}
			mu.Unlock()
			continue
		}
		if len(pending) == 0 {
			continue
		}
		sem <- struct{}{}
		wg.Add(1)
		go func(t string, recordIDs []int64) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := c.syncRecursive(ctx, t, SyncIncremental, recordIDs, depth+1, visited, agg); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
				return
			}
			mu.Lock()
			agg.ExpandedModels = append(agg.ExpandedModels, t)
			mu.Unlock()
		}(targetModel, pending)
	}
	wg.Wait()
	return firstErr
}

// skipExisting probes the sink for data points already present under
// model's data-namespace id and returns only the ids still missing, the
// default skip_existing behavior of spec §4.6 step 5.
func (c *Coordinator) skipExisting(ctx context.Context, model string, recordIDs []int64) ([]int64, error) {
	modelID := c.deps.ModelIDs.ModelID(model)
	keys := make([]string, len(recordIDs))
	for i, id := range recordIDs {
		keys[i] = ids.String(ids.Data(modelID, uint64(id)))
	}
	present, err := c.deps.Sink.Retrieve(ctx, keys)
	if err != nil {
		return nil, err
	}
	have := make(map[string]bool, len(present))
	for _, p := range present {
		have[p.ID] = true
	}
	pending := make([]int64, 0, len(recordIDs))
	for i, id := range recordIDs {
		if !have[keys[i]] {
			pending = append(pending, id)
		}
	}
	return pending, nil
}

// fkAccum gathers one FK field's references across an entire model sync so
// the edge can be materialized once, after the primary sync, rather than
// upserted on every record (spec §4.6 steps 3-4).
type fkAccum struct {
	targetModel string
	kind        ids.RelationKind
	totalRefs   int
	targetIDs   map[int64]bool
	lastSource  int64
	lastTarget  int64
}

// syncOne pages model's records through extract/transform/embed/upsert,
// accumulating FK references as it goes, then materializes one graph edge
// per FK field and returns the distinct target ids observed per target
// model so the caller can cascade into them with an id-restricted domain.
func (c *Coordinator) syncOne(ctx context.Context, model string, syncType SyncType, recordIDs []int64, depth int, agg *Result) (map[string][]int64, error) {
	reg := c.deps.Registry
	fields := fieldNames(reg.FieldsOf(model))
	fkFields := reg.FKFieldsOf(model)

	tpl, ok := c.deps.Templates.TemplateFor(model)
	if !ok {
		return nil, cqerrors.Internal(fmt.Sprintf("no narrative template registered for model %q", model), nil)
	}

	domain := c.planDomain(model, syncType, recordIDs)
	runID := fmt.Sprintf("%s-%d", model, time.Now().UnixNano())

	accum := map[string]*fkAccum{}
	offset := 0
	var maxWriteDate time.Time
	var recordCount int64

	for {
		res, err := c.deps.Extractor.ResilientSearchRead(ctx, model, domain, fields, offset, c.deps.BatchSize, extractor.Options{MaxRetries: c.deps.MaxRetries})
		if err != nil {
			return nil, err
		}
		if len(res.Records) == 0 {
			break
		}

		restricted := make(map[string]bool, len(res.Restrictions))
		for _, r := range res.Restrictions {
			restricted[r.Field] = true
		}

		if err := c.processBatch(ctx, model, res.Records, tpl, restricted, fkFields, agg, accum); err != nil {
			return nil, err
		}

		recordCount += int64(len(res.Records))
		if wd := maxWriteDateIn(res.Records); wd.After(maxWriteDate) {
			maxWriteDate = wd
		}
		offset += len(res.Records)
		if len(res.Records) < c.deps.BatchSize {
			break
		}
	}

	metrics.RecordsProcessed(model, int(recordCount))
	if err := c.deps.SyncState.Put(syncstate.ModelState{
		Model: model, LastSyncedAt: time.Now(), LastWriteDate: maxWriteDate,
		RecordsSynced: recordCount, LastSyncType: string(syncType),
	}); err != nil {
		return nil, cqerrors.Internal("persist sync state", err)
	}

	targets, err := c.materializeEdges(ctx, model, depth, runID, accum)
	if err != nil {
		return nil, err
	}
	if len(accum) == 0 {
		if err := c.deps.Graph.MarkLeafModel(ctx, model, true); err != nil && c.deps.Log != nil {
			c.deps.Log.WithError(err).Warn("failed to flip is_leaf on inbound edges")
		}
	}
	return targets, nil
}

// materializeEdges upserts one graph edge per FK field observed during the
// sync just completed, carrying this run's edge_count/unique_targets as
// the counters the store merges in, and returns the distinct target ids
// per target model for dependency expansion.
func (c *Coordinator) materializeEdges(ctx context.Context, model string, depth int, runID string, accum map[string]*fkAccum) (map[string][]int64, error) {
	targets := make(map[string][]int64, len(accum))
	for field, a := range accum {
		if a.totalRefs == 0 {
			continue
		}
		edge := graphstore.Edge{
			SourceModel: model, SourceID: a.lastSource, Field: field,
			TargetModel: a.targetModel, TargetID: a.lastTarget, Kind: a.kind,
			EdgeCount: a.totalRefs, UniqueTargets: len(a.targetIDs),
			DepthFromOrigin: depth,
		}
		if _, err := c.deps.Graph.UpsertRelationship(ctx, edge, runID); err != nil && c.deps.Log != nil {
			c.deps.Log.WithError(err).Warn("failed to materialize FK edge")
		}

		idList := make([]int64, 0, len(a.targetIDs))
		for id := range a.targetIDs {
			idList = append(idList, id)
		}
		targets[a.targetModel] = append(targets[a.targetModel], idList...)
	}
	return targets, nil
}

func (c *Coordinator) processBatch(ctx context.Context, model string, records []upstream.Record, tpl *transformer.Template, restricted map[string]bool, fkFields []schema.FKField, agg *Result, accum map[string]*fkAccum) error {
	modelID := c.deps.ModelIDs.ModelID(model)

	texts := make([]string, 0, len(records))
	for _, rec := range records {
		text, err := tpl.Render(rec, restricted)
		if err != nil {
			return cqerrors.Internal("render narrative template", err)
		}
		texts = append(texts, text)
	}

	vectors, err := c.deps.Embedder.EmbedBatch(ctx, texts)
	if err != nil {
		c.failBatch(model, records, "embed", err, agg)
		return nil
	}

	points := make([]vectorsink.Point, 0, len(records))
	for i, rec := range records {
		recordID := recordIDOf(rec)
		payload := transformer.Payload(c.deps.Registry, model, rec, restricted)
		payload["ns"] = "data"
		payload["model"] = model
		point := vectorsink.Point{
			ID:      ids.String(ids.Data(modelID, uint64(recordID))),
			Vector:  vectors[i],
			Payload: payload,
		}
		points = append(points, point)

		for _, fk := range fkFields {
			val, ok := rec[fk.Name]
			if !ok || val == nil {
				continue
			}
			targetID, ok := toInt64(val)
			if !ok {
				continue
			}
			a := accum[fk.Name]
			if a == nil {
				a = &fkAccum{targetModel: fk.TargetModel, kind: kindOf(fk), targetIDs: map[int64]bool{}}
				accum[fk.Name] = a
			}
			a.totalRefs++
			a.targetIDs[targetID] = true
			a.lastSource = recordID
			a.lastTarget = targetID
		}
	}

	if err := c.deps.Sink.Upsert(ctx, points); err != nil {
		c.failBatch(model, records, "upsert", err, agg)
		return nil
	}

	agg.RecordsEmbedded += len(points)
	metrics.RecordsEmbedded(model, len(points))
	return nil
}

func (c *Coordinator) failBatch(model string, records []upstream.Record, stage string, cause error, agg *Result) {
	agg.RecordsFailed += len(records)
	metrics.RecordsFailed(model, stage, len(records))
	if c.deps.DLQ == nil {
		return
	}
	for _, rec := range records {
		_ = c.deps.DLQ.Append(dlq.Entry{
			RecordID:     fmt.Sprintf("%v", rec["id"]),
			Model:        model,
			FailureStage: stage,
			ErrorMessage: cause.Error(),
			FailedAt:     time.Now(),
		})
	}
}

// planDomain builds the extraction domain for model. A non-empty recordIDs
// restricts the domain to exactly those ids and suppresses the watermark
// predicate entirely, per spec §4.2 ("for a specific-id list, the
// watermark predicate is suppressed").
func (c *Coordinator) planDomain(model string, syncType SyncType, recordIDs []int64) upstream.Domain {
	if len(recordIDs) > 0 {
		return upstream.Domain{RecordIDs: recordIDs}
	}
	if syncType == SyncFull {
		return upstream.Domain{}
	}
	state, ok := c.deps.SyncState.Get(model)
	if !ok {
		return upstream.Domain{}
	}
	wd := state.LastWriteDate
	return upstream.Domain{WriteDateAfter: &wd}
}

func (c *Coordinator) acquireLock(model string) (*modelLock, error) {
	actual, _ := c.locks.LoadOrStore(model, &modelLock{})
	lock := actual.(*modelLock)
	if !lock.mu.TryLock() {
		return nil, cqerrors.LockHeld(model, time.Since(lock.acquiredAt).Seconds(), lock.progress)
	}
	lock.acquiredAt = time.Now()
	lock.progress = "running"
	return lock, nil
}

func (c *Coordinator) releaseLock(model string, lock *modelLock) {
	lock.progress = "idle"
	lock.mu.Unlock()
}

func fieldNames(fields []schema.Field) []string {
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if f.Name != "id" {
			out = append(out, f.Name)
		}
	}
	return out
}

func recordIDOf(rec upstream.Record) int64 {
	id, _ := toInt64(rec["id"])
	return id
}

func toInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	case float32:
		return int64(n), true
	default:
		return 0, false
	}
}

func maxWriteDateIn(records []upstream.Record) time.Time {
	var max time.Time
	for _, rec := range records {
		raw, ok := rec["write_date"]
		if !ok {
			continue
		}
		s, ok := raw.(string)
		if !ok {
			continue
		}
		for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05"} {
			if t, err := time.Parse(layout, s); err == nil {
				if t.After(max) {
					max = t
				}
				break
			}
		}
	}
	return max
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
