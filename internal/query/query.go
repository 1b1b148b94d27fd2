// Package query implements the exact query core from spec §4.7: translate
// a filter expression into sink conditions (rejecting unindexed fields
// except through the two documented escape hatches), scroll or aggregate
// matching points, resolve one-hop FK/link projections, enrich a bounded
// number of records with graph context, and shape the response by size.
// The filter-then-enrich-then-shape pipeline mirrors the teacher's
// read-path handlers: validate the request against known fields first,
// only then touch the data store.
package query

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"context"

	"github.com/tidwall/gjson"

	"github.com/cascadeql/sync-engine/internal/cache"
	"github.com/cascadeql/sync-engine/internal/cqerrors"
	"github.com/cascadeql/sync-engine/internal/exportstore"
	"github.com/cascadeql/sync-engine/internal/graphstore"
	"github.com/cascadeql/sync-engine/internal/schema"
	"github.com/cascadeql/sync-engine/internal/vectorsink"
)

// aggregationScanPageSize pages through the full matching set when
// streaming an aggregation, independent of the request's response Limit
// (spec §4.9: aggregation sums every matching record, not just one page).
const aggregationScanPageSize = 500

// MaxEnrichedRecords bounds how many records in one response get graph
// context / validation-score enrichment (spec §4.7). No similarity
// enrichment is performed; Record.Similarity is left at zero.
const MaxEnrichedRecords = 10

// Op mirrors vectorsink.ConditionOp in query-facing vocabulary, plus the
// two escape hatches that bypass the indexed-field requirement.
type Op string

const (
	OpEq           Op = "eq"
	OpNeq          Op = "neq"
	OpGt           Op = "gt"
	OpGte          Op = "gte"
	OpLt           Op = "lt"
	OpLte          Op = "lte"
	OpIn           Op = "in"
	OpContains     Op = "contains"
	OpDateRange    Op = "date_range"    // escape hatch: applied in-application, not sink-side
	OpBooleanEqual Op = "boolean_equal" // escape hatch: applied in-application, not sink-side
)

var escapeHatchOps = map[Op]bool{OpDateRange: true, OpBooleanEqual: true}

// FilterCondition is one user-supplied predicate.
type FilterCondition struct {
	Field string
	Op    Op
	Value interface{}
}

// Request describes one exact query.
type Request struct {
	Model        string
	Filters      []FilterCondition
	Link         string // dot-notated FK field to resolve one hop, e.g. "partner_id.name"
	LinkJSON     string // "field:path" form reading a JSON-typed field via gjson
	Limit        int
	Cursor       string
	Shape        ShapeMode
	ExportToFile bool

	// Aggregations, when non-empty, switch Run into streaming aggregation
	// mode (spec §4.9): every matching record is summed/counted/min/maxed
	// instead of being returned row by row.
	Aggregations []Aggregation
	GroupBy      []string
}

// AggOp is one streaming accumulator kind.
type AggOp string

const (
	AggSum   AggOp = "sum"
	AggCount AggOp = "count"
	AggAvg   AggOp = "avg"
	AggMin   AggOp = "min"
	AggMax   AggOp = "max"
)

// Aggregation is one requested accumulator over Field, exposed under Alias
// in GroupResult.Values.
type Aggregation struct {
	Field string
	Op    AggOp
	Alias string
}

// ShapeMode controls response size, per spec §4.7.
type ShapeMode string

const (
	ShapeSummary ShapeMode = "summary"
	ShapeTopN    ShapeMode = "top_n"
	ShapeFull    ShapeMode = "full"
)

// Record is one shaped result row.
type Record struct {
	ID              string
	Payload         map[string]interface{}
	LinkedValue     interface{}
	GraphContext    []graphstore.Edge
	Similarity      float32
	ValidationScore *float64
}

// GroupResult is one group's accumulated values in an aggregation response.
type GroupResult struct {
	Key    string
	Values map[string]float64
	Count  int64
}

// ReconciliationChecksum lets a caller detect drift between two runs of
// the same query without diffing the full result set (spec §4.9).
type ReconciliationChecksum struct {
	GrandTotal       float64
	RecordCount      int64
	AggregationField string
	AggregationOp    string
	Hash             string
	ComputedAt       time.Time
}

// Response is the engine's output.
type Response struct {
	Model                  string
	Records                []Record
	TotalCount             int64
	NextCursor             string
	ReconciliationChecksum ReconciliationChecksum
	EstimatedTokens        int
	ExportedTo             string

	// Groups and TotalGroups are populated only when Request.Aggregations
	// is non-empty.
	Groups      []GroupResult
	TotalGroups int
}

// Engine runs exact queries against the registry and vector sink.
type Engine struct {
	registry *schema.Registry
	sink     vectorsink.Sink
	graph    *graphstore.Store
	cache    *cache.Cache
	cacheTTL time.Duration
	exporter exportstore.Store
}

// New builds an Engine.
func New(registry *schema.Registry, sink vectorsink.Sink, graph *graphstore.Store) *Engine {
	return &Engine{registry: registry, sink: sink, graph: graph}
}

// WithCache attaches a TTL cache for enrich's graph-context lookups, the
// GRAPH_CACHE_TTL_MS knob from spec §6. Repeated queries against the same
// hot record skip the OutgoingOf scroll for the cache's lifetime.
func (e *Engine) WithCache(c *cache.Cache, ttl time.Duration) *Engine {
	e.cache = c
	e.cacheTTL = ttl
	return e
}

// WithExporter enables Request.ExportToFile, writing the shaped response
// to store and returning its path in ExportedTo instead of the records.
func (e *Engine) WithExporter(store exportstore.Store) *Engine {
	e.exporter = store
	return e
}

type graphContextEntry struct {
	edges []graphstore.Edge
	score *float64
}

// Run executes req end to end: validate, filter, scroll, enrich, shape.
func (e *Engine) Run(ctx context.Context, req Request) (Response, error) {
	if e.registry.Empty() {
		return Response{}, cqerrors.SchemaEmpty()
	}
	if e.registry.Model(req.Model) == nil {
		return Response{}, cqerrors.SchemaMissing(req.Model, e.registry.SuggestModels(req.Model, 3))
	}

	sinkFilter, appFilters, err := e.translateFilters(req.Model, req.Filters)
	if err != nil {
		return Response{}, err
	}

	if len(req.Aggregations) > 0 {
		return e.runAggregation(ctx, req, sinkFilter, appFilters)
	}

	limit := req.Limit
	if limit <= 0 {
		limit = 100
	}

	page, err := e.sink.Scroll(ctx, sinkFilter, req.Cursor, limit)
	if err != nil {
		return Response{}, cqerrors.SinkError("scroll failed", err)
	}

	var records []Record
	for _, p := range page.Points {
		if !applyAppFilters(p.Payload, appFilters) {
			continue
		}
		records = append(records, Record{ID: p.ID, Payload: p.Payload})
	}

	if req.Link != "" {
		e.resolveLink(ctx, req.Model, records, req.Link)
	}
	if req.LinkJSON != "" {
		resolveLinkJSON(records, req.LinkJSON)
	}

	e.enrich(ctx, records)

	total, err := e.sink.Count(ctx, sinkFilter)
	if err != nil {
		return Response{}, cqerrors.SinkError("count failed", err)
	}

	shaped := shape(records, req.Shape)
	resp := Response{
		Model:      req.Model,
		Records:    shaped,
		TotalCount: total,
		NextCursor: page.NextCursor,
		ReconciliationChecksum: buildChecksum(float64(total), int64(len(shaped)), "", "count"),
		EstimatedTokens: estimateTokens(shaped),
	}

	if req.ExportToFile && e.exporter != nil {
		path, err := exportstore.ExportJSON(ctx, e.exporter, req.Model, resp)
		if err != nil {
			return Response{}, cqerrors.SinkError("export failed", err)
		}
		resp.ExportedTo = path
		resp.Records = nil
	}

	return resp, nil
}

// groupAccum tracks one group's running sums/counts/mins/maxes as records
// stream past, per spec §4.9's streaming aggregation engine.
type groupAccum struct {
	count int64
	sums  map[string]float64
	mins  map[string]float64
	maxes map[string]float64
	seen  map[string]bool
}

func newGroupAccum() *groupAccum {
	return &groupAccum{
		sums: map[string]float64{}, mins: map[string]float64{}, maxes: map[string]float64{}, seen: map[string]bool{},
	}
}

func (g *groupAccum) update(agg Aggregation, val float64) {
	g.sums[agg.Alias] += val
	if !g.seen[agg.Alias] {
		g.mins[agg.Alias] = val
		g.maxes[agg.Alias] = val
		g.seen[agg.Alias] = true
		return
	}
	if val < g.mins[agg.Alias] {
		g.mins[agg.Alias] = val
	}
	if val > g.maxes[agg.Alias] {
		g.maxes[agg.Alias] = val
	}
}

func (g *groupAccum) result(agg Aggregation) float64 {
	switch agg.Op {
	case AggCount:
		return float64(g.count)
	case AggAvg:
		if g.count == 0 {
			return 0
		}
		return g.sums[agg.Alias] / float64(g.count)
	case AggMin:
		return g.mins[agg.Alias]
	case AggMax:
		return g.maxes[agg.Alias]
	default: // AggSum
		return g.sums[agg.Alias]
	}
}

// groupKey builds the stringified key a record's group-by fields collapse
// to (spec §4.9: "key the state by a stringified group key").
func groupKey(payload map[string]interface{}, fields []string) string {
	if len(fields) == 0 {
		return ""
	}
	parts := make([]string, len(fields))
	for i, f := range fields {
		parts[i] = fmt.Sprintf("%v", payload[f])
	}
	return strings.Join(parts, "\x1f")
}

// runAggregation streams every record matching sinkFilter/appFilters
// through per-group accumulators, then shapes the result per req.Shape
// (spec §4.9 response shaping: summary/top_n/full).
func (e *Engine) runAggregation(ctx context.Context, req Request, sinkFilter *vectorsink.Filter, appFilters []FilterCondition) (Response, error) {
	groups := map[string]*groupAccum{}
	var order []string
	var recordCount int64
	cursor := ""

	for {
		page, err := e.sink.Scroll(ctx, sinkFilter, cursor, aggregationScanPageSize)
		if err != nil {
			return Response{}, cqerrors.SinkError("scroll failed", err)
		}
		for _, p := range page.Points {
			if !applyAppFilters(p.Payload, appFilters) {
				continue
			}
			key := groupKey(p.Payload, req.GroupBy)
			g, ok := groups[key]
			if !ok {
				g = newGroupAccum()
				groups[key] = g
				order = append(order, key)
			}
			g.count++
			for _, agg := range req.Aggregations {
				val, ok := toFloat(p.Payload[agg.Field])
				if !ok {
					continue
				}
				g.update(agg, val)
			}
			recordCount++
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}

	primary := req.Aggregations[0]
	results := make([]GroupResult, 0, len(order))
	var grandTotal float64
	for _, key := range order {
		g := groups[key]
		values := make(map[string]float64, len(req.Aggregations))
		for _, agg := range req.Aggregations {
			values[agg.Alias] = g.result(agg)
		}
		results = append(results, GroupResult{Key: key, Values: values, Count: g.count})
		grandTotal += values[primary.Alias]
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Values[primary.Alias] > results[j].Values[primary.Alias] })

	resp := Response{
		Model:                  req.Model,
		TotalCount:             recordCount,
		TotalGroups:            len(results),
		ReconciliationChecksum: buildChecksum(grandTotal, recordCount, primary.Field, string(primary.Op)),
	}

	switch req.Shape {
	case ShapeSummary:
		// summary carries only the grand total / record count / checksum,
		// already set above; no per-group detail.
	case ShapeTopN:
		const topN = 10
		if len(results) > topN {
			remaining := len(results) - topN
			resp.Groups = append(append([]GroupResult{}, results[:topN]...), GroupResult{
				Key: fmt.Sprintf("remaining %d groups", remaining),
			})
		} else {
			resp.Groups = results
		}
	default: // ShapeFull
		resp.Groups = results
	}
	return resp, nil
}

// translateFilters splits filters into sink-evaluable conditions and
// in-application conditions (the two escape hatches), rejecting any
// unindexed field used outside an escape hatch per spec §4.7.
func (e *Engine) translateFilters(model string, filters []FilterCondition) (*vectorsink.Filter, []FilterCondition, error) {
	var sinkConds []vectorsink.Condition
	var appConds []FilterCondition
	var unindexed []string

	for _, f := range filters {
		if escapeHatchOps[f.Op] {
			appConds = append(appConds, f)
			continue
		}
		if _, ok := e.registry.Find(model, f.Field); !ok {
			return nil, nil, cqerrors.ValidationError([]string{fmt.Sprintf("model %q has no field %q", model, f.Field)})
		}
		if !e.registry.IsIndexed(f.Field) {
			unindexed = append(unindexed, f.Field)
			continue
		}
		sinkConds = append(sinkConds, vectorsink.Condition{Field: f.Field, Op: vectorsink.ConditionOp(f.Op), Value: f.Value})
	}

	if len(unindexed) > 0 {
		return nil, nil, cqerrors.UnindexedFilter(unindexed)
	}
	sinkConds = append(sinkConds, vectorsink.Condition{Field: "model", Op: vectorsink.OpEq, Value: model})
	return &vectorsink.Filter{Must: sinkConds}, appConds, nil
}

func applyAppFilters(payload map[string]interface{}, filters []FilterCondition) bool {
	for _, f := range filters {
		switch f.Op {
		case OpDateRange:
			bounds, ok := f.Value.([2]string)
			if !ok {
				continue
			}
			v, _ := payload[f.Field].(string)
			if v < bounds[0] || v > bounds[1] {
				return false
			}
		case OpBooleanEqual:
			want, _ := f.Value.(bool)
			got, _ := payload[f.Field].(bool)
			if got != want {
				return false
			}
		}
	}
	return true
}

// resolveLink performs a one-hop FK projection: for each record, read the
// FK field's value and fetch the target record's display value.
func (e *Engine) resolveLink(ctx context.Context, model string, records []Record, link string) {
	field, targetAttr, found := strings.Cut(link, ".")
	if !found {
		targetAttr = "name"
	}
	fkField, ok := e.registry.Find(model, field)
	if !ok || fkField.TargetModel == "" {
		return
	}
	for i := range records {
		raw, ok := records[i].Payload[field]
		if !ok {
			continue
		}
		targetID, ok := toFloat(raw)
		if !ok {
			continue
		}
		filter := &vectorsink.Filter{Must: []vectorsink.Condition{
			{Field: "model", Op: vectorsink.OpEq, Value: fkField.TargetModel},
			{Field: "id", Op: vectorsink.OpEq, Value: targetID},
		}}
		page, err := e.sink.Scroll(ctx, filter, "", 1)
		if err != nil || len(page.Points) == 0 {
			continue
		}
		records[i].LinkedValue = page.Points[0].Payload[targetAttr]
	}
}

func resolveLinkJSON(records []Record, spec string) {
	field, path, ok := strings.Cut(spec, ":")
	if !ok {
		return
	}
	for i := range records {
		raw, ok := records[i].Payload[field].(string)
		if !ok {
			continue
		}
		result := gjson.Get(raw, path)
		if result.Exists() {
			records[i].LinkedValue = result.Value()
		}
	}
}

// enrich attaches graph context and validation score to up to
// MaxEnrichedRecords records, per spec §4.7's token-budget discipline.
func (e *Engine) enrich(ctx context.Context, records []Record) {
	if e.graph == nil {
		return
	}
	limit := len(records)
	if limit > MaxEnrichedRecords {
		limit = MaxEnrichedRecords
	}
	for i := 0; i < limit; i++ {
		id, ok := toFloat(records[i].Payload["id"])
		if !ok {
			continue
		}
		model, _ := records[i].Payload["model"].(string)
		cacheKey := fmt.Sprintf("graphctx:%s:%d", model, int64(id))

		if e.cache != nil {
			if cached, ok := e.cache.Get(cacheKey); ok {
				entry := cached.(graphContextEntry)
				records[i].GraphContext = entry.edges
				records[i].ValidationScore = entry.score
				continue
			}
		}

		edges, err := e.graph.OutgoingOf(ctx, model, int64(id))
		if err != nil {
			continue
		}
		records[i].GraphContext = edges

		var score *float64
		if len(edges) > 0 {
			sum := 0.0
			n := 0
			for _, edge := range edges {
				if edge.Valid != nil {
					n++
					if *edge.Valid {
						sum += 1
					}
				}
			}
			if n > 0 {
				s := sum / float64(n)
				score = &s
			}
		}
		records[i].ValidationScore = score

		if e.cache != nil {
			e.cache.Set(cacheKey, graphContextEntry{edges: edges, score: score}, e.cacheTTL)
		}
	}
}

// shape trims the response according to the requested mode.
func shape(records []Record, mode ShapeMode) []Record {
	switch mode {
	case ShapeTopN:
		if len(records) > 10 {
			return records[:10]
		}
		return records
	case ShapeSummary:
		out := make([]Record, len(records))
		for i, r := range records {
			out[i] = Record{ID: r.ID, Payload: summarizePayload(r.Payload)}
		}
		return out
	default:
		return records
	}
}

func summarizePayload(payload map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, 3)
	for _, key := range []string{"id", "model", "name"} {
		if v, ok := payload[key]; ok {
			out[key] = v
		}
	}
	return out
}

// buildChecksum assembles the ReconciliationChecksum record for one run:
// a pure function of (grandTotal, recordCount) plus the metadata a caller
// needs to interpret the hash (spec §4.9).
func buildChecksum(grandTotal float64, recordCount int64, aggregationField, aggregationOp string) ReconciliationChecksum {
	return ReconciliationChecksum{
		GrandTotal:       grandTotal,
		RecordCount:      recordCount,
		AggregationField: aggregationField,
		AggregationOp:    aggregationOp,
		Hash:             checksum(grandTotal, recordCount),
		ComputedAt:       time.Now(),
	}
}

// checksum is a short base-36 derivation of grand_total*1000 + record_count,
// pinned by spec §4.9's testable invariant: "the hash is a pure function
// of (grand_total, record_count)".
func checksum(grandTotal float64, recordCount int64) string {
	raw := grandTotal*1000 + float64(recordCount)
	if raw < 0 {
		raw = -raw
	}
	return strconv.FormatInt(int64(math.Round(raw)), 36)
}

// estimateTokens applies a rough chars/4 heuristic to the shaped payloads.
// The result is reported in Response.EstimatedTokens only; it does not
// change the shape or trigger an export.
func estimateTokens(records []Record) int {
	total := 0
	for _, r := range records {
		for k, v := range r.Payload {
			total += len(k) + len(fmt.Sprintf("%v", v))
		}
	}
	return total / 4
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
