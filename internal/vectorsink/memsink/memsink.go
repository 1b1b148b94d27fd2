// Package memsink is an in-process vectorsink.Sink used by tests and local
// end-to-end runs in place of a live vector database. It keeps points in a
// map guarded by a mutex, the same shape as the teacher's
// infrastructure/cache in-memory store, and evaluates filters/search with
// straightforward linear scans rather than an ANN index.
package memsink

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/cascadeql/sync-engine/internal/vectorsink"
)

// Sink is an in-memory vectorsink.Sink.
type Sink struct {
	mu      sync.RWMutex
	points  map[string]vectorsink.Point
	indexed map[string]bool
	order   []string // insertion order, for stable scroll pagination
}

// New returns an empty in-memory sink.
func New() *Sink {
	return &Sink{
		points:  make(map[string]vectorsink.Point),
		indexed: make(map[string]bool),
	}
}

func (s *Sink) Upsert(ctx context.Context, points []vectorsink.Point) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range points {
		if _, exists := s.points[p.ID]; !exists {
			s.order = append(s.order, p.ID)
		}
		s.points[p.ID] = p
	}
	return nil
}

func (s *Sink) Retrieve(ctx context.Context, ids []string) ([]vectorsink.Point, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []vectorsink.Point
	for _, id := range ids {
		if p, ok := s.points[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *Sink) Delete(ctx context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.points, id)
	}
	s.order = filterOut(s.order, ids)
	return nil
}

func (s *Sink) Scroll(ctx context.Context, filter *vectorsink.Filter, cursor string, limit int) (vectorsink.ScrollPage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}
	start := 0
	if cursor != "" {
		for i, id := range s.order {
			if id == cursor {
				start = i
				break
			}
		}
	}

	var page []vectorsink.Point
	next := ""
	for i := start; i < len(s.order); i++ {
		id := s.order[i]
		p, ok := s.points[id]
		if !ok || !matches(p, filter) {
			continue
		}
		if len(page) == limit {
			next = id
			break
		}
		page = append(page, p)
	}
	return vectorsink.ScrollPage{Points: page, NextCursor: next}, nil
}

func (s *Sink) Count(ctx context.Context, filter *vectorsink.Filter) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, id := range s.order {
		if matches(s.points[id], filter) {
			n++
		}
	}
	return n, nil
}

func (s *Sink) Search(ctx context.Context, vector []float32, filter *vectorsink.Filter, topK int) ([]vectorsink.ScoredPoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var scored []vectorsink.ScoredPoint
	for _, id := range s.order {
		p := s.points[id]
		if !matches(p, filter) {
			continue
		}
		scored = append(scored, vectorsink.ScoredPoint{Point: p, Score: cosine(vector, p.Vector)})
	}
	sort.Slice(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if topK > 0 && len(scored) > topK {
		scored = scored[:topK]
	}
	return scored, nil
}

func (s *Sink) CreatePayloadIndex(ctx context.Context, field string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.indexed[field] = true
	return nil
}

// IsIndexed reports whether CreatePayloadIndex has been called for field;
// tests use this to assert index-planning calls happened.
func (s *Sink) IsIndexed(field string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.indexed[field]
}

func filterOut(ids []string, remove []string) []string {
	skip := make(map[string]bool, len(remove))
	for _, id := range remove {
		skip[id] = true
	}
	out := ids[:0:0]
	for _, id := range ids {
		if !skip[id] {
			out = append(out, id)
		}
	}
	return out
}

func matches(p vectorsink.Point, filter *vectorsink.Filter) bool {
	if filter == nil {
		return true
	}
	for _, cond := range filter.Must {
		if !matchCondition(p.Payload[cond.Field], cond) {
			return false
		}
	}
	return true
}

func matchCondition(actual interface{}, cond vectorsink.Condition) bool {
	switch cond.Op {
	case vectorsink.OpEq:
		return equalValues(actual, cond.Value)
	case vectorsink.OpNeq:
		return !equalValues(actual, cond.Value)
	case vectorsink.OpGt, vectorsink.OpGte, vectorsink.OpLt, vectorsink.OpLte:
		af, aok := toFloat(actual)
		bf, bok := toFloat(cond.Value)
		if !aok || !bok {
			return false
		}
		switch cond.Op {
		case vectorsink.OpGt:
			return af > bf
		case vectorsink.OpGte:
			return af >= bf
		case vectorsink.OpLt:
			return af < bf
		default:
			return af <= bf
		}
	case vectorsink.OpIn:
		values, ok := cond.Value.([]interface{})
		if !ok {
			return false
		}
		for _, v := range values {
			if equalValues(actual, v) {
				return true
			}
		}
		return false
	case vectorsink.OpContains:
		actualStr, aok := actual.(string)
		wantStr, bok := cond.Value.(string)
		return aok && bok && strings.Contains(actualStr, wantStr)
	default:
		return false
	}
}

func equalValues(a, b interface{}) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
	}
	return a == b
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

func cosine(a, b []float32) float32 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}
