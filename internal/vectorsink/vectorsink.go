// Package vectorsink defines the contract for the single-collection vector
// index described in spec §4.1/§4.4, along with the point shape points are
// stored and retrieved as. The production adapter talks to an HTTP vector
// database; internal/vectorsink/memsink provides an in-process
// implementation exercised by the cascade, validator, and query packages'
// own tests without a live service.
package vectorsink

import "context"

// Point is one record in the index: a deterministic id (internal/ids), a
// dense vector, and an arbitrary payload used for filtering and display.
type Point struct {
	ID      string
	Vector  []float32
	Payload map[string]interface{}
}

// Filter is a conjunction of equality/range conditions the sink evaluates
// server-side against its indexed payload fields (spec §4.5).
type Filter struct {
	Must []Condition
}

// ConditionOp enumerates the comparison operators spec §4.5 exposes.
type ConditionOp string

const (
	OpEq       ConditionOp = "eq"
	OpNeq      ConditionOp = "neq"
	OpGt       ConditionOp = "gt"
	OpGte      ConditionOp = "gte"
	OpLt       ConditionOp = "lt"
	OpLte      ConditionOp = "lte"
	OpIn       ConditionOp = "in"
	OpContains ConditionOp = "contains"
)

// Condition is one field/operator/value triple.
type Condition struct {
	Field string
	Op    ConditionOp
	Value interface{}
}

// ScrollPage is one page of a Scroll call, with an opaque continuation
// cursor the caller passes back unchanged for the next page.
type ScrollPage struct {
	Points     []Point
	NextCursor string
}

// ScoredPoint is a Search result entry.
type ScoredPoint struct {
	Point
	Score float32
}

// Sink is the vector database contract.
type Sink interface {
	Upsert(ctx context.Context, points []Point) error
	Retrieve(ctx context.Context, ids []string) ([]Point, error)
	Delete(ctx context.Context, ids []string) error
	Scroll(ctx context.Context, filter *Filter, cursor string, limit int) (ScrollPage, error)
	Count(ctx context.Context, filter *Filter) (int64, error)
	Search(ctx context.Context, vector []float32, filter *Filter, topK int) ([]ScoredPoint, error)
	CreatePayloadIndex(ctx context.Context, field string) error
}
