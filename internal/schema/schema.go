// Package schema provides the in-memory, O(1)-lookup schema registry
// described in spec §4.1. The registry is read-only after construction. It
// is built either from caller-supplied models (New) or by introspecting the
// upstream Postgres catalog (LoadFromPostgres, loader.go); loading it from
// an Excel workbook is an external concern (spec §1 "Out of scope").
package schema

import (
	"sort"
	"strings"
)

// FieldType enumerates the field kinds carried by the payload.
type FieldType string

const (
	FieldString          FieldType = "string"
	FieldNumber          FieldType = "number"
	FieldDate            FieldType = "date"
	FieldBoolean         FieldType = "boolean"
	FieldReferenceSingle FieldType = "reference_single"
	FieldReferenceMulti  FieldType = "reference_multi"
	FieldReferenceReverse FieldType = "reference_reverse"
	FieldJSON            FieldType = "json"
)

// Category classifies a field for narrative-template and heuristic
// purposes (spec §4.1).
type Category string

const (
	CategoryIdentity   Category = "identity"
	CategoryTemporal   Category = "temporal"
	CategoryFinancial  Category = "financial"
	CategoryForeignKey Category = "foreign_key"
	CategoryStatus     Category = "status"
	CategoryContent    Category = "content"
	CategoryMetadata   Category = "metadata"
	CategoryCustom     Category = "custom"
)

// Field describes one column of a model.
type Field struct {
	Name           string
	Label          string
	Type           FieldType
	Stored         bool
	InPayload      bool
	IsForeignKey   bool
	TargetModel    string
	TargetModelID  uint16
}

// Model describes one registered model (an ERP "table").
type Model struct {
	Name    string
	ModelID uint16
	Fields  []Field
}

// FKField is a Field known to be a foreign key, with its target resolved.
type FKField struct {
	Field
}

// Registry is the immutable, O(1)-lookup schema store.
type Registry struct {
	models      map[string]*Model
	fieldIndex  map[string]map[string]*Field // model -> field name -> field
	indexed     map[string]bool              // indexed payload field names (sink-side allow-list)
	loadedAt    int64
}

// New builds a Registry from a slice of models. Field order within each
// model is preserved as given by the caller, and FieldsOf returns a copy
// in that same order.
func New(models []Model, indexedFields []string) *Registry {
	r := &Registry{
		models:     make(map[string]*Model, len(models)),
		fieldIndex: make(map[string]map[string]*Field, len(models)),
		indexed:    make(map[string]bool, len(indexedFields)),
	}
	for i := range models {
		m := models[i]
		r.models[m.Name] = &m
		fi := make(map[string]*Field, len(m.Fields))
		for j := range m.Fields {
			fi[m.Fields[j].Name] = &m.Fields[j]
		}
		r.fieldIndex[m.Name] = fi
	}
	for _, f := range indexedFields {
		r.indexed[f] = true
	}
	return r
}

// Empty reports whether no models were loaded at all (spec §7
// SchemaEmpty condition).
func (r *Registry) Empty() bool {
	return r == nil || len(r.models) == 0
}

// Model returns the named model, or nil if absent.
func (r *Registry) Model(name string) *Model {
	if r == nil {
		return nil
	}
	return r.models[name]
}

// ModelNames returns all registered model names, sorted.
func (r *Registry) ModelNames() []string {
	names := make([]string, 0, len(r.models))
	for n := range r.models {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// FieldsOf returns the ordered field list for a model.
func (r *Registry) FieldsOf(model string) []Field {
	m := r.Model(model)
	if m == nil {
		return nil
	}
	out := make([]Field, len(m.Fields))
	copy(out, m.Fields)
	return out
}

// FKFieldsOf returns the subset of a model's fields that are foreign keys.
func (r *Registry) FKFieldsOf(model string) []FKField {
	m := r.Model(model)
	if m == nil {
		return nil
	}
	var out []FKField
	for _, f := range m.Fields {
		if f.IsForeignKey {
			out = append(out, FKField{Field: f})
		}
	}
	return out
}

// ModelID returns the model's numeric id, or 0 if unregistered. This
// makes *Registry satisfy graphstore.ModelIDResolver directly.
func (r *Registry) ModelID(model string) uint16 {
	m := r.Model(model)
	if m == nil {
		return 0
	}
	return m.ModelID
}

// Find looks up a single field by (model, field name) in O(1).
func (r *Registry) Find(model, fieldName string) (Field, bool) {
	fi, ok := r.fieldIndex[model]
	if !ok {
		return Field{}, false
	}
	f, ok := fi[fieldName]
	if !ok {
		return Field{}, false
	}
	return *f, true
}

// IsIndexed reports whether a payload field is in the sink's static
// indexed allow-list (spec §4.5 "Index planning").
func (r *Registry) IsIndexed(fieldName string) bool {
	return r.indexed[fieldName]
}

// SuggestModels returns up to n model names similar to a missing one, used
// to build cqerrors.SchemaMissing suggestions.
func (r *Registry) SuggestModels(name string, n int) []string {
	type scored struct {
		name  string
		score int
	}
	var candidates []scored
	for _, m := range r.ModelNames() {
		candidates = append(candidates, scored{m, levenshtein(strings.ToLower(name), strings.ToLower(m))})
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].score < candidates[j].score })
	if n > len(candidates) {
		n = len(candidates)
	}
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, candidates[i].name)
	}
	return out
}

// Categorize classifies a field by type and name heuristics, per spec
// §4.1 (e.g. fields ending in "_date" are temporal; monetary-sounding
// names are financial).
func Categorize(f Field) Category {
	name := strings.ToLower(f.Name)
	switch {
	case f.IsForeignKey:
		return CategoryForeignKey
	case f.Type == FieldDate, strings.HasSuffix(name, "_date"), strings.HasSuffix(name, "_at"):
		return CategoryTemporal
	case isFinancialName(name):
		return CategoryFinancial
	case strings.HasSuffix(name, "_state") || strings.HasSuffix(name, "_status") || name == "state" || name == "status" || name == "active":
		return CategoryStatus
	case name == "id" || strings.HasSuffix(name, "_id") && !f.IsForeignKey:
		return CategoryIdentity
	case name == "name" || name == "display_name" || name == "description" || name == "notes" || name == "comment":
		return CategoryContent
	case strings.HasPrefix(name, "create_") || strings.HasPrefix(name, "write_") || name == "create_uid" || name == "write_uid":
		return CategoryMetadata
	default:
		return CategoryCustom
	}
}

func isFinancialName(name string) bool {
	for _, kw := range []string{"amount", "balance", "debit", "credit", "price", "cost", "fee", "total", "tax", "revenue"} {
		if strings.Contains(name, kw) {
			return true
		}
	}
	return false
}

// levenshtein computes edit distance; small strings only (model names),
// used purely for "did you mean" suggestions.
func levenshtein(a, b string) int {
	la, lb := len(a), len(b)
	if la == 0 {
		return lb
	}
	if lb == 0 {
		return la
	}
	prev := make([]int, lb+1)
	curr := make([]int, lb+1)
	for j := 0; j <= lb; j++ {
		prev[j] = j
	}
	for i := 1; i <= la; i++ {
		curr[0] = i
		for j := 1; j <= lb; j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			curr[j] = min3(curr[j-1]+1, prev[j]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[lb]
}

func min3(a, b, c int) int {
	if a < b {
		if a < c {
			return a
		}
		return c
	}
	if b < c {
		return b
	}
	return c
}
