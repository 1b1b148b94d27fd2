// Package transformer renders the narrative text and payload projection
// fed to the embedder and vector sink, per spec §4.3. Templates are a
// small interpreted grammar over literal text and {field} / {field:formatter}
// placeholders; JSON-typed source fields are read with gjson the same way
// the teacher's adapters pick fields out of provider JSON blobs rather than
// hand-rolling a decoder for every shape.
package transformer

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/cascadeql/sync-engine/internal/schema"
	"github.com/cascadeql/sync-engine/internal/upstream"
)

// RestrictedSentinel is substituted for a field the extractor dropped
// (spec §4.2/§4.3: restricted fields render as a sentinel, not a crash).
const RestrictedSentinel = "[restricted]"

// Formatter renders a single field value for narrative text.
type Formatter func(value interface{}) string

var formatters = map[string]Formatter{
	"currency":             formatCurrency,
	"readable_date":        formatReadableDate,
	"name":                 formatName,
	"percentage":           formatPercentage,
	"count_with_summary":   formatCountWithSummary,
	"truncate_50":          truncator(50),
	"truncate_100":         truncator(100),
	"boolean_yes_no":       formatBooleanYesNo,
	"default":              formatDefault,
}

// Template is one parsed narrative pattern for a model.
type Template struct {
	Model  string
	tokens []token
}

type tokenKind int

const (
	tokenLiteral tokenKind = iota
	tokenField
)

type token struct {
	kind      tokenKind
	text      string // literal text, or field name
	formatter string // formatter name, "" for plain substitution
}

// Parse compiles a narrative pattern string like:
//
//	"{name} is a lead worth {expected_revenue:currency} created on {create_date:readable_date}"
func Parse(model, pattern string) (*Template, error) {
	var tokens []token
	i := 0
	for i < len(pattern) {
		open := strings.IndexByte(pattern[i:], '{')
		if open < 0 {
			tokens = append(tokens, token{kind: tokenLiteral, text: pattern[i:]})
			break
		}
		open += i
		if open > i {
			tokens = append(tokens, token{kind: tokenLiteral, text: pattern[i:open]})
		}
		closeIdx := strings.IndexByte(pattern[open:], '}')
		if closeIdx < 0 {
			return nil, fmt.Errorf("transformer: unterminated placeholder in pattern %q", pattern)
		}
		closeIdx += open
		inner := pattern[open+1 : closeIdx]
		field, formatterName, _ := strings.Cut(inner, ":")
		tokens = append(tokens, token{kind: tokenField, text: strings.TrimSpace(field), formatter: strings.TrimSpace(formatterName)})
		i = closeIdx + 1
	}
	return &Template{Model: model, tokens: tokens}, nil
}

// TemplateSet holds one compiled Template per model and satisfies
// cascade.Templates.
type TemplateSet struct {
	byModel map[string]*Template
}

// NewSet compiles a pattern per model name, failing fast on the first
// malformed pattern rather than deferring the error to render time.
func NewSet(patterns map[string]string) (*TemplateSet, error) {
	set := &TemplateSet{byModel: make(map[string]*Template, len(patterns))}
	for model, pattern := range patterns {
		tpl, err := Parse(model, pattern)
		if err != nil {
			return nil, fmt.Errorf("transformer: model %q: %w", model, err)
		}
		set.byModel[model] = tpl
	}
	return set, nil
}

// TemplateFor implements cascade.Templates.
func (s *TemplateSet) TemplateFor(model string) (*Template, bool) {
	if s == nil {
		return nil, false
	}
	tpl, ok := s.byModel[model]
	return tpl, ok
}

// DefaultPattern builds a generic narrative pattern for a model from its
// registered fields, used when no hand-authored pattern is configured: one
// "{field}" placeholder per non-foreign-key payload field, semicolon
// separated. Hand-authored patterns read far better and should be
// preferred wherever the deployment defines one.
func DefaultPattern(fields []schema.Field) string {
	var parts []string
	for _, f := range fields {
		if !f.InPayload || f.IsForeignKey {
			continue
		}
		formatter := ""
		switch f.Type {
		case schema.FieldDate:
			formatter = ":readable_date"
		case schema.FieldBoolean:
			formatter = ":boolean_yes_no"
		}
		parts = append(parts, fmt.Sprintf("%s is {%s%s}", f.Label, f.Name, formatter))
	}
	return strings.Join(parts, "; ")
}

// BuildFromRegistry compiles a TemplateSet for every model the registry
// knows about, using overrides[model] when present and DefaultPattern
// otherwise.
func BuildFromRegistry(reg *schema.Registry, overrides map[string]string) (*TemplateSet, error) {
	patterns := make(map[string]string, len(reg.ModelNames()))
	for _, model := range reg.ModelNames() {
		if p, ok := overrides[model]; ok {
			patterns[model] = p
			continue
		}
		patterns[model] = DefaultPattern(reg.FieldsOf(model))
	}
	return NewSet(patterns)
}

// Render produces narrative text from a record. Restricted fields (present
// in the restrictedFields set) render as RestrictedSentinel rather than
// being looked up in record.
func (t *Template) Render(record upstream.Record, restrictedFields map[string]bool) (string, error) {
	var sb strings.Builder
	for _, tok := range t.tokens {
		switch tok.kind {
		case tokenLiteral:
			sb.WriteString(tok.text)
		case tokenField:
			if restrictedFields[tok.text] {
				sb.WriteString(RestrictedSentinel)
				continue
			}
			val, ok := record[tok.text]
			if !ok {
				sb.WriteString("")
				continue
			}
			formatterName := tok.formatter
			if formatterName == "" {
				formatterName = "default"
			}
			fn, ok := formatters[formatterName]
			if !ok {
				return "", fmt.Errorf("transformer: unknown formatter %q", formatterName)
			}
			sb.WriteString(fn(val))
		}
	}
	return sb.String(), nil
}

// Payload projects a record's schema-listed fields into the vector sink's
// payload, per spec §4.3. Each FK field f that resolves against the
// registry additionally emits f + "_qdrant", carrying the same raw value,
// so the sink side can filter on either name.
func Payload(reg *schema.Registry, model string, record upstream.Record, restrictedFields map[string]bool) map[string]interface{} {
	payload := make(map[string]interface{})
	for _, f := range reg.FieldsOf(model) {
		if !f.InPayload {
			continue
		}
		if restrictedFields[f.Name] {
			payload[f.Name] = RestrictedSentinel
			continue
		}
		val, ok := record[f.Name]
		if !ok {
			continue
		}
		payload[f.Name] = val
		if f.IsForeignKey {
			payload[f.Name+"_qdrant"] = val
		}
	}
	return payload
}

// JSONField extracts a dot-notated path out of a JSON-typed source field
// using gjson, returning ("", false) if the field is absent or not valid
// JSON text.
func JSONField(record upstream.Record, field, path string) (string, bool) {
	raw, ok := record[field]
	if !ok {
		return "", false
	}
	s, ok := raw.(string)
	if !ok || s == "" {
		return "", false
	}
	result := gjson.Get(s, path)
	if !result.Exists() {
		return "", false
	}
	return result.String(), true
}

func formatCurrency(v interface{}) string {
	f, ok := toFloat(v)
	if !ok {
		return fmt.Sprintf("%v", v)
	}
	return fmt.Sprintf("$%s", formatThousands(f))
}

func formatThousands(f float64) string {
	s := strconv.FormatFloat(f, 'f', 2, 64)
	neg := strings.HasPrefix(s, "-")
	if neg {
		s = s[1:]
	}
	intPart, fracPart, _ := strings.Cut(s, ".")
	var out []byte
	for i, c := range []byte(intPart) {
		if i > 0 && (len(intPart)-i)%3 == 0 {
			out = append(out, ',')
		}
		out = append(out, c)
	}
	result := string(out) + "." + fracPart
	if neg {
		result = "-" + result
	}
	return result
}

func formatReadableDate(v interface{}) string {
	s, ok := v.(string)
	if !ok {
		if t, ok := v.(time.Time); ok {
			return t.Format("January 2, 2006")
		}
		return fmt.Sprintf("%v", v)
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format("January 2, 2006")
		}
	}
	return s
}

func formatName(v interface{}) string {
	s := fmt.Sprintf("%v", v)
	s = strings.TrimSpace(s)
	if s == "" || s == "<nil>" {
		return "Unknown"
	}
	return s
}

func formatPercentage(v interface{}) string {
	f, ok := toFloat(v)
	if !ok {
		return fmt.Sprintf("%v", v)
	}
	return fmt.Sprintf("%.1f%%", f*100)
}

func formatCountWithSummary(v interface{}) string {
	n, ok := toFloat(v)
	if !ok {
		return fmt.Sprintf("%v", v)
	}
	count := int(n)
	if count == 1 {
		return "1 item"
	}
	return fmt.Sprintf("%d items", count)
}

func truncator(n int) Formatter {
	return func(v interface{}) string {
		s := fmt.Sprintf("%v", v)
		if len(s) <= n {
			return s
		}
		return s[:n] + "..."
	}
}

func formatBooleanYesNo(v interface{}) string {
	switch b := v.(type) {
	case bool:
		if b {
			return "Yes"
		}
		return "No"
	case string:
		if b == "true" || b == "t" || b == "1" {
			return "Yes"
		}
		return "No"
	default:
		return "No"
	}
}

func formatDefault(v interface{}) string {
	if v == nil {
		return ""
	}
	return fmt.Sprintf("%v", v)
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
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
