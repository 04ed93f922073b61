package transform

import (
	"strconv"
	"strings"
)

// Predicate decides whether a raw feature belongs to the target region.
type Predicate interface {
	Match(attrs map[string]any) bool
}

// FieldPrefix matches features whose declared fields start with Value.
// Absent fields never match.
type FieldPrefix struct {
	Fields []string
	Value  string
}

func (p FieldPrefix) Match(attrs map[string]any) bool {
	for _, f := range p.Fields {
		v, ok := attrs[f]
		if !ok {
			continue
		}
		if s, ok := stringValue(v); ok && strings.HasPrefix(s, p.Value) {
			return true
		}
	}
	return false
}

// ScanAll matches features where any string or number attribute contains
// Value. It costs one pass over every attribute per feature; prefer
// FieldPrefix when the region fields are known.
type ScanAll struct {
	Value string
}

func (p ScanAll) Match(attrs map[string]any) bool {
	for _, v := range attrs {
		if s, ok := stringValue(v); ok && strings.Contains(s, p.Value) {
			return true
		}
	}
	return false
}

// NewPredicate returns a FieldPrefix over fields, a ScanAll when no fields
// are declared, or nil when value is empty.
func NewPredicate(value string, fields []string) Predicate {
	if value == "" {
		return nil
	}
	if len(fields) > 0 {
		return FieldPrefix{Fields: fields, Value: value}
	}
	return ScanAll{Value: value}
}

// stringValue formats strings and numbers for matching. Integral floats
// print without a fraction so 28110101.0 matches "28".
func stringValue(v any) (string, bool) {
	switch v := v.(type) {
	case string:
		return v, true
	case []byte:
		return string(v), true
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), true
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32), true
	case int:
		return strconv.Itoa(v), true
	case int64:
		return strconv.FormatInt(v, 10), true
	case uint64:
		return strconv.FormatUint(v, 10), true
	}
	return "", false
}
