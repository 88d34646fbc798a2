// Package attr models the heterogeneous state and attribute values reported
// by the platform and provides the tolerant comparison used for scene
// matching. Values are a small tagged union so comparison is total: every
// shape pairing has a defined result and nothing panics on untrusted input.
package attr

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Kind discriminates the shapes a Value can hold.
type Kind int

const (
	KindInvalid Kind = iota // absent or unrepresentable
	KindString
	KindBool
	KindNumber
	KindSequence
	KindMapping
)

// String returns a human-readable name for the kind.
func (k Kind) String() string {
	switch k {
	case KindInvalid:
		return "invalid"
	case KindString:
		return "string"
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindSequence:
		return "sequence"
	case KindMapping:
		return "mapping"
	default:
		return "unknown"
	}
}

// Value is one state or attribute value: a scalar, a number, an ordered
// sequence, or a string-keyed mapping, nested arbitrarily. The zero value is
// the absent value (KindInvalid).
type Value struct {
	kind Kind
	str  string
	b    bool
	num  float64
	seq  []Value
	m    map[string]Value
}

// String wraps a string scalar.
func String(s string) Value { return Value{kind: KindString, str: s} }

// Bool wraps a boolean scalar.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Number wraps a numeric value.
func Number(f float64) Value { return Value{kind: KindNumber, num: f} }

// Sequence wraps an ordered list of values.
func Sequence(elems ...Value) Value { return Value{kind: KindSequence, seq: elems} }

// Mapping wraps a string-keyed map of values.
func Mapping(m map[string]Value) Value { return Value{kind: KindMapping, m: m} }

// FromAny normalizes a value decoded from YAML or JSON into the union.
// Unsupported shapes normalize to the absent value rather than failing;
// runtime observations are untrusted and must never abort a comparison.
func FromAny(raw any) Value {
	switch t := raw.(type) {
	case nil:
		return Value{}
	case Value:
		return t
	case string:
		return String(t)
	case bool:
		return Bool(t)
	case int:
		return Number(float64(t))
	case int8:
		return Number(float64(t))
	case int16:
		return Number(float64(t))
	case int32:
		return Number(float64(t))
	case int64:
		return Number(float64(t))
	case uint:
		return Number(float64(t))
	case uint8:
		return Number(float64(t))
	case uint16:
		return Number(float64(t))
	case uint32:
		return Number(float64(t))
	case uint64:
		return Number(float64(t))
	case float32:
		return Number(float64(t))
	case float64:
		return Number(t)
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return String(t.String())
		}
		return Number(f)
	case []any:
		seq := make([]Value, len(t))
		for i, e := range t {
			seq[i] = FromAny(e)
		}
		return Value{kind: KindSequence, seq: seq}
	case map[string]any:
		m := make(map[string]Value, len(t))
		for k, e := range t {
			m[k] = FromAny(e)
		}
		return Value{kind: KindMapping, m: m}
	case map[any]any:
		// Older YAML decoders produce interface keys; keep the string ones.
		m := make(map[string]Value, len(t))
		for k, e := range t {
			if ks, ok := k.(string); ok {
				m[ks] = FromAny(e)
			}
		}
		return Value{kind: KindMapping, m: m}
	default:
		return Value{}
	}
}

// FromAnyMap normalizes a decoded attribute map. Entries with no
// representable shape keep their key and hold the absent value.
func FromAnyMap(raw map[string]any) map[string]Value {
	if raw == nil {
		return nil
	}
	out := make(map[string]Value, len(raw))
	for k, e := range raw {
		out[k] = FromAny(e)
	}
	return out
}

// Kind returns the shape of the value.
func (v Value) Kind() Kind { return v.kind }

// Present reports whether the value holds anything at all.
func (v Value) Present() bool { return v.kind != KindInvalid }

// Str returns the string scalar, if the value is one.
func (v Value) Str() (string, bool) {
	if v.kind != KindString {
		return "", false
	}
	return v.str, true
}

// Num returns the numeric value, if the value is a number.
func (v Value) Num() (float64, bool) {
	if v.kind != KindNumber {
		return 0, false
	}
	return v.num, true
}

// Interface converts the value back to plain Go data for JSON payloads.
// Absent values convert to nil.
func (v Value) Interface() any {
	switch v.kind {
	case KindString:
		return v.str
	case KindBool:
		return v.b
	case KindNumber:
		return v.num
	case KindSequence:
		out := make([]any, len(v.seq))
		for i, e := range v.seq {
			out[i] = e.Interface()
		}
		return out
	case KindMapping:
		out := make(map[string]any, len(v.m))
		for k, e := range v.m {
			out[k] = e.Interface()
		}
		return out
	default:
		return nil
	}
}

// String renders the value for log output.
func (v Value) String() string {
	switch v.kind {
	case KindString:
		return v.str
	case KindBool:
		return fmt.Sprintf("%t", v.b)
	case KindNumber:
		return fmt.Sprintf("%g", v.num)
	case KindSequence:
		parts := make([]string, len(v.seq))
		for i, e := range v.seq {
			parts[i] = e.String()
		}
		return "[" + strings.Join(parts, ",") + "]"
	case KindMapping:
		keys := make([]string, 0, len(v.m))
		for k := range v.m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, len(keys))
		for i, k := range keys {
			parts[i] = k + ":" + v.m[k].String()
		}
		return "{" + strings.Join(parts, ",") + "}"
	default:
		return "<absent>"
	}
}
