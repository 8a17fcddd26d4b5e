package expr

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
)

// =============================================================================
// VALUE
// Tagged union over the JSON value space. Coercions are explicit and
// documented here rather than inherited from any host-language semantics.
// =============================================================================

// Kind identifies the runtime type of a Value.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindList
	KindMap
)

// String returns the kind name used in error messages.
func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindList:
		return "list"
	case KindMap:
		return "map"
	default:
		return "unknown"
	}
}

// Value is one expression value. The zero Value is null.
type Value struct {
	kind Kind
	b    bool
	n    float64
	s    string
	l    []Value
	m    map[string]Value
}

// Null is the null value.
var Null = Value{kind: KindNull}

// Boolean wraps a bool.
func Boolean(b bool) Value { return Value{kind: KindBool, b: b} }

// Number wraps a float64.
func Number(n float64) Value { return Value{kind: KindNumber, n: n} }

// String wraps a string.
func String(s string) Value { return Value{kind: KindString, s: s} }

// List wraps a slice of values.
func List(items []Value) Value { return Value{kind: KindList, l: items} }

// Map wraps a map of values.
func Map(fields map[string]Value) Value { return Value{kind: KindMap, m: fields} }

// FromGo converts a decoded-JSON Go value (any/map[string]any/[]any and
// numeric primitives) into a Value. Unsupported types stringify.
func FromGo(v any) Value {
	switch t := v.(type) {
	case nil:
		return Null
	case Value:
		return t
	case bool:
		return Boolean(t)
	case float64:
		return Number(t)
	case float32:
		return Number(float64(t))
	case int:
		return Number(float64(t))
	case int32:
		return Number(float64(t))
	case int64:
		return Number(float64(t))
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return String(t.String())
		}
		return Number(f)
	case string:
		return String(t)
	case []any:
		items := make([]Value, len(t))
		for i, item := range t {
			items[i] = FromGo(item)
		}
		return List(items)
	case []string:
		items := make([]Value, len(t))
		for i, item := range t {
			items[i] = String(item)
		}
		return List(items)
	case map[string]any:
		fields := make(map[string]Value, len(t))
		for k, item := range t {
			fields[k] = FromGo(item)
		}
		return Map(fields)
	default:
		return String(fmt.Sprintf("%v", t))
	}
}

// Interface converts the Value back to a plain Go value suitable for JSON
// encoding. Whole numbers come back as float64, matching encoding/json.
func (v Value) Interface() any {
	switch v.kind {
	case KindNull:
		return nil
	case KindBool:
		return v.b
	case KindNumber:
		return v.n
	case KindString:
		return v.s
	case KindList:
		out := make([]any, len(v.l))
		for i, item := range v.l {
			out[i] = item.Interface()
		}
		return out
	case KindMap:
		out := make(map[string]any, len(v.m))
		for k, item := range v.m {
			out[k] = item.Interface()
		}
		return out
	default:
		return nil
	}
}

// Kind returns the runtime type tag.
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether the value is null.
func (v Value) IsNull() bool { return v.kind == KindNull }

// Bool returns the bool payload (false unless KindBool).
func (v Value) Bool() bool { return v.b }

// Num returns the number payload (0 unless KindNumber).
func (v Value) Num() float64 { return v.n }

// Str returns the string payload ("" unless KindString).
func (v Value) Str() string { return v.s }

// Items returns the list payload (nil unless KindList).
func (v Value) Items() []Value { return v.l }

// Fields returns the map payload (nil unless KindMap).
func (v Value) Fields() map[string]Value { return v.m }

// Truthy implements condition semantics: null and false are falsy, numbers
// are truthy unless zero, strings unless empty, lists/maps unless empty.
func (v Value) Truthy() bool {
	switch v.kind {
	case KindNull:
		return false
	case KindBool:
		return v.b
	case KindNumber:
		return v.n != 0
	case KindString:
		return v.s != ""
	case KindList:
		return len(v.l) > 0
	case KindMap:
		return len(v.m) > 0
	default:
		return false
	}
}

// Text renders the value for string interpolation: null renders empty,
// numbers render without a trailing ".0" for whole values, lists and maps
// render as compact JSON.
func (v Value) Text() string {
	switch v.kind {
	case KindNull:
		return ""
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindNumber:
		return formatNumber(v.n)
	case KindString:
		return v.s
	case KindList, KindMap:
		data, err := json.Marshal(v.Interface())
		if err != nil {
			return ""
		}
		return string(data)
	default:
		return ""
	}
}

// AsNumber coerces to a number: numeric strings parse, booleans map to 0/1,
// null maps to 0. Returns false when no documented coercion applies.
func (v Value) AsNumber() (float64, bool) {
	switch v.kind {
	case KindNumber:
		return v.n, true
	case KindString:
		f, err := strconv.ParseFloat(v.s, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	case KindBool:
		if v.b {
			return 1, true
		}
		return 0, true
	case KindNull:
		return 0, true
	default:
		return 0, false
	}
}

// Equal is deep equality. Values of different kinds are never equal, except
// that a numeric string compared with a number compares numerically.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		if (v.kind == KindString && o.kind == KindNumber) || (v.kind == KindNumber && o.kind == KindString) {
			a, okA := v.AsNumber()
			b, okB := o.AsNumber()
			return okA && okB && a == b
		}
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindBool:
		return v.b == o.b
	case KindNumber:
		return v.n == o.n
	case KindString:
		return v.s == o.s
	case KindList:
		if len(v.l) != len(o.l) {
			return false
		}
		for i := range v.l {
			if !v.l[i].Equal(o.l[i]) {
				return false
			}
		}
		return true
	case KindMap:
		if len(v.m) != len(o.m) {
			return false
		}
		for k, item := range v.m {
			other, ok := o.m[k]
			if !ok || !item.Equal(other) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// Get resolves a property by name: map field, or list/string "length".
// Missing properties resolve to null, matching scope lookup semantics.
func (v Value) Get(name string) Value {
	switch v.kind {
	case KindMap:
		if item, ok := v.m[name]; ok {
			return item
		}
		return Null
	case KindList:
		if name == "length" {
			return Number(float64(len(v.l)))
		}
		return Null
	case KindString:
		if name == "length" {
			return Number(float64(len(v.s)))
		}
		return Null
	default:
		return Null
	}
}

// Index resolves an index access: list positions (negative counts from the
// end) and map keys. Out-of-range access resolves to null.
func (v Value) Index(idx Value) Value {
	switch v.kind {
	case KindList:
		n, ok := idx.AsNumber()
		if !ok {
			return Null
		}
		i := int(n)
		if i < 0 {
			i += len(v.l)
		}
		if i < 0 || i >= len(v.l) {
			return Null
		}
		return v.l[i]
	case KindMap:
		return v.Get(idx.Text())
	default:
		return Null
	}
}

// SortedKeys returns map keys in lexical order, for deterministic iteration.
func (v Value) SortedKeys() []string {
	keys := make([]string, 0, len(v.m))
	for k := range v.m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func formatNumber(n float64) string {
	if n == math.Trunc(n) && math.Abs(n) < 1e15 {
		return strconv.FormatInt(int64(n), 10)
	}
	return strconv.FormatFloat(n, 'f', -1, 64)
}
