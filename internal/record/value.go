package record

import (
	"slices"
	"unicode/utf16"
)

// Value is a sealed interface over the record value kinds.
type Value interface {
	recordValue()
}

// Null is an explicit JSON null.
type Null struct{}

func (Null) recordValue() {}

// String is a string value.
type String string

func (String) recordValue() {}

// Int is an integral number that fits in int64.
type Int int64

func (Int) recordValue() {}

// Number is a non-integral (or out of range) number kept as its decimal literal.
type Number string

func (Number) recordValue() {}

// Bool is a boolean value.
type Bool bool

func (Bool) recordValue() {}

// Array is an ordered list of values.
type Array []Value

func (Array) recordValue() {}

// Object maps field names to values.
type Object map[string]Value

func (Object) recordValue() {}

// Get returns the value stored under field.
// A nil or missing field reports ok=false; an explicit null reports Null{}, true.
func (obj Object) Get(field string) (Value, bool) {
	if obj == nil {
		return nil, false
	}
	v, ok := obj[field]
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}

// Has reports whether field is present (null counts as present).
func (obj Object) Has(field string) bool {
	_, ok := obj.Get(field)
	return ok
}

// Text returns the string stored under field.
// Absent, null, non-string and empty values all report ok=false, so callers
// matching on identity fields never treat a missing value as a wildcard.
// Int values are rendered in decimal since some endpoints send numeric ids.
func (obj Object) Text(field string) (string, bool) {
	v, ok := obj.Get(field)
	if !ok {
		return "", false
	}
	switch val := v.(type) {
	case String:
		if val == "" {
			return "", false
		}
		return string(val), true
	case Int:
		return formatInt(int64(val)), true
	default:
		return "", false
	}
}

// Clone returns a deep copy of obj.
func (obj Object) Clone() Object {
	if obj == nil {
		return nil
	}
	out := make(Object, len(obj))
	for k, v := range obj {
		out[k] = cloneValue(v)
	}
	return out
}

// With returns a copy of obj with field set to v.
func (obj Object) With(field string, v Value) Object {
	out := obj.Clone()
	if out == nil {
		out = Object{}
	}
	out[field] = v
	return out
}

// Without returns a copy of obj without the given fields.
func (obj Object) Without(fields ...string) Object {
	out := obj.Clone()
	for _, f := range fields {
		delete(out, f)
	}
	return out
}

// Merge returns a copy of obj with every field of patch applied on top.
// The merge is shallow: a nested object in patch replaces the whole field.
func (obj Object) Merge(patch Object) Object {
	out := obj.Clone()
	if out == nil {
		out = make(Object, len(patch))
	}
	for k, v := range patch {
		out[k] = cloneValue(v)
	}
	return out
}

// SortedKeys returns keys in RFC 8785 order (UTF-16 code units).
func (obj Object) SortedKeys() []string {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, compareKeysRFC8785)
	return keys
}

func cloneValue(v Value) Value {
	switch val := v.(type) {
	case Object:
		return val.Clone()
	case Array:
		out := make(Array, len(val))
		for i, elem := range val {
			out[i] = cloneValue(elem)
		}
		return out
	default:
		return v
	}
}

// Equal reports whether a and b hold the same value tree.
func Equal(a, b Value) bool {
	switch av := a.(type) {
	case nil:
		return b == nil
	case Null:
		_, ok := b.(Null)
		return ok
	case String:
		bv, ok := b.(String)
		return ok && av == bv
	case Int:
		bv, ok := b.(Int)
		return ok && av == bv
	case Number:
		bv, ok := b.(Number)
		return ok && av == bv
	case Bool:
		bv, ok := b.(Bool)
		return ok && av == bv
	case Array:
		bv, ok := b.(Array)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !Equal(av[i], bv[i]) {
				return false
			}
		}
		return true
	case Object:
		bv, ok := b.(Object)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			other, ok := bv[k]
			if !ok || !Equal(v, other) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// compareKeysRFC8785 compares strings by UTF-16 code units as required by
// RFC 8785. Go's native string comparison orders by UTF-8 bytes, which
// differs for characters outside the BMP.
func compareKeysRFC8785(a, b string) int {
	a16 := utf16.Encode([]rune(a))
	b16 := utf16.Encode([]rune(b))

	minLen := min(len(a16), len(b16))
	for i := 0; i < minLen; i++ {
		if a16[i] != b16[i] {
			if a16[i] < b16[i] {
				return -1
			}
			return 1
		}
	}

	switch {
	case len(a16) < len(b16):
		return -1
	case len(a16) > len(b16):
		return 1
	default:
		return 0
	}
}
