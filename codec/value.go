package codec

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Kind identifies which variant a Value holds.
type Kind uint8

const (
	KindInt64 Kind = iota + 1
	KindStr
	KindBool
	KindArray
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindInt64:
		return "int64"
	case KindStr:
		return "str"
	case KindBool:
		return "bool"
	case KindArray:
		return "array"
	default:
		return "kind(" + strconv.Itoa(int(k)) + ")"
	}
}

// Value is a tagged union over Int64, Str, Bool and Array.
// The zero Value has no kind and is rejected by every encoder.
type Value struct {
	kind Kind
	i    int64
	s    string
	b    bool
	arr  []Value
}

// Int64 creates an integer value.
func Int64(n int64) Value { return Value{kind: KindInt64, i: n} }

// Str creates a string value.
func Str(s string) Value { return Value{kind: KindStr, s: s} }

// Bool creates a boolean value.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Array creates an array value. The slice is used as is, not copied.
func Array(values ...Value) Value {
	if values == nil {
		values = []Value{}
	}
	return Value{kind: KindArray, arr: values}
}

// Kind returns the variant held by v.
func (v Value) Kind() Kind { return v.kind }

// IsValid reports whether v was built by one of the constructors.
func (v Value) IsValid() bool { return v.kind >= KindInt64 && v.kind <= KindArray }

// Int64 returns the integer payload, or 0 if v is not KindInt64.
func (v Value) Int64() int64 { return v.i }

// Str returns the string payload, or "" if v is not KindStr.
func (v Value) Str() string { return v.s }

// Bool returns the boolean payload, or false if v is not KindBool.
func (v Value) Bool() bool { return v.b }

// Array returns the elements of an array value, or nil for other kinds.
func (v Value) Array() []Value { return v.arr }

// Equal reports whether v and other hold the same variant and payload.
func (v Value) Equal(other Value) bool {
	if v.kind != other.kind {
		return false
	}
	switch v.kind {
	case KindInt64:
		return v.i == other.i
	case KindStr:
		return v.s == other.s
	case KindBool:
		return v.b == other.b
	case KindArray:
		if len(v.arr) != len(other.arr) {
			return false
		}
		for i := range v.arr {
			if !v.arr[i].Equal(other.arr[i]) {
				return false
			}
		}
		return true
	default:
		return true
	}
}

// String renders v for humans: integers and booleans bare, strings
// quoted, arrays in brackets.
func (v Value) String() string {
	var sb strings.Builder
	v.writeTo(&sb)
	return sb.String()
}

func (v Value) writeTo(sb *strings.Builder) {
	switch v.kind {
	case KindInt64:
		sb.WriteString(strconv.FormatInt(v.i, 10))
	case KindStr:
		sb.WriteString(strconv.Quote(v.s))
	case KindBool:
		sb.WriteString(strconv.FormatBool(v.b))
	case KindArray:
		sb.WriteByte('[')
		for i, e := range v.arr {
			if i > 0 {
				sb.WriteString(", ")
			}
			e.writeTo(sb)
		}
		sb.WriteByte(']')
	default:
		sb.WriteString("<invalid>")
	}
}

// Any converts v to plain Go values: int64, string, bool or []any.
func (v Value) Any() any {
	switch v.kind {
	case KindInt64:
		return v.i
	case KindStr:
		return v.s
	case KindBool:
		return v.b
	case KindArray:
		out := make([]any, len(v.arr))
		for i, e := range v.arr {
			out[i] = e.Any()
		}
		return out
	default:
		return nil
	}
}

// FromAny converts plain Go values into a Value. Integers of any width
// are accepted as long as they fit in an int64; slices become arrays.
func FromAny(x any) (Value, error) {
	switch t := x.(type) {
	case Value:
		if !t.IsValid() {
			return Value{}, fmt.Errorf("codec: invalid value")
		}
		return t, nil
	case int:
		return Int64(int64(t)), nil
	case int8:
		return Int64(int64(t)), nil
	case int16:
		return Int64(int64(t)), nil
	case int32:
		return Int64(int64(t)), nil
	case int64:
		return Int64(t), nil
	case uint:
		return fromUint(uint64(t))
	case uint8:
		return Int64(int64(t)), nil
	case uint16:
		return Int64(int64(t)), nil
	case uint32:
		return Int64(int64(t)), nil
	case uint64:
		return fromUint(t)
	case string:
		return Str(t), nil
	case bool:
		return Bool(t), nil
	case []Value:
		return Array(t...), nil
	case []any:
		out := make([]Value, len(t))
		for i, e := range t {
			v, err := FromAny(e)
			if err != nil {
				return Value{}, fmt.Errorf("element %d: %w", i, err)
			}
			out[i] = v
		}
		return Array(out...), nil
	default:
		return Value{}, fmt.Errorf("codec: unsupported type %T", x)
	}
}

func fromUint(u uint64) (Value, error) {
	if u > math.MaxInt64 {
		return Value{}, fmt.Errorf("codec: %d overflows int64", u)
	}
	return Int64(int64(u)), nil
}
