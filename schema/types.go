package schema

import (
	"fmt"
	"strconv"

	"lwf/codec"
)

// BaseType is the scalar type a field holds, or the element type of an
// array field. Unspecified is only valid together with IsArray and means
// the array may mix element types.
type BaseType uint8

const (
	Unspecified BaseType = iota
	Int64
	Str
	Bool
)

// String returns the type name as written in definitions.
func (t BaseType) String() string {
	switch t {
	case Unspecified:
		return "any"
	case Int64:
		return "int64"
	case Str:
		return "str"
	case Bool:
		return "bool"
	default:
		return "basetype(" + strconv.Itoa(int(t)) + ")"
	}
}

// Kind returns the codec kind values of this type carry. Unspecified
// has no kind and returns 0.
func (t BaseType) Kind() codec.Kind {
	switch t {
	case Int64:
		return codec.KindInt64
	case Str:
		return codec.KindStr
	case Bool:
		return codec.KindBool
	default:
		return 0
	}
}

func (t BaseType) known() bool { return t <= Bool }

// ParseBaseType parses a type name. The empty string, "any" and
// "unspecified" all mean Unspecified; "int" and "num" are accepted as
// aliases for int64, "string" for str, "boolean" for bool.
func ParseBaseType(name string) (BaseType, error) {
	switch name {
	case "", "any", "unspecified":
		return Unspecified, nil
	case "int64", "int", "num":
		return Int64, nil
	case "str", "string":
		return Str, nil
	case "bool", "boolean":
		return Bool, nil
	default:
		return 0, fmt.Errorf("%w: unknown type %q", ErrInvalidSchema, name)
	}
}

// FieldSpec declares the shape of one field.
type FieldSpec struct {
	Type    BaseType
	IsArray bool
}

// String renders the spec as "int64", "array" or "array<int64>".
func (s FieldSpec) String() string {
	switch {
	case s.IsArray && s.Type == Unspecified:
		return "array"
	case s.IsArray:
		return "array<" + s.Type.String() + ">"
	default:
		return s.Type.String()
	}
}

// Field is a named entry of a Schema.
type Field struct {
	Name string
	Spec FieldSpec
}

// Scalar declares a scalar field.
func Scalar(name string, t BaseType) Field {
	return Field{Name: name, Spec: FieldSpec{Type: t}}
}

// ArrayOf declares an array field. Pass Unspecified for a heterogeneous
// array.
func ArrayOf(name string, elem BaseType) Field {
	return Field{Name: name, Spec: FieldSpec{Type: elem, IsArray: true}}
}

// Record maps field names to values. It is the unit Encode consumes and
// Decode produces.
type Record map[string]codec.Value

// Equal reports whether r and other hold the same keys with equal values.
func (r Record) Equal(other Record) bool {
	if len(r) != len(other) {
		return false
	}
	for name, v := range r {
		o, ok := other[name]
		if !ok || !v.Equal(o) {
			return false
		}
	}
	return true
}

// RecordFromMap converts plain Go values with codec.FromAny.
func RecordFromMap(m map[string]any) (Record, error) {
	rec := make(Record, len(m))
	for name, x := range m {
		v, err := codec.FromAny(x)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", name, err)
		}
		rec[name] = v
	}
	return rec, nil
}
