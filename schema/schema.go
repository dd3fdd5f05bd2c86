// Package schema maps named, ordered fields onto a single flat buffer.
//
// A Schema is built once and is read-only afterwards, so it can be shared
// by any number of goroutines. Fields are written back to back in schema
// order with no delimiters; the order fixed at Build time is the only
// thing that tells a decoder where one field ends and the next begins.
package schema

import (
	"fmt"
	"strings"
)

// Schema is an immutable ordered list of uniquely named fields.
type Schema struct {
	fields      []Field
	index       map[string]int
	fingerprint Fingerprint
}

// Build validates fields and returns a Schema that keeps their order.
func Build(fields ...Field) (*Schema, error) {
	s := &Schema{
		fields: make([]Field, len(fields)),
		index:  make(map[string]int, len(fields)),
	}
	for i, f := range fields {
		if f.Name == "" {
			return nil, fmt.Errorf("%w: field %d has no name", ErrInvalidSchema, i)
		}
		if _, dup := s.index[f.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate field %q", ErrInvalidSchema, f.Name)
		}
		if !f.Spec.Type.known() {
			return nil, fmt.Errorf("%w: field %q has unknown type %s", ErrInvalidSchema, f.Name, f.Spec.Type)
		}
		if f.Spec.Type == Unspecified && !f.Spec.IsArray {
			return nil, fmt.Errorf("%w: field %q declares neither a type nor isArray", ErrInvalidSchema, f.Name)
		}
		s.fields[i] = f
		s.index[f.Name] = i
	}
	s.fingerprint = fingerprintOf(s.fields)
	return s, nil
}

// MustBuild is like Build but panics on error. It is meant for schemas
// declared as package-level variables.
func MustBuild(fields ...Field) *Schema {
	s, err := Build(fields...)
	if err != nil {
		panic(err)
	}
	return s
}

// Fields returns a copy of the fields in wire order.
func (s *Schema) Fields() []Field {
	return append([]Field(nil), s.fields...)
}

// Len returns the number of fields.
func (s *Schema) Len() int { return len(s.fields) }

// Lookup returns the spec of the named field.
func (s *Schema) Lookup(name string) (FieldSpec, bool) {
	i, ok := s.index[name]
	if !ok {
		return FieldSpec{}, false
	}
	return s.fields[i].Spec, true
}

// Fingerprint identifies the wire layout of s.
func (s *Schema) Fingerprint() Fingerprint { return s.fingerprint }

// String renders the schema as "{name: spec, ...}" in wire order.
func (s *Schema) String() string {
	var sb strings.Builder
	sb.WriteByte('{')
	for i, f := range s.fields {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(f.Name)
		sb.WriteString(": ")
		sb.WriteString(f.Spec.String())
	}
	sb.WriteByte('}')
	return sb.String()
}
