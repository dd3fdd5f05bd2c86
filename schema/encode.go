package schema

import (
	"errors"
	"fmt"

	"lwf/codec"
)

// Encode writes the fields of rec in schema order. Keys of rec that the
// schema does not declare are ignored.
func Encode(rec Record, s *Schema, opts ...Option) ([]byte, error) {
	o := collect(opts)
	e := o.limits.NewEncoder(16 * (len(s.fields) + 1))
	if !o.noHeader {
		e.WriteByte(FormatVersion)
	}
	for _, f := range s.fields {
		v, ok := rec[f.Name]
		if !ok {
			return nil, &FieldError{Field: f.Name, Err: ErrMissingField}
		}
		if err := check(f, v); err != nil {
			return nil, err
		}
		if err := e.WriteValue(v); err != nil {
			if errors.Is(err, codec.ErrInvalidValue) {
				// Nested deeper than check looks.
				return nil, &TypeMismatchError{Field: f.Name, Expected: f.Spec.String(), Actual: err.Error()}
			}
			return nil, &FieldError{Field: f.Name, Err: err}
		}
	}
	return e.Bytes(), nil
}

func check(f Field, v codec.Value) error {
	actual := kindName(v)
	if !f.Spec.IsArray {
		if v.Kind() != f.Spec.Type.Kind() {
			return &TypeMismatchError{Field: f.Name, Expected: f.Spec.String(), Actual: actual}
		}
		return nil
	}
	if v.Kind() != codec.KindArray {
		return &TypeMismatchError{Field: f.Name, Expected: f.Spec.String(), Actual: actual}
	}
	for i, elem := range v.Array() {
		if f.Spec.Type == Unspecified {
			if !elem.IsValid() {
				return &TypeMismatchError{
					Field:    f.Name,
					Expected: f.Spec.String(),
					Actual:   fmt.Sprintf("invalid value at element %d", i),
				}
			}
			continue
		}
		if elem.Kind() != f.Spec.Type.Kind() {
			return &TypeMismatchError{
				Field:    f.Name,
				Expected: f.Spec.String(),
				Actual:   fmt.Sprintf("%s at element %d", kindName(elem), i),
			}
		}
	}
	return nil
}

func kindName(v codec.Value) string {
	if !v.IsValid() {
		return "invalid value"
	}
	return v.Kind().String()
}

// Decode reads one record laid out by s. Bytes left after the last field
// are handled according to the TrailingPolicy option.
func Decode(buf []byte, s *Schema, opts ...Option) (Record, error) {
	o := collect(opts)
	d := o.limits.NewDecoder(buf)
	if !o.noHeader {
		version, err := d.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("format header: %w", err)
		}
		if version != FormatVersion {
			return nil, fmt.Errorf("%w: unsupported format version %d", codec.ErrMalformedInput, version)
		}
	}

	rec := make(Record, len(s.fields))
	for _, f := range s.fields {
		v, err := readField(d, f)
		if err != nil {
			return nil, &FieldError{Field: f.Name, Err: err}
		}
		rec[f.Name] = v
	}

	if d.Len() == 0 {
		return rec, nil
	}
	trailing := &TrailingBytesError{Offset: d.Offset(), Count: d.Len()}
	switch o.trailing {
	case TrailingIgnore:
		return rec, nil
	case TrailingReject:
		return nil, trailing
	default:
		return rec, trailing
	}
}

func readField(d *codec.Decoder, f Field) (codec.Value, error) {
	if !f.Spec.IsArray {
		return d.ReadValue(f.Spec.Type.Kind())
	}
	values, err := d.ReadArray()
	if err != nil {
		return codec.Value{}, err
	}
	if want := f.Spec.Type.Kind(); want != 0 {
		for i, elem := range values {
			if elem.Kind() != want {
				return codec.Value{}, fmt.Errorf("%w: element %d is %s, want %s",
					codec.ErrMalformedInput, i, elem.Kind(), f.Spec.Type)
			}
		}
	}
	return codec.Array(values...), nil
}
