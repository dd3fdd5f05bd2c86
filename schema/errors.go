package schema

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidSchema = errors.New("invalid schema")
	ErrMissingField  = errors.New("missing field")
	ErrTypeMismatch  = errors.New("type mismatch")

	// ErrTrailingBytes reports bytes left after the last field. Under the
	// default policy Decode still returns the decoded record alongside it.
	ErrTrailingBytes = errors.New("trailing bytes")
)

// FieldError attaches a field name to an encode or decode failure.
type FieldError struct {
	Field string
	Err   error
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("field %q: %v", e.Field, e.Err)
}

func (e *FieldError) Unwrap() error { return e.Err }

// TypeMismatchError is returned by Encode when a record value has the
// wrong kind for its field.
type TypeMismatchError struct {
	Field    string
	Expected string
	Actual   string
}

func (e *TypeMismatchError) Error() string {
	return fmt.Sprintf("field %q: %v: expected %s, got %s", e.Field, ErrTypeMismatch, e.Expected, e.Actual)
}

func (e *TypeMismatchError) Unwrap() error { return ErrTypeMismatch }

// TrailingBytesError carries the size and position of unread input.
type TrailingBytesError struct {
	Offset int
	Count  int
}

func (e *TrailingBytesError) Error() string {
	return fmt.Sprintf("%v: %d bytes after offset %d", ErrTrailingBytes, e.Count, e.Offset)
}

func (e *TrailingBytesError) Unwrap() error { return ErrTrailingBytes }
