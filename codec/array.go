package codec

import "fmt"

// Element tags written in front of every array element.
const (
	TagInt64 byte = 0x01
	TagStr   byte = 0x02
	TagBool  byte = 0x03
	TagArray byte = 0x04
)

// DefaultMaxDepth bounds array nesting when no explicit limit is given.
const DefaultMaxDepth = 64

// Limits bounds recursive encoding and decoding.
type Limits struct {
	// MaxDepth is the deepest array nesting accepted. The outermost array
	// counts as depth 1. Zero or negative means DefaultMaxDepth.
	MaxDepth int
}

// DefaultLimits is used by the package-level functions.
var DefaultLimits = Limits{MaxDepth: DefaultMaxDepth}

func (l Limits) maxDepth() int {
	if l.MaxDepth <= 0 {
		return DefaultMaxDepth
	}
	return l.MaxDepth
}

// EncodeArray encodes values as a heterogeneous, tagged array.
func EncodeArray(values []Value) ([]byte, error) {
	return DefaultLimits.EncodeArray(values)
}

// DecodeArray decodes a buffer produced by EncodeArray.
func DecodeArray(buf []byte) ([]Value, error) {
	return DefaultLimits.DecodeArray(buf)
}

// EncodeArray encodes values, failing with ErrDepthExceeded if nesting
// passes l.MaxDepth.
func (l Limits) EncodeArray(values []Value) ([]byte, error) {
	e := l.NewEncoder(16)
	if err := e.WriteArray(values); err != nil {
		return nil, err
	}
	return e.Bytes(), nil
}

// DecodeArray decodes one array occupying all of buf.
func (l Limits) DecodeArray(buf []byte) ([]Value, error) {
	d := l.NewDecoder(buf)
	values, err := d.ReadArray()
	if err != nil {
		return nil, err
	}
	if err := d.finish(); err != nil {
		return nil, err
	}
	return values, nil
}

// NewEncoder returns an Encoder bound to l.
func (l Limits) NewEncoder(sizeHint int) *Encoder {
	e := NewEncoder(sizeHint)
	e.limits = l
	return e
}

// NewDecoder returns a Decoder over buf bound to l.
func (l Limits) NewDecoder(buf []byte) *Decoder {
	d := NewDecoder(buf)
	d.limits = l
	return d
}

// WriteArray writes the count and every tagged element of values.
func (e *Encoder) WriteArray(values []Value) error {
	return e.writeArray(values, 1)
}

func (e *Encoder) writeArray(values []Value, depth int) error {
	if depth > e.limits.maxDepth() {
		return fmt.Errorf("%w: depth %d > %d", ErrDepthExceeded, depth, e.limits.maxDepth())
	}
	e.WriteUvarint(uint64(len(values)))
	for i, v := range values {
		if err := e.writeElement(v, depth); err != nil {
			return fmt.Errorf("element %d: %w", i, err)
		}
	}
	return nil
}

func (e *Encoder) writeElement(v Value, depth int) error {
	switch v.kind {
	case KindInt64:
		e.buf = append(e.buf, TagInt64)
		e.WriteInt64(v.i)
	case KindStr:
		e.buf = append(e.buf, TagStr)
		e.WriteStr(v.s)
	case KindBool:
		e.buf = append(e.buf, TagBool)
		e.WriteBool(v.b)
	case KindArray:
		e.buf = append(e.buf, TagArray)
		return e.writeArray(v.arr, depth+1)
	default:
		return fmt.Errorf("%w: cannot encode value of %s", ErrInvalidValue, v.kind)
	}
	return nil
}

// ReadArray reads one tagged array.
func (d *Decoder) ReadArray() ([]Value, error) {
	return d.readArray(1)
}

func (d *Decoder) readArray(depth int) ([]Value, error) {
	if depth > d.limits.maxDepth() {
		return nil, fmt.Errorf("%w: depth %d > %d", ErrDepthExceeded, depth, d.limits.maxDepth())
	}
	start := d.off
	count, err := d.ReadUvarint()
	if err != nil {
		return nil, err
	}
	// Every element needs a tag byte and at least one payload byte.
	if count > uint64(d.Len())/2 {
		return nil, fmt.Errorf("%w: array at offset %d declares %d elements, only %d bytes remain",
			ErrMalformedInput, start, count, d.Len())
	}
	values := make([]Value, 0, int(count))
	for i := uint64(0); i < count; i++ {
		v, err := d.readElement(depth)
		if err != nil {
			return nil, fmt.Errorf("element %d: %w", i, err)
		}
		values = append(values, v)
	}
	return values, nil
}

func (d *Decoder) readElement(depth int) (Value, error) {
	tag, err := d.ReadByte()
	if err != nil {
		return Value{}, err
	}
	switch tag {
	case TagInt64:
		n, err := d.ReadInt64()
		return Int64(n), err
	case TagStr:
		s, err := d.ReadStr()
		return Str(s), err
	case TagBool:
		b, err := d.ReadBool()
		return Bool(b), err
	case TagArray:
		values, err := d.readArray(depth + 1)
		if err != nil {
			return Value{}, err
		}
		return Array(values...), nil
	default:
		return Value{}, fmt.Errorf("%w: unknown tag 0x%02x at offset %d", ErrMalformedInput, tag, d.off-1)
	}
}

// WriteValue writes v without a tag: scalars in their bare form, arrays
// with their count and tagged elements.
func (e *Encoder) WriteValue(v Value) error {
	switch v.kind {
	case KindInt64:
		e.WriteInt64(v.i)
	case KindStr:
		e.WriteStr(v.s)
	case KindBool:
		e.WriteBool(v.b)
	case KindArray:
		return e.WriteArray(v.arr)
	default:
		return fmt.Errorf("%w: cannot encode value of %s", ErrInvalidValue, v.kind)
	}
	return nil
}

// ReadValue reads an untagged value of the given kind, the inverse of
// WriteValue.
func (d *Decoder) ReadValue(kind Kind) (Value, error) {
	switch kind {
	case KindInt64:
		n, err := d.ReadInt64()
		return Int64(n), err
	case KindStr:
		s, err := d.ReadStr()
		return Str(s), err
	case KindBool:
		b, err := d.ReadBool()
		return Bool(b), err
	case KindArray:
		values, err := d.ReadArray()
		if err != nil {
			return Value{}, err
		}
		return Array(values...), nil
	default:
		return Value{}, fmt.Errorf("codec: cannot decode value of %s", kind)
	}
}
