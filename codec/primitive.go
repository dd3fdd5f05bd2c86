// Package codec implements the compact binary encoding used by lwf.
//
// Scalars carry no type information on the wire; the caller knows what it
// asked for. Arrays are self-describing: every element is preceded by a
// one-byte tag.
//
//	int64   zig-zag uvarint
//	str     uvarint byte length, raw UTF-8
//	bool    0x00 or 0x01
//	array   uvarint count, then (tag, element) pairs
//
// The package also holds the envelope codecs (binary, JSON, CBOR) that the
// RPC layers use to serialize message.Envelope.
package codec

import (
	"fmt"
	"unicode/utf8"
)

// EncodeInt64 encodes n as a zig-zag uvarint. It cannot fail.
func EncodeInt64(n int64) []byte {
	return AppendVarint(make([]byte, 0, MaxVarintLen), n)
}

// DecodeInt64 decodes a buffer produced by EncodeInt64.
func DecodeInt64(buf []byte) (int64, error) {
	d := NewDecoder(buf)
	n, err := d.ReadInt64()
	if err != nil {
		return 0, err
	}
	return n, d.finish()
}

// EncodeStr encodes s as a length prefix followed by its bytes. The
// length is the byte length; s is expected to be valid UTF-8.
func EncodeStr(s string) []byte {
	return NewEncoder(len(s) + MaxVarintLen).WriteStr(s).Bytes()
}

// DecodeStr decodes a buffer produced by EncodeStr. Invalid UTF-8 is
// rejected rather than replaced.
func DecodeStr(buf []byte) (string, error) {
	d := NewDecoder(buf)
	s, err := d.ReadStr()
	if err != nil {
		return "", err
	}
	return s, d.finish()
}

// EncodeBool encodes b as a single 0 or 1 byte.
func EncodeBool(b bool) []byte {
	if b {
		return []byte{1}
	}
	return []byte{0}
}

// DecodeBool decodes a buffer produced by EncodeBool.
func DecodeBool(buf []byte) (bool, error) {
	d := NewDecoder(buf)
	b, err := d.ReadBool()
	if err != nil {
		return false, err
	}
	return b, d.finish()
}

// Encoder appends encoded values to a growing buffer. The zero value is
// ready to use with DefaultLimits.
type Encoder struct {
	buf    []byte
	limits Limits
}

// NewEncoder returns an Encoder with room for sizeHint bytes.
func NewEncoder(sizeHint int) *Encoder {
	return &Encoder{buf: make([]byte, 0, sizeHint), limits: DefaultLimits}
}

// Bytes returns the encoded buffer. The encoder must not be used after
// the caller takes ownership of it.
func (e *Encoder) Bytes() []byte { return e.buf }

// Len returns the number of bytes written so far.
func (e *Encoder) Len() int { return len(e.buf) }

func (e *Encoder) WriteByte(b byte) error {
	e.buf = append(e.buf, b)
	return nil
}

func (e *Encoder) WriteUvarint(x uint64) *Encoder {
	e.buf = AppendUvarint(e.buf, x)
	return e
}

func (e *Encoder) WriteInt64(n int64) *Encoder {
	e.buf = AppendVarint(e.buf, n)
	return e
}

func (e *Encoder) WriteStr(s string) *Encoder {
	e.buf = AppendUvarint(e.buf, uint64(len(s)))
	e.buf = append(e.buf, s...)
	return e
}

// WriteBytes writes a length-prefixed byte slice, same layout as WriteStr.
func (e *Encoder) WriteBytes(p []byte) *Encoder {
	e.buf = AppendUvarint(e.buf, uint64(len(p)))
	e.buf = append(e.buf, p...)
	return e
}

func (e *Encoder) WriteBool(b bool) *Encoder {
	if b {
		e.buf = append(e.buf, 1)
	} else {
		e.buf = append(e.buf, 0)
	}
	return e
}

// Decoder reads encoded values sequentially from a borrowed buffer.
// Strings and byte slices it returns are copies; the input is never
// retained once the Decoder is dropped.
type Decoder struct {
	buf    []byte
	off    int
	limits Limits
}

// NewDecoder returns a Decoder over buf using DefaultLimits.
func NewDecoder(buf []byte) *Decoder {
	return &Decoder{buf: buf, limits: DefaultLimits}
}

// Len returns the number of unread bytes.
func (d *Decoder) Len() int { return len(d.buf) - d.off }

// Offset returns the number of bytes consumed so far.
func (d *Decoder) Offset() int { return d.off }

func (d *Decoder) ReadByte() (byte, error) {
	if d.off >= len(d.buf) {
		return 0, fmt.Errorf("%w: unexpected end of buffer at offset %d", ErrMalformedInput, d.off)
	}
	b := d.buf[d.off]
	d.off++
	return b, nil
}

func (d *Decoder) ReadUvarint() (uint64, error) {
	x, n, err := Uvarint(d.buf[d.off:])
	if err != nil {
		return 0, fmt.Errorf("offset %d: %w", d.off, err)
	}
	d.off += n
	return x, nil
}

func (d *Decoder) ReadInt64() (int64, error) {
	u, err := d.ReadUvarint()
	if err != nil {
		return 0, err
	}
	return unzigzag(u), nil
}

func (d *Decoder) ReadStr() (string, error) {
	p, err := d.readPrefixed()
	if err != nil {
		return "", err
	}
	if !utf8.Valid(p) {
		return "", fmt.Errorf("%w: invalid UTF-8 in string at offset %d", ErrMalformedInput, d.off-len(p))
	}
	return string(p), nil
}

// ReadBytes reads a length-prefixed byte slice and returns a copy.
func (d *Decoder) ReadBytes() ([]byte, error) {
	p, err := d.readPrefixed()
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), p...), nil
}

func (d *Decoder) ReadBool() (bool, error) {
	b, err := d.ReadByte()
	if err != nil {
		return false, err
	}
	switch b {
	case 0:
		return false, nil
	case 1:
		return true, nil
	default:
		return false, fmt.Errorf("%w: invalid bool byte 0x%02x at offset %d", ErrMalformedInput, b, d.off-1)
	}
}

// readPrefixed returns a view of the next length-prefixed run. The length
// is checked against what is left before slicing.
func (d *Decoder) readPrefixed() ([]byte, error) {
	n, err := d.ReadUvarint()
	if err != nil {
		return nil, err
	}
	if n > uint64(d.Len()) {
		return nil, fmt.Errorf("%w: length %d exceeds remaining %d bytes", ErrMalformedInput, n, d.Len())
	}
	p := d.buf[d.off : d.off+int(n)]
	d.off += int(n)
	return p, nil
}

// finish is used by the standalone Decode* functions, which expect the
// buffer to hold exactly one value.
func (d *Decoder) finish() error {
	if d.Len() != 0 {
		return fmt.Errorf("%w: %d unexpected trailing bytes", ErrMalformedInput, d.Len())
	}
	return nil
}
