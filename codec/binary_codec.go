package codec

import (
	"errors"
	"fmt"

	"lwf/message"
)

// BinaryCodec writes an Envelope with the same uvarint prefixes as the
// record encoding:
//
//	method | schema | code | error | payload
//
// The code is a single uvarint; every other field is length-prefixed.
type BinaryCodec struct{}

func (c *BinaryCodec) Encode(v any) ([]byte, error) {
	msg, ok := v.(*message.Envelope)
	if !ok {
		return nil, errors.New("BinaryCodec: v must be *message.Envelope")
	}
	size := len(msg.Method) + len(msg.Schema) + len(msg.Error) + len(msg.Payload) + 5*MaxVarintLen
	e := NewEncoder(size)
	e.WriteStr(msg.Method).
		WriteStr(msg.Schema).
		WriteUvarint(uint64(msg.Code)).
		WriteStr(msg.Error).
		WriteBytes(msg.Payload)
	return e.Bytes(), nil
}

func (c *BinaryCodec) Decode(data []byte, v any) error {
	msg, ok := v.(*message.Envelope)
	if !ok {
		return errors.New("BinaryCodec: v must be *message.Envelope")
	}

	d := NewDecoder(data)
	var err error
	if msg.Method, err = d.ReadStr(); err != nil {
		return fmt.Errorf("BinaryCodec: method: %w", err)
	}
	if msg.Schema, err = d.ReadStr(); err != nil {
		return fmt.Errorf("BinaryCodec: schema: %w", err)
	}
	code, err := d.ReadUvarint()
	if err != nil {
		return fmt.Errorf("BinaryCodec: code: %w", err)
	}
	if code > 0xff {
		return fmt.Errorf("BinaryCodec: %w: code %d out of range", ErrMalformedInput, code)
	}
	msg.Code = message.Code(code)
	if msg.Error, err = d.ReadStr(); err != nil {
		return fmt.Errorf("BinaryCodec: error: %w", err)
	}
	if msg.Payload, err = d.ReadBytes(); err != nil {
		return fmt.Errorf("BinaryCodec: payload: %w", err)
	}
	if err := d.finish(); err != nil {
		return fmt.Errorf("BinaryCodec: %w", err)
	}
	return nil
}

func (c *BinaryCodec) Type() CodecType {
	return CodecTypeBinary
}
