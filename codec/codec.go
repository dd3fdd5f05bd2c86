package codec

import "fmt"

// CodecType selects the envelope serialization. It travels in every frame
// header so the receiver can decode without negotiation.
type CodecType byte

const (
	CodecTypeBinary CodecType = 0
	CodecTypeJSON   CodecType = 1
	CodecTypeCBOR   CodecType = 2
)

// String returns the codec name used in configuration files.
func (t CodecType) String() string {
	switch t {
	case CodecTypeBinary:
		return "binary"
	case CodecTypeJSON:
		return "json"
	case CodecTypeCBOR:
		return "cbor"
	default:
		return fmt.Sprintf("unknown(%d)", byte(t))
	}
}

// Valid reports whether t names a known codec.
func (t CodecType) Valid() bool { return t <= CodecTypeCBOR }

// ParseCodecType parses a codec name.
func ParseCodecType(name string) (CodecType, error) {
	switch name {
	case "binary", "":
		return CodecTypeBinary, nil
	case "json":
		return CodecTypeJSON, nil
	case "cbor":
		return CodecTypeCBOR, nil
	default:
		return 0, fmt.Errorf("unknown codec type: %q", name)
	}
}

// Codec serializes *message.Envelope values.
type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Type() CodecType
}

// GetCodec returns the codec for codecType, falling back to binary.
func GetCodec(codecType CodecType) Codec {
	switch codecType {
	case CodecTypeJSON:
		return &JSONCodec{}
	case CodecTypeCBOR:
		return &CBORCodec{}
	default:
		return &BinaryCodec{}
	}
}
