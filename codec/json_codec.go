package codec

import (
	"encoding/json"
	"errors"
	"fmt"

	"lwf/message"
)

// JSONCodec writes an Envelope as a JSON object with encoding/json.
// Payload bytes become base64 text, so it is mostly useful for debugging
// a connection with ordinary tools.
type JSONCodec struct{}

func (c *JSONCodec) Encode(v any) ([]byte, error) {
	msg, ok := v.(*message.Envelope)
	if !ok {
		return nil, errors.New("JSONCodec: v must be *message.Envelope")
	}
	return json.Marshal(msg)
}

// Decode reports syntax errors and mistyped fields as ErrMalformedInput,
// matching the binary codec.
func (c *JSONCodec) Decode(data []byte, v any) error {
	msg, ok := v.(*message.Envelope)
	if !ok {
		return errors.New("JSONCodec: v must be *message.Envelope")
	}
	if err := json.Unmarshal(data, msg); err != nil {
		return fmt.Errorf("JSONCodec: %w: %v", ErrMalformedInput, err)
	}
	return nil
}

func (c *JSONCodec) Type() CodecType {
	return CodecTypeJSON
}
