package codec

import "errors"

var (
	// ErrMalformedInput covers truncated buffers, unknown tags, invalid
	// UTF-8, non-canonical booleans and counts that overrun the buffer.
	ErrMalformedInput = errors.New("malformed input")

	// ErrDepthExceeded is returned when array nesting passes Limits.MaxDepth.
	ErrDepthExceeded = errors.New("array depth exceeded")

	// ErrInvalidValue is returned when asked to encode a zero Value,
	// which holds no variant.
	ErrInvalidValue = errors.New("invalid value")
)
