package codec

import (
	"encoding/binary"
	"fmt"
)

// MaxVarintLen is the longest uvarint encoding of a 64-bit value.
const MaxVarintLen = binary.MaxVarintLen64

// AppendUvarint appends x as base-128 groups, least significant first,
// with the high bit set on every byte except the last.
func AppendUvarint(buf []byte, x uint64) []byte {
	return binary.AppendUvarint(buf, x)
}

// AppendVarint appends the zig-zag form of x as a uvarint, so small
// magnitudes of either sign stay short.
func AppendVarint(buf []byte, x int64) []byte {
	return AppendUvarint(buf, zigzag(x))
}

// Uvarint reads one uvarint from the front of buf and returns the value
// and the number of bytes consumed.
func Uvarint(buf []byte) (uint64, int, error) {
	x, n := binary.Uvarint(buf)
	switch {
	case n == 0:
		return 0, 0, fmt.Errorf("%w: truncated varint", ErrMalformedInput)
	case n < 0:
		return 0, 0, fmt.Errorf("%w: varint overflows 64 bits", ErrMalformedInput)
	}
	return x, n, nil
}

// Varint reads one zig-zag encoded integer from the front of buf.
func Varint(buf []byte) (int64, int, error) {
	u, n, err := Uvarint(buf)
	if err != nil {
		return 0, 0, err
	}
	return unzigzag(u), n, nil
}

func zigzag(x int64) uint64 { return uint64(x<<1) ^ uint64(x>>63) }

func unzigzag(u uint64) int64 { return int64(u>>1) ^ -int64(u&1) }
