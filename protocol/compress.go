package protocol

import (
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"lwf/codec"
)

// Compression identifies how a frame body is compressed. The value is
// written into the frame header.
type Compression uint8

const (
	CompressionNone Compression = 0
	CompressionLZ4  Compression = 1
	CompressionZstd Compression = 2
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(c))
	}
}

// Valid reports whether c names a known algorithm.
func (c Compression) Valid() bool { return c <= CompressionZstd }

// ParseCompression parses "none", "lz4" or "zstd".
func ParseCompression(name string) (Compression, error) {
	switch name {
	case "none", "":
		return CompressionNone, nil
	case "lz4":
		return CompressionLZ4, nil
	case "zstd":
		return CompressionZstd, nil
	default:
		return 0, fmt.Errorf("unknown compression: %q", name)
	}
}

// minCompressSize is the smallest body worth compressing. Envelopes
// below it are sent as they are.
const minCompressSize = 256

var errIncompressible = errors.New("incompressible")

// zstd.Encoder and zstd.Decoder are safe for concurrent use with
// EncodeAll and DecodeAll.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("protocol: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(uint64(MaxBodyLen)))
	if err != nil {
		panic("protocol: zstd decoder initialization failed: " + err.Error())
	}
}

// compress returns the compressed body, or errIncompressible when the
// result would not be smaller than the input.
func compress(body []byte, c Compression) ([]byte, error) {
	if len(body) < minCompressSize {
		return nil, errIncompressible
	}
	switch c {
	case CompressionLZ4:
		// LZ4 blocks do not record their size; prefix it.
		bound := lz4.CompressBlockBound(len(body))
		out := codec.AppendUvarint(make([]byte, 0, bound+codec.MaxVarintLen), uint64(len(body)))
		prefix := len(out)
		out = out[:prefix+bound]
		written, err := lz4.CompressBlock(body, out[prefix:], nil)
		if err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		if written == 0 || prefix+written >= len(body) {
			return nil, errIncompressible
		}
		return out[:prefix+written], nil
	case CompressionZstd:
		out := zstdEncoder.EncodeAll(body, nil)
		if len(out) >= len(body) {
			return nil, errIncompressible
		}
		return out, nil
	default:
		return nil, errIncompressible
	}
}

func decompress(body []byte, c Compression) ([]byte, error) {
	switch c {
	case CompressionNone:
		return body, nil
	case CompressionLZ4:
		size, n, err := codec.Uvarint(body)
		if err != nil {
			return nil, fmt.Errorf("lz4 size prefix: %w", err)
		}
		if size > uint64(MaxBodyLen) {
			return nil, fmt.Errorf("lz4 body of %d bytes exceeds limit %d", size, MaxBodyLen)
		}
		out := make([]byte, size)
		read, err := lz4.UncompressBlock(body[n:], out)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		if uint64(read) != size {
			return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", read, size)
		}
		return out, nil
	case CompressionZstd:
		out, err := zstdDecoder.DecodeAll(body, nil)
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported compression: %d", c)
	}
}
