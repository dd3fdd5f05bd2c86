// Package protocol implements the binary frame protocol that carries
// envelopes between lwf clients and servers.
//
// Every frame is a fixed 15-byte header followed by a body of BodyLen
// bytes. The receiver reads the header first, validates it, and then reads
// exactly that many bytes.
//
// Frame format:
//
//	0      3  4  5  6  7         11        15
//	┌──────┬──┬──┬──┬──┬─────────┬─────────┬───────────────┐
//	│magic │v │ct│mt│cp│   seq   │ bodyLen │    body ...    │
//	│ lwf  │01│  │  │  │ uint32  │ uint32  │ bodyLen bytes  │
//	└──────┴──┴──┴──┴──┴─────────┴─────────┴───────────────┘
//
// ct is the envelope codec, mt the message type and cp the compression
// applied to the body.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"lwf/codec"
)

const (
	MagicNumber byte = 0x6c // 'l'
	MagicByte2  byte = 0x77 // 'w'
	MagicByte3  byte = 0x66 // 'f'
	Version     byte = 0x01
	HeaderSize  int  = 15 // 3 (magic) + 1 (version) + 1 (codec) + 1 (msgType) + 1 (compression) + 4 (seq) + 4 (bodyLen)
)

// MaxBodyLen caps the body size a peer may announce, before and after
// decompression.
const MaxBodyLen = 16 << 20

// ErrBodyTooLarge is returned when a frame announces more than MaxBodyLen bytes.
var ErrBodyTooLarge = errors.New("frame body too large")

// MsgType distinguishes request, response, and heartbeat frames.
type MsgType byte

const (
	MsgTypeRequest   MsgType = 0 // Client → Server call
	MsgTypeResponse  MsgType = 1 // Server → Client reply
	MsgTypeHeartbeat MsgType = 2 // KeepAlive probe (no body)
)

func (t MsgType) valid() bool { return t <= MsgTypeHeartbeat }

// Header is the fixed frame header.
type Header struct {
	CodecType   codec.CodecType // Envelope serialization
	MsgType     MsgType         // Request, Response, or Heartbeat
	Compression Compression     // Requested compression on Encode, applied compression after Decode
	Seq         uint32          // Matches a response to its request on a shared connection
	BodyLen     uint32          // Body length on the wire; filled in by Encode
}

// Encode writes a complete frame (header + body) to w in a single Write.
// If h.Compression is set and the body shrinks, the compressed form is
// sent; otherwise the frame goes out uncompressed.
//
// The caller must hold a write lock if multiple goroutines share w.
func Encode(w io.Writer, h *Header, body []byte) error {
	if len(body) > MaxBodyLen {
		return fmt.Errorf("%w: %d bytes", ErrBodyTooLarge, len(body))
	}
	compression := CompressionNone
	if h.Compression != CompressionNone {
		packed, err := compress(body, h.Compression)
		switch {
		case err == nil:
			body = packed
			compression = h.Compression
		case !errors.Is(err, errIncompressible):
			return err
		}
	}

	buf := make([]byte, HeaderSize, HeaderSize+len(body))
	copy(buf[0:3], []byte{MagicNumber, MagicByte2, MagicByte3})
	buf[3] = Version
	buf[4] = byte(h.CodecType)
	buf[5] = byte(h.MsgType)
	buf[6] = byte(compression)
	binary.BigEndian.PutUint32(buf[7:11], h.Seq)
	binary.BigEndian.PutUint32(buf[11:15], uint32(len(body)))
	buf = append(buf, body...)

	_, err := w.Write(buf)
	return err
}

// Decode reads a complete frame from r and returns the header and the
// decompressed body. The header is validated before any body bytes are
// read.
func Decode(r io.Reader) (*Header, []byte, error) {
	headerBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return nil, nil, err
	}

	if headerBuf[0] != MagicNumber || headerBuf[1] != MagicByte2 || headerBuf[2] != MagicByte3 {
		return nil, nil, fmt.Errorf("invalid magic number: %x", headerBuf[0:3])
	}
	if headerBuf[3] != Version {
		return nil, nil, fmt.Errorf("unsupported version: %d", headerBuf[3])
	}
	codecType := codec.CodecType(headerBuf[4])
	if !codecType.Valid() {
		return nil, nil, fmt.Errorf("unsupported codec type: %d", headerBuf[4])
	}
	msgType := MsgType(headerBuf[5])
	if !msgType.valid() {
		return nil, nil, fmt.Errorf("unsupported message type: %d", headerBuf[5])
	}
	compression := Compression(headerBuf[6])
	if !compression.Valid() {
		return nil, nil, fmt.Errorf("unsupported compression: %d", headerBuf[6])
	}

	seq := binary.BigEndian.Uint32(headerBuf[7:11])
	bodyLen := binary.BigEndian.Uint32(headerBuf[11:15])
	if bodyLen > MaxBodyLen {
		return nil, nil, fmt.Errorf("%w: %d bytes", ErrBodyTooLarge, bodyLen)
	}

	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, nil, err
	}
	body, err := decompress(body, compression)
	if err != nil {
		return nil, nil, err
	}
	if len(body) > MaxBodyLen {
		return nil, nil, fmt.Errorf("%w: %d bytes after decompression", ErrBodyTooLarge, len(body))
	}

	return &Header{
		CodecType:   codecType,
		MsgType:     msgType,
		Compression: compression,
		Seq:         seq,
		BodyLen:     bodyLen,
	}, body, nil
}
