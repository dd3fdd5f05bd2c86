// Package transport implements the client-side transport layer with multiplexing and heartbeat.
//
// ClientTransport enables multiple concurrent calls over a single TCP connection.
// Each request gets a unique sequence ID, and a background goroutine (recvLoop)
// continuously reads responses and routes them to the correct caller via pending channels.
//
//	goroutine-1 ──Send(seq=1)──┐
//	goroutine-2 ──Send(seq=2)──┼──→ single TCP conn ──→ Server
//	goroutine-3 ──Send(seq=3)──┘
//
//	recvLoop:  ←── response(seq=2) → pending[2] chan ← response → goroutine-2 wakes up
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"lwf/codec"
	"lwf/message"
	"lwf/protocol"
)

// ErrClosed is returned when sending on a transport whose connection is gone.
var ErrClosed = errors.New("transport closed")

// DefaultHeartbeat is used when Options.Heartbeat is zero.
const DefaultHeartbeat = 30 * time.Second

// Options configures a ClientTransport.
type Options struct {
	Codec       codec.CodecType      // envelope serialization
	Compression protocol.Compression // requested frame body compression
	// Heartbeat is the interval between keep-alive frames. Zero means
	// DefaultHeartbeat; negative disables heartbeats.
	Heartbeat time.Duration
	Logger    *zap.Logger
}

// ClientTransport manages a single multiplexed TCP connection.
type ClientTransport struct {
	conn   net.Conn
	opts   Options
	codec  codec.Codec
	logger *zap.Logger

	sending sync.Mutex // serializes frame writes and guards seq and closed
	seq     uint32
	closed  bool

	pending sync.Map // map[uint32]chan *message.Envelope, one per in-flight call
	dead    atomic.Bool
	done    chan struct{}
	once    sync.Once
}

// NewClientTransport wraps conn and starts two background goroutines:
//   - recvLoop: reads responses and dispatches them to pending callers
//   - heartbeatLoop: sends periodic heartbeat frames so idle connections stay up
func NewClientTransport(conn net.Conn, opts Options) *ClientTransport {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	t := &ClientTransport{
		conn:   conn,
		opts:   opts,
		codec:  codec.GetCodec(opts.Codec),
		logger: opts.Logger.With(zap.String("remote", conn.RemoteAddr().String())),
		done:   make(chan struct{}),
	}
	go t.recvLoop()
	interval := opts.Heartbeat
	if interval == 0 {
		interval = DefaultHeartbeat
	}
	if interval > 0 {
		go t.heartbeatLoop(interval)
	}
	return t
}

// Send encodes req and writes it as one request frame. It returns the
// sequence number and a channel that receives exactly one response: the
// server's reply, or an Unavailable envelope if the connection breaks first.
func (t *ClientTransport) Send(req *message.Envelope) (uint32, <-chan *message.Envelope, error) {
	body, err := t.codec.Encode(req)
	if err != nil {
		return 0, nil, fmt.Errorf("encoding envelope: %w", err)
	}

	t.sending.Lock()
	defer t.sending.Unlock()
	if t.closed {
		return 0, nil, ErrClosed
	}

	t.seq++
	seq := t.seq

	header := protocol.Header{
		CodecType:   t.opts.Codec,
		MsgType:     protocol.MsgTypeRequest,
		Compression: t.opts.Compression,
		Seq:         seq,
	}

	// Register before writing so recvLoop cannot see the reply first.
	respChan := make(chan *message.Envelope, 1)
	t.pending.Store(seq, respChan)

	if err := protocol.Encode(t.conn, &header, body); err != nil {
		t.pending.Delete(seq)
		return 0, nil, err
	}
	return seq, respChan, nil
}

// Call sends req and waits for its response or for ctx to end.
func (t *ClientTransport) Call(ctx context.Context, req *message.Envelope) (*message.Envelope, error) {
	seq, ch, err := t.Send(req)
	if err != nil {
		return nil, err
	}
	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		// A late reply finds no pending entry and is dropped.
		t.pending.Delete(seq)
		return nil, ctx.Err()
	}
}

// recvLoop is the only reader of the connection, since frame boundaries
// can only be found by reading sequentially.
func (t *ClientTransport) recvLoop() {
	for {
		header, body, err := protocol.Decode(t.conn)
		if err != nil {
			t.fail(err)
			return
		}
		if header.MsgType != protocol.MsgTypeResponse {
			continue
		}

		v, ok := t.pending.LoadAndDelete(header.Seq)
		if !ok {
			t.logger.Debug("dropping response without caller", zap.Uint32("seq", header.Seq))
			continue
		}
		resp := &message.Envelope{}
		if err := codec.GetCodec(header.CodecType).Decode(body, resp); err != nil {
			resp = message.ErrorReply("", message.Internal, "decoding response: "+err.Error())
		}
		v.(chan *message.Envelope) <- resp
	}
}

// fail marks the transport dead and answers every pending caller so none
// blocks forever.
func (t *ClientTransport) fail(err error) {
	t.sending.Lock()
	t.closed = true
	t.sending.Unlock()
	t.dead.Store(true)
	t.once.Do(func() { close(t.done) })

	if !errors.Is(err, net.ErrClosed) {
		t.logger.Warn("connection lost", zap.Error(err))
	}

	t.pending.Range(func(key, value any) bool {
		t.pending.Delete(key)
		value.(chan *message.Envelope) <- message.ErrorReply("", message.Unavailable, err.Error())
		return true
	})
}

// Closed reports whether the connection is gone. A closed transport
// never recovers; the pool replaces it.
func (t *ClientTransport) Closed() bool { return t.dead.Load() }

// Close closes the connection. Pending calls fail with Unavailable.
func (t *ClientTransport) Close() error {
	t.once.Do(func() { close(t.done) })
	return t.conn.Close()
}

// Conn returns the underlying TCP connection.
func (t *ClientTransport) Conn() net.Conn {
	return t.conn
}

// heartbeatLoop sends a bodiless heartbeat frame every interval until
// the transport closes.
func (t *ClientTransport) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
		}
		header := &protocol.Header{
			CodecType: t.opts.Codec,
			MsgType:   protocol.MsgTypeHeartbeat,
		}
		// Heartbeat writes also need the sending lock to avoid frame interleaving
		t.sending.Lock()
		err := protocol.Encode(t.conn, header, nil)
		t.sending.Unlock()
		if err != nil {
			return
		}
	}
}
