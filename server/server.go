// Package server implements the record RPC server with an endpoint table,
// middleware chain, parallel request processing, and graceful shutdown.
//
// Request processing pipeline:
//
//	Accept conn → handleConn (single goroutine reads frames)
//	  → for each request: go handleRequest (parallel processing)
//	    → Codec.Decode → Middleware Chain → dispatch → Codec.Encode → write response
//
// dispatch checks the request schema fingerprint, decodes the payload
// with schema.Decode, calls the endpoint handler and encodes its record
// with schema.Encode.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"lwf/codec"
	"lwf/message"
	"lwf/middleware"
	"lwf/protocol"
	"lwf/registry"
	"lwf/schema"
)

// DefaultTTL is the registry lease in seconds; the keep-alive renews it.
const DefaultTTL = 10

// Server serves registered endpoints over the lwf frame protocol.
type Server struct {
	endpoints   map[string]*endpoint    // "Users.Get" → endpoint
	middlewares []middleware.Middleware // applied in the order added
	handler     middleware.HandlerFunc  // middleware(middleware(...(dispatch)))
	logger      *zap.Logger
	schemaOpts  []schema.Option

	registry  registry.Registry       // nil if not using discovery
	instance  registry.ServiceInstance // what is registered; Addr is the routable address
	ttl       int64
	store     registry.SchemaStore // nil if endpoint schemas are not published
	closeFunc func() error         // releases resources NewFromConfig created

	listener net.Listener
	ready    chan struct{}  // closed once the listener is set
	wg       sync.WaitGroup // in-flight requests
	shutdown atomic.Bool    // set during shutdown to suppress Accept errors

	connMu sync.Mutex
	conns  map[net.Conn]struct{}
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithRegistry registers every service of the server under instance when
// Serve starts and deregisters it on Shutdown. instance.Addr must be
// routable by clients, which ":8080" is not.
func WithRegistry(reg registry.Registry, instance registry.ServiceInstance, ttl int64) Option {
	return func(s *Server) {
		s.registry = reg
		s.instance = instance
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithSchemaStore publishes the input and output schema of every endpoint
// as "{method}.in" and "{method}.out" when Serve starts.
func WithSchemaStore(store registry.SchemaStore) Option {
	return func(s *Server) { s.store = store }
}

// WithSchemaOptions sets the options used to decode requests and encode
// responses.
func WithSchemaOptions(opts ...schema.Option) Option {
	return func(s *Server) { s.schemaOpts = opts }
}

// NewServer creates a server with an empty endpoint table.
func NewServer(opts ...Option) *Server {
	s := &Server{
		endpoints: make(map[string]*endpoint),
		logger:    zap.NewNop(),
		ttl:       DefaultTTL,
		ready:     make(chan struct{}),
		conns:     make(map[net.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Use registers a middleware. Middlewares are applied in the order they are added.
func (svr *Server) Use(mw middleware.Middleware) {
	svr.middlewares = append(svr.middlewares, mw)
}

// Serve listens on the given address and serves until Shutdown.
func (svr *Server) Serve(network, address string) error {
	listener, err := net.Listen(network, address)
	if err != nil {
		return err
	}
	return svr.ServeListener(listener)
}

// ServeListener serves on an existing listener until Shutdown. It
// publishes endpoint schemas and registers services first.
func (svr *Server) ServeListener(listener net.Listener) error {
	svr.listener = listener
	close(svr.ready)

	// Build the middleware chain once at startup (not per-request)
	svr.handler = middleware.Chain(svr.middlewares...)(svr.dispatch)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	err := svr.announce(ctx)
	cancel()
	if err != nil {
		listener.Close()
		return err
	}
	svr.logger.Info("serving",
		zap.Stringer("addr", listener.Addr()),
		zap.Strings("methods", svr.Methods()))

	for {
		conn, err := listener.Accept()
		if err != nil {
			// listener.Close in Shutdown makes Accept fail; that is not an error.
			if svr.shutdown.Load() {
				return nil
			}
			return err
		}
		go svr.handleConn(conn)
	}
}

// Addr blocks until the server listens and returns its address.
func (svr *Server) Addr() net.Addr {
	<-svr.ready
	return svr.listener.Addr()
}

// announce publishes schemas and registers services.
func (svr *Server) announce(ctx context.Context) error {
	if svr.store != nil {
		for _, method := range svr.Methods() {
			ep := svr.endpoints[method]
			for name, s := range map[string]*schema.Schema{method + ".in": ep.in, method + ".out": ep.out} {
				def, err := svr.store.Publish(ctx, schema.DefinitionOf(name, 0, s))
				if err != nil {
					return fmt.Errorf("publishing schema %s: %w", name, err)
				}
				svr.logger.Debug("schema published", zap.String("name", name), zap.Int("version", def.Version))
			}
		}
	}
	if svr.registry != nil {
		for _, service := range svr.services() {
			if err := svr.registry.Register(ctx, service, svr.instance, svr.ttl); err != nil {
				return fmt.Errorf("registering %s: %w", service, err)
			}
		}
	}
	return nil
}

// handleConn runs the read loop of one connection. Reads are sequential
// to find frame boundaries; each request is handled on its own goroutine.
// writeMu keeps concurrent responses from interleaving on the wire.
func (svr *Server) handleConn(conn net.Conn) {
	svr.connMu.Lock()
	svr.conns[conn] = struct{}{}
	svr.connMu.Unlock()
	defer func() {
		svr.connMu.Lock()
		delete(svr.conns, conn)
		svr.connMu.Unlock()
		conn.Close()
	}()

	writeMu := &sync.Mutex{}
	for {
		header, body, err := protocol.Decode(conn)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) && !isEOF(err) {
				svr.logger.Warn("closing connection", zap.Stringer("remote", conn.RemoteAddr()), zap.Error(err))
			}
			return
		}

		// Heartbeats only keep the connection alive.
		if header.MsgType != protocol.MsgTypeRequest {
			continue
		}

		svr.wg.Add(1)
		go svr.handleRequest(header, body, conn, writeMu)
	}
}

// handleRequest decodes the envelope, runs the handler chain and writes
// the response with the request's seq, codec and compression.
func (svr *Server) handleRequest(header *protocol.Header, body []byte, conn net.Conn, writeMu *sync.Mutex) {
	defer svr.wg.Done()

	c := codec.GetCodec(header.CodecType)
	req := &message.Envelope{}
	var resp *message.Envelope
	if err := c.Decode(body, req); err != nil {
		resp = message.ErrorReply("", message.InvalidArgument, "decoding envelope: "+err.Error())
	} else {
		resp = svr.handler(context.Background(), req)
	}

	out, err := c.Encode(resp)
	if err != nil {
		svr.logger.Error("encoding response", zap.String("method", req.Method), zap.Error(err))
		return
	}

	reply := protocol.Header{
		CodecType:   header.CodecType,
		MsgType:     protocol.MsgTypeResponse,
		Compression: header.Compression,
		Seq:         header.Seq, // same seq as the request; this is how multiplexing works
	}

	writeMu.Lock()
	defer writeMu.Unlock()
	if err := protocol.Encode(conn, &reply, out); err != nil {
		svr.logger.Warn("writing response", zap.String("method", req.Method), zap.Error(err))
	}
}

// dispatch is the innermost handler of the middleware chain.
func (svr *Server) dispatch(ctx context.Context, req *message.Envelope) *message.Envelope {
	ep, ok := svr.endpoints[req.Method]
	if !ok {
		return message.ErrorReply(req.Method, message.NotFound, "unknown method "+req.Method)
	}
	if req.Schema != ep.inFP {
		return message.ErrorReply(req.Method, message.InvalidArgument,
			fmt.Sprintf("request schema %s does not match %s", shortFP(req.Schema), ep.in.Fingerprint().Short()))
	}

	rec, err := schema.Decode(req.Payload, ep.in, svr.schemaOpts...)
	if err != nil {
		if rec == nil || !errors.Is(err, schema.ErrTrailingBytes) {
			return message.ErrorReply(req.Method, message.InvalidArgument, "decoding request: "+err.Error())
		}
		svr.logger.Warn("request has trailing bytes", zap.String("method", req.Method), zap.Error(err))
	}

	result, err := ep.handler(ctx, rec)
	if err != nil {
		msg := err.Error()
		var me *message.Error
		if errors.As(err, &me) {
			msg = me.Message
		}
		return message.ErrorReply(req.Method, message.CodeOf(err), msg)
	}

	payload, err := schema.Encode(result, ep.out, svr.schemaOpts...)
	if err != nil {
		svr.logger.Error("encoding response record", zap.String("method", req.Method), zap.Error(err))
		return message.ErrorReply(req.Method, message.Internal, "encoding response: "+err.Error())
	}
	return &message.Envelope{Method: req.Method, Schema: ep.outFP, Payload: payload}
}

func isEOF(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}

func shortFP(hex string) string {
	if hex == "" {
		return "(none)"
	}
	if len(hex) > 16 {
		return hex[:16]
	}
	return hex
}

// Shutdown performs graceful shutdown:
//  1. Deregister all services (clients stop routing to this server)
//  2. Set the shutdown flag and close the listener
//  3. Wait for in-flight requests to finish, at most timeout
//  4. Close remaining connections
func (svr *Server) Shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var errs []error
	if svr.registry != nil {
		for _, service := range svr.services() {
			if err := svr.registry.Deregister(ctx, service, svr.instance.Addr); err != nil {
				errs = append(errs, err)
			}
		}
	}

	// Set the flag before closing, or Serve sees the Accept error first.
	svr.shutdown.Store(true)
	select {
	case <-svr.ready:
		svr.listener.Close()
	default:
	}

	done := make(chan struct{})
	go func() {
		svr.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, errors.New("timeout waiting for ongoing requests to finish"))
	}

	svr.connMu.Lock()
	for conn := range svr.conns {
		conn.Close()
	}
	svr.connMu.Unlock()

	if svr.closeFunc != nil {
		if err := svr.closeFunc(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
