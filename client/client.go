// Package client calls record endpoints served by package server.
//
// A call encodes the request record against its schema, finds the
// service's instances through the registry, picks one with the balancer
// (keyed balancers get the request schema fingerprint as key), sends the
// envelope over a pooled multiplexed transport and decodes the reply
// against the response schema.
package client

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"lwf/loadbalance"
	"lwf/message"
	"lwf/middleware"
	"lwf/registry"
	"lwf/schema"
	"lwf/transport"
)

// ErrSchemaMismatch is returned when a response does not carry the
// fingerprint of the expected output schema.
var ErrSchemaMismatch = errors.New("response schema mismatch")

// Client is safe for concurrent use.
type Client struct {
	registry    registry.Registry // find service instances
	balancer    loadbalance.Balancer
	pool        *transport.Pool
	middlewares []middleware.Middleware
	handler     middleware.HandlerFunc // middlewares around invoke
	logger      *zap.Logger
	schemaOpts  []schema.Option
	callTimeout time.Duration
	closeFunc   func() error

	poolSize    int
	dialTimeout time.Duration
	transport   transport.Options

	ctx    context.Context // ends the instance watches on Close
	cancel context.CancelFunc

	mu        sync.Mutex
	instances map[string][]registry.ServiceInstance // service → latest list from the registry
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithBalancer replaces the default round-robin balancer.
func WithBalancer(b loadbalance.Balancer) Option {
	return func(c *Client) { c.balancer = b }
}

// WithTransport sets the envelope codec, compression and heartbeat of
// every connection, and how many connections are kept per instance.
func WithTransport(opts transport.Options, poolSize int) Option {
	return func(c *Client) {
		c.transport = opts
		c.poolSize = poolSize
	}
}

// WithDialTimeout bounds connection setup.
func WithDialTimeout(d time.Duration) Option {
	return func(c *Client) { c.dialTimeout = d }
}

// WithMiddleware wraps every network round trip, first middleware outermost.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(c *Client) { c.middlewares = append(c.middlewares, mws...) }
}

// WithSchemaOptions sets the options used to encode requests and decode
// responses.
func WithSchemaOptions(opts ...schema.Option) Option {
	return func(c *Client) { c.schemaOpts = opts }
}

// WithCallTimeout applies to calls whose context has no deadline.
func WithCallTimeout(d time.Duration) Option {
	return func(c *Client) { c.callTimeout = d }
}

// NewClient creates a client discovering servers through reg.
func NewClient(reg registry.Registry, opts ...Option) *Client {
	c := &Client{
		registry:    reg,
		balancer:    &loadbalance.RoundRobinBalancer{},
		logger:      zap.NewNop(),
		poolSize:    1,
		dialTimeout: 5 * time.Second,
		instances:   make(map[string][]registry.ServiceInstance),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.transport.Logger == nil {
		c.transport.Logger = c.logger
	}
	c.pool = transport.NewPool(c.poolSize, c.dialTimeout, c.transport)
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.handler = middleware.Chain(c.middlewares...)(c.invoke)
	return c
}

// Call invokes method ("Service.Method") with req encoded against in and
// returns the reply decoded against out.
//
// Encoding failures are returned before anything is sent. A failed call
// returns an error wrapping *message.Error. If out's decode options report
// trailing bytes, the record is returned together with that error.
func (c *Client) Call(ctx context.Context, method string, in *schema.Schema, req schema.Record, out *schema.Schema) (schema.Record, error) {
	payload, err := schema.Encode(req, in, c.schemaOpts...)
	if err != nil {
		return nil, fmt.Errorf("%s: encoding request: %w", method, err)
	}

	if _, ok := ctx.Deadline(); !ok && c.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.callTimeout)
		defer cancel()
	}

	resp := c.handler(ctx, &message.Envelope{
		Method:  method,
		Schema:  in.Fingerprint().String(),
		Payload: payload,
	})
	if resp.Failed() {
		return nil, fmt.Errorf("%s: %w", method, resp.Err())
	}
	if want := out.Fingerprint().String(); resp.Schema != want {
		return nil, fmt.Errorf("%s: %w: got %.16s, want %.16s", method, ErrSchemaMismatch, resp.Schema, want)
	}

	rec, err := schema.Decode(resp.Payload, out, c.schemaOpts...)
	if err != nil {
		return rec, fmt.Errorf("%s: decoding response: %w", method, err)
	}
	return rec, nil
}

// invoke performs one network round trip. Failures before a reply
// arrives become Unavailable or DeadlineExceeded envelopes so the retry
// middleware can tell them from server-side rejections.
func (c *Client) invoke(ctx context.Context, req *message.Envelope) *message.Envelope {
	service, _, ok := strings.Cut(req.Method, ".")
	if !ok {
		return message.ErrorReply(req.Method, message.InvalidArgument, "invalid method format, want Service.Method")
	}

	instances, err := c.discover(ctx, service)
	if err != nil {
		return transportFailure(req.Method, err)
	}

	var inst *registry.ServiceInstance
	if kb, ok := c.balancer.(loadbalance.KeyedBalancer); ok {
		inst, err = kb.PickKey(instances, req.Schema)
	} else {
		inst, err = c.balancer.Pick(instances)
	}
	if err != nil {
		return transportFailure(req.Method, fmt.Errorf("service %s: %w", service, err))
	}

	t, err := c.pool.Get(ctx, inst.Addr)
	if err != nil {
		return transportFailure(req.Method, err)
	}
	resp, err := t.Call(ctx, req)
	if err != nil {
		return transportFailure(req.Method, err)
	}
	return resp
}

func transportFailure(method string, err error) *message.Envelope {
	if errors.Is(err, context.DeadlineExceeded) {
		return message.ErrorReply(method, message.DeadlineExceeded, err.Error())
	}
	return message.ErrorReply(method, message.Unavailable, err.Error())
}

// discover returns the cached instance list of service, asking the
// registry and starting a watch on first use.
func (c *Client) discover(ctx context.Context, service string) ([]registry.ServiceInstance, error) {
	c.mu.Lock()
	list, ok := c.instances[service]
	c.mu.Unlock()
	if ok {
		return list, nil
	}

	list, err := c.registry.Discover(ctx, service)
	if err != nil {
		return nil, fmt.Errorf("discovering %s: %w", service, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if cached, ok := c.instances[service]; ok {
		return cached, nil
	}
	c.instances[service] = list
	go c.watch(service)
	return list, nil
}

// watch keeps the cached list of service current and closes pooled
// connections to instances that disappeared from every service.
func (c *Client) watch(service string) {
	for list := range c.registry.Watch(c.ctx, service) {
		c.mu.Lock()
		c.instances[service] = list
		addrs := c.addrsLocked()
		c.mu.Unlock()

		c.pool.Retain(addrs)
		c.logger.Debug("instances changed", zap.String("service", service), zap.Int("count", len(list)))
	}
}

func (c *Client) addrsLocked() []string {
	seen := make(map[string]bool)
	var addrs []string
	for _, list := range c.instances {
		for _, inst := range list {
			if !seen[inst.Addr] {
				seen[inst.Addr] = true
				addrs = append(addrs, inst.Addr)
			}
		}
	}
	sort.Strings(addrs)
	return addrs
}

// Close stops watching the registry and closes all connections.
func (c *Client) Close() error {
	c.cancel()
	err := c.pool.Close()
	if c.closeFunc != nil {
		err = errors.Join(err, c.closeFunc())
	}
	return err
}
