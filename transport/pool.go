package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"
)

// ErrPoolClosed is returned by Get after Close.
var ErrPoolClosed = errors.New("transport pool closed")

// Pool keeps up to size multiplexed transports per server address and
// hands them out round-robin. Transports are dialed lazily, so the pool
// for an address grows one connection per Get until it is full. A
// transport whose connection died is dropped on the next Get.
//
// Transports are shared, not borrowed: there is nothing to return after
// a call.
type Pool struct {
	size   int
	opts   Options
	dialer net.Dialer

	mu     sync.Mutex
	conns  map[string][]*ClientTransport
	next   map[string]int
	closed bool
}

// NewPool creates a pool holding at most size transports per address.
func NewPool(size int, dialTimeout time.Duration, opts Options) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{
		size:   size,
		opts:   opts,
		dialer: net.Dialer{Timeout: dialTimeout},
		conns:  make(map[string][]*ClientTransport),
		next:   make(map[string]int),
	}
}

// Get returns a live transport to addr, dialing one if the address has
// fewer than size.
func (p *Pool) Get(ctx context.Context, addr string) (*ClientTransport, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	live := p.pruneLocked(addr)
	if len(live) >= p.size {
		t := p.pickLocked(addr, live)
		p.mu.Unlock()
		return t, nil
	}
	p.mu.Unlock()

	conn, err := p.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	t := NewClientTransport(conn, p.opts)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		t.Close()
		return nil, ErrPoolClosed
	}
	live = p.pruneLocked(addr)
	if len(live) >= p.size {
		// Another Get filled the slot while we were dialing.
		t.Close()
		return p.pickLocked(addr, live), nil
	}
	p.conns[addr] = append(live, t)
	return t, nil
}

func (p *Pool) pickLocked(addr string, live []*ClientTransport) *ClientTransport {
	i := p.next[addr] % len(live)
	p.next[addr] = i + 1
	return live[i]
}

// pruneLocked drops dead transports for addr and returns the rest.
func (p *Pool) pruneLocked(addr string) []*ClientTransport {
	list := p.conns[addr]
	live := list[:0]
	for _, t := range list {
		if t.Closed() {
			t.Close()
			continue
		}
		live = append(live, t)
	}
	for i := len(live); i < len(list); i++ {
		list[i] = nil
	}
	p.conns[addr] = live
	return live
}

// Len returns the number of transports held for addr.
func (p *Pool) Len(addr string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns[addr])
}

// Retain closes the transports of every address not in addrs. The client
// calls it when discovery reports a new instance list.
func (p *Pool) Retain(addrs []string) {
	keep := make(map[string]bool, len(addrs))
	for _, a := range addrs {
		keep[a] = true
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for addr, list := range p.conns {
		if keep[addr] {
			continue
		}
		for _, t := range list {
			t.Close()
		}
		delete(p.conns, addr)
		delete(p.next, addr)
	}
}

// Close shuts down the pool and closes all transports.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	var errs []error
	for addr, list := range p.conns {
		for _, t := range list {
			if err := t.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				errs = append(errs, err)
			}
		}
		delete(p.conns, addr)
	}
	return errors.Join(errs...)
}
