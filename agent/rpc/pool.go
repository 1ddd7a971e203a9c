package rpc

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/portmux/portmux/agent/channel"
	"github.com/portmux/portmux/lib"
)

const defaultDialTimeout = 10 * time.Second

// Conn is a pooled client connection.
type Conn struct {
	refCount    int32
	shouldClose int32

	addr     string
	client   *Client
	lastUsed atomic.Int64

	pool *ConnPool
}

func (c *Conn) Close() error {
	return c.client.Close()
}

// markForUse does all the bookkeeping required to ready a connection for use.
func (c *Conn) markForUse() {
	c.lastUsed.Store(time.Now().UnixNano())
	atomic.AddInt32(&c.refCount, 1)
}

// ConnPool keeps at most one client connection per address. Connections
// idle for longer than MaxTime are reaped; a connection that closes is
// removed so that the next call redials.
type ConnPool struct {
	Logger hclog.Logger

	// Dialer opens new connections. The zero value dials with a 10s timeout.
	Dialer channel.Dialer

	// Client configures every connection's client.
	Client ClientConfig

	// The maximum time to keep an idle connection open. Zero disables
	// reaping.
	MaxTime time.Duration

	sync.Mutex

	// pool maps an address to an open connection
	pool map[string]*Conn

	// limiter is used to throttle the number of connect attempts
	// to a given address. The first thread will attempt a connection
	// and put a channel in here, which all other threads will wait
	// on to close.
	limiter map[string]chan struct{}

	// Used to indicate the pool is shutdown
	shutdown   bool
	shutdownCh chan struct{}

	// once initializes the internal data structures and connection
	// reaping on first use.
	once sync.Once
}

// init configures the initial data structures. It should be called
// by p.once.Do(p.init) in all public methods.
func (p *ConnPool) init() {
	p.pool = make(map[string]*Conn)
	p.limiter = make(map[string]chan struct{})
	p.shutdownCh = make(chan struct{})
	if p.Logger == nil {
		p.Logger = hclog.NewNullLogger()
	}
	if p.Dialer.Timeout == 0 {
		p.Dialer.Timeout = defaultDialTimeout
	}
	if p.Client.Logger == nil {
		p.Client.Logger = p.Logger
	}
	if p.MaxTime > 0 {
		go p.reap()
	}
}

// Shutdown is used to close the connection pool
func (p *ConnPool) Shutdown() error {
	p.once.Do(p.init)

	p.Lock()
	defer p.Unlock()

	for _, conn := range p.pool {
		conn.Close()
	}
	p.pool = make(map[string]*Conn)

	if p.shutdown {
		return nil
	}
	p.shutdown = true
	close(p.shutdownCh)
	return nil
}

// acquire will return a pooled connection, if available. Otherwise it will
// wait for an existing connection attempt to finish, if one if in progress,
// and will return that one if it succeeds. If all else fails, it will return a
// newly-created connection and add it to the pool.
func (p *ConnPool) acquire(ctx context.Context, addr string) (*Conn, error) {
	p.Lock()
	if p.shutdown {
		p.Unlock()
		return nil, ErrShutdown
	}
	c := p.pool[addr]
	if c != nil {
		c.markForUse()
		p.Unlock()
		return c, nil
	}

	var wait chan struct{}
	var ok bool
	if wait, ok = p.limiter[addr]; !ok {
		wait = make(chan struct{})
		p.limiter[addr] = wait
	}
	isLeadThread := !ok
	p.Unlock()

	if isLeadThread {
		c, err := p.getNewConn(ctx, addr)
		p.Lock()
		delete(p.limiter, addr)
		close(wait)
		if err != nil {
			p.Unlock()
			return nil, err
		}

		p.pool[addr] = c
		p.Unlock()
		return c, nil
	}

	select {
	case <-p.shutdownCh:
		return nil, ErrShutdown
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-wait:
	}

	p.Lock()
	if c := p.pool[addr]; c != nil {
		c.markForUse()
		p.Unlock()
		return c, nil
	}

	p.Unlock()
	return nil, fmt.Errorf("rpc: lead thread didn't get connection to %s", addr)
}

// getNewConn is used to return a new connection
func (p *ConnPool) getNewConn(ctx context.Context, addr string) (*Conn, error) {
	client, err := Dial(ctx, addr, &p.Dialer, p.Client)
	if err != nil {
		return nil, err
	}

	c := &Conn{
		refCount: 1,
		addr:     addr,
		client:   client,
		pool:     p,
	}
	c.lastUsed.Store(time.Now().UnixNano())
	client.Channel().AddCloseListener(func(*channel.Channel) {
		p.clearConn(c)
	})
	return c, nil
}

// clearConn is used to clear any cached connection, potentially in response to an error
func (p *ConnPool) clearConn(conn *Conn) {
	// Ensure returned streams are closed
	atomic.StoreInt32(&conn.shouldClose, 1)

	p.Lock()
	if c, ok := p.pool[conn.addr]; ok && c == conn {
		delete(p.pool, conn.addr)
	}
	p.Unlock()

	// Close down immediately if idle
	if refCount := atomic.LoadInt32(&conn.refCount); refCount == 0 {
		conn.Close()
	}
}

// releaseConn is invoked when we are done with a conn to reduce the ref count
func (p *ConnPool) releaseConn(conn *Conn) {
	refCount := atomic.AddInt32(&conn.refCount, -1)
	if refCount == 0 && atomic.LoadInt32(&conn.shouldClose) == 1 {
		conn.Close()
	}
}

// Get returns a started client for addr, dialing if needed. The returned
// release func must be called when the caller is done with it.
func (p *ConnPool) Get(ctx context.Context, addr string) (*Client, func(), error) {
	p.once.Do(p.init)

	conn, err := p.acquire(ctx, addr)
	if err != nil {
		return nil, nil, fmt.Errorf("rpc: failed to get conn to %s: %w", addr, err)
	}
	var once sync.Once
	return conn.client, func() { once.Do(func() { p.releaseConn(conn) }) }, nil
}

// Invoke makes a synchronous call to addr.
func (p *ConnPool) Invoke(ctx context.Context, addr string, opts CallOptions, out any, args ...any) error {
	p.once.Do(p.init)

	conn, err := p.acquire(ctx, addr)
	if err != nil {
		return fmt.Errorf("rpc: failed to get conn to %s: %w", addr, err)
	}
	defer p.releaseConn(conn)

	err = conn.client.Invoke(ctx, opts, out, args...)
	if err != nil && (IsConnectionError(err) || lib.IsErrEOF(err)) {
		p.clearConn(conn)
	}
	return err
}

// Ping sends a control ping to addr and reports whether it was answered.
func (p *ConnPool) Ping(ctx context.Context, addr string) (bool, error) {
	p.once.Do(p.init)

	conn, err := p.acquire(ctx, addr)
	if err != nil {
		return false, err
	}
	defer p.releaseConn(conn)
	err = conn.client.Ping(ctx)
	return err == nil, err
}

// reap is used to close conns open over maxTime
func (p *ConnPool) reap() {
	for {
		select {
		case <-p.shutdownCh:
			return
		case <-time.After(time.Second):
		}

		p.Lock()
		var removed []string
		now := time.Now()
		for addr, conn := range p.pool {
			if now.Sub(time.Unix(0, conn.lastUsed.Load())) < p.MaxTime {
				continue
			}
			if atomic.LoadInt32(&conn.refCount) > 0 {
				continue
			}
			conn.Close()
			removed = append(removed, addr)
		}
		for _, addr := range removed {
			delete(p.pool, addr)
		}
		p.Unlock()
	}
}

// Target returns an Invoker that sends every call to addr through the pool.
func (p *ConnPool) Target(addr string) Invoker {
	return &poolTarget{pool: p, addr: addr}
}

type poolTarget struct {
	pool *ConnPool
	addr string
}

func (t *poolTarget) Invoke(ctx context.Context, opts CallOptions, out any, args ...any) error {
	return t.pool.Invoke(ctx, t.addr, opts, out, args...)
}

func (t *poolTarget) Notify(ctx context.Context, opts CallOptions, args ...any) error {
	client, release, err := t.pool.Get(ctx, t.addr)
	if err != nil {
		return err
	}
	defer release()
	return client.Notify(ctx, opts, args...)
}

func (t *poolTarget) Stream(ctx context.Context, opts CallOptions, args ...any) (*Stream, error) {
	client, release, err := t.pool.Get(ctx, t.addr)
	if err != nil {
		return nil, err
	}
	defer release()
	return client.Stream(ctx, opts, args...)
}
