// Package channel drives one network connection with a single-consumer
// event loop.
//
// Every Channel runs three goroutines: a reader that pulls bytes off the
// socket, a loop that owns all per-connection state (the cumulation buffer,
// the decoder, the handler, pending writes, attributes), and a writer that
// drains flushed buffers to the socket. Code running anywhere other than the
// loop talks to a channel only through Execute.
package channel

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"

	"github.com/armon/go-metrics"
	"github.com/hashicorp/go-hclog"

	"github.com/portmux/portmux/agent/framing"
	"github.com/portmux/portmux/lib"
	"github.com/portmux/portmux/lib/bufpool"
)

// ErrClosed is reported to write listeners and waiters once the channel is
// closed.
var ErrClosed = errors.New("channel: closed")

const (
	defaultReadBufferSize = 16 << 10
	defaultHighWatermark  = 64 << 10
)

// Handler consumes decoded messages. It runs on the channel loop and takes
// ownership of msg.
type Handler interface {
	HandleRead(ch *Channel, msg any)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ch *Channel, msg any)

func (f HandlerFunc) HandleRead(ch *Channel, msg any) { f(ch, msg) }

// ReadCompleteHandler is notified after every batch of bytes read from the
// socket has been decoded.
type ReadCompleteHandler interface {
	ReadComplete(ch *Channel)
}

// InactiveHandler is notified once, on the loop, when the channel closes.
type InactiveHandler interface {
	ChannelInactive(ch *Channel)
}

// WritabilityHandler is notified on the loop when the outbound buffer
// crosses a watermark.
type WritabilityHandler interface {
	WritabilityChanged(ch *Channel, writable bool)
}

// Options configures a Channel.
type Options struct {
	Logger hclog.Logger

	// Kind labels the channel in logs and metrics, e.g. "frontend".
	Kind string

	ReadBufferSize int

	// HighWatermark and LowWatermark bound the pending outbound bytes. Above
	// high the channel reports not writable until it drains below low.
	HighWatermark int
	LowWatermark  int
}

func (o *Options) setDefaults() {
	if o.Logger == nil {
		o.Logger = hclog.NewNullLogger()
	}
	if o.Kind == "" {
		o.Kind = "conn"
	}
	if o.ReadBufferSize <= 0 {
		o.ReadBufferSize = defaultReadBufferSize
	}
	if o.HighWatermark <= 0 {
		o.HighWatermark = defaultHighWatermark
	}
	if o.LowWatermark <= 0 || o.LowWatermark > o.HighWatermark {
		o.LowWatermark = o.HighWatermark / 2
	}
}

var nextID atomic.Uint64

type outbound struct {
	buf      *bufpool.Buf
	listener func(error)
}

// Channel is one connection and its event loop.
type Channel struct {
	id     uint64
	conn   net.Conn
	opts   Options
	logger hclog.Logger

	// loop confined
	cum     framing.Cursor
	decoder framing.Decoder
	handler Handler
	attrs   map[string]any
	out     []outbound

	tasks *taskQueue
	reads chan *bufpool.Buf

	writeMu     sync.Mutex
	writeQ      []outbound
	writeSignal chan struct{}
	drainClose  atomic.Bool

	pending    atomic.Int64
	writable   atomic.Bool
	wmu        sync.Mutex
	writableCh chan struct{}

	readMu   sync.Mutex
	resumeCh chan struct{}

	closeOnce sync.Once
	closing   chan struct{}
	closeErr  error
	done      chan struct{}
	wg        sync.WaitGroup

	listenerMu     sync.Mutex
	closeListeners []func(*Channel)
	listenersFired bool
}

// New wraps conn. The channel does nothing until Start; decoder and handler
// may be set before that.
func New(conn net.Conn, opts Options) *Channel {
	opts.setDefaults()
	id := nextID.Add(1)
	c := &Channel{
		id:          id,
		conn:        conn,
		opts:        opts,
		logger:      opts.Logger.With("conn", conn.RemoteAddr().String(), "channel_id", id),
		attrs:       make(map[string]any),
		tasks:       newTaskQueue(),
		reads:       make(chan *bufpool.Buf),
		writeSignal: make(chan struct{}, 1),
		writableCh:  make(chan struct{}),
		closing:     make(chan struct{}),
		done:        make(chan struct{}),
	}
	close(c.writableCh)
	c.writable.Store(true)
	return c
}

// Start launches the reader, loop and writer goroutines.
func (c *Channel) Start() {
	metrics.IncrCounterWithLabels([]string{"channel", "open"}, 1,
		[]metrics.Label{{Name: "kind", Value: c.opts.Kind}})
	c.wg.Add(3)
	go c.readLoop()
	go c.eventLoop()
	go c.writeLoop()
	go func() {
		c.wg.Wait()
		close(c.done)
	}()
}

// ID is unique per process.
func (c *Channel) ID() uint64 { return c.id }

func (c *Channel) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

func (c *Channel) LocalAddr() net.Addr { return c.conn.LocalAddr() }

// Logger returns the channel's logger, annotated with the remote address.
func (c *Channel) Logger() hclog.Logger { return c.logger }

// Execute queues task to run on the channel loop in submission order. It
// returns false, without running task, once the channel has closed.
func (c *Channel) Execute(task func()) bool {
	return c.tasks.push(task)
}

// SetDecoder replaces the decoder stage. Bytes already buffered are offered
// to the new decoder. Loop only.
func (c *Channel) SetDecoder(d framing.Decoder) { c.decoder = d }

// Decoder returns the current decoder stage. Loop only.
func (c *Channel) Decoder() framing.Decoder { return c.decoder }

// SetHandler replaces the handler stage. Loop only.
func (c *Channel) SetHandler(h Handler) { c.handler = h }

// Handler returns the current handler stage. Loop only.
func (c *Channel) Handler() Handler { return c.handler }

// Attr and SetAttr hold per-connection values. Loop only.
func (c *Channel) Attr(key string) any { return c.attrs[key] }

func (c *Channel) SetAttr(key string, v any) { c.attrs[key] = v }

// SetAutoRead pauses or resumes reading from the socket. Bytes already read
// are still decoded. Safe from any goroutine.
func (c *Channel) SetAutoRead(on bool) {
	c.readMu.Lock()
	defer c.readMu.Unlock()
	switch {
	case on && c.resumeCh != nil:
		close(c.resumeCh)
		c.resumeCh = nil
	case !on && c.resumeCh == nil:
		c.resumeCh = make(chan struct{})
	}
}

// IsWritable reports whether pending outbound bytes are under the high
// watermark.
func (c *Channel) IsWritable() bool { return c.writable.Load() }

// WaitWritable blocks until the channel is writable, ctx is done or the
// channel closes. It must not be called from the loop.
func (c *Channel) WaitWritable(ctx context.Context) error {
	c.wmu.Lock()
	ch := c.writableCh
	c.wmu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.closing:
		return ErrClosed
	}
}

// Write queues buf for the next Flush. Ownership of buf passes to the
// channel, which releases it after the socket write. Loop only.
func (c *Channel) Write(buf *bufpool.Buf) {
	c.WriteWithListener(buf, nil)
}

// WriteWithListener is Write with a callback reporting the outcome of the
// socket write. The callback runs on the loop, or on the writer goroutine
// once the loop has stopped.
func (c *Channel) WriteWithListener(buf *bufpool.Buf, fn func(error)) {
	if c.Closed() {
		buf.Release()
		if fn != nil {
			fn(ErrClosed)
		}
		return
	}
	c.out = append(c.out, outbound{buf: buf, listener: fn})
	if c.pending.Add(int64(buf.Len())) > int64(c.opts.HighWatermark) {
		c.setWritable(false)
	}
}

// Flush hands every queued write to the writer goroutine. Loop only.
func (c *Channel) Flush() {
	if len(c.out) == 0 {
		return
	}
	c.writeMu.Lock()
	c.writeQ = append(c.writeQ, c.out...)
	c.writeMu.Unlock()
	clear(c.out)
	c.out = c.out[:0]

	select {
	case c.writeSignal <- struct{}{}:
	default:
	}
}

// WriteAndFlush writes buf and flushes. Loop only.
func (c *Channel) WriteAndFlush(buf *bufpool.Buf) {
	c.Write(buf)
	c.Flush()
}

// CloseAfterFlush flushes pending writes and closes the channel once the
// writer has put them on the socket. Safe from any goroutine.
func (c *Channel) CloseAfterFlush() {
	c.Execute(func() {
		c.Flush()
		c.drainClose.Store(true)
		select {
		case c.writeSignal <- struct{}{}:
		default:
		}
	})
}

// Close closes the socket and stops the loop. Handlers and close listeners
// are notified on the loop. Safe from any goroutine and idempotent.
func (c *Channel) Close() error {
	c.closeWith(nil)
	return nil
}

func (c *Channel) closeWith(err error) {
	c.closeOnce.Do(func() {
		c.closeErr = err
		close(c.closing)
		c.conn.Close()
	})
}

// Closed reports whether Close has been called.
func (c *Channel) Closed() bool {
	select {
	case <-c.closing:
		return true
	default:
		return false
	}
}

// CloseNotify is closed as soon as Close is called.
func (c *Channel) CloseNotify() <-chan struct{} { return c.closing }

// Done is closed once every goroutine of the channel has exited.
func (c *Channel) Done() <-chan struct{} { return c.done }

// AddCloseListener registers fn to run once when the channel closes. If the
// channel has already closed, fn runs immediately on the caller.
func (c *Channel) AddCloseListener(fn func(*Channel)) {
	c.listenerMu.Lock()
	if c.listenersFired {
		c.listenerMu.Unlock()
		fn(c)
		return
	}
	c.closeListeners = append(c.closeListeners, fn)
	c.listenerMu.Unlock()
}

func (c *Channel) readLoop() {
	defer c.wg.Done()
	for {
		c.readMu.Lock()
		resume := c.resumeCh
		c.readMu.Unlock()
		if resume != nil {
			select {
			case <-resume:
			case <-c.closing:
				return
			}
		}

		buf := bufpool.Get(c.opts.ReadBufferSize)
		n, err := c.conn.Read(buf.B)
		if n > 0 {
			buf.B = buf.B[:n]
			select {
			case c.reads <- buf:
			case <-c.closing:
				buf.Release()
				return
			}
		} else {
			buf.Release()
		}
		if err != nil {
			if !lib.IsErrEOF(err) {
				c.logger.Debug("read failed", "error", err)
			}
			c.closeWith(err)
			return
		}
	}
}

func (c *Channel) eventLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.closing:
			c.teardown()
			return
		case <-c.tasks.signal:
			for _, task := range c.tasks.take() {
				task()
			}
		case buf := <-c.reads:
			c.cum.Append(buf.B)
			buf.Release()
			c.decode()
			if rc, ok := c.handler.(ReadCompleteHandler); ok && !c.Closed() {
				rc.ReadComplete(c)
			}
			c.cum.Compact()
		}
	}
}

func (c *Channel) decode() {
	for c.cum.Len() > 0 && !c.Closed() {
		d := c.decoder
		if d == nil {
			return
		}
		msg, err := d.Decode(&c.cum)
		if err != nil {
			metrics.IncrCounterWithLabels([]string{"channel", "frame_error"}, 1,
				[]metrics.Label{{Name: "kind", Value: c.opts.Kind}})
			c.logger.Warn("closing connection after decode failure", "error", err)
			c.closeWith(err)
			return
		}
		if msg == nil {
			if c.decoder != d {
				continue
			}
			return
		}
		if c.handler == nil {
			framing.Release(msg)
			continue
		}
		c.handler.HandleRead(c, msg)
	}
}

func (c *Channel) teardown() {
	for _, task := range c.tasks.close() {
		task()
	}
	for _, o := range c.out {
		o.buf.Release()
		if o.listener != nil {
			o.listener(ErrClosed)
		}
	}
	c.out = nil
	c.cum.Reset()

	if ih, ok := c.handler.(InactiveHandler); ok {
		ih.ChannelInactive(c)
	}

	c.listenerMu.Lock()
	listeners := c.closeListeners
	c.closeListeners = nil
	c.listenersFired = true
	c.listenerMu.Unlock()
	for _, fn := range listeners {
		fn(c)
	}

	metrics.IncrCounterWithLabels([]string{"channel", "close"}, 1,
		[]metrics.Label{{Name: "kind", Value: c.opts.Kind}})
	if c.closeErr != nil && !lib.IsErrEOF(c.closeErr) && !framing.IsFrameError(c.closeErr) {
		c.logger.Debug("connection closed", "error", c.closeErr)
	} else {
		c.logger.Trace("connection closed")
	}
}

func (c *Channel) writeLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.writeSignal:
		case <-c.closing:
			c.failQueued()
			return
		}

		for {
			c.writeMu.Lock()
			batch := c.writeQ
			c.writeQ = nil
			c.writeMu.Unlock()
			if len(batch) == 0 {
				break
			}
			if err := c.writeBatch(batch); err != nil {
				c.closeWith(err)
				c.failQueued()
				return
			}
		}

		if c.drainClose.Load() {
			c.closeWith(nil)
			return
		}
	}
}

func (c *Channel) writeBatch(batch []outbound) error {
	bufs := make(net.Buffers, 0, len(batch))
	total := 0
	for _, o := range batch {
		bufs = append(bufs, o.buf.B)
		total += o.buf.Len()
	}
	_, err := bufs.WriteTo(c.conn)
	if err != nil && !lib.IsErrEOF(err) {
		c.logger.Debug("write failed", "error", err)
	}
	c.completeWrites(batch, total, err)
	return err
}

func (c *Channel) failQueued() {
	c.writeMu.Lock()
	batch := c.writeQ
	c.writeQ = nil
	c.writeMu.Unlock()
	total := 0
	for _, o := range batch {
		total += o.buf.Len()
	}
	c.completeWrites(batch, total, ErrClosed)
}

func (c *Channel) completeWrites(batch []outbound, total int, err error) {
	var listeners []func(error)
	for _, o := range batch {
		o.buf.Release()
		if o.listener != nil {
			listeners = append(listeners, o.listener)
		}
	}
	if c.pending.Add(-int64(total)) < int64(c.opts.LowWatermark) {
		c.setWritable(true)
	}
	if len(listeners) == 0 {
		return
	}
	notify := func() {
		for _, fn := range listeners {
			fn(err)
		}
	}
	if !c.Execute(notify) {
		notify()
	}
}

func (c *Channel) setWritable(w bool) {
	c.wmu.Lock()
	if c.writable.Load() == w {
		c.wmu.Unlock()
		return
	}
	c.writable.Store(w)
	if w {
		close(c.writableCh)
	} else {
		c.writableCh = make(chan struct{})
	}
	c.wmu.Unlock()

	c.Execute(func() {
		if wh, ok := c.handler.(WritabilityHandler); ok {
			wh.WritabilityChanged(c, w)
		}
	})
}
