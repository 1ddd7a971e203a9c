package rpc

import (
	"context"
	"errors"
	"time"

	"github.com/armon/go-metrics"
	"github.com/hashicorp/go-hclog"

	"github.com/portmux/portmux/agent/channel"
	"github.com/portmux/portmux/lib/bufpool"
)

// ClientConfig configures a Client.
type ClientConfig struct {
	Logger hclog.Logger

	MaxFrameLength int

	// SpinIterations bounds the busy wait before a synchronous caller parks.
	// Negative disables spinning.
	SpinIterations int

	// DefaultTimeout applies to calls that do not name a timeout.
	DefaultTimeout time.Duration

	// AckChunks asks servers to wait for an acknowledgement of every chunk.
	AckChunks bool

	Channel channel.Options
}

func (c *ClientConfig) setDefaults() {
	if c.Logger == nil {
		c.Logger = hclog.NewNullLogger()
	}
	if c.SpinIterations == 0 {
		c.SpinIterations = DefaultSpinIterations
	}
	if c.SpinIterations < 0 {
		c.SpinIterations = 0
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = DefaultCallTimeout
	}
	if c.Channel.Logger == nil {
		c.Channel.Logger = c.Logger
	}
	if c.Channel.Kind == "" {
		c.Channel.Kind = "rpc-client"
	}
}

// Client issues calls over one connection. It is safe for concurrent use.
type Client struct {
	config ClientConfig
	ch     *channel.Channel
	codec  *Codec
	logger hclog.Logger

	// loop confined
	calls  map[uint32]*Call
	nextID uint32
	pings  []*Call
}

// Dial connects to addr and starts a client on the new connection.
func Dial(ctx context.Context, addr string, dialer *channel.Dialer, config ClientConfig) (*Client, error) {
	config.setDefaults()
	if dialer == nil {
		dialer = &channel.Dialer{}
	}
	ch, err := dialer.Dial(ctx, addr, config.Channel)
	if err != nil {
		return nil, err
	}
	c := NewClient(ch, config)
	ch.Start()
	return c, nil
}

// NewClient installs a client on ch, which must not have been started.
func NewClient(ch *channel.Channel, config ClientConfig) *Client {
	config.setDefaults()
	c := &Client{
		config: config,
		ch:     ch,
		codec:  NewCodec(config.MaxFrameLength),
		logger: config.Logger.With("remote", ch.RemoteAddr().String()),
		calls:  make(map[uint32]*Call),
	}
	ch.SetDecoder(c.codec.Decoder())
	ch.SetHandler(c)
	return c
}

// Channel is the client's connection.
func (c *Client) Channel() *channel.Channel { return c.ch }

// Close closes the connection. Pending calls fail with ErrConnectionLost.
func (c *Client) Close() error { return c.ch.Close() }

// Closed reports whether the connection has closed.
func (c *Client) Closed() bool { return c.ch.Closed() }

// CallOptions describe one outbound request.
type CallOptions struct {
	Service string
	Version string
	Method  string

	// Timeout is sent to the server and bounds the wait. Zero uses the
	// client default.
	Timeout time.Duration
}

func (c *Client) timeout(opts CallOptions) time.Duration {
	if opts.Timeout > 0 {
		return opts.Timeout
	}
	return c.config.DefaultTimeout
}

// Go sends a request and returns its pending call without waiting.
func (c *Client) Go(opts CallOptions, args ...any) (*Call, error) {
	return c.start(opts, c.timeout(opts), false, args)
}

// Invoke sends a request and waits for the result, which is decoded into
// out.
func (c *Client) Invoke(ctx context.Context, opts CallOptions, out any, args ...any) error {
	call, err := c.start(opts, c.timeout(opts), false, args)
	if err != nil {
		return err
	}
	if err := call.Await(ctx, c.config.SpinIterations); err != nil {
		return err
	}
	return call.Result(out)
}

// Notify sends a one-way request. Nothing is registered and no answer is
// expected.
func (c *Client) Notify(ctx context.Context, opts CallOptions, args ...any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	frame, err := c.encodeRequest(opts, 0, args)
	if err != nil {
		return err
	}
	ok := c.ch.Execute(func() {
		PatchRequestID(frame, c.allocateID())
		c.ch.WriteAndFlush(frame)
	})
	if !ok {
		frame.Release()
		return ErrConnectionLost
	}
	return nil
}

// Stream sends a request to a streaming method. The timeout bounds the gap
// between frames.
func (c *Client) Stream(ctx context.Context, opts CallOptions, args ...any) (*Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	call, err := c.start(opts, c.timeout(opts), true, args)
	if err != nil {
		return nil, err
	}
	return &Stream{call: call}, nil
}

// Ping sends a control ping and waits for the pong.
func (c *Client) Ping(ctx context.Context) error {
	frame, err := c.codec.EncodeControl(ControlPing)
	if err != nil {
		return err
	}
	call := newCall("", "ping", c.config.DefaultTimeout, false)
	ok := c.ch.Execute(func() {
		c.pings = append(c.pings, call)
		c.ch.WriteAndFlush(frame)
	})
	if !ok {
		frame.Release()
		return ErrConnectionLost
	}
	return call.Await(ctx, 0)
}

func (c *Client) encodeRequest(opts CallOptions, timeout time.Duration, args []any) (*bufpool.Buf, error) {
	payload, err := encodeValues(args...)
	if err != nil {
		return nil, Errorf(StatusBadRequest, "encoding arguments of %s.%s: %v", opts.Service, opts.Method, err)
	}
	defer payload.Release()
	return c.codec.EncodeRequest(&Request{
		Ack:           c.config.AckChunks,
		TimeoutMillis: uint32(timeout / time.Millisecond),
		Service:       opts.Service,
		Version:       opts.Version,
		Method:        opts.Method,
		Payload:       payload,
	})
}

// start registers a call and queues its request. The request id is picked
// on the loop, so the frame is encoded with a zero id and patched there.
func (c *Client) start(opts CallOptions, timeout time.Duration, streaming bool, args []any) (*Call, error) {
	if timeout < time.Millisecond {
		timeout = time.Millisecond
	}
	frame, err := c.encodeRequest(opts, timeout, args)
	if err != nil {
		return nil, err
	}

	call := newCall(opts.Service, opts.Method, timeout, streaming)
	call.abandon = func() {
		c.ch.Execute(func() {
			if c.calls[call.id] == call {
				delete(c.calls, call.id)
			}
		})
	}

	metrics.IncrCounterWithLabels([]string{"rpc", "client", "request"}, 1,
		[]metrics.Label{{Name: "service", Value: opts.Service}, {Name: "method", Value: opts.Method}})

	ok := c.ch.Execute(func() {
		if call.finished() {
			// abandoned before it was sent
			frame.Release()
			return
		}
		call.id = c.allocateID()
		c.calls[call.id] = call
		PatchRequestID(frame, call.id)
		c.ch.WriteWithListener(frame, func(err error) {
			// the channel closes on a failed write and ChannelInactive
			// clears the table
			if err != nil {
				call.fail(ErrConnectionLost)
			}
		})
		c.ch.Flush()
	})
	if !ok {
		frame.Release()
		return nil, ErrConnectionLost
	}
	return call, nil
}

// allocateID returns the next request id not in use. Ids increase
// monotonically and wrap after 2^32, skipping zero. Loop only.
func (c *Client) allocateID() uint32 {
	for {
		c.nextID++
		if c.nextID == 0 {
			continue
		}
		if _, busy := c.calls[c.nextID]; !busy {
			return c.nextID
		}
	}
}

func (c *Client) HandleRead(ch *channel.Channel, msg any) {
	switch m := msg.(type) {
	case *Response:
		c.handleResponse(m)
	case *Control:
		switch m.Op {
		case ControlPong:
			if len(c.pings) > 0 {
				call := c.pings[0]
				c.pings = c.pings[1:]
				call.complete(nil)
			}
		default:
			handleControl(ch, c.codec, m)
		}
	case *Request:
		c.logger.Warn("dropping request received on a client connection", "method", m.Method)
		m.Release()
	}
}

func (c *Client) handleResponse(resp *Response) {
	call := c.calls[resp.ID]
	if call == nil {
		// late response to an abandoned call
		c.logger.Trace("dropping response for unknown request", "request_id", resp.ID, "kind", resp.Kind)
		metrics.IncrCounter([]string{"rpc", "client", "late_response"}, 1)
		resp.Release()
		return
	}

	switch resp.Kind {
	case KindChunk:
		if call.stream == nil {
			c.logger.Warn("dropping chunk for a unary call", "request_id", resp.ID, "method", call.Method)
			resp.Release()
			return
		}
		call.stream.push(Chunk{ID: resp.ChunkID, Encoded: resp.Encoded, Payload: copyPayload(resp)})
		if resp.Ack {
			c.ackChunk(resp.ID, resp.ChunkID)
		}
		resp.Release()
	case KindResponse:
		delete(c.calls, resp.ID)
		if !call.complete(resp) {
			resp.Release()
		}
	default:
		resp.Release()
	}
}

func (c *Client) ackChunk(id uint32, chunkID uint16) {
	frame, err := c.codec.EncodeResponse(&Response{Kind: KindChunkAck, ID: id, Status: StatusOK, ChunkID: chunkID})
	if err != nil {
		c.logger.Error("failed to encode chunk ack", "request_id", id, "error", err)
		return
	}
	c.ch.WriteAndFlush(frame)
}

// ChannelInactive fails every pending call.
func (c *Client) ChannelInactive(*channel.Channel) {
	for id, call := range c.calls {
		call.fail(ErrConnectionLost)
		delete(c.calls, id)
	}
	for _, call := range c.pings {
		call.fail(ErrConnectionLost)
	}
	c.pings = nil
}

func copyPayload(resp *Response) []byte {
	if resp.Payload.Len() == 0 {
		return nil
	}
	return append([]byte(nil), resp.Payload.Bytes()...)
}

// IsConnectionError reports whether err means the connection is unusable.
func IsConnectionError(err error) bool {
	return errors.Is(err, ErrConnectionLost)
}
