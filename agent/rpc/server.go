package rpc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/armon/go-metrics"
	"github.com/hashicorp/go-hclog"
	"golang.org/x/sync/semaphore"

	"github.com/portmux/portmux/agent/channel"
	"github.com/portmux/portmux/agent/mux"
	"github.com/portmux/portmux/lib/bufpool"
)

const (
	DefaultCallTimeout        = 3 * time.Second
	DefaultMaxConcurrentCalls = 256
)

// ServerConfig configures a Server.
type ServerConfig struct {
	Logger hclog.Logger

	// MaxFrameLength bounds decoded request bodies.
	MaxFrameLength int

	// MaxConcurrentCalls bounds method invocations across all connections.
	MaxConcurrentCalls int64

	// DefaultTimeout caps methods that declare no timeout of their own.
	DefaultTimeout time.Duration

	// ChunkAckWindow is the per-stream window when the caller asks for chunk
	// acknowledgements.
	ChunkAckWindow int
}

type service struct {
	name     string
	version  string
	instance any
	methods  map[string]*Method
}

// Server dispatches request frames to registered service instances.
type Server struct {
	config ServerConfig
	logger hclog.Logger
	codec  *Codec

	mu       sync.RWMutex
	services map[string]*service

	sem    *semaphore.Weighted
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer returns a server with no services.
func NewServer(config ServerConfig) *Server {
	if config.Logger == nil {
		config.Logger = hclog.NewNullLogger()
	}
	if config.MaxConcurrentCalls <= 0 {
		config.MaxConcurrentCalls = DefaultMaxConcurrentCalls
	}
	if config.DefaultTimeout <= 0 {
		config.DefaultTimeout = DefaultCallTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		config:   config,
		logger:   config.Logger,
		codec:    NewCodec(config.MaxFrameLength),
		services: make(map[string]*service),
		sem:      semaphore.NewWeighted(config.MaxConcurrentCalls),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func serviceKey(name, version string) string {
	return name + "\x00" + version
}

// AddServiceInstance registers the exported methods of instance under
// (name, version). See suitableMethods for the accepted method shapes.
func (s *Server) AddServiceInstance(name, version string, instance any) error {
	if len(name) > MaxNameLen || len(version) > MaxNameLen {
		return ErrNameTooLong
	}
	if name == "" {
		return fmt.Errorf("rpc: service name is required")
	}
	methods, err := suitableMethods(name, version, instance)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	key := serviceKey(name, version)
	if _, ok := s.services[key]; ok {
		return fmt.Errorf("%w: %s:%s", ErrDuplicateService, name, version)
	}
	s.services[key] = &service{name: name, version: version, instance: instance, methods: methods}
	s.logger.Debug("registered service", "service", name, "version", version, "methods", methodNames(methods))
	return nil
}

// RemoveService unregisters (name, version). Calls already dispatched run
// to completion.
func (s *Server) RemoveService(name, version string) {
	s.mu.Lock()
	delete(s.services, serviceKey(name, version))
	s.mu.Unlock()
}

// Lookup returns the metadata of a registered method.
func (s *Server) Lookup(service, version, method string) (*Method, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	svc, ok := s.services[serviceKey(service, version)]
	if !ok {
		return nil, Errorf(StatusNotFound, "service not found: %s:%s", service, version)
	}
	m, ok := svc.methods[method]
	if !ok {
		return nil, Errorf(StatusNotFound, "method not found: %s:%s.%s", service, version, method)
	}
	return m, nil
}

// Methods returns every registered method.
func (s *Server) Methods() []*Method {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Method
	for _, svc := range s.services {
		for _, name := range methodNames(svc.methods) {
			out = append(out, svc.methods[name])
		}
	}
	return out
}

// Install binds ch to the server: request frames are decoded and dispatched.
func (s *Server) Install(ch *channel.Channel) error {
	conn := &serverConn{
		srv:     s,
		ch:      ch,
		logger:  s.logger.With("conn", ch.RemoteAddr().String()),
		streams: make(map[uint32]*Emitter),
	}
	ch.SetDecoder(s.codec.Decoder())
	ch.SetHandler(conn)
	return nil
}

// Descriptor registers the server on a shared port. Connections are bound
// on the version marker.
func (s *Server) Descriptor(order int) mux.Descriptor {
	return mux.Descriptor{
		Name:    protocolName,
		Order:   order,
		Sniff:   mux.MatchPrefix(Marker[:]),
		Install: s.Install,
	}
}

// Shutdown cancels running calls and waits for them to return.
func (s *Server) Shutdown() {
	s.cancel()
	s.wg.Wait()
}

// serverConn is the handler of one server side connection.
type serverConn struct {
	srv    *Server
	ch     *channel.Channel
	logger hclog.Logger

	// loop confined
	streams map[uint32]*Emitter
}

func (c *serverConn) HandleRead(ch *channel.Channel, msg any) {
	switch m := msg.(type) {
	case *Request:
		c.dispatch(m)
	case *Response:
		if m.Kind == KindChunkAck {
			if em := c.streams[m.ID]; em != nil {
				em.onAck(m.ChunkID)
			}
		} else {
			c.logger.Warn("unexpected frame on server connection", "kind", m.Kind, "request_id", m.ID)
		}
		m.Release()
	case *Control:
		handleControl(ch, c.srv.codec, m)
	}
}

func (c *serverConn) ChannelInactive(*channel.Channel) {
	c.streams = nil
}

// dispatch runs on the loop. The method itself runs on its own goroutine.
func (c *serverConn) dispatch(req *Request) {
	metrics.IncrCounterWithLabels([]string{"rpc", "request"}, 1,
		[]metrics.Label{{Name: "service", Value: req.Service}, {Name: "method", Value: req.Method}})

	m, err := c.srv.Lookup(req.Service, req.Version, req.Method)
	if err != nil {
		c.logger.Debug("rejecting request", "request_id", req.ID, "error", err)
		if !req.OneWay() {
			c.respond(req.ID, nil, err, nil)
		}
		req.Release()
		return
	}

	c.srv.wg.Add(1)
	go c.invoke(req, m)
}

func (c *serverConn) invoke(req *Request, m *Method) {
	defer c.srv.wg.Done()
	start := time.Now()

	if err := c.srv.sem.Acquire(c.srv.ctx, 1); err != nil {
		if !req.OneWay() {
			c.respond(req.ID, nil, ErrShutdown, nil)
		}
		req.Release()
		return
	}
	defer c.srv.sem.Release(1)

	timeout := req.Timeout()
	if m.Timeout > 0 && (timeout == 0 || m.Timeout < timeout) {
		timeout = m.Timeout
	}
	if timeout == 0 {
		timeout = c.srv.config.DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(c.srv.ctx, timeout)
	defer cancel()

	args, err := m.decodeArgs(req.Payload.Bytes())
	req.Release()
	if err != nil {
		if !req.OneWay() {
			c.respond(req.ID, nil, Errorf(StatusBadRequest, "%s: %v", m, err), nil)
		}
		return
	}

	var em *Emitter
	if m.Streaming {
		em = newEmitter(ctx, c, req, c.srv.config.ChunkAckWindow)
		id := req.ID
		c.ch.Execute(func() {
			if c.streams != nil {
				c.streams[id] = em
			}
		})
	}

	result, err := m.call(ctx, args, em)
	metrics.MeasureSinceWithLabels([]string{"rpc", "call"}, start,
		[]metrics.Label{{Name: "service", Value: m.Service}, {Name: "method", Value: m.Name}})
	if err != nil {
		metrics.IncrCounterWithLabels([]string{"rpc", "call", "error"}, 1,
			[]metrics.Label{{Name: "service", Value: m.Service}, {Name: "method", Value: m.Name}})
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded {
			err = Errorf(StatusTimeout, "%s exceeded %s", m, timeout)
		}
	}

	if req.OneWay() {
		if err != nil {
			c.logger.Debug("one-way call failed", "method", m.String(), "error", err)
		}
		return
	}
	c.respond(req.ID, result, err, em)
}

// respond encodes the final response and queues it on the loop.
func (c *serverConn) respond(id uint32, result any, callErr error, em *Emitter) {
	resp := &Response{Kind: KindResponse, ID: id, Status: StatusOK}
	if callErr == nil {
		payload, encoded, err := encodeResult(result)
		if err != nil {
			callErr = Errorf(StatusServiceError, "encoding result: %v", err)
		} else {
			resp.Payload = payload
			resp.Encoded = encoded
		}
	}
	if callErr != nil {
		var se *StatusError
		if errors.As(callErr, &se) {
			resp.Status = se.Status
			resp.Message = truncateMessage(se.Message)
		} else {
			resp.Status = StatusServiceError
			resp.Message = truncateMessage(callErr.Error())
		}
	}

	frame, err := c.srv.codec.EncodeResponse(resp)
	resp.Release()
	if err != nil {
		c.logger.Error("failed to encode response", "request_id", id, "error", err)
		frame, err = c.srv.codec.EncodeResponse(&Response{
			Kind:    KindResponse,
			ID:      id,
			Status:  StatusServiceError,
			Message: truncateMessage(err.Error()),
		})
		if err != nil {
			return
		}
	}

	if em != nil {
		em.finish(frame)
		return
	}
	c.send(frame)
}

// send queues frame on the loop. It reports false, and releases frame, if
// the connection has closed.
func (c *serverConn) send(frame *bufpool.Buf) bool {
	if c.ch.Execute(func() { c.ch.WriteAndFlush(frame) }) {
		return true
	}
	frame.Release()
	return false
}

func (c *serverConn) finishStream(id uint32, frame *bufpool.Buf) {
	ok := c.ch.Execute(func() {
		if c.streams != nil {
			delete(c.streams, id)
		}
		c.ch.WriteAndFlush(frame)
	})
	if !ok {
		frame.Release()
	}
}

// handleControl answers pings. It runs on the loop.
func handleControl(ch *channel.Channel, codec *Codec, m *Control) {
	if m.Op != ControlPing {
		return
	}
	if pong, err := codec.EncodeControl(ControlPong); err == nil {
		ch.WriteAndFlush(pong)
	}
}
