// Package proxy pairs a frontend connection with lazily dialed backend
// connections and forwards packets between them.
//
// A Session belongs to one frontend channel and all of its state is
// confined to that channel's loop. Work on a backend channel is always
// submitted to the backend's own loop with Execute, and results come back
// the same way.
package proxy

import (
	"context"

	"github.com/armon/go-metrics"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-uuid"

	"github.com/portmux/portmux/agent/channel"
	"github.com/portmux/portmux/agent/framing"
	"github.com/portmux/portmux/agent/routing"
	"github.com/portmux/portmux/lib/bufpool"
)

// Packet is a decoded message that can be forwarded verbatim. Detach hands
// over the raw frame bytes; the packet must not be used afterwards.
type Packet interface {
	Detach() *bufpool.Buf
}

// FrontendHandler receives the packets decoded on the frontend channel. It
// runs on the frontend loop.
type FrontendHandler interface {
	HandleFrontend(s *Session, msg any)
}

// FailFunc turns a backend failure into an error packet for the frontend.
// It runs on the frontend loop.
type FailFunc func(err *BackendUnavailableError)

// Config is shared by every session of one protocol.
type Config struct {
	Logger hclog.Logger

	// Protocol labels logs and metrics.
	Protocol string

	Routes *routing.Table
	Dialer channel.Dialer

	// Backend configures backend channels.
	Backend channel.Options

	// BackendDecoder returns the initial decoder of a new backend channel.
	BackendDecoder func(l *Link) framing.Decoder

	// OnBackendPacket, if set, sees every backend packet on the backend
	// loop before it is forwarded. It may replace the decoder of backend.
	OnBackendPacket func(l *Link, backend *channel.Channel, msg any)
}

// Session is the proxy state of one frontend connection.
type Session struct {
	ID string

	config   *Config
	frontend *channel.Channel
	handler  FrontendHandler
	logger   hclog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	// frontend loop confined
	links  map[string]*Link
	closed bool
}

// NewSession binds a session to the frontend channel ch and makes it the
// channel's handler. Runs on the frontend loop.
func NewSession(ch *channel.Channel, config *Config, h FrontendHandler) *Session {
	id, err := uuid.GenerateUUID()
	if err != nil {
		id = ch.RemoteAddr().String()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		ID:       id,
		config:   config,
		frontend: ch,
		handler:  h,
		logger:   config.Logger.With("session", id, "frontend", ch.RemoteAddr().String()),
		ctx:      ctx,
		cancel:   cancel,
		links:    make(map[string]*Link),
	}
	ch.SetHandler(s)
	metrics.IncrCounterWithLabels([]string{"proxy", "session"}, 1, s.labels())
	return s
}

func (s *Session) labels() []metrics.Label {
	return []metrics.Label{{Name: "protocol", Value: s.config.Protocol}}
}

// Frontend is the session's client facing channel.
func (s *Session) Frontend() *channel.Channel { return s.frontend }

func (s *Session) Logger() hclog.Logger { return s.logger }

// Routes is the routing table the session resolves services with.
func (s *Session) Routes() *routing.Table { return s.config.Routes }

// Handler is the protocol handler the session was created with.
func (s *Session) Handler() FrontendHandler { return s.handler }

// Links returns the number of backend links, connected or connecting.
// Frontend loop only.
func (s *Session) Links() int { return len(s.links) }

// Close closes the frontend, which tears the session down.
func (s *Session) Close() { s.frontend.Close() }

// Outbound is one packet on its way to a backend.
type Outbound struct {
	Service string

	// Address overrides the routing table lookup of Service.
	Address string

	Buf *bufpool.Buf

	// Fail is called instead of forwarding when the backend is unavailable.
	// Buf, if not yet handed to the backend, is released and the frontend
	// flushed after it returns. A nil Fail drops the packet.
	Fail FailFunc

	// Before runs on the backend loop right before Buf is written.
	Before func(backend *channel.Channel)
}

// Forward sends out.Buf to the backend of out.Service, dialing it on first
// use. Packets to one backend are written in the order Forward was called.
// Frontend loop only.
func (s *Session) Forward(out Outbound) {
	addr := out.Address
	if addr == "" {
		var ok bool
		addr, ok = s.config.Routes.Lookup(out.Service)
		if !ok {
			s.fail(out, &BackendUnavailableError{Kind: NoRoute, Service: out.Service})
			return
		}
	}
	metrics.IncrCounterWithLabels([]string{"proxy", "forward"}, 1, s.labels())
	s.Connect(out.Service, addr, nil).send(out)
}

// Connect returns the link to addr, starting a dial if there is none.
// Requests sent while the dial is in flight are queued on the link, so there
// is never more than one connection attempt per address. onFail, if not nil,
// is told when a dial started by this call fails. Frontend loop only.
func (s *Session) Connect(service, addr string, onFail FailFunc) *Link {
	if l, ok := s.links[addr]; ok {
		return l
	}
	l := &Link{session: s, Service: service, Addr: addr, state: linkConnecting, onDialFail: onFail}
	s.links[addr] = l
	go s.dial(l)
	return l
}

func (s *Session) dial(l *Link) {
	metrics.IncrCounterWithLabels([]string{"proxy", "backend", "dial"}, 1, s.labels())
	opts := s.config.Backend
	if opts.Logger == nil {
		opts.Logger = s.logger
	}
	var ch *channel.Channel
	target, err := s.config.Routes.ResolveAddr(l.Addr)
	if err == nil {
		ch, err = s.config.Dialer.Dial(s.ctx, target.String(), opts)
	}
	if err == nil {
		if s.config.BackendDecoder != nil {
			ch.SetDecoder(s.config.BackendDecoder(l))
		}
		ch.SetHandler(&backendHandler{link: l})
		ch.AddCloseListener(func(*channel.Channel) {
			s.frontend.Execute(func() { s.backendClosed(l) })
		})
		ch.Start()
	}
	if !s.frontend.Execute(func() { s.dialed(l, ch, err) }) && ch != nil {
		ch.Close()
	}
}

// dialed runs on the frontend loop once a dial finished.
func (s *Session) dialed(l *Link, ch *channel.Channel, err error) {
	pending := l.pending
	l.pending = nil

	if err != nil {
		s.logger.Warn("failed to connect to backend", "service", l.Service, "backend", l.Addr, "error", err)
		metrics.IncrCounterWithLabels([]string{"proxy", "backend", "dial_failed"}, 1, s.labels())
		l.state = linkClosed
		if s.links[l.Addr] == l {
			delete(s.links, l.Addr)
		}
		for _, out := range pending {
			s.fail(out, &BackendUnavailableError{Kind: ConnectFailed, Service: l.Service, Address: l.Addr, Err: err})
		}
		if l.onDialFail != nil {
			l.onDialFail(&BackendUnavailableError{Kind: ConnectFailed, Service: l.Service, Address: l.Addr, Err: err})
			s.frontend.Flush()
		}
		return
	}
	if s.closed || l.state == linkClosed {
		ch.Close()
		for _, out := range pending {
			out.Buf.Release()
		}
		return
	}

	s.logger.Debug("connected to backend", "service", l.Service, "backend", l.Addr)
	l.ch = ch
	l.state = linkReady
	if !s.frontend.IsWritable() {
		ch.SetAutoRead(false)
	}
	for _, out := range pending {
		l.write(out)
	}
}

func (s *Session) fail(out Outbound, err *BackendUnavailableError) {
	metrics.IncrCounterWithLabels([]string{"proxy", "failure"}, 1,
		append(s.labels(), metrics.Label{Name: "kind", Value: err.Kind.String()}))
	s.logger.Debug("backend unavailable", "kind", err.Kind, "error", err)
	if out.Fail != nil {
		out.Fail(err)
		s.frontend.Flush()
	}
	out.Buf.Release()
}

// backendClosed runs on the frontend loop when a backend connection closes.
// The link stays in place so later packets for it fail fast, and the
// frontend follows it down once the failures of writes still in flight have
// been reported.
func (s *Session) backendClosed(l *Link) {
	l.state = linkClosed
	if l.inflight == 0 {
		s.closeFrontend(l)
	}
}

func (s *Session) closeFrontend(l *Link) {
	if s.closed {
		return
	}
	s.logger.Debug("backend closed, closing frontend", "backend", l.Addr)
	s.frontend.CloseAfterFlush()
}

// toFrontend queues a backend packet on the frontend. Safe from any loop.
func (s *Session) toFrontend(buf *bufpool.Buf) {
	if !s.frontend.Execute(func() { s.frontend.Write(buf) }) {
		buf.Release()
	}
}

func (s *Session) HandleRead(_ *channel.Channel, msg any) {
	s.handler.HandleFrontend(s, msg)
}

// ChannelInactive closes every backend the session opened.
func (s *Session) ChannelInactive(*channel.Channel) {
	s.closed = true
	s.cancel()
	for addr, l := range s.links {
		if l.ch != nil {
			l.ch.Close()
		}
		for _, out := range l.pending {
			out.Buf.Release()
		}
		l.pending = nil
		l.state = linkClosed
		delete(s.links, addr)
	}
	if ih, ok := s.handler.(channel.InactiveHandler); ok {
		ih.ChannelInactive(s.frontend)
	}
}

// WritabilityChanged pauses backend reads while the frontend is congested.
func (s *Session) WritabilityChanged(_ *channel.Channel, writable bool) {
	for _, l := range s.links {
		if l.ch != nil {
			l.ch.SetAutoRead(writable)
		}
	}
}

type linkState uint8

const (
	linkConnecting linkState = iota
	linkReady
	linkClosed
)

// Link is a session's connection to one backend address.
type Link struct {
	Service string
	Addr    string

	session *Session

	// frontend loop confined
	state      linkState
	ch         *channel.Channel
	pending    []Outbound
	inflight   int
	onDialFail FailFunc
}

// Session returns the session the link belongs to.
func (l *Link) Session() *Session { return l.session }

// Channel is the backend channel, nil until connected. Frontend loop only.
func (l *Link) Channel() *channel.Channel { return l.ch }

func (l *Link) send(out Outbound) {
	switch l.state {
	case linkConnecting:
		l.pending = append(l.pending, out)
	case linkReady:
		l.write(out)
	default:
		l.session.fail(out, &BackendUnavailableError{
			Kind: WriteFailed, Service: out.Service, Address: l.Addr, Err: channel.ErrClosed,
		})
	}
}

func (l *Link) write(out Outbound) {
	s := l.session
	ch := l.ch
	l.inflight++
	ok := ch.Execute(func() {
		if out.Before != nil {
			out.Before(ch)
		}
		ch.WriteWithListener(out.Buf, func(err error) {
			s.frontend.Execute(func() { l.written(out, err) })
		})
		ch.Flush()
	})
	if !ok {
		l.inflight--
		s.fail(out, &BackendUnavailableError{Kind: WriteFailed, Service: out.Service, Address: l.Addr, Err: channel.ErrClosed})
	}
}

// written runs on the frontend loop once the backend finished a write. The
// buffer has been released by the backend channel.
func (l *Link) written(out Outbound, err error) {
	s := l.session
	l.inflight--
	if err != nil {
		out.Buf = nil
		s.fail(out, &BackendUnavailableError{Kind: WriteFailed, Service: out.Service, Address: l.Addr, Err: err})
	}
	if l.state == linkClosed && l.inflight == 0 {
		s.closeFrontend(l)
	}
}

// backendHandler forwards backend packets to the frontend.
type backendHandler struct {
	link *Link
}

func (h *backendHandler) HandleRead(ch *channel.Channel, msg any) {
	s := h.link.session
	if hook := s.config.OnBackendPacket; hook != nil {
		hook(h.link, ch, msg)
	}
	var buf *bufpool.Buf
	switch m := msg.(type) {
	case *framing.Frame:
		buf = m.Buf
	case Packet:
		buf = m.Detach()
	default:
		s.logger.Error("dropping backend message that cannot be forwarded", "type", hclog.Fmt("%T", msg))
		framing.Release(msg)
		return
	}
	s.toFrontend(buf)
}

func (h *backendHandler) ReadComplete(*channel.Channel) {
	f := h.link.session.frontend
	f.Execute(f.Flush)
}

// WritabilityChanged pauses frontend reads while this backend is congested.
func (h *backendHandler) WritabilityChanged(_ *channel.Channel, writable bool) {
	h.link.session.frontend.SetAutoRead(writable)
}
