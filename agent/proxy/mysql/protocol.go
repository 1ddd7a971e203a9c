package mysql

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/armon/go-metrics"
	"github.com/hashicorp/go-hclog"

	"github.com/portmux/portmux/agent/channel"
	"github.com/portmux/portmux/agent/framing"
	"github.com/portmux/portmux/agent/mux"
	"github.com/portmux/portmux/agent/proxy"
	"github.com/portmux/portmux/agent/routing"
)

// Client error codes used for failures the proxy reports itself.
const (
	ErrUnknownHost    uint16 = 2005
	ErrConnectFailed  uint16 = 2003
	ErrConnectionLost uint16 = 2013
)

// Config configures the MySQL proxy.
type Config struct {
	Logger hclog.Logger
	Routes *routing.Table

	// Backend is the service every connection is proxied to.
	Backend string

	MaxPacketSize  int
	ConnectTimeout time.Duration

	// BackendOptions configures backend channels.
	BackendOptions channel.Options

	Dialer channel.Dialer
}

// Protocol is the MySQL proxy.
type Protocol struct {
	config  Config
	session *proxy.Config
}

// New returns a MySQL proxy to config.Backend.
func New(config Config) *Protocol {
	if config.Logger == nil {
		config.Logger = hclog.NewNullLogger()
	}
	if config.MaxPacketSize <= 0 {
		config.MaxPacketSize = DefaultMaxPacketSize
	}
	if config.ConnectTimeout > 0 {
		config.Dialer.Timeout = config.ConnectTimeout
	}
	opts := config.BackendOptions
	if opts.Kind == "" {
		opts.Kind = "mysql-backend"
	}
	p := &Protocol{config: config}
	p.session = &proxy.Config{
		Logger:   config.Logger,
		Protocol: protocolName,
		Routes:   config.Routes,
		Dialer:   config.Dialer,
		Backend:  opts,
		BackendDecoder: func(*proxy.Link) framing.Decoder {
			return &packetDecoder{maxSize: config.MaxPacketSize}
		},
		OnBackendPacket: p.onBackendPacket,
	}
	return p
}

// Descriptor never matches client bytes: MySQL clients wait for the server
// greeting. Register it as the registry's idle fallback.
func (p *Protocol) Descriptor(order int) mux.Descriptor {
	return mux.Descriptor{
		Name:    protocolName,
		Order:   order,
		Sniff:   func([]byte) mux.Verdict { return mux.NoMatch },
		Install: p.Install,
	}
}

type phase uint32

const (
	phaseHandshake phase = iota
	phaseCommand
	phaseTunnel
)

// conn is the MySQL state of one proxied connection.
type conn struct {
	proto   *Protocol
	session *proxy.Session
	addr    string

	phase      atomic.Uint32
	clientCaps atomic.Uint32
	greeting   atomic.Pointer[Greeting]

	// backend loop confined
	started []time.Time
}

// Install dials the backend right away; its greeting is the first thing the
// client will see.
func (p *Protocol) Install(ch *channel.Channel) error {
	c := &conn{proto: p}
	ch.SetDecoder(&packetDecoder{maxSize: p.config.MaxPacketSize})
	c.session = proxy.NewSession(ch, p.session, c)

	addr, ok := p.config.Routes.Lookup(p.config.Backend)
	if !ok {
		c.abort(&proxy.BackendUnavailableError{Kind: proxy.NoRoute, Service: p.config.Backend})
		return nil
	}
	c.addr = addr
	c.session.Connect(p.config.Backend, addr, c.abort)
	return nil
}

// abort reports a failure before the greeting and closes the connection.
func (c *conn) abort(err *proxy.BackendUnavailableError) {
	c.session.Logger().Warn("mysql backend unavailable", "error", err)
	code, msg := failure(err)
	f := c.session.Frontend()
	f.WriteAndFlush(errPacket(0, code, msg))
	f.CloseAfterFlush()
}

func failure(err *proxy.BackendUnavailableError) (uint16, string) {
	switch err.Kind {
	case proxy.NoRoute:
		return ErrUnknownHost, fmt.Sprintf("Unknown MySQL server host '%s'", err.Service)
	case proxy.ConnectFailed:
		return ErrConnectFailed, fmt.Sprintf("Can't connect to MySQL server on '%s' (%v)", err.Address, err.Err)
	default:
		return ErrConnectionLost, fmt.Sprintf("Lost connection to MySQL server at '%s' (%v)", err.Address, err.Err)
	}
}

// HandleFrontend forwards client packets, noting the client capabilities and
// the command of every request on the way.
func (c *conn) HandleFrontend(s *proxy.Session, msg any) {
	out := proxy.Outbound{Service: c.proto.config.Backend, Address: c.addr}
	switch m := msg.(type) {
	case *framing.Frame:
		out.Buf = m.Buf
	case *Packet:
		out.Buf = m.Buf
		out.Fail = c.failWith(m.LastSeq + 1)
		switch {
		case phase(c.phase.Load()) == phaseHandshake && m.Seq == 1:
			c.handshakeResponse(s, m, &out)
		case m.HasCommand:
			cmd := m.Command
			metrics.IncrCounterWithLabels([]string{"mysql", "command"}, 1,
				[]metrics.Label{{Name: "command", Value: commandName(cmd)}})
			out.Before = func(backend *channel.Channel) {
				if d, ok := backend.Decoder().(*resultDecoder); ok {
					d.Begin(cmd)
					if expectsResponse(cmd) {
						c.started = append(c.started, time.Now())
					}
				}
			}
		}
	default:
		framing.Release(msg)
		return
	}
	s.Forward(out)
}

func (c *conn) handshakeResponse(s *proxy.Session, pkt *Packet, out *proxy.Outbound) {
	p := pkt.Payload()
	if len(p) < 4 {
		return
	}
	caps := binary.LittleEndian.Uint32(p)
	c.clientCaps.Store(caps)
	// a bare SSL request is 32 bytes; the TLS handshake follows it
	if caps&clientSSL != 0 && len(p) == 32 {
		s.Logger().Debug("client requested TLS, tunneling the connection")
		c.phase.Store(uint32(phaseTunnel))
		s.Frontend().SetDecoder(rawDecoder)
		out.Before = func(backend *channel.Channel) { backend.SetDecoder(rawDecoder) }
	}
}

func (c *conn) failWith(seq byte) proxy.FailFunc {
	return func(err *proxy.BackendUnavailableError) {
		code, msg := failure(err)
		c.session.Frontend().Write(errPacket(seq, code, msg))
	}
}

// onBackendPacket runs on the backend loop before a packet is forwarded.
func (p *Protocol) onBackendPacket(l *proxy.Link, backend *channel.Channel, msg any) {
	c, ok := l.Session().Handler().(*conn)
	if !ok {
		return
	}
	pkt, ok := msg.(*Packet)
	if !ok {
		return
	}
	switch phase(c.phase.Load()) {
	case phaseHandshake:
		c.handshakePacket(backend, pkt)
	case phaseCommand:
		if pkt.Last && len(c.started) > 0 {
			metrics.MeasureSinceWithLabels([]string{"mysql", "command", "time"}, c.started[0],
				[]metrics.Label{{Name: "command", Value: commandName(pkt.Command)}})
			c.started = c.started[1:]
			if e, ok := parseErr(pkt.Payload()); ok {
				c.session.Logger().Debug("command failed", "command", commandName(pkt.Command),
					"code", e.Code, "sqlstate", e.SQLState, "message", e.Message)
			}
		}
	}
}

func (c *conn) handshakePacket(backend *channel.Channel, pkt *Packet) {
	p := pkt.Payload()
	switch {
	case pkt.Seq == 0:
		g, ok := parseGreeting(p)
		if !ok {
			return
		}
		g.Raw = append([]byte(nil), p...)
		c.greeting.Store(&g)
		c.session.Logger().Debug("backend greeting", "server_version", g.ServerVersion, "connection_id", g.ConnectionID)

	case len(p) > 0 && p[0] == iOK:
		deprecateEOF := c.serverCaps()&c.clientCaps.Load()&clientDeprecateEOF != 0
		maxSize := c.proto.config.MaxPacketSize
		backend.SetDecoder(newResultDecoder(maxSize, deprecateEOF))
		c.phase.Store(uint32(phaseCommand))

		// queued ahead of the OK itself, so the client's first command is
		// read by the command decoder
		f := c.session.Frontend()
		f.Execute(func() { f.SetDecoder(&commandDecoder{maxSize: maxSize}) })
	}
}

// Greeting returns the backend's handshake, once it has been read.
func (c *conn) Greeting() (Greeting, bool) {
	g := c.greeting.Load()
	if g == nil {
		return Greeting{}, false
	}
	return *g, true
}

func (c *conn) serverCaps() uint32 {
	g, _ := c.Greeting()
	return g.Capabilities
}
