package dubbo

import (
	"fmt"
	"time"

	"github.com/armon/go-metrics"
	"github.com/hashicorp/go-hclog"

	"github.com/portmux/portmux/agent/channel"
	"github.com/portmux/portmux/agent/framing"
	"github.com/portmux/portmux/agent/mux"
	"github.com/portmux/portmux/agent/proxy"
	"github.com/portmux/portmux/agent/routing"
	"github.com/portmux/portmux/lib/bufpool"
)

// DefaultRoutingAttachment is the attachment naming the backend service of a
// request.
const DefaultRoutingAttachment = "backend"

// Config configures the Dubbo proxy.
type Config struct {
	Logger hclog.Logger
	Routes *routing.Table

	// DefaultBackend is the service of requests without a routing
	// attachment. When empty the request's service path is used.
	DefaultBackend string

	RoutingAttachment string
	MaxPayload        uint32
	ConnectTimeout    time.Duration

	// Backend configures backend channels.
	Backend channel.Options

	// Serializations defaults to hessian2, fastjson and msgpack.
	Serializations *Registry

	// Dialer overrides the backend dialer; its Timeout is ConnectTimeout.
	Dialer channel.Dialer
}

// Protocol is the Dubbo proxy.
type Protocol struct {
	config  Config
	session *proxy.Config
}

// New returns a Dubbo proxy routing over config.Routes.
func New(config Config) *Protocol {
	if config.Logger == nil {
		config.Logger = hclog.NewNullLogger()
	}
	if config.RoutingAttachment == "" {
		config.RoutingAttachment = DefaultRoutingAttachment
	}
	if config.MaxPayload == 0 {
		config.MaxPayload = DefaultMaxPayload
	}
	if config.Serializations == nil {
		config.Serializations = NewRegistry()
	}
	if config.ConnectTimeout > 0 {
		config.Dialer.Timeout = config.ConnectTimeout
	}
	backend := config.Backend
	if backend.Kind == "" {
		backend.Kind = "dubbo-backend"
	}

	p := &Protocol{config: config}
	p.session = &proxy.Config{
		Logger:   config.Logger,
		Protocol: protocolName,
		Routes:   config.Routes,
		Dialer:   config.Dialer,
		Backend:  backend,
		BackendDecoder: func(*proxy.Link) framing.Decoder {
			return NewDecoder(config.MaxPayload, config.Serializations)
		},
	}
	return p
}

// Descriptor binds connections opening with the Dubbo magic.
func (p *Protocol) Descriptor(order int) mux.Descriptor {
	return mux.Descriptor{
		Name:    protocolName,
		Order:   order,
		Sniff:   mux.MatchPrefix(magicBytes),
		Install: p.Install,
	}
}

// Install starts a proxy session on ch.
func (p *Protocol) Install(ch *channel.Channel) error {
	ch.SetDecoder(NewDecoder(p.config.MaxPayload, p.config.Serializations))
	proxy.NewSession(ch, p.session, p)
	return nil
}

// HandleFrontend answers heartbeats and forwards requests to the backend
// chosen by their routing attachment.
func (p *Protocol) HandleFrontend(s *proxy.Session, msg any) {
	pkt, ok := msg.(*Packet)
	if !ok {
		framing.Release(msg)
		return
	}
	defer pkt.Release()

	if !pkt.IsRequest() {
		s.Logger().Debug("dropping response sent by a consumer", "header", pkt.Header)
		return
	}
	ser, _ := p.config.Serializations.Lookup(pkt.SerializationID())

	if pkt.IsEvent() {
		metrics.IncrCounter([]string{"dubbo", "heartbeat"}, 1)
		if pkt.IsTwoWay() {
			buf, err := heartbeatResponse(ser, pkt.Header)
			p.reply(s, buf, err)
		}
		return
	}

	inv, err := ParseInvocation(ser, pkt.Body())
	if err != nil {
		s.Logger().Warn("rejecting request", "id", pkt.ID, "error", err)
		if pkt.IsTwoWay() {
			buf, encErr := errorResponse(ser, pkt.ID, StatusBadRequest, err.Error())
			p.reply(s, buf, encErr)
		}
		return
	}

	service := p.route(inv)
	id, twoWay := pkt.ID, pkt.IsTwoWay()
	metrics.IncrCounterWithLabels([]string{"dubbo", "request"}, 1,
		[]metrics.Label{{Name: "service", Value: service}})
	s.Forward(proxy.Outbound{
		Service: service,
		Buf:     pkt.Detach(),
		Fail: func(err *proxy.BackendUnavailableError) {
			if !twoWay {
				return
			}
			status, msg := failure(inv, err)
			buf, encErr := errorResponse(ser, id, status, msg)
			if encErr != nil {
				s.Logger().Error("failed to encode error response", "id", id, "error", encErr)
				return
			}
			s.Frontend().Write(buf)
		},
	})
}

func (p *Protocol) reply(s *proxy.Session, buf *bufpool.Buf, err error) {
	if err != nil {
		s.Logger().Error("failed to encode response", "error", err)
		return
	}
	s.Frontend().WriteAndFlush(buf)
}

func (p *Protocol) route(inv *Invocation) string {
	if v := inv.Attachment(p.config.RoutingAttachment); v != "" {
		return v
	}
	if p.config.DefaultBackend != "" {
		return p.config.DefaultBackend
	}
	return inv.Path
}

// failure maps a backend failure onto a response status and message.
func failure(inv *Invocation, err *proxy.BackendUnavailableError) (Status, string) {
	switch err.Kind {
	case proxy.NoRoute:
		return StatusServiceNotFound, fmt.Sprintf("service not found: %s %s.%s: %v",
			err.Service, inv.Path, inv.Method, err)
	case proxy.ConnectFailed:
		return StatusServiceError, fmt.Sprintf("backend %s unreachable for %s.%s: %v",
			err.Address, inv.Path, inv.Method, err)
	default:
		return StatusServerError, fmt.Sprintf("failed to send %s.%s to backend %s: %v",
			inv.Path, inv.Method, err.Address, err)
	}
}
