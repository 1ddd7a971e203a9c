// Package dubbo proxies the Dubbo binary RPC protocol to backend providers
// chosen per request.
//
// Every packet starts with a 16 byte header:
//
//	0      2       3        4             12          16
//	+------+-------+--------+-------------+-----------+
//	| dabb | flags | status | request id  | body len  |
//	+------+-------+--------+-------------+-----------+
//
// flags holds the request (0x80), two-way (0x40) and event (0x20) bits and,
// in the low five bits, the id of the serialization used for the body.
package dubbo

import (
	"encoding/binary"
	"fmt"

	"github.com/portmux/portmux/agent/framing"
	"github.com/portmux/portmux/lib/bufpool"
)

const protocolName = "dubbo"

const (
	HeaderLen = 16

	Magic uint16 = 0xdabb

	FlagRequest byte = 0x80
	FlagTwoWay  byte = 0x40
	FlagEvent   byte = 0x20

	serializationMask byte = 0x1f

	// DefaultMaxPayload matches the provider side default of 8MiB.
	DefaultMaxPayload = 8 << 20
)

var magicBytes = []byte{0xda, 0xbb}

// Status is the response status byte.
type Status uint8

const (
	StatusOK              Status = 20
	StatusClientTimeout   Status = 30
	StatusServerTimeout   Status = 31
	StatusBadRequest      Status = 40
	StatusBadResponse     Status = 50
	StatusServiceNotFound Status = 60
	StatusServiceError    Status = 70
	StatusServerError     Status = 80
	StatusClientError     Status = 90
)

// Header is a decoded packet header.
type Header struct {
	Flags   byte
	Status  Status
	ID      uint64
	BodyLen uint32
}

func (h Header) IsRequest() bool { return h.Flags&FlagRequest != 0 }

func (h Header) IsTwoWay() bool { return h.Flags&FlagTwoWay != 0 }

func (h Header) IsEvent() bool { return h.Flags&FlagEvent != 0 }

// SerializationID is the id of the body serialization.
func (h Header) SerializationID() byte { return h.Flags & serializationMask }

func (h Header) String() string {
	kind := "response"
	if h.IsRequest() {
		kind = "request"
	}
	return fmt.Sprintf("%s id=%d flags=%#x status=%d body=%d", kind, h.ID, h.Flags, h.Status, h.BodyLen)
}

// parseHeader reads a header from the first HeaderLen bytes of p.
func parseHeader(p []byte) Header {
	return Header{
		Flags:   p[2],
		Status:  Status(p[3]),
		ID:      binary.BigEndian.Uint64(p[4:12]),
		BodyLen: binary.BigEndian.Uint32(p[12:16]),
	}
}

func (h Header) put(p []byte) {
	copy(p, magicBytes)
	p[2] = h.Flags
	p[3] = byte(h.Status)
	binary.BigEndian.PutUint64(p[4:12], h.ID)
	binary.BigEndian.PutUint32(p[12:16], h.BodyLen)
}

// Packet is one whole packet, header included.
type Packet struct {
	Header
	Buf *bufpool.Buf
}

// Body returns the bytes following the header.
func (p *Packet) Body() []byte { return p.Buf.B[HeaderLen:] }

// Detach hands over the packet bytes.
func (p *Packet) Detach() *bufpool.Buf {
	b := p.Buf
	p.Buf = nil
	return b
}

func (p *Packet) Release() { p.Buf.Release() }

// NewDecoder returns a decoder of Dubbo packets. Bodies larger than
// maxPayload, and bodies in a serialization reg does not know, are fatal.
func NewDecoder(maxPayload uint32, reg *Registry) framing.Decoder {
	if maxPayload == 0 {
		maxPayload = DefaultMaxPayload
	}
	return framing.DecoderFunc(func(in *framing.Cursor) (any, error) {
		if in.Len() >= 2 && in.Uint16At(0) != Magic {
			return nil, framing.Errorf(protocolName, framing.ErrBadMagic, "got %#04x", in.Uint16At(0))
		}
		p := in.PeekN(HeaderLen)
		if p == nil {
			return nil, nil
		}
		h := parseHeader(p)
		if h.BodyLen > maxPayload {
			return nil, framing.Errorf(protocolName, framing.ErrFrameTooLarge,
				"body of %d bytes exceeds %d, %s", h.BodyLen, maxPayload, h)
		}
		if _, ok := reg.Lookup(h.SerializationID()); !ok {
			return nil, framing.Errorf(protocolName, framing.ErrUnsupported,
				"serialization id %d", h.SerializationID())
		}
		n := HeaderLen + int(h.BodyLen)
		if in.Len() < n {
			return nil, nil
		}
		return &Packet{Header: h, Buf: in.NextBuf(n)}, nil
	})
}

// encodePacket builds a packet with h and the objects in values as body.
func encodePacket(s Serialization, h Header, values ...any) (*bufpool.Buf, error) {
	body, err := s.Marshal(values...)
	if err != nil {
		return nil, err
	}
	h.Flags = h.Flags&^serializationMask | s.ID()
	h.BodyLen = uint32(len(body))
	buf := bufpool.Get(HeaderLen + len(body))
	h.put(buf.B)
	copy(buf.B[HeaderLen:], body)
	return buf, nil
}

// errorResponse builds the response to request id with a failure status and
// msg as body.
func errorResponse(s Serialization, id uint64, status Status, msg string) (*bufpool.Buf, error) {
	return encodePacket(s, Header{ID: id, Status: status}, msg)
}

// heartbeatResponse answers the heartbeat event req.
func heartbeatResponse(s Serialization, req Header) (*bufpool.Buf, error) {
	return encodePacket(s, Header{Flags: FlagEvent, ID: req.ID, Status: StatusOK}, nil)
}

// HeartbeatRequest builds a heartbeat event request.
func HeartbeatRequest(s Serialization, id uint64) (*bufpool.Buf, error) {
	return encodePacket(s, Header{Flags: FlagRequest | FlagTwoWay | FlagEvent, ID: id}, nil)
}
