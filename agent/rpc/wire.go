package rpc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/portmux/portmux/agent/framing"
	"github.com/portmux/portmux/lib/bufpool"
)

// Marker opens every frame: two magic bytes, "RPC", and a 3-byte version.
var Marker = [MarkerLen]byte{0xca, 0xfe, 'R', 'P', 'C', 0x00, 0x00, 0x01}

const (
	MarkerLen = 8

	// HeaderLen is marker, kind, ack flag and the 4-byte body length.
	HeaderLen = MarkerLen + 1 + 1 + 4

	// MaxNameLen bounds service, version, method and message strings, whose
	// lengths are sent as a single byte.
	MaxNameLen = 255

	// DefaultMaxFrameLength bounds the body length of a decoded frame.
	DefaultMaxFrameLength = 16 << 20

	protocolName = "rpc"
)

// Kind is the frame kind byte.
type Kind uint8

const (
	KindRequest  Kind = 1
	KindResponse Kind = 2
	KindChunk    Kind = 3
	KindChunkAck Kind = 4
	KindControl  Kind = 5
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindChunk:
		return "chunk"
	case KindChunkAck:
		return "chunk-ack"
	case KindControl:
		return "control"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Status is the 2-byte response status.
type Status uint16

const (
	StatusOK           Status = 200
	StatusBadRequest   Status = 400
	StatusNotFound     Status = 404
	StatusTimeout      Status = 408
	StatusServiceError Status = 500
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusBadRequest:
		return "bad request"
	case StatusNotFound:
		return "not found"
	case StatusTimeout:
		return "timeout"
	case StatusServiceError:
		return "service error"
	default:
		return fmt.Sprintf("status(%d)", uint16(s))
	}
}

// ControlOp is the single body byte of a control frame.
type ControlOp uint8

const (
	ControlPing ControlOp = 1
	ControlPong ControlOp = 2
)

var ErrNameTooLong = errors.New("rpc: name exceeds 255 bytes")

// Request is a decoded request frame. A zero TimeoutMillis marks a one-way
// call that is never answered.
type Request struct {
	ID            uint32
	Ack           bool
	TimeoutMillis uint32
	Service       string
	Version       string
	Method        string
	Payload       *bufpool.Buf
}

func (r *Request) Timeout() time.Duration {
	return time.Duration(r.TimeoutMillis) * time.Millisecond
}

func (r *Request) OneWay() bool { return r.TimeoutMillis == 0 }

func (r *Request) Release() { r.Payload.Release() }

// Response is a decoded response-last, response-chunk or chunk-ack frame.
type Response struct {
	Kind    Kind
	Ack     bool
	ID      uint32
	Status  Status
	Encoded bool
	Message string
	Payload *bufpool.Buf
	ChunkID uint16
}

func (r *Response) Release() { r.Payload.Release() }

// Control is a decoded control frame.
type Control struct {
	Op ControlOp
}

// Codec encodes and decodes frames under a body length limit.
type Codec struct {
	MaxFrameLength int
}

// NewCodec returns a codec with the given limit, or the default if max is
// not positive.
func NewCodec(max int) *Codec {
	if max <= 0 {
		max = DefaultMaxFrameLength
	}
	return &Codec{MaxFrameLength: max}
}

func (c *Codec) begin(kind Kind, ack bool) *bufpool.Buf {
	b := bufpool.Get(0)
	b.Append(Marker[:]...)
	b.Append(byte(kind), boolByte(ack))
	// length slot, patched by finish
	b.Append(0, 0, 0, 0)
	return b
}

func (c *Codec) finish(b *bufpool.Buf) (*bufpool.Buf, error) {
	n := b.Len() - HeaderLen
	if n > c.MaxFrameLength {
		b.Release()
		return nil, framing.Errorf(protocolName, framing.ErrFrameTooLarge, "body %d, limit %d", n, c.MaxFrameLength)
	}
	binary.BigEndian.PutUint32(b.B[MarkerLen+2:HeaderLen], uint32(n))
	return b, nil
}

// EncodeRequest serializes r. Nothing is allocated if a name is too long.
func (c *Codec) EncodeRequest(r *Request) (*bufpool.Buf, error) {
	for _, s := range []string{r.Service, r.Version, r.Method} {
		if len(s) > MaxNameLen {
			return nil, fmt.Errorf("%w: %.32q...", ErrNameTooLong, s)
		}
	}
	b := c.begin(KindRequest, r.Ack)
	b.B = binary.BigEndian.AppendUint32(b.B, r.ID)
	b.B = binary.BigEndian.AppendUint32(b.B, r.TimeoutMillis)
	appendShortString(b, r.Service)
	appendShortString(b, r.Version)
	appendShortString(b, r.Method)
	b.B = binary.BigEndian.AppendUint32(b.B, uint32(r.Payload.Len()))
	b.Append(r.Payload.Bytes()...)
	return c.finish(b)
}

// EncodeResponse serializes r according to r.Kind.
func (c *Codec) EncodeResponse(r *Response) (*bufpool.Buf, error) {
	switch r.Kind {
	case KindResponse, KindChunk, KindChunkAck:
	default:
		return nil, fmt.Errorf("rpc: cannot encode %s as a response", r.Kind)
	}
	if len(r.Message) > MaxNameLen {
		return nil, fmt.Errorf("%w: message", ErrNameTooLong)
	}
	b := c.begin(r.Kind, r.Ack)
	b.B = binary.BigEndian.AppendUint32(b.B, r.ID)
	b.B = binary.BigEndian.AppendUint16(b.B, uint16(r.Status))
	b.Append(boolByte(r.Encoded))
	appendShortString(b, r.Message)
	b.B = binary.BigEndian.AppendUint32(b.B, uint32(r.Payload.Len()))
	b.Append(r.Payload.Bytes()...)
	if r.Kind != KindResponse {
		b.B = binary.BigEndian.AppendUint16(b.B, r.ChunkID)
	}
	return c.finish(b)
}

// EncodeControl serializes a control frame.
func (c *Codec) EncodeControl(op ControlOp) (*bufpool.Buf, error) {
	b := c.begin(KindControl, false)
	b.Append(byte(op))
	return c.finish(b)
}

// PatchRequestID overwrites the request id of an encoded request or
// response frame.
func PatchRequestID(frame *bufpool.Buf, id uint32) {
	binary.BigEndian.PutUint32(frame.B[HeaderLen:], id)
}

// Decoder returns a decoder producing *Request, *Response and *Control
// values. It consumes nothing until a whole frame is buffered.
func (c *Codec) Decoder() framing.Decoder {
	return framing.DecoderFunc(c.decode)
}

func (c *Codec) decode(in *framing.Cursor) (any, error) {
	if in.Len() < HeaderLen {
		return nil, nil
	}
	hdr := in.PeekN(HeaderLen)
	if string(hdr[:MarkerLen]) != string(Marker[:]) {
		return nil, framing.Errorf(protocolName, framing.ErrBadMagic, "% x", hdr[:MarkerLen])
	}
	kind := Kind(hdr[MarkerLen])
	if kind < KindRequest || kind > KindControl {
		return nil, framing.Errorf(protocolName, framing.ErrUnsupported, "%s", kind)
	}
	ackByte := hdr[MarkerLen+1]
	if ackByte > 1 {
		return nil, framing.Errorf(protocolName, framing.ErrMalformed, "ack flag %d", ackByte)
	}
	n := binary.BigEndian.Uint32(hdr[MarkerLen+2:])
	if uint64(n) > uint64(c.MaxFrameLength) {
		return nil, framing.Errorf(protocolName, framing.ErrFrameTooLarge, "declared %d, limit %d", n, c.MaxFrameLength)
	}
	if in.Len() < HeaderLen+int(n) {
		return nil, nil
	}

	in.Skip(HeaderLen)
	r := &reader{p: in.Next(int(n))}
	ack := ackByte == 1

	var msg any
	switch kind {
	case KindRequest:
		req := &Request{Ack: ack}
		req.ID = r.uint32()
		req.TimeoutMillis = r.uint32()
		req.Service = r.shortString()
		req.Version = r.shortString()
		req.Method = r.shortString()
		req.Payload = r.payload()
		msg = req
	case KindControl:
		msg = &Control{Op: ControlOp(r.uint8())}
	default:
		resp := &Response{Kind: kind, Ack: ack}
		resp.ID = r.uint32()
		resp.Status = Status(r.uint16())
		encoded := r.uint8()
		if encoded > 1 {
			r.fail()
		}
		resp.Encoded = encoded == 1
		resp.Message = r.shortString()
		resp.Payload = r.payload()
		if kind != KindResponse {
			resp.ChunkID = r.uint16()
		}
		msg = resp
	}

	if r.err || len(r.p) != 0 {
		framing.Release(msg)
		return nil, framing.Errorf(protocolName, framing.ErrMalformed, "%s body does not match its length %d", kind, n)
	}
	return msg, nil
}

// reader walks a frame body. Reads past the end set err and return zeros.
type reader struct {
	p   []byte
	err bool
}

func (r *reader) take(n int) []byte {
	if r.err || len(r.p) < n {
		r.err = true
		return nil
	}
	v := r.p[:n]
	r.p = r.p[n:]
	return v
}

func (r *reader) fail() { r.err = true }

func (r *reader) uint8() uint8 {
	if v := r.take(1); v != nil {
		return v[0]
	}
	return 0
}

func (r *reader) uint16() uint16 {
	if v := r.take(2); v != nil {
		return binary.BigEndian.Uint16(v)
	}
	return 0
}

func (r *reader) uint32() uint32 {
	if v := r.take(4); v != nil {
		return binary.BigEndian.Uint32(v)
	}
	return 0
}

func (r *reader) shortString() string {
	n := int(r.uint8())
	return string(r.take(n))
}

func (r *reader) payload() *bufpool.Buf {
	n := r.uint32()
	if uint64(n) > uint64(len(r.p)) {
		r.err = true
		return nil
	}
	return bufpool.Copy(r.take(int(n)))
}

func appendShortString(b *bufpool.Buf, s string) {
	b.Append(byte(len(s)))
	b.B = append(b.B, s...)
}

func boolByte(v bool) byte {
	if v {
		return 1
	}
	return 0
}

// truncateMessage cuts s to fit the one-byte message length.
func truncateMessage(s string) string {
	if len(s) <= MaxNameLen {
		return s
	}
	s = s[:MaxNameLen]
	for !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return strings.TrimSpace(s)
}
