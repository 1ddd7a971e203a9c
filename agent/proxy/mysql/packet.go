// Package mysql proxies the MySQL client/server protocol to a single
// configured backend.
//
// Packets are forwarded verbatim. The proxy only reads as much of them as it
// needs to follow the conversation: the greeting and handshake result during
// the connection phase, then the command byte of every request and the shape
// of every response so it knows where a result ends.
package mysql

import (
	"encoding/binary"

	"github.com/portmux/portmux/agent/framing"
	"github.com/portmux/portmux/lib/bufpool"
)

const protocolName = "mysql"

const (
	headerLen = 4

	// maxPayloadLen is the largest payload of one physical packet. A packet
	// of exactly this size is continued by the next one.
	maxPayloadLen = 0xffffff

	// DefaultMaxPacketSize matches the server's max_allowed_packet default.
	DefaultMaxPacketSize = 64 << 20
)

// Response markers.
const (
	iOK          byte = 0x00
	iAuthMore    byte = 0x01
	iLocalInFile byte = 0xfb
	iEOF         byte = 0xfe
	iERR         byte = 0xff

	protocolV10 byte = 0x0a
)

// Capability flags.
const (
	clientProtocol41   uint32 = 0x00000200
	clientSSL          uint32 = 0x00000800
	clientDeprecateEOF uint32 = 0x01000000
)

const serverMoreResultsExists uint16 = 0x0008

// Command bytes.
const (
	comQuit             byte = 0x01
	comInitDB           byte = 0x02
	comQuery            byte = 0x03
	comFieldList        byte = 0x04
	comStatistics       byte = 0x09
	comPing             byte = 0x0e
	comChangeUser       byte = 0x11
	comBinlogDump       byte = 0x12
	comStmtPrepare      byte = 0x16
	comStmtExecute      byte = 0x17
	comStmtSendLongData byte = 0x18
	comStmtClose        byte = 0x19
	comStmtReset        byte = 0x1a
	comSetOption        byte = 0x1b
	comStmtFetch        byte = 0x1c
	comBinlogDumpGTID   byte = 0x1e
	comResetConnection  byte = 0x1f
)

var commandNames = map[byte]string{
	comQuit:             "quit",
	comInitDB:           "init_db",
	comQuery:            "query",
	comFieldList:        "field_list",
	comStatistics:       "statistics",
	comPing:             "ping",
	comChangeUser:       "change_user",
	comBinlogDump:       "binlog_dump",
	comStmtPrepare:      "stmt_prepare",
	comStmtExecute:      "stmt_execute",
	comStmtSendLongData: "stmt_send_long_data",
	comStmtClose:        "stmt_close",
	comStmtReset:        "stmt_reset",
	comSetOption:        "set_option",
	comStmtFetch:        "stmt_fetch",
	comBinlogDumpGTID:   "binlog_dump_gtid",
	comResetConnection:  "reset_connection",
}

func commandName(cmd byte) string {
	if n, ok := commandNames[cmd]; ok {
		return n
	}
	return "other"
}

// Packet is one logical packet: a physical packet and its continuations.
type Packet struct {
	// Seq is the sequence id of the first physical packet, LastSeq that of
	// the last one.
	Seq     byte
	LastSeq byte

	Buf *bufpool.Buf

	// Command is the command byte of a client request opening a command,
	// and HasCommand reports whether there is one.
	Command    byte
	HasCommand bool

	// Last marks the final packet of a command's response.
	Last bool

	firstLen int
}

// Payload returns the payload of the first physical packet. It is all of
// the payload unless the packet is at least 16MiB long.
func (p *Packet) Payload() []byte {
	return p.Buf.B[headerLen : headerLen+p.firstLen]
}

func (p *Packet) Detach() *bufpool.Buf {
	b := p.Buf
	p.Buf = nil
	return b
}

func (p *Packet) Release() { p.Buf.Release() }

// readPacket consumes one logical packet from in, or nothing if it is not
// complete yet.
func readPacket(in *framing.Cursor, maxSize int) (*Packet, error) {
	b := in.Peek()
	off, total, firstLen := 0, 0, -1
	var lastSeq byte
	for {
		if len(b) < off+headerLen {
			return nil, nil
		}
		n := int(b[off]) | int(b[off+1])<<8 | int(b[off+2])<<16
		lastSeq = b[off+3]
		if firstLen < 0 {
			firstLen = n
		}
		total += n
		if maxSize > 0 && total > maxSize {
			return nil, framing.Errorf(protocolName, framing.ErrFrameTooLarge,
				"packet of at least %d bytes exceeds %d", total, maxSize)
		}
		off += headerLen + n
		if len(b) < off {
			return nil, nil
		}
		if n < maxPayloadLen {
			break
		}
	}
	buf := in.NextBuf(off)
	return &Packet{Seq: buf.B[3], LastSeq: lastSeq, Buf: buf, firstLen: firstLen}, nil
}

// writePacket frames payload with seq. Payloads are small enough to fit one
// physical packet.
func writePacket(seq byte, payload []byte) *bufpool.Buf {
	buf := bufpool.Get(headerLen + len(payload))
	n := len(payload)
	buf.B[0], buf.B[1], buf.B[2], buf.B[3] = byte(n), byte(n>>8), byte(n>>16), seq
	copy(buf.B[headerLen:], payload)
	return buf
}

// errPacket builds an ERR packet with SQLSTATE HY000.
func errPacket(seq byte, code uint16, msg string) *bufpool.Buf {
	payload := make([]byte, 0, 9+len(msg))
	payload = append(payload, iERR, byte(code), byte(code>>8), '#')
	payload = append(payload, "HY000"...)
	payload = append(payload, msg...)
	return writePacket(seq, payload)
}

// ErrorPacket is a decoded ERR payload.
type ErrorPacket struct {
	Code     uint16
	SQLState string
	Message  string
}

func parseErr(p []byte) (ErrorPacket, bool) {
	if len(p) < 3 || p[0] != iERR {
		return ErrorPacket{}, false
	}
	e := ErrorPacket{Code: binary.LittleEndian.Uint16(p[1:3])}
	rest := p[3:]
	if len(rest) >= 6 && rest[0] == '#' {
		e.SQLState = string(rest[1:6])
		rest = rest[6:]
	}
	e.Message = string(rest)
	return e, true
}

func isOK(p []byte) bool  { return len(p) >= 7 && p[0] == iOK }
func isERR(p []byte) bool { return len(p) > 0 && p[0] == iERR }

// isEOF matches the classic EOF packet. Rows may start with 0xfe too, but
// are then at least 9 bytes long.
func isEOF(p []byte) bool { return len(p) > 0 && len(p) < 9 && p[0] == iEOF }

// lenEnc reads a length-encoded integer.
func lenEnc(p []byte) (v uint64, n int, ok bool) {
	if len(p) == 0 {
		return 0, 0, false
	}
	switch p[0] {
	case 0xfc:
		if len(p) < 3 {
			return 0, 0, false
		}
		return uint64(binary.LittleEndian.Uint16(p[1:])), 3, true
	case 0xfd:
		if len(p) < 4 {
			return 0, 0, false
		}
		return uint64(p[1]) | uint64(p[2])<<8 | uint64(p[3])<<16, 4, true
	case 0xfe:
		if len(p) < 9 {
			return 0, 0, false
		}
		return binary.LittleEndian.Uint64(p[1:]), 9, true
	case 0xfb, 0xff:
		return 0, 0, false
	default:
		return uint64(p[0]), 1, true
	}
}

// okStatus returns the status flags of an OK packet, including the 0xfe
// headed OK that ends a result set when EOF is deprecated.
func okStatus(p []byte) (uint16, bool) {
	if len(p) == 0 {
		return 0, false
	}
	rest := p[1:]
	for i := 0; i < 2; i++ {
		_, n, ok := lenEnc(rest)
		if !ok {
			return 0, false
		}
		rest = rest[n:]
	}
	if len(rest) < 2 {
		return 0, false
	}
	return binary.LittleEndian.Uint16(rest), true
}

// eofStatus returns the status flags of a classic EOF packet.
func eofStatus(p []byte) (uint16, bool) {
	if len(p) < 5 {
		return 0, false
	}
	return binary.LittleEndian.Uint16(p[3:5]), true
}

// Greeting is what the proxy reads from the server's initial handshake.
type Greeting struct {
	ProtocolVersion byte
	ServerVersion   string
	ConnectionID    uint32
	Capabilities    uint32

	// Raw is a copy of the whole greeting payload.
	Raw []byte
}

func parseGreeting(p []byte) (Greeting, bool) {
	if len(p) < 1 || p[0] != protocolV10 {
		return Greeting{}, false
	}
	g := Greeting{ProtocolVersion: p[0]}
	rest := p[1:]
	end := 0
	for end < len(rest) && rest[end] != 0 {
		end++
	}
	if end == len(rest) {
		return Greeting{}, false
	}
	g.ServerVersion = string(rest[:end])
	rest = rest[end+1:]
	// connection id, 8 bytes of auth data, filler, lower capabilities
	if len(rest) < 4+8+1+2 {
		return Greeting{}, false
	}
	g.ConnectionID = binary.LittleEndian.Uint32(rest)
	g.Capabilities = uint32(binary.LittleEndian.Uint16(rest[13:15]))
	// charset, status, upper capabilities
	if len(rest) >= 15+1+2+2 {
		g.Capabilities |= uint32(binary.LittleEndian.Uint16(rest[18:20])) << 16
	}
	return g, true
}
