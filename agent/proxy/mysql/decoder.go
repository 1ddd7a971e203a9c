package mysql

import (
	"github.com/portmux/portmux/agent/framing"
)

// packetDecoder frames packets during the connection phase, on both sides.
type packetDecoder struct {
	maxSize int
}

func (d *packetDecoder) Decode(in *framing.Cursor) (any, error) {
	pkt, err := readPacket(in, d.maxSize)
	if pkt == nil {
		return nil, err
	}
	return pkt, nil
}

// commandDecoder frames client packets once authenticated. A packet with
// sequence id 0 opens a new command.
type commandDecoder struct {
	maxSize int
}

func (d *commandDecoder) Decode(in *framing.Cursor) (any, error) {
	pkt, err := readPacket(in, d.maxSize)
	if pkt == nil {
		return nil, err
	}
	if pkt.Seq == 0 && pkt.firstLen > 0 {
		pkt.Command = pkt.Payload()[0]
		pkt.HasCommand = true
	}
	return pkt, nil
}

// rawDecoder passes bytes through unframed, once the connection has been
// upgraded to TLS.
var rawDecoder = framing.DecoderFunc(func(in *framing.Cursor) (any, error) {
	return &framing.Frame{Buf: in.NextBuf(in.Len())}, nil
})

type resultState uint8

const (
	stateIdle resultState = iota
	stateFirst
	stateLocalInFile
	stateColumns
	stateColumnsEOF
	stateRows
	statePrepareParams
	statePrepareParamsEOF
	statePrepareColumns
	statePrepareColumnsEOF
	stateFieldList
	stateStream
)

var stateNames = [...]string{
	stateIdle:              "idle",
	stateFirst:             "awaiting-first",
	stateLocalInFile:       "local-infile",
	stateColumns:           "column-definitions",
	stateColumnsEOF:        "column-definitions-eof",
	stateRows:              "rows",
	statePrepareParams:     "prepare-params",
	statePrepareParamsEOF:  "prepare-params-eof",
	statePrepareColumns:    "prepare-columns",
	statePrepareColumnsEOF: "prepare-columns-eof",
	stateFieldList:         "field-list",
	stateStream:            "stream",
}

func (s resultState) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// expectsResponse reports whether the server answers cmd.
func expectsResponse(cmd byte) bool {
	switch cmd {
	case comQuit, comStmtSendLongData, comStmtClose:
		return false
	}
	return true
}

// resultDecoder frames server packets once authenticated and follows the
// response to each command so it can mark the packet that completes it.
// Begin must be called, on the backend loop, before the command is written.
type resultDecoder struct {
	maxSize      int
	deprecateEOF bool

	queue     []byte
	cmd       byte
	state     resultState
	remaining uint64
	columns   uint64
}

func newResultDecoder(maxSize int, deprecateEOF bool) *resultDecoder {
	return &resultDecoder{maxSize: maxSize, deprecateEOF: deprecateEOF}
}

// Begin records that cmd was sent. Commands are answered in order.
func (d *resultDecoder) Begin(cmd byte) {
	if !expectsResponse(cmd) {
		return
	}
	if d.state != stateIdle {
		d.queue = append(d.queue, cmd)
		return
	}
	d.start(cmd)
}

func (d *resultDecoder) start(cmd byte) {
	d.cmd = cmd
	d.state = stateFirst
	if cmd == comBinlogDump || cmd == comBinlogDumpGTID {
		d.state = stateStream
	}
}

// State is the position within the current response.
func (d *resultDecoder) State() resultState { return d.state }

func (d *resultDecoder) Decode(in *framing.Cursor) (any, error) {
	pkt, err := readPacket(in, d.maxSize)
	if pkt == nil {
		return nil, err
	}
	d.advance(pkt)
	return pkt, nil
}

func (d *resultDecoder) finish(pkt *Packet) {
	pkt.Last = true
	pkt.Command = d.cmd
	pkt.HasCommand = true
	d.state = stateIdle
	if len(d.queue) > 0 {
		next := d.queue[0]
		d.queue = d.queue[1:]
		d.start(next)
	}
}

// finishOrContinue ends the command unless status announces more results.
func (d *resultDecoder) finishOrContinue(pkt *Packet, status uint16) {
	if status&serverMoreResultsExists != 0 {
		d.state = stateFirst
		return
	}
	d.finish(pkt)
}

// terminator reports whether p ends a row or definition list.
func (d *resultDecoder) terminator(p []byte) (status uint16, ok bool) {
	if d.deprecateEOF {
		if len(p) == 0 || p[0] != iEOF || len(p) >= maxPayloadLen {
			return 0, false
		}
		if st, ok := okStatus(p); ok {
			return st, true
		}
		return eofStatus(p)
	}
	if !isEOF(p) {
		return 0, false
	}
	st, _ := eofStatus(p)
	return st, true
}

func (d *resultDecoder) advance(pkt *Packet) {
	p := pkt.Payload()
	if d.state != stateIdle && d.state != stateFirst && isERR(p) {
		d.finish(pkt)
		return
	}

	switch d.state {
	case stateIdle:
		// unsolicited, e.g. an ERR before the server hangs up

	case stateFirst:
		d.first(pkt, p)

	case stateLocalInFile:
		if isOK(p) {
			st, _ := okStatus(p)
			d.finishOrContinue(pkt, st)
			return
		}
		d.finish(pkt)

	case stateColumns:
		d.remaining--
		if d.remaining == 0 {
			if d.deprecateEOF {
				d.state = stateRows
			} else {
				d.state = stateColumnsEOF
			}
		}

	case stateColumnsEOF:
		d.state = stateRows

	case stateRows:
		if st, ok := d.terminator(p); ok {
			d.finishOrContinue(pkt, st)
		}

	case statePrepareParams:
		d.remaining--
		if d.remaining == 0 {
			if d.deprecateEOF {
				d.prepareColumns(pkt)
			} else {
				d.state = statePrepareParamsEOF
			}
		}

	case statePrepareParamsEOF:
		d.prepareColumns(pkt)

	case statePrepareColumns:
		d.remaining--
		if d.remaining == 0 {
			if d.deprecateEOF {
				d.finish(pkt)
			} else {
				d.state = statePrepareColumnsEOF
			}
		}

	case statePrepareColumnsEOF:
		d.finish(pkt)

	case stateFieldList:
		if _, ok := d.terminator(p); ok {
			d.finish(pkt)
		}

	case stateStream:
		if isEOF(p) {
			d.finish(pkt)
		}
	}
}

// first handles the first packet of a response.
func (d *resultDecoder) first(pkt *Packet, p []byte) {
	if isERR(p) {
		d.finish(pkt)
		return
	}
	switch d.cmd {
	case comQuery, comStmtExecute:
		switch {
		case isOK(p):
			st, _ := okStatus(p)
			d.finishOrContinue(pkt, st)
		case len(p) > 0 && p[0] == iLocalInFile && d.cmd == comQuery:
			d.state = stateLocalInFile
		default:
			n, _, ok := lenEnc(p)
			if !ok || n == 0 {
				d.finish(pkt)
				return
			}
			d.state = stateColumns
			d.remaining = n
		}

	case comStmtPrepare:
		if !isOK(p) || len(p) < 9 {
			d.finish(pkt)
			return
		}
		d.columns = uint64(p[5]) | uint64(p[6])<<8
		params := uint64(p[7]) | uint64(p[8])<<8
		if params > 0 {
			d.state = statePrepareParams
			d.remaining = params
			return
		}
		d.prepareColumns(pkt)

	case comFieldList:
		d.state = stateFieldList
		if _, ok := d.terminator(p); ok {
			d.finish(pkt)
		}

	case comStmtFetch:
		d.state = stateRows
		if st, ok := d.terminator(p); ok {
			d.finishOrContinue(pkt, st)
		}

	case comChangeUser:
		// an auth switch or more auth data keeps the exchange going
		if len(p) > 0 && (p[0] == iEOF || p[0] == iAuthMore) {
			return
		}
		d.finish(pkt)

	default:
		d.finish(pkt)
	}
}

func (d *resultDecoder) prepareColumns(pkt *Packet) {
	if d.columns == 0 {
		d.finish(pkt)
		return
	}
	d.state = statePrepareColumns
	d.remaining = d.columns
}
