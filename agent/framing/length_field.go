package framing

import (
	"encoding/binary"
	"fmt"

	"github.com/portmux/portmux/lib/bufpool"
)

// Frame is a whole length-delimited frame, header included.
type Frame struct {
	Buf *bufpool.Buf
}

func (f *Frame) Release() { f.Buf.Release() }

// LengthField describes a frame whose header carries an explicit length.
type LengthField struct {
	// Protocol names the protocol in errors.
	Protocol string

	// Offset of the length field from the start of the frame.
	Offset int

	// Size of the length field in bytes: 1, 2, 3 or 4.
	Size int

	// LittleEndian selects byte order of the length field.
	LittleEndian bool

	// HeaderLen is the number of bytes, starting at the frame, that are not
	// counted by the length field.
	HeaderLen int

	// Max is the largest accepted value of the length field. Zero means no
	// limit beyond what Size can express.
	Max uint32
}

func (l LengthField) read(p []byte) uint32 {
	p = p[l.Offset : l.Offset+l.Size]
	switch l.Size {
	case 1:
		return uint32(p[0])
	case 2:
		if l.LittleEndian {
			return uint32(binary.LittleEndian.Uint16(p))
		}
		return uint32(binary.BigEndian.Uint16(p))
	case 3:
		if l.LittleEndian {
			return uint32(p[0]) | uint32(p[1])<<8 | uint32(p[2])<<16
		}
		return uint32(p[2]) | uint32(p[1])<<8 | uint32(p[0])<<16
	default:
		if l.LittleEndian {
			return binary.LittleEndian.Uint32(p)
		}
		return binary.BigEndian.Uint32(p)
	}
}

// FrameLen returns the total length of the frame starting at p, or -1 if the
// header is not complete yet.
func (l LengthField) FrameLen(p []byte) (int, error) {
	if len(p) < l.HeaderLen || len(p) < l.Offset+l.Size {
		return -1, nil
	}
	n := l.read(p)
	if l.Max > 0 && n > l.Max {
		return 0, Errorf(l.Protocol, ErrFrameTooLarge, "declared %d, limit %d", n, l.Max)
	}
	return l.HeaderLen + int(n), nil
}

// Decoder returns a stateless decoder producing *Frame values. It consumes
// nothing until a whole frame is buffered.
func (l LengthField) Decoder() Decoder {
	if l.Size < 1 || l.Size > 4 {
		panic(fmt.Sprintf("framing: invalid length field size %d", l.Size))
	}
	return DecoderFunc(func(in *Cursor) (any, error) {
		n, err := l.FrameLen(in.Peek())
		if err != nil || n < 0 || in.Len() < n {
			return nil, err
		}
		return &Frame{Buf: in.NextBuf(n)}, nil
	})
}
