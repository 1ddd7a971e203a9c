package framing

import (
	"encoding/binary"

	"github.com/portmux/portmux/lib/bufpool"
)

// Cursor is the cumulation buffer: bytes received on a connection and not
// yet consumed by a decoder. It is confined to the connection loop.
//
// Slices returned by Peek and Next alias the internal buffer and stay valid
// only until the next Append or Compact; decoders that keep bytes past the
// current call copy them into a bufpool.Buf.
type Cursor struct {
	buf []byte
	off int
}

// NewCursor returns a cursor over a copy of p.
func NewCursor(p []byte) *Cursor {
	c := &Cursor{}
	c.Append(p)
	return c
}

// Len returns the number of unread bytes.
func (c *Cursor) Len() int { return len(c.buf) - c.off }

// Peek returns every unread byte without consuming any.
func (c *Cursor) Peek() []byte { return c.buf[c.off:] }

// PeekN returns the first n unread bytes, or nil if fewer are available.
func (c *Cursor) PeekN(n int) []byte {
	if c.Len() < n {
		return nil
	}
	return c.buf[c.off : c.off+n]
}

// Next consumes and returns n bytes. It panics if fewer are available;
// decoders check Len first.
func (c *Cursor) Next(n int) []byte {
	if n > c.Len() {
		panic("framing: cursor underflow")
	}
	p := c.buf[c.off : c.off+n]
	c.off += n
	return p
}

// Skip consumes n bytes.
func (c *Cursor) Skip(n int) { c.Next(n) }

// NextBuf consumes n bytes into a pooled buffer owned by the caller.
func (c *Cursor) NextBuf(n int) *bufpool.Buf {
	return bufpool.Copy(c.Next(n))
}

// Uint8At, Uint16At and Uint32At read big-endian integers at offset off
// from the read position without consuming.
func (c *Cursor) Uint8At(off int) uint8 { return c.buf[c.off+off] }

func (c *Cursor) Uint16At(off int) uint16 {
	return binary.BigEndian.Uint16(c.buf[c.off+off:])
}

func (c *Cursor) Uint32At(off int) uint32 {
	return binary.BigEndian.Uint32(c.buf[c.off+off:])
}

// Append adds newly received bytes.
func (c *Cursor) Append(p []byte) {
	if c.off > 0 && c.off == len(c.buf) {
		c.buf = c.buf[:0]
		c.off = 0
	}
	c.buf = append(c.buf, p...)
}

// Compact drops consumed bytes so the buffer does not grow without bound.
func (c *Cursor) Compact() {
	if c.off == 0 {
		return
	}
	n := copy(c.buf, c.buf[c.off:])
	c.buf = c.buf[:n]
	c.off = 0
}

// Reset discards everything.
func (c *Cursor) Reset() {
	c.buf = nil
	c.off = 0
}
