// Package bufpool provides pooled byte buffers with single-release
// ownership. A Buf is owned by exactly one stage at a time; whichever stage
// ends its life calls Release. Release is guarded so a second call is a
// no-op that is only counted.
package bufpool

import (
	"sync"
	"sync/atomic"
)

// size classes served from sync.Pool. Larger requests are allocated directly
// and dropped on release.
var classes = [...]int{512, 4 << 10, 64 << 10}

// Pool hands out Bufs and tracks how many are outstanding.
type Pool struct {
	pools [len(classes)]sync.Pool

	outstanding    atomic.Int64
	doubleReleases atomic.Int64
}

// Buf is a pooled byte region. B is valid until Release is called.
type Buf struct {
	B []byte

	pool     *Pool
	class    int
	released atomic.Bool
}

// Default is the process pool used by the framing and channel code.
var Default = New()

// New returns an empty pool.
func New() *Pool {
	p := &Pool{}
	for i, size := range classes {
		size := size
		p.pools[i].New = func() any {
			b := make([]byte, size)
			return &b
		}
	}
	return p
}

// Get returns a Buf with len(B) == n.
func (p *Pool) Get(n int) *Buf {
	b := &Buf{pool: p, class: -1}
	for i, size := range classes {
		if n <= size {
			raw := p.pools[i].Get().(*[]byte)
			b.B = (*raw)[:n]
			b.class = i
			break
		}
	}
	if b.class < 0 {
		b.B = make([]byte, n)
	}
	p.outstanding.Add(1)
	return b
}

// Copy returns a Buf holding a copy of src.
func (p *Pool) Copy(src []byte) *Buf {
	b := p.Get(len(src))
	copy(b.B, src)
	return b
}

// Outstanding reports the number of Bufs handed out and not yet released.
func (p *Pool) Outstanding() int64 {
	return p.outstanding.Load()
}

// DoubleReleases reports how many times Release was called on an already
// released Buf.
func (p *Pool) DoubleReleases() int64 {
	return p.doubleReleases.Load()
}

// Get returns a Buf from the default pool.
func Get(n int) *Buf { return Default.Get(n) }

// Copy copies src into a Buf from the default pool.
func Copy(src []byte) *Buf { return Default.Copy(src) }

// Bytes returns the buffer contents.
func (b *Buf) Bytes() []byte {
	if b == nil {
		return nil
	}
	return b.B
}

// Len returns the buffer length. A nil Buf has length zero.
func (b *Buf) Len() int {
	if b == nil {
		return 0
	}
	return len(b.B)
}

// Append grows the buffer by p, reallocating outside the pool if the backing
// array is too small.
func (b *Buf) Append(p ...byte) {
	b.B = append(b.B, p...)
}

// Release returns the buffer to its pool. Only the first call has an effect.
// Releasing a nil Buf is allowed.
func (b *Buf) Release() {
	if b == nil {
		return
	}
	if !b.released.CompareAndSwap(false, true) {
		b.pool.doubleReleases.Add(1)
		return
	}
	b.pool.outstanding.Add(-1)
	if b.class >= 0 && cap(b.B) == classes[b.class] {
		raw := b.B[:cap(b.B)]
		b.pool.pools[b.class].Put(&raw)
	}
	b.B = nil
}

// Released reports whether Release has been called.
func (b *Buf) Released() bool {
	return b.released.Load()
}

// ReleaseAll releases every buffer in bufs.
func ReleaseAll(bufs ...*Buf) {
	for _, b := range bufs {
		b.Release()
	}
}
