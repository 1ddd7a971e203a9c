package rpc

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/portmux/portmux/agent/channel"
	"github.com/portmux/portmux/lib/bufpool"
)

// DefaultChunkAckWindow is the number of unacknowledged chunks a stream may
// have in flight when the caller asked for acknowledgements.
const DefaultChunkAckWindow = 16

// Emitter streams chunks of a response. Send may be called from any number
// of goroutines; chunks reach the wire in the order Send returned. The final
// response is written after the method returns, so every chunk precedes it.
type Emitter struct {
	conn   *serverConn
	id     uint32
	ctx    context.Context
	ack    bool
	window uint64

	mu     sync.Mutex
	closed bool

	sent   atomic.Uint64
	ackMu  sync.Mutex
	acked  uint64
	ackSig chan struct{}
}

func newEmitter(ctx context.Context, conn *serverConn, req *Request, window int) *Emitter {
	if window <= 0 {
		window = DefaultChunkAckWindow
	}
	return &Emitter{
		conn:   conn,
		id:     req.ID,
		ctx:    ctx,
		ack:    req.Ack,
		window: uint64(window),
		ackSig: make(chan struct{}),
	}
}

// Context is the context of the call the emitter belongs to.
func (e *Emitter) Context() context.Context { return e.ctx }

// Send emits one chunk. It blocks while the connection is above its high
// watermark, and while the acknowledgement window is full.
func (e *Emitter) Send(v any) error {
	payload, encoded, err := encodeResult(v)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		payload.Release()
		return ErrStreamClosed
	}
	if err := e.conn.ch.WaitWritable(e.ctx); err != nil {
		payload.Release()
		return e.mapErr(err)
	}
	if e.ack {
		if err := e.waitWindow(); err != nil {
			payload.Release()
			return err
		}
	}

	seq := e.sent.Load()
	frame, err := e.conn.srv.codec.EncodeResponse(&Response{
		Kind:    KindChunk,
		Ack:     e.ack,
		ID:      e.id,
		Status:  StatusOK,
		Encoded: encoded,
		Payload: payload,
		ChunkID: uint16(seq),
	})
	payload.Release()
	if err != nil {
		return err
	}
	// counted before the write: the ack may arrive before send returns
	e.sent.Store(seq + 1)
	if !e.conn.send(frame) {
		e.sent.Store(seq)
		return ErrConnectionLost
	}
	return nil
}

func (e *Emitter) waitWindow() error {
	for {
		e.ackMu.Lock()
		outstanding := e.sent.Load() - e.acked
		sig := e.ackSig
		e.ackMu.Unlock()
		if outstanding < e.window {
			return nil
		}
		select {
		case <-sig:
		case <-e.ctx.Done():
			return e.ctx.Err()
		case <-e.conn.ch.CloseNotify():
			return ErrConnectionLost
		}
	}
}

// onAck records an acknowledgement for the chunk with the given wire id.
// Runs on the connection loop.
func (e *Emitter) onAck(chunkID uint16) {
	sent := e.sent.Load()
	if sent == 0 {
		return
	}
	last := sent - 1
	dist := uint64(uint16(last) - chunkID)
	if dist > last {
		return
	}
	acked := last - dist + 1

	e.ackMu.Lock()
	defer e.ackMu.Unlock()
	if acked > e.acked {
		e.acked = acked
		close(e.ackSig)
		e.ackSig = make(chan struct{})
	}
}

// finish writes the final response frame and retires the stream.
func (e *Emitter) finish(frame *bufpool.Buf) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	e.conn.finishStream(e.id, frame)
}

func (e *Emitter) mapErr(err error) error {
	if err == channel.ErrClosed {
		return ErrConnectionLost
	}
	return err
}
