package rpc

import (
	"context"
	"io"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/armon/go-metrics"
)

// DefaultSpinIterations is how long Await polls before parking.
const DefaultSpinIterations = 512

type callState uint32

const (
	statePending callState = iota
	// stateCompleting is held by the goroutine that won the transition while
	// it writes the outcome. Readers never observe the outcome in this state.
	stateCompleting
	stateSucceeded
	stateFailed
	stateTimedOut
)

func (s callState) String() string {
	switch s {
	case statePending:
		return "pending"
	case stateCompleting:
		return "completing"
	case stateSucceeded:
		return "succeeded"
	case stateFailed:
		return "failed"
	case stateTimedOut:
		return "timed out"
	default:
		return "unknown"
	}
}

// Call is the client side context of one outstanding request.
//
// Exactly one of complete, fail and expire wins the transition out of
// pending; it writes the outcome and then publishes the final state with an
// atomic store. sync/atomic operations are sequentially consistent, so a
// reader that loads a final state also observes the outcome written before
// it. done is closed after the store for parked waiters.
type Call struct {
	Service string
	Method  string

	// id is assigned on the connection loop.
	id       uint32
	timeout  time.Duration
	issuedAt time.Time

	state atomic.Uint32
	resp  *Response
	err   error
	done  chan struct{}

	parked atomic.Bool

	// abandon removes the call from its connection after the caller gave
	// up on it. Responses arriving later are dropped.
	abandon func()

	// stream is non-nil for streaming calls.
	stream *chunkQueue
}

func newCall(service, method string, timeout time.Duration, streaming bool) *Call {
	c := &Call{
		Service:  service,
		Method:   method,
		timeout:  timeout,
		issuedAt: time.Now(),
		done:     make(chan struct{}),
	}
	if streaming {
		c.stream = newChunkQueue()
	}
	return c
}

func (c *Call) load() callState { return callState(c.state.Load()) }

func (c *Call) finished() bool { return c.load() >= stateSucceeded }

func (c *Call) transition(final callState, resp *Response, err error) bool {
	if !c.state.CompareAndSwap(uint32(statePending), uint32(stateCompleting)) {
		return false
	}
	c.resp = resp
	c.err = err
	c.state.Store(uint32(final))
	close(c.done)
	if c.stream != nil {
		c.stream.wake()
	}
	return true
}

// complete delivers the final response. It reports false if the call has
// already finished, in which case the caller still owns resp.
func (c *Call) complete(resp *Response) bool {
	return c.transition(stateSucceeded, resp, nil)
}

func (c *Call) fail(err error) bool {
	return c.transition(stateFailed, nil, err)
}

func (c *Call) expire() bool {
	return c.transition(stateTimedOut, nil, ErrTimeout)
}

// Done is closed once the call has finished.
func (c *Call) Done() <-chan struct{} { return c.done }

// Parked reports whether Await had to block after spinning.
func (c *Call) Parked() bool { return c.parked.Load() }

// Await waits for the call to finish. It polls the state for up to spins
// iterations, yielding the processor every 64, and then parks until the
// call finishes. ctx or the call's timeout, counted from when the call was
// issued, end the park early. A call that
// outlives its timeout is marked timed out and ErrTimeout is returned.
func (c *Call) Await(ctx context.Context, spins int) error {
	for i := 0; i < spins; i++ {
		if c.finished() {
			metrics.IncrCounter([]string{"rpc", "client", "wait", "spin"}, 1)
			return c.err
		}
		if i&63 == 63 {
			runtime.Gosched()
		}
	}
	if c.finished() {
		metrics.IncrCounter([]string{"rpc", "client", "wait", "spin"}, 1)
		return c.err
	}

	c.parked.Store(true)
	metrics.IncrCounter([]string{"rpc", "client", "wait", "park"}, 1)

	var expired <-chan time.Time
	if c.timeout > 0 {
		t := time.NewTimer(max(c.timeout-time.Since(c.issuedAt), 0))
		defer t.Stop()
		expired = t.C
	}
	select {
	case <-c.done:
	case <-expired:
		if c.expire() {
			c.abandoned()
		}
	case <-ctx.Done():
		if c.fail(ctx.Err()) {
			c.abandoned()
		}
	}
	// Another goroutine may have won the race and still be publishing.
	<-c.done
	return c.err
}

func (c *Call) abandoned() {
	if c.abandon != nil {
		c.abandon()
	}
}

// Err returns the failure of a finished call.
func (c *Call) Err() error {
	if !c.finished() {
		return nil
	}
	return c.err
}

// Result decodes the final response into out and releases it. out may be a
// *RawPayload to receive the payload bytes unchanged.
func (c *Call) Result(out any) error {
	if !c.finished() {
		return errCallPending
	}
	if c.err != nil {
		return c.err
	}
	resp := c.resp
	c.resp = nil
	if resp == nil {
		return nil
	}
	defer resp.Release()
	return decodeResponse(resp, out)
}

func decodeResponse(resp *Response, out any) error {
	if resp.Status != StatusOK {
		return &StatusError{Status: resp.Status, Message: resp.Message}
	}
	if out == nil || resp.Payload.Len() == 0 {
		return nil
	}
	if raw, ok := out.(*RawPayload); ok {
		*raw = append((*raw)[:0], resp.Payload.Bytes()...)
		return nil
	}
	return Decode(resp.Payload.Bytes(), out)
}

// Chunk is one partial value of a streaming call.
type Chunk struct {
	ID      uint16
	Encoded bool
	Payload []byte
}

// Decode decodes the chunk into out.
func (c Chunk) Decode(out any) error {
	if raw, ok := out.(*RawPayload); ok {
		*raw = append((*raw)[:0], c.Payload...)
		return nil
	}
	return Decode(c.Payload, out)
}

// chunkQueue is an unbounded queue filled on the connection loop and
// drained by the caller.
type chunkQueue struct {
	mu       sync.Mutex
	chunks   []Chunk
	signal   chan struct{}
	activity atomic.Int64
}

func newChunkQueue() *chunkQueue {
	q := &chunkQueue{signal: make(chan struct{}, 1)}
	q.activity.Store(time.Now().UnixNano())
	return q
}

func (q *chunkQueue) push(c Chunk) {
	q.mu.Lock()
	q.chunks = append(q.chunks, c)
	q.mu.Unlock()
	q.activity.Store(time.Now().UnixNano())
	q.wake()
}

func (q *chunkQueue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *chunkQueue) pop() (Chunk, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.chunks) == 0 {
		return Chunk{}, false
	}
	c := q.chunks[0]
	q.chunks[0] = Chunk{}
	q.chunks = q.chunks[1:]
	return c, true
}

func (q *chunkQueue) idle() time.Duration {
	return time.Since(time.Unix(0, q.activity.Load()))
}

// Stream receives the chunks of a streaming call. The call's timeout bounds
// the gap between consecutive frames rather than the whole stream.
type Stream struct {
	call *Call
}

// Recv returns the next chunk. After the final response it returns io.EOF,
// and Result reports the final value.
func (s *Stream) Recv(ctx context.Context) (Chunk, error) {
	q := s.call.stream
	for {
		if c, ok := q.pop(); ok {
			return c, nil
		}
		if s.call.finished() {
			// chunks queued before the final frame have all been drained
			if c, ok := q.pop(); ok {
				return c, nil
			}
			if err := s.call.err; err != nil {
				return Chunk{}, err
			}
			return Chunk{}, io.EOF
		}

		var t *time.Timer
		var expired <-chan time.Time
		if timeout := s.call.timeout; timeout > 0 {
			wait := timeout - q.idle()
			if wait <= 0 {
				if s.call.expire() {
					s.call.abandoned()
				}
				continue
			}
			t = time.NewTimer(wait)
			expired = t.C
		}
		select {
		case <-q.signal:
		case <-expired:
		case <-ctx.Done():
			if s.call.fail(ctx.Err()) {
				s.call.abandoned()
			}
		}
		if t != nil {
			t.Stop()
		}
	}
}

// Result decodes the final value once Recv has returned io.EOF.
func (s *Stream) Result(out any) error {
	return s.call.Result(out)
}

// Close abandons the stream. Chunks still in flight are dropped.
func (s *Stream) Close() {
	if s.call.fail(ErrStreamClosed) {
		s.call.abandoned()
	}
	if resp := s.call.resp; resp != nil && s.call.load() == stateSucceeded {
		s.call.resp = nil
		resp.Release()
	}
}
