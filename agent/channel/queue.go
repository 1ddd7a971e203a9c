package channel

import "sync"

// taskQueue is an unbounded multi-producer, single-consumer FIFO of tasks
// for one channel loop.
type taskQueue struct {
	mu     sync.Mutex
	items  []func()
	closed bool
	signal chan struct{}
}

func newTaskQueue() *taskQueue {
	return &taskQueue{signal: make(chan struct{}, 1)}
}

func (q *taskQueue) push(task func()) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, task)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

func (q *taskQueue) take() []func() {
	q.mu.Lock()
	items := q.items
	q.items = nil
	q.mu.Unlock()
	return items
}

// close refuses further pushes and returns whatever was still queued.
func (q *taskQueue) close() []func() {
	q.mu.Lock()
	q.closed = true
	items := q.items
	q.items = nil
	q.mu.Unlock()
	return items
}
