package agent

import "sync"

type msgKind int

const (
	msgSubmit msgKind = iota
	msgCancel
	msgUnpauseWrite
	msgUnpauseRead
	msgClose
)

type message struct {
	kind       msgKind
	token      uint64
	submission Submission
}

// queue is the agent's multi-producer, single-consumer inbox. Producers
// append under the lock; the worker swaps the whole slice out.
type queue struct {
	mu     sync.Mutex
	items  []message
	spare  []message
	closed bool
}

// push appends m and reports false once the queue is closed.
func (q *queue) push(m message) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.items = append(q.items, m)
	return true
}

// drain returns everything queued so far. The slice is only valid until
// the next drain.
func (q *queue) drain() []message {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := q.items
	clear(q.spare)
	q.items = q.spare[:0]
	q.spare = out
	return out
}

// close stops further pushes and returns what was still queued.
func (q *queue) close() []message {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	out := q.items
	q.items = nil
	q.spare = nil
	return out
}

func (q *queue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}
