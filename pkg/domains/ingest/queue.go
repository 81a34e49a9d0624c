package ingest

import (
	"sync"

	"github.com/wagate/pkg/dtos"
)

// BoundedQueue is the in-memory handoff from producers to the worker pool.
// Enqueue is best-effort; durability lives in the log, so a full queue is not
// an error for the producer path.
type BoundedQueue struct {
	mu     sync.RWMutex
	ch     chan dtos.IngestRecord
	closed bool
}

func NewBoundedQueue(capacity int) *BoundedQueue {
	return &BoundedQueue{
		ch: make(chan dtos.IngestRecord, capacity),
	}
}

// TryEnqueue never blocks; it returns false when the queue is full or closed.
func (q *BoundedQueue) TryEnqueue(record dtos.IngestRecord) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return false
	}
	select {
	case q.ch <- record:
		return true
	default:
		return false
	}
}

// C is the consumer side; items arrive in enqueue order and the channel closes
// at end-of-stream.
func (q *BoundedQueue) C() <-chan dtos.IngestRecord {
	return q.ch
}

// Depth is the number of items currently buffered.
func (q *BoundedQueue) Depth() int {
	return len(q.ch)
}

// Close drains waiting consumers with end-of-stream; later TryEnqueue fails.
func (q *BoundedQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.ch)
}
