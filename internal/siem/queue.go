package siem

import (
	"sync"

	"github.com/authgateway/gateway/internal/audit"
)

// boundedQueue is a FIFO of audit records with a fixed capacity. When full,
// it evicts the oldest queued record to admit the newest one, counting the
// eviction for observability. The audit record itself is never lost, only
// its SIEM shipment is abandoned, since internal/audit.Store already
// persisted it durably.
type boundedQueue struct {
	mu       sync.Mutex
	items    []audit.Record
	capacity int
	evicted  int64
}

func newBoundedQueue(capacity int) *boundedQueue {
	return &boundedQueue{capacity: capacity}
}

func (q *boundedQueue) push(record audit.Record) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.capacity {
		q.items = q.items[1:]
		q.evicted++
	}
	q.items = append(q.items, record)
}

// drain removes and returns up to n queued records in FIFO order.
func (q *boundedQueue) drain(n int) []audit.Record {
	q.mu.Lock()
	defer q.mu.Unlock()
	if n > len(q.items) {
		n = len(q.items)
	}
	out := make([]audit.Record, n)
	copy(out, q.items[:n])
	q.items = q.items[n:]
	return out
}

func (q *boundedQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *boundedQueue) evictedCount() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.evicted
}
