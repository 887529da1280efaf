// Package queue implements the replication queue: the single hand-off point
// between request threads that capture changes and the background worker that
// ships them. Producers only ever push; the worker only ever drains. No caller
// is handed a live reference into the backing slice.
package queue

import (
	"sync"
	"time"

	"github.com/driftsync/driftsync/internal/change"
)

type Queue struct {
	mu     sync.Mutex
	items  []*change.Record
	notify chan struct{}
	closed bool
}

func New() *Queue {
	return &Queue{
		notify: make(chan struct{}, 1),
	}
}

// Push appends one record. Safe for concurrent use from any number of
// producers; never blocks beyond the internal lock.
func (q *Queue) Push(rec *change.Record) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, rec)
	q.mu.Unlock()

	q.signal()
}

// Requeue puts records back at the head of the queue, preserving their order
// ahead of anything pushed since. Used by the worker after a failed send.
func (q *Queue) Requeue(recs []*change.Record) {
	if len(recs) == 0 {
		return
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(append(make([]*change.Record, 0, len(recs)+len(q.items)), recs...), q.items...)
	q.mu.Unlock()

	q.signal()
}

// Drain waits up to window for at least one record, then removes and returns
// up to max records. Returns nil on timeout or once the queue is closed and
// empty. Single-consumer: only the replication worker calls Drain.
func (q *Queue) Drain(max int, window time.Duration) []*change.Record {
	deadline := time.NewTimer(window)
	defer deadline.Stop()

	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			n := len(q.items)
			if n > max {
				n = max
			}
			out := make([]*change.Record, n)
			copy(out, q.items[:n])
			q.items = q.items[n:]
			q.mu.Unlock()
			return out
		}
		closed := q.closed
		q.mu.Unlock()

		if closed {
			return nil
		}

		select {
		case <-q.notify:
		case <-deadline.C:
			return nil
		}
	}
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close wakes any waiting consumer. Records still queued are intentionally
// discarded with the process; the next catch-up cycle repairs the gap.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	q.signal()
}

func (q *Queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
