package session

import (
	"sync"
	"time"

	"github.com/polybugger/polybugger-mcp/pkg/types"
)

// defaultEventCap bounds the per-session event queue.
const defaultEventCap = 1024

// eventQueue is a bounded FIFO of event records with monotonic offsets.
// When full, the oldest record is dropped and the drop counter advances.
// Appends signal a condition so pollers can block for the first record.
type eventQueue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	records []types.EventRecord
	next    uint64
	dropped uint64
	cap     int
	closed  bool
}

func newEventQueue(capacity int) *eventQueue {
	if capacity <= 0 {
		capacity = defaultEventCap
	}
	q := &eventQueue{cap: capacity}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// append adds one record, assigning the next offset.
func (q *eventQueue) append(kind types.EventKind, payload map[string]any) types.EventRecord {
	q.mu.Lock()
	defer q.mu.Unlock()

	rec := types.EventRecord{
		Kind:      kind,
		Payload:   payload,
		Offset:    q.next,
		Timestamp: time.Now().UTC(),
	}
	q.next++
	q.records = append(q.records, rec)
	if len(q.records) > q.cap {
		drop := len(q.records) - q.cap
		q.records = q.records[drop:]
		q.dropped += uint64(drop)
	}
	q.cond.Broadcast()
	return rec
}

// lastKind returns the kind of the newest record, or empty when the
// queue holds nothing.
func (q *eventQueue) lastKind() types.EventKind {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.records) == 0 {
		return ""
	}
	return q.records[len(q.records)-1].Kind
}

// poll returns records with offset >= since, up to max. With wait > 0 it
// blocks up to that long for the first record. nextOffset is the offset
// the caller should pass on its next poll.
func (q *eventQueue) poll(since uint64, max int, wait time.Duration) (recs []types.EventRecord, nextOffset uint64, dropped uint64) {
	if max <= 0 {
		max = q.cap
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if wait > 0 && !q.hasAfterLocked(since) && !q.closed {
		deadline := time.Now().Add(wait)
		timer := time.AfterFunc(wait, func() {
			q.mu.Lock()
			q.cond.Broadcast()
			q.mu.Unlock()
		})
		defer timer.Stop()
		for !q.hasAfterLocked(since) && !q.closed && time.Now().Before(deadline) {
			q.cond.Wait()
		}
	}

	for _, rec := range q.records {
		if rec.Offset < since {
			continue
		}
		recs = append(recs, rec)
		if len(recs) >= max {
			break
		}
	}
	next := since
	if n := len(recs); n > 0 {
		next = recs[n-1].Offset + 1
	} else if q.next > since && len(q.records) > 0 && q.records[0].Offset > since {
		// Everything after since was already evicted.
		next = q.records[0].Offset
	}
	return recs, next, q.dropped
}

func (q *eventQueue) hasAfterLocked(since uint64) bool {
	return len(q.records) > 0 && q.records[len(q.records)-1].Offset >= since
}

// close wakes all blocked pollers; the queue stays readable.
func (q *eventQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
}
