package gohsm

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// messageHeap is a container/heap.Interface ordering messages by
// (scheduledAt, seq), grounded on the timerHeap pattern used for the
// scheduled-delivery wake loop in the retrieval pack's event-loop
// reference implementation — the pack carries no third-party
// priority-queue dependency for this, so the standard library is the
// idiomatic choice here too.
type messageHeap []*Message

func (h messageHeap) Len() int { return len(h) }

func (h messageHeap) Less(i, j int) bool {
	if h[i].scheduledAt.Equal(h[j].scheduledAt) {
		return h[i].seq < h[j].seq
	}
	return h[i].scheduledAt.Before(h[j].scheduledAt)
}

func (h messageHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *messageHeap) Push(x any) { *h = append(*h, x.(*Message)) }

func (h *messageHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// messageQueue is the single-consumer main queue: a FIFO ordered by
// (scheduledAt, seq). Any number of producer goroutines may push; only the
// worker goroutine dequeues.
type messageQueue struct {
	mu       sync.Mutex
	h        messageHeap
	wake     chan struct{}
	closed   bool
	nextSeq  uint64
	frontSeq uint64 // separate, decreasing counter for sendAtFront batches
	clock    func() time.Time
}

func newMessageQueue(clock func() time.Time) *messageQueue {
	if clock == nil {
		clock = time.Now
	}
	return &messageQueue{wake: make(chan struct{}, 1), clock: clock}
}

func (q *messageQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// nextSequence returns the next arrival sequence number for a normally-sent
// message (send/sendDelayed).
func (q *messageQueue) nextSequence() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.nextSeq++
	return q.nextSeq
}

// push enqueues m honoring its scheduledAt. Silently dropped once the queue
// has been closed (send-after-quit-marker-consumed semantics).
func (q *messageQueue) push(m *Message) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	heap.Push(&q.h, m)
	q.mu.Unlock()
	q.signal()
}

// pushFrontBatch enqueues msgs ahead of every currently-queued message
// other than QuitNow's marker, preserving the relative order of msgs
// themselves. Used to flush the deferred queue back to the main queue's
// head after a transition completes.
func (q *messageQueue) pushFrontBatch(msgs []*Message) {
	if len(msgs) == 0 {
		return
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	// Each batch takes a block of sequence numbers below the previous
	// batch's, so it sorts ahead of earlier front-pushed messages still
	// queued; QuitNow's marker keeps seq 0 and stays first.
	if q.frontSeq == 0 {
		q.frontSeq = 1 << 63
	}
	q.frontSeq -= uint64(len(msgs))
	for i, m := range msgs {
		m.scheduledAt = time.Time{} // zero time sorts before any real send time
		m.seq = q.frontSeq + uint64(i)
		heap.Push(&q.h, m)
	}
	q.mu.Unlock()
	q.signal()
}

// clearAndPushFront discards all pending messages and enqueues m as the
// sole (and therefore next) entry. Used by QuitNow.
func (q *messageQueue) clearAndPushFront(m *Message) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.h = q.h[:0]
	m.scheduledAt = time.Time{}
	m.seq = 0
	heap.Push(&q.h, m)
	q.mu.Unlock()
	q.signal()
}

// close marks the queue closed; further push/pushFrontBatch calls are
// silently dropped. Called once the quit marker has been dequeued, and by
// the halting path (finishHalting).
func (q *messageQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
}

// dequeue blocks until the head message is due (scheduledAt <= now) or ctx
// is done, in which case it returns (nil, false). This is the only
// suspension point in the dispatch loop.
func (q *messageQueue) dequeue(ctx context.Context) (*Message, bool) {
	for {
		q.mu.Lock()
		if len(q.h) == 0 {
			q.mu.Unlock()
			select {
			case <-q.wake:
				continue
			case <-ctx.Done():
				return nil, false
			}
		}
		head := q.h[0]
		now := q.clock()
		if !head.scheduledAt.After(now) {
			heap.Pop(&q.h)
			q.mu.Unlock()
			return head, true
		}
		wait := head.scheduledAt.Sub(now)
		q.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-q.wake:
			timer.Stop()
		case <-ctx.Done():
			timer.Stop()
			return nil, false
		}
	}
}

// tryDequeue is the non-blocking variant used by WorkerLoop to poll several
// machines' queues from a single shared goroutine: it returns immediately
// with ok=false if nothing is due yet.
func (q *messageQueue) tryDequeue() (*Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.h) == 0 {
		return nil, false
	}
	head := q.h[0]
	if head.scheduledAt.After(q.clock()) {
		return nil, false
	}
	heap.Pop(&q.h)
	return head, true
}

// deferredQueue holds messages parked by the current state via
// DeferMessage. It is a plain FIFO: order of deferral is preserved, and the
// whole batch is drained at once on the next transition.
type deferredQueue struct {
	mu   sync.Mutex
	msgs []*Message
}

func newDeferredQueue() *deferredQueue {
	return &deferredQueue{}
}

func (d *deferredQueue) add(m *Message) {
	d.mu.Lock()
	d.msgs = append(d.msgs, m)
	d.mu.Unlock()
}

// drain returns all deferred messages in arrival order and empties the
// queue. Only the worker goroutine calls this.
func (d *deferredQueue) drain() []*Message {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.msgs) == 0 {
		return nil
	}
	out := d.msgs
	d.msgs = nil
	return out
}

// discard empties the queue without returning its contents, used when the
// machine halts before any transition flushes it.
func (d *deferredQueue) discard() {
	d.mu.Lock()
	d.msgs = nil
	d.mu.Unlock()
}
