package relay

import (
	"context"
	"sync"

	"github.com/freitascorp/browserclaw/pkg/wire"
)

// frameQueue is a bounded FIFO of outbound frames. On overflow the oldest
// non-response frame is dropped; responses survive so request/response pairs
// stay intact under pressure.
type frameQueue struct {
	mu     sync.Mutex
	items  []wire.Frame
	limit  int
	signal chan struct{}
}

func newFrameQueue(limit int) *frameQueue {
	return &frameQueue{
		limit:  limit,
		signal: make(chan struct{}, 1),
	}
}

// Push enqueues a frame. The returned frame, if non-nil, was dropped to make
// room; overflowed reports whether the queue was at capacity. When every
// queued frame is a response, an incoming non-response is the one rejected;
// only another response can displace the oldest response.
func (q *frameQueue) Push(f wire.Frame) (dropped *wire.Frame, overflowed bool) {
	q.mu.Lock()
	if len(q.items) >= q.limit {
		overflowed = true
		idx := -1
		for i := range q.items {
			if !q.items[i].IsResponse() {
				idx = i
				break
			}
		}
		if idx == -1 {
			if !f.IsResponse() {
				q.mu.Unlock()
				return &f, true
			}
			idx = 0
		}
		d := q.items[idx]
		dropped = &d
		q.items = append(q.items[:idx], q.items[idx+1:]...)
	}
	q.items = append(q.items, f)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return dropped, overflowed
}

// PushFront returns a frame to the head of the queue so it replays before
// anything enqueued behind it. Used to requeue the in-flight frame after a
// write failure; it may exceed the limit by one until the next Pop, and the
// stale-drop on the write path keeps the queue from aging without bound.
func (q *frameQueue) PushFront(f wire.Frame) {
	q.mu.Lock()
	q.items = append([]wire.Frame{f}, q.items...)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Pop dequeues the next frame, blocking until one is available, ctx is done,
// or closed is closed.
func (q *frameQueue) Pop(ctx context.Context, closed <-chan struct{}) (wire.Frame, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			f := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return f, true
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return wire.Frame{}, false
		case <-closed:
			return wire.Frame{}, false
		case <-q.signal:
		}
	}
}

// DrainAll removes and returns every queued frame in order.
func (q *frameQueue) DrainAll() []wire.Frame {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	return out
}

// Len returns the current queue depth.
func (q *frameQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
