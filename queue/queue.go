// Package queue provides a bounded FIFO of decoded buffers that decouples
// the engine's producer thread from the application's consumer thread.
//
// Two overflow policies are available: blocking, where Put waits for a
// consumer once the queue is at capacity, and leaky, where the oldest
// buffer is discarded to admit the new one.
package queue

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/dudk/flume"
)

// Queue is a fixed-capacity FIFO of buffers, safe for concurrent use.
type Queue struct {
	items chan *flume.Buffer
	done  chan struct{}
	leaky bool

	mu        sync.Mutex // guards leaky eviction+insert
	closeOnce sync.Once
	dropped   uint64
}

// New returns a queue with the given capacity. Capacity must be positive.
func New(capacity int, leaky bool) *Queue {
	if capacity <= 0 {
		panic("queue: capacity must be positive")
	}
	return &Queue{
		items: make(chan *flume.Buffer, capacity),
		done:  make(chan struct{}),
		leaky: leaky,
	}
}

// Put inserts a buffer. With the blocking policy it waits until space
// frees or the queue is closed. With the leaky policy it never blocks:
// at capacity the oldest buffer is evicted and counted as dropped.
func (q *Queue) Put(b *flume.Buffer) {
	if !q.leaky {
		select {
		case q.items <- b:
		case <-q.done:
		}
		return
	}

	// Eviction and insert run under the mutex so that concurrent Put
	// calls cannot interleave and survivors keep FIFO order.
	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		select {
		case q.items <- b:
			return
		default:
		}
		select {
		case <-q.items:
			atomic.AddUint64(&q.dropped, 1)
		default:
			// a consumer freed space between the two selects
		}
	}
}

// Get removes and returns the oldest buffer, waiting up to timeout.
// It returns false on timeout or once the queue is closed and drained.
// Buffers queued before Close remain available.
func (q *Queue) Get(timeout time.Duration) (*flume.Buffer, bool) {
	select {
	case b := <-q.items:
		return b, true
	default:
	}
	select {
	case <-q.done:
		// drain leftovers without waiting
		select {
		case b := <-q.items:
			return b, true
		default:
			return nil, false
		}
	default:
	}

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case b := <-q.items:
		return b, true
	case <-q.done:
		select {
		case b := <-q.items:
			return b, true
		default:
			return nil, false
		}
	case <-t.C:
		return nil, false
	}
}

// Len returns the number of queued buffers.
func (q *Queue) Len() int {
	return len(q.items)
}

// Dropped returns the total number of buffers evicted by the leaky
// policy. The counter is monotonic and never resets.
func (q *Queue) Dropped() uint64 {
	return atomic.LoadUint64(&q.dropped)
}

// Leaky reports whether the queue drops oldest buffers on overflow.
func (q *Queue) Leaky() bool {
	return q.leaky
}

// Close unblocks pending producers and consumers. Queued buffers can
// still be drained with Get. Close is idempotent.
func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		close(q.done)
	})
}
