// Package queue buffers raw detections between the transports that receive them and
// the workers that ingest them.
package queue

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"storewatch/internal/detection"
)

var (
	// ErrQueueFull is returned when attempting to push to a full queue.
	ErrQueueFull = errors.New("queue is full")
	// ErrQueueEmpty is returned when attempting to pop from an empty queue.
	ErrQueueEmpty = errors.New("queue is empty")
	// ErrQueueClosed is returned when attempting to use a closed queue.
	ErrQueueClosed = errors.New("queue is closed")
)

// Item is one raw detection waiting to be ingested.
type Item struct {
	Raw        detection.Raw
	Source     string
	ReceivedAt time.Time
}

// RingBuffer is a bounded FIFO of items. A full buffer rejects new items rather
// than blocking the transport.
type RingBuffer struct {
	buffer []*Item
	size   int
	head   int
	tail   int
	count  int
	closed bool
	mu     sync.Mutex
	cond   *sync.Cond

	totalPushed  atomic.Uint64
	totalPopped  atomic.Uint64
	totalDropped atomic.Uint64
}

// NewRingBuffer creates a RingBuffer with the given capacity, 10000 when size <= 0.
func NewRingBuffer(size int) *RingBuffer {
	if size <= 0 {
		size = 10000
	}

	rb := &RingBuffer{
		buffer: make([]*Item, size),
		size:   size,
	}
	rb.cond = sync.NewCond(&rb.mu)
	return rb
}

// Push appends an item, returning ErrQueueFull at capacity.
func (rb *RingBuffer) Push(item *Item) error {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.closed {
		return ErrQueueClosed
	}
	if rb.count == rb.size {
		rb.totalDropped.Add(1)
		return ErrQueueFull
	}

	rb.buffer[rb.tail] = item
	rb.tail = (rb.tail + 1) % rb.size
	rb.count++
	rb.totalPushed.Add(1)

	rb.cond.Signal()
	return nil
}

// Pop removes the oldest item, returning ErrQueueEmpty when there is none.
func (rb *RingBuffer) Pop() (*Item, error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.count == 0 {
		if rb.closed {
			return nil, ErrQueueClosed
		}
		return nil, ErrQueueEmpty
	}
	return rb.takeLocked(), nil
}

// PopBlocking waits until an item is available or the queue is closed and drained.
func (rb *RingBuffer) PopBlocking() (*Item, error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	for rb.count == 0 && !rb.closed {
		rb.cond.Wait()
	}
	if rb.count == 0 {
		return nil, ErrQueueClosed
	}
	return rb.takeLocked(), nil
}

// PopWithTimeout waits up to timeout for an item.
func (rb *RingBuffer) PopWithTimeout(timeout time.Duration) (*Item, error) {
	items, err := rb.PopBatch(1, timeout)
	if err != nil {
		return nil, err
	}
	return items[0], nil
}

// PopBatch waits up to timeout for the first item, then takes up to limit items
// without waiting further.
func (rb *RingBuffer) PopBatch(limit int, timeout time.Duration) ([]*Item, error) {
	if limit <= 0 {
		limit = 1
	}
	deadline := time.Now().Add(timeout)

	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.count == 0 && !rb.closed {
		expired := false
		timer := time.AfterFunc(timeout, func() {
			rb.mu.Lock()
			expired = true
			rb.cond.Broadcast()
			rb.mu.Unlock()
		})
		defer timer.Stop()

		for rb.count == 0 && !rb.closed && !expired && time.Now().Before(deadline) {
			rb.cond.Wait()
		}
	}

	if rb.count == 0 {
		if rb.closed {
			return nil, ErrQueueClosed
		}
		return nil, ErrQueueEmpty
	}

	n := min(limit, rb.count)
	items := make([]*Item, 0, n)
	for i := 0; i < n; i++ {
		items = append(items, rb.takeLocked())
	}
	return items, nil
}

func (rb *RingBuffer) takeLocked() *Item {
	item := rb.buffer[rb.head]
	rb.buffer[rb.head] = nil
	rb.head = (rb.head + 1) % rb.size
	rb.count--
	rb.totalPopped.Add(1)
	return item
}

// Len returns the current number of items in the queue.
func (rb *RingBuffer) Len() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.count
}

// Cap returns the capacity of the queue.
func (rb *RingBuffer) Cap() int {
	return rb.size
}

// IsFull returns true if the queue is at capacity.
func (rb *RingBuffer) IsFull() bool {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.count == rb.size
}

// Close stops accepting items and wakes up waiting consumers. Items already queued
// can still be popped.
func (rb *RingBuffer) Close() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.closed = true
	rb.cond.Broadcast()
}

// Metrics returns queue statistics.
func (rb *RingBuffer) Metrics() QueueMetrics {
	return QueueMetrics{
		Pushed:   rb.totalPushed.Load(),
		Popped:   rb.totalPopped.Load(),
		Dropped:  rb.totalDropped.Load(),
		Depth:    rb.Len(),
		Capacity: rb.size,
	}
}

// QueueMetrics holds statistics about queue operations.
type QueueMetrics struct {
	Pushed   uint64 `json:"pushed"`
	Popped   uint64 `json:"popped"`
	Dropped  uint64 `json:"dropped"`
	Depth    int    `json:"depth"`
	Capacity int    `json:"capacity"`
}
