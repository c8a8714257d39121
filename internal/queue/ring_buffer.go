// Package queue provides a bounded, thread-safe ring buffer.
package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrQueueFull is returned when attempting to push to a full queue.
	ErrQueueFull = errors.New("queue is full")
	// ErrQueueEmpty is returned when attempting to pop from an empty queue.
	ErrQueueEmpty = errors.New("queue is empty")
	// ErrQueueClosed is returned when attempting to use a closed queue.
	ErrQueueClosed = errors.New("queue is closed")
)

// DefaultSize is used when a non-positive capacity is requested.
const DefaultSize = 10000

// RingBuffer is a thread-safe circular buffer. Pushing to a full buffer
// drops the item and counts it instead of blocking the producer.
type RingBuffer[T any] struct {
	buffer []T
	size   int
	head   int
	tail   int
	count  int
	closed bool
	mu     sync.Mutex
	cond   *sync.Cond

	// Metrics (accessed atomically)
	totalPushed  atomic.Uint64
	totalPopped  atomic.Uint64
	totalDropped atomic.Uint64
}

// NewRingBuffer creates a new RingBuffer with the specified capacity.
func NewRingBuffer[T any](size int) *RingBuffer[T] {
	if size <= 0 {
		size = DefaultSize
	}

	rb := &RingBuffer[T]{
		buffer: make([]T, size),
		size:   size,
	}
	rb.cond = sync.NewCond(&rb.mu)
	return rb
}

// Push adds an item to the queue.
// Returns ErrQueueFull if the queue is at capacity.
func (rb *RingBuffer[T]) Push(item T) error {
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

	// Signal waiting consumers
	rb.cond.Signal()
	return nil
}

// Pop removes and returns the oldest item.
// Returns ErrQueueEmpty if the queue is empty.
func (rb *RingBuffer[T]) Pop() (T, error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.count == 0 {
		var zero T
		return zero, ErrQueueEmpty
	}
	return rb.popLocked(), nil
}

// PopContext blocks until an item is available, the queue is closed and
// drained, or ctx is done.
func (rb *RingBuffer[T]) PopContext(ctx context.Context) (T, error) {
	stop := context.AfterFunc(ctx, func() {
		rb.mu.Lock()
		rb.cond.Broadcast()
		rb.mu.Unlock()
	})
	defer stop()

	rb.mu.Lock()
	defer rb.mu.Unlock()

	var zero T
	for rb.count == 0 && !rb.closed {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		rb.cond.Wait()
	}

	if rb.count == 0 {
		return zero, ErrQueueClosed
	}
	return rb.popLocked(), nil
}

// PopWithTimeout removes and returns the oldest item.
// Returns ErrQueueEmpty if no item is available within the timeout.
func (rb *RingBuffer[T]) PopWithTimeout(timeout time.Duration) (T, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	item, err := rb.PopContext(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		return item, ErrQueueEmpty
	}
	return item, err
}

func (rb *RingBuffer[T]) popLocked() T {
	var zero T
	item := rb.buffer[rb.head]
	rb.buffer[rb.head] = zero // Allow GC
	rb.head = (rb.head + 1) % rb.size
	rb.count--
	rb.totalPopped.Add(1)
	return item
}

// Len returns the current number of items in the queue.
func (rb *RingBuffer[T]) Len() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.count
}

// Cap returns the capacity of the queue.
func (rb *RingBuffer[T]) Cap() int {
	return rb.size
}

// IsFull returns true if the queue is at capacity.
func (rb *RingBuffer[T]) IsFull() bool {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.count == rb.size
}

// IsEmpty returns true if the queue is empty.
func (rb *RingBuffer[T]) IsEmpty() bool {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.count == 0
}

// Close closes the queue and wakes up any waiting consumers. Items already
// queued can still be popped.
func (rb *RingBuffer[T]) Close() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.closed = true
	rb.cond.Broadcast()
}

// Metrics returns queue statistics.
func (rb *RingBuffer[T]) Metrics() QueueMetrics {
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
