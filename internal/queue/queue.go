// Package queue provides a bounded buffered queue for deliveries with backpressure support
package queue

import (
	"context"
	"sync"

	"github.com/watchtower-fleet/eventstream/internal/group"
	"github.com/watchtower-fleet/eventstream/internal/obs"
)

// Queue represents a bounded buffered channel for claimed deliveries.
// When the queue is full, Enqueue blocks, providing backpressure: the
// reader stops claiming faster than the workers dispatch.
type Queue struct {
	deliveries chan group.Delivery
	done       chan struct{}
	size       int
	metrics    *obs.Metrics
	once       sync.Once
}

// NewQueue creates a new Queue with the specified buffer size
// The queue will block on Enqueue when full, providing backpressure
func NewQueue(size int, metrics *obs.Metrics) *Queue {
	q := &Queue{
		deliveries: make(chan group.Delivery, size),
		done:       make(chan struct{}),
		size:       size,
		metrics:    metrics,
	}

	// Initialize queue depth metric to 0
	if metrics != nil {
		metrics.NullifyQueueDepth()
	}

	return q
}

// Enqueue adds a delivery to the queue
// This operation blocks if the queue is full (backpressure)
// Returns an error if the context is cancelled or the queue is closed
func (q *Queue) Enqueue(ctx context.Context, d group.Delivery) error {
	// The closed check runs first so an enqueue after Close always errors
	// instead of racing the buffered send.
	select {
	case <-q.done:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	select {
	case q.deliveries <- d:
		if q.metrics != nil {
			q.metrics.IncrementQueueDepth()
		}
		return nil
	case <-q.done:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dequeue removes and returns a delivery from the queue
// This operation blocks if the queue is empty
// After Close it drains the remaining buffered deliveries, then returns
// ErrQueueClosed. Returns an error if the context is cancelled.
func (q *Queue) Dequeue(ctx context.Context) (group.Delivery, error) {
	select {
	case d := <-q.deliveries:
		if q.metrics != nil {
			q.metrics.DecrementQueueDepth()
		}
		return d, nil
	case <-q.done:
		select {
		case d := <-q.deliveries:
			if q.metrics != nil {
				q.metrics.DecrementQueueDepth()
			}
			return d, nil
		default:
			return group.Delivery{}, ErrQueueClosed
		}
	case <-ctx.Done():
		return group.Delivery{}, ctx.Err()
	}
}

// Depth returns the current number of deliveries in the queue
func (q *Queue) Depth() int {
	return len(q.deliveries)
}

// Close shuts the queue down gracefully
// After closing, no more deliveries can be enqueued. The deliveries
// channel itself is never closed; concurrent enqueuers must never be able
// to hit a closed channel send.
func (q *Queue) Close() {
	q.once.Do(func() {
		close(q.done)
		// Update metrics to 0 after closing
		if q.metrics != nil {
			q.metrics.NullifyQueueDepth()
		}
	})
}

// Errors
var (
	ErrQueueClosed = &QueueError{msg: "queue is closed"}
)

// QueueError represents a queue operation error
type QueueError struct {
	msg string
}

func (e *QueueError) Error() string {
	return e.msg
}
