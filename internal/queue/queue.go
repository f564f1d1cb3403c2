// Package queue provides a bounded buffered queue for deliveries with backpressure support
package queue

import (
	"context"
	"sync"

	"github.com/tradefabric/streambus/internal/obs"
	"github.com/tradefabric/streambus/internal/types"
)

// Queue is a bounded buffer between the stream reader and the worker pool.
// When the queue is full, Enqueue blocks, pushing backpressure onto the
// reader's poll loop instead of buffering without limit.
type Queue struct {
	messages chan types.StreamMessage
	done     chan struct{}
	size     int
	metrics  *obs.Metrics
	once     sync.Once
}

// NewQueue creates a new Queue with the specified buffer size
func NewQueue(size int, metrics *obs.Metrics) *Queue {
	q := &Queue{
		messages: make(chan types.StreamMessage, size),
		done:     make(chan struct{}),
		size:     size,
		metrics:  metrics,
	}

	if metrics != nil {
		metrics.NullifyQueueDepth()
	}

	return q
}

// Enqueue adds a message to the queue, blocking while the queue is full.
// Returns an error if the context is cancelled or the queue is closed.
func (q *Queue) Enqueue(ctx context.Context, msg types.StreamMessage) error {
	select {
	case q.messages <- msg:
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

// Dequeue removes and returns a message from the queue, blocking while the
// queue is empty. Returns an error if the context is cancelled or the
// queue is closed.
func (q *Queue) Dequeue(ctx context.Context) (types.StreamMessage, error) {
	select {
	case msg, ok := <-q.messages:
		if !ok {
			return types.StreamMessage{}, ErrQueueClosed
		}
		if q.metrics != nil {
			q.metrics.DecrementQueueDepth()
		}
		return msg, nil
	case <-ctx.Done():
		return types.StreamMessage{}, ctx.Err()
	}
}

// Depth returns the current number of messages in the queue
func (q *Queue) Depth() int {
	return len(q.messages)
}

// Close closes the queue gracefully
// After closing, no more messages can be enqueued
func (q *Queue) Close() {
	q.once.Do(func() {
		close(q.done)
		close(q.messages)
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
