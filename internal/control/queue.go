package control

import (
	"context"
	"errors"
	"sync"
)

// ErrQueueClosed is returned by Post and Next once the queue is closed
var ErrQueueClosed = errors.New("control queue closed")

// Queue is an unbounded FIFO inbox with a single consumer.
// Post never blocks, so callbacks and auxiliary goroutines cannot stall on a
// busy control loop. Next blocks until a message arrives, the queue is closed
// or ctx is done.
type Queue struct {
	mu     sync.Mutex
	items  []Message
	closed bool
	signal chan struct{} // capacity 1, set when items may be non-empty
}

// NewQueue creates an empty queue
func NewQueue() *Queue {
	return &Queue{signal: make(chan struct{}, 1)}
}

// Post appends m
func (q *Queue) Post(m Message) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	q.items = append(q.items, m)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return nil
}

// Next removes and returns the oldest message
func (q *Queue) Next(ctx context.Context) (Message, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			m := q.items[0]
			q.items[0] = Message{}
			q.items = q.items[1:]
			q.mu.Unlock()
			return m, nil
		}
		if q.closed {
			q.mu.Unlock()
			return Message{}, ErrQueueClosed
		}
		q.mu.Unlock()

		select {
		case <-q.signal:
		case <-ctx.Done():
			return Message{}, ctx.Err()
		}
	}
}

// Len returns the number of queued messages
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close rejects further posts. Messages already queued are still delivered;
// Next returns ErrQueueClosed once they are drained.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}
