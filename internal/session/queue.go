package session

import (
	"sync"
)

// eventType distinguishes between event kinds.
type eventType int

const (
	// eventOpen announces a new connection.
	eventOpen eventType = iota + 1
	// eventFrame carries one inbound frame.
	eventFrame
	// eventClose reports that a connection went away.
	eventClose
)

func (t eventType) String() string {
	switch t {
	case eventOpen:
		return "open"
	case eventFrame:
		return "frame"
	case eventClose:
		return "close"
	default:
		return "unknown"
	}
}

// event is one unit of work for the actor loop.
type event struct {
	typ   eventType
	peer  *Peer
	frame []byte

	// Close status for eventClose.
	code   CloseCode
	reason string
}

// eventQueue is a thread-safe unbounded FIFO queue.
//
// Transport goroutines enqueue while the actor's Run loop dequeues. The
// signal channel lets the loop wait on it alongside ctx.Done().
type eventQueue struct {
	mu     sync.Mutex
	events []event
	closed bool
	signal chan struct{} // buffered, size 1
}

func newEventQueue() *eventQueue {
	return &eventQueue{
		events: make([]event, 0, 16),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue adds e to the back of the queue.
// Returns false if the queue is closed.
func (q *eventQueue) Enqueue(e event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	q.events = append(q.events, e)

	// Non-blocking; the buffer of 1 coalesces signals.
	select {
	case q.signal <- struct{}{}:
	default:
	}

	return true
}

// TryDequeue removes the front event without blocking.
func (q *eventQueue) TryDequeue() (event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.events) == 0 {
		return event{}, false
	}

	e := q.events[0]

	// Drop references so frames can be collected.
	q.events[0] = event{}

	if len(q.events) == 1 {
		q.events = q.events[:0]
	} else {
		q.events = q.events[1:]
	}

	return e, true
}

// Wait returns a channel that signals when events may be available. It is
// closed once the queue is closed.
func (q *eventQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the current queue length.
func (q *eventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

// Close stops further enqueues and wakes the waiter. Events already queued
// remain available to TryDequeue.
func (q *eventQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}

	q.closed = true
	close(q.signal)
}
