// Package queue provides the locked FIFO used to hand transfers between the
// foreground and the background event loop.
package queue

import (
	"sync"
	"sync/atomic"
)

// HandoffQueue is a mutex protected FIFO. Ownership of an item moves to the
// queue on Push and to the caller on Pop.
type HandoffQueue[T any] struct {
	mu    sync.Mutex
	items []T
	head  int
	size  atomic.Int64
}

// New creates an empty queue
func New[T any]() *HandoffQueue[T] {
	return &HandoffQueue[T]{}
}

// Push appends an item to the back of the queue
func (q *HandoffQueue[T]) Push(item T) {
	q.mu.Lock()
	q.items = append(q.items, item)
	q.size.Add(1)
	q.mu.Unlock()
}

// Pop removes the front item. It returns false when the queue is empty,
// which can happen when Empty raced with another consumer.
func (q *HandoffQueue[T]) Pop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var zero T
	if q.head == len(q.items) {
		return zero, false
	}

	item := q.items[q.head]
	q.items[q.head] = zero
	q.head++
	q.size.Add(-1)

	// Compact once the consumed prefix dominates the backing array
	if q.head == len(q.items) {
		q.items = q.items[:0]
		q.head = 0
	} else if q.head > 64 && q.head*2 > len(q.items) {
		n := copy(q.items, q.items[q.head:])
		clear(q.items[n:])
		q.items = q.items[:n]
		q.head = 0
	}

	return item, true
}

// Empty reports whether the queue looked empty. It does not take the lock,
// so it is only a hint for deciding whether to signal the other side.
func (q *HandoffQueue[T]) Empty() bool {
	return q.size.Load() == 0
}

// Len returns the number of queued items at the time of the call
func (q *HandoffQueue[T]) Len() int {
	return int(q.size.Load())
}
