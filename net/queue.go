package net

import (
	"sync"

	"github.com/eapache/queue"
)

// Queue is a mutex guarded FIFO with a wake channel. Any goroutine may push; the consumer
// waits on Signal and drains.
type Queue[T any] struct {
	mu     sync.Mutex
	q      *queue.Queue
	signal chan struct{}
}

func NewQueue[T any]() *Queue[T] {
	return &Queue[T]{
		q:      queue.New(),
		signal: make(chan struct{}, 1),
	}
}

// Push appends v and wakes the consumer.
func (q *Queue[T]) Push(v T) {
	q.mu.Lock()
	q.q.Add(v)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Pop removes the oldest element.
func (q *Queue[T]) Pop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var zero T
	if q.q.Length() == 0 {
		return zero, false
	}
	return q.q.Remove().(T), true
}

// Drain moves every queued element to dst in FIFO order.
func (q *Queue[T]) Drain(dst []T) []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.q.Length() > 0 {
		dst = append(dst, q.q.Remove().(T))
	}
	return dst
}

func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.q.Length()
}

// Signal fires at least once after each Push.
func (q *Queue[T]) Signal() <-chan struct{} {
	return q.signal
}
