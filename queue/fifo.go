package queue

import "sync"

// Fifo implements a first-in first-out (FIFO) queue.
//
// Fifo is not safe for concurrent use. Use ThreadsafeFifo when multiple
// goroutines share the queue.
type Fifo[T any] struct {
	elements []T
}

// NewFifo creates a new Fifo with the specified initial capacity and returns
// a pointer to it.
func NewFifo[T any](initialCapacity int) *Fifo[T] {
	if initialCapacity < 0 {
		initialCapacity = 1
	}

	return &Fifo[T]{
		elements: make([]T, 0, initialCapacity),
	}
}

// Enqueue adds the specified element to the queue.
func (q *Fifo[T]) Enqueue(elem T) {
	q.elements = append(q.elements, elem)
}

// Dequeue removes and returns the next element in the queue.
//
// If the queue is empty, then Dequeue returns the zero value and false.
func (q *Fifo[T]) Dequeue() (T, bool) {
	if len(q.elements) == 0 {
		var zero T
		return zero, false
	}

	elem := q.elements[0]
	q.elements = q.elements[1:]

	return elem, true
}

// Peek returns but does not remove the next element in the queue.
//
// If the queue is empty, then Peek returns the zero value and false.
func (q *Fifo[T]) Peek() (T, bool) {
	if len(q.elements) == 0 {
		var zero T
		return zero, false
	}

	return q.elements[0], true
}

// Len returns the number of elements in the queue.
func (q *Fifo[T]) Len() int {
	return len(q.elements)
}

// ThreadsafeFifo wraps a Fifo with a mutex so that it may be shared between
// goroutines.
type ThreadsafeFifo[T any] struct {
	fifo *Fifo[T]
	mu   sync.Mutex
}

// NewThreadsafeFifo creates a new ThreadsafeFifo with the specified initial
// capacity and returns a pointer to it.
func NewThreadsafeFifo[T any](initialCapacity int) *ThreadsafeFifo[T] {
	return &ThreadsafeFifo[T]{
		fifo: NewFifo[T](initialCapacity),
	}
}

// Enqueue adds the specified element to the queue.
func (q *ThreadsafeFifo[T]) Enqueue(elem T) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.fifo.Enqueue(elem)
}

// Dequeue removes and returns the next element in the queue.
//
// If the queue is empty, then Dequeue returns the zero value and false.
func (q *ThreadsafeFifo[T]) Dequeue() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.fifo.Dequeue()
}

// Peek returns but does not remove the next element in the queue.
//
// If the queue is empty, then Peek returns the zero value and false.
func (q *ThreadsafeFifo[T]) Peek() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.fifo.Peek()
}

// Len returns the number of elements in the queue.
func (q *ThreadsafeFifo[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.fifo.Len()
}
