package events

import "sync"

// Queue is an unbounded FIFO drained by one goroutine into an unbuffered
// channel. Producers holding their own locks can Push without ever blocking
// on a slow consumer, and the consumer sees values in push order.
type Queue[T any] struct {
	mu      sync.Mutex
	pending []T
	wake    chan struct{}
	done    chan struct{}
	out     chan T
	once    sync.Once
}

// NewQueue starts the delivery goroutine.
func NewQueue[T any]() *Queue[T] {
	q := &Queue[T]{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
		out:  make(chan T),
	}
	go q.run()
	return q
}

// Push appends v. Values pushed after Close are dropped.
func (q *Queue[T]) Push(v T) {
	select {
	case <-q.done:
		return
	default:
	}
	q.mu.Lock()
	q.pending = append(q.pending, v)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Out delivers pushed values. It is closed after Close.
func (q *Queue[T]) Out() <-chan T {
	return q.out
}

// Len returns the number of values not yet delivered.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Close stops delivery and discards anything undelivered. Safe to call more
// than once.
func (q *Queue[T]) Close() {
	q.once.Do(func() { close(q.done) })
}

func (q *Queue[T]) run() {
	defer close(q.out)
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.mu.Unlock()
			select {
			case <-q.wake:
				continue
			case <-q.done:
				return
			}
		}
		v := q.pending[0]
		var zero T
		q.pending[0] = zero
		q.pending = q.pending[1:]
		q.mu.Unlock()

		select {
		case q.out <- v:
		case <-q.done:
			return
		}
	}
}
