package database

import (
	"sync"
)

// Queue is an unbounded FIFO drained by one goroutine, so a slow consumer
// never blocks producers and never loses or reorders items. Once closed,
// items that have not been handed out are dropped.
type Queue[T any] struct {
	mu       sync.Mutex
	items    []T
	signal   chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
}

func NewQueue[T any]() *Queue[T] {
	return &Queue[T]{
		signal: make(chan struct{}, 1),
		stop:   make(chan struct{}),
	}
}

func (q *Queue[T]) Push(item T) {
	q.mu.Lock()
	q.items = append(q.items, item)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *Queue[T]) Closed() bool {
	select {
	case <-q.stop:
		return true
	default:
		return false
	}
}

func (q *Queue[T]) Close() {
	q.stopOnce.Do(func() { close(q.stop) })
}

// Run hands items to fn in push order until the queue is closed. It is
// meant to run on its own goroutine.
func (q *Queue[T]) Run(fn func(T)) {
	for {
		select {
		case <-q.stop:
			return
		case <-q.signal:
		}

		for {
			q.mu.Lock()
			batch := q.items
			q.items = nil
			q.mu.Unlock()

			if len(batch) == 0 {
				break
			}

			for _, item := range batch {
				if q.Closed() {
					return
				}
				fn(item)
			}
		}
	}
}
