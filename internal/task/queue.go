// Package task provides the single-threaded cooperative task queue that the
// loader pipeline runs on. Every state mutation in the pipeline happens inside
// a queued turn, and completion callbacks are always posted as fresh turns, so
// a callback can never run before the call that scheduled it has returned.
package task

import (
	"context"
	"sync"
)

// Queue is an unbounded FIFO of turns. Post is safe to call from any
// goroutine; Drain and Run must only ever be called from one goroutine,
// which becomes the pipeline's single thread of control.
type Queue struct {
	mu    sync.Mutex
	turns []func()
	wake  chan struct{}
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{wake: make(chan struct{}, 1)}
}

// Post schedules fn to run on a future turn.
func (q *Queue) Post(fn func()) {
	q.mu.Lock()
	q.turns = append(q.turns, fn)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// pop removes and returns the oldest queued turn.
func (q *Queue) pop() (func(), bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.turns) == 0 {
		return nil, false
	}
	fn := q.turns[0]
	q.turns = q.turns[1:]
	return fn, true
}

// Idle reports whether no turns are currently queued.
func (q *Queue) Idle() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.turns) == 0
}

// Drain runs queued turns on the calling goroutine until the queue is empty.
// Turns posted while draining are run in the same pass.
func (q *Queue) Drain() {
	for {
		fn, ok := q.pop()
		if !ok {
			return
		}
		fn()
	}
}

// Run drains the queue, then blocks waiting for more work until ctx is done.
// It returns ctx.Err() once the context is cancelled.
func (q *Queue) Run(ctx context.Context) error {
	for {
		q.Drain()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-q.wake:
		}
	}
}
