// Package pqueue is a generic, priority-selecting admission queue: up to
// Max entries may be active at once, and whenever a slot frees up the
// caller-supplied Next function picks which queued entry runs next.
//
// A nil *Queue is a valid, unbounded queue: Acquire and TryAcquire always
// succeed immediately and return a no-op done function. This mirrors the
// "optional limiter" shape used throughout the pipeline, where a nil queue
// means "no concurrency bound configured here."
package pqueue

import (
	"context"
	"sync"
)

// Opts configures a Queue.
type Opts[T any] struct {
	// Max is the maximum number of concurrently active entries. Values <= 0
	// are treated as 1.
	Max int
	// Next picks the index into queued that should run next, given the
	// currently queued and currently active entries. If nil, entries run
	// in FIFO order.
	Next func(queued, active []*T) int
}

type waiter[T any] struct {
	entry *T
	ready chan struct{}
}

// Queue admits up to Max entries at a time, in priority order.
type Queue[T any] struct {
	mu      sync.Mutex
	max     int
	next    func(queued, active []*T) int
	active  []*T
	waiters []*waiter[T]
}

// New builds a Queue from Opts.
func New[T any](opts Opts[T]) *Queue[T] {
	max := opts.Max
	if max <= 0 {
		max = 1
	}
	next := opts.Next
	if next == nil {
		next = func(queued, active []*T) int { return 0 }
	}
	return &Queue[T]{max: max, next: next}
}

// Acquire blocks until a slot is available for entry, returning a done
// function that must be called exactly once to release the slot. It
// returns an error only if ctx is canceled before a slot opens.
func (q *Queue[T]) Acquire(ctx context.Context, entry T) (func(), error) {
	if q == nil {
		return func() {}, nil
	}

	q.mu.Lock()
	if len(q.waiters) == 0 && len(q.active) < q.max {
		q.active = append(q.active, &entry)
		q.mu.Unlock()
		return q.releaseFunc(&entry), nil
	}
	w := &waiter[T]{entry: &entry, ready: make(chan struct{})}
	q.waiters = append(q.waiters, w)
	q.mu.Unlock()

	select {
	case <-w.ready:
		return q.releaseFunc(w.entry), nil
	case <-ctx.Done():
		q.mu.Lock()
		for i, ww := range q.waiters {
			if ww == w {
				q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
				q.mu.Unlock()
				return nil, ctx.Err()
			}
		}
		q.mu.Unlock()
		// lost the race: dispatchLocked already promoted this waiter
		<-w.ready
		return q.releaseFunc(w.entry), nil
	}
}

// TryAcquire acquires a slot only if one is immediately available (it
// never waits in line behind existing waiters). It returns a nil done
// function, with no error, when no slot is free.
func (q *Queue[T]) TryAcquire(ctx context.Context, entry T) (func(), error) {
	if q == nil {
		return func() {}, nil
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.active) < q.max && len(q.waiters) == 0 {
		q.active = append(q.active, &entry)
		return q.releaseFunc(&entry), nil
	}
	return nil, nil
}

func (q *Queue[T]) releaseFunc(entry *T) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			q.mu.Lock()
			for i, e := range q.active {
				if e == entry {
					q.active = append(q.active[:i], q.active[i+1:]...)
					break
				}
			}
			q.dispatchLocked()
			q.mu.Unlock()
		})
	}
}

// dispatchLocked promotes queued waiters into active slots until the
// queue is full or empty, selecting each via Next. Called with mu held.
func (q *Queue[T]) dispatchLocked() {
	for len(q.active) < q.max && len(q.waiters) > 0 {
		queued := make([]*T, len(q.waiters))
		for i, w := range q.waiters {
			queued[i] = w.entry
		}
		idx := q.next(queued, q.active)
		if idx < 0 || idx >= len(q.waiters) {
			idx = 0
		}
		w := q.waiters[idx]
		q.waiters = append(q.waiters[:idx], q.waiters[idx+1:]...)
		q.active = append(q.active, w.entry)
		close(w.ready)
	}
}

// Len reports the number of currently active and queued entries.
func (q *Queue[T]) Len() (active, queued int) {
	if q == nil {
		return 0, 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.active), len(q.waiters)
}
