// Package waiter implements the per-service FIFO queue of pending
// transactions awaiting readiness.
package waiter

import "github.com/always-cache/adaptation-registry/pkg/weakref"

// Callback is invoked exactly once, with the weak-handle's resolved target,
// when a waiter is drained and its target is still alive.
type Callback func(target any)

type waiter struct {
	cb     Callback
	handle weakref.Handle
}

// Queue is an ordered, FIFO sequence of waiters. The zero value is ready to
// use. Queue is not safe for concurrent use; callers are expected to confine
// it to a single cooperative loop (see pkg/timer).
type Queue struct {
	items []waiter
}

// Enqueue appends a waiter at the tail of the queue.
func (q *Queue) Enqueue(cb Callback, h weakref.Handle) {
	q.items = append(q.items, waiter{cb: cb, handle: h})
}

// Empty reports whether the queue currently holds no waiters.
func (q *Queue) Empty() bool {
	return len(q.items) == 0
}

// Len reports the number of waiters currently queued.
func (q *Queue) Len() int {
	return len(q.items)
}

// Drain fires every waiter present at the moment Drain is called, in
// registration order, using table to resolve each waiter's weak handle. If
// a fired callback enqueues new waiters, Drain keeps going until the queue
// is empty — the loop re-checks emptiness before exiting, so no waiter
// enqueued during a drain is left behind. It returns the counts of waiters
// fired and dropped (target no longer resolvable).
func (q *Queue) Drain(table *weakref.Table) (fired, dropped int) {
	for !q.Empty() {
		w := q.items[0]
		q.items = q.items[1:]
		target, ok := table.Lookup(w.handle)
		if !ok {
			dropped++
			continue
		}
		table.Release(w.handle)
		w.cb(target)
		fired++
	}
	return fired, dropped
}
