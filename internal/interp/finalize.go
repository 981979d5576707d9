package interp

import "sync"

// FinalizerQueue is the deferred-finalization collaborator. Destructors
// that must not run inline (a trampoline freeing itself mid-invocation, a
// descriptor releasing its metadata handle) are parked here and executed
// when the interpreter drains the queue at a safe point, the way a garbage
// collector would run guard objects.
type FinalizerQueue struct {
	mu      sync.Mutex
	pending []func()
}

// NewFinalizerQueue creates an empty queue.
func NewFinalizerQueue() *FinalizerQueue {
	return &FinalizerQueue{}
}

// Defer schedules fn to run at the next Drain. Safe for concurrent use.
func (q *FinalizerQueue) Defer(fn func()) {
	q.mu.Lock()
	q.pending = append(q.pending, fn)
	q.mu.Unlock()
}

// Drain runs every scheduled finalizer in order. Finalizers scheduled
// while draining run on the following Drain, so a destructor can never
// observe itself half-destroyed.
func (q *FinalizerQueue) Drain() int {
	q.mu.Lock()
	batch := q.pending
	q.pending = nil
	q.mu.Unlock()

	for _, fn := range batch {
		fn()
	}
	return len(batch)
}

// Pending returns the number of scheduled finalizers.
func (q *FinalizerQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
