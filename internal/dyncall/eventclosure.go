package dyncall

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/wasmbind/wasmbind/internal/interp"
)

// ClosureInvalidatedError reports a dispatch against an event closure
// whose last reference is already gone.
type ClosureInvalidatedError struct{}

func (*ClosureInvalidatedError) Error() string {
	return "dyncall: event closure has been invalidated"
}

// EventClosure adapts an interpreter target to the event system's
// value-list protocol: the emitter hands over already-materialized
// values, borrowed for the duration of the dispatch, and takes at most
// one result back. Lifetime is reference counted; finalize notifiers run
// when the last reference drops.
type EventClosure struct {
	env    *Env
	target *ReverseTarget

	mu        sync.Mutex
	refs      int
	notifiers []func()
	invalid   bool
}

// NewEventClosure wraps target as an event-system closure holding one
// reference.
func (e *Env) NewEventClosure(target *ReverseTarget) (*EventClosure, error) {
	if target == nil {
		return nil, fmt.Errorf("dyncall: event closure needs a target")
	}
	return &EventClosure{env: e, target: target, refs: 1}, nil
}

// Ref takes an additional reference.
func (c *EventClosure) Ref() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.invalid {
		return
	}
	c.refs++
}

// Unref drops one reference. When the last one goes, the closure is
// invalidated: notifiers run immediately and the target's context release
// is deferred to the finalization queue, since the drop may happen while
// the interpreter is mid-call.
func (c *EventClosure) Unref() {
	c.mu.Lock()
	if c.invalid || c.refs == 0 {
		c.mu.Unlock()
		return
	}
	c.refs--
	if c.refs > 0 {
		c.mu.Unlock()
		return
	}
	c.invalid = true
	notifiers := c.notifiers
	c.notifiers = nil
	c.mu.Unlock()

	for _, fn := range notifiers {
		fn()
	}
	c.env.finalizers.Defer(c.target.release)
}

// AddFinalizeNotifier registers fn to run when the closure is
// invalidated. On an already-invalid closure fn runs immediately.
func (c *EventClosure) AddFinalizeNotifier(fn func()) {
	c.mu.Lock()
	if c.invalid {
		c.mu.Unlock()
		fn()
		return
	}
	c.notifiers = append(c.notifiers, fn)
	c.mu.Unlock()
}

// Valid reports whether the closure can still be dispatched.
func (c *EventClosure) Valid() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.invalid
}

// Invoke dispatches the closure with borrowed argument values and returns
// the target's first result. The interpreter lock is held for the
// duration, reentrantly when the emitting stack already holds it.
func (c *EventClosure) Invoke(ctx context.Context, args []interp.Value) (interp.Value, error) {
	if !c.Valid() {
		return interp.Nil, &ClosureInvalidatedError{}
	}

	exec, err := c.target.acquire()
	if err != nil {
		return interp.Nil, err
	}

	_, token := interp.EnsureCallToken(ctx)
	c.env.lock.Lock(token)
	defer c.env.lock.Unlock(token)

	var vals []interp.Value
	if c.target.resumes() {
		vals, _, err = exec.Resume(args)
	} else {
		vals, err = exec.ProtectedCall(c.target.fn, args)
	}
	if err != nil {
		c.env.logger.Error("event closure dispatch failed", zap.Error(err))
		return interp.Nil, err
	}
	if len(vals) == 0 {
		return interp.Nil, nil
	}
	return vals[0], nil
}
