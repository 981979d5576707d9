package interp

import (
	"fmt"
	"sync/atomic"
)

// Status describes what an execution context is currently doing.
type Status int32

const (
	// StatusReady: nothing running; the context can host a call, or a
	// coroutine body that has not started yet.
	StatusReady Status = iota
	// StatusRunning: actively executing interpreter code.
	StatusRunning
	// StatusSuspended: a coroutine parked at a yield point. A suspended
	// context must not host unrelated calls; the code it is suspended in
	// may be resumed underneath them.
	StatusSuspended
	// StatusDead: a coroutine body that has returned or failed.
	StatusDead
)

func (s Status) String() string {
	switch s {
	case StatusReady:
		return "ready"
	case StatusRunning:
		return "running"
	case StatusSuspended:
		return "suspended"
	case StatusDead:
		return "dead"
	}
	return "unknown"
}

// ErrNotResumable is returned when Resume is called on a context that is
// running or already finished.
var ErrNotResumable = fmt.Errorf("interp: context is not resumable")

// CoroFunc is a coroutine body. It may park itself with y.Yield and is
// resumed with the values passed to the next Resume.
type CoroFunc func(y *Yielder, args []Value) ([]Value, error)

// Yielder is the coroutine body's handle for parking.
type Yielder struct {
	ctx *Context
}

// Yield parks the coroutine, delivering vals to the resumer, and returns
// the arguments of the next Resume.
func (y *Yielder) Yield(vals []Value) []Value {
	c := y.ctx
	c.status.Store(int32(StatusSuspended))
	c.stepCh <- coroStep{vals: vals, yielded: true}
	return <-c.resumeCh
}

type coroStep struct {
	vals    []Value
	yielded bool
	err     error
}

var contextCounter atomic.Uint64

// Context is one interpreter execution context: a thread of interpreter
// control that calls run on, or a coroutine that suspends and resumes.
// Contexts passed across the native boundary are kept alive by an explicit
// reference count.
type Context struct {
	id     uint64
	parent *Context

	status atomic.Int32
	refs   atomic.Int32

	// Coroutine machinery; nil for plain contexts.
	body     CoroFunc
	started  bool
	resumeCh chan []Value
	stepCh   chan coroStep
}

// NewContext creates a root execution context with one live reference.
func NewContext() *Context {
	c := &Context{
		id: contextCounter.Add(1),
	}
	c.refs.Store(1)
	return c
}

// NewChild creates a fresh context parented to this one. The bridge forks
// a child when a callback must run while this context is suspended
// elsewhere.
func (c *Context) NewChild() *Context {
	child := NewContext()
	child.parent = c
	return child
}

// NewCoroutine creates a coroutine context. The body does not start until
// the first Resume.
func (c *Context) NewCoroutine(body CoroFunc) *Context {
	co := c.NewChild()
	co.body = body
	co.resumeCh = make(chan []Value)
	co.stepCh = make(chan coroStep)
	return co
}

// ID returns the context's process-unique identity.
func (c *Context) ID() uint64 { return c.id }

// Status returns the context's current state.
func (c *Context) Status() Status { return Status(c.status.Load()) }

// Usable reports whether a call may run on this context right now. A
// suspended or dead context is not usable: resuming could be triggered by
// the very routine a call would invoke.
func (c *Context) Usable() bool {
	s := c.Status()
	return s == StatusReady || s == StatusRunning
}

// Retain adds a keep-alive reference.
func (c *Context) Retain() { c.refs.Add(1) }

// Release drops a keep-alive reference.
func (c *Context) Release() {
	if c.refs.Add(-1) < 0 {
		panic("interp: context over-released")
	}
}

// Refs returns the current keep-alive count.
func (c *Context) Refs() int32 { return c.refs.Load() }

// Call runs fn on this context. Panics propagate to the caller; use
// ProtectedCall when a fault must become an error value instead.
func (c *Context) Call(fn Func, args []Value) ([]Value, error) {
	if !c.Usable() {
		return nil, fmt.Errorf("interp: call on %s context", c.Status())
	}
	prev := c.status.Swap(int32(StatusRunning))
	defer c.status.Store(prev)
	return fn(args)
}

// ProtectedCall runs fn on this context, converting an interpreter fault
// (panic) into an error.
func (c *Context) ProtectedCall(fn Func, args []Value) (vals []Value, err error) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok {
				err = e
			} else {
				err = fmt.Errorf("interp: fault: %v", r)
			}
		}
	}()
	return c.Call(fn, args)
}

// Resume starts or continues this coroutine context with args. It returns
// the values the body yielded or returned; yielded distinguishes the two.
// Resuming a running or dead context fails with ErrNotResumable.
func (c *Context) Resume(args []Value) (vals []Value, yielded bool, err error) {
	if c.body == nil {
		return nil, false, fmt.Errorf("interp: context %d is not a coroutine", c.id)
	}
	switch c.Status() {
	case StatusReady:
		if c.started {
			return nil, false, ErrNotResumable
		}
		c.started = true
		c.status.Store(int32(StatusRunning))
		go c.run()
		c.resumeCh <- args
	case StatusSuspended:
		c.status.Store(int32(StatusRunning))
		c.resumeCh <- args
	default:
		return nil, false, ErrNotResumable
	}

	step := <-c.stepCh
	if !step.yielded {
		c.status.Store(int32(StatusDead))
	}
	return step.vals, step.yielded, step.err
}

func (c *Context) run() {
	args := <-c.resumeCh
	var step coroStep
	func() {
		defer func() {
			if r := recover(); r != nil {
				if e, ok := r.(error); ok {
					step.err = e
				} else {
					step.err = fmt.Errorf("interp: coroutine fault: %v", r)
				}
			}
		}()
		step.vals, step.err = c.body(&Yielder{ctx: c}, args)
	}()
	c.stepCh <- step
}
