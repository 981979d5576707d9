package dyncall

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/wasmbind/wasmbind/internal/interp"
	"github.com/wasmbind/wasmbind/internal/metadata"
	"github.com/wasmbind/wasmbind/pkg/abi"
)

// ReverseTarget is what a trampoline runs when the guest calls back in:
// either a function executed inside an interpreter context, or the
// resumption of a suspended coroutine with the marshaled arguments.
type ReverseTarget struct {
	mu  sync.Mutex
	ctx *interp.Context
	fn  interp.Func
}

// NewCallTarget builds a target that calls fn inside ctx (or a fork of it
// when ctx is busy at dispatch time). The target retains ctx.
func NewCallTarget(ctx *interp.Context, fn interp.Func) *ReverseTarget {
	ctx.Retain()
	return &ReverseTarget{ctx: ctx, fn: fn}
}

// NewResumeTarget builds a target that resumes ctx, which must be a
// coroutine. The target retains ctx.
func NewResumeTarget(ctx *interp.Context) *ReverseTarget {
	ctx.Retain()
	return &ReverseTarget{ctx: ctx}
}

// resumes reports whether the target resumes its context rather than
// calling into it.
func (t *ReverseTarget) resumes() bool { return t.fn == nil }

// acquire picks the context the dispatch runs in. A call target whose
// context is no longer usable is repointed at a fresh fork so later
// dispatches reuse it; a resume target cannot fork and fails instead.
func (t *ReverseTarget) acquire() (*interp.Context, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.resumes() {
		switch t.ctx.Status() {
		case interp.StatusReady, interp.StatusSuspended:
			return t.ctx, nil
		}
		return nil, interp.ErrNotResumable
	}
	if t.ctx.Usable() {
		return t.ctx, nil
	}
	fork := t.ctx.NewChild()
	t.ctx.Release()
	t.ctx = fork
	return fork, nil
}

// release drops the target's hold on its context.
func (t *ReverseTarget) release() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ctx != nil {
		t.ctx.Release()
		t.ctx = nil
	}
}

// Trampoline is one live reverse entry point: a registry handle the guest
// can invoke through the dispatch export, bound to a callback descriptor
// and a target.
type Trampoline struct {
	env         *Env
	desc        *Callable
	target      *ReverseTarget
	autodestroy bool
	handle      uint32
	destroyed   atomic.Bool
}

// NewTrampoline registers a reverse entry point for the given callback
// descriptor. With autodestroy set, the trampoline schedules its own
// teardown after its first dispatch completes.
func (e *Env) NewTrampoline(desc *Callable, target *ReverseTarget, autodestroy bool) (*Trampoline, error) {
	if desc == nil || target == nil {
		return nil, fmt.Errorf("dyncall: trampoline needs a descriptor and a target")
	}
	t := &Trampoline{
		env:         e,
		desc:        desc,
		target:      target,
		autodestroy: autodestroy,
	}
	t.handle = e.trampolines.add(t)
	e.logger.Debug("trampoline registered",
		zap.Uint32("handle", t.handle),
		zap.String("callable", desc.info.QualifiedName()),
		zap.Bool("autodestroy", autodestroy))
	return t, nil
}

// Handle returns the guest-visible registry handle.
func (t *Trampoline) Handle() uint32 { return t.handle }

// Destroy unregisters the trampoline and releases its target context.
// Safe to call more than once.
func (t *Trampoline) Destroy() {
	if !t.destroyed.CompareAndSwap(false, true) {
		return
	}
	t.env.trampolines.remove(t.handle)
	t.target.release()
}

// dispatch statuses reported back to the guest.
const (
	dispatchOK    = 0
	dispatchFault = 1
)

// invoke runs one guest-initiated dispatch. argv addresses a slot array
// in guest memory: slot 0 is the return cell, then the receiver (when
// declared), the declared arguments and the error cell, 8 bytes each.
// Out-arguments carry the address of their storage.
func (t *Trampoline) invoke(ctx context.Context, argv uint32) uint32 {
	if t.destroyed.Load() {
		t.env.logger.Error("dispatch to destroyed trampoline",
			zap.Uint32("handle", t.handle),
			zap.Error(&TrampolineDestroyedError{Handle: t.handle}))
		return dispatchFault
	}

	exec, err := t.target.acquire()
	if err != nil {
		t.env.logger.Error("trampoline target unavailable",
			zap.Uint32("handle", t.handle), zap.Error(err))
		return dispatchFault
	}

	// Entering the interpreter takes the lock for the duration of the
	// dispatch. A dispatch nested inside a forward call reuses that
	// stack's holder identity and reenters; a foreign native thread mints
	// its own and blocks until the interpreter is free.
	ctx, token := interp.EnsureCallToken(ctx)
	t.env.lock.Lock(token)
	defer t.env.lock.Unlock(token)

	args, err := t.readArgs(ctx, argv)
	if err != nil {
		t.env.logger.Error("trampoline argument decode failed",
			zap.Uint32("handle", t.handle), zap.Error(err))
		return dispatchFault
	}

	var vals []interp.Value
	if t.target.resumes() {
		var resumeErr error
		vals, _, resumeErr = exec.Resume(args)
		err = resumeErr
	} else {
		vals, err = exec.ProtectedCall(t.target.fn, args)
	}

	status := uint32(dispatchOK)
	if err != nil {
		status = t.reportFailure(ctx, argv, err)
	} else if werr := t.writeResults(ctx, argv, vals); werr != nil {
		t.env.logger.Error("trampoline result encode failed",
			zap.Uint32("handle", t.handle), zap.Error(werr))
		status = dispatchFault
	}

	if t.autodestroy {
		t.env.finalizers.Defer(t.Destroy)
	}
	return status
}

// slotAt returns the guest address of slot i in the dispatch frame.
func slotAt(argv uint32, i int) uint32 {
	return argv + uint32(i)*abi.SlotSize
}

// readArgs decodes the interpreter-facing argument list from the dispatch
// frame, skipping internal slots.
func (t *Trampoline) readArgs(ctx context.Context, argv uint32) ([]interp.Value, error) {
	mem := t.env.native.Memory()
	c := t.desc

	args := make([]interp.Value, 0, c.nargs+1)
	pos := 1

	if c.hasSelf {
		slot, ok := mem.ReadSlot(slotAt(argv, pos))
		if !ok {
			return nil, &MarshalError{What: "receiver slot"}
		}
		pos++
		container := c.info.Container
		var self interp.Value
		var err error
		switch {
		case container == nil:
			self = interp.Nil
		case container.Kind == metadata.ContainerRecord || container.Kind == metadata.ContainerUnion:
			self, err = t.env.objects.NativeToRecord(uint32(slot), container)
		default:
			self, err = t.env.objects.NativeToObject(uint32(slot), container)
		}
		if err != nil {
			return nil, err
		}
		args = append(args, self)
	}

	for i := 0; i < c.nargs; i++ {
		p := &c.params[i]
		slot, ok := mem.ReadSlot(slotAt(argv, pos))
		pos++
		if p.Internal || p.Dir == metadata.DirOut {
			continue
		}
		if !ok {
			return nil, &MarshalError{What: fmt.Sprintf("argument %q slot", p.Arg.Name)}
		}
		if p.Dir == metadata.DirInOut {
			// The slot addresses the storage; the current value lives there.
			inner, ok := mem.ReadSlot(uint32(slot))
			if !ok {
				return nil, &MarshalError{What: fmt.Sprintf("argument %q storage", p.Arg.Name)}
			}
			slot = inner
		}
		v, err := t.env.marshal.Out(ctx, &p.Type, metadata.TransferNone, slot)
		if err != nil {
			return nil, err
		}
		args = append(args, v)
	}
	return args, nil
}

// writeResults encodes the interpreter's results back into the dispatch
// frame: first the return cell, then each out-argument's storage in
// declaration order.
func (t *Trampoline) writeResults(ctx context.Context, argv uint32, vals []interp.Value) error {
	mem := t.env.native.Memory()
	c := t.desc
	next := 0

	take := func() interp.Value {
		if next < len(vals) {
			v := vals[next]
			next++
			return v
		}
		return interp.Nil
	}

	if !c.retval.isVoid() {
		var slot uint64
		temps, err := t.env.marshal.In(ctx, &c.retval.Type, c.retval.Transfer, &slot, take())
		if err != nil {
			return err
		}
		if temps > 0 {
			// A borrowed return has no owner once the dispatch unwinds; the
			// guest copy outlives our ability to reclaim it.
			t.env.logger.Warn("borrowed return escapes to native caller",
				zap.Uint32("handle", t.handle),
				zap.String("callable", c.info.QualifiedName()))
		}
		if !mem.WriteSlot(slotAt(argv, 0), slot) {
			return &MarshalError{What: "return cell"}
		}
	}

	pos := 1
	if c.hasSelf {
		pos++
	}
	for i := 0; i < c.nargs; i++ {
		p := &c.params[i]
		slotAddr := slotAt(argv, pos)
		pos++
		if p.Internal || p.Dir == metadata.DirIn {
			continue
		}
		cell, ok := mem.ReadSlot(slotAddr)
		if !ok || cell == 0 {
			continue
		}
		var slot uint64
		temps, err := t.env.marshal.In(ctx, &p.Type, p.Transfer, &slot, take())
		if err != nil {
			return err
		}
		if temps > 0 && p.Transfer == metadata.TransferNone {
			t.env.logger.Warn("borrowed out-argument escapes to native caller",
				zap.Uint32("handle", t.handle),
				zap.String("argument", p.Arg.Name))
		}
		if !mem.WriteSlot(uint32(cell), slot) {
			return &MarshalError{What: fmt.Sprintf("argument %q storage write", p.Arg.Name)}
		}
	}
	return nil
}

// reportFailure routes an interpreter failure back to the guest. A
// fallible callback receives a failure record through its error cell;
// anything else is a dispatch fault.
func (t *Trampoline) reportFailure(ctx context.Context, argv uint32, err error) uint32 {
	if !t.desc.throws {
		t.env.logger.Error("unhandled failure in non-fallible trampoline",
			zap.Uint32("handle", t.handle),
			zap.String("callable", t.desc.info.QualifiedName()),
			zap.Error(err))
		return dispatchFault
	}

	// The error cell is the last frame slot: return cell, receiver,
	// arguments, then the cell.
	errSlotPos := t.desc.slotCount()
	cell, ok := t.env.native.Memory().ReadSlot(slotAt(argv, errSlotPos))
	if !ok || cell == 0 {
		return dispatchFault
	}
	ptr, werr := t.writeErrorRecord(ctx, err)
	if werr != nil {
		t.env.logger.Error("failed to encode failure record",
			zap.Uint32("handle", t.handle), zap.Error(werr))
		return dispatchFault
	}
	if !t.env.native.Memory().WriteSlot(uint32(cell), uint64(ptr)) {
		return dispatchFault
	}
	return dispatchOK
}

// writeErrorRecord materializes err as a guest failure record and returns
// its address. The guest owns both the record and the message buffer.
func (t *Trampoline) writeErrorRecord(ctx context.Context, err error) (uint32, error) {
	mem := t.env.native.Memory()
	msg := []byte(err.Error())

	msgPtr := uint32(0)
	if len(msg) > 0 {
		p, aerr := t.env.native.Alloc(ctx, uint32(len(msg)))
		if aerr != nil {
			return 0, aerr
		}
		if !mem.WriteBytes(p, msg) {
			return 0, &MarshalError{What: "failure message buffer"}
		}
		msgPtr = p
	}

	rec, aerr := t.env.native.Alloc(ctx, abi.ErrorRecordSize)
	if aerr != nil {
		return 0, aerr
	}
	code := int32(-1)
	var rerr *abi.ErrorRecord
	if errors.As(err, &rerr) {
		code = rerr.Code
	}
	if !mem.WriteU32(rec, uint32(code)) ||
		!mem.WriteU32(rec+4, msgPtr) ||
		!mem.WriteU32(rec+8, uint32(len(msg))) {
		return 0, &MarshalError{What: "failure record"}
	}
	return rec, nil
}

// registry hands out guest-visible trampoline handles. Handle zero is
// reserved as the null callback.
type registry struct {
	mu      sync.RWMutex
	next    uint32
	entries map[uint32]*Trampoline
}

func newRegistry() *registry {
	return &registry{next: 1, entries: make(map[uint32]*Trampoline)}
}

func (r *registry) add(t *Trampoline) uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	h := r.next
	r.next++
	r.entries[h] = t
	return h
}

func (r *registry) get(h uint32) (*Trampoline, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.entries[h]
	return t, ok
}

func (r *registry) remove(h uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, h)
}

func (r *registry) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Live reports the number of registered trampolines.
func (e *Env) Live() int { return e.trampolines.len() }

// Dispatch returns the host-side implementation of the trampoline entry
// export: (handle i32, argv i32) -> (status i32).
func (e *Env) Dispatch() (params, results []api.ValueType, fn api.GoModuleFunc) {
	params = []api.ValueType{api.ValueTypeI32, api.ValueTypeI32}
	results = []api.ValueType{api.ValueTypeI32}
	fn = api.GoModuleFunc(func(ctx context.Context, _ api.Module, stack []uint64) {
		handle := uint32(stack[0])
		argv := uint32(stack[1])
		t, ok := e.trampolines.get(handle)
		if !ok {
			e.logger.Error("dispatch to unknown trampoline", zap.Uint32("handle", handle))
			stack[0] = dispatchFault
			return
		}
		stack[0] = uint64(t.invoke(ctx, argv))
	})
	return params, results, fn
}
