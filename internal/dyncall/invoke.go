package dyncall

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/wasmbind/wasmbind/internal/interp"
	"github.com/wasmbind/wasmbind/internal/metadata"
	"github.com/wasmbind/wasmbind/pkg/abi"
)

// callFrame holds the per-invocation scratch state: raw argument slots,
// guest-side scratch cells and the allocations to release when the call
// winds down.
type callFrame struct {
	raw []uint64

	// cells maps declared argument index to its guest redirect cell, or 0
	// when the argument passes by value.
	cells []uint32

	// staged holds pre-created caller-allocated out values by argument
	// index; the zero Value marks absence.
	staged []interp.Value

	errCell uint32

	// pending holds derived values for internal slots not yet emitted.
	pending map[int]uint64

	// temps are guest allocations released unconditionally after the call.
	temps []uint32
}

func (f *callFrame) addTemp(ptr uint32) {
	if ptr != 0 {
		f.temps = append(f.temps, ptr)
	}
}

// release frees every scratch allocation; failures are logged, not fatal.
func (e *Env) release(ctx context.Context, f *callFrame) {
	for _, ptr := range f.temps {
		if err := e.native.Free(ctx, ptr); err != nil {
			e.logger.Warn("failed to release call scratch",
				zap.Uint32("ptr", ptr), zap.Error(err))
		}
	}
}

// newCell allocates and zeroes one 8-byte guest cell for an indirect
// argument.
func (e *Env) newCell(ctx context.Context, f *callFrame) (uint32, error) {
	ptr, err := e.native.Alloc(ctx, abi.SlotSize)
	if err != nil {
		return 0, err
	}
	f.addTemp(ptr)
	if !e.native.Memory().WriteSlot(ptr, 0) {
		return 0, &MarshalError{What: fmt.Sprintf("zeroing cell at 0x%x", ptr)}
	}
	return ptr, nil
}

// Invoke performs a forward call: marshal the interpreter arguments into
// the callable's native convention, run the entry point with the
// interpreter lock released, then marshal the return value and every
// out-argument back. A caller already holding the interpreter lock must
// hold it under the call-stack token carried by ctx. On a reported native
// failure the result list is false, the failure message and the failure
// code; out-arguments are skipped and a discarded return under full
// transfer is released.
func (e *Env) Invoke(ctx context.Context, c *Callable, ic *interp.Context, args []interp.Value) ([]interp.Value, error) {
	if c.fn == nil {
		return nil, &SymbolResolutionError{
			Callable: c.info.QualifiedName(),
			Symbol:   c.info.Symbol,
			Err:      fmt.Errorf("descriptor has no native entry point"),
		}
	}

	// Caller values map positionally onto the slots that consume input:
	// the receiver, then each non-internal IN or INOUT argument. Missing
	// trailing values read as nil, extras are ignored.
	next := 0
	take := func() interp.Value {
		if next < len(args) {
			v := args[next]
			next++
			return v
		}
		return interp.Nil
	}

	frame := &callFrame{
		raw:    make([]uint64, 0, c.slotCount()),
		cells:  make([]uint32, c.nargs),
		staged: make([]interp.Value, c.nargs),
	}
	defer e.release(ctx, frame)

	if c.hasSelf {
		self, err := e.marshalSelf(c, take())
		if err != nil {
			return nil, err
		}
		frame.raw = append(frame.raw, uint64(self))
	}

	for i := 0; i < c.nargs; i++ {
		if err := e.marshalArg(ctx, c, frame, ic, i, take); err != nil {
			return nil, err
		}
	}

	if c.throws {
		cell, err := e.newCell(ctx, frame)
		if err != nil {
			return nil, err
		}
		frame.errCell = cell
		frame.raw = append(frame.raw, uint64(cell))
	}

	// The raw transition may reenter the interpreter through a trampoline
	// on this same stack, so exactly one lock level is released around it
	// and the stack's holder identity rides the context into native code.
	ctx, token := interp.EnsureCallToken(ctx)
	e.lock.Unlock(token)
	rawResults, callErr := c.fn.Call(ctx, frame.raw...)
	e.lock.Lock(token)

	if callErr != nil {
		return nil, fmt.Errorf("native call %s: %w", c.info.QualifiedName(), callErr)
	}

	if c.throws {
		errPtr, _ := e.native.Memory().ReadSlot(frame.errCell)
		if errPtr != 0 {
			rec := e.readErrorRecord(ctx, uint32(errPtr))
			if !c.retval.isVoid() && len(rawResults) > 0 {
				e.releaseDiscarded(ctx, &c.retval, rawResults[0])
			}
			return []interp.Value{
				interp.Bool(false),
				interp.Str(rec.Message),
				interp.Int(int64(rec.Code)),
			}, nil
		}
	}

	results := make([]interp.Value, 0, c.nargs+1)
	if !c.retval.isVoid() {
		if len(rawResults) == 0 {
			return nil, &SignatureError{
				Callable: c.info.QualifiedName(),
				Reason:   "entry point returned no value for a non-void return",
			}
		}
		v, err := e.marshal.Out(ctx, &c.retval.Type, c.retval.Transfer, rawResults[0])
		if err != nil {
			return nil, err
		}
		results = append(results, v)
	}

	for i := 0; i < c.nargs; i++ {
		p := &c.params[i]
		if p.Internal || p.Dir == metadata.DirIn {
			continue
		}
		if p.Arg.CallerAllocates {
			results = append(results, frame.staged[i])
			continue
		}
		slot, _ := e.native.Memory().ReadSlot(frame.cells[i])
		v, err := e.marshal.Out(ctx, &p.Type, p.Transfer, slot)
		if err != nil {
			return nil, err
		}
		results = append(results, v)
	}

	// A fallible call that produced nothing still reports success.
	if c.throws && len(results) == 0 {
		results = append(results, interp.Bool(true))
	}
	return results, nil
}

// marshalSelf encodes the receiver value according to the container kind.
func (e *Env) marshalSelf(c *Callable, v interp.Value) (uint32, error) {
	container := c.info.Container
	if container == nil {
		return 0, &MarshalError{What: fmt.Sprintf("%s declares a receiver without a container", c.info.QualifiedName())}
	}
	switch container.Kind {
	case metadata.ContainerRecord, metadata.ContainerUnion:
		return e.objects.RecordToNative(v, container)
	default:
		return e.objects.ObjectToNative(v, container)
	}
}

// marshalArg encodes declared argument i into the frame, pulling the next
// caller value through take when the slot consumes input. Internal
// arguments derive their value from the argument that references them and
// contribute a zero placeholder; the referencing argument overwrites it.
func (e *Env) marshalArg(ctx context.Context, c *Callable, frame *callFrame, ic *interp.Context, i int, take func() interp.Value) error {
	p := &c.params[i]

	if p.Dir != metadata.DirIn {
		if p.Dir == metadata.DirOut && p.Arg.CallerAllocates {
			val, ptr, ok, err := e.marshal.CallerAlloc(ctx, &p.Type)
			if err != nil {
				return err
			}
			if !ok {
				return &MarshalError{What: fmt.Sprintf("argument %q has no caller-allocated form", p.Arg.Name)}
			}
			frame.addTemp(ptr)
			frame.staged[i] = val
			frame.raw = append(frame.raw, uint64(ptr))
			return nil
		}
		cell, err := e.newCell(ctx, frame)
		if err != nil {
			return err
		}
		frame.cells[i] = cell
		if p.Dir == metadata.DirInOut {
			var slot uint64
			temps, err := e.marshal.In(ctx, &p.Type, p.Transfer, &slot, take())
			if err != nil {
				return &MarshalError{What: fmt.Sprintf("argument %q", p.Arg.Name), Err: err}
			}
			if temps > 0 {
				frame.addTemp(uint32(slot))
			}
			if !e.native.Memory().WriteSlot(cell, slot) {
				return &MarshalError{What: fmt.Sprintf("argument %q cell write", p.Arg.Name)}
			}
		}
		frame.raw = append(frame.raw, uint64(cell))
		return nil
	}

	// Internal slots carry derived values; the argument that references
	// them either already stashed one or overwrites the placeholder later.
	if p.Internal {
		frame.raw = append(frame.raw, frame.pending[i])
		return nil
	}

	src := take()

	if p.Type.Tag == metadata.TagCallback {
		handle, err := e.marshalCallback(c, p, ic, src)
		if err != nil {
			return err
		}
		frame.raw = append(frame.raw, uint64(handle))
		// The user-data companion slot carries the trampoline handle so the
		// guest can thread it back through the dispatch export.
		if idx := p.Arg.ClosureIndex; idx >= 0 && idx < c.nargs {
			frame.setSlot(c, idx, uint64(handle))
		}
		return nil
	}

	// Length companions of array arguments are filled from the array value
	// itself.
	if p.Type.Tag == metadata.TagArray && p.Type.LengthIndex >= 0 && p.Type.LengthIndex < c.nargs {
		frame.setSlot(c, p.Type.LengthIndex, uint64(valueLength(src)))
	}

	var slot uint64
	temps, err := e.marshal.In(ctx, &p.Type, p.Transfer, &slot, src)
	if err != nil {
		return &MarshalError{What: fmt.Sprintf("argument %q", p.Arg.Name), Err: err}
	}
	if temps > 0 {
		frame.addTemp(uint32(slot))
	}
	frame.raw = append(frame.raw, slot)
	return nil
}

// setSlot overwrites an already-emitted raw slot for declared argument
// idx, or records the value for when that slot is emitted.
func (f *callFrame) setSlot(c *Callable, idx int, v uint64) {
	pos := idx
	if c.hasSelf {
		pos++
	}
	if pos < len(f.raw) {
		f.raw[pos] = v
		return
	}
	// Not yet emitted; stash it and let marshalArg pick it up.
	if f.pending == nil {
		f.pending = make(map[int]uint64)
	}
	f.pending[idx] = v
}

// marshalCallback converts a function-valued argument into a trampoline
// handle. An existing handle value passes through unchanged.
func (e *Env) marshalCallback(c *Callable, p *Param, ic *interp.Context, src interp.Value) (uint32, error) {
	switch src.Tag {
	case interp.TagNil:
		return 0, nil
	case interp.TagHandle:
		return uint32(src.Data.(*interp.Handle).Raw), nil
	case interp.TagFunc:
	default:
		return 0, &MarshalError{What: fmt.Sprintf("callback %q from %s", p.Arg.Name, src)}
	}

	if e.resolve == nil {
		return 0, &MarshalError{What: fmt.Sprintf("callback %q: no metadata resolver installed", p.Arg.Name)}
	}
	info, ok := e.resolve(p.Type.Name)
	if !ok {
		return 0, &MarshalError{What: fmt.Sprintf("callback %q: unknown callback type %q", p.Arg.Name, p.Type.Name)}
	}
	desc, err := e.Callable(info, nil)
	if err != nil {
		return 0, err
	}

	// A declared destroy notifier keeps the trampoline alive past this
	// call; otherwise it unwinds with the call that created it.
	autodestroy := p.Arg.DestroyIndex < 0
	tr, err := e.NewTrampoline(desc, NewCallTarget(ic, src.Data.(interp.Func)), autodestroy)
	if err != nil {
		return 0, err
	}
	return tr.Handle(), nil
}

// valueLength reports the element count an array argument carries.
func valueLength(v interp.Value) int {
	switch v.Tag {
	case interp.TagBytes:
		return len(v.Data.([]byte))
	case interp.TagString:
		return len(v.Data.(string))
	}
	return 0
}

// releaseDiscarded frees the guest storage of a value the error path
// never marshals. Only transferred pointer slots carry storage we now
// own; borrowed values stay with the callee.
func (e *Env) releaseDiscarded(ctx context.Context, p *Param, slot uint64) {
	if p.Transfer == metadata.TransferNone {
		return
	}
	switch p.Type.Tag {
	case metadata.TagString, metadata.TagRecord, metadata.TagBoxed,
		metadata.TagObject, metadata.TagInterface,
		metadata.TagArray, metadata.TagSequence:
		ptr := uint32(slot)
		if ptr == 0 {
			return
		}
		if err := e.native.Free(ctx, ptr); err != nil {
			e.logger.Warn("failed to release discarded return",
				zap.Uint32("ptr", ptr), zap.Error(err))
		}
	}
}

// readErrorRecord decodes and releases a guest failure record.
func (e *Env) readErrorRecord(ctx context.Context, ptr uint32) abi.ErrorRecord {
	mem := e.native.Memory()
	rec := abi.ErrorRecord{Code: -1, Message: "unknown native failure"}

	code, ok := mem.ReadU32(ptr)
	if !ok {
		return rec
	}
	rec.Code = int32(code)

	msgPtr, _ := mem.ReadU32(ptr + 4)
	msgLen, _ := mem.ReadU32(ptr + 8)
	if msgPtr != 0 && msgLen > 0 {
		if data, ok := mem.ReadBytes(msgPtr, msgLen); ok {
			rec.Message = string(data)
		}
		if err := e.native.Free(ctx, msgPtr); err != nil {
			e.logger.Warn("failed to release failure message", zap.Uint32("ptr", msgPtr), zap.Error(err))
		}
	} else {
		rec.Message = ""
	}
	if err := e.native.Free(ctx, ptr); err != nil {
		e.logger.Warn("failed to release failure record", zap.Uint32("ptr", ptr), zap.Error(err))
	}
	return rec
}
