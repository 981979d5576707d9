package dyncall

import (
	"context"
	"fmt"
	"testing"

	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap/zaptest"

	"github.com/wasmbind/wasmbind/internal/interp"
	"github.com/wasmbind/wasmbind/internal/metadata"
	"github.com/wasmbind/wasmbind/pkg/abi"
)

func TestInvokeScalarCall(t *testing.T) {
	native := newFakeNative()
	native.funcs["add"] = &fakeFunc{
		params:  []api.ValueType{api.ValueTypeI32, api.ValueTypeI32},
		results: []api.ValueType{api.ValueTypeI32},
		fn: func(_ context.Context, stack []uint64) ([]uint64, error) {
			return []uint64{uint64(uint32(stack[0]) + uint32(stack[1]))}, nil
		},
	}
	env := newTestEnv(t, native)
	ic := interp.NewContext()

	c, err := env.Callable(fnInfo("add", scalar(metadata.TagInt32),
		inArg("a", scalar(metadata.TagInt32)),
		inArg("b", scalar(metadata.TagInt32))), nil)
	if err != nil {
		t.Fatalf("Callable() failed: %v", err)
	}

	vals, err := env.Invoke(context.Background(), c, ic, []interp.Value{interp.Int(40), interp.Int(2)})
	if err != nil {
		t.Fatalf("Invoke() failed: %v", err)
	}
	if len(vals) != 1 {
		t.Fatalf("Invoke() returned %d values, want 1", len(vals))
	}
	if got, _ := vals[0].AsInt(); got != 42 {
		t.Errorf("Invoke() = %v, want 42", vals[0])
	}
}

func TestInvokeOutParam(t *testing.T) {
	native := newFakeNative()
	native.funcs["split"] = &fakeFunc{
		params:  []api.ValueType{api.ValueTypeI32, api.ValueTypeI32},
		results: []api.ValueType{api.ValueTypeI32},
		fn: func(_ context.Context, stack []uint64) ([]uint64, error) {
			// Halve the input, report the remainder through the out cell.
			in := uint32(stack[0])
			cell := uint32(stack[1])
			native.mem.WriteSlot(cell, uint64(in%2))
			return []uint64{uint64(in / 2)}, nil
		},
	}
	env := newTestEnv(t, native)
	ic := interp.NewContext()

	c, err := env.Callable(fnInfo("split", scalar(metadata.TagInt32),
		inArg("n", scalar(metadata.TagInt32)),
		outArg("rem", scalar(metadata.TagInt32))), nil)
	if err != nil {
		t.Fatalf("Callable() failed: %v", err)
	}

	vals, err := env.Invoke(context.Background(), c, ic, []interp.Value{interp.Int(7)})
	if err != nil {
		t.Fatalf("Invoke() failed: %v", err)
	}
	if len(vals) != 2 {
		t.Fatalf("Invoke() returned %d values, want return plus out-arg", len(vals))
	}
	if q, _ := vals[0].AsInt(); q != 3 {
		t.Errorf("quotient = %v, want 3", vals[0])
	}
	if r, _ := vals[1].AsInt(); r != 1 {
		t.Errorf("remainder = %v, want 1", vals[1])
	}
}

func TestInvokeThrowsSuccess(t *testing.T) {
	native := newFakeNative()
	native.funcs["commit"] = &fakeFunc{
		params:  []api.ValueType{api.ValueTypeI32},
		results: nil,
		fn: func(context.Context, []uint64) ([]uint64, error) {
			return nil, nil
		},
	}
	env := newTestEnv(t, native)
	ic := interp.NewContext()

	info := fnInfo("commit", scalar(metadata.TagVoid))
	info.Throws = true
	c, err := env.Callable(info, nil)
	if err != nil {
		t.Fatalf("Callable() failed: %v", err)
	}

	vals, err := env.Invoke(context.Background(), c, ic, nil)
	if err != nil {
		t.Fatalf("Invoke() failed: %v", err)
	}
	if len(vals) != 1 || !vals[0].Truthy() {
		t.Errorf("fallible void success = %v, want [true]", vals)
	}
}

func TestInvokeThrowsFailure(t *testing.T) {
	native := newFakeNative()
	ctx := context.Background()

	// Pre-build the failure record the entry point will report.
	msg := []byte("stream closed")
	msgPtr, _ := native.Alloc(ctx, uint32(len(msg)))
	native.mem.WriteBytes(msgPtr, msg)
	recPtr, _ := native.Alloc(ctx, abi.ErrorRecordSize)
	native.mem.WriteU32(recPtr, uint32(7))
	native.mem.WriteU32(recPtr+4, msgPtr)
	native.mem.WriteU32(recPtr+8, uint32(len(msg)))

	native.funcs["read"] = &fakeFunc{
		params:  []api.ValueType{api.ValueTypeI32, api.ValueTypeI32},
		results: []api.ValueType{api.ValueTypeI32},
		fn: func(_ context.Context, stack []uint64) ([]uint64, error) {
			native.mem.WriteSlot(uint32(stack[1]), uint64(recPtr))
			return []uint64{0}, nil
		},
	}
	env := newTestEnv(t, native)
	ic := interp.NewContext()

	info := fnInfo("read", scalar(metadata.TagInt32),
		outArg("value", scalar(metadata.TagInt32)))
	info.Throws = true
	c, err := env.Callable(info, nil)
	if err != nil {
		t.Fatalf("Callable() failed: %v", err)
	}

	vals, err := env.Invoke(ctx, c, ic, nil)
	if err != nil {
		t.Fatalf("Invoke() failed: %v", err)
	}
	if len(vals) != 3 {
		t.Fatalf("failure result has %d values, want [false, message, code]", len(vals))
	}
	if vals[0].Truthy() {
		t.Error("first failure value must be false")
	}
	if vals[1].Data.(string) != "stream closed" {
		t.Errorf("message = %v, want 'stream closed'", vals[1])
	}
	if code, _ := vals[2].AsInt(); code != 7 {
		t.Errorf("code = %v, want 7", vals[2])
	}
	if !native.freed[recPtr] || !native.freed[msgPtr] {
		t.Error("failure record and message must be released after decoding")
	}
}

func TestInvokeStringTempReleased(t *testing.T) {
	native := newFakeNative()
	var seenPtr uint32
	native.funcs["print"] = &fakeFunc{
		params:  []api.ValueType{api.ValueTypeI32},
		results: nil,
		fn: func(_ context.Context, stack []uint64) ([]uint64, error) {
			seenPtr = uint32(stack[0])
			return nil, nil
		},
	}
	env := newTestEnv(t, native)
	ic := interp.NewContext()

	c, err := env.Callable(fnInfo("print", scalar(metadata.TagVoid),
		inArg("text", scalar(metadata.TagString))), nil)
	if err != nil {
		t.Fatalf("Callable() failed: %v", err)
	}

	if _, err := env.Invoke(context.Background(), c, ic, []interp.Value{interp.Str("hello")}); err != nil {
		t.Fatalf("Invoke() failed: %v", err)
	}
	if seenPtr == 0 {
		t.Fatal("entry point never saw the staged string")
	}
	if got, _ := native.mem.ReadCString(seenPtr, 64); got != "hello" {
		t.Errorf("guest string = %q, want 'hello'", got)
	}
	if !native.freed[seenPtr] {
		t.Error("borrowed string buffer must be released after the call")
	}
}

func TestInvokeCallerAllocatedOut(t *testing.T) {
	native := newFakeNative()
	native.funcs["locate"] = &fakeFunc{
		params:  []api.ValueType{api.ValueTypeI32},
		results: nil,
		fn: func(_ context.Context, stack []uint64) ([]uint64, error) {
			// Fill the caller-provided rectangle in place.
			ptr := uint32(stack[0])
			native.mem.WriteU32(ptr, 3)
			native.mem.WriteU32(ptr+4, 4)
			return nil, nil
		},
	}
	env := newTestEnv(t, native)
	ic := interp.NewContext()

	rect := metadata.TypeInfo{Tag: metadata.TagRecord, Name: "Rect", Size: 8, LengthIndex: -1}
	out := outArg("bounds", rect)
	out.CallerAllocates = true
	c, err := env.Callable(fnInfo("locate", scalar(metadata.TagVoid), out), nil)
	if err != nil {
		t.Fatalf("Callable() failed: %v", err)
	}

	vals, err := env.Invoke(context.Background(), c, ic, nil)
	if err != nil {
		t.Fatalf("Invoke() failed: %v", err)
	}
	if len(vals) != 1 {
		t.Fatalf("Invoke() returned %d values, want the staged record", len(vals))
	}
	rec, ok := vals[0].Data.(*interp.Record)
	if !ok {
		t.Fatalf("result is %v, want a record", vals[0])
	}
	if x, _ := native.mem.ReadU32(rec.Addr); x != 3 {
		t.Errorf("record field x = %d, want 3", x)
	}
	if y, _ := native.mem.ReadU32(rec.Addr + 4); y != 4 {
		t.Errorf("record field y = %d, want 4", y)
	}
}

func TestInvokeArrayLengthCompanion(t *testing.T) {
	native := newFakeNative()
	var gotLen uint64
	native.funcs["sum"] = &fakeFunc{
		params:  []api.ValueType{api.ValueTypeI32, api.ValueTypeI32},
		results: []api.ValueType{api.ValueTypeI64},
		fn: func(_ context.Context, stack []uint64) ([]uint64, error) {
			gotLen = stack[1]
			var total uint64
			data, _ := native.mem.ReadBytes(uint32(stack[0]), uint32(stack[1]))
			for _, b := range data {
				total += uint64(b)
			}
			return []uint64{total}, nil
		},
	}
	env := newTestEnv(t, native)
	ic := interp.NewContext()

	arr := metadata.TypeInfo{
		Tag:         metadata.TagArray,
		Elem:        &metadata.TypeInfo{Tag: metadata.TagUint8, LengthIndex: -1},
		LengthIndex: 1,
	}
	c, err := env.Callable(fnInfo("sum", scalar(metadata.TagInt64),
		inArg("data", arr),
		inArg("len", scalar(metadata.TagInt32))), nil)
	if err != nil {
		t.Fatalf("Callable() failed: %v", err)
	}

	// The caller passes only the array; the length slot is derived.
	vals, err := env.Invoke(context.Background(), c, ic,
		[]interp.Value{interp.Bytes([]byte{1, 2, 3, 4})})
	if err != nil {
		t.Fatalf("Invoke() failed: %v", err)
	}
	if gotLen != 4 {
		t.Errorf("derived length = %d, want 4", gotLen)
	}
	if got, _ := vals[0].AsInt(); got != 10 {
		t.Errorf("sum = %v, want 10", vals[0])
	}
}

func TestInvokeReleasesLockAroundRawCall(t *testing.T) {
	native := newFakeNative()
	lock := interp.NewRecMutex()
	ic := interp.NewContext()
	other := interp.NewToken()

	native.funcs["work"] = &fakeFunc{
		params:  nil,
		results: nil,
		fn: func(context.Context, []uint64) ([]uint64, error) {
			// The interpreter lock must be free while native code runs.
			lock.Lock(other)
			lock.Unlock(other)
			return nil, nil
		},
	}
	env := New(native, lock, interp.NewFinalizerQueue(), zaptest.NewLogger(t))

	c, err := env.Callable(fnInfo("work", scalar(metadata.TagVoid)), nil)
	if err != nil {
		t.Fatalf("Callable() failed: %v", err)
	}

	ctx, token := interp.EnsureCallToken(context.Background())
	lock.Lock(token)
	defer lock.Unlock(token)
	if _, err := env.Invoke(ctx, c, ic, nil); err != nil {
		t.Fatalf("Invoke() failed: %v", err)
	}
}

func TestInvokeNestedDispatchReenters(t *testing.T) {
	native := newFakeNative()
	lock := interp.NewRecMutex()
	ic := interp.NewContext()
	env := New(native, lock, interp.NewFinalizerQueue(), zaptest.NewLogger(t))

	desc, err := env.Callable(cbInfo("Notify", scalar(metadata.TagVoid)), nil)
	if err != nil {
		t.Fatalf("Callable() failed: %v", err)
	}
	entered := false
	tr, err := env.NewTrampoline(desc, NewCallTarget(ic, func([]interp.Value) ([]interp.Value, error) {
		entered = true
		return nil, nil
	}), false)
	if err != nil {
		t.Fatalf("NewTrampoline() failed: %v", err)
	}

	argv := buildFrame(t, native)
	_, _, dispatchFn := env.Dispatch()
	native.funcs["walk"] = &fakeFunc{
		params:  nil,
		results: nil,
		fn: func(ctx context.Context, _ []uint64) ([]uint64, error) {
			// The callee turns around and dispatches the trampoline on
			// the very stack that is mid-Invoke.
			stack := []uint64{uint64(tr.Handle()), uint64(argv)}
			dispatchFn(ctx, nil, stack)
			if stack[0] != dispatchOK {
				return nil, fmt.Errorf("nested dispatch status %d", stack[0])
			}
			return nil, nil
		},
	}

	c, err := env.Callable(fnInfo("walk", scalar(metadata.TagVoid)), nil)
	if err != nil {
		t.Fatalf("Callable() failed: %v", err)
	}

	// Two lock levels: Invoke releases exactly one around the raw call,
	// so the nested dispatch must reenter the remaining level rather
	// than deadlock against its own stack.
	ctx, token := interp.EnsureCallToken(context.Background())
	lock.Lock(token)
	lock.Lock(token)
	defer lock.Unlock(token)
	defer lock.Unlock(token)

	if _, err := env.Invoke(ctx, c, ic, nil); err != nil {
		t.Fatalf("Invoke() failed: %v", err)
	}
	if !entered {
		t.Error("nested dispatch never reached the interpreter target")
	}
}

func TestInvokeThrowsFailureReleasesReturn(t *testing.T) {
	native := newFakeNative()
	ctx := context.Background()

	// The entry point reports failure and still returns a transferred
	// string; the bridge owns and must release that orphan.
	orphan := []byte("partial\x00")
	orphanPtr, _ := native.Alloc(ctx, uint32(len(orphan)))
	native.mem.WriteBytes(orphanPtr, orphan)

	msg := []byte("disk full")
	msgPtr, _ := native.Alloc(ctx, uint32(len(msg)))
	native.mem.WriteBytes(msgPtr, msg)
	recPtr, _ := native.Alloc(ctx, abi.ErrorRecordSize)
	native.mem.WriteU32(recPtr, uint32(28))
	native.mem.WriteU32(recPtr+4, msgPtr)
	native.mem.WriteU32(recPtr+8, uint32(len(msg)))

	native.funcs["render"] = &fakeFunc{
		params:  []api.ValueType{api.ValueTypeI32},
		results: []api.ValueType{api.ValueTypeI32},
		fn: func(_ context.Context, stack []uint64) ([]uint64, error) {
			native.mem.WriteSlot(uint32(stack[0]), uint64(recPtr))
			return []uint64{uint64(orphanPtr)}, nil
		},
	}
	env := newTestEnv(t, native)
	ic := interp.NewContext()

	info := fnInfo("render", scalar(metadata.TagString))
	info.Throws = true
	info.CallerOwns = metadata.TransferEverything
	c, err := env.Callable(info, nil)
	if err != nil {
		t.Fatalf("Callable() failed: %v", err)
	}

	vals, err := env.Invoke(ctx, c, ic, nil)
	if err != nil {
		t.Fatalf("Invoke() failed: %v", err)
	}
	if len(vals) != 3 || vals[0].Truthy() {
		t.Fatalf("failure result = %v, want [false, message, code]", vals)
	}
	if !native.freed[orphanPtr] {
		t.Error("discarded transferred return must be released")
	}
}
