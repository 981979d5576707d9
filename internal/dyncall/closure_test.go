package dyncall

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/wasmbind/wasmbind/internal/interp"
	"github.com/wasmbind/wasmbind/internal/metadata"
	"github.com/wasmbind/wasmbind/pkg/abi"
)

// buildFrame lays out a dispatch frame in fake guest memory and returns
// its address. Slot 0 is reserved for the return value.
func buildFrame(t *testing.T, native *fakeNative, slots ...uint64) uint32 {
	t.Helper()
	argv, err := native.Alloc(context.Background(), uint32((len(slots)+1)*abi.SlotSize))
	if err != nil {
		t.Fatalf("frame alloc failed: %v", err)
	}
	for i, v := range slots {
		if !native.mem.WriteSlot(argv+uint32((i+1)*abi.SlotSize), v) {
			t.Fatalf("frame write failed at slot %d", i+1)
		}
	}
	return argv
}

func dispatch(t *testing.T, env *Env, handle, argv uint32) uint32 {
	t.Helper()
	_, _, fn := env.Dispatch()
	stack := []uint64{uint64(handle), uint64(argv)}
	fn(context.Background(), nil, stack)
	return uint32(stack[0])
}

func TestTrampolineDispatch(t *testing.T) {
	native := newFakeNative()
	env := newTestEnv(t, native)
	root := interp.NewContext()

	desc, err := env.Callable(cbInfo("Doubler", scalar(metadata.TagInt32),
		inArg("n", scalar(metadata.TagInt32))), nil)
	if err != nil {
		t.Fatalf("Callable() failed: %v", err)
	}

	var got int64
	target := NewCallTarget(root, func(args []interp.Value) ([]interp.Value, error) {
		got, _ = args[0].AsInt()
		return []interp.Value{interp.Int(got * 2)}, nil
	})
	tr, err := env.NewTrampoline(desc, target, false)
	if err != nil {
		t.Fatalf("NewTrampoline() failed: %v", err)
	}

	argv := buildFrame(t, native, 21)
	if status := dispatch(t, env, tr.Handle(), argv); status != dispatchOK {
		t.Fatalf("dispatch status = %d, want ok", status)
	}
	if got != 21 {
		t.Errorf("target saw %d, want 21", got)
	}
	ret, _ := native.mem.ReadSlot(argv)
	if int32(uint32(ret)) != 42 {
		t.Errorf("return cell = %d, want 42", int32(uint32(ret)))
	}
}

func TestTrampolineOutArgumentWriteThrough(t *testing.T) {
	native := newFakeNative()
	env := newTestEnv(t, native)
	root := interp.NewContext()

	desc, err := env.Callable(cbInfo("Splitter", scalar(metadata.TagVoid),
		inArg("n", scalar(metadata.TagInt32)),
		outArg("half", scalar(metadata.TagInt32))), nil)
	if err != nil {
		t.Fatalf("Callable() failed: %v", err)
	}

	target := NewCallTarget(root, func(args []interp.Value) ([]interp.Value, error) {
		n, _ := args[0].AsInt()
		return []interp.Value{interp.Int(n / 2)}, nil
	})
	tr, err := env.NewTrampoline(desc, target, false)
	if err != nil {
		t.Fatalf("NewTrampoline() failed: %v", err)
	}

	cell, _ := native.Alloc(context.Background(), abi.SlotSize)
	argv := buildFrame(t, native, 10, uint64(cell))
	if status := dispatch(t, env, tr.Handle(), argv); status != dispatchOK {
		t.Fatalf("dispatch status = %d, want ok", status)
	}
	out, _ := native.mem.ReadSlot(cell)
	if out != 5 {
		t.Errorf("out-argument storage = %d, want 5", out)
	}
}

func TestTrampolineFailureRecord(t *testing.T) {
	native := newFakeNative()
	env := newTestEnv(t, native)
	root := interp.NewContext()

	info := cbInfo("Fallible", scalar(metadata.TagVoid))
	info.Throws = true
	desc, err := env.Callable(info, nil)
	if err != nil {
		t.Fatalf("Callable() failed: %v", err)
	}

	target := NewCallTarget(root, func([]interp.Value) ([]interp.Value, error) {
		return nil, &abi.ErrorRecord{Code: 13, Message: "bad state"}
	})
	tr, err := env.NewTrampoline(desc, target, false)
	if err != nil {
		t.Fatalf("NewTrampoline() failed: %v", err)
	}

	errCell, _ := native.Alloc(context.Background(), abi.SlotSize)
	argv := buildFrame(t, native, uint64(errCell))
	if status := dispatch(t, env, tr.Handle(), argv); status != dispatchOK {
		t.Fatalf("dispatch status = %d, want ok (failure reported in-band)", status)
	}

	recSlot, _ := native.mem.ReadSlot(errCell)
	if recSlot == 0 {
		t.Fatal("error cell was never filled")
	}
	recPtr := uint32(recSlot)
	code, _ := native.mem.ReadU32(recPtr)
	if int32(code) != 13 {
		t.Errorf("record code = %d, want 13", int32(code))
	}
	msgPtr, _ := native.mem.ReadU32(recPtr + 4)
	msgLen, _ := native.mem.ReadU32(recPtr + 8)
	msg, _ := native.mem.ReadBytes(msgPtr, msgLen)
	if string(msg) != "native error 13: bad state" {
		t.Errorf("record message = %q", string(msg))
	}
}

func TestTrampolineAutodestroyDeferred(t *testing.T) {
	native := newFakeNative()
	env := newTestEnv(t, native)
	root := interp.NewContext()

	desc, err := env.Callable(cbInfo("Once", scalar(metadata.TagVoid)), nil)
	if err != nil {
		t.Fatalf("Callable() failed: %v", err)
	}
	target := NewCallTarget(root, func([]interp.Value) ([]interp.Value, error) {
		return nil, nil
	})
	tr, err := env.NewTrampoline(desc, target, true)
	if err != nil {
		t.Fatalf("NewTrampoline() failed: %v", err)
	}
	if env.Live() != 1 {
		t.Fatalf("Live() = %d, want 1", env.Live())
	}

	argv := buildFrame(t, native)
	if status := dispatch(t, env, tr.Handle(), argv); status != dispatchOK {
		t.Fatalf("dispatch status = %d, want ok", status)
	}

	// Teardown is deferred, never inline with the dispatch.
	if env.Live() != 1 {
		t.Fatalf("trampoline destroyed inline; Live() = %d, want 1", env.Live())
	}
	env.Finalizers().Drain()
	if env.Live() != 0 {
		t.Errorf("Live() after drain = %d, want 0", env.Live())
	}
}

func TestTrampolineDestroyedDispatchFaults(t *testing.T) {
	native := newFakeNative()
	env := newTestEnv(t, native)
	root := interp.NewContext()

	desc, err := env.Callable(cbInfo("Gone", scalar(metadata.TagVoid)), nil)
	if err != nil {
		t.Fatalf("Callable() failed: %v", err)
	}
	target := NewCallTarget(root, func([]interp.Value) ([]interp.Value, error) {
		t.Fatal("destroyed trampoline must never reach its target")
		return nil, nil
	})
	tr, err := env.NewTrampoline(desc, target, false)
	if err != nil {
		t.Fatalf("NewTrampoline() failed: %v", err)
	}
	handle := tr.Handle()
	tr.Destroy()

	argv := buildFrame(t, native)
	if status := dispatch(t, env, handle, argv); status != dispatchFault {
		t.Errorf("dispatch status = %d, want fault", status)
	}
}

func TestTrampolineResumeTarget(t *testing.T) {
	native := newFakeNative()
	env := newTestEnv(t, native)
	root := interp.NewContext()

	co := root.NewCoroutine(func(y *interp.Yielder, args []interp.Value) ([]interp.Value, error) {
		for {
			n, _ := args[0].AsInt()
			args = y.Yield([]interp.Value{interp.Int(n + 100)})
		}
	})

	desc, err := env.Callable(cbInfo("Stepper", scalar(metadata.TagInt32),
		inArg("n", scalar(metadata.TagInt32))), nil)
	if err != nil {
		t.Fatalf("Callable() failed: %v", err)
	}
	tr, err := env.NewTrampoline(desc, NewResumeTarget(co), false)
	if err != nil {
		t.Fatalf("NewTrampoline() failed: %v", err)
	}

	argv := buildFrame(t, native, 1)
	if status := dispatch(t, env, tr.Handle(), argv); status != dispatchOK {
		t.Fatalf("first dispatch status = %d, want ok", status)
	}
	ret, _ := native.mem.ReadSlot(argv)
	if ret != 101 {
		t.Errorf("first resume returned %d, want 101", ret)
	}

	// A suspended coroutine accepts the next dispatch.
	argv2 := buildFrame(t, native, 2)
	if status := dispatch(t, env, tr.Handle(), argv2); status != dispatchOK {
		t.Fatalf("second dispatch status = %d, want ok", status)
	}
	ret, _ = native.mem.ReadSlot(argv2)
	if ret != 102 {
		t.Errorf("second resume returned %d, want 102", ret)
	}
}

func TestDispatchSerializesForeignStacks(t *testing.T) {
	native := newFakeNative()
	lock := interp.NewRecMutex()
	env := New(native, lock, interp.NewFinalizerQueue(), zaptest.NewLogger(t))
	root := interp.NewContext()

	desc, err := env.Callable(cbInfo("Tick", scalar(metadata.TagVoid)), nil)
	if err != nil {
		t.Fatalf("Callable() failed: %v", err)
	}

	// Two native threads invoke the same trampoline; the target must
	// never observe itself entered twice.
	var inside atomic.Int32
	var overlap atomic.Bool
	target := NewCallTarget(root, func([]interp.Value) ([]interp.Value, error) {
		if inside.Add(1) > 1 {
			overlap.Store(true)
		}
		time.Sleep(10 * time.Millisecond)
		inside.Add(-1)
		return nil, nil
	})
	tr, err := env.NewTrampoline(desc, target, false)
	if err != nil {
		t.Fatalf("NewTrampoline() failed: %v", err)
	}

	frames := []uint32{buildFrame(t, native), buildFrame(t, native)}
	var wg sync.WaitGroup
	for _, argv := range frames {
		wg.Add(1)
		go func(argv uint32) {
			defer wg.Done()
			if status := dispatch(t, env, tr.Handle(), argv); status != dispatchOK {
				overlap.Store(true)
			}
		}(argv)
	}
	wg.Wait()

	if overlap.Load() {
		t.Error("concurrent dispatches entered the interpreter simultaneously")
	}
}

func TestCallTargetForksWhenBusy(t *testing.T) {
	root := interp.NewContext()
	co := root.NewCoroutine(func(y *interp.Yielder, _ []interp.Value) ([]interp.Value, error) {
		y.Yield(nil)
		return nil, nil
	})
	co.Resume(nil) // park it suspended

	target := NewCallTarget(co, func([]interp.Value) ([]interp.Value, error) {
		return nil, nil
	})
	exec, err := target.acquire()
	if err != nil {
		t.Fatalf("acquire() failed: %v", err)
	}
	if exec == co {
		t.Fatal("acquire() must fork instead of reusing a suspended context")
	}

	// The fork is remembered for the next dispatch.
	again, err := target.acquire()
	if err != nil {
		t.Fatalf("second acquire() failed: %v", err)
	}
	if again != exec {
		t.Error("repointed target must reuse the fork")
	}
}
