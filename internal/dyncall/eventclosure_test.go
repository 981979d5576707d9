package dyncall

import (
	"context"
	"errors"
	"testing"

	"github.com/wasmbind/wasmbind/internal/interp"
)

func TestEventClosureInvoke(t *testing.T) {
	env := newTestEnv(t, newFakeNative())
	root := interp.NewContext()

	target := NewCallTarget(root, func(args []interp.Value) ([]interp.Value, error) {
		n, _ := args[0].AsInt()
		return []interp.Value{interp.Int(n + 1)}, nil
	})
	ec, err := env.NewEventClosure(target)
	if err != nil {
		t.Fatalf("NewEventClosure() failed: %v", err)
	}

	v, err := ec.Invoke(context.Background(), []interp.Value{interp.Int(9)})
	if err != nil {
		t.Fatalf("Invoke() failed: %v", err)
	}
	if got, _ := v.AsInt(); got != 10 {
		t.Errorf("Invoke() = %v, want 10", v)
	}
}

func TestEventClosureInvalidation(t *testing.T) {
	env := newTestEnv(t, newFakeNative())
	root := interp.NewContext()

	target := NewCallTarget(root, func([]interp.Value) ([]interp.Value, error) {
		return nil, nil
	})
	ec, err := env.NewEventClosure(target)
	if err != nil {
		t.Fatalf("NewEventClosure() failed: %v", err)
	}

	notified := 0
	ec.AddFinalizeNotifier(func() { notified++ })

	ec.Ref()
	ec.Unref()
	if !ec.Valid() {
		t.Fatal("closure invalidated while references remain")
	}
	if notified != 0 {
		t.Fatal("notifier ran before the last reference dropped")
	}

	refsBefore := root.Refs()
	ec.Unref()
	if ec.Valid() {
		t.Fatal("closure still valid after the last Unref")
	}
	if notified != 1 {
		t.Errorf("notifier ran %d times, want 1", notified)
	}

	// Context release is deferred to the finalization queue.
	if root.Refs() != refsBefore {
		t.Error("target context released inline instead of deferred")
	}
	env.Finalizers().Drain()
	if root.Refs() != refsBefore-1 {
		t.Errorf("target context refs = %d after drain, want %d", root.Refs(), refsBefore-1)
	}

	if _, err := ec.Invoke(context.Background(), nil); err == nil {
		t.Fatal("invoking an invalidated closure must fail")
	}

	// Late notifiers run immediately on a dead closure.
	late := false
	ec.AddFinalizeNotifier(func() { late = true })
	if !late {
		t.Error("notifier on an invalidated closure must run immediately")
	}
}

func TestEventClosureResumeTargetDead(t *testing.T) {
	env := newTestEnv(t, newFakeNative())
	root := interp.NewContext()

	co := root.NewCoroutine(func(*interp.Yielder, []interp.Value) ([]interp.Value, error) {
		return nil, nil
	})
	co.Resume(nil) // runs to completion

	ec, err := env.NewEventClosure(NewResumeTarget(co))
	if err != nil {
		t.Fatalf("NewEventClosure() failed: %v", err)
	}
	if _, err := ec.Invoke(context.Background(), nil); !errors.Is(err, interp.ErrNotResumable) {
		t.Errorf("Invoke() on a dead coroutine = %v, want ErrNotResumable", err)
	}
}
