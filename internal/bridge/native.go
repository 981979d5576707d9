package bridge

import (
	"context"
	"sync"

	"github.com/tetratelabs/wazero/api"

	"github.com/wasmbind/wasmbind/internal/dyncall"
	"github.com/wasmbind/wasmbind/internal/engine"
)

// nativeAdapter narrows an engine instance to the surface the call bridge
// consumes. It exists before the instance does: the dispatch host module
// must be installed ahead of instantiation, so the adapter is handed out
// empty and bound once the guest is up.
type nativeAdapter struct {
	mu   sync.RWMutex
	inst *engine.Instance
}

func (a *nativeAdapter) bind(inst *engine.Instance) {
	a.mu.Lock()
	a.inst = inst
	a.mu.Unlock()
}

func (a *nativeAdapter) instance() (*engine.Instance, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.inst == nil {
		return nil, &NotReadyError{}
	}
	return a.inst, nil
}

func (a *nativeAdapter) ResolveSymbol(name string) (dyncall.NativeFunc, error) {
	inst, err := a.instance()
	if err != nil {
		return nil, err
	}
	fn, err := inst.ResolveSymbol(name)
	if err != nil {
		return nil, err
	}
	return &nativeFunc{fn: fn}, nil
}

func (a *nativeAdapter) Memory() dyncall.Memory {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.inst == nil {
		return nil
	}
	return a.inst.Memory()
}

func (a *nativeAdapter) Alloc(ctx context.Context, size uint32) (uint32, error) {
	inst, err := a.instance()
	if err != nil {
		return 0, err
	}
	return inst.Alloc().Alloc(ctx, size)
}

func (a *nativeAdapter) Free(ctx context.Context, ptr uint32) error {
	inst, err := a.instance()
	if err != nil {
		return err
	}
	return inst.Alloc().Free(ctx, ptr)
}

// nativeFunc adapts one resolved wasm export to the bridge's call shape.
type nativeFunc struct {
	fn api.Function
}

func (f *nativeFunc) Call(ctx context.Context, params ...uint64) ([]uint64, error) {
	return f.fn.Call(ctx, params...)
}

func (f *nativeFunc) ParamTypes() []api.ValueType {
	return f.fn.Definition().ParamTypes()
}

func (f *nativeFunc) ResultTypes() []api.ValueType {
	return f.fn.Definition().ResultTypes()
}
