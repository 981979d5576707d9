package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"
)

// Instance represents an instantiated guest module: the native side of the
// bridge. Symbol resolution and linear-memory access both go through here.
type Instance struct {
	module api.Module

	ID        string
	Name      string
	CreatedAt int64

	// Resolved exported functions, cached per symbol.
	exports map[string]api.Function

	mem   *Memory
	alloc *Allocator

	logger *zap.Logger
}

// Instantiate creates an instance from a compiled module. The bridge's host
// module must already be installed on the runtime.
func (r *Runtime) Instantiate(ctx context.Context, compiled *CompiledModule, instanceID string) (*Instance, error) {
	if instanceID == "" {
		instanceID = fmt.Sprintf("inst-%d", time.Now().UnixNano())
	}

	r.logger.Info("Instantiating guest module",
		zap.String("module", compiled.Name),
		zap.String("instance_id", instanceID),
	)

	moduleConfig := wazero.NewModuleConfig().
		WithName(instanceID).
		WithStartFunctions() // do not auto-run _start

	module, err := r.runtime.InstantiateModule(ctx, compiled.Module, moduleConfig)
	if err != nil {
		return nil, &InstantiationError{
			ModuleName: compiled.Name,
			InstanceID: instanceID,
			Err:        err,
		}
	}

	inst := &Instance{
		module:    module,
		ID:        instanceID,
		Name:      compiled.Name,
		CreatedAt: time.Now().Unix(),
		exports:   make(map[string]api.Function),
		logger:    r.logger.With(zap.String("component", "engine-instance")),
	}
	inst.mem = NewMemory(module)
	inst.alloc = NewAllocator(inst)

	r.storeInstance(instanceID, module)

	r.logger.Info("Guest module instantiated",
		zap.String("instance_id", instanceID),
	)

	return inst, nil
}

// ResolveSymbol looks up an exported function by name, caching the result.
// A missing export is a construction-time failure for the callable that
// referenced it.
func (i *Instance) ResolveSymbol(name string) (api.Function, error) {
	if fn, ok := i.exports[name]; ok {
		return fn, nil
	}
	fn := i.module.ExportedFunction(name)
	if fn == nil {
		return nil, &SymbolNotFoundError{ModuleName: i.Name, Symbol: name}
	}
	i.exports[name] = fn
	return fn, nil
}

// Memory returns the linear-memory helper for this instance.
func (i *Instance) Memory() *Memory {
	return i.mem
}

// Alloc returns the guest allocator for this instance.
func (i *Instance) Alloc() *Allocator {
	return i.alloc
}

// Module exposes the underlying wazero module.
func (i *Instance) Module() api.Module {
	return i.module
}

// Close closes the instance and releases its resources.
func (i *Instance) Close(ctx context.Context) error {
	return i.module.Close(ctx)
}
