package engine

import (
	"context"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"
)

// Runtime manages the wazero runtime lifecycle for the call bridge.
// One Runtime hosts the compiled-module cache, the bridge's host module,
// and every instantiated guest module.
type Runtime struct {
	// wazero runtime (singleton per bridge)
	runtime wazero.Runtime

	// Compiled module cache (key: module name/path -> *CompiledModule).
	// Avoids recompiling the same wasm binary.
	modules sync.Map

	// Active module instances (for cleanup on shutdown).
	instances sync.Map // map[string]api.Module

	config *RuntimeConfig
	logger *zap.Logger

	closeOnce sync.Once
	closed    chan struct{}
}

// RuntimeConfig holds native-engine configuration.
type RuntimeConfig struct {
	// Memory limit for guest modules (in pages, 64KB each).
	MemoryPages uint32

	// Enable debug logging for native-call execution.
	DebugEnabled bool

	// Compilation cache directory. Empty means in-memory caching only.
	CacheDir string
}

// DefaultRuntimeConfig returns sensible defaults.
func DefaultRuntimeConfig() *RuntimeConfig {
	return &RuntimeConfig{
		MemoryPages:  256, // 16MB
		DebugEnabled: false,
		CacheDir:     "",
	}
}

// NewRuntime creates and initializes the native engine. Called once during
// bridge startup.
func NewRuntime(ctx context.Context, logger *zap.Logger, config *RuntimeConfig) (*Runtime, error) {
	if config == nil {
		config = DefaultRuntimeConfig()
	}

	r := wazero.NewRuntime(ctx)

	runtime := &Runtime{
		runtime: r,
		config:  config,
		logger:  logger.With(zap.String("component", "engine-runtime")),
		closed:  make(chan struct{}),
	}

	runtime.logger.Info("Native engine initialized",
		zap.Uint32("memory_pages", config.MemoryPages),
		zap.Bool("debug_enabled", config.DebugEnabled),
	)

	return runtime, nil
}

// HostFunc describes one host function with a run-time-synthesized wasm
// signature, exported to guest modules under the bridge's host module.
type HostFunc struct {
	Name    string
	Params  []api.ValueType
	Results []api.ValueType
	Fn      api.GoModuleFunc
}

// InstallHostModule registers host functions under the given import
// namespace. Must run before any guest module that imports them is
// instantiated.
func (r *Runtime) InstallHostModule(ctx context.Context, name string, fns []HostFunc) error {
	builder := r.runtime.NewHostModuleBuilder(name)
	for _, hf := range fns {
		builder = builder.NewFunctionBuilder().
			WithGoModuleFunction(hf.Fn, hf.Params, hf.Results).
			Export(hf.Name)
	}
	if _, err := builder.Instantiate(ctx); err != nil {
		return &HostModuleError{ModuleName: name, Err: err}
	}

	r.logger.Info("Host module installed",
		zap.String("module", name),
		zap.Int("functions", len(fns)),
	)
	return nil
}

// GetCompiledModule retrieves a compiled module from cache.
func (r *Runtime) GetCompiledModule(name string) (*CompiledModule, bool) {
	if val, ok := r.modules.Load(name); ok {
		if mod, ok := val.(*CompiledModule); ok {
			return mod, true
		}
	}
	return nil, false
}

// StoreCompiledModule stores a compiled module in cache.
func (r *Runtime) StoreCompiledModule(module *CompiledModule) {
	r.modules.Store(module.Name, module)
}

func (r *Runtime) storeInstance(name string, mod api.Module) {
	r.instances.Store(name, mod)
}

// Close gracefully shuts down the engine. Idempotent.
func (r *Runtime) Close(ctx context.Context) error {
	var err error
	r.closeOnce.Do(func() {
		r.logger.Info("Shutting down native engine")

		r.instances.Range(func(key, value any) bool {
			if mod, ok := value.(api.Module); ok {
				if closeErr := mod.Close(ctx); closeErr != nil {
					r.logger.Warn("Failed to close instance",
						zap.String("instance", key.(string)),
						zap.Error(closeErr),
					)
				}
			}
			return true
		})

		err = r.runtime.Close(ctx)

		close(r.closed)
		r.logger.Info("Native engine shutdown complete")
	})
	return err
}

// IsClosed returns whether the engine has been shut down.
func (r *Runtime) IsClosed() bool {
	select {
	case <-r.closed:
		return true
	default:
		return false
	}
}
