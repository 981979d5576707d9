package bridge

import (
	"context"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/wasmbind/wasmbind/internal/config"
	"github.com/wasmbind/wasmbind/internal/dyncall"
	"github.com/wasmbind/wasmbind/internal/engine"
	"github.com/wasmbind/wasmbind/internal/interp"
	"github.com/wasmbind/wasmbind/internal/metadata"
	"github.com/wasmbind/wasmbind/pkg/abi"
)

// Bridge assembles the whole call path: metadata repository, wasm engine,
// the dynamic-call environment and a root interpreter context. One Bridge
// serves one guest module.
type Bridge struct {
	repo    *metadata.Repository
	runtime *engine.Runtime
	inst    *engine.Instance
	env     *dyncall.Env
	lock    *interp.RecMutex
	fin     *interp.FinalizerQueue
	root    *interp.Context
	logger  *zap.Logger
}

// New loads the manifest, boots the wasm runtime with the trampoline
// dispatch installed, instantiates the guest module and wires the call
// environment to it.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Bridge, error) {
	logger = logger.With(zap.String("component", "bridge"))

	manifest, err := metadata.ParseManifest(cfg.ManifestPath)
	if err != nil {
		return nil, err
	}
	repo, err := manifest.Build()
	if err != nil {
		return nil, err
	}

	runtime, err := engine.NewRuntime(ctx, logger, &engine.RuntimeConfig{
		MemoryPages:  cfg.Wasm.MemoryPages,
		DebugEnabled: cfg.Wasm.Debug,
		CacheDir:     cfg.Wasm.CacheDir,
	})
	if err != nil {
		return nil, err
	}

	b := &Bridge{
		repo:    repo,
		runtime: runtime,
		lock:    interp.NewRecMutex(),
		fin:     interp.NewFinalizerQueue(),
		root:    interp.NewContext(),
		logger:  logger,
	}

	// The dispatch export must exist before the guest is instantiated, so
	// the environment starts against an unbound adapter.
	adapter := &nativeAdapter{}
	b.env = dyncall.New(adapter, b.lock, b.fin, logger)
	b.env.SetResolver(repo.Lookup)

	params, results, dispatch := b.env.Dispatch()
	err = runtime.InstallHostModule(ctx, abi.HostModule, []engine.HostFunc{{
		Name:    abi.DispatchExport,
		Params:  params,
		Results: results,
		Fn:      dispatch,
	}})
	if err != nil {
		runtime.Close(ctx)
		return nil, err
	}

	wasmPath := repo.WasmFile
	if !filepath.IsAbs(wasmPath) {
		wasmPath = filepath.Join(filepath.Dir(cfg.ManifestPath), wasmPath)
	}
	loader := engine.NewModuleLoader(runtime, logger)
	compiled, err := loader.LoadModuleFromFile(ctx, wasmPath)
	if err != nil {
		runtime.Close(ctx)
		return nil, err
	}
	inst, err := runtime.Instantiate(ctx, compiled, repo.Namespace)
	if err != nil {
		runtime.Close(ctx)
		return nil, err
	}
	adapter.bind(inst)
	b.inst = inst

	logger.Info("guest module bound",
		zap.String("namespace", repo.Namespace),
		zap.String("wasm", wasmPath),
		zap.Int("callables", len(repo.Names())))
	return b, nil
}

// Namespace returns the bound namespace name.
func (b *Bridge) Namespace() string { return b.repo.Namespace }

// Names lists the declared callables.
func (b *Bridge) Names() []string { return b.repo.Names() }

// Env exposes the dynamic-call environment.
func (b *Bridge) Env() *dyncall.Env { return b.env }

// descriptor resolves name to a built callable descriptor.
func (b *Bridge) descriptor(name string) (*dyncall.Callable, error) {
	info, ok := b.repo.Lookup(name)
	if !ok {
		return nil, &UnknownCallableError{Namespace: b.repo.Namespace, Name: name}
	}
	return b.env.Callable(info, nil)
}

// Describe renders the descriptor for a declared callable.
func (b *Bridge) Describe(name string) (string, error) {
	desc, err := b.descriptor(name)
	if err != nil {
		return "", err
	}
	return desc.String(), nil
}

// Call invokes a declared callable under the root context. Deferred
// teardown accumulated during the call runs before Call returns, at a
// point where the interpreter state is quiescent.
func (b *Bridge) Call(ctx context.Context, name string, args ...interp.Value) ([]interp.Value, error) {
	desc, err := b.descriptor(name)
	if err != nil {
		return nil, err
	}

	ctx, token := interp.EnsureCallToken(ctx)
	b.lock.Lock(token)
	defer b.lock.Unlock(token)

	vals, err := b.env.Invoke(ctx, desc, b.root, args)
	if n := b.fin.Drain(); n > 0 {
		b.logger.Debug("drained deferred finalizers", zap.Int("count", n))
	}
	return vals, err
}

// NewClosure builds a trampoline for a declared callback type, targeting
// fn under the root context. With autodestroy the trampoline unwinds
// after its first dispatch.
func (b *Bridge) NewClosure(name string, fn interp.Func, autodestroy bool) (*dyncall.Trampoline, error) {
	desc, err := b.descriptor(name)
	if err != nil {
		return nil, err
	}
	return b.env.NewTrampoline(desc, dyncall.NewCallTarget(b.root, fn), autodestroy)
}

// NewEventClosure wraps fn as an event-system closure under the root
// context.
func (b *Bridge) NewEventClosure(fn interp.Func) (*dyncall.EventClosure, error) {
	return b.env.NewEventClosure(dyncall.NewCallTarget(b.root, fn))
}

// Close tears down the guest module and the runtime.
func (b *Bridge) Close(ctx context.Context) error {
	b.fin.Drain()
	return b.runtime.Close(ctx)
}
