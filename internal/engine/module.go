package engine

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/tetratelabs/wazero"
	"go.uber.org/zap"
)

// CompiledModule wraps a wazero.CompiledModule with metadata.
type CompiledModule struct {
	Module wazero.CompiledModule

	Name      string
	Source    string
	SizeBytes int64

	CompiledAt int64
}

// ModuleLoader handles loading and compiling guest wasm modules.
type ModuleLoader struct {
	runtime *Runtime
	logger  *zap.Logger
}

// NewModuleLoader creates a new module loader.
func NewModuleLoader(runtime *Runtime, logger *zap.Logger) *ModuleLoader {
	return &ModuleLoader{
		runtime: runtime,
		logger:  logger.With(zap.String("component", "engine-loader")),
	}
}

// ModuleSource represents a source for wasm bytecode.
type ModuleSource interface {
	// Bytes returns the wasm bytecode.
	Bytes() ([]byte, error)

	// Name returns a name/identifier for this module.
	Name() string

	// Size returns the size in bytes.
	Size() int64
}

// FileModuleSource loads wasm from a file.
type FileModuleSource struct {
	Path string
}

func (f *FileModuleSource) Bytes() ([]byte, error) {
	return os.ReadFile(f.Path)
}

func (f *FileModuleSource) Name() string {
	return f.Path
}

func (f *FileModuleSource) Size() int64 {
	info, err := os.Stat(f.Path)
	if err != nil {
		return 0
	}
	return info.Size()
}

// MemoryModuleSource loads wasm from memory.
type MemoryModuleSource struct {
	ModuleName string
	Data       []byte
}

func (m *MemoryModuleSource) Bytes() ([]byte, error) {
	return m.Data, nil
}

func (m *MemoryModuleSource) Name() string {
	return m.ModuleName
}

func (m *MemoryModuleSource) Size() int64 {
	return int64(len(m.Data))
}

// LoadModule loads a wasm module from a source, compiling it if not already
// cached.
func (l *ModuleLoader) LoadModule(ctx context.Context, source ModuleSource) (*CompiledModule, error) {
	if cached, ok := l.runtime.GetCompiledModule(source.Name()); ok {
		l.logger.Debug("Module cache hit", zap.String("module", source.Name()))
		return cached, nil
	}

	wasmBytes, err := source.Bytes()
	if err != nil {
		return nil, fmt.Errorf("failed to read module %s: %w", source.Name(), err)
	}

	l.logger.Info("Compiling wasm module",
		zap.String("module", source.Name()),
		zap.Int64("size_bytes", source.Size()),
	)

	startTime := time.Now()

	// Decodes and validates the wasm binary; CPU-intensive but only done
	// once per module.
	compiled, err := l.runtime.runtime.CompileModule(ctx, wasmBytes)
	if err != nil {
		return nil, &CompilationError{
			ModuleName: source.Name(),
			Err:        err,
		}
	}

	compiledModule := &CompiledModule{
		Module:     compiled,
		Name:       source.Name(),
		Source:     source.Name(),
		SizeBytes:  source.Size(),
		CompiledAt: time.Now().Unix(),
	}

	l.runtime.StoreCompiledModule(compiledModule)

	l.logger.Info("Module compiled successfully",
		zap.String("module", source.Name()),
		zap.Duration("duration", time.Since(startTime)),
	)

	return compiledModule, nil
}

// LoadModuleFromFile is a convenience function for loading from a file path.
func (l *ModuleLoader) LoadModuleFromFile(ctx context.Context, path string) (*CompiledModule, error) {
	return l.LoadModule(ctx, &FileModuleSource{Path: path})
}

// LoadModuleFromMemory loads from a byte slice.
func (l *ModuleLoader) LoadModuleFromMemory(ctx context.Context, name string, data []byte) (*CompiledModule, error) {
	return l.LoadModule(ctx, &MemoryModuleSource{ModuleName: name, Data: data})
}
