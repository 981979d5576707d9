package engine

import (
	"fmt"
)

// CompilationError occurs when wasm module compilation fails.
type CompilationError struct {
	ModuleName string
	Err        error
}

func (e *CompilationError) Error() string {
	return fmt.Sprintf("failed to compile wasm module '%s': %v", e.ModuleName, e.Err)
}

func (e *CompilationError) Unwrap() error {
	return e.Err
}

// InstantiationError occurs when module instantiation fails.
type InstantiationError struct {
	ModuleName string
	InstanceID string
	Err        error
}

func (e *InstantiationError) Error() string {
	return fmt.Sprintf("failed to instantiate module '%s' (instance: %s): %v",
		e.ModuleName, e.InstanceID, e.Err)
}

func (e *InstantiationError) Unwrap() error {
	return e.Err
}

// HostModuleError occurs when the bridge's host module cannot be installed.
type HostModuleError struct {
	ModuleName string
	Err        error
}

func (e *HostModuleError) Error() string {
	return fmt.Sprintf("failed to install host module '%s': %v", e.ModuleName, e.Err)
}

func (e *HostModuleError) Unwrap() error {
	return e.Err
}

// SymbolNotFoundError occurs when an exported function is missing.
type SymbolNotFoundError struct {
	ModuleName string
	Symbol     string
}

func (e *SymbolNotFoundError) Error() string {
	return fmt.Sprintf("symbol '%s' not found in module '%s'",
		e.Symbol, e.ModuleName)
}

// AllocError occurs when guest memory cannot be reserved or released.
type AllocError struct {
	InstanceID string
	Size       uint32
	Err        error
}

func (e *AllocError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("guest allocation failed (instance=%s, size=%d): %v",
			e.InstanceID, e.Size, e.Err)
	}
	return fmt.Sprintf("guest allocation failed (instance=%s, size=%d)",
		e.InstanceID, e.Size)
}

func (e *AllocError) Unwrap() error {
	return e.Err
}
