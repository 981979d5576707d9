package dyncall

// Narrow collaborator contracts. The core classifies slots and drives the
// call protocol; everything that touches concrete representations (engine
// internals, value conversion, instance wrapping) arrives through these
// interfaces so tests can substitute instrumented implementations.

import (
	"context"

	"github.com/tetratelabs/wazero/api"

	"github.com/wasmbind/wasmbind/internal/interp"
	"github.com/wasmbind/wasmbind/internal/metadata"
)

// NativeFunc is one resolved native entry point.
type NativeFunc interface {
	// Call performs the raw native call with encoded argument slots.
	Call(ctx context.Context, params ...uint64) ([]uint64, error)

	// ParamTypes and ResultTypes report the entry point's actual wasm
	// signature, used to validate synthesized signatures.
	ParamTypes() []api.ValueType
	ResultTypes() []api.ValueType
}

// Memory is the slice of guest linear memory the core touches: 8-byte
// argument cells, 32-bit pointers, and raw byte regions.
type Memory interface {
	ReadSlot(ptr uint32) (uint64, bool)
	WriteSlot(ptr uint32, v uint64) bool
	ReadU32(ptr uint32) (uint32, bool)
	WriteU32(ptr uint32, v uint32) bool
	ReadBytes(ptr uint32, length uint32) ([]byte, bool)
	WriteBytes(ptr uint32, data []byte) bool
	ReadCString(ptr uint32, maxLen uint32) (string, bool)
}

// Native is the slice of the native engine the core needs: symbol
// resolution, memory access and scratch allocation.
type Native interface {
	ResolveSymbol(name string) (NativeFunc, error)
	Memory() Memory
	Alloc(ctx context.Context, size uint32) (uint32, error)
	Free(ctx context.Context, ptr uint32) error
}

// Marshaler converts between interpreter values and native argument slots.
// The core calls it once per non-internal parameter and never inspects
// concrete representations itself.
type Marshaler interface {
	// In marshals an interpreter value into a native slot. The returned
	// count is the number of transient allocations produced as marshaling
	// side effects; the invoker discards them after the call, and the
	// reverse path reports them as transfer anomalies.
	In(ctx context.Context, t *metadata.TypeInfo, transfer metadata.Transfer, slot *uint64, src interp.Value) (int, error)

	// Out marshals a native slot into an interpreter value under the
	// given ownership rule.
	Out(ctx context.Context, t *metadata.TypeInfo, transfer metadata.Transfer, slot uint64) (interp.Value, error)

	// CallerAlloc pre-creates storage for a caller-allocated out-argument
	// and returns the interpreter value wrapping it plus its native
	// address. ok is false when the type has no caller-allocated form.
	CallerAlloc(ctx context.Context, t *metadata.TypeInfo) (val interp.Value, ptr uint32, ok bool, err error)
}

// ObjectWrapper resolves instance receivers: interpreter wrappers to
// native pointers and back. Used only for self-typed slots.
type ObjectWrapper interface {
	ObjectToNative(v interp.Value, expect *metadata.ContainerInfo) (uint32, error)
	NativeToObject(ptr uint32, container *metadata.ContainerInfo) (interp.Value, error)
	RecordToNative(v interp.Value, expect *metadata.ContainerInfo) (uint32, error)
	NativeToRecord(ptr uint32, container *metadata.ContainerInfo) (interp.Value, error)
}
