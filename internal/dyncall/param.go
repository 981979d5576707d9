package dyncall

import (
	"github.com/tetratelabs/wazero/api"

	"github.com/wasmbind/wasmbind/internal/metadata"
)

// Param is the per-position classification of one argument or return slot.
// It is embedded into the callable descriptor and never mutated after
// construction finishes, with the single exception of the internal flag,
// which another slot's metadata may set while the descriptor is built.
type Param struct {
	// Type and Arg are the metadata handles for this slot, embedded by
	// value.
	Type metadata.TypeInfo
	Arg  metadata.ArgInfo

	// Dir is the value-flow direction.
	Dir metadata.Direction

	// Transfer is the ownership rule for values leaving native code
	// through this slot.
	Transfer metadata.Transfer

	// Internal marks slots hidden from the interpreter-facing signature:
	// array lengths, callback user-data, destroy notifiers. It is derived
	// during callable construction, set by the slot that references this
	// one, and never unset afterward.
	Internal bool
}

// scalarSlotType maps a primitive type tag to its wasm value type.
// ok is false for anything structurally complex (and for void, which has
// no slot at all).
func scalarSlotType(tag metadata.TypeTag) (api.ValueType, bool) {
	switch tag {
	case metadata.TagBool,
		metadata.TagInt8, metadata.TagUint8,
		metadata.TagInt16, metadata.TagUint16,
		metadata.TagInt32, metadata.TagUint32:
		return api.ValueTypeI32, true
	case metadata.TagInt64, metadata.TagUint64:
		return api.ValueTypeI64, true
	case metadata.TagDynType:
		// Dynamic-type handles are platform-width scalars; they cross the
		// boundary in a full 64-bit slot.
		return api.ValueTypeI64, true
	case metadata.TagFloat:
		return api.ValueTypeF32, true
	case metadata.TagDouble:
		return api.ValueTypeF64, true
	}
	return 0, false
}

// slotType picks the wasm value type for this slot's IN-direction form.
// Pointer-declared types are pointers; primitives map directly; enums and
// flags use their declared storage width; everything structurally complex
// (records, sequences, boxed types, interfaces, callables, strings) passes
// by pointer.
func (p *Param) slotType() api.ValueType {
	if p.Type.Pointer {
		return api.ValueTypeI32
	}
	if vt, ok := scalarSlotType(p.Type.Tag); ok {
		return vt
	}
	if p.Type.Tag == metadata.TagEnum || p.Type.Tag == metadata.TagFlags {
		if vt, ok := scalarSlotType(p.Type.Storage); ok {
			return vt
		}
	}
	return api.ValueTypeI32
}

// isVoid reports whether the slot carries no value at all (a bare void
// return).
func (p *Param) isVoid() bool {
	return p.Type.Tag == metadata.TagVoid && !p.Type.Pointer
}
