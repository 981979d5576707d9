package abi

// Shared ABI types for the wasmbind call bridge.
// This package defines the native calling-convention vocabulary used across
// internal packages and by guest-facing tooling.

import (
	"fmt"
	"strings"

	"github.com/tetratelabs/wazero/api"
)

// Slot is the raw 64-bit cell every argument and result travels in.
// wazero encodes all wasm value types into uint64 (api.EncodeI32 etc.);
// guest-side trampoline argument vectors use the same 8-byte layout.
type Slot = uint64

// SlotSize is the byte width of one argument cell in guest memory.
const SlotSize = 8

// Ptr is a guest linear-memory offset. Wasm uses a 32-bit memory model, so
// all "native pointers" crossing the bridge are 32-bit offsets.
type Ptr = uint32

// Signature is the synthesized native calling-convention descriptor for one
// callable: the ordered wasm value types of its arguments and results.
// It is built once during callable-descriptor construction and never mutated.
type Signature struct {
	Params  []api.ValueType
	Results []api.ValueType
}

// Equal reports whether two signatures describe the same wasm function type.
func (s Signature) Equal(o Signature) bool {
	if len(s.Params) != len(o.Params) || len(s.Results) != len(o.Results) {
		return false
	}
	for i, p := range s.Params {
		if p != o.Params[i] {
			return false
		}
	}
	for i, r := range s.Results {
		if r != o.Results[i] {
			return false
		}
	}
	return true
}

// String renders the signature in wat-like form, e.g. "(i32, i64) -> (i32)".
func (s Signature) String() string {
	var b strings.Builder
	b.WriteByte('(')
	for i, p := range s.Params {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(api.ValueTypeName(p))
	}
	b.WriteString(") -> (")
	for i, r := range s.Results {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(api.ValueTypeName(r))
	}
	b.WriteByte(')')
	return b.String()
}

// ErrorRecord is the guest-side error layout used by callables that report
// failure out-of-band. A throwing callable receives an extra pointer slot
// addressing a cell; on failure it stores into that cell a pointer to this
// record in its own linear memory.
//
//	offset 0: code    (i32)
//	offset 4: msg_ptr (i32)
//	offset 8: msg_len (i32)
type ErrorRecord struct {
	Code    int32
	Message string
}

// ErrorRecordSize is the byte size of the guest error record.
const ErrorRecordSize = 12

func (e *ErrorRecord) Error() string {
	return fmt.Sprintf("native error %d: %s", e.Code, e.Message)
}

// DispatchExport is the name of the host function guest code calls to invoke
// a closure trampoline: invoke_trampoline(handle: i32, argv: i32) -> i32.
// argv addresses an array of 8-byte slots laid out per the trampoline's
// callable descriptor. The result is 0 on success, non-zero on fault.
const DispatchExport = "invoke_trampoline"

// HostModule is the import namespace under which the bridge's host functions
// are exported to guest modules.
const HostModule = "wasmbind"
