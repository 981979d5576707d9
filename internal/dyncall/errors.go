package dyncall

import (
	"fmt"

	"github.com/wasmbind/wasmbind/pkg/abi"
)

// SymbolResolutionError occurs when a callable's native symbol cannot be
// located at descriptor-construction time.
type SymbolResolutionError struct {
	Callable string
	Symbol   string
	Err      error
}

func (e *SymbolResolutionError) Error() string {
	return fmt.Sprintf("could not locate %s(%s): %v", e.Callable, e.Symbol, e.Err)
}

func (e *SymbolResolutionError) Unwrap() error {
	return e.Err
}

// SignatureError occurs when calling-convention synthesis is rejected:
// the synthesized signature does not match the native entry point, or the
// callable exceeds structural limits.
type SignatureError struct {
	Callable string
	Reason   string
	Want     abi.Signature
	Got      abi.Signature
}

func (e *SignatureError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("signature synthesis for '%s' failed: %s", e.Callable, e.Reason)
	}
	return fmt.Sprintf("signature synthesis for '%s' failed: synthesized %s, native entry is %s",
		e.Callable, e.Want, e.Got)
}

// TrampolineDestroyedError occurs when native code invokes a trampoline
// handle that has already been destroyed.
type TrampolineDestroyedError struct {
	Handle uint32
}

func (e *TrampolineDestroyedError) Error() string {
	return fmt.Sprintf("trampoline %d invoked after destruction", e.Handle)
}

// MarshalError occurs when a value cannot cross the boundary.
type MarshalError struct {
	What string
	Err  error
}

func (e *MarshalError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("marshal %s failed", e.What)
	}
	return fmt.Sprintf("marshal %s: %v", e.What, e.Err)
}

func (e *MarshalError) Unwrap() error {
	return e.Err
}
