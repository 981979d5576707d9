package dyncall

import (
	"fmt"

	"github.com/tetratelabs/wazero/api"

	"github.com/wasmbind/wasmbind/internal/metadata"
	"github.com/wasmbind/wasmbind/pkg/abi"
)

// MaxArgs is the structural cap on declared arguments; the count must fit
// a small fixed-width field.
const MaxArgs = 63

// Callable is the immutable descriptor for one invocable entity: its
// classified parameters, characteristics and synthesized native calling
// convention. Built once per (kind, qualified name), then cached; every
// holder aliases the cached instance.
type Callable struct {
	// info is the owned metadata handle.
	info *metadata.CallableInfo

	// fn is the resolved native entry point; nil for pure callback
	// descriptors that exist only to shape trampolines.
	fn NativeFunc

	hasSelf bool
	throws  bool
	nargs   int

	retval Param
	params []Param

	// sig is the synthesized calling-convention descriptor.
	sig abi.Signature
}

// Info returns the descriptor's metadata handle.
func (c *Callable) Info() *metadata.CallableInfo { return c.info }

// HasSelf reports whether call-slot 0 carries an implicit receiver.
func (c *Callable) HasSelf() bool { return c.hasSelf }

// Throws reports whether the callable reports failure through an implicit
// trailing error slot.
func (c *Callable) Throws() bool { return c.throws }

// NumArgs returns the declared argument count.
func (c *Callable) NumArgs() int { return c.nargs }

// Signature returns the synthesized native signature.
func (c *Callable) Signature() abi.Signature { return c.sig }

// Param returns the descriptor for declared argument i.
func (c *Callable) Param(i int) *Param { return &c.params[i] }

// Return returns the return-slot descriptor.
func (c *Callable) Return() *Param { return &c.retval }

// slotCount is the total native argument-slot count: receiver, declared
// arguments, implicit error slot.
func (c *Callable) slotCount() int {
	n := c.nargs
	if c.hasSelf {
		n++
	}
	if c.throws {
		n++
	}
	return n
}

// String renders the descriptor for diagnostics: kind shorthand, entry
// symbol and qualified name.
func (c *Callable) String() string {
	short := "cbk"
	switch c.info.Kind {
	case metadata.KindFunction, metadata.KindMethod:
		short = "fun"
	case metadata.KindSignal:
		short = "sig"
	case metadata.KindVFunc:
		short = "vfn"
	}
	return fmt.Sprintf("wasmbind.%s (%s): %s", short, c.info.Symbol, c.info.QualifiedName())
}

// markArrayLength flags the length argument of a length-annotated C-style
// array as internal, hiding it from the interpreter-facing signature.
func (c *Callable) markArrayLength(t *metadata.TypeInfo) {
	if t.Tag == metadata.TagArray && t.LengthIndex >= 0 && t.LengthIndex < c.nargs {
		c.params[t.LengthIndex].Internal = true
	}
}

// Callable builds (or retrieves from cache) the descriptor for the given
// metadata handle. addr optionally supplies a pre-resolved entry point,
// bypassing symbol resolution. Construction is idempotent: two builds for
// the same (kind, qualified name) return the identical instance.
func (e *Env) Callable(info *metadata.CallableInfo, addr NativeFunc) (*Callable, error) {
	key := cacheKey(info)
	if cached, ok := e.cache.Get(key); ok {
		return cached, nil
	}

	nargs := len(info.Args)
	if nargs > MaxArgs {
		return nil, &SignatureError{
			Callable: info.QualifiedName(),
			Reason:   fmt.Sprintf("%d arguments exceed the %d-argument cap", nargs, MaxArgs),
		}
	}

	c := &Callable{
		info:    info,
		fn:      addr,
		hasSelf: info.HasSelf(),
		throws:  info.Throws,
		nargs:   nargs,
		params:  make([]Param, nargs),
	}

	// Plain functions and methods with no pre-resolved address bind their
	// native symbol now; failing that fails the whole construction.
	if c.fn == nil && (info.Kind == metadata.KindFunction || info.Kind == metadata.KindMethod) {
		fn, err := e.native.ResolveSymbol(info.Symbol)
		if err != nil {
			return nil, &SymbolResolutionError{
				Callable: info.QualifiedName(),
				Symbol:   info.Symbol,
				Err:      err,
			}
		}
		c.fn = fn
	}

	// Return slot: always OUT, ownership per the callable's declared
	// caller-owns rule.
	c.retval = Param{
		Type:     info.Return,
		Dir:      metadata.DirOut,
		Transfer: info.CallerOwns,
	}
	c.markArrayLength(&c.retval.Type)

	// Native argument-type list: implicit receiver pointer first.
	sigParams := make([]api.ValueType, 0, nargs+2)
	if c.hasSelf {
		sigParams = append(sigParams, api.ValueTypeI32)
	}

	// Single left-to-right scan: classify each declared argument and apply
	// internal flags to the slots it references. Referenced indices are
	// metadata-declared, so incremental application is sound.
	for i := range info.Args {
		arg := &info.Args[i]
		p := &c.params[i]
		p.Arg = *arg
		p.Type = arg.Type
		p.Dir = arg.Direction
		p.Transfer = arg.Transfer

		if p.Dir == metadata.DirIn {
			sigParams = append(sigParams, p.slotType())
		} else {
			// Out and inout arguments always pass the address of the
			// storage holding the value.
			sigParams = append(sigParams, api.ValueTypeI32)
		}

		if arg.Type.Tag == metadata.TagCallback {
			if idx := arg.ClosureIndex; idx >= 0 && idx < nargs && idx != i {
				c.params[idx].Internal = true
			}
			if idx := arg.DestroyIndex; idx >= 0 && idx < nargs && idx != i {
				c.params[idx].Internal = true
			}
		}
		c.markArrayLength(&p.Type)
	}

	// Implicit out-parameter error slot.
	if c.throws {
		sigParams = append(sigParams, api.ValueTypeI32)
	}

	c.sig = abi.Signature{Params: sigParams}
	if !c.retval.isVoid() {
		c.sig.Results = []api.ValueType{c.retval.slotType()}
	}

	// Validate synthesis against the resolved entry point's actual type.
	if c.fn != nil {
		actual := abi.Signature{Params: c.fn.ParamTypes(), Results: c.fn.ResultTypes()}
		if !c.sig.Equal(actual) {
			return nil, &SignatureError{
				Callable: info.QualifiedName(),
				Want:     c.sig,
				Got:      actual,
			}
		}
	}

	return e.cache.Put(key, c), nil
}
