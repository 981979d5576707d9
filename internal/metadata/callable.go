package metadata

import "fmt"

// Kind identifies what sort of invocable entity a CallableInfo describes.
type Kind int

const (
	KindFunction Kind = iota
	KindMethod
	KindSignal
	KindVFunc
	KindCallback
)

var kindNames = map[Kind]string{
	KindFunction: "function",
	KindMethod:   "method",
	KindSignal:   "signal",
	KindVFunc:    "vfunc",
	KindCallback: "callback",
}

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return "unknown"
}

// CallableInfo is the metadata handle describing one callable: a free
// function, method, signal, virtual slot or callback type.
type CallableInfo struct {
	Namespace string
	Name      string
	Kind      Kind

	// Symbol is the native export name resolved at descriptor-construction
	// time. Only meaningful for functions and methods.
	Symbol string

	// Constructor marks methods that allocate their receiver; constructors
	// take no implicit self argument.
	Constructor bool

	// Throws is true when the callable reports failure through an implicit
	// trailing error slot.
	Throws bool

	// CallerOwns is the ownership rule for the return value.
	CallerOwns Transfer

	Return TypeInfo
	Args   []ArgInfo

	// Container is the declaring type for methods and signals; nil for
	// free functions and callback types.
	Container *ContainerInfo
}

// QualifiedName returns the namespace-prefixed display name used in
// diagnostics and as part of the descriptor cache key.
func (c *CallableInfo) QualifiedName() string {
	if c.Namespace == "" {
		return c.Name
	}
	return c.Namespace + "." + c.Name
}

// HasSelf reports whether an implicit receiver occupies call-slot 0:
// true for non-constructor methods and for signals.
func (c *CallableInfo) HasSelf() bool {
	switch c.Kind {
	case KindMethod:
		return !c.Constructor
	case KindSignal:
		return true
	}
	return false
}

// Validate checks structural consistency of the metadata: cross-argument
// indices must stay inside the argument list.
func (c *CallableInfo) Validate() error {
	n := len(c.Args)
	check := func(what string, idx int) error {
		if idx >= n {
			return fmt.Errorf("callable %s: %s index %d out of range (have %d args)",
				c.QualifiedName(), what, idx, n)
		}
		return nil
	}
	if c.Return.LengthIndex >= 0 {
		if err := check("return length", c.Return.LengthIndex); err != nil {
			return err
		}
	}
	for i := range c.Args {
		a := &c.Args[i]
		if a.Type.LengthIndex >= 0 {
			if err := check(fmt.Sprintf("arg %d length", i), a.Type.LengthIndex); err != nil {
				return err
			}
		}
		if a.ClosureIndex >= 0 {
			if err := check(fmt.Sprintf("arg %d closure", i), a.ClosureIndex); err != nil {
				return err
			}
		}
		if a.DestroyIndex >= 0 {
			if err := check(fmt.Sprintf("arg %d destroy", i), a.DestroyIndex); err != nil {
				return err
			}
		}
	}
	return nil
}
