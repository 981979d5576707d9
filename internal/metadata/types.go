package metadata

// Run-time type metadata for the call bridge. The dyncall core never
// inspects concrete value representations; it classifies slots using the
// handles defined here and leaves conversion to the marshaling collaborator.

// TypeTag identifies the fundamental shape of a type.
type TypeTag int

const (
	TagVoid TypeTag = iota
	TagBool
	TagInt8
	TagUint8
	TagInt16
	TagUint16
	TagInt32
	TagUint32
	TagInt64
	TagUint64
	TagFloat
	TagDouble
	// TagDynType is a platform-width dynamic-type handle (a runtime type id
	// crossing the boundary as an opaque scalar).
	TagDynType
	TagString
	// TagArray is a C-style array; when LengthIndex >= 0 its element count
	// travels in another argument slot.
	TagArray
	// TagSequence is a growable container (list-like).
	TagSequence
	TagRecord
	TagBoxed
	TagObject
	TagInterface
	TagEnum
	TagFlags
	TagCallback
)

var tagNames = map[TypeTag]string{
	TagVoid: "void", TagBool: "bool",
	TagInt8: "int8", TagUint8: "uint8",
	TagInt16: "int16", TagUint16: "uint16",
	TagInt32: "int32", TagUint32: "uint32",
	TagInt64: "int64", TagUint64: "uint64",
	TagFloat: "float", TagDouble: "double",
	TagDynType: "dyntype", TagString: "string",
	TagArray: "array", TagSequence: "sequence",
	TagRecord: "record", TagBoxed: "boxed",
	TagObject: "object", TagInterface: "interface",
	TagEnum: "enum", TagFlags: "flags",
	TagCallback: "callback",
}

func (t TypeTag) String() string {
	if n, ok := tagNames[t]; ok {
		return n
	}
	return "unknown"
}

// IsScalar reports whether the tag maps directly to a wasm scalar without
// indirection.
func (t TypeTag) IsScalar() bool {
	switch t {
	case TagVoid, TagBool, TagInt8, TagUint8, TagInt16, TagUint16,
		TagInt32, TagUint32, TagInt64, TagUint64, TagFloat, TagDouble,
		TagDynType:
		return true
	}
	return false
}

// TypeInfo describes one type as the metadata repository declares it.
// It is embedded by value into parameter descriptors; the descriptor does
// not own it separately.
type TypeInfo struct {
	Tag TypeTag

	// Name is the declared type name for diagnostics (records, objects,
	// enums); empty for anonymous scalars.
	Name string

	// Pointer is true when the type is declared as passed by pointer
	// regardless of its tag.
	Pointer bool

	// Storage is the declared storage width for enum/flags types.
	Storage TypeTag

	// Elem is the element type for arrays and sequences.
	Elem *TypeInfo

	// LengthIndex is the argument index carrying this array's element
	// count, or -1 when the length is not annotated.
	LengthIndex int

	// Size is the flat storage size in bytes for record types; zero when
	// unknown or not applicable. Caller-allocated out-arguments need it.
	Size uint32
}

// String renders the type for diagnostics, e.g. "int32", "*record Rect".
func (t *TypeInfo) String() string {
	s := t.Tag.String()
	if t.Name != "" {
		s += " " + t.Name
	}
	if t.Pointer {
		s = "*" + s
	}
	return s
}

// Direction states which way an argument's value flows across the call.
type Direction int

const (
	DirIn Direction = iota
	DirOut
	DirInOut
)

func (d Direction) String() string {
	switch d {
	case DirIn:
		return "in"
	case DirOut:
		return "out"
	case DirInOut:
		return "inout"
	}
	return "unknown"
}

// Transfer is the ownership rule for a value crossing the boundary.
type Transfer int

const (
	// TransferNone: the value stays owned by its producer (borrowed).
	TransferNone Transfer = iota
	// TransferContainer: the container is handed over, its elements are not.
	TransferContainer
	// TransferEverything: full ownership crosses the boundary.
	TransferEverything
)

func (t Transfer) String() string {
	switch t {
	case TransferNone:
		return "none"
	case TransferContainer:
		return "container"
	case TransferEverything:
		return "everything"
	}
	return "unknown"
}

// ArgInfo describes one declared argument of a callable.
type ArgInfo struct {
	Name      string
	Type      TypeInfo
	Direction Direction
	Transfer  Transfer

	// CallerAllocates is true for OUT arguments whose storage the caller
	// must provide (typically flat records written in place).
	CallerAllocates bool

	// ClosureIndex designates another argument as this callback argument's
	// user-data slot; -1 when absent.
	ClosureIndex int

	// DestroyIndex designates another argument as this callback argument's
	// destroy-notifier slot; -1 when absent.
	DestroyIndex int
}

// ContainerKind classifies the receiver container of a method or signal.
type ContainerKind int

const (
	ContainerObject ContainerKind = iota
	ContainerInterface
	ContainerRecord
	ContainerUnion
)

// ContainerInfo describes the type a method or signal is declared on.
type ContainerInfo struct {
	Kind ContainerKind
	Name string
}
