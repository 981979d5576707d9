package interp

// Minimal embedded-interpreter value model. The call bridge moves these
// values across the native boundary; concrete conversion lives in the
// dyncall marshaler, not here.

import (
	"fmt"
	"strconv"
)

// Tag discriminates the dynamic type of a Value.
type Tag uint8

const (
	TagNil Tag = iota
	TagBool
	TagInt
	TagFloat
	TagString
	TagBytes
	TagObject
	TagRecord
	TagFunc
	TagHandle
)

// Value is one interpreter-level value.
type Value struct {
	Tag  Tag
	Data any
}

// Nil is the interpreter's null value.
var Nil = Value{Tag: TagNil}

func Bool(b bool) Value     { return Value{Tag: TagBool, Data: b} }
func Int(i int64) Value     { return Value{Tag: TagInt, Data: i} }
func Float(f float64) Value { return Value{Tag: TagFloat, Data: f} }
func Str(s string) Value    { return Value{Tag: TagString, Data: s} }
func Bytes(b []byte) Value  { return Value{Tag: TagBytes, Data: b} }

// Func is an interpreter-level callable value.
type Func func(args []Value) ([]Value, error)

func FuncVal(f Func) Value { return Value{Tag: TagFunc, Data: f} }

// Object is an interpreter wrapper around a native instance pointer.
type Object struct {
	Class string
	Addr  uint32
}

func ObjectVal(class string, addr uint32) Value {
	return Value{Tag: TagObject, Data: &Object{Class: class, Addr: addr}}
}

// Record is an interpreter wrapper around flat native storage.
type Record struct {
	Type string
	Addr uint32
	Size uint32
}

func RecordVal(typ string, addr, size uint32) Value {
	return Value{Tag: TagRecord, Data: &Record{Type: typ, Addr: addr, Size: size}}
}

// Handle wraps an opaque native scalar (dynamic-type ids and the like).
type Handle struct {
	Kind string
	Raw  uint64
}

func HandleVal(kind string, raw uint64) Value {
	return Value{Tag: TagHandle, Data: &Handle{Kind: kind, Raw: raw}}
}

// Truthy reports the interpreter's truthiness convention: only nil and
// false are falsy.
func (v Value) Truthy() bool {
	switch v.Tag {
	case TagNil:
		return false
	case TagBool:
		return v.Data.(bool)
	}
	return true
}

// AsInt returns the value as an int64, converting floats and bools.
func (v Value) AsInt() (int64, bool) {
	switch v.Tag {
	case TagInt:
		return v.Data.(int64), true
	case TagFloat:
		return int64(v.Data.(float64)), true
	case TagBool:
		if v.Data.(bool) {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

// AsFloat returns the value as a float64, converting ints.
func (v Value) AsFloat() (float64, bool) {
	switch v.Tag {
	case TagFloat:
		return v.Data.(float64), true
	case TagInt:
		return float64(v.Data.(int64)), true
	}
	return 0, false
}

func (v Value) String() string {
	switch v.Tag {
	case TagNil:
		return "nil"
	case TagBool:
		return strconv.FormatBool(v.Data.(bool))
	case TagInt:
		return strconv.FormatInt(v.Data.(int64), 10)
	case TagFloat:
		return strconv.FormatFloat(v.Data.(float64), 'g', -1, 64)
	case TagString:
		return strconv.Quote(v.Data.(string))
	case TagBytes:
		return fmt.Sprintf("bytes[%d]", len(v.Data.([]byte)))
	case TagObject:
		o := v.Data.(*Object)
		return fmt.Sprintf("%s@%#x", o.Class, o.Addr)
	case TagRecord:
		r := v.Data.(*Record)
		return fmt.Sprintf("%s@%#x", r.Type, r.Addr)
	case TagFunc:
		return "func"
	case TagHandle:
		h := v.Data.(*Handle)
		return fmt.Sprintf("handle(%s:%#x)", h.Kind, h.Raw)
	}
	return "unknown"
}
