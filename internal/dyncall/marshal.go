package dyncall

import (
	"context"
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/wasmbind/wasmbind/internal/interp"
	"github.com/wasmbind/wasmbind/internal/metadata"
)

// maxCStringLen bounds null-terminator scans when decoding guest strings.
const maxCStringLen = 1 << 20

// valueMarshaler converts interpreter values to and from raw native slots.
// String and buffer arguments may allocate guest memory; when In reports
// temps > 0 the slot value is a guest allocation the caller must release
// after the raw call returns.
type valueMarshaler struct {
	native Native
	logger *zap.Logger
}

// NewValueMarshaler builds the default slot marshaler against the given
// native surface.
func NewValueMarshaler(native Native, logger *zap.Logger) Marshaler {
	return &valueMarshaler{
		native: native,
		logger: logger.With(zap.String("component", "marshaler")),
	}
}

func (m *valueMarshaler) In(ctx context.Context, t *metadata.TypeInfo, transfer metadata.Transfer, slot *uint64, src interp.Value) (int, error) {
	switch t.Tag {
	case metadata.TagVoid:
		*slot = 0
		return 0, nil

	case metadata.TagBool:
		if src.Truthy() {
			*slot = 1
		} else {
			*slot = 0
		}
		return 0, nil

	case metadata.TagInt8, metadata.TagUint8,
		metadata.TagInt16, metadata.TagUint16,
		metadata.TagInt32, metadata.TagUint32,
		metadata.TagInt64, metadata.TagUint64,
		metadata.TagDynType:
		n, ok := src.AsInt()
		if !ok {
			return 0, &MarshalError{What: fmt.Sprintf("%s from %s", t, src)}
		}
		*slot = uint64(n)
		return 0, nil

	case metadata.TagFloat:
		f, ok := src.AsFloat()
		if !ok {
			return 0, &MarshalError{What: fmt.Sprintf("float from %s", src)}
		}
		*slot = uint64(math.Float32bits(float32(f)))
		return 0, nil

	case metadata.TagDouble:
		f, ok := src.AsFloat()
		if !ok {
			return 0, &MarshalError{What: fmt.Sprintf("double from %s", src)}
		}
		*slot = math.Float64bits(f)
		return 0, nil

	case metadata.TagString:
		if src.Tag == interp.TagNil {
			*slot = 0
			return 0, nil
		}
		var data []byte
		switch src.Tag {
		case interp.TagString:
			data = []byte(src.Data.(string))
		case interp.TagBytes:
			data = src.Data.([]byte)
		default:
			return 0, &MarshalError{What: fmt.Sprintf("string from %s", src)}
		}
		ptr, err := m.copyToGuest(ctx, data)
		if err != nil {
			return 0, err
		}
		*slot = uint64(ptr)
		// Borrowed strings stay ours; full transfer hands the copy to the
		// callee and its allocator.
		if transfer == metadata.TransferNone {
			return 1, nil
		}
		return 0, nil

	case metadata.TagEnum, metadata.TagFlags:
		n, ok := src.AsInt()
		if !ok {
			return 0, &MarshalError{What: fmt.Sprintf("%s %s from %s", t.Tag, t.Name, src)}
		}
		*slot = uint64(n)
		return 0, nil

	case metadata.TagRecord, metadata.TagBoxed:
		if src.Tag == interp.TagNil {
			*slot = 0
			return 0, nil
		}
		rec, ok := src.Data.(*interp.Record)
		if !ok {
			return 0, &MarshalError{What: fmt.Sprintf("record %s from %s", t.Name, src)}
		}
		*slot = uint64(rec.Addr)
		return 0, nil

	case metadata.TagObject, metadata.TagInterface:
		if src.Tag == interp.TagNil {
			*slot = 0
			return 0, nil
		}
		obj, ok := src.Data.(*interp.Object)
		if !ok {
			return 0, &MarshalError{What: fmt.Sprintf("object %s from %s", t.Name, src)}
		}
		*slot = uint64(obj.Addr)
		return 0, nil

	case metadata.TagArray, metadata.TagSequence:
		if src.Tag == interp.TagNil {
			*slot = 0
			return 0, nil
		}
		if src.Tag == interp.TagBytes {
			ptr, err := m.copyToGuest(ctx, src.Data.([]byte))
			if err != nil {
				return 0, err
			}
			*slot = uint64(ptr)
			if transfer == metadata.TransferNone {
				return 1, nil
			}
			return 0, nil
		}
		return 0, &MarshalError{What: fmt.Sprintf("array from %s", src)}
	}
	return 0, &MarshalError{What: fmt.Sprintf("unsupported input type %s", t)}
}

func (m *valueMarshaler) Out(ctx context.Context, t *metadata.TypeInfo, transfer metadata.Transfer, slot uint64) (interp.Value, error) {
	switch t.Tag {
	case metadata.TagVoid:
		return interp.Nil, nil

	case metadata.TagBool:
		return interp.Bool(slot != 0), nil

	case metadata.TagInt8:
		return interp.Int(int64(int8(uint8(slot)))), nil
	case metadata.TagUint8:
		return interp.Int(int64(uint8(slot))), nil
	case metadata.TagInt16:
		return interp.Int(int64(int16(uint16(slot)))), nil
	case metadata.TagUint16:
		return interp.Int(int64(uint16(slot))), nil
	case metadata.TagInt32:
		return interp.Int(int64(int32(uint32(slot)))), nil
	case metadata.TagUint32:
		return interp.Int(int64(uint32(slot))), nil
	case metadata.TagInt64, metadata.TagUint64:
		return interp.Int(int64(slot)), nil
	case metadata.TagDynType:
		return interp.HandleVal("dyntype", slot), nil

	case metadata.TagFloat:
		return interp.Float(float64(math.Float32frombits(uint32(slot)))), nil
	case metadata.TagDouble:
		return interp.Float(math.Float64frombits(slot)), nil

	case metadata.TagString:
		ptr := uint32(slot)
		if ptr == 0 {
			return interp.Nil, nil
		}
		s, ok := m.native.Memory().ReadCString(ptr, maxCStringLen)
		if !ok {
			return interp.Nil, &MarshalError{What: fmt.Sprintf("string at 0x%x", ptr)}
		}
		// Full transfer means the copy is now ours to release.
		if transfer == metadata.TransferEverything {
			if err := m.native.Free(ctx, ptr); err != nil {
				m.logger.Warn("failed to release transferred string",
					zap.Uint32("ptr", ptr), zap.Error(err))
			}
		}
		return interp.Str(s), nil

	case metadata.TagEnum, metadata.TagFlags:
		switch t.Storage {
		case metadata.TagInt8:
			return interp.Int(int64(int8(uint8(slot)))), nil
		case metadata.TagInt16:
			return interp.Int(int64(int16(uint16(slot)))), nil
		case metadata.TagUint32:
			return interp.Int(int64(uint32(slot))), nil
		default:
			return interp.Int(int64(int32(uint32(slot)))), nil
		}

	case metadata.TagRecord, metadata.TagBoxed:
		ptr := uint32(slot)
		if ptr == 0 {
			return interp.Nil, nil
		}
		return interp.RecordVal(t.Name, ptr, t.Size), nil

	case metadata.TagObject, metadata.TagInterface:
		ptr := uint32(slot)
		if ptr == 0 {
			return interp.Nil, nil
		}
		return interp.ObjectVal(t.Name, ptr), nil

	case metadata.TagArray, metadata.TagSequence:
		ptr := uint32(slot)
		if ptr == 0 {
			return interp.Nil, nil
		}
		return interp.HandleVal("array", slot), nil
	}
	return interp.Nil, &MarshalError{What: fmt.Sprintf("unsupported output type %s", t)}
}

func (m *valueMarshaler) CallerAlloc(ctx context.Context, t *metadata.TypeInfo) (interp.Value, uint32, bool, error) {
	switch t.Tag {
	case metadata.TagRecord, metadata.TagBoxed:
		if t.Size == 0 {
			return interp.Nil, 0, false, nil
		}
		ptr, err := m.native.Alloc(ctx, t.Size)
		if err != nil {
			return interp.Nil, 0, false, err
		}
		// The callee fills the storage in place; hand it out zeroed.
		zero := make([]byte, t.Size)
		if !m.native.Memory().WriteBytes(ptr, zero) {
			return interp.Nil, 0, false, &MarshalError{What: fmt.Sprintf("zeroing %d bytes at 0x%x", t.Size, ptr)}
		}
		return interp.RecordVal(t.Name, ptr, t.Size), ptr, true, nil
	}
	return interp.Nil, 0, false, nil
}

// copyToGuest places a null-terminated copy of data in guest memory.
func (m *valueMarshaler) copyToGuest(ctx context.Context, data []byte) (uint32, error) {
	ptr, err := m.native.Alloc(ctx, uint32(len(data))+1)
	if err != nil {
		return 0, &MarshalError{What: "guest string buffer", Err: err}
	}
	buf := make([]byte, len(data)+1)
	copy(buf, data)
	if !m.native.Memory().WriteBytes(ptr, buf) {
		return 0, &MarshalError{What: fmt.Sprintf("writing %d bytes at 0x%x", len(buf), ptr)}
	}
	return ptr, nil
}

// instanceWrapper is the default object bridge: interpreter objects and
// records carry their guest address directly.
type instanceWrapper struct{}

func (instanceWrapper) ObjectToNative(v interp.Value, expect *metadata.ContainerInfo) (uint32, error) {
	if v.Tag == interp.TagNil {
		return 0, nil
	}
	obj, ok := v.Data.(*interp.Object)
	if !ok {
		return 0, &MarshalError{What: fmt.Sprintf("receiver %s from %s", expect.Name, v)}
	}
	return obj.Addr, nil
}

func (instanceWrapper) NativeToObject(ptr uint32, container *metadata.ContainerInfo) (interp.Value, error) {
	if ptr == 0 {
		return interp.Nil, nil
	}
	return interp.ObjectVal(container.Name, ptr), nil
}

func (instanceWrapper) RecordToNative(v interp.Value, expect *metadata.ContainerInfo) (uint32, error) {
	if v.Tag == interp.TagNil {
		return 0, nil
	}
	rec, ok := v.Data.(*interp.Record)
	if !ok {
		return 0, &MarshalError{What: fmt.Sprintf("record receiver %s from %s", expect.Name, v)}
	}
	return rec.Addr, nil
}

func (instanceWrapper) NativeToRecord(ptr uint32, container *metadata.ContainerInfo) (interp.Value, error) {
	if ptr == 0 {
		return interp.Nil, nil
	}
	return interp.RecordVal(container.Name, ptr, 0), nil
}
