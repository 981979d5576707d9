package dyncall

import (
	"context"
	"encoding/binary"
	"fmt"
	"testing"

	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap/zaptest"

	"github.com/wasmbind/wasmbind/internal/interp"
	"github.com/wasmbind/wasmbind/internal/metadata"
)

// fakeMemory is a flat in-process stand-in for guest linear memory.
type fakeMemory struct {
	data []byte
}

func newFakeMemory(size uint32) *fakeMemory {
	return &fakeMemory{data: make([]byte, size)}
}

func (m *fakeMemory) inBounds(ptr, n uint32) bool {
	return uint64(ptr)+uint64(n) <= uint64(len(m.data))
}

func (m *fakeMemory) ReadSlot(ptr uint32) (uint64, bool) {
	if !m.inBounds(ptr, 8) {
		return 0, false
	}
	return binary.LittleEndian.Uint64(m.data[ptr:]), true
}

func (m *fakeMemory) WriteSlot(ptr uint32, v uint64) bool {
	if !m.inBounds(ptr, 8) {
		return false
	}
	binary.LittleEndian.PutUint64(m.data[ptr:], v)
	return true
}

func (m *fakeMemory) ReadU32(ptr uint32) (uint32, bool) {
	if !m.inBounds(ptr, 4) {
		return 0, false
	}
	return binary.LittleEndian.Uint32(m.data[ptr:]), true
}

func (m *fakeMemory) WriteU32(ptr uint32, v uint32) bool {
	if !m.inBounds(ptr, 4) {
		return false
	}
	binary.LittleEndian.PutUint32(m.data[ptr:], v)
	return true
}

func (m *fakeMemory) ReadBytes(ptr uint32, length uint32) ([]byte, bool) {
	if !m.inBounds(ptr, length) {
		return nil, false
	}
	out := make([]byte, length)
	copy(out, m.data[ptr:])
	return out, true
}

func (m *fakeMemory) WriteBytes(ptr uint32, data []byte) bool {
	if !m.inBounds(ptr, uint32(len(data))) {
		return false
	}
	copy(m.data[ptr:], data)
	return true
}

func (m *fakeMemory) ReadCString(ptr uint32, maxLen uint32) (string, bool) {
	for i := uint32(0); i < maxLen; i++ {
		if !m.inBounds(ptr+i, 1) {
			return "", false
		}
		if m.data[ptr+i] == 0 {
			return string(m.data[ptr : ptr+i]), true
		}
	}
	return "", false
}

// fakeFunc is a scriptable native entry point.
type fakeFunc struct {
	params  []api.ValueType
	results []api.ValueType
	fn      func(ctx context.Context, stack []uint64) ([]uint64, error)
	calls   int
}

func (f *fakeFunc) Call(ctx context.Context, params ...uint64) ([]uint64, error) {
	f.calls++
	return f.fn(ctx, params)
}

func (f *fakeFunc) ParamTypes() []api.ValueType  { return f.params }
func (f *fakeFunc) ResultTypes() []api.ValueType { return f.results }

// fakeNative is a bump-allocating native surface over fakeMemory.
type fakeNative struct {
	mem   *fakeMemory
	funcs map[string]*fakeFunc
	next  uint32
	freed map[uint32]bool
}

func newFakeNative() *fakeNative {
	return &fakeNative{
		mem:   newFakeMemory(1 << 16),
		funcs: make(map[string]*fakeFunc),
		next:  0x100,
		freed: make(map[uint32]bool),
	}
}

func (n *fakeNative) ResolveSymbol(name string) (NativeFunc, error) {
	fn, ok := n.funcs[name]
	if !ok {
		return nil, fmt.Errorf("no export %q", name)
	}
	return fn, nil
}

func (n *fakeNative) Memory() Memory { return n.mem }

func (n *fakeNative) Alloc(_ context.Context, size uint32) (uint32, error) {
	ptr := n.next
	n.next += (size + 7) &^ 7
	if n.next > uint32(len(n.mem.data)) {
		return 0, fmt.Errorf("fake guest memory exhausted")
	}
	return ptr, nil
}

func (n *fakeNative) Free(_ context.Context, ptr uint32) error {
	if n.freed[ptr] {
		return fmt.Errorf("double free at 0x%x", ptr)
	}
	n.freed[ptr] = true
	return nil
}

func newTestEnv(t *testing.T, native *fakeNative) *Env {
	t.Helper()
	return New(native, interp.NopLocker{}, interp.NewFinalizerQueue(), zaptest.NewLogger(t))
}

// metadata builders; index fields default to "absent".

func scalar(tag metadata.TypeTag) metadata.TypeInfo {
	return metadata.TypeInfo{Tag: tag, LengthIndex: -1}
}

func inArg(name string, t metadata.TypeInfo) metadata.ArgInfo {
	return metadata.ArgInfo{
		Name: name, Type: t, Direction: metadata.DirIn,
		ClosureIndex: -1, DestroyIndex: -1,
	}
}

func outArg(name string, t metadata.TypeInfo) metadata.ArgInfo {
	return metadata.ArgInfo{
		Name: name, Type: t, Direction: metadata.DirOut,
		ClosureIndex: -1, DestroyIndex: -1,
	}
}

func fnInfo(name string, ret metadata.TypeInfo, args ...metadata.ArgInfo) *metadata.CallableInfo {
	return &metadata.CallableInfo{
		Namespace: "test",
		Name:      name,
		Kind:      metadata.KindFunction,
		Symbol:    name,
		Return:    ret,
		Args:      args,
	}
}

func cbInfo(name string, ret metadata.TypeInfo, args ...metadata.ArgInfo) *metadata.CallableInfo {
	return &metadata.CallableInfo{
		Namespace: "test",
		Name:      name,
		Kind:      metadata.KindCallback,
		Symbol:    name,
		Return:    ret,
		Args:      args,
	}
}
