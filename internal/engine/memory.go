package engine

import (
	"context"
	"sync"

	"github.com/tetratelabs/wazero/api"
)

// Memory provides safe linear-memory operations for guest interaction.
//
// Guest modules have their own isolated memory space separate from Go's
// memory. All "native pointers" the bridge handles are offsets into it, so
// every access here is bounds-checked by wazero and reported with an ok
// flag rather than a fault.
type Memory struct {
	mem api.Memory
}

// NewMemory creates a memory helper for a module instance.
func NewMemory(module api.Module) *Memory {
	return &Memory{mem: module.Memory()}
}

// ReadSlot reads one 8-byte argument cell.
func (m *Memory) ReadSlot(ptr uint32) (uint64, bool) {
	return m.mem.ReadUint64Le(ptr)
}

// WriteSlot writes one 8-byte argument cell.
func (m *Memory) WriteSlot(ptr uint32, v uint64) bool {
	return m.mem.WriteUint64Le(ptr, v)
}

// ReadU32 reads a 32-bit little-endian value (pointers, lengths, codes).
func (m *Memory) ReadU32(ptr uint32) (uint32, bool) {
	return m.mem.ReadUint32Le(ptr)
}

// WriteU32 writes a 32-bit little-endian value.
func (m *Memory) WriteU32(ptr uint32, v uint32) bool {
	return m.mem.WriteUint32Le(ptr, v)
}

// ReadBytes reads raw bytes from guest memory.
func (m *Memory) ReadBytes(ptr uint32, length uint32) ([]byte, bool) {
	return m.mem.Read(ptr, length)
}

// WriteBytes writes raw bytes to guest memory.
func (m *Memory) WriteBytes(ptr uint32, data []byte) bool {
	return m.mem.Write(ptr, data)
}

// ReadString reads a length-prefixed region as a UTF-8 string.
func (m *Memory) ReadString(ptr uint32, length uint32) (string, bool) {
	buf, ok := m.mem.Read(ptr, length)
	if !ok {
		return "", false
	}
	return string(buf), true
}

// ReadCString reads a null-terminated string, scanning at most maxLen bytes.
func (m *Memory) ReadCString(ptr uint32, maxLen uint32) (string, bool) {
	buf, ok := m.mem.Read(ptr, maxLen)
	if !ok {
		return "", false
	}
	end := len(buf)
	for i, b := range buf {
		if b == 0 {
			end = i
			break
		}
	}
	return string(buf[:end]), true
}

// Allocator hands out guest memory for redirect cells, caller-allocated
// out-storage and marshaled strings. When the guest exports malloc/free the
// allocator delegates to them; otherwise it bump-allocates from freshly
// grown pages and Free becomes a no-op (the storage dies with the
// instance).
type Allocator struct {
	inst *Instance

	malloc api.Function
	free   api.Function

	mu   sync.Mutex
	next uint32
	end  uint32
}

const wasmPageSize = 64 * 1024

// NewAllocator creates an allocator for the instance, preferring the
// guest's own malloc/free exports.
func NewAllocator(inst *Instance) *Allocator {
	a := &Allocator{inst: inst}
	a.malloc = inst.module.ExportedFunction("malloc")
	a.free = inst.module.ExportedFunction("free")
	return a
}

// Alloc reserves size bytes in guest memory and returns its offset.
func (a *Allocator) Alloc(ctx context.Context, size uint32) (uint32, error) {
	if size == 0 {
		size = 1
	}
	if a.malloc != nil {
		res, err := a.malloc.Call(ctx, uint64(size))
		if err != nil {
			return 0, &AllocError{InstanceID: a.inst.ID, Size: size, Err: err}
		}
		ptr := api.DecodeU32(res[0])
		if ptr == 0 {
			return 0, &AllocError{InstanceID: a.inst.ID, Size: size}
		}
		return ptr, nil
	}
	return a.bumpAlloc(size)
}

// Free releases guest memory obtained from Alloc.
func (a *Allocator) Free(ctx context.Context, ptr uint32) error {
	if ptr == 0 || a.free == nil {
		return nil
	}
	if _, err := a.free.Call(ctx, uint64(ptr)); err != nil {
		return &AllocError{InstanceID: a.inst.ID, Err: err}
	}
	return nil
}

func (a *Allocator) bumpAlloc(size uint32) (uint32, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	// 8-byte align so slot cells are always naturally aligned.
	size = (size + 7) &^ 7

	if a.next == 0 || a.next+size > a.end {
		pages := (size + wasmPageSize - 1) / wasmPageSize
		if pages == 0 {
			pages = 1
		}
		prev, ok := a.inst.mem.mem.Grow(pages)
		if !ok {
			return 0, &AllocError{InstanceID: a.inst.ID, Size: size}
		}
		a.next = prev * wasmPageSize
		a.end = a.next + pages*wasmPageSize
	}

	ptr := a.next
	a.next += size
	return ptr, nil
}
