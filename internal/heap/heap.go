// Package heap implements the C allocation family on top of a wasm linear
// memory.
//
// Every pointer returned by a Heap is preceded by a HeaderSize byte record
// holding the Layout of the block it belongs to, so that Reallocate and Release
// only need the pointer to find the whole block again. Payloads are aligned to
// at least MinAlign bytes.
//
// A Heap is not safe for concurrent use. The guest calling into it runs on a
// single thread.
package heap

// Heap is the header-prefixed allocator behind malloc, calloc, realloc and
// free.
type Heap struct {
	mem   Memory
	arena *Arena
}

// New returns a Heap allocating from mem above base.
func New(mem Memory, base uint32) *Heap {
	return &Heap{mem: mem, arena: NewArena(mem, base)}
}

// Allocate returns a pointer to size bytes of uninitialized memory. A zero size
// still returns a distinct, releasable pointer.
func (h *Heap) Allocate(size uint64) (uint32, error) {
	return h.allocate(size, MinAlign, false)
}

// AllocateZeroed returns a pointer to count*size bytes of zeroed memory.
//
// count*size is not checked for overflow, matching calloc implementations that
// leave it to the caller. A wrapped product allocates the wrapped size.
func (h *Heap) AllocateZeroed(count, size uint64) (uint32, error) {
	return h.allocate(count*size, MinAlign, true)
}

// AllocateAligned is Allocate with the payload aligned to align, which must be
// a power of two. Alignments below MinAlign are raised to it.
func (h *Heap) AllocateAligned(align, size uint64) (uint32, error) {
	return h.allocate(size, max(align, MinAlign), false)
}

func (h *Heap) allocate(size, align uint64, zeroed bool) (uint32, error) {
	if size > maxMemory {
		return 0, ErrOutOfMemory
	}
	l, err := NewLayout(size+payloadOffset(align), align)
	if err != nil {
		return 0, err
	}

	var start uint32
	if zeroed {
		start, err = h.arena.AllocZeroed(l)
	} else {
		start, err = h.arena.Alloc(l)
	}
	if err != nil {
		return 0, err
	}
	return placeBlock(h.mem, start, l).payload(), nil
}

// Reallocate resizes the allocation at ptr to size bytes, moving it if needed.
// The first min(old, size) bytes are preserved. On error the allocation at ptr
// is unchanged and still owned by the caller.
//
// ptr must have been returned by this Heap and not yet released.
func (h *Heap) Reallocate(ptr uint32, size uint64) (uint32, error) {
	b := blockAt(h.mem, ptr)
	old := b.header()
	if size > maxMemory {
		return 0, ErrOutOfMemory
	}
	l := Layout{Size: size + payloadOffset(old.Align), Align: old.Align}

	start, err := h.arena.Realloc(b.start(old), old, l.Size)
	if err != nil {
		return 0, err
	}
	return placeBlock(h.mem, start, l).payload(), nil
}

// Release returns the allocation at ptr, header included, to the heap.
//
// ptr must have been returned by this Heap and not yet released.
func (h *Heap) Release(ptr uint32) {
	b := blockAt(h.mem, ptr)
	l := b.header()
	h.arena.Dealloc(b.start(l), l)
}

// Size returns the size requested for the live allocation at ptr.
func (h *Heap) Size(ptr uint32) uint64 {
	l := blockAt(h.mem, ptr).header()
	return l.Size - payloadOffset(l.Align)
}

func (h *Heap) Stats() Stats {
	return h.arena.Stats()
}
