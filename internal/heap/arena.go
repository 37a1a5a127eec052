package heap

import (
	"cmp"
	"slices"
)

const (
	pageSize = 65536
	granule  = MinAlign

	// wasm32 linear memory cannot address more than 4 GiB.
	maxMemory = 1 << 32
)

type span struct {
	off  uint64
	size uint64
}

func (s span) end() uint64 {
	return s.off + s.size
}

// Arena hands out whole blocks of a linear memory. It plays the role the
// system allocator plays for a native C library: it knows nothing about
// headers, only about the Layout each block was created with.
//
// Blocks are carved first-fit out of a list of free spans kept sorted by
// address. Released blocks are merged with their neighbours. When no span
// fits, the memory is grown by whole pages.
type Arena struct {
	mem  Memory
	base uint64
	top  uint64
	free []span

	live  int
	inUse uint64
}

// NewArena returns an Arena managing mem from base upwards. Any memory that
// already exists above base is free from the start.
func NewArena(mem Memory, base uint32) *Arena {
	a := &Arena{mem: mem, base: alignUp(uint64(base), granule)}
	a.top = a.base
	if end := uint64(mem.Size()); end > a.top {
		a.free = append(a.free, span{off: a.top, size: end - a.top})
		a.top = end
	}
	return a
}

func blockSize(n uint64) uint64 {
	if n == 0 {
		return granule
	}
	return alignUp(n, granule)
}

// Alloc returns the address of a block satisfying l.
func (a *Arena) Alloc(l Layout) (uint32, error) {
	if l.Size > maxMemory || l.Align > maxMemory {
		return 0, ErrOutOfMemory
	}
	size := blockSize(l.Size)
	align := max(l.Align, granule)

	if off, ok := a.take(size, align); ok {
		return a.commit(off, size), nil
	}
	if err := a.grow(size, align); err != nil {
		return 0, err
	}
	off, ok := a.take(size, align)
	if !ok {
		return 0, ErrOutOfMemory
	}
	return a.commit(off, size), nil
}

var zeros [4096]byte

// AllocZeroed is Alloc with the whole block cleared.
func (a *Arena) AllocZeroed(l Layout) (uint32, error) {
	ptr, err := a.Alloc(l)
	if err != nil {
		return 0, err
	}
	for n := uint64(0); n < l.Size; {
		chunk := min(l.Size-n, uint64(len(zeros)))
		if !a.mem.Write(ptr+uint32(n), zeros[:chunk]) {
			panic(errFailedWrite)
		}
		n += chunk
	}
	return ptr, nil
}

// Realloc resizes the block at ptr, created with old, to newSize bytes. The
// block keeps its alignment. The first min(old.Size, newSize) bytes survive a
// move. On error the original block is left as it was.
func (a *Arena) Realloc(ptr uint32, old Layout, newSize uint64) (uint32, error) {
	if newSize > maxMemory {
		return 0, ErrOutOfMemory
	}
	p := uint64(ptr)
	oldSz := blockSize(old.Size)
	newSz := blockSize(newSize)

	switch {
	case newSz == oldSz:
		return ptr, nil
	case newSz < oldSz:
		a.insert(p+newSz, oldSz-newSz)
		a.inUse -= oldSz - newSz
		return ptr, nil
	}

	if i, ok := a.spanAt(p + oldSz); ok && a.free[i].size >= newSz-oldSz {
		a.carve(i, p+oldSz, newSz-oldSz)
		a.inUse += newSz - oldSz
		return ptr, nil
	}

	np, err := a.Alloc(Layout{Size: newSize, Align: old.Align})
	if err != nil {
		return 0, err
	}
	n := uint32(min(old.Size, newSize))
	buf, ok := a.mem.Read(ptr, n)
	if !ok {
		panic(errFailedRead)
	}
	if !a.mem.Write(np, buf) {
		panic(errFailedWrite)
	}
	a.Dealloc(ptr, old)
	return np, nil
}

// Dealloc returns the block at ptr, created with l, to the free list.
func (a *Arena) Dealloc(ptr uint32, l Layout) {
	size := blockSize(l.Size)
	a.insert(uint64(ptr), size)
	a.live--
	a.inUse -= size
}

// Stats describes the current state of an Arena.
type Stats struct {
	// Live is the number of blocks handed out and not yet released.
	Live int
	// InUse is the number of bytes covered by live blocks.
	InUse uint64
	// Free is the number of bytes on the free list.
	Free uint64
	// Top is the end of the memory managed by the arena.
	Top uint64
}

func (a *Arena) Stats() Stats {
	s := Stats{Live: a.live, InUse: a.inUse, Top: a.top}
	for _, f := range a.free {
		s.Free += f.size
	}
	return s
}

func (a *Arena) commit(off, size uint64) uint32 {
	a.live++
	a.inUse += size
	return uint32(off)
}

func (a *Arena) take(size, align uint64) (uint64, bool) {
	for i, s := range a.free {
		start := alignUp(s.off, align)
		if start+size > s.end() {
			continue
		}
		a.carve(i, start, size)
		return start, true
	}
	return 0, false
}

// carve removes [start, start+size) from free span i, keeping what is left on
// either side.
func (a *Arena) carve(i int, start, size uint64) {
	s := a.free[i]
	var rest []span
	if start > s.off {
		rest = append(rest, span{off: s.off, size: start - s.off})
	}
	if end := start + size; end < s.end() {
		rest = append(rest, span{off: end, size: s.end() - end})
	}
	a.free = slices.Replace(a.free, i, i+1, rest...)
}

func (a *Arena) spanAt(off uint64) (int, bool) {
	return slices.BinarySearchFunc(a.free, off, func(s span, t uint64) int {
		return cmp.Compare(s.off, t)
	})
}

func (a *Arena) insert(off, size uint64) {
	if size == 0 {
		return
	}
	i, _ := a.spanAt(off)
	if i > 0 && a.free[i-1].end() == off {
		a.free[i-1].size += size
		if i < len(a.free) && a.free[i-1].end() == a.free[i].off {
			a.free[i-1].size += a.free[i].size
			a.free = slices.Delete(a.free, i, i+1)
		}
		return
	}
	if i < len(a.free) && off+size == a.free[i].off {
		a.free[i].off = off
		a.free[i].size += size
		return
	}
	a.free = slices.Insert(a.free, i, span{off: off, size: size})
}

// grow adds enough pages to the memory for a block of size bytes at align to
// fit at the top of the heap. Only the pages grown here become free: memory the
// guest grew on its own since the last call belongs to the guest.
func (a *Arena) grow(size, align uint64) error {
	cur := uint64(a.mem.Size())
	from := max(a.top, cur)
	if n := len(a.free); from == a.top && n > 0 && a.free[n-1].end() == a.top {
		from = a.free[n-1].off
	}
	need := alignUp(from, align) + size
	if need > maxMemory || need <= cur {
		return ErrOutOfMemory
	}
	pages := (need - cur + pageSize - 1) / pageSize
	prev, ok := a.mem.Grow(uint32(pages))
	if !ok {
		return ErrOutOfMemory
	}
	start := max(uint64(prev)*pageSize, a.top)
	end := (uint64(prev) + pages) * pageSize
	a.insert(start, end-start)
	a.top = end
	return nil
}
