package heap

import "errors"

const (
	// HeaderSize is the size of the record stored immediately before every
	// pointer returned by the Heap: two little-endian uint64 words holding the
	// block Layout.
	HeaderSize = 16

	// MinAlign is the alignment of every block and every payload. It matches the
	// strictest type the guest library stores in heap memory.
	MinAlign = 16
)

var (
	errFailedRead  = errors.New("failed to read from wasm memory")
	errFailedWrite = errors.New("failed to write to wasm memory")
)

// Memory is the part of a wasm linear memory the heap needs. api.Memory
// from wazero implements it.
type Memory interface {
	Size() uint32
	Grow(deltaPages uint32) (previousPages uint32, ok bool)
	Read(offset, byteCount uint32) ([]byte, bool)
	Write(offset uint32, v []byte) bool
	ReadUint64Le(offset uint32) (uint64, bool)
	WriteUint64Le(offset uint32, v uint64) bool
}

// payloadOffset is the distance between the first byte of a block and the
// payload handed to the guest. The header always occupies the HeaderSize bytes
// right before the payload, so for over-aligned blocks the space in front of
// the header is padding.
func payloadOffset(align uint64) uint64 {
	if align < HeaderSize {
		return HeaderSize
	}
	return align
}

// block is a view of one allocation through its payload address. It is the
// only place that knows where the header lives relative to the payload.
type block struct {
	mem Memory
	ptr uint32
}

func blockAt(mem Memory, payload uint32) block {
	return block{mem: mem, ptr: payload}
}

// placeBlock writes the header for a block that starts at start and returns
// the view of it.
func placeBlock(mem Memory, start uint32, l Layout) block {
	b := block{mem: mem, ptr: start + uint32(payloadOffset(l.Align))}
	b.writeHeader(l)
	return b
}

func (b block) payload() uint32 {
	return b.ptr
}

func (b block) headerAddr() uint32 {
	if b.ptr < HeaderSize {
		panic(errFailedRead)
	}
	return b.ptr - HeaderSize
}

func (b block) header() Layout {
	addr := b.headerAddr()
	size, ok := b.mem.ReadUint64Le(addr)
	if !ok {
		panic(errFailedRead)
	}
	align, ok := b.mem.ReadUint64Le(addr + 8)
	if !ok {
		panic(errFailedRead)
	}
	return Layout{Size: size, Align: align}
}

func (b block) writeHeader(l Layout) {
	addr := b.headerAddr()
	if !b.mem.WriteUint64Le(addr, l.Size) {
		panic(errFailedWrite)
	}
	if !b.mem.WriteUint64Le(addr+8, l.Align) {
		panic(errFailedWrite)
	}
}

// start returns the address of the first byte of the block described by l.
func (b block) start(l Layout) uint32 {
	return b.ptr - uint32(payloadOffset(l.Align))
}
