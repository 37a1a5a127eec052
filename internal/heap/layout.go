package heap

import (
	"errors"
	"math"
	"math/bits"
)

var (
	// ErrOutOfMemory is returned when the linear memory cannot provide a block
	// of the requested size.
	ErrOutOfMemory = errors.New("libcshim: out of memory")

	// ErrInvalidLayout is returned for alignments that are not powers of two,
	// or sizes that overflow once rounded up to their alignment.
	ErrInvalidLayout = errors.New("libcshim: invalid layout")
)

// Layout describes a block handed out by the Arena: its total size in bytes,
// header included, and the alignment of its first byte.
type Layout struct {
	Size  uint64
	Align uint64
}

// NewLayout validates size and align the same way the allocators they stand in
// for do.
func NewLayout(size, align uint64) (Layout, error) {
	if align == 0 || bits.OnesCount64(align) != 1 {
		return Layout{}, ErrInvalidLayout
	}
	if size > math.MaxUint64-(align-1) {
		return Layout{}, ErrInvalidLayout
	}
	return Layout{Size: size, Align: align}, nil
}

func alignUp(n, align uint64) uint64 {
	return (n + align - 1) &^ (align - 1)
}
