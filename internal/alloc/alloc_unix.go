//go:build unix

// Adapted from https://github.com/ncruces/go-sqlite3/blob/main/internal/util/alloc.go#L12

// MIT License
//
// Copyright (c) 2023 Nuno Cruces
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package alloc

import (
	"fmt"
	"math"

	"github.com/tetratelabs/wazero/experimental"
	"golang.org/x/sys/unix"
)

// Allocator reserves the whole maximum of a guest memory up front and commits
// pages as the guest grows, so the shim's heap never sees its memory move.
func Allocator() experimental.MemoryAllocator {
	return experimental.MemoryAllocatorFunc(mmappedAllocator)
}

func mmappedAllocator(cap, max uint64) experimental.LinearMemory {
	// Round up to the page size.
	rnd := uint64(unix.Getpagesize() - 1)
	max = (max + rnd) &^ rnd
	cap = (cap + rnd) &^ rnd

	if max > math.MaxInt {
		// This ensures int(max) overflows to a negative value,
		// and unix.Mmap returns EINVAL.
		max = math.MaxUint64
	}
	// Reserve max bytes of address space, to ensure we won't need to move it.
	// A protected, private, anonymous mapping should not commit memory.
	b, err := unix.Mmap(-1, 0, int(max), unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		panic(fmt.Errorf("alloc: failed to reserve memory: %w", err))
	}
	// Commit the initial cap bytes of memory.
	if err := unix.Mprotect(b[:cap], unix.PROT_READ|unix.PROT_WRITE); err != nil {
		_ = unix.Munmap(b)
		panic(fmt.Errorf("alloc: failed to commit initial memory: %w", err))
	}
	return &mmappedMemory{buf: b[:cap]}
}

// The slice covers the entire mmapped memory:
//   - len(buf) is the already committed memory,
//   - cap(buf) is the reserved address space.
type mmappedMemory struct {
	buf []byte
}

func (m *mmappedMemory) Reallocate(size uint64) []byte {
	com := uint64(len(m.buf))
	res := uint64(cap(m.buf))
	if size > res {
		return nil
	}
	if com < size {
		// Round up to the page size.
		rnd := uint64(unix.Getpagesize() - 1)
		new := min((size+rnd)&^rnd, res)

		// Commit additional memory up to new bytes.
		if err := unix.Mprotect(m.buf[com:new], unix.PROT_READ|unix.PROT_WRITE); err != nil {
			return nil
		}

		// Update committed memory.
		m.buf = m.buf[:new]
	}
	// Limit returned capacity because bytes beyond
	// len(m.buf) have not yet been committed.
	return m.buf[:size:len(m.buf)]
}

func (m *mmappedMemory) Free() {
	if err := unix.Munmap(m.buf[:cap(m.buf)]); err != nil {
		panic(fmt.Errorf("alloc: failed to release memory: %w", err))
	}
	m.buf = nil
}
