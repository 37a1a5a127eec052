//go:build !unix && !windows

package alloc

import (
	"github.com/tetratelabs/wazero/experimental"
	"github.com/wasilibs/wazero-helpers/allocator"
)

// Allocator returns a non-moving allocator for hosts without mmap or
// VirtualAlloc.
func Allocator() experimental.MemoryAllocator {
	return allocator.NewNonMoving()
}
