package internal

import (
	"github.com/rs/zerolog"
	"github.com/tetratelabs/wazero/experimental"
	"github.com/tetratelabs/wazero/sys"

	"github.com/wasilibs/go-libcshim/internal/alloc"
	"github.com/wasilibs/go-libcshim/internal/clock"
)

// ModuleName is the module a C guest imports its runtime functions from.
const ModuleName = "env"

// DefaultEntryPoint is the guest export Compute calls unless configured
// otherwise.
const DefaultEntryPoint = "compute"

// Config is what the public options set.
type Config struct {
	Logger   zerolog.Logger
	Nanotime sys.Nanotime

	// HeapBase overrides where allocations start when HasHeapBase is set.
	HeapBase    uint32
	HasHeapBase bool

	EntryPoint      string
	MemoryAllocator experimental.MemoryAllocator
}

// NewConfig returns the defaults: output discarded, the Go monotonic clock and
// linear memory reserved up front.
func NewConfig() *Config {
	return &Config{
		Logger:          zerolog.Nop(),
		Nanotime:        clock.Monotonic(),
		EntryPoint:      DefaultEntryPoint,
		MemoryAllocator: alloc.Allocator(),
	}
}
