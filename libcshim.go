// Package libcshim provides the C runtime functions a numerical library
// compiled to WebAssembly imports, and runs such a library over source text.
//
// The functions live in host module "env": the malloc family backed by a
// header-prefixed allocator in the guest's linear memory, printf, putchar and
// puts routed to a zerolog.Logger, and the mach clock. Dynamic loading and
// locale-aware case conversion are not available; a guest calling them traps
// with an error matching ErrUnsupported.
package libcshim

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/experimental"
	"github.com/tetratelabs/wazero/sys"

	"github.com/wasilibs/go-libcshim/internal"
	"github.com/wasilibs/go-libcshim/internal/clock"
	"github.com/wasilibs/go-libcshim/internal/heap"
	"github.com/wasilibs/go-libcshim/internal/stub"
)

// ModuleName is the module name the guest imports the C runtime from.
const ModuleName = internal.ModuleName

var (
	// ErrOutOfMemory means the guest's linear memory could not grow to satisfy
	// an allocation. Guests see it as a NULL return.
	ErrOutOfMemory = heap.ErrOutOfMemory

	// ErrUnsupported is matched by the error of a guest call that reached a
	// function the host cannot provide.
	ErrUnsupported = stub.ErrUnsupported

	// ErrNoTimeSource is the panic value of WithNanotime(nil).
	ErrNoTimeSource = clock.ErrNoTimeSource
)

// UnsupportedError names the function behind an ErrUnsupported failure.
type UnsupportedError = stub.UnsupportedError

// CompileError is returned by Engine.Compute when the guest rejects its input.
type CompileError = internal.CompileError

// Drawing is the output of a successful Engine.Compute.
type Drawing = internal.Drawing

// Engine runs a compiled guest library. See Compile.
type Engine = internal.Engine

// Option configures the host functions and Engine.
type Option func(*internal.Config)

// WithLogger sets the logger guest output is written to, one info line per
// printf, putchar or puts call. Allocation failures are logged at debug level.
// The default discards everything.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *internal.Config) {
		c.Logger = logger
	}
}

// WithNanotime sets the clock behind mach_absolute_time. Engine also installs
// it as the guest's WASI monotonic clock. The default is the Go monotonic
// clock.
func WithNanotime(nanotime sys.Nanotime) Option {
	return func(c *internal.Config) {
		c.Nanotime = nanotime
	}
}

// WithHeapBase sets the address allocations start from. By default this is
// the guest's exported __heap_base, or the end of its memory if there is none.
func WithHeapBase(base uint32) Option {
	return func(c *internal.Config) {
		c.HeapBase = base
		c.HasHeapBase = true
	}
}

// WithEntryPoint sets the guest export Engine.Compute calls. The default is
// "compute".
func WithEntryPoint(name string) Option {
	return func(c *internal.Config) {
		c.EntryPoint = name
	}
}

// WithMemoryAllocator sets how Engine reserves guest linear memory. A nil
// allocator uses wazero's default.
func WithMemoryAllocator(allocator experimental.MemoryAllocator) Option {
	return func(c *internal.Config) {
		c.MemoryAllocator = allocator
	}
}

func newConfig(opts []Option) *internal.Config {
	cfg := internal.NewConfig()
	for _, o := range opts {
		o(cfg)
	}
	return cfg
}

// Instantiate adds module "env" to r, for guests instantiated by the caller.
// Each guest memory gets its own heap.
func Instantiate(ctx context.Context, r wazero.Runtime, opts ...Option) (api.Closer, error) {
	return internal.NewEnv(newConfig(opts)).Instantiate(ctx, r)
}

// MustInstantiate calls Instantiate and panics on error.
func MustInstantiate(ctx context.Context, r wazero.Runtime, opts ...Option) {
	if _, err := Instantiate(ctx, r, opts...); err != nil {
		panic(err)
	}
}

// FunctionExporter exports the C runtime functions into a host module the
// caller builds, for guests that import them from a module other than "env".
type FunctionExporter interface {
	ExportFunctions(builder wazero.HostModuleBuilder)
}

// NewFunctionExporter returns a FunctionExporter for opts.
func NewFunctionExporter(opts ...Option) FunctionExporter {
	return internal.NewEnv(newConfig(opts))
}

// Compile prepares guest, a WebAssembly library importing the C runtime from
// "env", for Engine.Compute. The guest may also import WASI.
//
// Engine.Compute calls the entry point as
//
//	int32_t compute(const char *text, size_t len, struct { char *ptr; size_t len; } *out)
//
// The guest stores a malloc'd buffer in out, holding SVG markup when it returns
// zero and an error message otherwise. The host frees it.
func Compile(ctx context.Context, guest []byte, opts ...Option) (*Engine, error) {
	return internal.Compile(ctx, guest, newConfig(opts))
}
