package internal

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/wasilibs/go-libcshim/internal/clock"
	"github.com/wasilibs/go-libcshim/internal/heap"
	"github.com/wasilibs/go-libcshim/internal/printf"
	"github.com/wasilibs/go-libcshim/internal/stub"
)

// errno values posix_memalign reports.
const (
	errnoNoMem = 12
	errnoInval = 22
)

var (
	i32 = api.ValueTypeI32
	i64 = api.ValueTypeI64
	f64 = api.ValueTypeF64
)

// Env holds the host side state of module env: the printf sink, the clock and
// one heap per guest memory.
type Env struct {
	logger  zerolog.Logger
	emitter *printf.Emitter
	clock   *clock.Clock

	heapBase    uint32
	hasHeapBase bool

	mu    sync.Mutex
	heaps map[api.Memory]*heap.Heap
}

// NewEnv returns the env state for cfg. It panics with clock.ErrNoTimeSource
// when cfg has no clock.
func NewEnv(cfg *Config) *Env {
	return &Env{
		logger:      cfg.Logger,
		emitter:     printf.NewEmitter(cfg.Logger),
		clock:       clock.New(cfg.Nanotime),
		heapBase:    cfg.HeapBase,
		hasHeapBase: cfg.HasHeapBase,
		heaps:       map[api.Memory]*heap.Heap{},
	}
}

// Clock is the clock behind mach_absolute_time.
func (e *Env) Clock() *clock.Clock {
	return e.clock
}

// Instantiate adds module env to r.
func (e *Env) Instantiate(ctx context.Context, r wazero.Runtime) (api.Closer, error) {
	b := r.NewHostModuleBuilder(ModuleName)
	e.ExportFunctions(b)
	return b.Instantiate(ctx)
}

// ExportFunctions adds every env function to b.
func (e *Env) ExportFunctions(b wazero.HostModuleBuilder) {
	export := func(name string, fn api.GoModuleFunc, params, results []api.ValueType, paramNames ...string) {
		b.NewFunctionBuilder().
			WithGoModuleFunction(fn, params, results).
			WithParameterNames(paramNames...).
			Export(name)
	}

	for _, name := range []string{"malloc", "__libc_malloc"} {
		export(name, e.malloc, []api.ValueType{i32}, []api.ValueType{i32}, "size")
	}
	for _, name := range []string{"calloc", "__libc_calloc"} {
		export(name, e.calloc, []api.ValueType{i32, i32}, []api.ValueType{i32}, "count", "size")
	}
	export("realloc", e.realloc, []api.ValueType{i32, i32}, []api.ValueType{i32}, "ptr", "size")
	for _, name := range []string{"free", "__libc_free"} {
		export(name, e.free, []api.ValueType{i32}, nil, "ptr")
	}
	export("posix_memalign", e.posixMemalign, []api.ValueType{i32, i32, i32}, []api.ValueType{i32}, "memptr", "alignment", "size")
	export("aligned_alloc", e.alignedAlloc, []api.ValueType{i32, i32}, []api.ValueType{i32}, "alignment", "size")

	for _, name := range []string{"printf", "vprintf"} {
		export(name, e.printf, []api.ValueType{i32, i32}, []api.ValueType{i32}, "format", "args")
	}
	export("putchar", e.putchar, []api.ValueType{i32}, []api.ValueType{i32}, "c")
	export("puts", e.puts, []api.ValueType{i32}, []api.ValueType{i32}, "s")

	export("mach_absolute_time", e.machAbsoluteTime, nil, []api.ValueType{i64})
	export("mach_timebase_info", e.machTimebaseInfo, []api.ValueType{i32}, []api.ValueType{i32}, "info")

	export("sqrt", sqrt, []api.ValueType{f64}, []api.ValueType{f64}, "x")

	for _, def := range stub.Table {
		name := def.Name
		export(name, func(context.Context, api.Module, []uint64) {
			stub.Fail(name)
		}, def.Params, def.Results, def.ParamNames...)
	}
}

// Heap returns the heap of mod's memory, creating it on first use.
func (e *Env) Heap(mod api.Module) *heap.Heap {
	mem := mod.Memory()
	if mem == nil {
		panic(errNoMemory)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if h, ok := e.heaps[mem]; ok {
		return h
	}
	h := heap.New(mem, e.base(mod))
	e.heaps[mem] = h
	return h
}

// Forget drops the heap of mem, once the module owning it is closed. Blocks the
// guest never freed show up as live in the debug log.
func (e *Env) Forget(mem api.Memory) {
	e.mu.Lock()
	h, ok := e.heaps[mem]
	delete(e.heaps, mem)
	e.mu.Unlock()

	if !ok {
		return
	}
	st := h.Stats()
	e.logger.Debug().
		Int("live", st.Live).
		Uint64("in_use", st.InUse).
		Uint64("free", st.Free).
		Uint64("top", st.Top).
		Msg("heap released")
}

// base is where a new heap starts: the configured base, else the end of static
// data the linker exports, else the end of memory.
func (e *Env) base(mod api.Module) uint32 {
	if e.hasHeapBase {
		return e.heapBase
	}
	if g := mod.ExportedGlobal("__heap_base"); g != nil {
		return api.DecodeU32(g.Get())
	}
	return mod.Memory().Size()
}

func (e *Env) malloc(_ context.Context, mod api.Module, stack []uint64) {
	size := api.DecodeU32(stack[0])
	ptr, err := e.Heap(mod).Allocate(uint64(size))
	if err != nil {
		e.logger.Debug().Err(err).Uint32("size", size).Msg("malloc failed")
	} else {
		e.logger.Trace().Uint32("ptr", ptr).Uint32("size", size).Msg("malloc")
	}
	stack[0] = api.EncodeU32(ptr)
}

func (e *Env) calloc(_ context.Context, mod api.Module, stack []uint64) {
	count := api.DecodeU32(stack[0])
	size := api.DecodeU32(stack[1])
	// Both operands are 32-bit, so their 64-bit product cannot wrap.
	ptr, err := e.Heap(mod).AllocateZeroed(uint64(count), uint64(size))
	if err != nil {
		e.logger.Debug().Err(err).Uint32("count", count).Uint32("size", size).Msg("calloc failed")
	}
	stack[0] = api.EncodeU32(ptr)
}

func (e *Env) realloc(_ context.Context, mod api.Module, stack []uint64) {
	ptr := api.DecodeU32(stack[0])
	size := api.DecodeU32(stack[1])

	h := e.Heap(mod)
	var res uint32
	var err error
	if ptr == 0 {
		res, err = h.Allocate(uint64(size))
	} else {
		if ev := e.logger.Trace(); ev.Enabled() {
			ev.Uint32("ptr", ptr).Uint64("from", h.Size(ptr)).Uint32("to", size).Msg("realloc")
		}
		res, err = h.Reallocate(ptr, uint64(size))
	}
	if err != nil {
		e.logger.Debug().Err(err).Uint32("size", size).Msg("realloc failed")
	}
	stack[0] = api.EncodeU32(res)
}

func (e *Env) free(_ context.Context, mod api.Module, stack []uint64) {
	ptr := api.DecodeU32(stack[0])
	if ptr == 0 {
		return
	}
	h := e.Heap(mod)
	if ev := e.logger.Trace(); ev.Enabled() {
		ev.Uint32("ptr", ptr).Uint64("size", h.Size(ptr)).Msg("free")
	}
	h.Release(ptr)
}

func (e *Env) posixMemalign(_ context.Context, mod api.Module, stack []uint64) {
	memptr := api.DecodeU32(stack[0])
	align := api.DecodeU32(stack[1])
	size := api.DecodeU32(stack[2])

	if align < 4 || align&(align-1) != 0 {
		stack[0] = api.EncodeI32(errnoInval)
		return
	}
	ptr, err := e.Heap(mod).AllocateAligned(uint64(align), uint64(size))
	if err != nil {
		e.logger.Debug().Err(err).Uint32("size", size).Uint32("alignment", align).Msg("posix_memalign failed")
		stack[0] = api.EncodeI32(errnoNoMem)
		return
	}
	writeUint32(mod.Memory(), memptr, ptr)
	stack[0] = 0
}

func (e *Env) alignedAlloc(_ context.Context, mod api.Module, stack []uint64) {
	align := api.DecodeU32(stack[0])
	size := api.DecodeU32(stack[1])

	if align == 0 || align&(align-1) != 0 {
		stack[0] = 0
		return
	}
	ptr, err := e.Heap(mod).AllocateAligned(uint64(align), uint64(size))
	if err != nil {
		e.logger.Debug().Err(err).Uint32("size", size).Uint32("alignment", align).Msg("aligned_alloc failed")
	}
	stack[0] = api.EncodeU32(ptr)
}

func (e *Env) printf(_ context.Context, mod api.Module, stack []uint64) {
	mem := mod.Memory()
	format := readCString(mem, api.DecodeU32(stack[0]))
	args := printf.Decode(format, &varArgs{mem: mem, ptr: api.DecodeU32(stack[1])})
	stack[0] = api.EncodeI32(int32(e.emitter.Printf(format, args)))
}

func (e *Env) putchar(_ context.Context, _ api.Module, stack []uint64) {
	c := api.DecodeI32(stack[0])
	e.emitter.Putchar(byte(c))
	stack[0] = api.EncodeI32(c)
}

func (e *Env) puts(_ context.Context, mod api.Module, stack []uint64) {
	s := printf.NullString()
	if ptr := api.DecodeU32(stack[0]); ptr != 0 {
		s = printf.String(readCString(mod.Memory(), ptr))
	}
	stack[0] = api.EncodeI32(int32(e.emitter.Puts(s)))
}

func (e *Env) machAbsoluteTime(_ context.Context, _ api.Module, stack []uint64) {
	stack[0] = api.EncodeI64(e.clock.AbsoluteTime())
}

func (e *Env) machTimebaseInfo(_ context.Context, mod api.Module, stack []uint64) {
	info := api.DecodeU32(stack[0])
	tb := e.clock.Timebase()
	mem := mod.Memory()
	writeUint32(mem, info, tb.Numer)
	writeUint32(mem, info+4, tb.Denom)
	stack[0] = 0
}

func sqrt(_ context.Context, _ api.Module, stack []uint64) {
	stack[0] = api.EncodeF64(stub.Sqrt(api.DecodeF64(stack[0])))
}
