package internal

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/experimental"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"
)

// Drawing is what a successful computation produces: the rendered SVG.
type Drawing struct {
	SVG []byte
}

// Empty reports whether the drawing has no content, as for blank input.
func (d Drawing) Empty() bool {
	return len(d.SVG) == 0
}

// DataURL returns the drawing as a data: URL suitable for a download link.
func (d Drawing) DataURL() string {
	return "data:image/svg+xml;base64," + base64.StdEncoding.EncodeToString(d.SVG)
}

// CompileError is a failure the guest reported for its input, such as a syntax
// error in the source text.
type CompileError struct {
	Message string
}

func (e *CompileError) Error() string {
	return "libcshim: compile error: " + e.Message
}

// Engine runs a compiled guest. Each Compute gets a fresh instance, so state
// left behind by one input never leaks into the next. An Engine is safe for
// concurrent use.
type Engine struct {
	rt       wazero.Runtime
	compiled wazero.CompiledModule
	env      *Env

	logger    zerolog.Logger
	entry     string
	allocator experimental.MemoryAllocator
}

// Compile prepares guest for Compute.
func Compile(ctx context.Context, guest []byte, cfg *Config) (*Engine, error) {
	env := NewEnv(cfg)

	rt := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().WithCloseOnContextDone(true))

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("libcshim: instantiating wasi: %w", err)
	}
	if _, err := env.Instantiate(ctx, rt); err != nil {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("libcshim: instantiating %s: %w", ModuleName, err)
	}

	code, err := rt.CompileModule(ctx, guest)
	if err != nil {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("libcshim: compiling guest: %w", err)
	}

	return &Engine{
		rt:        rt,
		compiled:  code,
		env:       env,
		logger:    cfg.Logger,
		entry:     cfg.EntryPoint,
		allocator: cfg.MemoryAllocator,
	}, nil
}

// Compute runs the guest entry point over text. Blank text yields an empty
// Drawing without running the guest.
func (e *Engine) Compute(ctx context.Context, text string) (Drawing, error) {
	if strings.TrimSpace(text) == "" {
		return Drawing{}, nil
	}

	ictx := ctx
	if e.allocator != nil {
		ictx = experimental.WithMemoryAllocator(ctx, e.allocator)
	}
	mod, err := e.rt.InstantiateModule(ictx, e.compiled, wazero.NewModuleConfig().
		WithName("").
		WithStartFunctions("_initialize").
		WithNanotime(e.env.Clock().Source(), sys.ClockResolution(1)))
	if err != nil {
		e.logger.Debug().Err(err).Msg("instantiating guest failed")
		return Drawing{}, e.callError(ctx, "instantiating guest", err)
	}
	defer func() {
		mem := mod.Memory()
		_ = mod.Close(context.Background())
		if mem != nil {
			e.env.Forget(mem)
		}
	}()

	fn := mod.ExportedFunction(e.entry)
	if fn == nil {
		return Drawing{}, fmt.Errorf("libcshim: guest does not export %q", e.entry)
	}
	if mod.Memory() == nil {
		return Drawing{}, errNoMemory
	}

	res, status, err := e.call(ctx, mod, fn, text)
	if err != nil {
		return Drawing{}, err
	}
	if status != 0 {
		e.logger.Debug().Int32("status", status).Str("message", string(res)).Msg("guest rejected input")
		return Drawing{}, &CompileError{Message: string(res)}
	}
	return Drawing{SVG: res}, nil
}

// call passes text to fn as compute(ptr, len, out) and returns the bytes the
// guest wrote through out along with its status.
func (e *Engine) call(ctx context.Context, mod api.Module, fn api.Function, text string) (res []byte, status int32, err error) {
	defer func() {
		// Host side memory access failed, the guest handed back a bad result.
		if r := recover(); r != nil {
			rerr, ok := r.(error)
			if !ok {
				panic(r)
			}
			err = fmt.Errorf("libcshim: reading guest result: %w", rerr)
		}
	}()

	mem := mod.Memory()
	h := e.env.Heap(mod)

	in, err := h.Allocate(uint64(len(text)))
	if err != nil {
		return nil, 0, fmt.Errorf("libcshim: copying input: %w", err)
	}
	writeString(mem, in, text)

	out, err := h.Allocate(8)
	if err != nil {
		return nil, 0, fmt.Errorf("libcshim: allocating result: %w", err)
	}
	writeUint32(mem, out, 0)
	writeUint32(mem, out+4, 0)

	callStack := []uint64{api.EncodeU32(in), api.EncodeU32(uint32(len(text))), api.EncodeU32(out)}
	if err := fn.CallWithStack(ctx, callStack); err != nil {
		return nil, 0, e.callError(ctx, "calling "+e.entry, err)
	}
	status = api.DecodeI32(callStack[0])

	ptr := readUint32(mem, out)
	n := readUint32(mem, out+4)
	res = readBytes(mem, ptr, n)
	if ptr != 0 {
		// This was malloc'd by the guest, so free it
		h.Release(ptr)
	}
	h.Release(out)
	h.Release(in)

	return res, status, nil
}

func (e *Engine) callError(ctx context.Context, op string, err error) error {
	// The runtime closes the module when ctx is done and reports an exit code,
	// callers want to see the context error instead.
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("libcshim: %s: %w", op, ctxErr)
	}
	return fmt.Errorf("libcshim: %s: %w", op, err)
}

// Close releases the runtime and every compiled module.
func (e *Engine) Close(ctx context.Context) error {
	return e.rt.Close(ctx)
}
