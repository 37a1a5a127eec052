package internal

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"math"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/wasilibs/go-libcshim/internal/stub"
	"github.com/wasilibs/go-libcshim/internal/wasmtest"
)

const testHeapBase = 1024

var (
	tI32 = wasmtest.I32
	tI64 = wasmtest.I64
	tF64 = wasmtest.F64
)

// envImports mirrors the C prototypes a guest declares for module env.
var envImports = []wasmtest.Import{
	{Module: ModuleName, Name: "malloc", Params: []wasmtest.ValType{tI32}, Results: []wasmtest.ValType{tI32}},
	{Module: ModuleName, Name: "calloc", Params: []wasmtest.ValType{tI32, tI32}, Results: []wasmtest.ValType{tI32}},
	{Module: ModuleName, Name: "realloc", Params: []wasmtest.ValType{tI32, tI32}, Results: []wasmtest.ValType{tI32}},
	{Module: ModuleName, Name: "free", Params: []wasmtest.ValType{tI32}},
	{Module: ModuleName, Name: "__libc_malloc", Params: []wasmtest.ValType{tI32}, Results: []wasmtest.ValType{tI32}},
	{Module: ModuleName, Name: "__libc_free", Params: []wasmtest.ValType{tI32}},
	{Module: ModuleName, Name: "posix_memalign", Params: []wasmtest.ValType{tI32, tI32, tI32}, Results: []wasmtest.ValType{tI32}},
	{Module: ModuleName, Name: "aligned_alloc", Params: []wasmtest.ValType{tI32, tI32}, Results: []wasmtest.ValType{tI32}},
	{Module: ModuleName, Name: "printf", Params: []wasmtest.ValType{tI32, tI32}, Results: []wasmtest.ValType{tI32}},
	{Module: ModuleName, Name: "putchar", Params: []wasmtest.ValType{tI32}, Results: []wasmtest.ValType{tI32}},
	{Module: ModuleName, Name: "puts", Params: []wasmtest.ValType{tI32}, Results: []wasmtest.ValType{tI32}},
	{Module: ModuleName, Name: "mach_absolute_time", Results: []wasmtest.ValType{tI64}},
	{Module: ModuleName, Name: "mach_timebase_info", Params: []wasmtest.ValType{tI32}, Results: []wasmtest.ValType{tI32}},
	{Module: ModuleName, Name: "sqrt", Params: []wasmtest.ValType{tF64}, Results: []wasmtest.ValType{tF64}},
}

type guest struct {
	t   *testing.T
	env *Env
	mod api.Module
	mem api.Memory
}

func newGuestWith(t *testing.T, cfg *Config, m wasmtest.Module) *guest {
	t.Helper()
	ctx := context.Background()

	rt := wazero.NewRuntime(ctx)
	t.Cleanup(func() { _ = rt.Close(ctx) })

	env := NewEnv(cfg)
	_, err := env.Instantiate(ctx, rt)
	require.NoError(t, err)

	m.Funcs = append(wasmtest.Trampolines(m.Imports), m.Funcs...)
	mod, err := rt.InstantiateWithConfig(ctx, m.Encode(), wazero.NewModuleConfig().WithName(""))
	require.NoError(t, err)

	return &guest{t: t, env: env, mod: mod, mem: mod.Memory()}
}

func newGuest(t *testing.T, cfg *Config) *guest {
	t.Helper()
	return newGuestWith(t, cfg, wasmtest.Module{Imports: envImports, MinPages: 1, HeapBase: testHeapBase})
}

func (g *guest) call(name string, params ...uint64) uint64 {
	g.t.Helper()
	res, err := g.mod.ExportedFunction("call_"+name).Call(context.Background(), params...)
	require.NoError(g.t, err)
	if len(res) == 0 {
		return 0
	}
	return res[0]
}

func (g *guest) ptr(name string, params ...uint64) uint32 {
	g.t.Helper()
	return api.DecodeU32(g.call(name, params...))
}

func (g *guest) write(ptr uint32, b []byte) {
	g.t.Helper()
	require.True(g.t, g.mem.Write(ptr, b))
}

func (g *guest) read(ptr, n uint32) []byte {
	g.t.Helper()
	b, ok := g.mem.Read(ptr, n)
	require.True(g.t, ok)
	return append([]byte{}, b...)
}

func logLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	dec := json.NewDecoder(bytes.NewReader(buf.Bytes()))
	for dec.More() {
		var m map[string]any
		require.NoError(t, dec.Decode(&m))
		out = append(out, m)
	}
	buf.Reset()
	return out
}

func TestMallocFree(t *testing.T) {
	g := newGuest(t, NewConfig())

	p := g.ptr("malloc", 100)
	require.NotZero(t, p)
	require.Zero(t, p%16)
	require.GreaterOrEqual(t, p, uint32(testHeapBase))

	q := g.ptr("malloc", 100)
	require.NotEqual(t, p, q)

	g.write(p, bytes.Repeat([]byte{0xaa}, 100))
	g.write(q, bytes.Repeat([]byte{0xbb}, 100))
	require.Equal(t, bytes.Repeat([]byte{0xaa}, 100), g.read(p, 100))

	g.call("free", uint64(p))
	g.call("free", 0)
	require.Equal(t, p, g.ptr("malloc", 100))
	require.Equal(t, bytes.Repeat([]byte{0xbb}, 100), g.read(q, 100))
}

func TestLibcAliases(t *testing.T) {
	g := newGuest(t, NewConfig())

	p := g.ptr("__libc_malloc", 32)
	require.NotZero(t, p)
	g.call("__libc_free", uint64(p))
	require.Equal(t, p, g.ptr("malloc", 32))
}

func TestCalloc(t *testing.T) {
	g := newGuest(t, NewConfig())

	p := g.ptr("malloc", 64)
	g.write(p, bytes.Repeat([]byte{0xff}, 64))
	g.call("free", uint64(p))

	q := g.ptr("calloc", 8, 8)
	require.NotZero(t, q)
	require.Equal(t, make([]byte, 64), g.read(q, 64))

	require.NotZero(t, g.ptr("calloc", 0, 8))
}

func TestRealloc(t *testing.T) {
	g := newGuest(t, NewConfig())

	p := g.ptr("realloc", 0, 10)
	require.NotZero(t, p)
	g.write(p, []byte("hello, was"))

	blocker := g.ptr("malloc", 16)
	require.NotZero(t, blocker)

	q := g.ptr("realloc", uint64(p), 4000)
	require.NotZero(t, q)
	require.Equal(t, []byte("hello, was"), g.read(q, 10))

	r := g.ptr("realloc", uint64(q), 5)
	require.Equal(t, []byte("hello"), g.read(r, 5))
}

func TestMallocOutOfMemory(t *testing.T) {
	var buf bytes.Buffer
	cfg := NewConfig()
	cfg.Logger = zerolog.New(&buf).Level(zerolog.DebugLevel)

	g := newGuestWith(t, cfg, wasmtest.Module{Imports: envImports, MinPages: 1, MaxPages: 2, HeapBase: testHeapBase})

	require.Zero(t, g.ptr("malloc", 1<<20))
	require.Zero(t, g.ptr("calloc", 1<<10, 1<<10))

	lines := logLines(t, &buf)
	require.Len(t, lines, 2)
	require.Equal(t, "debug", lines[0]["level"])
	require.Equal(t, "malloc failed", lines[0]["message"])
	require.Contains(t, lines[0]["error"], "out of memory")

	p := g.ptr("malloc", 100)
	require.NotZero(t, p)
	require.Zero(t, g.ptr("realloc", uint64(p), 1<<20))
}

func TestPosixMemalign(t *testing.T) {
	g := newGuest(t, NewConfig())
	const memptr = 16

	tests := []struct {
		align uint32
		errno uint32
	}{
		{align: 0, errno: errnoInval},
		{align: 2, errno: errnoInval},
		{align: 3, errno: errnoInval},
		{align: 48, errno: errnoInval},
		{align: 4},
		{align: 64},
		{align: 4096},
	}

	for _, tc := range tests {
		require.True(t, g.mem.WriteUint32Le(memptr, 0))
		errno := g.ptr("posix_memalign", memptr, uint64(tc.align), 100)
		require.Equal(t, tc.errno, errno, "alignment %d", tc.align)

		p, ok := g.mem.ReadUint32Le(memptr)
		require.True(t, ok)
		if tc.errno != 0 {
			require.Zero(t, p)
			continue
		}
		require.NotZero(t, p)
		require.Zero(t, p%tc.align)
		g.call("free", uint64(p))
	}
}

func TestPosixMemalignOutOfMemory(t *testing.T) {
	g := newGuestWith(t, NewConfig(), wasmtest.Module{Imports: envImports, MinPages: 1, MaxPages: 1, HeapBase: testHeapBase})
	require.Equal(t, uint32(errnoNoMem), g.ptr("posix_memalign", 16, 16, 1<<20))
}

func TestAlignedAlloc(t *testing.T) {
	g := newGuest(t, NewConfig())

	p := g.ptr("aligned_alloc", 256, 1000)
	require.NotZero(t, p)
	require.Zero(t, p%256)

	require.Zero(t, g.ptr("aligned_alloc", 3, 10))
	require.Zero(t, g.ptr("aligned_alloc", 0, 10))

	g.call("free", uint64(p))
}

func TestPrintf(t *testing.T) {
	tests := []struct {
		name   string
		format string
		args   func(va []byte) []byte
		want   string
		count  uint32
	}{
		{
			name:   "int and string",
			format: "%d and %s",
			args: func(va []byte) []byte {
				va = binary.LittleEndian.AppendUint32(va, 42)
				return binary.LittleEndian.AppendUint32(va, 64)
			},
			want:  "42 and x",
			count: 8,
		},
		{
			name:   "trailing newline",
			format: "%s\n",
			args: func(va []byte) []byte {
				return binary.LittleEndian.AppendUint32(va, 64)
			},
			want:  "x",
			count: 2,
		},
		{
			name:   "double after int",
			format: "iter %d: %.3f",
			args: func(va []byte) []byte {
				va = binary.LittleEndian.AppendUint32(va, 7)
				va = binary.LittleEndian.AppendUint32(va, 0)
				return binary.LittleEndian.AppendUint64(va, math.Float64bits(2.5))
			},
			want:  "iter 7: 2.500",
			count: 13,
		},
		{
			name:   "long long",
			format: "%lld|%lu",
			args: func(va []byte) []byte {
				va = binary.LittleEndian.AppendUint64(va, uint64(1)<<40)
				return binary.LittleEndian.AppendUint32(va, math.MaxUint32)
			},
			want:  "1099511627776|4294967295",
			count: 24,
		},
		{
			name:   "long double",
			format: "%d %Lf %d",
			args: func(va []byte) []byte {
				va = binary.LittleEndian.AppendUint32(va, 3)
				va = append(va, make([]byte, 12)...)
				// 1.5 as binary128
				va = binary.LittleEndian.AppendUint64(va, 0)
				va = binary.LittleEndian.AppendUint64(va, 0x3fff800000000000)
				return binary.LittleEndian.AppendUint32(va, 9)
			},
			want:  "3 1.500000 9",
			count: 12,
		},
		{
			name:   "null string",
			format: "[%s]",
			args: func(va []byte) []byte {
				return binary.LittleEndian.AppendUint32(va, 0)
			},
			want:  "[(null)]",
			count: 8,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var buf bytes.Buffer
			cfg := NewConfig()
			cfg.Logger = zerolog.New(&buf)
			g := newGuest(t, cfg)

			const formatPtr, strPtr, vaPtr = 16, 64, 128
			g.write(formatPtr, append([]byte(tc.format), 0))
			g.write(strPtr, []byte("x\x00"))
			g.write(vaPtr, tc.args(nil))

			require.Equal(t, tc.count, g.ptr("printf", formatPtr, vaPtr))

			lines := logLines(t, &buf)
			require.Len(t, lines, 1)
			require.Equal(t, "info", lines[0]["level"])
			require.Equal(t, "printf", lines[0]["func"])
			require.Equal(t, tc.want, lines[0]["message"])
		})
	}
}

func TestPutcharPuts(t *testing.T) {
	var buf bytes.Buffer
	cfg := NewConfig()
	cfg.Logger = zerolog.New(&buf)
	g := newGuest(t, cfg)

	require.Equal(t, uint32('A'), g.ptr("putchar", 'A'))
	lines := logLines(t, &buf)
	require.Len(t, lines, 1)
	require.Equal(t, "putchar", lines[0]["func"])
	require.Equal(t, "A", lines[0]["message"])

	g.write(32, []byte("hi there\x00"))
	require.Equal(t, uint32(8), g.ptr("puts", 32))
	lines = logLines(t, &buf)
	require.Len(t, lines, 1)
	require.Equal(t, "puts", lines[0]["func"])
	require.Equal(t, "hi there", lines[0]["message"])

	g.call("puts", 0)
	require.Equal(t, "(null)", logLines(t, &buf)[0]["message"])
}

func TestPrintfUnreadableFormat(t *testing.T) {
	g := newGuest(t, NewConfig())

	_, err := g.mod.ExportedFunction("call_printf").Call(context.Background(), uint64(g.mem.Size()), 0)
	require.ErrorIs(t, err, errFailedRead)
}

func TestMachTime(t *testing.T) {
	var ticks int64
	cfg := NewConfig()
	cfg.Nanotime = func() int64 {
		ticks += 100
		return ticks
	}
	g := newGuest(t, cfg)

	first := int64(g.call("mach_absolute_time"))
	second := int64(g.call("mach_absolute_time"))
	require.Equal(t, int64(100), first)
	require.Equal(t, int64(200), second)

	const info = 48
	require.True(t, g.mem.WriteUint64Le(info, math.MaxUint64))
	require.Zero(t, g.ptr("mach_timebase_info", info))
	numer, _ := g.mem.ReadUint32Le(info)
	denom, _ := g.mem.ReadUint32Le(info + 4)
	require.Equal(t, uint32(1), numer)
	require.Equal(t, uint32(1), denom)
}

func TestMachAbsoluteTimeDefaultClock(t *testing.T) {
	g := newGuest(t, NewConfig())

	prev := int64(g.call("mach_absolute_time"))
	for i := 0; i < 100; i++ {
		now := int64(g.call("mach_absolute_time"))
		require.GreaterOrEqual(t, now, prev)
		prev = now
	}
}

func TestNilNanotimePanics(t *testing.T) {
	cfg := NewConfig()
	cfg.Nanotime = nil
	require.Panics(t, func() { NewEnv(cfg) })
}

func TestSqrt(t *testing.T) {
	g := newGuest(t, NewConfig())

	require.Equal(t, 3.0, api.DecodeF64(g.call("sqrt", api.EncodeF64(9))))
	require.Equal(t, math.Sqrt2, api.DecodeF64(g.call("sqrt", api.EncodeF64(2))))
	require.True(t, math.IsNaN(api.DecodeF64(g.call("sqrt", api.EncodeF64(-4)))))
}

func TestUnsupported(t *testing.T) {
	var imports []wasmtest.Import
	for _, def := range stub.Table {
		imp := wasmtest.Import{Module: ModuleName, Name: def.Name}
		for _, p := range def.Params {
			imp.Params = append(imp.Params, wasmtest.ValType(p))
		}
		for _, r := range def.Results {
			imp.Results = append(imp.Results, wasmtest.ValType(r))
		}
		imports = append(imports, imp)
	}
	g := newGuestWith(t, NewConfig(), wasmtest.Module{Imports: imports, MinPages: 1})

	for _, def := range stub.Table {
		t.Run(def.Name, func(t *testing.T) {
			params := make([]uint64, len(def.Params))
			_, err := g.mod.ExportedFunction("call_"+def.Name).Call(context.Background(), params...)
			require.ErrorIs(t, err, stub.ErrUnsupported)

			var ue *stub.UnsupportedError
			require.True(t, errors.As(err, &ue))
			require.Equal(t, def.Name, ue.Func)
		})
	}
}

func TestHeapBase(t *testing.T) {
	t.Run("option", func(t *testing.T) {
		cfg := NewConfig()
		cfg.HeapBase = 8192
		cfg.HasHeapBase = true
		g := newGuest(t, cfg)
		require.GreaterOrEqual(t, g.ptr("malloc", 1), uint32(8192))
	})

	t.Run("exported global", func(t *testing.T) {
		g := newGuestWith(t, NewConfig(), wasmtest.Module{Imports: envImports, MinPages: 1, HeapBase: 4096})
		p := g.ptr("malloc", 1)
		require.GreaterOrEqual(t, p, uint32(4096))
		require.Less(t, p, uint32(8192))
	})

	t.Run("end of memory", func(t *testing.T) {
		g := newGuestWith(t, NewConfig(), wasmtest.Module{Imports: envImports, MinPages: 1})
		require.Equal(t, uint32(1), g.mem.Size()/65536)
		p := g.ptr("malloc", 1)
		require.GreaterOrEqual(t, p, uint32(65536))
		require.Equal(t, uint32(2), g.mem.Size()/65536)
	})
}

func TestAllocatorTrace(t *testing.T) {
	var buf bytes.Buffer
	cfg := NewConfig()
	cfg.Logger = zerolog.New(&buf)
	g := newGuest(t, cfg)

	p := g.ptr("malloc", 24)
	p = g.ptr("realloc", uint64(p), 40)
	g.call("free", uint64(p))
	g.call("free", 0)

	lines := logLines(t, &buf)
	require.Len(t, lines, 3)
	for _, l := range lines {
		require.Equal(t, "trace", l["level"])
	}
	require.Equal(t, "malloc", lines[0]["message"])
	require.Equal(t, float64(24), lines[0]["size"])
	require.Equal(t, "realloc", lines[1]["message"])
	require.Equal(t, float64(24), lines[1]["from"])
	require.Equal(t, float64(40), lines[1]["to"])
	require.Equal(t, "free", lines[2]["message"])
	require.Equal(t, float64(p), lines[2]["ptr"])
	require.Equal(t, float64(40), lines[2]["size"])

	// Nothing above debug level is written for allocator calls.
	cfg.Logger = zerolog.New(&buf).Level(zerolog.DebugLevel)
	g = newGuest(t, cfg)
	g.call("free", uint64(g.ptr("malloc", 8)))
	require.Empty(t, logLines(t, &buf))
}

func TestForgetLogsHeapStats(t *testing.T) {
	var buf bytes.Buffer
	cfg := NewConfig()
	cfg.Logger = zerolog.New(&buf).Level(zerolog.DebugLevel)
	g := newGuest(t, cfg)

	g.ptr("malloc", 100)
	g.call("free", uint64(g.ptr("malloc", 10)))

	g.env.Forget(g.mem)
	lines := logLines(t, &buf)
	require.Len(t, lines, 1)
	require.Equal(t, "debug", lines[0]["level"])
	require.Equal(t, "heap released", lines[0]["message"])
	require.Equal(t, float64(1), lines[0]["live"])
	require.Equal(t, float64(128), lines[0]["in_use"])
	require.Equal(t, float64(65536), lines[0]["top"])

	// A memory without a heap logs nothing.
	g.env.Forget(g.mem)
	require.Empty(t, logLines(t, &buf))
}

func TestHeapPerMemory(t *testing.T) {
	ctx := context.Background()
	rt := wazero.NewRuntime(ctx)
	defer rt.Close(ctx)

	env := NewEnv(NewConfig())
	_, err := env.Instantiate(ctx, rt)
	require.NoError(t, err)

	m := wasmtest.Module{Imports: envImports, Funcs: wasmtest.Trampolines(envImports), MinPages: 1, HeapBase: testHeapBase}
	bin := m.Encode()

	a, err := rt.InstantiateWithConfig(ctx, bin, wazero.NewModuleConfig().WithName(""))
	require.NoError(t, err)
	b, err := rt.InstantiateWithConfig(ctx, bin, wazero.NewModuleConfig().WithName(""))
	require.NoError(t, err)

	pa, err := a.ExportedFunction("call_malloc").Call(ctx, 10)
	require.NoError(t, err)
	pb, err := b.ExportedFunction("call_malloc").Call(ctx, 10)
	require.NoError(t, err)

	// Separate memories, so both heaps hand out their first block.
	require.Equal(t, pa[0], pb[0])
	require.Len(t, env.heaps, 2)
	require.Equal(t, 1, env.Heap(a).Stats().Live)

	env.Forget(a.Memory())
	require.Len(t, env.heaps, 1)
}
