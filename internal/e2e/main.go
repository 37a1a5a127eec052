package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/wasilibs/go-libcshim"
	"github.com/wasilibs/go-libcshim/internal/wasmtest"
)

var i32 = wasmtest.I32

// solverGuest behaves like the real library on a good day: it reads the clock,
// prints progress, and returns its input as the drawing in a malloc'd buffer.
func solverGuest() []byte {
	imports := []wasmtest.Import{
		{Module: libcshim.ModuleName, Name: "malloc", Params: []wasmtest.ValType{i32}, Results: []wasmtest.ValType{i32}},
		{Module: libcshim.ModuleName, Name: "printf", Params: []wasmtest.ValType{i32, i32}, Results: []wasmtest.ValType{i32}},
		{Module: libcshim.ModuleName, Name: "mach_absolute_time", Results: []wasmtest.ValType{wasmtest.I64}},
	}
	var body []byte
	for _, b := range [][]byte{
		wasmtest.Call(2), wasmtest.Drop(),
		wasmtest.I32Const(64), wasmtest.LocalGet(1), wasmtest.I32Store(0),
		wasmtest.I32Const(16), wasmtest.I32Const(64), wasmtest.Call(1), wasmtest.Drop(),
		wasmtest.LocalGet(1), wasmtest.Call(0), wasmtest.LocalSet(3),
		wasmtest.LocalGet(3), wasmtest.LocalGet(0), wasmtest.LocalGet(1), wasmtest.MemoryCopy(),
		wasmtest.LocalGet(2), wasmtest.LocalGet(3), wasmtest.I32Store(0),
		wasmtest.LocalGet(2), wasmtest.LocalGet(1), wasmtest.I32Store(4),
		wasmtest.I32Const(0),
	} {
		body = append(body, b...)
	}
	m := wasmtest.Module{
		Imports: imports,
		Funcs: []wasmtest.Func{{
			Name:    "compute",
			Params:  []wasmtest.ValType{i32, i32, i32},
			Results: []wasmtest.ValType{i32},
			Locals:  []wasmtest.ValType{i32},
			Body:    body,
		}},
		MinPages: 1,
		HeapBase: 1024,
		Data:     []wasmtest.Segment{{Offset: 16, Bytes: []byte("solving %d bytes\n\x00")}},
	}
	return m.Encode()
}

// pluginGuest tries to load a plugin.
func pluginGuest() []byte {
	imports := []wasmtest.Import{
		{Module: libcshim.ModuleName, Name: "dlopen", Params: []wasmtest.ValType{i32, i32}, Results: []wasmtest.ValType{i32}},
	}
	var body []byte
	for _, b := range [][]byte{
		wasmtest.I32Const(0), wasmtest.I32Const(0), wasmtest.Call(0), wasmtest.Drop(),
		wasmtest.I32Const(0),
	} {
		body = append(body, b...)
	}
	m := wasmtest.Module{
		Imports: imports,
		Funcs: []wasmtest.Func{{
			Name:    "compute",
			Params:  []wasmtest.ValType{i32, i32, i32},
			Results: []wasmtest.ValType{i32},
			Body:    body,
		}},
		MinPages: 1,
	}
	return m.Encode()
}

func main() {
	ctx := context.Background()
	var log bytes.Buffer

	engine, err := libcshim.Compile(ctx, solverGuest(), libcshim.WithLogger(zerolog.New(&log)))
	if err != nil {
		panic(err)
	}
	defer engine.Close(ctx)

	const sketch = `<svg viewBox="0 0 4 4"><circle r="1"/></svg>`
	drawing, err := engine.Compute(ctx, sketch)
	if err != nil {
		panic(err)
	}
	if string(drawing.SVG) != sketch {
		panic(fmt.Sprintf("unexpected drawing %q", drawing.SVG))
	}
	if !strings.Contains(log.String(), fmt.Sprintf("solving %d bytes", len(sketch))) {
		panic("missing guest output in log: " + log.String())
	}

	plugins, err := libcshim.Compile(ctx, pluginGuest())
	if err != nil {
		panic(err)
	}
	defer plugins.Close(ctx)

	if _, err := plugins.Compute(ctx, "load"); !errors.Is(err, libcshim.ErrUnsupported) {
		panic(fmt.Sprintf("expected unsupported error, got %v", err))
	}

	fmt.Println("ok")
}
