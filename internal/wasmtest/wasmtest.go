// Package wasmtest encodes small WebAssembly guest modules by hand. Tests use
// them to call host functions the way a compiled C library would, without
// checking binaries into the repository.
package wasmtest

import (
	"encoding/binary"
	"math"
)

// ValType is a wasm value type.
type ValType byte

const (
	I32 ValType = 0x7f
	I64 ValType = 0x7e
	F32 ValType = 0x7d
	F64 ValType = 0x7c
)

// Import is a function the module imports.
type Import struct {
	Module  string
	Name    string
	Params  []ValType
	Results []ValType
}

// Func is a function defined and exported by the module. Body is the
// instruction sequence without the trailing end opcode.
type Func struct {
	Name    string
	Params  []ValType
	Results []ValType
	Locals  []ValType
	Body    []byte
}

// Module describes a guest. The memory is always exported as "memory".
type Module struct {
	Imports []Import
	Funcs   []Func

	MinPages uint32
	// MaxPages limits memory growth, zero means no limit.
	MaxPages uint32

	// HeapBase, when non-zero, is exported as the immutable i32 global
	// __heap_base, the way wasm-ld marks the end of static data.
	HeapBase uint32

	// Data is copied into memory at instantiation.
	Data []Segment
}

// Segment is static data placed at Offset, such as a string literal.
type Segment struct {
	Offset uint32
	Bytes  []byte
}

// ImportIndex returns the function index of the named import, or panics.
func (m *Module) ImportIndex(name string) uint32 {
	for i, imp := range m.Imports {
		if imp.Name == name {
			return uint32(i)
		}
	}
	panic("wasmtest: no import named " + name)
}

// Encode returns the binary encoding of the module.
func (m *Module) Encode() []byte {
	out := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

	var types []byte
	types = appendU32(types, uint32(len(m.Imports)+len(m.Funcs)))
	for _, imp := range m.Imports {
		types = appendFuncType(types, imp.Params, imp.Results)
	}
	for _, f := range m.Funcs {
		types = appendFuncType(types, f.Params, f.Results)
	}
	out = appendSection(out, 1, types)

	if len(m.Imports) > 0 {
		var imports []byte
		imports = appendU32(imports, uint32(len(m.Imports)))
		for i, imp := range m.Imports {
			imports = appendName(imports, imp.Module)
			imports = appendName(imports, imp.Name)
			imports = append(imports, 0x00)
			imports = appendU32(imports, uint32(i))
		}
		out = appendSection(out, 2, imports)
	}

	if len(m.Funcs) > 0 {
		var funcs []byte
		funcs = appendU32(funcs, uint32(len(m.Funcs)))
		for i := range m.Funcs {
			funcs = appendU32(funcs, uint32(len(m.Imports)+i))
		}
		out = appendSection(out, 3, funcs)
	}

	var mem []byte
	mem = appendU32(mem, 1)
	if m.MaxPages > 0 {
		mem = append(mem, 0x01)
		mem = appendU32(mem, m.MinPages)
		mem = appendU32(mem, m.MaxPages)
	} else {
		mem = append(mem, 0x00)
		mem = appendU32(mem, m.MinPages)
	}
	out = appendSection(out, 5, mem)

	if m.HeapBase > 0 {
		var globals []byte
		globals = appendU32(globals, 1)
		globals = append(globals, byte(I32), 0x00)
		globals = append(globals, I32Const(int32(m.HeapBase))...)
		globals = append(globals, 0x0b)
		out = appendSection(out, 6, globals)
	}

	var exports []byte
	n := 1 + len(m.Funcs)
	if m.HeapBase > 0 {
		n++
	}
	exports = appendU32(exports, uint32(n))
	exports = appendName(exports, "memory")
	exports = append(exports, 0x02, 0x00)
	for i, f := range m.Funcs {
		exports = appendName(exports, f.Name)
		exports = append(exports, 0x00)
		exports = appendU32(exports, uint32(len(m.Imports)+i))
	}
	if m.HeapBase > 0 {
		exports = appendName(exports, "__heap_base")
		exports = append(exports, 0x03, 0x00)
	}
	out = appendSection(out, 7, exports)

	if len(m.Funcs) > 0 {
		var code []byte
		code = appendU32(code, uint32(len(m.Funcs)))
		for _, f := range m.Funcs {
			var body []byte
			body = appendU32(body, uint32(len(f.Locals)))
			for _, l := range f.Locals {
				body = appendU32(body, 1)
				body = append(body, byte(l))
			}
			body = append(body, f.Body...)
			body = append(body, 0x0b)
			code = appendU32(code, uint32(len(body)))
			code = append(code, body...)
		}
		out = appendSection(out, 10, code)
	}

	if len(m.Data) > 0 {
		var data []byte
		data = appendU32(data, uint32(len(m.Data)))
		for _, d := range m.Data {
			data = append(data, 0x00)
			data = append(data, I32Const(int32(d.Offset))...)
			data = append(data, 0x0b)
			data = appendU32(data, uint32(len(d.Bytes)))
			data = append(data, d.Bytes...)
		}
		out = appendSection(out, 11, data)
	}

	return out
}

// Trampolines returns one exported function per import, named "call_" plus the
// import name, that forwards its parameters to the import. Tests invoke host
// functions through them so the host sees a real calling module.
func Trampolines(imports []Import) []Func {
	funcs := make([]Func, 0, len(imports))
	for i, imp := range imports {
		var body []byte
		for p := range imp.Params {
			body = append(body, LocalGet(uint32(p))...)
		}
		body = append(body, Call(uint32(i))...)
		funcs = append(funcs, Func{
			Name:    "call_" + imp.Name,
			Params:  imp.Params,
			Results: imp.Results,
			Body:    body,
		})
	}
	return funcs
}

// Instructions.

func LocalGet(idx uint32) []byte {
	return appendU32([]byte{0x20}, idx)
}

func LocalSet(idx uint32) []byte {
	return appendU32([]byte{0x21}, idx)
}

func Call(idx uint32) []byte {
	return appendU32([]byte{0x10}, idx)
}

func I32Const(v int32) []byte {
	return appendS64([]byte{0x41}, int64(v))
}

func I64Const(v int64) []byte {
	return appendS64([]byte{0x42}, v)
}

func F64Const(v float64) []byte {
	return binary.LittleEndian.AppendUint64([]byte{0x44}, math.Float64bits(v))
}

// I32Store stores the i32 on top of the stack at the address below it plus
// offset.
func I32Store(offset uint32) []byte {
	return appendU32([]byte{0x36, 0x02}, offset)
}

// MemoryCopy is memory.copy from the bulk memory proposal: dst, src, n.
func MemoryCopy() []byte {
	return []byte{0xfc, 0x0a, 0x00, 0x00}
}

func Drop() []byte {
	return []byte{0x1a}
}

func Unreachable() []byte {
	return []byte{0x00}
}

// Spin is an infinite loop.
func Spin() []byte {
	return []byte{0x03, 0x40, 0x0c, 0x00, 0x0b}
}

func appendFuncType(b []byte, params, results []ValType) []byte {
	b = append(b, 0x60)
	b = appendU32(b, uint32(len(params)))
	for _, p := range params {
		b = append(b, byte(p))
	}
	b = appendU32(b, uint32(len(results)))
	for _, r := range results {
		b = append(b, byte(r))
	}
	return b
}

func appendSection(b []byte, id byte, contents []byte) []byte {
	b = append(b, id)
	b = appendU32(b, uint32(len(contents)))
	return append(b, contents...)
}

func appendName(b []byte, s string) []byte {
	b = appendU32(b, uint32(len(s)))
	return append(b, s...)
}

func appendU32(b []byte, v uint32) []byte {
	for {
		c := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			c |= 0x80
		}
		b = append(b, c)
		if v == 0 {
			return b
		}
	}
}

func appendS64(b []byte, v int64) []byte {
	for {
		c := byte(v & 0x7f)
		v >>= 7
		done := (v == 0 && c&0x40 == 0) || (v == -1 && c&0x40 != 0)
		if !done {
			c |= 0x80
		}
		b = append(b, c)
		if done {
			return b
		}
	}
}
