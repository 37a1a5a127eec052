package internal

import (
	"errors"
	"strings"

	"github.com/tetratelabs/wazero/api"

	"github.com/wasilibs/go-libcshim/internal/printf"
)

var (
	errFailedWrite = errors.New("failed to write to wasm memory")
	errFailedRead  = errors.New("failed to read from wasm memory")
	errNoMemory    = errors.New("libcshim: guest has no linear memory")
)

func readCString(mem api.Memory, ptr uint32) string {
	// C-string, read content until NULL.
	s := strings.Builder{}
	for {
		b, ok := mem.ReadByte(ptr)
		if !ok {
			panic(errFailedRead)
		}
		if b == 0 {
			break
		}
		s.WriteByte(b)
		ptr++
	}
	return s.String()
}

func readBytes(mem api.Memory, ptr, n uint32) []byte {
	b, ok := mem.Read(ptr, n)
	if !ok {
		panic(errFailedRead)
	}
	// Read returns a view, so make sure to copy it
	return append([]byte{}, b...)
}

func readUint32(mem api.Memory, ptr uint32) uint32 {
	v, ok := mem.ReadUint32Le(ptr)
	if !ok {
		panic(errFailedRead)
	}
	return v
}

func writeUint32(mem api.Memory, ptr, v uint32) {
	if !mem.WriteUint32Le(ptr, v) {
		panic(errFailedWrite)
	}
}

func writeString(mem api.Memory, ptr uint32, s string) {
	if !mem.WriteString(ptr, s) {
		panic(errFailedWrite)
	}
}

// varArgs walks a wasm32 va_list: a pointer into linear memory where clang
// stores each variadic argument at its natural alignment.
type varArgs struct {
	mem api.Memory
	ptr uint32
}

func (v *varArgs) Model() printf.DataModel {
	return printf.ILP32
}

func (v *varArgs) Uint32() uint32 {
	v.ptr = (v.ptr + 3) &^ 3
	x := readUint32(v.mem, v.ptr)
	v.ptr += 4
	return x
}

func (v *varArgs) Uint64() uint64 {
	v.ptr = (v.ptr + 7) &^ 7
	x, ok := v.mem.ReadUint64Le(v.ptr)
	if !ok {
		panic(errFailedRead)
	}
	v.ptr += 8
	return x
}

func (v *varArgs) Float64() float64 {
	v.ptr = (v.ptr + 7) &^ 7
	x, ok := v.mem.ReadFloat64Le(v.ptr)
	if !ok {
		panic(errFailedRead)
	}
	v.ptr += 8
	return x
}

func (v *varArgs) Uint128() (lo, hi uint64) {
	v.ptr = (v.ptr + 15) &^ 15
	lo, ok := v.mem.ReadUint64Le(v.ptr)
	if !ok {
		panic(errFailedRead)
	}
	hi, ok = v.mem.ReadUint64Le(v.ptr + 8)
	if !ok {
		panic(errFailedRead)
	}
	v.ptr += 16
	return lo, hi
}

func (v *varArgs) CString(ptr uint64) string {
	return readCString(v.mem, uint32(ptr))
}
