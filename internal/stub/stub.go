// Package stub holds the C entry points the guest links against but the host
// cannot provide. Calling one of them panics with an *UnsupportedError, which
// stops the guest call it happened in.
package stub

import (
	"errors"
	"math"

	"github.com/tetratelabs/wazero/api"
)

// ErrUnsupported is matched by every *UnsupportedError.
var ErrUnsupported = errors.New("libcshim: unsupported capability")

// UnsupportedError reports a call to a function that has no implementation.
type UnsupportedError struct {
	Func string
}

func (e *UnsupportedError) Error() string {
	return "libcshim: " + e.Func + " is not supported"
}

func (e *UnsupportedError) Is(target error) bool {
	return target == ErrUnsupported
}

// Fail panics with an *UnsupportedError for fn.
func Fail(fn string) {
	panic(&UnsupportedError{Func: fn})
}

// Def is the wasm32 signature of an unsupported function.
type Def struct {
	Name       string
	Params     []api.ValueType
	ParamNames []string
	Results    []api.ValueType
}

var (
	i32 = api.ValueTypeI32
)

// Table lists the unsupported functions: dynamic loading, which a sandboxed
// guest cannot do, and locale-aware case conversion.
var Table = []Def{
	{Name: "dlopen", Params: []api.ValueType{i32, i32}, ParamNames: []string{"path", "mode"}, Results: []api.ValueType{i32}},
	{Name: "dlclose", Params: []api.ValueType{i32}, ParamNames: []string{"handle"}, Results: []api.ValueType{i32}},
	{Name: "dlsym", Params: []api.ValueType{i32, i32}, ParamNames: []string{"handle", "symbol"}, Results: []api.ValueType{i32}},
	{Name: "dlerror", Results: []api.ValueType{i32}},
	{Name: "__tolower", Params: []api.ValueType{i32}, ParamNames: []string{"c"}, Results: []api.ValueType{i32}},
	{Name: "__toupper", Params: []api.ValueType{i32}, ParamNames: []string{"c"}, Results: []api.ValueType{i32}},
}

// Sqrt is the square root of x.
func Sqrt(x float64) float64 {
	return math.Sqrt(x)
}
