package printf

import "math"

// DataModel gives the size in bytes of the C types whose width depends on the
// target.
type DataModel struct {
	Long    int
	SizeT   int
	Pointer int
}

// ILP32 is the wasm32 data model.
var ILP32 = DataModel{Long: 4, SizeT: 4, Pointer: 4}

// Cursor reads the variadic arguments of a C call in order. Integers are
// returned as raw bits; sign extension is left to Decode, which knows the type
// each conversion expects.
type Cursor interface {
	Model() DataModel
	Uint32() uint32
	Uint64() uint64
	Float64() float64
	// Uint128 reads a 16-byte long double, which clang aligns to 16 on wasm32.
	Uint128() (lo, hi uint64)
	// CString reads the NUL-terminated string at ptr, which is never zero.
	CString(ptr uint64) string
}

// Decode reads one Arg from c for every '*' and every conversion in format, in
// the order Sprintf consumes them.
func Decode(format string, c Cursor) []Arg {
	var args []Arg
	m := c.Model()
	for _, d := range Parse(format) {
		if d.Verb == 0 {
			continue
		}
		if d.WidthArg {
			args = append(args, Int(int64(int32(c.Uint32()))))
		}
		if d.PrecArg {
			args = append(args, Int(int64(int32(c.Uint32()))))
		}

		switch conversions[d.Verb] {
		case classSigned:
			n := intWidth(d.Length, m)
			args = append(args, Int(signExtend(readBits(c, n), n)))
		case classUnsigned:
			args = append(args, Uint(readBits(c, intWidth(d.Length, m))))
		case classFloat:
			if d.Length == LengthBigL {
				args = append(args, Float(narrowFloat128(c.Uint128())))
			} else {
				args = append(args, Float(c.Float64()))
			}
		case classChar:
			args = append(args, Char(byte(c.Uint32())))
		case classString:
			if ptr := readBits(c, m.Pointer); ptr != 0 {
				args = append(args, String(c.CString(ptr)))
			} else {
				args = append(args, NullString())
			}
		case classPointer:
			args = append(args, Pointer(readBits(c, m.Pointer)))
		}
	}
	return args
}

// intWidth is the size of the integer argument a length modifier selects.
// char and short arguments are promoted to int by the caller.
func intWidth(l Length, m DataModel) int {
	switch l {
	case LengthL:
		return m.Long
	case LengthLL, LengthJ, LengthBigL:
		return 8
	case LengthZ, LengthT:
		return m.SizeT
	}
	return 4
}

func readBits(c Cursor, n int) uint64 {
	if n == 8 {
		return c.Uint64()
	}
	return uint64(c.Uint32())
}

func signExtend(v uint64, n int) int64 {
	if n == 8 {
		return int64(v)
	}
	return int64(int32(uint32(v)))
}

// narrowFloat128 rounds an IEEE binary128 value to the nearest float64, ties
// away from zero.
func narrowFloat128(lo, hi uint64) float64 {
	exp := int(hi>>48) & 0x7fff
	frac := hi & (1<<48 - 1)

	var v float64
	switch exp {
	case 0:
		// Zero, or subnormal and far below the float64 range.
	case 0x7fff:
		if frac|lo != 0 {
			return math.NaN()
		}
		v = math.Inf(1)
	default:
		m := 1<<52 | frac<<4 | lo>>60
		if lo>>59&1 != 0 {
			m++
		}
		v = math.Ldexp(float64(m), exp-16383-52)
	}
	if hi>>63 != 0 {
		v = -v
	}
	return v
}
