package printf

// Kind identifies the C type an Arg was read as.
type Kind uint8

const (
	KindInt Kind = iota
	KindUint
	KindFloat
	KindString
	KindChar
	KindPointer
)

func (k Kind) String() string {
	switch k {
	case KindInt:
		return "int"
	case KindUint:
		return "uint"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindChar:
		return "char"
	case KindPointer:
		return "pointer"
	}
	return "unknown"
}

// Arg is one argument of a formatted print, already read out of the caller's
// va_list.
type Arg struct {
	kind Kind
	bits uint64
	f    float64
	s    string
	null bool
}

func Int(v int64) Arg {
	return Arg{kind: KindInt, bits: uint64(v)}
}

func Uint(v uint64) Arg {
	return Arg{kind: KindUint, bits: v}
}

func Float(v float64) Arg {
	return Arg{kind: KindFloat, f: v}
}

func String(s string) Arg {
	return Arg{kind: KindString, s: s}
}

// NullString is a %s argument that was a NULL pointer.
func NullString() Arg {
	return Arg{kind: KindString, null: true}
}

func Char(c byte) Arg {
	return Arg{kind: KindChar, bits: uint64(c)}
}

func Pointer(p uint64) Arg {
	return Arg{kind: KindPointer, bits: p}
}

func (a Arg) Kind() Kind {
	return a.kind
}

// integer returns the raw bits of any integer-like argument.
func (a Arg) integer() (uint64, bool) {
	switch a.kind {
	case KindInt, KindUint, KindChar, KindPointer:
		return a.bits, true
	}
	return 0, false
}
