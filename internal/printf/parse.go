package printf

import (
	"slices"
	"strings"
)

// Length is a C length modifier.
type Length uint8

const (
	LengthNone Length = iota
	LengthHH
	LengthH
	LengthL
	LengthLL
	LengthJ
	LengthZ
	LengthT
	LengthBigL
)

type class uint8

const (
	classPercent class = iota
	classSigned
	classUnsigned
	classFloat
	classChar
	classString
	classPointer
)

// conversions is the set of verbs the formatter understands. Anything else is
// copied to the output as written.
var conversions = map[byte]class{
	'%': classPercent,
	'd': classSigned,
	'i': classSigned,
	'u': classUnsigned,
	'o': classUnsigned,
	'x': classUnsigned,
	'X': classUnsigned,
	'f': classFloat,
	'F': classFloat,
	'e': classFloat,
	'E': classFloat,
	'g': classFloat,
	'G': classFloat,
	'c': classChar,
	's': classString,
	'p': classPointer,
}

// Conversions returns the supported conversion verbs in byte order.
func Conversions() []byte {
	verbs := make([]byte, 0, len(conversions))
	for v := range conversions {
		verbs = append(verbs, v)
	}
	slices.Sort(verbs)
	return verbs
}

type flags struct {
	minus bool
	plus  bool
	space bool
	sharp bool
	zero  bool
}

// Directive is either a run of literal text or one conversion specification.
type Directive struct {
	// Literal is set for text copied as is, Verb is then zero.
	Literal string

	Verb   byte
	Length Length

	flags flags

	Width    int
	WidthArg bool

	Prec    int
	HasPrec bool
	PrecArg bool
}

// Parse splits format into directives.
func Parse(format string) []Directive {
	var ds []Directive
	for len(format) > 0 {
		i := strings.IndexByte(format, '%')
		if i < 0 {
			ds = append(ds, Directive{Literal: format})
			break
		}
		if i > 0 {
			ds = append(ds, Directive{Literal: format[:i]})
		}
		d, n := parseDirective(format[i:])
		ds = append(ds, d)
		format = format[i+n:]
	}
	return ds
}

// parseDirective parses the conversion at the start of s, which begins with
// '%', and returns it with the number of bytes it spans.
func parseDirective(s string) (Directive, int) {
	var d Directive
	k := 1

flags:
	for ; k < len(s); k++ {
		switch s[k] {
		case '-':
			d.flags.minus = true
		case '+':
			d.flags.plus = true
		case ' ':
			d.flags.space = true
		case '#':
			d.flags.sharp = true
		case '0':
			d.flags.zero = true
		default:
			break flags
		}
	}

	if k < len(s) && s[k] == '*' {
		d.WidthArg = true
		k++
	} else {
		d.Width, k = parseNum(s, k)
	}

	if k < len(s) && s[k] == '.' {
		k++
		d.HasPrec = true
		if k < len(s) && s[k] == '*' {
			d.PrecArg = true
			k++
		} else {
			d.Prec, k = parseNum(s, k)
		}
	}

	d.Length, k = parseLength(s, k)

	if k >= len(s) {
		return Directive{Literal: s}, len(s)
	}
	verb := s[k]
	k++
	if _, ok := conversions[verb]; !ok {
		return Directive{Literal: s[:k]}, k
	}
	d.Verb = verb
	return d, k
}

func parseNum(s string, k int) (int, int) {
	n := 0
	for ; k < len(s) && s[k] >= '0' && s[k] <= '9'; k++ {
		if n < 1<<20 {
			n = n*10 + int(s[k]-'0')
		}
	}
	return n, k
}

func parseLength(s string, k int) (Length, int) {
	if k >= len(s) {
		return LengthNone, k
	}
	switch s[k] {
	case 'h':
		if k+1 < len(s) && s[k+1] == 'h' {
			return LengthHH, k + 2
		}
		return LengthH, k + 1
	case 'l':
		if k+1 < len(s) && s[k+1] == 'l' {
			return LengthLL, k + 2
		}
		return LengthL, k + 1
	case 'q':
		return LengthLL, k + 1
	case 'j':
		return LengthJ, k + 1
	case 'z':
		return LengthZ, k + 1
	case 't':
		return LengthT, k + 1
	case 'L':
		return LengthBigL, k + 1
	}
	return LengthNone, k
}
