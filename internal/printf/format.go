package printf

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Sprintf formats args according to a C format string.
//
// Arguments are matched to conversions in order; surplus arguments are
// ignored. A conversion without an argument renders as %!d(MISSING) and one
// whose argument has the wrong kind as %!d(BADTYPE), in the manner of the fmt
// package. The format strings of the guest library are fixed at build time so
// neither is expected in practice.
func Sprintf(format string, args ...Arg) string {
	p := printer{args: args}
	for _, d := range Parse(format) {
		p.directive(d)
	}
	return p.buf.String()
}

type printer struct {
	buf  strings.Builder
	args []Arg
	next int
}

func (p *printer) arg() (Arg, bool) {
	if p.next >= len(p.args) {
		return Arg{}, false
	}
	a := p.args[p.next]
	p.next++
	return a, true
}

// starArg consumes the int argument of a '*' width or precision.
func (p *printer) starArg() (int, bool) {
	a, ok := p.arg()
	if !ok {
		return 0, false
	}
	v, ok := a.integer()
	if !ok {
		return 0, false
	}
	return int(int32(v)), true
}

func (p *printer) bad(verb byte, what string) {
	p.buf.WriteString("%!")
	p.buf.WriteByte(verb)
	p.buf.WriteString("(" + what + ")")
}

func (p *printer) directive(d Directive) {
	if d.Verb == 0 {
		p.buf.WriteString(d.Literal)
		return
	}

	f := d.flags
	width, prec, hasPrec := d.Width, d.Prec, d.HasPrec
	if d.WidthArg {
		if w, ok := p.starArg(); ok {
			if w < 0 {
				f.minus = true
				w = -w
			}
			width = w
		}
	}
	if d.PrecArg {
		if v, ok := p.starArg(); ok && v >= 0 {
			prec = v
		} else {
			hasPrec = false
		}
	}

	cls := conversions[d.Verb]
	if cls == classPercent {
		p.buf.WriteByte('%')
		return
	}

	a, ok := p.arg()
	if !ok {
		p.bad(d.Verb, "MISSING")
		return
	}

	switch cls {
	case classSigned:
		bits, ok := a.integer()
		if !ok {
			p.bad(d.Verb, "BADTYPE")
			return
		}
		v := truncSigned(bits, d.Length)
		if hasPrec && prec == 0 && v == 0 {
			sign := ""
			if f.plus {
				sign = "+"
			} else if f.space {
				sign = " "
			}
			p.pad(sign, width, f.minus)
			return
		}
		p.buf.WriteString(fmt.Sprintf(goVerb(f, width, prec, hasPrec, 'd'), v))

	case classUnsigned:
		bits, ok := a.integer()
		if !ok {
			p.bad(d.Verb, "BADTYPE")
			return
		}
		v := truncUnsigned(bits, d.Length)
		f.plus, f.space = false, false
		verb := d.Verb
		switch verb {
		case 'u':
			verb = 'd'
			f.sharp = false
		case 'x', 'X':
			if v == 0 {
				f.sharp = false
			} else if f.sharp && f.zero && !f.minus && !hasPrec && width > 2 {
				// C counts the 0x prefix against the width, fmt does not.
				p.buf.WriteString("0" + string(verb))
				f.sharp = false
				width -= 2
			}
		}
		if hasPrec && prec == 0 && v == 0 {
			s := ""
			if f.sharp && verb == 'o' {
				s = "0"
			}
			p.pad(s, width, f.minus)
			return
		}
		p.buf.WriteString(fmt.Sprintf(goVerb(f, width, prec, hasPrec, verb), v))

	case classFloat:
		if a.kind != KindFloat {
			p.bad(d.Verb, "BADTYPE")
			return
		}
		p.float(a.f, d.Verb, f, width, prec, hasPrec)

	case classChar:
		bits, ok := a.integer()
		if !ok {
			p.bad(d.Verb, "BADTYPE")
			return
		}
		p.pad(string([]byte{byte(bits)}), width, f.minus)

	case classString:
		if a.kind != KindString {
			p.bad(d.Verb, "BADTYPE")
			return
		}
		s := a.s
		if a.null {
			s = "(null)"
			if hasPrec && prec < len(s) {
				s = ""
			}
		}
		if hasPrec && prec < len(s) {
			s = s[:prec]
		}
		p.pad(s, width, f.minus)

	case classPointer:
		bits, ok := a.integer()
		if !ok {
			p.bad(d.Verb, "BADTYPE")
			return
		}
		s := "(nil)"
		if bits != 0 {
			s = "0x" + strconv.FormatUint(bits, 16)
		}
		p.pad(s, width, f.minus)
	}
}

func (p *printer) float(v float64, verb byte, f flags, width, prec int, hasPrec bool) {
	if math.IsInf(v, 0) || math.IsNaN(v) {
		s := "inf"
		if math.IsNaN(v) {
			s = "nan"
		}
		if verb >= 'A' && verb <= 'Z' {
			s = strings.ToUpper(s)
		}
		switch {
		case math.Signbit(v):
			s = "-" + s
		case f.plus:
			s = "+" + s
		case f.space:
			s = " " + s
		}
		p.pad(s, width, f.minus)
		return
	}

	if !hasPrec {
		prec, hasPrec = 6, true
	}
	if verb == 'F' {
		verb = 'f'
	}
	p.buf.WriteString(fmt.Sprintf(goVerb(f, width, prec, hasPrec, verb), v))
}

func (p *printer) pad(s string, width int, left bool) {
	if !left {
		p.spaces(width - len(s))
	}
	p.buf.WriteString(s)
	if left {
		p.spaces(width - len(s))
	}
}

func (p *printer) spaces(n int) {
	for ; n > 0; n-- {
		p.buf.WriteByte(' ')
	}
}

// goVerb renders a conversion specification for the fmt package, whose flags
// mean the same as C's for integers and floats.
func goVerb(f flags, width, prec int, hasPrec bool, verb byte) string {
	b := make([]byte, 0, 16)
	b = append(b, '%')
	if f.minus {
		b = append(b, '-')
	}
	if f.plus {
		b = append(b, '+')
	}
	if f.space {
		b = append(b, ' ')
	}
	if f.sharp {
		b = append(b, '#')
	}
	if f.zero && !f.minus {
		b = append(b, '0')
	}
	if width > 0 {
		b = strconv.AppendInt(b, int64(width), 10)
	}
	if hasPrec {
		b = append(b, '.')
		b = strconv.AppendInt(b, int64(prec), 10)
	}
	return string(append(b, verb))
}

func truncSigned(v uint64, l Length) int64 {
	switch l {
	case LengthHH:
		return int64(int8(v))
	case LengthH:
		return int64(int16(v))
	case LengthNone:
		return int64(int32(v))
	}
	return int64(v)
}

func truncUnsigned(v uint64, l Length) uint64 {
	switch l {
	case LengthHH:
		return uint64(uint8(v))
	case LengthH:
		return uint64(uint16(v))
	case LengthNone:
		return uint64(uint32(v))
	}
	return v
}
