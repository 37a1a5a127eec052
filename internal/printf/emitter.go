// Package printf implements C formatted printing over explicitly tagged
// arguments.
//
// The guest's va_list is turned into a []Arg by Decode before any formatting
// happens, so the formatter itself never touches guest memory.
//
// There is no process stdout behind a guest. An Emitter sends what the guest
// prints to a zerolog.Logger instead, one log line per call. Output split over
// several printf calls therefore shows up as several lines.
package printf

import (
	"strings"

	"github.com/rs/zerolog"
)

// Emitter is the output side of printf, putchar and puts.
type Emitter struct {
	logger zerolog.Logger
}

func NewEmitter(logger zerolog.Logger) *Emitter {
	return &Emitter{logger: logger}
}

// Printf formats args and logs the result. It returns the number of bytes
// formatted, as printf does.
func (e *Emitter) Printf(format string, args []Arg) int {
	return e.emit("printf", Sprintf(format, args...))
}

// Putchar logs a single byte.
func (e *Emitter) Putchar(c byte) int {
	return e.emit("putchar", Sprintf("%c", Char(c)))
}

// Puts logs a string. Unlike C puts no newline is added; the log line already
// ends there.
func (e *Emitter) Puts(s Arg) int {
	return e.emit("puts", Sprintf("%s", s))
}

func (e *Emitter) emit(fn, s string) int {
	e.logger.Info().Str("func", fn).Msg(strings.TrimSuffix(s, "\n"))
	return len(s)
}
