// Package clock backs mach_absolute_time and mach_timebase_info.
//
// Ticks are whatever unit the source reports, and the timebase is always 1/1,
// so callers converting ticks to nanoseconds leave them unchanged. The guest
// library only uses the clock for coarse solver timings.
package clock

import (
	"errors"
	"time"

	"github.com/tetratelabs/wazero/sys"
)

// ErrNoTimeSource means the host provided no clock. It is a deployment error.
var ErrNoTimeSource = errors.New("libcshim: no time source")

// Timebase is the numerator and denominator that convert ticks to nanoseconds.
type Timebase struct {
	Numer uint32
	Denom uint32
}

// Clock reads a monotonic source on every call. It holds no state of its own.
type Clock struct {
	now sys.Nanotime
}

// New returns a Clock reading src. It panics when src is nil.
func New(src sys.Nanotime) *Clock {
	if src == nil {
		panic(ErrNoTimeSource)
	}
	return &Clock{now: src}
}

// Monotonic returns a source of nanoseconds elapsed since it was created.
func Monotonic() sys.Nanotime {
	epoch := time.Now()
	return func() int64 {
		return time.Since(epoch).Nanoseconds()
	}
}

// AbsoluteTime returns the current tick count.
func (c *Clock) AbsoluteTime() int64 {
	return c.now()
}

// Source returns the function the clock reads, so the guest's WASI clock can
// share it.
func (c *Clock) Source() sys.Nanotime {
	return c.now
}

// Timebase returns the tick conversion, which is always 1/1.
func (c *Clock) Timebase() Timebase {
	return Timebase{Numer: 1, Denom: 1}
}
