package hal

import "errors"

// Logger writes newline-delimited log lines.
type Logger interface {
	WriteLineString(s string)
	WriteLineBytes(b []byte)
}

// LED is a minimal output pin abstraction.
type LED interface {
	High()
	Low()
}

// Serial is a raw byte transport (UART on boards, stdin/stdout on host).
type Serial interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
}

var ErrNotImplemented = errors.New("not implemented")

// PixelFormat defines the framebuffer pixel encoding.
type PixelFormat uint8

const (
	// PixelFormatRGB565 is 16bpp: rrrrrggggggbbbbb.
	PixelFormatRGB565 PixelFormat = iota + 1
)

// Framebuffer is a simple pixel buffer plus a "present" hook.
type Framebuffer interface {
	Width() int
	Height() int
	Format() PixelFormat
	StrideBytes() int
	Buffer() []byte
	ClearRGB(r, g, b uint8)
	Present() error
}

// Display provides access to the framebuffer (if available).
type Display interface {
	Framebuffer() Framebuffer
}

// Time provides a base tick stream.
//
// The tick duration is platform-defined; the scheduler tick is derived from it.
type Time interface {
	Ticks() <-chan uint64
}

// Counter is a free-running hardware counter used as the run-time statistics
// timebase. It must be independent of the tick source so it can be stopped and
// restarted without disturbing tick generation.
//
// Value wraps at 2^32. While stopped, Value is frozen.
type Counter interface {
	Stop()
	Start()
	Value() uint32
}

// HAL provides the only contact point between the OS and the outside world.
type HAL interface {
	Logger() Logger
	LED() LED
	Serial() Serial
	Display() Display
	Time() Time
	Counter() Counter
}
