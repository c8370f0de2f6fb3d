package monitor

import (
	"fmt"
	"sync"

	"rtguard/hal"
)

const lineBufBytes = 160

// Console serializes diagnostic output onto a line logger.
//
// Normal output goes through a single print lock. Locked hands a block a
// Printer that already owns the lock, so nested prints from inside the block
// do not re-acquire it; the monitor's reports have ...To forms taking that
// Printer. The fatal path uses Unsafe, which never locks: the
// task holding the print lock may be the one that failed.
type Console struct {
	mu     sync.Mutex
	in     hal.Serial
	locked Printer
	unsafe Printer
}

// NewConsole creates a console writing to out and reading from in. Either may
// be nil: output is then discarded and ReadByte reports hal.ErrNotImplemented.
func NewConsole(out hal.Logger, in hal.Serial) *Console {
	if out == nil {
		out = discardLogger{}
	}
	c := &Console{in: in}
	c.locked = Printer{out: out, buf: make([]byte, 0, lineBufBytes)}
	c.unsafe = Printer{out: out, buf: make([]byte, 0, lineBufBytes)}
	return c
}

// Printf formats and writes one line under the print lock.
func (c *Console) Printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.locked.Printf(format, args...)
}

// Locked runs fn with the print lock held for its whole duration.
func (c *Console) Locked(fn func(p *Printer)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(&c.locked)
}

// Unsafe returns the lock-free printer reserved for fatal and interrupt
// context output.
func (c *Console) Unsafe() *Printer {
	return &c.unsafe
}

// ReadByte reads one input byte under the print lock.
func (c *Console) ReadByte() (byte, error) {
	if c.in == nil {
		return 0, hal.ErrNotImplemented
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	var b [1]byte
	for {
		n, err := c.in.Read(b[:])
		if err != nil {
			return 0, err
		}
		if n == 1 {
			return b[0], nil
		}
	}
}

// Printer writes formatted lines without taking the print lock.
type Printer struct {
	out hal.Logger
	buf []byte
}

// Printf formats and writes one line.
func (p *Printer) Printf(format string, args ...any) {
	p.buf = fmt.Appendf(p.buf[:0], format, args...)
	p.out.WriteLineBytes(p.buf)
}

// Locked runs fn with p itself: the caller already holds whatever lock p
// represents.
func (p *Printer) Locked(fn func(p *Printer)) {
	fn(p)
}

type discardLogger struct{}

func (discardLogger) WriteLineString(string) {}
func (discardLogger) WriteLineBytes([]byte)  {}
