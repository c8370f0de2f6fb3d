//go:build tinygo && baremetal

package hal

import (
	"machine"
	"runtime/volatile"
	"time"
)

type tinyGoDisplay struct {
	fb Framebuffer
}

func (d tinyGoDisplay) Framebuffer() Framebuffer { return d.fb }

type tinyGoTime struct {
	ch  chan uint64
	seq uint64
}

func newTinyGoTime() *tinyGoTime {
	t := &tinyGoTime{ch: make(chan uint64, 16)}
	go func() {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for range ticker.C {
			t.seq++
			select {
			case t.ch <- t.seq:
			default:
			}
		}
	}()
	return t
}

func (t *tinyGoTime) Ticks() <-chan uint64 { return t.ch }

// tinyGoCounter derives a 1 MHz free-running counter from the runtime clock.
// Stop freezes the value; Start resumes counting from it.
type tinyGoCounter struct {
	running volatile.Register8
	base    uint32
	since   time.Time
}

func newTinyGoCounter() *tinyGoCounter {
	c := &tinyGoCounter{since: time.Now()}
	c.running.Set(1)
	return c
}

func (c *tinyGoCounter) Stop() {
	if c.running.Get() == 0 {
		return
	}
	c.base = c.Value()
	c.running.Set(0)
}

func (c *tinyGoCounter) Start() {
	if c.running.Get() != 0 {
		return
	}
	c.since = time.Now()
	c.running.Set(1)
}

func (c *tinyGoCounter) Value() uint32 {
	if c.running.Get() == 0 {
		return c.base
	}
	return c.base + uint32(time.Since(c.since)/time.Microsecond)
}

type uartLogger struct {
	uart *machine.UART
}

func (l *uartLogger) WriteLineString(s string) {
	for i := 0; i < len(s); i++ {
		l.uart.WriteByte(s[i])
	}
	l.uart.WriteByte('\r')
	l.uart.WriteByte('\n')
}

func (l *uartLogger) WriteLineBytes(b []byte) {
	for i := 0; i < len(b); i++ {
		l.uart.WriteByte(b[i])
	}
	l.uart.WriteByte('\r')
	l.uart.WriteByte('\n')
}

type pinLED struct {
	pin machine.Pin
}

func (l *pinLED) High() { l.pin.High() }
func (l *pinLED) Low()  { l.pin.Low() }

type uartSerial struct {
	uart *machine.UART
}

func (s *uartSerial) Read(p []byte) (int, error) {
	if s.uart == nil {
		return 0, ErrNotImplemented
	}
	return s.uart.Read(p)
}

func (s *uartSerial) Write(p []byte) (int, error) {
	if s.uart == nil {
		return 0, ErrNotImplemented
	}
	return s.uart.Write(p)
}
