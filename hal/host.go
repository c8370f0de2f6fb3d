//go:build !tinygo

package hal

import (
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
)

type hostHAL struct {
	logger  *hostLogger
	led     *hostLED
	fb      *hostFramebuffer
	t       *hostTime
	counter *hostCounter
	serial  Serial
}

// New returns a host HAL implementation.
func New() HAL {
	logger := &hostLogger{w: os.Stdout}
	return &hostHAL{
		logger:  logger,
		led:     &hostLED{logger: logger},
		fb:      newHostFramebuffer(320, 320),
		t:       newHostTime(),
		counter: newHostCounter(),
		serial:  newStdioSerial(os.Stdin, os.Stdout),
	}
}

func (h *hostHAL) Logger() Logger   { return h.logger }
func (h *hostHAL) LED() LED         { return h.led }
func (h *hostHAL) Serial() Serial   { return h.serial }
func (h *hostHAL) Display() Display { return hostDisplay{fb: h.fb} }
func (h *hostHAL) Time() Time       { return h.t }
func (h *hostHAL) Counter() Counter { return h.counter }

type hostDisplay struct {
	fb *hostFramebuffer
}

func (d hostDisplay) Framebuffer() Framebuffer { return d.fb }

type hostLogger struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *hostLogger) WriteLineString(s string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintln(l.w, s)
}

func (l *hostLogger) WriteLineBytes(b []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.w.Write(b)
	l.w.Write([]byte{'\n'})
}

// hostLED is the fatal indicator. Transitions are logged; the window draws
// the current state.
type hostLED struct {
	on     atomic.Bool
	logger *hostLogger
}

func (l *hostLED) High() {
	if !l.on.Swap(true) {
		l.logger.WriteLineString("led: on")
	}
}

func (l *hostLED) Low() {
	if l.on.Swap(false) {
		l.logger.WriteLineString("led: off")
	}
}

// Lit reports the LED state.
func (l *hostLED) Lit() bool { return l.on.Load() }
