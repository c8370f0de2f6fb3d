package app

import (
	"context"
	"image/color"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"rtguard/hal"
)

type captureLogger struct {
	mu    sync.Mutex
	lines []string
}

func (l *captureLogger) WriteLineString(s string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, s)
}

func (l *captureLogger) WriteLineBytes(b []byte) { l.WriteLineString(string(b)) }

func (l *captureLogger) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.lines...)
}

func (l *captureLogger) contains(sub string) bool {
	for _, line := range l.snapshot() {
		if strings.Contains(line, sub) {
			return true
		}
	}
	return false
}

type recordLED struct{ on atomic.Bool }

func (l *recordLED) High() { l.on.Store(true) }
func (l *recordLED) Low()  { l.on.Store(false) }

type scriptSerial struct {
	mu   sync.Mutex
	data []byte
}

func (s *scriptSerial) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.data) == 0 {
		return 0, io.EOF
	}
	n := copy(p, s.data)
	s.data = s.data[n:]
	return n, nil
}

func (s *scriptSerial) Write(p []byte) (int, error) { return len(p), nil }

type memFB struct {
	w, h     int
	buf      []byte
	presents atomic.Int32
}

func newMemFB(w, h int) *memFB {
	return &memFB{w: w, h: h, buf: make([]byte, w*h*2)}
}

func (f *memFB) Width() int              { return f.w }
func (f *memFB) Height() int             { return f.h }
func (f *memFB) Format() hal.PixelFormat { return hal.PixelFormatRGB565 }
func (f *memFB) StrideBytes() int        { return f.w * 2 }
func (f *memFB) Buffer() []byte          { return f.buf }

func (f *memFB) ClearRGB(r, g, b uint8) {
	hal.FillRectRGB565(f, 0, 0, f.w, f.h, rgba(r, g, b))
}

func (f *memFB) Present() error {
	f.presents.Add(1)
	return nil
}

func (f *memFB) pixel(x, y int) uint16 {
	off := y*f.w*2 + x*2
	return uint16(f.buf[off]) | uint16(f.buf[off+1])<<8
}

func rgba(r, g, b uint8) color.RGBA { return color.RGBA{R: r, G: g, B: b, A: 255} }

type memDisplay struct{ fb *memFB }

func (d memDisplay) Framebuffer() hal.Framebuffer { return d.fb }

type chanTime struct{ ch chan uint64 }

func (t chanTime) Ticks() <-chan uint64 { return t.ch }

// wallCounter is a 1 MHz counter on the wall clock.
type wallCounter struct{ start time.Time }

func (c *wallCounter) Stop()  {}
func (c *wallCounter) Start() {}

func (c *wallCounter) Value() uint32 {
	return uint32(time.Since(c.start) / time.Microsecond)
}

type testHAL struct {
	log     *captureLogger
	led     *recordLED
	serial  hal.Serial
	fb      *memFB
	t       chanTime
	counter *wallCounter
}

func newTestHAL() *testHAL {
	return &testHAL{
		log:     &captureLogger{},
		led:     &recordLED{},
		serial:  &scriptSerial{},
		fb:      newMemFB(64, 48),
		t:       chanTime{ch: make(chan uint64)},
		counter: &wallCounter{start: time.Now()},
	}
}

func (h *testHAL) Logger() hal.Logger   { return h.log }
func (h *testHAL) LED() hal.LED         { return h.led }
func (h *testHAL) Serial() hal.Serial   { return h.serial }
func (h *testHAL) Display() hal.Display { return memDisplay{fb: h.fb} }
func (h *testHAL) Time() hal.Time       { return h.t }
func (h *testHAL) Counter() hal.Counter { return h.counter }

func testConfig(test string) Config {
	cfg := DefaultConfig()
	cfg.Test = test
	cfg.Screen = false
	return cfg
}

// run starts a system on h and ticks it every millisecond until Step reports
// an outcome.
func run(t *testing.T, h *testHAL, cfg Config) (*System, error) {
	t.Helper()
	s, err := New(h, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	go func() {
		for seq := uint64(1); ; seq++ {
			select {
			case h.t.ch <- seq:
			case <-ctx.Done():
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()

	deadline := time.Now().Add(10 * time.Second)
	for {
		if err := s.Step(); err != nil {
			return s, err
		}
		if time.Now().After(deadline) {
			t.Fatalf("no outcome before deadline; output %q", h.log.snapshot())
		}
		time.Sleep(time.Millisecond)
	}
}
