package app

import (
	"image/color"
	"sync"

	"rtguard/hal"

	"tinygo.org/x/drivers"
	"tinygo.org/x/tinyfont"
	"tinygo.org/x/tinyfont/proggy"
	"tinygo.org/x/tinyterm"
)

var (
	consoleFont       = &proggy.TinySZ8pt7b
	consoleFontHeight = int16(10)
	consoleFontOffset = int16(7)
)

// fbDisplay renders into a private RGB565 buffer with emulated hardware
// scrolling: row r is shown at screen row (r - scroll) mod height. flush
// copies the rotated view into the framebuffer.
type fbDisplay struct {
	fb     hal.Framebuffer
	w, h   int
	back   []byte
	scroll int
}

func newFBDisplay(fb hal.Framebuffer) *fbDisplay {
	w, h := fb.Width(), fb.Height()
	return &fbDisplay{fb: fb, w: w, h: h, back: make([]byte, w*h*2)}
}

var _ drivers.Displayer = (*fbDisplay)(nil)

func (d *fbDisplay) Size() (x, y int16) { return int16(d.w), int16(d.h) }

func (d *fbDisplay) SetPixel(x, y int16, c color.RGBA) {
	ix, iy := int(x), int(y)
	if ix < 0 || ix >= d.w || iy < 0 || iy >= d.h {
		return
	}
	p := rgb565(c)
	off := (iy*d.w + ix) * 2
	d.back[off] = byte(p)
	d.back[off+1] = byte(p >> 8)
}

func (d *fbDisplay) FillRectangle(x, y, width, height int16, c color.RGBA) error {
	x0, y0 := clampInt(int(x), 0, d.w), clampInt(int(y), 0, d.h)
	x1, y1 := clampInt(int(x)+int(width), 0, d.w), clampInt(int(y)+int(height), 0, d.h)
	p := rgb565(c)
	lo, hi := byte(p), byte(p>>8)
	for py := y0; py < y1; py++ {
		row := py * d.w * 2
		for px := x0; px < x1; px++ {
			d.back[row+px*2] = lo
			d.back[row+px*2+1] = hi
		}
	}
	return nil
}

func (d *fbDisplay) SetScroll(line int16) {
	if d.h == 0 {
		return
	}
	d.scroll = ((int(line) % d.h) + d.h) % d.h
}

func (d *fbDisplay) SetRotation(drivers.Rotation) error { return nil }

// Display is a no-op: the screen flushes on ticks.
func (d *fbDisplay) Display() error { return nil }

// flush publishes the scrolled view.
func (d *fbDisplay) flush() error {
	if d.fb.Format() != hal.PixelFormatRGB565 {
		return hal.ErrNotImplemented
	}
	dst := d.fb.Buffer()
	stride := d.fb.StrideBytes()
	rowBytes := d.w * 2
	for y := 0; y < d.h; y++ {
		src := ((y + d.scroll) % d.h) * rowBytes
		off := y * stride
		if off+rowBytes > len(dst) {
			break
		}
		copy(dst[off:off+rowBytes], d.back[src:src+rowBytes])
	}
	return d.fb.Present()
}

func rgb565(c color.RGBA) uint16 {
	return uint16(c.R>>3)<<11 | uint16(c.G>>2)<<5 | uint16(c.B>>3)
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// screen is a tinyterm terminal mirroring console lines on the framebuffer.
type screen struct {
	mu     sync.Mutex
	d      *fbDisplay
	t      *tinyterm.Terminal
	dirty  bool
	frozen bool
}

func newScreen(fb hal.Framebuffer) *screen {
	d := newFBDisplay(fb)
	t := tinyterm.NewTerminal(d)
	t.Configure(&tinyterm.Config{
		Font:       consoleFont,
		FontHeight: consoleFontHeight,
		FontOffset: consoleFontOffset,
	})
	return &screen{d: d, t: t, dirty: true}
}

var crlf = []byte("\r\n")

func (s *screen) WriteLineString(line string) { s.WriteLineBytes([]byte(line)) }

func (s *screen) WriteLineBytes(b []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.frozen {
		return
	}
	_, _ = s.t.Write(b)
	_, _ = s.t.Write(crlf)
	s.dirty = true
}

// flush presents pending output. It runs from the tick hook.
func (s *screen) flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.dirty || s.frozen {
		return
	}
	s.dirty = false
	_ = s.d.flush()
}

// freeze stops terminal output so the panic screen stays up.
func (s *screen) freeze() {
	s.mu.Lock()
	s.frozen = true
	s.mu.Unlock()
}

// tee writes every line to all loggers.
type tee []hal.Logger

func (t tee) WriteLineString(s string) {
	for _, l := range t {
		l.WriteLineString(s)
	}
}

func (t tee) WriteLineBytes(b []byte) {
	for _, l := range t {
		l.WriteLineBytes(b)
	}
}

// fontWidth returns the advance of font's "0" glyph.
func fontWidth(font tinyfont.Fonter) int16 {
	_, w := tinyfont.LineWidth(font, "0")
	return int16(w)
}
