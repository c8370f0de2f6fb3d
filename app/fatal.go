package app

import (
	"fmt"
	"image/color"
	"strings"
	"unicode/utf8"

	"rtguard/hal"
	"rtguard/monitor"

	"tinygo.org/x/tinyfont"
)

// onFatal is the monitor's fatal handler. The scheduler is already suspended,
// so it writes straight to the HAL without any locking.
func (s *System) onFatal(reason monitor.Reason) {
	if l := s.h.Logger(); l != nil {
		l.WriteLineString(fmt.Sprintf("FATAL: %d", reason))
	}
	if led := s.h.LED(); led != nil {
		led.High()
	}
	if s.screen != nil {
		s.screen.freeze()
	}
	if disp := s.h.Display(); disp != nil {
		if fb := disp.Framebuffer(); fb != nil {
			drawFatalScreen(fb, []string{
				"rtguard fatal",
				fmt.Sprintf("reason: %d (%s)", reason, reason),
				"run: " + s.runID,
				"system halted",
			})
		}
	}
	s.fatal.Store(uint32(reason))
}

// drawFatalScreen draws lines top-down in black on white, wrapping at the
// screen width and stopping at the bottom edge.
func drawFatalScreen(fb hal.Framebuffer, lines []string) {
	fb.ClearRGB(255, 255, 255)

	font := consoleFont
	fw := fontWidth(font)
	fh := consoleFontHeight
	if fw <= 0 || fh <= 0 {
		_ = fb.Present()
		return
	}

	d := panicDisplay{fb: fb}
	fg := color.RGBA{A: 255}
	cols := int16(fb.Width()) / fw
	if cols <= 0 {
		cols = 1
	}

	y := int16(0)
	for _, line := range lines {
		for len(line) > 0 {
			if int(y+fh) > fb.Height() {
				_ = fb.Present()
				return
			}
			chunk, rest := takeRunes(line, cols)
			drawTextLine(d, font, fw, consoleFontOffset, 0, y, chunk, fg)
			y += fh
			line = strings.TrimLeft(rest, " ")
		}
	}
	_ = fb.Present()
}

func drawTextLine(d panicDisplay, font tinyfont.Fonter, fw, offset, x0, y0 int16, s string, fg color.RGBA) {
	x := x0
	for _, r := range s {
		tinyfont.DrawChar(d, font, x, y0+offset, r, fg)
		x += fw
	}
}

// panicDisplay draws straight into the framebuffer.
type panicDisplay struct {
	fb hal.Framebuffer
}

func (d panicDisplay) Size() (x, y int16) {
	return int16(d.fb.Width()), int16(d.fb.Height())
}

func (d panicDisplay) SetPixel(x, y int16, c color.RGBA) {
	hal.SetPixelRGB565(d.fb, int(x), int(y), c)
}

func (d panicDisplay) Display() error { return nil }

func takeRunes(s string, n int16) (prefix, rest string) {
	if n <= 0 || s == "" {
		return "", s
	}
	i := 0
	for count := int16(0); i < len(s) && count < n; count++ {
		_, size := utf8.DecodeRuneInString(s[i:])
		i += size
	}
	return s[:i], s[i:]
}
