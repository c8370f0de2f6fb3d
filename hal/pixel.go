package hal

import "image/color"

func rgb565(r, g, b uint8) uint16 {
	rr := uint16(r>>3) & 0x1F
	gg := uint16(g>>2) & 0x3F
	bb := uint16(b>>3) & 0x1F
	return (rr << 11) | (gg << 5) | bb
}

func rgb888From565(p uint16) (r, g, b uint8) {
	rr := (p >> 11) & 0x1F
	gg := (p >> 5) & 0x3F
	bb := p & 0x1F

	r = uint8((rr * 255) / 31)
	g = uint8((gg * 255) / 63)
	b = uint8((bb * 255) / 31)
	return r, g, b
}

// SetPixelRGB565 writes one pixel into an RGB565 framebuffer, clipping to its
// bounds. It is a no-op for other formats.
func SetPixelRGB565(fb Framebuffer, x, y int, c color.RGBA) {
	if fb == nil || fb.Format() != PixelFormatRGB565 {
		return
	}
	buf := fb.Buffer()
	if buf == nil {
		return
	}
	if x < 0 || x >= fb.Width() || y < 0 || y >= fb.Height() {
		return
	}
	off := y*fb.StrideBytes() + x*2
	if off < 0 || off+1 >= len(buf) {
		return
	}
	pixel := rgb565(c.R, c.G, c.B)
	buf[off] = byte(pixel)
	buf[off+1] = byte(pixel >> 8)
}

// FillRectRGB565 fills a clipped rectangle in an RGB565 framebuffer.
func FillRectRGB565(fb Framebuffer, x, y, w, h int, c color.RGBA) {
	if fb == nil || fb.Format() != PixelFormatRGB565 {
		return
	}
	buf := fb.Buffer()
	if buf == nil {
		return
	}

	x0, y0 := clamp(x, 0, fb.Width()), clamp(y, 0, fb.Height())
	x1, y1 := clamp(x+w, 0, fb.Width()), clamp(y+h, 0, fb.Height())
	if x0 >= x1 || y0 >= y1 {
		return
	}

	pixel := rgb565(c.R, c.G, c.B)
	lo, hi := byte(pixel), byte(pixel>>8)
	stride := fb.StrideBytes()
	for py := y0; py < y1; py++ {
		row := py * stride
		for px := x0; px < x1; px++ {
			off := row + px*2
			if off+1 >= len(buf) {
				break
			}
			buf[off] = lo
			buf[off+1] = hi
		}
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
