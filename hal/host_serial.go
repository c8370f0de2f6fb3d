//go:build !tinygo

package hal

import (
	"io"
	"sync"
)

// stdioSerial is the host console: stdin in, stdout out. Reads skip line
// terminators so a key followed by Enter arrives as the key alone.
type stdioSerial struct {
	mu sync.Mutex
	r  io.Reader
	w  io.Writer
}

func newStdioSerial(r io.Reader, w io.Writer) *stdioSerial {
	return &stdioSerial{r: r, w: w}
}

func (s *stdioSerial) Read(p []byte) (int, error) {
	if s.r == nil {
		return 0, ErrNotImplemented
	}
	for {
		n, err := s.r.Read(p)
		n = dropLineEnds(p[:n])
		if n > 0 || err != nil {
			return n, err
		}
	}
}

func dropLineEnds(p []byte) int {
	n := 0
	for _, b := range p {
		if b == '\r' || b == '\n' {
			continue
		}
		p[n] = b
		n++
	}
	return n
}

func (s *stdioSerial) Write(p []byte) (int, error) {
	if s.w == nil {
		return 0, ErrNotImplemented
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}
