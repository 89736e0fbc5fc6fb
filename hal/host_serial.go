//go:build !tinygo

package hal

import (
	"io"
	"sync"
)

// hostOut is the host's stdout, shared by the logger and the debug console
// so that their lines never interleave.
type hostOut struct {
	mu sync.Mutex
	w  io.Writer
}

func (o *hostOut) write(parts ...[]byte) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, p := range parts {
		m, err := o.w.Write(p)
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

var newline = []byte{'\n'}

type hostLogger struct{ out *hostOut }

func (l *hostLogger) WriteLineString(s string) { _, _ = l.out.write([]byte(s), newline) }
func (l *hostLogger) WriteLineBytes(b []byte)  { _, _ = l.out.write(b, newline) }

// hostSerial is the debug serial line: stdin in, shared stdout out.
type hostSerial struct {
	r   io.Reader
	out *hostOut
}

func (s *hostSerial) Read(p []byte) (int, error) {
	if s.r == nil {
		return 0, ErrNotImplemented
	}
	return s.r.Read(p)
}

func (s *hostSerial) Write(p []byte) (int, error) {
	if s.out == nil || s.out.w == nil {
		return 0, ErrNotImplemented
	}
	return s.out.write(p)
}
