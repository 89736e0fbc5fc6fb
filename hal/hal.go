package hal

import "errors"

// Logger writes newline-delimited log lines.
type Logger interface {
	WriteLineString(s string)
	WriteLineBytes(b []byte)
}

var ErrNotImplemented = errors.New("not implemented")

// Memory is the machine's physical RAM. Physical address p is RAM()[p].
type Memory interface {
	RAM() []byte
	Size() uint64
	Close() error
}

// Time provides a base tick stream.
//
// The tick duration is platform-defined; the kernel counts quanta and user
// timers in ticks.
type Time interface {
	Ticks() <-chan uint64
}

// Console is the debug serial line used by the kernel debugger.
type Console interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
}

// HAL provides the only contact point between the kernel and the outside world.
type HAL interface {
	Logger() Logger
	Memory() Memory
	Time() Time
	Console() Console
}
