//go:build !tinygo

package hal

import (
	"fmt"
	"io"
	"os"
)

type hostHAL struct {
	logger  *hostLogger
	mem     Memory
	t       *hostTime
	console Console
}

// HostConfig sizes the host machine.
type HostConfig struct {
	MemoryBytes uint64
	Stdout      io.Writer // defaults to os.Stdout
	Stdin       io.Reader // defaults to os.Stdin
}

// New returns a host HAL with cfg.MemoryBytes of RAM. Its timer is idle
// until RunClock drives it.
func New(cfg HostConfig) (HAL, error) {
	if cfg.Stdout == nil {
		cfg.Stdout = os.Stdout
	}
	if cfg.Stdin == nil {
		cfg.Stdin = os.Stdin
	}

	mem, err := newHostMemory(cfg.MemoryBytes)
	if err != nil {
		return nil, fmt.Errorf("hal: allocate %d bytes of RAM: %w", cfg.MemoryBytes, err)
	}

	out := &hostOut{w: cfg.Stdout}
	return &hostHAL{
		logger:  &hostLogger{out: out},
		mem:     mem,
		t:       newHostTime(0, nil),
		console: &hostSerial{r: cfg.Stdin, out: out},
	}, nil
}

func (h *hostHAL) Logger() Logger   { return h.logger }
func (h *hostHAL) Memory() Memory   { return h.mem }
func (h *hostHAL) Time() Time       { return h.t }
func (h *hostHAL) Console() Console { return h.console }
