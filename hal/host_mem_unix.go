//go:build unix && !tinygo

package hal

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// mmapMemory backs RAM with an anonymous private mapping so that the
// simulated physical memory is page aligned and never moved by the GC.
type mmapMemory struct {
	b []byte
}

func newHostMemory(size uint64) (Memory, error) {
	if size == 0 || size%pageSize != 0 {
		return nil, fmt.Errorf("memory size %#x is not a positive multiple of %#x", size, pageSize)
	}
	b, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("mmap: %w", err)
	}
	return &mmapMemory{b: b}, nil
}

func (m *mmapMemory) RAM() []byte  { return m.b }
func (m *mmapMemory) Size() uint64 { return uint64(len(m.b)) }

func (m *mmapMemory) Close() error {
	if m.b == nil {
		return nil
	}
	err := unix.Munmap(m.b)
	m.b = nil
	return err
}
