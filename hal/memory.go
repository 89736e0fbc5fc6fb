package hal

const pageSize = 4096

// sliceMemory is RAM backed by an ordinary byte slice.
type sliceMemory struct {
	b []byte
}

// NewSliceMemory wraps b as physical memory. Tests use it to build machines
// without touching the host's mmap.
func NewSliceMemory(b []byte) Memory { return &sliceMemory{b: b} }

func (m *sliceMemory) RAM() []byte  { return m.b }
func (m *sliceMemory) Size() uint64 { return uint64(len(m.b)) }
func (m *sliceMemory) Close() error { return nil }
