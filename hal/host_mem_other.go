//go:build !unix && !tinygo

package hal

import "fmt"

func newHostMemory(size uint64) (Memory, error) {
	if size == 0 || size%pageSize != 0 {
		return nil, fmt.Errorf("memory size %#x is not a positive multiple of %#x", size, pageSize)
	}
	return NewSliceMemory(make([]byte, size)), nil
}
