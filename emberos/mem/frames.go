// Package mem tracks physical page frames.
package mem

import (
	"errors"
	"fmt"
	"math/bits"
	"sync"

	"ember/emberos/proto"
)

const (
	PageSize  = proto.PageSize
	pageShift = 12
)

var (
	ErrOutOfFrames  = errors.New("mem: out of physical frames")
	ErrInvalidFrame = errors.New("mem: address outside of the pool or misaligned")
	ErrDoubleFree   = errors.New("mem: frame is not allocated")
)

// Frame is a physical page frame number.
type Frame uint64

// FrameOf returns the frame containing paddr.
func FrameOf(paddr uint64) Frame { return Frame(paddr >> pageShift) }

// Address returns the physical address of the frame.
func (f Frame) Address() uint64 { return uint64(f) << pageShift }

// AlignDown rounds addr down to a page boundary.
func AlignDown(addr uint64) uint64 { return addr &^ (PageSize - 1) }

// AlignUp rounds addr up to a page boundary.
func AlignUp(addr uint64) uint64 { return (addr + PageSize - 1) &^ (PageSize - 1) }

// IsAligned reports whether addr is page aligned.
func IsAligned(addr uint64) bool { return addr&(PageSize-1) == 0 }

// BitmapAllocator hands out frames of one contiguous physical range. Each bit
// of the free bitmap tracks one frame; a set bit means reserved.
type BitmapAllocator struct {
	mu sync.Mutex

	startFrame Frame
	totalPages uint32
	freeCount  uint32
	bitmap     []uint64

	// next is the bitmap word where the search resumes.
	next int
}

// NewBitmapAllocator manages [base, base+size). The range is trimmed to
// page boundaries.
func NewBitmapAllocator(base, size uint64) (*BitmapAllocator, error) {
	start := AlignUp(base)
	end := AlignDown(base + size)
	if end <= start {
		return nil, fmt.Errorf("mem: empty frame pool [%#x, %#x)", base, base+size)
	}

	pages := uint32((end - start) >> pageShift)
	alloc := &BitmapAllocator{
		startFrame: FrameOf(start),
		totalPages: pages,
		freeCount:  pages,
		bitmap:     make([]uint64, (pages+63)/64),
	}

	// Bits past the last frame stay permanently reserved.
	if tail := pages % 64; tail != 0 {
		alloc.bitmap[len(alloc.bitmap)-1] = ^uint64(0) << tail
	}
	return alloc, nil
}

// AllocFrame reserves one free frame.
func (alloc *BitmapAllocator) AllocFrame() (Frame, error) {
	alloc.mu.Lock()
	defer alloc.mu.Unlock()

	if alloc.freeCount == 0 {
		return 0, ErrOutOfFrames
	}

	for i := 0; i < len(alloc.bitmap); i++ {
		word := (alloc.next + i) % len(alloc.bitmap)
		free := ^alloc.bitmap[word]
		if free == 0 {
			continue
		}
		bit := bits.TrailingZeros64(free)
		alloc.bitmap[word] |= 1 << bit
		alloc.freeCount--
		alloc.next = word
		return alloc.startFrame + Frame(word*64+bit), nil
	}
	return 0, ErrOutOfFrames
}

// AllocContiguous reserves n physically contiguous frames and returns the
// first one.
func (alloc *BitmapAllocator) AllocContiguous(n int) (Frame, error) {
	if n <= 0 {
		return 0, fmt.Errorf("mem: invalid frame count %d", n)
	}
	if n == 1 {
		return alloc.AllocFrame()
	}

	alloc.mu.Lock()
	defer alloc.mu.Unlock()

	run := 0
	for idx := 0; idx < int(alloc.totalPages); idx++ {
		if alloc.isSet(idx) {
			run = 0
			continue
		}
		run++
		if run == n {
			first := idx - n + 1
			for j := first; j <= idx; j++ {
				alloc.set(j)
			}
			alloc.freeCount -= uint32(n)
			return alloc.startFrame + Frame(first), nil
		}
	}
	return 0, ErrOutOfFrames
}

// FreeFrame returns a frame to the pool.
func (alloc *BitmapAllocator) FreeFrame(f Frame) error {
	alloc.mu.Lock()
	defer alloc.mu.Unlock()

	idx, err := alloc.index(f)
	if err != nil {
		return err
	}
	if !alloc.isSet(idx) {
		return ErrDoubleFree
	}
	alloc.bitmap[idx/64] &^= 1 << (idx % 64)
	alloc.freeCount++
	return nil
}

// Reserve marks [paddr, paddr+size) as in use. Already reserved frames are
// left alone.
func (alloc *BitmapAllocator) Reserve(paddr, size uint64) error {
	alloc.mu.Lock()
	defer alloc.mu.Unlock()

	for a := AlignDown(paddr); a < paddr+size; a += PageSize {
		idx, err := alloc.index(FrameOf(a))
		if err != nil {
			return err
		}
		if !alloc.isSet(idx) {
			alloc.set(idx)
			alloc.freeCount--
		}
	}
	return nil
}

// Contains reports whether paddr belongs to the pool.
func (alloc *BitmapAllocator) Contains(paddr uint64) bool {
	_, err := alloc.index(FrameOf(paddr))
	return err == nil
}

// FreeCount returns the number of free frames.
func (alloc *BitmapAllocator) FreeCount() int {
	alloc.mu.Lock()
	defer alloc.mu.Unlock()
	return int(alloc.freeCount)
}

// TotalPages returns the pool size in frames.
func (alloc *BitmapAllocator) TotalPages() int { return int(alloc.totalPages) }

func (alloc *BitmapAllocator) index(f Frame) (int, error) {
	if f < alloc.startFrame || f >= alloc.startFrame+Frame(alloc.totalPages) {
		return 0, ErrInvalidFrame
	}
	return int(f - alloc.startFrame), nil
}

func (alloc *BitmapAllocator) isSet(idx int) bool {
	return alloc.bitmap[idx/64]&(1<<(idx%64)) != 0
}

func (alloc *BitmapAllocator) set(idx int) {
	alloc.bitmap[idx/64] |= 1 << (idx % 64)
}
