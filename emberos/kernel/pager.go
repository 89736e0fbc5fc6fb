package kernel

import (
	"errors"
	"fmt"

	"ember/emberos/mem"
	"ember/emberos/proto"
)

// Pager produces the physical page backing a faulted virtual address.
// The implementations are StraightMapping, *StaticImage and the user pager
// installed by AddUserPager.
type Pager interface {
	fill(k *Kernel, t *Thread, area *VMArea, vaddr uint64) (uint64, proto.Errno)
}

// StraightMapping maps every virtual page to the physical page at the same
// address. Pager servers use it to reach the memory pool they hand out.
type StraightMapping struct{}

func (StraightMapping) fill(_ *Kernel, _ *Thread, _ *VMArea, vaddr uint64) (uint64, proto.Errno) {
	return vaddr, proto.OK
}

// StaticImage serves an area from an in-memory image, the way a boot file
// system is mapped. Pages are copied into kernel frames on first use and
// then shared by every area using the image.
type StaticImage struct {
	name   string
	data   []byte
	frames map[uint64]uint64 // image offset -> paddr
}

// NewStaticImage returns a pager over data. Offsets past the end of data
// read as zeroes.
func NewStaticImage(name string, data []byte) *StaticImage {
	return &StaticImage{name: name, data: data, frames: make(map[uint64]uint64)}
}

func (img *StaticImage) fill(k *Kernel, _ *Thread, area *VMArea, vaddr uint64) (uint64, proto.Errno) {
	off := vaddr - area.start
	if paddr, ok := img.frames[off]; ok {
		return paddr, proto.OK
	}

	f, err := k.frames.AllocFrame()
	if err != nil {
		return 0, proto.ErrOutOfMemory
	}
	k.stats.FramesAllocated.Inc()
	paddr := f.Address()
	page := k.mem.RAM()[paddr : paddr+mem.PageSize]
	clear(page)
	if off < uint64(len(img.data)) {
		copy(page, img.data[off:])
	}
	img.frames[off] = paddr
	return paddr, proto.OK
}

// userPager forwards faults to a pager server over ch.
type userPager struct {
	ch *Channel
}

func (up *userPager) fill(k *Kernel, t *Thread, _ *VMArea, vaddr uint64) (uint64, proto.Errno) {
	k.stats.PagerCalls.Inc()

	m := &t.kernelBuf
	if err := (proto.PagerFill{PID: int32(t.proc.pid), Addr: vaddr}).Encode(m); err != nil {
		return 0, proto.ErrInvalidPayload
	}
	if err := k.ipc(t, up.ch, m, IPCCall|ipcFromKernel); err != proto.OK {
		return 0, err
	}

	reply, err := proto.Decode(m)
	if err != nil {
		var errno proto.Errno
		if errors.As(err, &errno) {
			return 0, errno
		}
		return 0, proto.ErrInvalidPayload
	}
	r, ok := reply.(proto.PagerFillReply)
	if !ok {
		return 0, proto.ErrUnexpectedMessage
	}
	return r.PAddr, proto.OK
}

func pagerName(p Pager) string {
	switch p := p.(type) {
	case StraightMapping:
		return "straight"
	case *StaticImage:
		return "image:" + p.name
	case *userPager:
		return fmt.Sprintf("user:%d:%s", p.ch.process.pid, p.ch.cid)
	default:
		return fmt.Sprintf("%T", p)
	}
}

// sleepLock is a mutex whose waiters block as kernel threads instead of
// spinning. Ownership passes directly to the first waiter on release.
type sleepLock struct {
	held    bool
	waiters list[*Thread]
}

func (l *sleepLock) acquire(k *Kernel, t *Thread) {
	if !l.held {
		l.held = true
		return
	}
	t.lockWait = l
	t.lockNode = l.waiters.PushBack(t)
	k.block(t, ThreadBlocked)
	k.threadSwitch()
}

func (l *sleepLock) release(k *Kernel) {
	w, ok := l.waiters.PopFront()
	if !ok {
		l.held = false
		return
	}
	w.lockWait, w.lockNode = nil, 0
	k.resume(w)
}
