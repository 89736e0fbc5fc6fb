package kernel

import (
	"fmt"

	"go.uber.org/zap"

	"ember/emberos/mem"
	"ember/emberos/proto"
)

// PageFlags describe the access allowed to a mapping or an area.
type PageFlags uint8

const (
	PageUser     PageFlags = 1 << 1
	PageWritable PageFlags = 1 << 2
)

// FaultFlags describe a page fault.
type FaultFlags uint8

const (
	FaultPresent FaultFlags = 1 << 0
	FaultUser    FaultFlags = 1 << 1
	FaultWrite   FaultFlags = 1 << 2
)

type pte struct {
	paddr uint64
	flags PageFlags
}

// VMArea is a range of a process's address space served by one pager.
type VMArea struct {
	start, end uint64
	flags      PageFlags
	pager      Pager
	lock       sleepLock
}

// giftable reports whether pages of the area may leave it as page payloads.
func (a *VMArea) giftable() bool {
	_, shared := a.pager.(*StaticImage)
	return !shared
}

// AddVMArea registers [start, start+size) in p, served by pager. The range
// must be page aligned and must not overlap an existing area.
func (k *Kernel) AddVMArea(p *Process, start, size uint64, flags PageFlags, pager Pager) error {
	if pager == nil {
		return proto.ErrInvalidArg
	}
	if _, ok := pager.(*userPager); ok {
		return fmt.Errorf("kernel: use AddUserPager for user pagers: %w", proto.ErrInvalidArg)
	}
	if _, ok := pager.(*StaticImage); ok && flags&PageWritable != 0 {
		return fmt.Errorf("kernel: image areas are read-only: %w", proto.ErrInvalidArg)
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.addArea(p, start, size, flags|PageUser, pager).Err()
}

// AddUserPager registers [start, start+size) in p, served by the user pager
// reached through channel cid of p.
func (k *Kernel) AddUserPager(p *Process, start, size uint64, flags PageFlags, cid proto.CID) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	ch, ok := p.channel(cid)
	if !ok {
		return proto.ErrInvalidCID
	}
	return k.addUserPager(p, start, size, flags, ch).Err()
}

func (k *Kernel) addUserPager(p *Process, start, size uint64, flags PageFlags, ch *Channel) proto.Errno {
	k.incref(ch)
	if err := k.addArea(p, start, size, flags|PageUser, &userPager{ch: ch}); err != proto.OK {
		k.decref(ch)
		return err
	}
	return proto.OK
}

func (k *Kernel) addArea(p *Process, start, size uint64, flags PageFlags, pager Pager) proto.Errno {
	end := start + size
	if size == 0 || end < start || !mem.IsAligned(start) || !mem.IsAligned(size) {
		return proto.ErrInvalidArg
	}
	if p.destroyed {
		return proto.ErrInvalidArg
	}
	if !p.insertArea(&VMArea{start: start, end: end, flags: flags, pager: pager}) {
		return proto.ErrInvalidArg
	}
	k.vmLog.Debug("vmarea added",
		zap.Int32("pid", int32(p.pid)),
		zap.String("range", fmt.Sprintf("[%#x, %#x)", start, end)),
		zap.String("pager", pagerName(pager)))
	return proto.OK
}

// translate resolves vaddr in t's address space, faulting pages in as
// needed. A fault that cannot be resolved kills t, so translate only
// returns on success.
func (k *Kernel) translate(t *Thread, vaddr uint64, write bool) uint64 {
	page := mem.AlignDown(vaddr)
	for {
		e, ok := t.proc.pages[page]
		if ok && (!write || e.flags&PageWritable != 0) {
			return e.paddr + (vaddr - page)
		}
		flags := FaultUser
		if ok {
			flags |= FaultPresent
		}
		if write {
			flags |= FaultWrite
		}
		k.handlePageFault(t, vaddr, flags)
	}
}

func (k *Kernel) handlePageFault(t *Thread, vaddr uint64, flags FaultFlags) {
	k.stats.PageFaults.Inc()
	if flags&FaultUser == 0 {
		k.Panicf("page fault in kernel mode at %#x", vaddr)
	}
	if flags&FaultPresent != 0 {
		k.kill(t, fmt.Sprintf("protection violation at %#x", vaddr))
	}

	aligned := mem.AlignDown(vaddr)
	area := t.proc.findArea(aligned)
	if area == nil {
		k.kill(t, fmt.Sprintf("no vmarea for %#x", vaddr))
	}
	if flags&FaultWrite != 0 && area.flags&PageWritable == 0 {
		k.kill(t, fmt.Sprintf("write to read-only vmarea at %#x", vaddr))
	}
	if up, ok := area.pager.(*userPager); ok && up.ch.destination().process == t.proc {
		k.kill(t, fmt.Sprintf("pager of %#x is served by the faulting process", vaddr))
	}

	area.lock.acquire(k, t)
	if _, ok := t.proc.pages[aligned]; ok {
		area.lock.release(k)
		k.stats.PageFaultSkips.Inc()
		return
	}
	paddr, err := area.pager.fill(k, t, area, aligned)
	area.lock.release(k)
	if err != proto.OK {
		k.vmLog.Warn("pager failed",
			zap.Int32("pid", int32(t.proc.pid)),
			zap.Uint64("addr", aligned),
			zap.String("pager", pagerName(area.pager)),
			zap.Stringer("err", err))
		k.kill(t, fmt.Sprintf("pager failed for %#x: %s", aligned, err))
	}
	if !mem.IsAligned(paddr) || paddr == 0 || paddr+mem.PageSize > k.mem.Size() {
		k.kill(t, fmt.Sprintf("pager returned invalid page %#x for %#x", paddr, aligned))
	}

	t.proc.pages[aligned] = pte{paddr: paddr, flags: area.flags | PageUser}
	k.vmLog.Debug("page mapped",
		zap.Int32("pid", int32(t.proc.pid)),
		zap.Uint64("vaddr", aligned),
		zap.Uint64("paddr", paddr))
}

// copyUser moves bytes between user memory and buf, one page at a time.
func (k *Kernel) copyUser(t *Thread, vaddr uint64, buf []byte, write bool) {
	ram := k.mem.RAM()
	for len(buf) > 0 {
		paddr := k.translate(t, vaddr, write)
		n := int(mem.PageSize - (vaddr & (mem.PageSize - 1)))
		if n > len(buf) {
			n = len(buf)
		}
		if write {
			copy(ram[paddr:paddr+uint64(n)], buf[:n])
		} else {
			copy(buf[:n], ram[paddr:paddr+uint64(n)])
		}
		buf = buf[n:]
		vaddr += uint64(n)
	}
}
