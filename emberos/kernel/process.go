package kernel

import (
	"sort"

	"go.uber.org/zap"

	"ember/emberos/proto"
)

// Process is an address space plus a capability namespace.
type Process struct {
	pid  PID
	name string

	// creator is the process that made this one through the kernel server,
	// zero for processes created by the host.
	creator PID

	channels *IDTable[*Channel]
	threads  list[*Thread]
	areas    []*VMArea // sorted by start
	pages    map[uint64]pte

	destroyed bool
}

// PID returns the process ID.
func (p *Process) PID() PID { return p.pid }

// Name returns the name the process was created with.
func (p *Process) Name() string { return p.name }

// ownedBy reports whether caller may manage p through the kernel server.
func (p *Process) ownedBy(caller *Process) bool {
	return p == caller || p.creator == caller.pid
}

func (p *Process) channel(cid proto.CID) (*Channel, bool) {
	return p.channels.Get(int32(cid))
}

func (p *Process) findArea(vaddr uint64) *VMArea {
	i := sort.Search(len(p.areas), func(i int) bool { return p.areas[i].end > vaddr })
	if i < len(p.areas) && p.areas[i].start <= vaddr {
		return p.areas[i]
	}
	return nil
}

func (p *Process) insertArea(a *VMArea) bool {
	i := sort.Search(len(p.areas), func(i int) bool { return p.areas[i].start >= a.start })
	if i > 0 && p.areas[i-1].end > a.start {
		return false
	}
	if i < len(p.areas) && p.areas[i].start < a.end {
		return false
	}
	p.areas = append(p.areas, nil)
	copy(p.areas[i+1:], p.areas[i:])
	p.areas[i] = a
	return true
}

func (k *Kernel) createProcess(name string) (*Process, error) {
	id, err := k.processes.Alloc()
	if err != nil {
		return nil, err
	}
	p := &Process{
		pid:      PID(id),
		name:     name,
		channels: NewIDTable[*Channel](k.cfg.MaxChannels),
		pages:    make(map[uint64]pte),
	}
	if err := k.processes.Set(id, p); err != nil {
		k.processes.Free(id)
		return nil, err
	}
	k.stats.ProcessNew.Inc()
	k.log.Debug("process created", zap.Int32("pid", id), zap.String("name", name))
	return p, nil
}

// destroyProcess releases everything p still holds. Physical pages belong
// to whichever pager produced them and are left alone.
func (k *Kernel) destroyProcess(p *Process) {
	if p.destroyed {
		return
	}
	p.destroyed = true

	var held []*Channel
	p.channels.Range(func(_ int32, ch *Channel) bool {
		held = append(held, ch)
		return true
	})
	for _, ch := range held {
		k.destroyChannel(ch)
	}
	for _, a := range p.areas {
		if up, ok := a.pager.(*userPager); ok {
			k.decref(up.ch)
		}
	}
	p.areas = nil
	clear(p.pages)

	k.processes.Free(int32(p.pid))
	k.log.Debug("process destroyed", zap.Int32("pid", int32(p.pid)), zap.String("name", p.name))
}
