package kernel

import "ember/emberos/proto"

// Snapshot is a consistent view of the kernel objects, taken for the kernel
// debugger and for tests.
type Snapshot struct {
	Ticks     uint64
	Current   TID
	RunQueue  []TID
	Processes []ProcSnapshot
}

type ProcSnapshot struct {
	PID      PID
	Name     string
	Threads  []ThreadSnapshot
	Channels []ChannelSnapshot
	Areas    []AreaSnapshot
	Pages    int
}

type ThreadSnapshot struct {
	TID   TID
	Name  string
	State ThreadState
}

type ChannelSnapshot struct {
	CID           proto.CID
	Refs          int32
	LinkedPID     PID // zero when unlinked
	LinkedCID     proto.CID
	TransferTo    proto.CID // zero when not redirected
	Notifications proto.Notifications
	Receiver      TID
	Senders       []TID
}

type AreaSnapshot struct {
	Start, End uint64
	Flags      PageFlags
	Pager      string
}

// Snapshot captures the current state.
func (k *Kernel) Snapshot() Snapshot {
	k.mu.Lock()
	defer k.mu.Unlock()

	s := Snapshot{Ticks: k.ticks}
	if k.current != nil {
		s.Current = k.current.tid
	}
	k.runq.Each(func(t *Thread) bool {
		s.RunQueue = append(s.RunQueue, t.tid)
		return true
	})
	k.processes.Range(func(_ int32, p *Process) bool {
		s.Processes = append(s.Processes, snapshotProcess(p))
		return true
	})
	return s
}

func snapshotProcess(p *Process) ProcSnapshot {
	ps := ProcSnapshot{PID: p.pid, Name: p.name, Pages: len(p.pages)}
	p.threads.Each(func(t *Thread) bool {
		ps.Threads = append(ps.Threads, ThreadSnapshot{TID: t.tid, Name: t.name, State: t.state})
		return true
	})
	p.channels.Range(func(_ int32, ch *Channel) bool {
		ps.Channels = append(ps.Channels, snapshotChannel(ch))
		return true
	})
	for _, a := range p.areas {
		ps.Areas = append(ps.Areas, AreaSnapshot{Start: a.start, End: a.end, Flags: a.flags, Pager: pagerName(a.pager)})
	}
	return ps
}

func snapshotChannel(ch *Channel) ChannelSnapshot {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	cs := ChannelSnapshot{
		CID:           ch.cid,
		Refs:          ch.refs.Load(),
		Notifications: ch.notifications,
	}
	if l := ch.linkedWith; l != nil {
		cs.LinkedPID, cs.LinkedCID = l.process.pid, l.cid
	}
	if x := ch.transferTo; x != nil {
		cs.TransferTo = x.cid
	}
	if ch.receiver != nil {
		cs.Receiver = ch.receiver.tid
	}
	ch.senders.Each(func(t *Thread) bool {
		cs.Senders = append(cs.Senders, t.tid)
		return true
	})
	return cs
}

// Process returns the snapshot of pid.
func (s Snapshot) Process(pid PID) (ProcSnapshot, bool) {
	for _, p := range s.Processes {
		if p.PID == pid {
			return p, true
		}
	}
	return ProcSnapshot{}, false
}

// Channel returns the snapshot of cid.
func (p ProcSnapshot) Channel(cid proto.CID) (ChannelSnapshot, bool) {
	for _, c := range p.Channels {
		if c.CID == cid {
			return c, true
		}
	}
	return ChannelSnapshot{}, false
}
