package kernel

import (
	"go.uber.org/zap"

	"ember/emberos/proto"
)

type irqListener struct {
	irq uint8
	ch  *Channel
}

type userTimer struct {
	ch        *Channel
	remaining uint32
	interval  uint32
}

// serve handles a message sent to a kernel-owned channel, in the context of
// the sending thread.
func (k *Kernel) serve(t *Thread, m *proto.Message) (proto.Payload, proto.Errno) {
	req, err := proto.Decode(m)
	if err != nil {
		k.srvLog.Debug("malformed kernel request", zap.Int32("tid", int32(t.tid)), zap.Error(err))
		return nil, proto.ErrUnexpectedMessage
	}

	switch req := req.(type) {
	case proto.RuntimePrint:
		k.srvLog.Info(req.Text,
			zap.String("process", t.proc.name),
			zap.Int32("pid", int32(t.proc.pid)),
			zap.Int32("tid", int32(t.tid)))
		return proto.RuntimePrintReply{}, proto.OK

	case proto.RuntimeExitCurrent:
		k.exitCurrent(t)
		panic("unreachable")

	case proto.ProcessCreate:
		return k.serveProcessCreate(t, req)

	case proto.ProcessAddPager:
		p, ok := k.processes.Get(req.PID)
		if !ok || p == k.kernelProc {
			return nil, proto.ErrNotFound
		}
		if !p.ownedBy(t.proc) {
			return nil, proto.ErrInvalidArg
		}
		ch, ok := p.channel(req.PagerCh)
		if !ok {
			return nil, proto.ErrInvalidCID
		}
		if err := k.addUserPager(p, req.Start, req.Size, PageFlags(req.Flags), ch); err != proto.OK {
			return nil, err
		}
		return proto.ProcessAddPagerReply{}, proto.OK

	case proto.ThreadSpawn:
		prog, ok := k.programs[req.Program]
		if !ok {
			return nil, proto.ErrNotFound
		}
		p, ok := k.processes.Get(req.PID)
		if !ok || p == k.kernelProc || p.destroyed {
			return nil, proto.ErrNotFound
		}
		if !p.ownedBy(t.proc) {
			return nil, proto.ErrInvalidArg
		}
		nt, err := k.createThread(p, req.Program, prog, req.Arg)
		if err != nil {
			return nil, proto.ErrOutOfResource
		}
		k.resume(nt)
		return proto.ThreadSpawnReply{TID: int32(nt.tid)}, proto.OK

	case proto.IOListenIRQ:
		ch, ok := t.proc.channel(req.Ch)
		if !ok {
			return nil, proto.ErrInvalidCID
		}
		k.incref(ch)
		k.irqListeners = append(k.irqListeners, irqListener{irq: req.IRQ, ch: ch})
		k.srvLog.Debug("irq listener added", zap.Uint8("irq", req.IRQ), zap.Int32("pid", int32(t.proc.pid)))
		return proto.IOListenIRQReply{}, proto.OK

	case proto.TimerSet:
		if req.Initial == 0 {
			return nil, proto.ErrInvalidArg
		}
		ch, ok := t.proc.channel(req.Ch)
		if !ok {
			return nil, proto.ErrInvalidCID
		}
		id, err := k.timers.Alloc()
		if err != nil {
			return nil, proto.ErrOutOfResource
		}
		k.incref(ch)
		_ = k.timers.Set(id, &userTimer{ch: ch, remaining: req.Initial, interval: req.Interval})
		return proto.TimerSetReply{Timer: id}, proto.OK

	default:
		k.srvLog.Warn("unexpected kernel request",
			zap.Stringer("type", req.MsgType()),
			zap.Int32("tid", int32(t.tid)))
		return nil, proto.ErrUnexpectedMessage
	}
}

// serveProcessCreate makes an empty process whose channel @1 is linked to a
// new channel in the caller, over which the caller acts as its pager.
func (k *Kernel) serveProcessCreate(t *Thread, req proto.ProcessCreate) (proto.Payload, proto.Errno) {
	p, err := k.createProcess(req.Name)
	if err != nil {
		return nil, proto.ErrOutOfResource
	}
	p.creator = t.proc.pid
	inner, err := k.createChannel(p)
	if err != nil {
		k.destroyProcess(p)
		return nil, proto.ErrOutOfResource
	}
	outer, err := k.createChannel(t.proc)
	if err != nil {
		k.destroyProcess(p)
		return nil, proto.ErrOutOfResource
	}
	k.link(inner, outer)
	return proto.ProcessCreateReply{PID: int32(p.pid), PagerCh: outer.cid}, proto.OK
}

func (k *Kernel) fireTimers() {
	k.timers.Range(func(id int32, tm *userTimer) bool {
		tm.remaining--
		if tm.remaining > 0 {
			return true
		}
		if k.notify(tm.ch, proto.NotifyTimer) == proto.OK && tm.interval > 0 {
			tm.remaining = tm.interval
			return true
		}
		k.timers.Free(id)
		k.decref(tm.ch)
		return true
	})
}

func (k *Kernel) deliverIRQ(irq uint8) {
	kept := k.irqListeners[:0]
	var dead []*Channel
	for _, l := range k.irqListeners {
		if l.irq == irq && k.notify(l.ch, proto.NotifyInterrupt) == proto.ErrChannelClosed {
			dead = append(dead, l.ch)
			continue
		}
		kept = append(kept, l)
	}
	k.irqListeners = kept
	for _, ch := range dead {
		k.decref(ch)
	}
}
