package kernel

import (
	"go.uber.org/zap"

	"ember/emberos/mem"
	"ember/emberos/proto"
)

// IPCFlags selects the phases of an IPC syscall.
type IPCFlags uint32

const (
	IPCSend    IPCFlags = 1 << 8
	IPCRecv    IPCFlags = 1 << 9
	IPCNoBlock IPCFlags = 1 << 10
	// IPCCall sends a request and waits for the reply on the same channel.
	IPCCall = IPCSend | IPCRecv

	ipcFromKernel IPCFlags = 1 << 11
)

// maxPagePayloadOrder caps page payloads at 256 pages.
const maxPagePayloadOrder = 8

// ipc runs the send phase and then the receive phase on src. m is both the
// outgoing message and the receive buffer.
func (k *Kernel) ipc(t *Thread, src *Channel, m *proto.Message, flags IPCFlags) proto.Errno {
	k.stats.IPCTotal.Inc()
	err := k.doIPC(t, src, m, flags)
	if err != proto.OK {
		k.stats.IPCErrors.Inc()
		k.ipcLog.Debug("ipc failed",
			zap.Int32("tid", int32(t.tid)),
			zap.Stringer("cid", src.cid),
			zap.Stringer("err", err))
	}
	return err
}

func (k *Kernel) doIPC(t *Thread, src *Channel, m *proto.Message, flags IPCFlags) proto.Errno {
	if flags&IPCSend != 0 {
		k.stats.IPCSend.Inc()
		dst := src.destination()
		if dst.process == k.kernelProc && flags&ipcFromKernel == 0 {
			return k.kernelCall(t, src, m, flags)
		}
		if err := validateMessage(m); err != proto.OK {
			return err
		}

		dst.mu.Lock()
		closed := dst.destructed || dst.freed
		r := dst.receiver
		dst.mu.Unlock()

		switch {
		case closed:
			return proto.ErrChannelClosed
		case r != nil:
			if flags&IPCRecv != 0 && k.cfg.FastPath && fastPathOK(src, dst, m) {
				return k.fastPath(t, src, dst, r, m, flags)
			}
			if err := k.deliver(src, src.linked().cid, m, r, r.recvBuf); err != proto.OK {
				return err
			}
			dst.mu.Lock()
			dst.receiver = nil
			dst.mu.Unlock()
			r.receivingOn = nil
			r.ipcErr = proto.OK
			k.resume(r)
		case flags&IPCNoBlock != 0:
			return proto.ErrWouldBlock
		default:
			replied, err := k.enqueueSender(t, src, dst, m, flags)
			if err != proto.OK || replied {
				return err
			}
		}
	}

	if flags&IPCRecv != 0 {
		return k.recv(t, src, m, flags)
	}
	return proto.OK
}

func validateMessage(m *proto.Message) proto.Errno {
	h := m.Header
	if h.InlineLen() > proto.InlinePayloadLenMax {
		return proto.ErrInvalidMessage
	}
	if h.IsError() && (h.HasPage() || h.HasChannel()) {
		return proto.ErrInvalidMessage
	}
	return proto.OK
}

// fastPathOK reports whether a call can hand the CPU straight to the waiting
// callee: no capability rides in the message and nothing is pending on the
// reply channel.
func fastPathOK(src, dst *Channel, m *proto.Message) bool {
	if m.Header.HasPage() || m.Header.HasChannel() {
		return false
	}
	src.mu.Lock()
	defer src.mu.Unlock()
	return !src.destructed && src.notifications == 0 && src.senders.Len() == 0 &&
		(src.receiver == nil || src == dst)
}

func (k *Kernel) fastPath(t *Thread, src, dst *Channel, r *Thread, m *proto.Message, flags IPCFlags) proto.Errno {
	if err := k.deliver(src, src.linked().cid, m, r, r.recvBuf); err != proto.OK {
		return err
	}
	dst.mu.Lock()
	dst.receiver = nil
	dst.mu.Unlock()
	r.receivingOn = nil
	r.ipcErr = proto.OK
	k.stats.IPCFastPath.Inc()
	k.stats.IPCRecv.Inc()

	src.mu.Lock()
	src.receiver = t
	src.mu.Unlock()
	t.receivingOn = src
	t.recvBuf = m
	t.ipcErr = proto.OK
	state := ThreadBlocked
	if flags&ipcFromKernel != 0 {
		state = ThreadRecvByKernel
	}
	k.block(t, state)

	// The callee runs next without passing through the run queue.
	r.state = ThreadRunnable
	k.switchTo(t, r)
	return t.ipcErr
}

// enqueueSender queues t on dst until a receiver takes its message. For a
// call, replied reports that the receive phase completed as well: the
// receiver armed t as the waiter on src when it took the request.
func (k *Kernel) enqueueSender(t *Thread, src, dst *Channel, m *proto.Message, flags IPCFlags) (replied bool, err proto.Errno) {
	t.sendBuf.CopyFrom(m)
	t.sendSrc = src
	t.sendFrom = src.linked().cid
	t.sendFlags = flags
	t.sendReplyBuf = m
	t.sendingTo = dst

	dst.mu.Lock()
	t.sendNode = dst.senders.PushBack(t)
	dst.mu.Unlock()

	k.block(t, ThreadBlocked)
	k.threadSwitch()

	replied, t.callArmed = t.callArmed, false
	return replied, t.ipcErr
}

// wakeSender completes the send phase of s. A caller is made the receiver on
// its own channel right away so that the reply can be sent without
// blocking; it is only put back on the run queue when that is not possible.
func (k *Kernel) wakeSender(s *Thread, err proto.Errno) {
	s.ipcErr = err
	if err == proto.OK && s.sendFlags&IPCRecv != 0 {
		src := s.sendSrc
		src.mu.Lock()
		armed := !src.destructed && !src.freed && src.receiver == nil &&
			src.senders.Len() == 0 && (src.notifications == 0 || s.sendFlags&ipcFromKernel != 0)
		if armed {
			src.receiver = s
		}
		src.mu.Unlock()

		if armed {
			s.callArmed = true
			s.receivingOn = src
			s.recvBuf = s.sendReplyBuf
			if s.sendFlags&ipcFromKernel != 0 {
				s.state = ThreadRecvByKernel
			}
			return
		}
	}
	k.resume(s)
}

func (k *Kernel) recv(t *Thread, ch *Channel, m *proto.Message, flags IPCFlags) proto.Errno {
	k.stats.IPCRecv.Inc()
	fromKernel := flags&ipcFromKernel != 0

	ch.mu.Lock()
	if ch.destructed || ch.freed {
		ch.mu.Unlock()
		return proto.ErrChannelClosed
	}
	if ch.receiver != nil {
		ch.mu.Unlock()
		return proto.ErrAlreadyReceiving
	}

	if pending := ch.notifications; pending != 0 && !fromKernel {
		ch.notifications = 0
		ch.mu.Unlock()
		_ = proto.Notification{Bits: pending}.Encode(m)
		return proto.OK
	}

	if s, ok := ch.senders.PopFront(); ok {
		ch.mu.Unlock()
		s.sendingTo, s.sendNode = nil, 0
		err := k.deliver(s.sendSrc, s.sendFrom, &s.sendBuf, t, m)
		k.wakeSender(s, err)
		return err
	}

	if flags&IPCNoBlock != 0 {
		ch.mu.Unlock()
		return proto.ErrWouldBlock
	}

	ch.receiver = t
	ch.mu.Unlock()
	t.receivingOn = ch
	t.recvBuf = m
	t.ipcErr = proto.OK
	state := ThreadBlocked
	if fromKernel {
		state = ThreadRecvByKernel
	}
	k.block(t, state)
	k.threadSwitch()
	return t.ipcErr
}

// deliver copies msg into buf, the receive buffer of to, translating page
// and channel payloads. Nothing is applied unless every payload can be.
func (k *Kernel) deliver(src *Channel, fromCID proto.CID, msg *proto.Message, to *Thread, buf *proto.Message) proto.Errno {
	from := src.process

	var moving *Channel
	if msg.Header.HasChannel() {
		ch, ok := from.channel(msg.Channel)
		if !ok || ch == src || !ch.movable() {
			return proto.ErrInvalidPayload
		}
		moving = ch
	}

	var (
		pg       = msg.Page
		paddrs   []uint64
		outPage  proto.Page
		toKernel = to.state == ThreadRecvByKernel
	)
	if msg.Header.HasPage() {
		if pg.Order() > maxPagePayloadOrder || pg.Addr() == 0 {
			return proto.ErrInvalidPayload
		}
		paddrs = make([]uint64, pg.NumPages())
		for i := range paddrs {
			vaddr := pg.Addr() + uint64(i)*mem.PageSize
			e, ok := from.pages[vaddr]
			if !ok || e.flags&(PageUser|PageWritable) != PageUser|PageWritable {
				return proto.ErrInvalidPayload
			}
			// Image frames stay shared with every other mapping of the image.
			if area := from.findArea(vaddr); area != nil && !area.giftable() {
				return proto.ErrInvalidPayload
			}
			paddrs[i] = e.paddr
		}
		if toKernel {
			for i := 1; i < len(paddrs); i++ {
				if paddrs[i] != paddrs[0]+uint64(i)*mem.PageSize {
					return proto.ErrInvalidPayload
				}
			}
			outPage = proto.MakePage(paddrs[0], pg.Order())
		} else {
			base := to.info.PageBase
			if base.Addr() == 0 || base.Order() < pg.Order() {
				return proto.ErrUnacceptablePagePayload
			}
			outPage = proto.MakePage(base.Addr(), pg.Order())
			for i := range paddrs {
				if _, ok := to.proc.pages[outPage.Addr()+uint64(i)*mem.PageSize]; ok {
					return proto.ErrUnacceptablePagePayload
				}
			}
		}
	}

	var newCID int32
	if moving != nil {
		id, err := to.proc.channels.Alloc()
		if err != nil {
			return proto.ErrOutOfResource
		}
		newCID = id
	}

	// Commit.
	for i, paddr := range paddrs {
		delete(from.pages, pg.Addr()+uint64(i)*mem.PageSize)
		if !toKernel {
			to.proc.pages[outPage.Addr()+uint64(i)*mem.PageSize] = pte{paddr: paddr, flags: PageUser | PageWritable}
		}
	}
	if moving != nil {
		k.moveChannel(moving, to.proc, newCID)
	}

	buf.CopyFrom(msg)
	buf.From = fromCID
	buf.Notification = 0
	buf.Page = outPage
	buf.Channel = proto.CID(newCID)
	return proto.OK
}

// kernelCall serves a message addressed to the kernel in the caller's
// context. The reply lands in m when the caller asked to receive.
func (k *Kernel) kernelCall(t *Thread, src *Channel, m *proto.Message, flags IPCFlags) proto.Errno {
	k.stats.IPCKernelCalls.Inc()
	if err := validateMessage(m); err != proto.OK {
		return err
	}
	if m.Header.HasPage() || m.Header.HasChannel() {
		return proto.ErrInvalidPayload
	}

	reply, err := k.serve(t, m)
	if flags&IPCRecv == 0 {
		return err
	}
	if err == proto.OK {
		if encErr := reply.Encode(m); encErr != nil {
			err = proto.ErrInvalidPayload
		}
	}
	if err != proto.OK {
		m.Reset()
		m.SetError(err)
	}
	m.From = src.cid
	return proto.OK
}
