package kernel

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"ember/emberos/proto"
)

// Channel is an IPC endpoint owned by a process.
//
// linkedWith and transferTo use nil for "self". Every non-nil pointer holds a
// reference on its target, so a channel outlives its owner while a peer in
// another process still points at it. decref must not be called with a
// channel lock held.
type Channel struct {
	serial uint64

	mu      sync.Mutex
	refs    atomic.Int32
	process *Process
	cid     proto.CID

	linkedWith *Channel
	transferTo *Channel
	inbound    int32 // channels transferring to this one

	notifications proto.Notifications
	receiver      *Thread
	senders       list[*Thread]

	destructed bool
	freed      bool
}

// CID returns the channel ID in the owning process.
func (ch *Channel) CID() proto.CID { return ch.cid }

func (ch *Channel) linked() *Channel {
	if ch.linkedWith == nil {
		return ch
	}
	return ch.linkedWith
}

func (ch *Channel) transfer() *Channel {
	if ch.transferTo == nil {
		return ch
	}
	return ch.transferTo
}

// destination is where a message sent on ch lands.
func (ch *Channel) destination() *Channel {
	return ch.linked().transfer()
}

// lockPair locks a and b in serial order. a and b may be the same channel.
func lockPair(a, b *Channel) func() {
	if a == b {
		a.mu.Lock()
		return a.mu.Unlock
	}
	if b.serial < a.serial {
		a, b = b, a
	}
	a.mu.Lock()
	b.mu.Lock()
	return func() {
		b.mu.Unlock()
		a.mu.Unlock()
	}
}

func (k *Kernel) createChannel(p *Process) (*Channel, error) {
	id, err := p.channels.Alloc()
	if err != nil {
		return nil, err
	}
	k.chanSerial++
	ch := &Channel{
		serial:  k.chanSerial,
		process: p,
		cid:     proto.CID(id),
	}
	ch.refs.Store(1)
	if err := p.channels.Set(id, ch); err != nil {
		p.channels.Free(id)
		return nil, err
	}
	k.stats.ChannelNew.Inc()
	k.ipcLog.Debug("channel created", zap.Int32("pid", int32(p.pid)), zap.Stringer("cid", ch.cid))
	return ch, nil
}

func (k *Kernel) incref(ch *Channel) {
	if ch.refs.Add(1) <= 1 {
		k.Panicf("incref on dead channel %d:%s", ch.process.pid, ch.cid)
	}
}

func (k *Kernel) decref(ch *Channel) {
	n := ch.refs.Add(-1)
	switch {
	case n < 0:
		k.Panicf("channel %d:%s refcount underflow", ch.process.pid, ch.cid)
	case n == 0:
		k.freeChannel(ch)
	}
}

// link makes a and b peers. link(a, a) drops a's link.
func (k *Kernel) link(a, b *Channel) {
	if a == b {
		a.mu.Lock()
		old := a.linkedWith
		a.linkedWith = nil
		a.mu.Unlock()
		if old != nil {
			k.decref(old)
		}
		return
	}

	k.incref(a)
	k.incref(b)
	unlock := lockPair(a, b)
	oldA, oldB := a.linkedWith, b.linkedWith
	a.linkedWith = b
	b.linkedWith = a
	unlock()

	if oldA != nil {
		k.decref(oldA)
	}
	if oldB != nil {
		k.decref(oldB)
	}
}

// transfer redirects messages arriving at src to dst. Both must belong to
// the same process; transfer(src, src) clears the redirection.
func (k *Kernel) transfer(src, dst *Channel) proto.Errno {
	if src.process != dst.process {
		return proto.ErrInvalidArg
	}

	var old *Channel
	if src == dst {
		src.mu.Lock()
		old, src.transferTo = src.transferTo, nil
		src.mu.Unlock()
	} else {
		k.incref(dst)
		unlock := lockPair(src, dst)
		old, src.transferTo = src.transferTo, dst
		dst.inbound++
		unlock()
	}
	k.dropTransfer(old)
	return proto.OK
}

func (k *Kernel) dropTransfer(target *Channel) {
	if target == nil {
		return
	}
	target.mu.Lock()
	target.inbound--
	target.mu.Unlock()
	k.decref(target)
}

// notify ORs bits into the destination of ch and wakes a thread waiting
// there. Threads waiting for a kernel-issued receive are left alone; the
// bits stay pending for the next user receive.
func (k *Kernel) notify(ch *Channel, bits proto.Notifications) proto.Errno {
	dst := ch.destination()
	dst.mu.Lock()
	if dst.destructed || dst.freed {
		dst.mu.Unlock()
		return proto.ErrChannelClosed
	}
	dst.notifications |= bits
	k.stats.Notifications.Inc()

	r := dst.receiver
	if r == nil || r.state == ThreadRecvByKernel {
		dst.mu.Unlock()
		return proto.OK
	}
	pending := dst.notifications
	dst.notifications = 0
	dst.receiver = nil
	dst.mu.Unlock()

	_ = proto.Notification{Bits: pending}.Encode(r.recvBuf)
	r.receivingOn = nil
	r.ipcErr = proto.OK
	k.resume(r)
	k.ipcLog.Debug("notify",
		zap.Int32("pid", int32(dst.process.pid)),
		zap.Stringer("cid", dst.cid),
		zap.Uint32("bits", uint32(pending)))
	return proto.OK
}

// detach strips ch of its waiters and outgoing references. The caller
// aborts the waiters and drops the references after unlocking.
func (ch *Channel) detach() (link, xfer *Channel, waiters []*Thread) {
	link, ch.linkedWith = ch.linkedWith, nil
	xfer, ch.transferTo = ch.transferTo, nil
	if r := ch.receiver; r != nil {
		waiters = append(waiters, r)
		ch.receiver = nil
	}
	return link, xfer, append(waiters, ch.senders.Drain()...)
}

func (k *Kernel) abortWaiters(ch *Channel, waiters []*Thread) {
	for _, t := range waiters {
		if t.receivingOn == ch {
			t.receivingOn = nil
		}
		if t.sendingTo == ch {
			t.sendingTo, t.sendNode = nil, 0
		}
		t.ipcErr = proto.ErrChannelClosed
		k.resume(t)
	}
}

func (k *Kernel) releaseCID(ch *Channel) {
	if cur, ok := ch.process.channel(ch.cid); ok && cur == ch {
		ch.process.channels.Free(int32(ch.cid))
	}
}

// destroyChannel closes the owner's capability: the cid is released at once,
// blocked threads are aborted and the owner's reference goes away. Peers
// still pointing here see ErrChannelClosed.
func (k *Kernel) destroyChannel(ch *Channel) {
	ch.mu.Lock()
	if ch.destructed {
		ch.mu.Unlock()
		return
	}
	ch.destructed = true
	link, xfer, waiters := ch.detach()
	ch.mu.Unlock()

	k.releaseCID(ch)
	k.abortWaiters(ch, waiters)
	if link != nil {
		k.decref(link)
	}
	k.dropTransfer(xfer)
	k.ipcLog.Debug("channel destroyed", zap.Int32("pid", int32(ch.process.pid)), zap.Stringer("cid", ch.cid))
	k.decref(ch)
}

func (k *Kernel) freeChannel(ch *Channel) {
	ch.mu.Lock()
	ch.freed = true
	link, xfer, waiters := ch.detach()
	ch.mu.Unlock()

	k.releaseCID(ch)
	k.abortWaiters(ch, waiters)
	if link != nil {
		k.decref(link)
	}
	k.dropTransfer(xfer)
}

// movable reports whether ch can change owners. Channels with a redirection
// in either direction or with threads waiting on them stay put.
func (ch *Channel) movable() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.transferTo == nil && ch.inbound == 0 && ch.receiver == nil &&
		ch.senders.Len() == 0 && !ch.destructed && !ch.freed
}

// moveChannel re-homes ch into to under the already reserved newCID.
func (k *Kernel) moveChannel(ch *Channel, to *Process, newCID int32) {
	k.releaseCID(ch)
	ch.mu.Lock()
	ch.process = to
	ch.cid = proto.CID(newCID)
	ch.mu.Unlock()
	if err := to.channels.Set(newCID, ch); err != nil {
		k.Panicf("install moved channel at %d:@%d: %v", to.pid, newCID, err)
	}
}
