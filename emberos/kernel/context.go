package kernel

import (
	"runtime"

	"ember/emberos/proto"
)

// Context is the syscall interface of a thread. A program receives its own
// Context and must not share it with other goroutines.
type Context struct {
	k *Kernel
	t *Thread
}

// enter switches to kernel mode. A pending preemption is honoured here.
// Syscalls call leave explicitly rather than deferring it: a thread that
// exits inside the kernel has already handed Kernel.mu to its successor.
func (c *Context) enter() {
	k := c.k
	k.mu.Lock()
	if k.stopped {
		k.mu.Unlock()
		runtime.Goexit()
	}
	if k.current != c.t {
		k.Panicf("syscall from thread %d while %d holds the CPU", c.t.tid, k.current.tid)
	}
	c.t.inKernel = true
	if k.needResched {
		k.needResched = false
		k.threadSwitch()
	}
}

func (c *Context) leave() {
	c.t.inKernel = false
	c.k.mu.Unlock()
}

// TID returns the calling thread's ID.
func (c *Context) TID() TID { return c.t.tid }

// PID returns the calling thread's process ID.
func (c *Context) PID() PID { return c.t.proc.pid }

// Arg returns the argument the thread was spawned with.
func (c *Context) Arg() uint64 { return c.t.info.Arg }

// Info returns the Thread Information Block.
func (c *Context) Info() *ThreadInfo { return &c.t.info }

// Msg returns the IPC buffer used by IPC and its helpers.
func (c *Context) Msg() *proto.Message { return &c.t.info.IPC }

// Open allocates a new channel.
func (c *Context) Open() (proto.CID, error) {
	c.enter()
	ch, err := c.k.createChannel(c.t.proc)
	c.leave()
	if err != nil {
		return 0, err
	}
	return ch.cid, nil
}

// Close releases the capability cid.
func (c *Context) Close(cid proto.CID) error {
	c.enter()
	ch, ok := c.t.proc.channel(cid)
	if ok {
		c.k.destroyChannel(ch)
	}
	c.leave()
	if !ok {
		return proto.ErrInvalidCID
	}
	return nil
}

// Link makes two channels peers. Link(a, a) unlinks a.
func (c *Context) Link(a, b proto.CID) error {
	c.enter()
	ch1, ok1 := c.t.proc.channel(a)
	ch2, ok2 := c.t.proc.channel(b)
	if ok1 && ok2 {
		c.k.link(ch1, ch2)
	}
	c.leave()
	if !ok1 || !ok2 {
		return proto.ErrInvalidCID
	}
	return nil
}

// Transfer redirects messages arriving at src to dst.
func (c *Context) Transfer(src, dst proto.CID) error {
	c.enter()
	ch1, ok1 := c.t.proc.channel(src)
	ch2, ok2 := c.t.proc.channel(dst)
	err := proto.ErrInvalidCID
	if ok1 && ok2 {
		err = c.k.transfer(ch1, ch2)
	}
	c.leave()
	return err.Err()
}

// Notify raises bits at the destination of cid.
func (c *Context) Notify(cid proto.CID, bits proto.Notifications) error {
	c.enter()
	err := proto.ErrInvalidCID
	if ch, ok := c.t.proc.channel(cid); ok {
		err = c.k.notify(ch, bits)
	}
	c.leave()
	return err.Err()
}

// IPC performs the phases in flags on cid using the IPC buffer.
func (c *Context) IPC(cid proto.CID, flags IPCFlags) error {
	flags &= IPCSend | IPCRecv | IPCNoBlock
	c.enter()
	ch, ok := c.t.proc.channel(cid)
	if !ok {
		c.leave()
		return proto.ErrInvalidCID
	}
	err := c.k.ipc(c.t, ch, &c.t.info.IPC, flags)
	c.leave()
	return err.Err()
}

// Send sends p on cid and waits until it has been received.
func (c *Context) Send(cid proto.CID, p proto.Payload) error {
	if err := p.Encode(c.Msg()); err != nil {
		return err
	}
	return c.IPC(cid, IPCSend)
}

// Call sends p on cid and returns the decoded reply.
func (c *Context) Call(cid proto.CID, p proto.Payload) (proto.Payload, error) {
	if err := p.Encode(c.Msg()); err != nil {
		return nil, err
	}
	if err := c.IPC(cid, IPCCall); err != nil {
		return nil, err
	}
	return proto.Decode(c.Msg())
}

// Recv waits for a message on cid. The returned message is the IPC buffer
// and is overwritten by the next IPC.
func (c *Context) Recv(cid proto.CID) (*proto.Message, error) {
	if err := c.IPC(cid, IPCRecv); err != nil {
		return nil, err
	}
	return c.Msg(), nil
}

// Reply sends p on cid without blocking. It fails with ErrWouldBlock when
// the peer is not waiting for it.
func (c *Context) Reply(cid proto.CID, p proto.Payload) error {
	if err := p.Encode(c.Msg()); err != nil {
		return err
	}
	return c.IPC(cid, IPCSend|IPCNoBlock)
}

// ReplyError sends an error reply on cid without blocking.
func (c *Context) ReplyError(cid proto.CID, errno proto.Errno) error {
	m := c.Msg()
	m.Reset()
	m.SetError(errno)
	return c.IPC(cid, IPCSend|IPCNoBlock)
}

// Read copies user memory at addr into buf. Touching an address that cannot
// be paged in kills the thread.
func (c *Context) Read(addr uint64, buf []byte) {
	c.enter()
	c.k.copyUser(c.t, addr, buf, false)
	c.leave()
}

// Write copies data into user memory at addr. Touching an address that
// cannot be paged in or is not writable kills the thread.
func (c *Context) Write(addr uint64, data []byte) {
	c.enter()
	c.k.copyUser(c.t, addr, data, true)
	c.leave()
}

// SetPageBase registers where page payloads are mapped on receive. order is
// the largest payload accepted, in pages as a power of two.
func (c *Context) SetPageBase(addr uint64, order uint8) {
	c.enter()
	if addr == 0 {
		c.t.info.PageBase = 0
	} else {
		c.t.info.PageBase = proto.MakePage(addr, order)
	}
	c.leave()
}

// Yield gives the rest of the quantum to the next runnable thread.
func (c *Context) Yield() {
	c.enter()
	c.k.threadSwitch()
	c.leave()
}

// Exit terminates the calling thread.
func (c *Context) Exit() {
	c.enter()
	c.k.exitCurrent(c.t)
}
