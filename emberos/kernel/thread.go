package kernel

import (
	"encoding/binary"
	"fmt"
	"runtime"

	"go.uber.org/zap"

	"ember/emberos/proto"
)

// ThreadState is the scheduling state of a thread.
type ThreadState uint8

const (
	ThreadBlocked ThreadState = iota
	ThreadRunnable
	// ThreadRecvByKernel marks a thread blocked in a receive issued by the
	// kernel on its behalf (a user pager call). Page payloads delivered to
	// it arrive as physical addresses.
	ThreadRecvByKernel
	ThreadExited
)

func (s ThreadState) String() string {
	switch s {
	case ThreadBlocked:
		return "blocked"
	case ThreadRunnable:
		return "runnable"
	case ThreadRecvByKernel:
		return "recv_by_kernel"
	case ThreadExited:
		return "exited"
	default:
		return fmt.Sprintf("ThreadState(%d)", uint8(s))
	}
}

// ThreadInfo is the Thread Information Block shared between a thread and the
// kernel.
type ThreadInfo struct {
	Arg uint64
	// PageBase is where page payloads are mapped when this thread receives
	// them, with the largest acceptable order. Zero refuses page payloads.
	PageBase proto.Page
	IPC      proto.Message
}

const stackCanary uint32 = 0xdeadca71

// Thread is a kernel thread.
type Thread struct {
	tid   TID
	name  string
	proc  *Process
	entry Program
	ctx   *Context

	info     ThreadInfo
	state    ThreadState
	quantum  int
	inKernel bool

	// run is the CPU baton: a receive means this thread now owns the CPU
	// and Kernel.mu.
	run   chan struct{}
	stack []byte

	rqNode   handle
	procNode handle

	// receive side
	recvBuf     *proto.Message
	receivingOn *Channel
	ipcErr      proto.Errno

	// send side, valid while queued on sendingTo
	sendBuf      proto.Message
	sendSrc      *Channel
	sendFrom     proto.CID
	sendFlags    IPCFlags
	sendReplyBuf *proto.Message
	sendingTo    *Channel
	sendNode     handle
	callArmed    bool

	// kernelBuf carries messages the kernel sends on the thread's behalf.
	kernelBuf proto.Message

	lockWait *sleepLock
	lockNode handle
}

// TID returns the thread ID.
func (t *Thread) TID() TID { return t.tid }

// State returns the scheduling state.
func (t *Thread) State() ThreadState { return t.state }

func (k *Kernel) createThread(p *Process, name string, entry Program, arg uint64) (*Thread, error) {
	id, err := k.threads.Alloc()
	if err != nil {
		return nil, err
	}
	t := &Thread{
		tid:   TID(id),
		name:  name,
		proc:  p,
		entry: entry,
		state: ThreadBlocked,
		run:   make(chan struct{}, 1),
		stack: make([]byte, k.cfg.KernelStackSize),
	}
	t.info.Arg = arg
	t.ctx = &Context{k: k, t: t}
	binary.LittleEndian.PutUint32(t.stack, stackCanary)

	if err := k.threads.Set(id, t); err != nil {
		k.threads.Free(id)
		return nil, err
	}
	t.procNode = p.threads.PushBack(t)
	k.stats.ThreadNew.Inc()

	if entry != nil {
		k.wg.Add(1)
		go k.threadMain(t)
	}
	k.schedLog.Debug("thread created",
		zap.Int32("tid", id),
		zap.String("name", name),
		zap.Int32("pid", int32(p.pid)))
	return t, nil
}

// threadMain is the goroutine behind a thread. It parks until the thread is
// first dispatched, then runs the program in user mode.
func (k *Kernel) threadMain(t *Thread) {
	defer k.wg.Done()

	select {
	case <-t.run:
	case <-k.done:
		return
	}
	k.checkCanary(t)
	t.inKernel = false
	k.mu.Unlock()

	defer func() {
		r := recover()
		if r == nil {
			return
		}
		if t.inKernel {
			panic(r)
		}
		k.mu.Lock()
		t.inKernel = true
		k.kill(t, fmt.Sprintf("panic: %v", r))
	}()

	t.entry(t.ctx)
	t.ctx.Exit()
}

func (k *Kernel) checkCanary(t *Thread) {
	if binary.LittleEndian.Uint32(t.stack) != stackCanary {
		k.Panicf("kernel stack canary of thread %d (%s) is corrupted", t.tid, t.name)
	}
}

// releaseThread unhooks t from every kernel structure. The process goes with
// its last thread.
func (k *Kernel) releaseThread(t *Thread) {
	t.state = ThreadExited
	k.runqRemove(t)

	if ch := t.receivingOn; ch != nil {
		ch.mu.Lock()
		if ch.receiver == t {
			ch.receiver = nil
		}
		ch.mu.Unlock()
		t.receivingOn = nil
	}
	if ch := t.sendingTo; ch != nil {
		ch.mu.Lock()
		ch.senders.Remove(t.sendNode)
		ch.mu.Unlock()
		t.sendingTo, t.sendNode = nil, 0
	}
	if l := t.lockWait; l != nil {
		l.waiters.Remove(t.lockNode)
		t.lockWait, t.lockNode = nil, 0
	}

	p := t.proc
	p.threads.Remove(t.procNode)
	t.procNode = 0
	k.threads.Free(int32(t.tid))

	if p.threads.Len() == 0 && p != k.kernelProc {
		k.destroyProcess(p)
	}
}

// exitCurrent retires the running thread and hands the CPU to the next one.
// It never returns.
func (k *Kernel) exitCurrent(t *Thread) {
	if k.current != t {
		k.Panicf("thread %d exiting while not current", t.tid)
	}
	k.schedLog.Debug("thread exited", zap.Int32("tid", int32(t.tid)), zap.String("name", t.name))
	k.releaseThread(t)

	next := k.pick(t)
	k.stats.ThreadSwitches.Inc()
	next.quantum = k.cfg.QuantumTicks
	k.current = next
	next.run <- struct{}{}
	runtime.Goexit()
}

// kill terminates the running thread after a fault it cannot recover from.
func (k *Kernel) kill(t *Thread, reason string) {
	k.log.Warn("killing thread",
		zap.Int32("tid", int32(t.tid)),
		zap.String("name", t.name),
		zap.Int32("pid", int32(t.proc.pid)),
		zap.String("reason", reason))
	k.stats.ThreadKills.Inc()
	k.exitCurrent(t)
}
