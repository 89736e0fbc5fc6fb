// Package kernel is the ember microkernel: channels, synchronous IPC, a
// round-robin scheduler and demand paging through user-level pagers.
//
// The machine is simulated on the host. Each kernel thread is backed by a
// goroutine, but only the thread holding the CPU runs; the others are parked
// on their run baton. Kernel.mu plays the role of "interrupts disabled": it is
// held for the whole of every kernel entry and travels with the CPU when one
// thread switches to another.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"ember/emberos/mem"
	"ember/emberos/proto"
	"ember/hal"
	"ember/internal/metrics"
)

// PID identifies a process.
type PID int32

// TID identifies a thread.
type TID int32

// Program is the body of a user thread. Programs are registered by name and
// stand in for executable images.
type Program func(ctx *Context)

// Config holds the kernel tunables.
type Config struct {
	MaxProcesses    int
	MaxThreads      int
	MaxChannels     int // per process
	QuantumTicks    int
	FastPath        bool
	KernelStackSize int
}

// DefaultConfig returns the configuration used when none is given.
func DefaultConfig() Config {
	return Config{
		MaxProcesses:    64,
		MaxThreads:      256,
		MaxChannels:     128,
		QuantumTicks:    10,
		FastPath:        true,
		KernelStackSize: 512,
	}
}

func (c Config) validate() error {
	switch {
	case c.MaxProcesses < 2:
		return fmt.Errorf("kernel: MaxProcesses %d < 2", c.MaxProcesses)
	case c.MaxThreads < 2:
		return fmt.Errorf("kernel: MaxThreads %d < 2", c.MaxThreads)
	case c.MaxChannels < 1:
		return fmt.Errorf("kernel: MaxChannels %d < 1", c.MaxChannels)
	case c.QuantumTicks < 1:
		return fmt.Errorf("kernel: QuantumTicks %d < 1", c.QuantumTicks)
	case c.KernelStackSize < 64:
		return fmt.Errorf("kernel: KernelStackSize %d < 64", c.KernelStackSize)
	}
	return nil
}

// Option customizes a Kernel.
type Option func(*Kernel)

// WithLogger sets the logger. The kernel names its sub-loggers "ipc",
// "sched", "vm" and "server".
func WithLogger(l *zap.Logger) Option {
	return func(k *Kernel) { k.log = l }
}

// WithMetrics sets the statistics counters.
func WithMetrics(m *metrics.Kernel) Option {
	return func(k *Kernel) { k.stats = m }
}

// WithMemory sets the physical memory. The caller keeps ownership.
func WithMemory(m hal.Memory) Option {
	return func(k *Kernel) { k.mem = m }
}

const defaultMemorySize = 4 << 20

var (
	ErrStarted = errors.New("kernel: already started")
	ErrStopped = errors.New("kernel: stopped")
)

// Kernel is the state of one machine.
type Kernel struct {
	cfg Config

	log      *zap.Logger
	ipcLog   *zap.Logger
	schedLog *zap.Logger
	vmLog    *zap.Logger
	srvLog   *zap.Logger
	stats    *metrics.Kernel

	mem    hal.Memory
	ownMem bool
	frames *mem.BitmapAllocator

	mu      sync.Mutex
	wake    *sync.Cond
	done    chan struct{}
	started bool
	stopped bool
	wg      sync.WaitGroup

	processes  *IDTable[*Process]
	threads    *IDTable[*Thread]
	kernelProc *Process
	idle       *Thread
	current    *Thread

	runq        list[*Thread]
	needResched bool
	ticks       uint64
	chanSerial  uint64

	programs     map[string]Program
	irqListeners []irqListener
	timers       *IDTable[*userTimer]
}

// New builds a kernel with its kernel process and idle thread. No thread
// runs until Start.
func New(cfg Config, opts ...Option) (*Kernel, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	k := &Kernel{
		cfg:       cfg,
		done:      make(chan struct{}),
		processes: NewIDTable[*Process](cfg.MaxProcesses),
		threads:   NewIDTable[*Thread](cfg.MaxThreads),
		timers:    NewIDTable[*userTimer](cfg.MaxThreads),
		programs:  make(map[string]Program),
	}
	k.wake = sync.NewCond(&k.mu)
	for _, opt := range opts {
		opt(k)
	}

	if k.log == nil {
		k.log = zap.NewNop()
	}
	k.log = k.log.Named("kernel")
	k.ipcLog = k.log.Named("ipc")
	k.schedLog = k.log.Named("sched")
	k.vmLog = k.log.Named("vm")
	k.srvLog = k.log.Named("server")

	if k.stats == nil {
		k.stats = metrics.New(nil)
	}
	if k.mem == nil {
		k.mem = hal.NewSliceMemory(make([]byte, defaultMemorySize))
		k.ownMem = true
	}

	frames, err := mem.NewBitmapAllocator(0, k.mem.Size())
	if err != nil {
		return nil, fmt.Errorf("kernel: physical memory: %w", err)
	}
	// Physical address 0 is never handed out so that it can mean "no page".
	if err := frames.Reserve(0, mem.PageSize); err != nil {
		return nil, fmt.Errorf("kernel: physical memory: %w", err)
	}
	k.frames = frames

	k.mu.Lock()
	defer k.mu.Unlock()

	kp, err := k.createProcess("kernel")
	if err != nil {
		return nil, fmt.Errorf("kernel: create kernel process: %w", err)
	}
	k.kernelProc = kp

	idle, err := k.createThread(kp, "idle", nil, 0)
	if err != nil {
		return nil, fmt.Errorf("kernel: create idle thread: %w", err)
	}
	idle.state = ThreadRunnable
	k.idle = idle
	k.current = idle

	k.log.Info("kernel initialized",
		zap.Uint64("memory", k.mem.Size()),
		zap.Int("free_frames", k.frames.FreeCount()),
		zap.Bool("fastpath", cfg.FastPath))
	return k, nil
}

// Start hands the CPU to the idle thread, which dispatches runnable threads.
func (k *Kernel) Start() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.stopped {
		return ErrStopped
	}
	if k.started {
		return ErrStarted
	}
	k.started = true

	k.wg.Add(1)
	go k.idleLoop()
	return nil
}

func (k *Kernel) idleLoop() {
	defer k.wg.Done()

	k.mu.Lock()
	for {
		for k.runq.Len() == 0 && !k.stopped {
			k.wake.Wait()
		}
		if k.stopped {
			k.mu.Unlock()
			return
		}
		k.threadSwitch()
	}
}

// Shutdown stops the machine: every parked thread is released and every
// thread entering the kernel afterwards exits. It waits for the thread
// goroutines until ctx is done.
func (k *Kernel) Shutdown(ctx context.Context) error {
	k.mu.Lock()
	if !k.stopped {
		k.stopped = true
		close(k.done)
		k.wake.Broadcast()
	}
	k.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		k.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
	case <-ctx.Done():
		return fmt.Errorf("kernel: shutdown: %w", ctx.Err())
	}

	if k.ownMem {
		return k.mem.Close()
	}
	return nil
}

// Done is closed once Shutdown has been called.
func (k *Kernel) Done() <-chan struct{} { return k.done }

// Memory returns the physical memory.
func (k *Kernel) Memory() hal.Memory { return k.mem }

// Config returns the configuration the kernel was built with.
func (k *Kernel) Config() Config { return k.cfg }

// RegisterProgram makes prog spawnable by name through thread.spawn.
func (k *Kernel) RegisterProgram(name string, prog Program) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.programs[name] = prog
}

// CreateProcess creates an empty process.
func (k *Kernel) CreateProcess(name string) (*Process, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.createProcess(name)
}

// Process returns the live process with the given pid.
func (k *Kernel) Process(pid PID) (*Process, bool) {
	return k.processes.Get(int32(pid))
}

// SpawnThread creates a thread running prog in p and makes it runnable.
func (k *Kernel) SpawnThread(p *Process, name string, prog Program, arg uint64) (TID, error) {
	if prog == nil {
		return 0, fmt.Errorf("kernel: spawn %q: nil program", name)
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if p.destroyed {
		return 0, proto.ErrInvalidArg
	}
	t, err := k.createThread(p, name, prog, arg)
	if err != nil {
		return 0, err
	}
	k.resume(t)
	return t.tid, nil
}

// OpenChannel creates a channel in p.
func (k *Kernel) OpenChannel(p *Process) (proto.CID, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	ch, err := k.createChannel(p)
	if err != nil {
		return 0, err
	}
	return ch.cid, nil
}

// LinkChannels links channel c1 of p1 with channel c2 of p2. It is how the
// host wires servers and clients together at boot.
func (k *Kernel) LinkChannels(p1 *Process, c1 proto.CID, p2 *Process, c2 proto.CID) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	ch1, ok := p1.channel(c1)
	if !ok {
		return proto.ErrInvalidCID
	}
	ch2, ok := p2.channel(c2)
	if !ok {
		return proto.ErrInvalidCID
	}
	k.link(ch1, ch2)
	return nil
}

// Connect gives client a channel to the server listening on channel listen
// of server. The server end is a new channel of server, linked to the
// client's and transferring to listen, so replies sent to the From of a
// request reach the client.
func (k *Kernel) Connect(client *Process, server *Process, listen proto.CID) (proto.CID, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	lch, ok := server.channel(listen)
	if !ok {
		return 0, proto.ErrInvalidCID
	}
	sch, err := k.createChannel(server)
	if err != nil {
		return 0, err
	}
	cch, err := k.createChannel(client)
	if err != nil {
		k.destroyChannel(sch)
		return 0, err
	}
	if err := k.transfer(sch, lch); err != proto.OK {
		k.destroyChannel(cch)
		k.destroyChannel(sch)
		return 0, err
	}
	k.link(cch, sch)
	return cch.cid, nil
}

// ConnectKernelServer gives p a channel whose messages are handled by the
// kernel server.
func (k *Kernel) ConnectKernelServer(p *Process) (proto.CID, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	kch, err := k.createChannel(k.kernelProc)
	if err != nil {
		return 0, err
	}
	uch, err := k.createChannel(p)
	if err != nil {
		k.destroyChannel(kch)
		return 0, err
	}
	k.link(uch, kch)
	// The link keeps the kernel end alive; without the creation reference
	// it goes away with the user end.
	k.decref(kch)
	return uch.cid, nil
}

// AllocFrames reserves n contiguous physical pages and returns the address of
// the first. Boot code uses it to hand memory pools to user pagers.
func (k *Kernel) AllocFrames(n int) (uint64, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	f, err := k.frames.AllocContiguous(n)
	if err != nil {
		return 0, err
	}
	k.stats.FramesAllocated.Add(float64(n))
	return f.Address(), nil
}

// Ticks returns the number of timer ticks seen so far.
func (k *Kernel) Ticks() uint64 {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.ticks
}

// Tick advances the clock by one tick: user timers fire and the running
// thread's quantum shrinks. The switch itself happens at the running
// thread's next kernel entry.
func (k *Kernel) Tick() {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.ticks++
	k.stats.TimerTicks.Inc()
	k.fireTimers()

	cur := k.current
	if cur == nil || cur == k.idle {
		return
	}
	cur.quantum--
	if cur.quantum <= 0 && k.runq.Len() > 0 {
		k.needResched = true
	}
}

// DeliverIRQ notifies every channel listening on irq.
func (k *Kernel) DeliverIRQ(irq uint8) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.deliverIRQ(irq)
}

// Panicf reports a fatal kernel condition and panics. It never returns.
func (k *Kernel) Panicf(format string, args ...any) {
	reason := fmt.Sprintf(format, args...)
	var tid TID
	if k.current != nil {
		tid = k.current.tid
	}
	k.log.Error("kernel panic", zap.String("reason", reason), zap.Int32("tid", int32(tid)))
	triggerPanic(PanicInfo{TID: tid, Value: reason})
	panic("kernel panic: " + reason)
}
