package kernel

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"ember/emberos/proto"
)

const (
	testTimeout = 5 * time.Second
	testTick    = time.Millisecond
)

type testKernel struct {
	*Kernel
	logs *observer.ObservedLogs
}

// newKernel builds a kernel that is shut down with the test. It is not
// started.
func newKernel(t *testing.T, tweak ...func(*Config)) *testKernel {
	t.Helper()
	cfg := DefaultConfig()
	for _, fn := range tweak {
		fn(&cfg)
	}
	core, logs := observer.New(zap.DebugLevel)
	k, err := New(cfg, WithLogger(zap.New(core)))
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
		defer cancel()
		assert.NoError(t, k.Shutdown(ctx))
	})
	return &testKernel{Kernel: k, logs: logs}
}

func newTestKernel(t *testing.T, tweak ...func(*Config)) *testKernel {
	t.Helper()
	k := newKernel(t, tweak...)
	require.NoError(t, k.Start())
	return k
}

func (k *testKernel) process(t *testing.T, name string) *Process {
	t.Helper()
	p, err := k.CreateProcess(name)
	require.NoError(t, err)
	return p
}

func (k *testKernel) open(t *testing.T, p *Process) proto.CID {
	t.Helper()
	cid, err := k.OpenChannel(p)
	require.NoError(t, err)
	return cid
}

func (k *testKernel) spawn(t *testing.T, p *Process, name string, prog Program) TID {
	t.Helper()
	tid, err := k.SpawnThread(p, name, prog, 0)
	require.NoError(t, err)
	return tid
}

func (k *testKernel) channel(p *Process, cid proto.CID) *Channel {
	k.mu.Lock()
	defer k.mu.Unlock()
	ch, _ := p.channel(cid)
	return ch
}

func (k *testKernel) mapping(p *Process, vaddr uint64) (pte, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e, ok := p.pages[vaddr]
	return e, ok
}

func (k *testKernel) kills() int {
	return k.logs.FilterMessage("killing thread").Len()
}

func (k *testKernel) waitKill(t *testing.T, reason string) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, e := range k.logs.FilterMessage("killing thread").All() {
			if r, ok := e.ContextMap()["reason"].(string); ok && strings.Contains(r, reason) {
				return true
			}
		}
		return false
	}, testTimeout, testTick, "no thread killed for %q", reason)
}

// park blocks the calling thread in the kernel for good, keeping its
// process alive.
func park(ctx *Context) {
	cid, err := ctx.Open()
	if err != nil {
		return
	}
	_, _ = ctx.Recv(cid)
}

func waitFor[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(testTimeout):
		require.FailNow(t, "timed out waiting for a kernel thread")
	}
	var zero T
	return zero
}

func resetPanicState(t *testing.T) {
	t.Helper()
	reset := func() {
		panicOnce = sync.Once{}
		panicActive.Store(false)
		SetPanicHandler(func(PanicInfo) {})
	}
	reset()
	t.Cleanup(reset)
}

func TestNewRejectsBadConfig(t *testing.T) {
	tests := []struct {
		name  string
		tweak func(*Config)
	}{
		{"processes", func(c *Config) { c.MaxProcesses = 1 }},
		{"threads", func(c *Config) { c.MaxThreads = 0 }},
		{"channels", func(c *Config) { c.MaxChannels = 0 }},
		{"quantum", func(c *Config) { c.QuantumTicks = 0 }},
		{"stack", func(c *Config) { c.KernelStackSize = 8 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.tweak(&cfg)
			_, err := New(cfg)
			assert.Error(t, err)
		})
	}
}

func TestBootState(t *testing.T) {
	k := newKernel(t)

	snap := k.Snapshot()
	require.Len(t, snap.Processes, 1)
	assert.Equal(t, PID(1), snap.Processes[0].PID)
	assert.Equal(t, "kernel", snap.Processes[0].Name)
	assert.Equal(t, k.idle.tid, snap.Current)

	// Frame 0 is never handed out.
	paddr, err := k.AllocFrames(1)
	require.NoError(t, err)
	assert.NotZero(t, paddr)

	require.NoError(t, k.Start())
	assert.ErrorIs(t, k.Start(), ErrStarted)
}

func TestShutdownReleasesBlockedThreads(t *testing.T) {
	k := newTestKernel(t)
	p := k.process(t, "sleepers")
	c := k.open(t, p)

	for i := 0; i < 3; i++ {
		k.spawn(t, p, "sleeper", func(ctx *Context) {
			_ = ctx.Send(c, proto.Ping{})
		})
	}
	require.Eventually(t, func() bool {
		snap := k.Snapshot()
		ps, _ := snap.Process(p.PID())
		cs, _ := ps.Channel(c)
		return len(cs.Senders) == 3
	}, testTimeout, testTick)

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	require.NoError(t, k.Shutdown(ctx))
	assert.ErrorIs(t, k.Start(), ErrStopped)
}

func TestYieldRoundRobin(t *testing.T) {
	k := newKernel(t)
	p := k.process(t, "rr")

	trace := make(chan string, 16)
	for _, name := range []string{"a", "b", "c"} {
		k.spawn(t, p, name, func(ctx *Context) {
			for i := 0; i < 2; i++ {
				trace <- name
				ctx.Yield()
			}
		})
	}
	require.NoError(t, k.Start())

	var got []string
	for i := 0; i < 6; i++ {
		got = append(got, waitFor(t, trace))
	}
	assert.Equal(t, []string{"a", "b", "c", "a", "b", "c"}, got)
}

func TestTimerTickPreempts(t *testing.T) {
	k := newTestKernel(t, func(c *Config) { c.QuantumTicks = 2 })
	p := k.process(t, "spin")

	var stop atomic.Bool
	done := make(chan struct{})
	k.spawn(t, p, "spinner", func(ctx *Context) {
		for !stop.Load() {
			ctx.SetPageBase(0, 0) // any syscall is a preemption point
		}
		close(done)
	})
	k.spawn(t, p, "latecomer", func(ctx *Context) {
		stop.Store(true)
	})

	deadline := time.After(testTimeout)
	for {
		select {
		case <-done:
			assert.GreaterOrEqual(t, k.Ticks(), uint64(2))
			return
		case <-deadline:
			t.Fatal("spinner was never preempted")
		case <-time.After(time.Millisecond):
			k.Tick()
		}
	}
}

func TestStackCanaryPanics(t *testing.T) {
	resetPanicState(t)
	k := newKernel(t)

	var got PanicInfo
	SetPanicHandler(func(info PanicInfo) { got = info })

	k.idle.stack[0] ^= 0xff
	defer func() { k.idle.stack[0] ^= 0xff }()

	assert.Panics(t, func() { k.checkCanary(k.idle) })
	assert.True(t, InPanicMode())
	assert.Equal(t, k.idle.tid, got.TID)
	assert.Contains(t, got.Value, "canary")
	assert.NotEmpty(t, got.Stack)
	assert.Equal(t, 1, k.logs.FilterMessage("kernel panic").Len())
}

func TestUserPanicKillsOnlyTheThread(t *testing.T) {
	k := newTestKernel(t)
	p := k.process(t, "crashy")

	after := make(chan struct{}, 1)
	k.spawn(t, p, "crasher", func(ctx *Context) {
		panic("boom")
	})
	k.spawn(t, p, "survivor", func(ctx *Context) {
		after <- struct{}{}
	})

	waitFor(t, after)
	k.waitKill(t, "panic: boom")
	assert.Equal(t, float64(1), testutil.ToFloat64(k.stats.ThreadKills))
}

func TestThreadExitDestroysProcess(t *testing.T) {
	k := newTestKernel(t)
	p := k.process(t, "short")
	c := k.open(t, p)
	ch := k.channel(p, c)

	k.spawn(t, p, "once", func(ctx *Context) {})

	require.Eventually(t, func() bool {
		_, ok := k.Process(p.PID())
		return !ok
	}, testTimeout, testTick)
	assert.True(t, ch.freed)
}
