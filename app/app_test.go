package app

import (
	"context"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"ember/emberos/kernel"
	"ember/hal"
	"ember/internal/config"
)

type recorder struct {
	mu    sync.Mutex
	lines []string
}

func (r *recorder) WriteLineString(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, s)
}

func (r *recorder) WriteLineBytes(b []byte) { r.WriteLineString(string(b)) }

func (r *recorder) has(s string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Contains(r.lines, s)
}

func (r *recorder) hasPrefix(prefix string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.ContainsFunc(r.lines, func(l string) bool { return strings.HasPrefix(l, prefix) })
}

type fakeTime struct{ ch chan uint64 }

func (t fakeTime) Ticks() <-chan uint64 { return t.ch }

type fakeHAL struct {
	log *recorder
	mem hal.Memory
	t   fakeTime
}

func (h *fakeHAL) Logger() hal.Logger   { return h.log }
func (h *fakeHAL) Memory() hal.Memory   { return h.mem }
func (h *fakeHAL) Time() hal.Time       { return h.t }
func (h *fakeHAL) Console() hal.Console { return nil }

func newHAL() *fakeHAL {
	return &fakeHAL{
		log: &recorder{},
		mem: hal.NewSliceMemory(make([]byte, 4<<20)),
		t:   fakeTime{ch: make(chan uint64, 16)},
	}
}

func boot(t *testing.T, h *fakeHAL, m *config.Manifest) (*System, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zap.InfoLevel)
	s, err := New(h, config.Default(), m, Options{Logger: zap.New(core), Registry: prometheus.NewRegistry()})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, s.Shutdown(ctx))
	})
	return s, logs
}

func TestBootDefaultManifest(t *testing.T) {
	h := newHAL()
	s, _ := boot(t, h, config.DefaultManifest())

	select {
	case err := <-s.PingDone():
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		require.FailNow(t, "ping client never finished")
	}
	require.Eventually(t, func() bool { return h.log.has("ping-client: 8 rounds ok") }, 5*time.Second, time.Millisecond)

	var names []string
	for _, p := range s.Kernel().Snapshot().Processes {
		names = append(names, p.Name)
	}
	assert.Subset(t, names, []string{"kernel", "logger", "ping", "pager"})
}

func TestRunFeedsClockAndIRQs(t *testing.T) {
	h := newHAL()
	m := &config.Manifest{
		Services:     []string{config.ServiceLogger},
		LogHeartbeat: 2,
		IRQs: []config.IRQLine{
			{IRQ: 4, EveryMS: 1, HighMS: 1},
			{IRQ: 5, EveryMS: 1, Disabled: true},
		},
	}
	s, _ := boot(t, h, m)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ran := make(chan error, 1)
	go func() { ran <- s.Run(ctx) }()

	seq := uint64(0)
	require.Eventually(t, func() bool {
		seq++
		h.t.ch <- seq
		time.Sleep(2 * time.Millisecond)
		return h.log.has("logger: interrupt") && h.log.hasPrefix("logger: heartbeat after")
	}, 5*time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return s.Kernel().Ticks() >= seq }, 5*time.Second, time.Millisecond)

	close(h.t.ch)
	select {
	case err := <-ran:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		require.FailNow(t, "Run did not return after the clock stopped")
	}
}

func TestRunStopsWithContext(t *testing.T) {
	s, _ := boot(t, newHAL(), &config.Manifest{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, s.Run(ctx), context.Canceled)
}

func TestMemTestRegion(t *testing.T) {
	m := &config.Manifest{
		Services: []string{config.ServicePager},
		Pagers:   []config.PagerRegion{{Process: ProgMemTest, Start: 0x100000, Pages: 3}},
	}
	_, logs := boot(t, newHAL(), m)
	require.Eventually(t, func() bool {
		return logs.FilterMessage("memtest passed").Len() == 1
	}, 5*time.Second, time.Millisecond)
	assert.EqualValues(t, 3, logs.FilterMessage("memtest passed").All()[0].ContextMap()["pages"])
}

func TestBootRejectsUnknownRegion(t *testing.T) {
	m := &config.Manifest{
		Services: []string{config.ServicePager},
		Pagers:   []config.PagerRegion{{Process: "nobody", Start: 0x100000, Pages: 1}},
	}
	_, err := New(newHAL(), config.Default(), m, Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `no process or program "nobody"`)
}

func TestPanicLines(t *testing.T) {
	lines := panicLines(kernel.PanicInfo{TID: 3, Value: "stack overflow", Stack: []byte("a\n\nb\n")})
	assert.Equal(t, []string{"Ember Panic:", "thread: #3", "panic: stack overflow", "stack:", "a", "b"}, lines)
	assert.Equal(t, "stack: unavailable", panicLines(kernel.PanicInfo{})[3])

	head, rest := takeRunes(strings.Repeat("é", 5), 3)
	assert.Equal(t, "ééé", head)
	assert.Equal(t, "éé", rest)
}
