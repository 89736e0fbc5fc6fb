// Package app boots the user-space servers described by the manifest on
// top of a kernel and drives the kernel from the HAL clock.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"ember/emberos/kernel"
	"ember/emberos/mem"
	"ember/emberos/proto"
	"ember/emberos/services/logger"
	"ember/emberos/services/pager"
	"ember/emberos/services/ping"
	"ember/hal"
	"ember/internal/config"
	"ember/internal/metrics"
)

// ProgMemTest is the program pager regions run when they name no booted
// process. It touches every page of its region.
const ProgMemTest = "memtest"

const pingClient = "ping-client"

// System is a booted kernel with its servers.
type System struct {
	k    *kernel.Kernel
	h    hal.HAL
	log  *zap.Logger
	irqs []*hal.IRQLine

	pingDone chan error
}

// Options carries the optional collaborators of New.
type Options struct {
	Logger   *zap.Logger
	Registry prometheus.Registerer
}

// New creates the kernel over h, boots the servers of m and starts the
// kernel. Shutdown releases it.
func New(h hal.HAL, cfg *config.Config, m *config.Manifest, opts Options) (*System, error) {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	k, err := kernel.New(cfg.KernelConfig(),
		kernel.WithLogger(log),
		kernel.WithMetrics(metrics.New(opts.Registry)),
		kernel.WithMemory(h.Memory()))
	if err != nil {
		return nil, err
	}
	installPanicHandler(h, log)

	s := &System{k: k, h: h, log: log.Named("app"), pingDone: make(chan error, 1)}
	if err := s.boot(m); err != nil {
		_ = k.Shutdown(context.Background())
		return nil, fmt.Errorf("boot: %w", err)
	}
	if err := k.Start(); err != nil {
		return nil, err
	}
	return s, nil
}

// Kernel returns the booted kernel.
func (s *System) Kernel() *kernel.Kernel { return s.k }

// PingDone receives the result of the ping demo client, if it was booted.
func (s *System) PingDone() <-chan error { return s.pingDone }

type booted struct {
	logProc   *kernel.Process
	logListen proto.CID

	pagerProc   *kernel.Process
	pagerListen proto.CID

	pingProc   *kernel.Process
	pingListen proto.CID
}

func (s *System) boot(m *config.Manifest) error {
	var b booted
	k := s.k

	for _, l := range m.IRQs {
		if l.Disabled {
			continue
		}
		s.irqs = append(s.irqs, hal.NewIRQLine(l.IRQ,
			time.Duration(l.EveryMS)*time.Millisecond,
			time.Duration(l.HighMS)*time.Millisecond))
	}

	if m.Has(config.ServiceLogger) {
		p, listen, err := s.server("logger")
		if err != nil {
			return err
		}
		kch, err := k.ConnectKernelServer(p)
		if err != nil {
			return err
		}
		irqs := make([]uint8, len(s.irqs))
		for i, l := range s.irqs {
			irqs[i] = l.IRQ()
		}
		opts := []logger.Option{logger.WithIRQs(kch, irqs...)}
		if m.LogRate > 0 {
			opts = append(opts, logger.WithRateLimit(m.LogRate, m.LogBurst))
		}
		if m.LogHeartbeat > 0 {
			opts = append(opts, logger.WithHeartbeat(kch, m.LogHeartbeat))
		}
		svc := logger.New(s.h.Logger(), listen, opts...)
		if _, err := k.SpawnThread(p, "logger", svc.Run, 0); err != nil {
			return err
		}
		b.logProc, b.logListen = p, listen
	}

	if m.Has(config.ServicePing) {
		p, listen, err := s.server("ping")
		if err != nil {
			return err
		}
		if _, err := k.SpawnThread(p, "ping", ping.New(listen).Run, 0); err != nil {
			return err
		}
		b.pingProc, b.pingListen = p, listen
	}

	var pingHeap *config.PagerRegion
	var launches []config.PagerRegion
	for i, r := range m.Pagers {
		if r.Process == pingClient && b.pingProc != nil {
			pingHeap = &m.Pagers[i]
			continue
		}
		if r.Process != ProgMemTest {
			return fmt.Errorf("pager region %d: no process or program %q", i, r.Process)
		}
		launches = append(launches, r)
	}

	if m.Has(config.ServicePager) {
		if err := s.bootPager(&b, m.Pagers, launches); err != nil {
			return err
		}
	}

	if b.pingProc != nil {
		return s.bootPingClient(&b, m.PingRounds, pingHeap)
	}
	return nil
}

// server creates a process with one listen channel.
func (s *System) server(name string) (*kernel.Process, proto.CID, error) {
	p, err := s.k.CreateProcess(name)
	if err != nil {
		return nil, 0, fmt.Errorf("%s: %w", name, err)
	}
	listen, err := s.k.OpenChannel(p)
	if err != nil {
		return nil, 0, fmt.Errorf("%s: %w", name, err)
	}
	return p, listen, nil
}

func (s *System) bootPager(b *booted, regions, launches []config.PagerRegion) error {
	k := s.k
	p, listen, err := s.server("pager")
	if err != nil {
		return err
	}
	pages := 0
	for _, r := range regions {
		pages += r.Pages
	}
	if pages == 0 {
		pages = 1
	}
	pool, err := k.AllocFrames(pages)
	if err != nil {
		return fmt.Errorf("pager pool of %d pages: %w", pages, err)
	}
	if err := k.AddVMArea(p, pool, uint64(pages)*mem.PageSize, kernel.PageWritable, kernel.StraightMapping{}); err != nil {
		return err
	}
	kch, err := k.ConnectKernelServer(p)
	if err != nil {
		return err
	}

	k.RegisterProgram(ProgMemTest, s.memTest)
	svc := pager.New(listen, pool, pages)
	_, err = k.SpawnThread(p, "pager", func(ctx *kernel.Context) {
		for _, r := range launches {
			if _, err := svc.Launch(ctx, kch, r.Process, r.Start, r.Pages, memTestArg(r.Start, r.Pages)); err != nil {
				s.log.Warn("pager launch failed", zap.String("program", r.Process), zap.Error(err))
			}
		}
		svc.Run(ctx)
	}, 0)
	if err != nil {
		return err
	}
	b.pagerProc, b.pagerListen = p, listen
	return nil
}

func (s *System) bootPingClient(b *booted, rounds int, heap *config.PagerRegion) error {
	k := s.k
	p, err := k.CreateProcess(pingClient)
	if err != nil {
		return err
	}
	cfg := ping.ClientConfig{
		Rounds: rounds,
		Done: func(err error) {
			s.pingDone <- err
		},
	}
	if cfg.Ping, err = k.Connect(p, b.pingProc, b.pingListen); err != nil {
		return err
	}
	if b.logProc != nil {
		if cfg.Log, err = k.Connect(p, b.logProc, b.logListen); err != nil {
			return err
		}
	}
	if heap != nil && b.pagerProc != nil {
		pch, err := k.Connect(p, b.pagerProc, b.pagerListen)
		if err != nil {
			return err
		}
		if err := k.AddUserPager(p, heap.Start, uint64(heap.Pages)*mem.PageSize, kernel.PageWritable, pch); err != nil {
			return err
		}
		cfg.Heap = heap.Start
		if cfg.Rounds > heap.Pages {
			cfg.Rounds = heap.Pages
		}
	}
	_, err = k.SpawnThread(p, "client", ping.Client(cfg), 0)
	return err
}

// memTestArg packs a page-aligned start and a page count below 4096.
func memTestArg(start uint64, pages int) uint64 {
	return start | uint64(pages)&(mem.PageSize-1)
}

func (s *System) memTest(ctx *kernel.Context) {
	arg := ctx.Arg()
	start, pages := mem.AlignDown(arg), int(arg&(mem.PageSize-1))
	var buf [8]byte
	for i := 0; i < pages; i++ {
		addr := start + uint64(i)*mem.PageSize
		ctx.Write(addr, []byte{byte(i), 0x5a})
		ctx.Read(addr, buf[:2])
		if buf[0] != byte(i) || buf[1] != 0x5a {
			s.log.Error("memtest mismatch", zap.Uint64("addr", addr))
			return
		}
	}
	s.log.Info("memtest passed", zap.Int32("pid", int32(ctx.PID())), zap.Int("pages", pages))
}

// Run feeds the HAL clock into the kernel until ctx is done or the clock
// stops. Interrupt lines are polled on every tick.
func (s *System) Run(ctx context.Context) error {
	ticks := s.h.Time().Ticks()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.k.Done():
			return kernel.ErrStopped
		case _, ok := <-ticks:
			if !ok {
				return nil
			}
			s.k.Tick()
			for _, l := range s.irqs {
				if l.Poll() {
					s.k.DeliverIRQ(l.IRQ())
				}
			}
		}
	}
}

// Shutdown stops the kernel.
func (s *System) Shutdown(ctx context.Context) error {
	return s.k.Shutdown(ctx)
}
