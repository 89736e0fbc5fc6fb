//go:build !tinygo

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"ember/app"
	"ember/hal"
	"ember/internal/buildinfo"
	"ember/internal/config"
	"ember/internal/kdebug"
	"ember/internal/logging"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var (
		manifestPath string
		hz           int
		ticks        uint64
		noDebug      bool
		version      bool
	)
	flag.StringVar(&manifestPath, "manifest", "", "Boot manifest (.yaml or .toml). Defaults to every service.")
	flag.IntVar(&hz, "hz", 0, "Timer tick rate. Overrides EMBER_CLOCK_HZ.")
	flag.Uint64Var(&ticks, "ticks", 0, "Stop after N ticks (0 = run until interrupted). Overrides EMBER_CLOCK_TICKS.")
	flag.BoolVar(&noDebug, "no-kdebug", false, "Do not read kernel debugger commands from stdin.")
	flag.BoolVar(&version, "version", false, "Print the version and exit.")
	flag.Parse()

	if version {
		fmt.Println(buildinfo.String())
		return nil
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if hz > 0 {
		cfg.Clock.Hz = hz
	}
	if ticks > 0 {
		cfg.Clock.Ticks = ticks
	}
	if noDebug {
		cfg.Debug.KDebug = false
	}
	manifest, err := config.LoadManifest(manifestPath)
	if err != nil {
		return err
	}

	log, err := logging.New(cfg.LoggingConfig())
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	log = log.With(zap.String("boot", uuid.NewString()))
	log.Info("ember booting",
		zap.String("version", buildinfo.Short()),
		zap.Uint64("memory", cfg.Memory.Bytes),
		zap.Int("hz", cfg.Clock.Hz),
		zap.Strings("services", manifest.Services))

	h, err := hal.New(hal.HostConfig{MemoryBytes: cfg.Memory.Bytes})
	if err != nil {
		return err
	}
	defer h.Memory().Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())

	sys, err := app.New(h, cfg, manifest, app.Options{Logger: log, Registry: reg})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return hal.RunClock(gctx, h, hal.ClockConfig{Hz: cfg.Clock.Hz, Ticks: cfg.Clock.Ticks})
	})
	g.Go(func() error {
		// The clock closing its tick stream ends the run.
		defer cancel()
		return sys.Run(gctx)
	})
	if cfg.Debug.KDebug {
		d := kdebug.New(sys.Kernel(), h.Console(), kdebug.WithLogger(log), kdebug.WithGatherer(reg))
		g.Go(func() error {
			err := d.Serve(gctx, h.Console())
			if errors.Is(err, kdebug.ErrQuit) {
				log.Info("halted from the kernel debugger")
				cancel()
				return nil
			}
			return err
		})
	}
	if addr := cfg.Debug.MetricsAddr; addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			log.Info("serving metrics", zap.String("addr", addr))
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer scancel()
			return srv.Shutdown(sctx)
		})
	}

	err = g.Wait()
	sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer scancel()
	if serr := sys.Shutdown(sctx); serr != nil {
		log.Warn("kernel shutdown", zap.Error(serr))
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
