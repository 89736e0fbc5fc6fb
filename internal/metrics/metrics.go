// Package metrics holds the kernel statistics as Prometheus counters.
package metrics

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
)

const namespace = "ember"

// Kernel holds the kernel statistics counters.
type Kernel struct {
	// IPC metrics
	IPCTotal       prometheus.Counter
	IPCSend        prometheus.Counter
	IPCRecv        prometheus.Counter
	IPCKernelCalls prometheus.Counter
	IPCErrors      prometheus.Counter
	IPCFastPath    prometheus.Counter
	Notifications  prometheus.Counter

	// Object metrics
	ThreadNew      prometheus.Counter
	ThreadSwitches prometheus.Counter
	ThreadKills    prometheus.Counter
	ProcessNew     prometheus.Counter
	ChannelNew     prometheus.Counter

	// Memory metrics
	PageFaults      prometheus.Counter
	PagerCalls      prometheus.Counter
	PageFaultSkips  prometheus.Counter
	FramesAllocated prometheus.Gauge

	// Timer metrics
	TimerTicks prometheus.Counter
}

// New registers the kernel counters on reg. A nil reg uses a private registry
// so that several kernels can live in one test binary.
func New(reg prometheus.Registerer) *Kernel {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	counter := func(subsystem, name, help string) prometheus.Counter {
		return f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		})
	}

	return &Kernel{
		IPCTotal:       counter("ipc", "total", "Total number of ipc system calls"),
		IPCSend:        counter("ipc", "send_total", "Number of ipc send phases"),
		IPCRecv:        counter("ipc", "recv_total", "Number of ipc receive phases"),
		IPCKernelCalls: counter("ipc", "kernel_calls_total", "Number of messages handled by the kernel server"),
		IPCErrors:      counter("ipc", "errors_total", "Number of failed ipc system calls"),
		IPCFastPath:    counter("ipc", "fastpath_total", "Number of calls completed on the fast path"),
		Notifications:  counter("ipc", "notifications_total", "Number of notifications sent"),

		ThreadNew:      counter("thread", "new_total", "Number of threads created"),
		ThreadSwitches: counter("thread", "switches_total", "Number of context switches"),
		ThreadKills:    counter("thread", "kills_total", "Number of threads killed by the kernel"),
		ProcessNew:     counter("process", "new_total", "Number of processes created"),
		ChannelNew:     counter("channel", "new_total", "Number of channels created"),

		PageFaults:     counter("vm", "page_faults_total", "Number of page faults"),
		PagerCalls:     counter("vm", "pager_calls_total", "Number of pager invocations"),
		PageFaultSkips: counter("vm", "page_fault_skips_total", "Number of faults resolved by a concurrent fault"),
		FramesAllocated: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "vm",
			Name:      "frames_allocated",
			Help:      "Physical frames held by the kernel",
		}),

		TimerTicks: counter("timer", "ticks_total", "Number of timer ticks"),
	}
}

// Snapshot writes every ember_* metric gathered from g as "name value"
// lines, sorted by name.
func Snapshot(w io.Writer, g prometheus.Gatherer) error {
	families, err := g.Gather()
	if err != nil {
		return fmt.Errorf("gather metrics: %w", err)
	}

	var lines []string
	for _, mf := range families {
		if !strings.HasPrefix(mf.GetName(), namespace+"_") {
			continue
		}
		for _, m := range mf.GetMetric() {
			lines = append(lines, fmt.Sprintf("%s %g", mf.GetName(), value(mf.GetType(), m)))
		}
	}
	sort.Strings(lines)

	for _, l := range lines {
		if _, err := fmt.Fprintln(w, l); err != nil {
			return err
		}
	}
	return nil
}

func value(t dto.MetricType, m *dto.Metric) float64 {
	switch t {
	case dto.MetricType_COUNTER:
		return m.GetCounter().GetValue()
	case dto.MetricType_GAUGE:
		return m.GetGauge().GetValue()
	case dto.MetricType_UNTYPED:
		return m.GetUntyped().GetValue()
	default:
		return 0
	}
}
