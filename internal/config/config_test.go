package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ember/emberos/kernel"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Equal(t, kernel.DefaultConfig(), cfg.KernelConfig())
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("EMBER_KERNEL_QUANTUM_TICKS", "3")
	t.Setenv("EMBER_KERNEL_FAST_PATH", "false")
	t.Setenv("EMBER_MEMORY_BYTES", "8192")
	t.Setenv("EMBER_LOGGING_LEVEL", "debug")
	t.Setenv("EMBER_DEBUG_METRICS_ADDR", ":9100")
	t.Setenv("EMBER_CLOCK_HZ", "1000")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Kernel.QuantumTicks)
	assert.False(t, cfg.KernelConfig().FastPath)
	assert.Equal(t, uint64(8192), cfg.Memory.Bytes)
	assert.Equal(t, ":9100", cfg.Debug.MetricsAddr)
	assert.Equal(t, 1000, cfg.Clock.Hz)
	assert.Equal(t, "debug", cfg.LoggingConfig().Level)
}

func TestLoadRejects(t *testing.T) {
	tests := []struct {
		name, key, value string
	}{
		{"not_a_number", "EMBER_KERNEL_MAX_THREADS", "lots"},
		{"unaligned_memory", "EMBER_MEMORY_BYTES", "1000"},
		{"no_clock", "EMBER_CLOCK_HZ", "0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := Load()
			assert.Error(t, err)
			assert.Equal(t, Default(), LoadOrDefault())
		})
	}
}

func TestParseManifest(t *testing.T) {
	m, err := ParseManifest([]byte(`
services: [logger, pager, ping]
ping_rounds: 3
pagers:
  - process: ping-client
    start: 0x20000000
    pages: 4
irqs:
  - irq: 5
    every_ms: 250
    high_ms: 10
log_rate: 50
log_burst: 20
log_heartbeat: 100
`))
	require.NoError(t, err)
	assert.Equal(t, &Manifest{
		Services:     []string{ServiceLogger, ServicePager, ServicePing},
		PingRounds:   3,
		Pagers:       []PagerRegion{{Process: "ping-client", Start: 0x20000000, Pages: 4}},
		IRQs:         []IRQLine{{IRQ: 5, EveryMS: 250, HighMS: 10}},
		LogRate:      50,
		LogBurst:     20,
		LogHeartbeat: 100,
	}, m)
	assert.True(t, m.Has(ServicePing))
	assert.False(t, m.Has("shell"))
}

func TestParseManifestRejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"syntax", "services: [logger", "parse manifest"},
		{"unknown_service", "services: [shell]", `unknown service "shell"`},
		{"pager_missing", "services: [ping]\npagers: [{process: p, start: 0x1000, pages: 1}]", "without the pager service"},
		{"unaligned", "services: [pager]\npagers: [{process: p, start: 0x1001, pages: 1}]", "not a nonzero page address"},
		{"no_pages", "services: [pager]\npagers: [{process: p, start: 0x1000}]", "0 pages"},
		{"irq_period", "irqs: [{irq: 1}]", "every_ms 0"},
		{"log_burst", "log_rate: 10", "needs a positive log_burst"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseManifest([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadManifest(t *testing.T) {
	m, err := LoadManifest("")
	require.NoError(t, err)
	assert.Equal(t, DefaultManifest(), m)
	require.NoError(t, m.Validate())

	path := filepath.Join(t.TempDir(), "boot.yaml")
	require.NoError(t, os.WriteFile(path, []byte("services: [logger]\n"), 0o644))
	m, err = LoadManifest(path)
	require.NoError(t, err)
	assert.Equal(t, []string{ServiceLogger}, m.Services)

	path = filepath.Join(t.TempDir(), "boot.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
services = ["pager", "ping"]
ping_rounds = 2

[[pagers]]
process = "ping-client"
start = 0x20000000
pages = 2
`), 0o644))
	m, err = LoadManifest(path)
	require.NoError(t, err)
	assert.Equal(t, []string{ServicePager, ServicePing}, m.Services)
	assert.Equal(t, []PagerRegion{{Process: "ping-client", Start: 0x20000000, Pages: 2}}, m.Pagers)

	_, err = ParseManifestTOML([]byte(`services = ["shell"]`))
	assert.ErrorContains(t, err, `unknown service "shell"`)

	_, err = LoadManifest(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
