package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-yaml"
	"github.com/pelletier/go-toml/v2"
)

// Manifest selects what the host boots on top of the kernel.
type Manifest struct {
	// Services lists the user-space servers to start, by name.
	Services []string `yaml:"services" toml:"services"`
	// PingRounds is how many ping calls the demo client makes.
	PingRounds int `yaml:"ping_rounds" toml:"ping_rounds"`
	// Pagers describes the anonymous-memory regions backed by the pager
	// server.
	Pagers []PagerRegion `yaml:"pagers" toml:"pagers"`
	// IRQs are simulated interrupt lines.
	IRQs []IRQLine `yaml:"irqs" toml:"irqs"`
	// LogRate caps the lines per second the logger server writes, with
	// bursts of LogBurst. Zero leaves the logger unlimited.
	LogRate  float64 `yaml:"log_rate" toml:"log_rate"`
	LogBurst int     `yaml:"log_burst" toml:"log_burst"`
	// LogHeartbeat makes the logger report its counters every
	// LogHeartbeat timer ticks.
	LogHeartbeat uint32 `yaml:"log_heartbeat" toml:"log_heartbeat"`
}

// PagerRegion is a region of a process served by the pager server.
type PagerRegion struct {
	Process string `yaml:"process" toml:"process"`
	Start   uint64 `yaml:"start" toml:"start"`
	Pages   int    `yaml:"pages" toml:"pages"`
}

// IRQLine is a periodic interrupt source.
type IRQLine struct {
	IRQ      uint8 `yaml:"irq" toml:"irq"`
	EveryMS  int   `yaml:"every_ms" toml:"every_ms"`
	HighMS   int   `yaml:"high_ms" toml:"high_ms"`
	Disabled bool  `yaml:"disabled" toml:"disabled"`
}

// Known service names.
const (
	ServiceLogger = "logger"
	ServicePing   = "ping"
	ServicePager  = "pager"
)

// DefaultManifest boots every service with a short ping demo.
func DefaultManifest() *Manifest {
	return &Manifest{
		Services:   []string{ServiceLogger, ServicePager, ServicePing},
		PingRounds: 8,
		Pagers: []PagerRegion{
			{Process: "ping-client", Start: 0x10000000, Pages: 16},
		},
	}
}

// ParseManifest decodes a YAML manifest. Missing fields keep their zero
// value.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// ParseManifestTOML decodes a TOML manifest.
func ParseManifestTOML(data []byte) (*Manifest, error) {
	var m Manifest
	if err := toml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// LoadManifest reads the manifest at path, as TOML when it ends in .toml
// and as YAML otherwise. An empty path yields DefaultManifest.
func LoadManifest(path string) (*Manifest, error) {
	if path == "" {
		return DefaultManifest(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	parse := ParseManifest
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		parse = ParseManifestTOML
	}
	m, err := parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// Has reports whether the manifest starts service name.
func (m *Manifest) Has(name string) bool {
	for _, s := range m.Services {
		if s == name {
			return true
		}
	}
	return false
}

// Validate checks the manifest for contradictions.
func (m *Manifest) Validate() error {
	var errs []error
	for _, s := range m.Services {
		switch s {
		case ServiceLogger, ServicePing, ServicePager:
		default:
			errs = append(errs, fmt.Errorf("unknown service %q", s))
		}
	}
	if m.PingRounds < 0 {
		errs = append(errs, fmt.Errorf("ping_rounds %d < 0", m.PingRounds))
	}
	if len(m.Pagers) > 0 && !m.Has(ServicePager) {
		errs = append(errs, errors.New("pagers listed without the pager service"))
	}
	for i, r := range m.Pagers {
		if r.Start%4096 != 0 || r.Start == 0 {
			errs = append(errs, fmt.Errorf("pagers[%d]: start %#x is not a nonzero page address", i, r.Start))
		}
		if r.Pages <= 0 {
			errs = append(errs, fmt.Errorf("pagers[%d]: %d pages", i, r.Pages))
		}
	}
	if m.LogRate < 0 || (m.LogRate > 0 && m.LogBurst <= 0) {
		errs = append(errs, fmt.Errorf("log_rate %g needs a positive log_burst, got %d", m.LogRate, m.LogBurst))
	}
	for i, l := range m.IRQs {
		if l.EveryMS <= 0 {
			errs = append(errs, fmt.Errorf("irqs[%d]: every_ms %d", i, l.EveryMS))
		}
	}
	return errors.Join(errs...)
}
