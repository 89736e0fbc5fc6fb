// Package config loads the host configuration from EMBER_* environment
// variables and the boot manifest from YAML or TOML.
//
// Variables are named after the section and the field, for example
// EMBER_KERNEL_QUANTUM_TICKS, EMBER_MEMORY_BYTES or EMBER_DEBUG_METRICS_ADDR.
package config

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"

	"ember/emberos/kernel"
	"ember/internal/logging"
)

const envPrefix = "EMBER"

// Config holds all host configuration.
type Config struct {
	Kernel  KernelConfig
	Memory  MemoryConfig
	Logging LogConfig
	Debug   DebugConfig
	Clock   ClockConfig
}

// KernelConfig holds the kernel tunables.
type KernelConfig struct {
	MaxProcesses    int  `envconfig:"MAX_PROCESSES" default:"64"`
	MaxThreads      int  `envconfig:"MAX_THREADS" default:"256"`
	MaxChannels     int  `envconfig:"MAX_CHANNELS" default:"128"`
	QuantumTicks    int  `envconfig:"QUANTUM_TICKS" default:"10"`
	FastPath        bool `envconfig:"FAST_PATH" default:"true"`
	KernelStackSize int  `envconfig:"KERNEL_STACK_SIZE" default:"512"`
}

// MemoryConfig sizes the simulated physical memory.
type MemoryConfig struct {
	Bytes uint64 `envconfig:"BYTES" default:"16777216"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LEVEL" default:"info"`
	Development bool   `envconfig:"DEV" default:"false"`
}

// DebugConfig controls the kernel debugger and the metrics endpoint.
type DebugConfig struct {
	KDebug      bool   `envconfig:"KDEBUG" default:"true"`
	MetricsAddr string `envconfig:"METRICS_ADDR" default:""`
}

// ClockConfig drives the timer interrupt.
type ClockConfig struct {
	Hz    int    `envconfig:"HZ" default:"100"`
	Ticks uint64 `envconfig:"TICKS" default:"0"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	kc := kernel.DefaultConfig()
	return &Config{
		Kernel: KernelConfig{
			MaxProcesses:    kc.MaxProcesses,
			MaxThreads:      kc.MaxThreads,
			MaxChannels:     kc.MaxChannels,
			QuantumTicks:    kc.QuantumTicks,
			FastPath:        kc.FastPath,
			KernelStackSize: kc.KernelStackSize,
		},
		Memory: MemoryConfig{
			Bytes: 16 << 20,
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
		Debug: DebugConfig{
			KDebug: true,
		},
		Clock: ClockConfig{
			Hz: 100,
		},
	}
}

// Validate checks the values the kernel does not check itself.
func (c *Config) Validate() error {
	switch {
	case c.Memory.Bytes == 0 || c.Memory.Bytes%4096 != 0:
		return fmt.Errorf("config: memory size %d is not a positive multiple of 4096", c.Memory.Bytes)
	case c.Clock.Hz <= 0:
		return fmt.Errorf("config: clock rate %d Hz", c.Clock.Hz)
	}
	return nil
}

// KernelConfig converts the kernel section for kernel.New.
func (c *Config) KernelConfig() kernel.Config {
	return kernel.Config{
		MaxProcesses:    c.Kernel.MaxProcesses,
		MaxThreads:      c.Kernel.MaxThreads,
		MaxChannels:     c.Kernel.MaxChannels,
		QuantumTicks:    c.Kernel.QuantumTicks,
		FastPath:        c.Kernel.FastPath,
		KernelStackSize: c.Kernel.KernelStackSize,
	}
}

// LoggingConfig converts the logging section for logging.New.
func (c *Config) LoggingConfig() logging.Config {
	lc := logging.DefaultConfig()
	if c.Logging.Development {
		lc = logging.DevelopmentConfig()
	}
	if c.Logging.Level != "" {
		lc.Level = c.Logging.Level
	}
	return lc
}
