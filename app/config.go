package app

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"sigs.k8s.io/yaml"
)

// ErrInvalidConfig wraps every configuration and validation error.
var ErrInvalidConfig = errors.New("app: invalid config")

// Tests lists the menu entries in menu order.
const Tests = "swndcmhi"

// Config configures the demo system.
type Config struct {
	// MaxTasks is the monitor registry capacity.
	MaxTasks int `json:"maxTasks"`
	// MaxTicksWithoutIdle is the watchdog bound (0 disables it).
	MaxTicksWithoutIdle uint32 `json:"maxTicksWithoutIdle"`
	// EpochTicks is the CPU measurement restart interval (0 disables it).
	EpochTicks uint32 `json:"epochTicks"`
	// HeapSize is the kernel heap in bytes.
	HeapSize int64 `json:"heapSize"`
	// TickHz is the scheduler tick rate on the host.
	TickHz int `json:"tickHz"`

	// Test preselects a menu entry. Empty reads it from the console.
	Test string `json:"test,omitempty"`
	// Screen mirrors the console onto the framebuffer.
	Screen bool `json:"screen"`
	// MetricsAddr serves /metrics when non-empty (host only).
	MetricsAddr string `json:"metricsAddr,omitempty"`
}

// DefaultConfig returns the reference design settings.
func DefaultConfig() Config {
	return Config{
		MaxTasks:            32,
		MaxTicksWithoutIdle: 50,
		EpochTicks:          100,
		HeapSize:            64 * 1024,
		TickHz:              100,
		Screen:              true,
	}
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if c.MaxTasks <= 0 {
		return fmt.Errorf("%w: maxTasks must be positive, got %d", ErrInvalidConfig, c.MaxTasks)
	}
	if c.HeapSize <= 0 {
		return fmt.Errorf("%w: heapSize must be positive, got %d", ErrInvalidConfig, c.HeapSize)
	}
	if c.TickHz <= 0 {
		return fmt.Errorf("%w: tickHz must be positive, got %d", ErrInvalidConfig, c.TickHz)
	}
	if c.Test != "" && (len(c.Test) != 1 || !strings.Contains(Tests, c.Test)) {
		return fmt.Errorf("%w: unknown test %q (want one of %q)", ErrInvalidConfig, c.Test, Tests)
	}
	return nil
}

// ParseConfig decodes YAML (or JSON) over the defaults and validates the
// result.
func ParseConfig(data []byte) (Config, error) {
	cfg := DefaultConfig()
	if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadConfig reads and parses a config file.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("app: read config: %w", err)
	}
	return ParseConfig(data)
}
