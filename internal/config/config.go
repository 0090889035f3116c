package config

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all kernel configuration.
type Config struct {
	Kernel    KernelConfig
	Logging   LogConfig
	Debug     DebugConfig
	RateLimit RateLimitConfig
	Boot      BootConfig
}

// KernelConfig sizes the kernel's fixed resources.
type KernelConfig struct {
	PhysPages     int `envconfig:"KERNEL_PHYS_PAGES" default:"16384"`
	MaxHandles    int `envconfig:"KERNEL_MAX_HANDLES" default:"262144"`
	ExecutorLimit int `envconfig:"KERNEL_EXECUTOR_LIMIT" default:"0"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// DebugConfig holds the introspection server configuration.
type DebugConfig struct {
	Address      string   `envconfig:"DEBUG_ADDR" default:"127.0.0.1:6060"`
	Enabled      bool     `envconfig:"DEBUG_ENABLED" default:"true"`
	AllowOrigins []string `envconfig:"DEBUG_CORS_ORIGINS" default:"*"`
}

// RateLimitConfig holds the per-process syscall throttle.
type RateLimitConfig struct {
	SyscallsPerSecond float64 `envconfig:"SYSCALL_RATE_RPS" default:"10000"`
	Burst             int     `envconfig:"SYSCALL_RATE_BURST" default:"1000"`
	Enabled           bool    `envconfig:"SYSCALL_RATE_ENABLED" default:"false"`
}

// BootConfig locates the boot manifest. An empty path boots the built-in
// manifest.
type BootConfig struct {
	Manifest string `envconfig:"BOOT_MANIFEST" default:""`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
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

// Validate rejects settings the kernel cannot boot with.
func (c *Config) Validate() error {
	if c.Kernel.PhysPages <= 0 {
		return fmt.Errorf("KERNEL_PHYS_PAGES must be positive, got %d", c.Kernel.PhysPages)
	}
	if c.Kernel.MaxHandles <= 0 {
		return fmt.Errorf("KERNEL_MAX_HANDLES must be positive, got %d", c.Kernel.MaxHandles)
	}
	if c.Kernel.ExecutorLimit < 0 {
		return fmt.Errorf("KERNEL_EXECUTOR_LIMIT must not be negative, got %d", c.Kernel.ExecutorLimit)
	}
	if c.RateLimit.Enabled && (c.RateLimit.SyscallsPerSecond <= 0 || c.RateLimit.Burst <= 0) {
		return fmt.Errorf("syscall rate limit enabled with rps=%v burst=%d", c.RateLimit.SyscallsPerSecond, c.RateLimit.Burst)
	}
	return nil
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Kernel: KernelConfig{
			PhysPages:     16384,
			MaxHandles:    262144,
			ExecutorLimit: 0,
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
		Debug: DebugConfig{
			Address:      "127.0.0.1:6060",
			Enabled:      true,
			AllowOrigins: []string{"*"},
		},
		RateLimit: RateLimitConfig{
			SyscallsPerSecond: 10000,
			Burst:             1000,
			Enabled:           false,
		},
	}
}
