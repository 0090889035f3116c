// Package config provides environment-driven configuration for the kernel.
//
// Configuration is loaded from environment variables with sensible defaults.
// Flags passed to cmd/kernel override the loaded values.
//
// Configuration Sections:
//   - Kernel: physical memory size, handle table limit, executor bound
//   - Logging: Log level and output format
//   - Debug: introspection HTTP server
//   - RateLimit: per-process syscall throttling
//   - Boot: boot manifest location
//
// Example Usage:
//
//	cfg := config.LoadOrDefault()
//	pool := vm.InitFramePool(cfg.Kernel.PhysPages)
//
// Environment Variables:
//   - KERNEL_PHYS_PAGES, KERNEL_MAX_HANDLES, KERNEL_EXECUTOR_LIMIT
//   - LOG_LEVEL, LOG_DEV
//   - DEBUG_ADDR, DEBUG_ENABLED, DEBUG_CORS_ORIGINS
//   - SYSCALL_RATE_RPS, SYSCALL_RATE_BURST, SYSCALL_RATE_ENABLED
//   - BOOT_MANIFEST
package config
