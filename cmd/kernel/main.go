package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/GriffinCanCode/AgentOS/kernel/internal/config"
	"github.com/GriffinCanCode/AgentOS/kernel/internal/debug"
	"github.com/GriffinCanCode/AgentOS/kernel/internal/logging"
	"github.com/GriffinCanCode/AgentOS/kernel/internal/monitoring"
	"github.com/GriffinCanCode/AgentOS/kernel/internal/shared/id"
	"github.com/GriffinCanCode/AgentOS/kernel/internal/syscalls"
	"github.com/GriffinCanCode/AgentOS/kernel/internal/task"
	"github.com/GriffinCanCode/AgentOS/kernel/internal/userboot"
	"github.com/GriffinCanCode/AgentOS/kernel/internal/vm"
)

func main() {
	manifest := flag.String("manifest", "", "Boot manifest path (overrides BOOT_MANIFEST)")
	debugAddr := flag.String("debug-addr", "", "Debug server address (overrides DEBUG_ADDR)")
	noDebug := flag.Bool("no-debug", false, "Disable the debug server")
	dev := flag.Bool("dev", false, "Development logging (console, debug level)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *manifest != "" {
		cfg.Boot.Manifest = *manifest
	}
	if *debugAddr != "" {
		cfg.Debug.Address = *debugAddr
	}
	if *noDebug {
		cfg.Debug.Enabled = false
	}
	if *dev {
		cfg.Logging.Development = true
		cfg.Logging.Level = "debug"
	}

	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "kernel: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	base, err := logging.New(logging.FromConfig(cfg.Logging))
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	bootID := id.NewBootID()
	logger := base.With(zap.Stringer("boot_id", bootID))
	restore := logging.Install(logger)
	defer restore()
	defer func() { _ = logger.Sync() }()

	logger.Info("Booting kernel",
		zap.Int("phys_pages", cfg.Kernel.PhysPages),
		zap.Int("max_handles", cfg.Kernel.MaxHandles),
		zap.Bool("debug_server", cfg.Debug.Enabled))

	pool := vm.InitFramePool(cfg.Kernel.PhysPages)
	metrics := monitoring.NewMetrics(pool)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	exec := task.NewExecutor(context.Background(), cfg.Kernel.ExecutorLimit)
	opts := syscalls.Options{
		Executor:   exec,
		Metrics:    metrics,
		Memory:     pool,
		Logger:     logger.Logger,
		MaxHandles: cfg.Kernel.MaxHandles,
	}
	if cfg.RateLimit.Enabled {
		opts.SyscallRate = cfg.RateLimit.SyscallsPerSecond
		opts.SyscallBurst = cfg.RateLimit.Burst
		logger.Info("Syscall rate limiting enabled",
			zap.Float64("rps", cfg.RateLimit.SyscallsPerSecond),
			zap.Int("burst", cfg.RateLimit.Burst))
	}
	k := syscalls.NewKernel(opts)

	m := userboot.DefaultManifest()
	if cfg.Boot.Manifest != "" {
		if m, err = userboot.LoadManifest(cfg.Boot.Manifest); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Debug.Enabled {
		srv := debug.NewServer(debug.Options{
			Config:      cfg.Debug,
			Metrics:     metrics,
			Logger:      logger,
			Development: cfg.Logging.Development,
		})
		g.Go(func() error { return srv.Run(gctx) })
	}

	loader := userboot.NewLoader(k, task.RootJob(), userboot.DefaultRegistry(), logger.Logger)
	b, err := loader.Launch(m)
	if err != nil {
		stop()
		_ = g.Wait()
		exec.Shutdown()
		return err
	}
	g.Go(func() error {
		if err := b.Wait(gctx); err != nil {
			if gctx.Err() == nil {
				logger.Warn("Boot processes failed", zap.Error(err))
			}
			return nil
		}
		logger.Info("Boot processes finished")
		return nil
	})

	<-gctx.Done()
	logger.Info("Shutting down kernel")
	task.RootJob().Kill()
	exec.Shutdown()

	err = g.Wait()
	if werr := exec.Wait(); werr != nil && err == nil {
		err = werr
	}
	logger.Info("Kernel stopped", zap.Int64("handles_live", metrics.Snapshot().Handles))
	return err
}
