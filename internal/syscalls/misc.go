package syscalls

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/kernel/internal/task"
	"github.com/GriffinCanCode/AgentOS/kernel/internal/zx"
)

// maxDebugWrite bounds a debug_write; longer writes are truncated.
const maxDebugWrite = 256

// SysNanosleep blocks until deadline. A kill ends the sleep early with
// CANCELED.
func (s *Syscall) SysNanosleep(deadline zx.Deadline) error {
	err := s.thread.BlockingRun(task.ThreadBlockedSleeping, deadline, func(ctx context.Context) error {
		<-ctx.Done()
		return zx.FromContext(ctx)
	})
	if errors.Is(err, zx.ErrTimedOut) {
		return nil
	}
	return err
}

// SysClockGetMonotonic reports nanoseconds since boot.
func (s *Syscall) SysClockGetMonotonic(now UserOutPtr[int64]) error {
	return now.Write(zx.Now())
}

// SysDebugWrite logs up to maxDebugWrite bytes from the caller.
func (s *Syscall) SysDebugWrite(buf UserInPtr[byte], n int) error {
	if n < 0 {
		return fmt.Errorf("debug write of %d bytes: %w", n, zx.ErrInvalidArgs)
	}
	b, err := buf.ReadArray(min(n, maxDebugWrite))
	if err != nil {
		return err
	}
	s.k.log.Info("debug write",
		zap.String("process", s.proc.Name()),
		zap.Uint64("koid", uint64(s.proc.ID())),
		zap.ByteString("data", b))
	return nil
}
