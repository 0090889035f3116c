package syscalls

import (
	"context"
	"fmt"

	"github.com/GriffinCanCode/AgentOS/kernel/internal/dev"
	"github.com/GriffinCanCode/AgentOS/kernel/internal/ipc"
	"github.com/GriffinCanCode/AgentOS/kernel/internal/object"
	"github.com/GriffinCanCode/AgentOS/kernel/internal/task"
	"github.com/GriffinCanCode/AgentOS/kernel/internal/zx"
)

// Options of interrupt_bind.
const (
	InterruptBind   uint32 = 0
	InterruptUnbind uint32 = 1
)

// SysInterruptCreate creates an interrupt object. Virtual interrupts need
// no resource; a physical line needs a handle to the root job, which stands
// in for the root resource.
func (s *Syscall) SysInterruptCreate(resource object.HandleValue, srcNum, options uint32, out UserOutPtr[object.HandleValue]) error {
	if err := s.proc.CheckCreate(object.TypeInterrupt); err != nil {
		return err
	}
	opts := dev.InterruptOptions(options)
	var (
		irq *dev.Interrupt
		err error
	)
	if opts&dev.InterruptVirtual != 0 {
		irq, err = dev.NewVirtual(opts)
	} else {
		var job *task.Job
		job, err = object.GetObjectWithRights[*task.Job](s.proc.Handles(), resource, object.RightManageJob)
		if err != nil {
			return err
		}
		if job != task.RootJob() {
			return fmt.Errorf("irq %d needs the root resource: %w", srcNum, zx.ErrAccessDenied)
		}
		irq, err = dev.NewEvent(srcNum, opts, s.k.IRQ())
	}
	if err != nil {
		return err
	}
	return s.addHandle(irq, object.DefaultInterruptRights, out)
}

// SysInterruptBind binds the interrupt to a port, or unbinds it.
func (s *Syscall) SysInterruptBind(handle, portHandle object.HandleValue, key uint64, options uint32) error {
	irq, err := object.GetObjectWithRights[*dev.Interrupt](s.proc.Handles(), handle, object.RightRead)
	if err != nil {
		return err
	}
	port, err := object.GetObjectWithRights[*ipc.Port](s.proc.Handles(), portHandle, object.RightWrite)
	if err != nil {
		return err
	}
	switch options {
	case InterruptBind:
		return irq.Bind(port, key)
	case InterruptUnbind:
		return irq.Unbind(port)
	}
	return fmt.Errorf("bind options %#x: %w", options, zx.ErrInvalidArgs)
}

// SysInterruptAck acknowledges the packet delivered to the bound port.
func (s *Syscall) SysInterruptAck(handle object.HandleValue) error {
	irq, err := object.GetObjectWithRights[*dev.Interrupt](s.proc.Handles(), handle, object.RightWrite)
	if err != nil {
		return err
	}
	return irq.Ack()
}

// SysInterruptWait blocks until the interrupt fires and reports its
// timestamp.
func (s *Syscall) SysInterruptWait(handle object.HandleValue, timestamp UserOutPtr[int64]) error {
	irq, err := object.GetObjectWithRights[*dev.Interrupt](s.proc.Handles(), handle, object.RightWait)
	if err != nil {
		return err
	}
	var ts int64
	err = s.thread.BlockingRun(task.ThreadBlockedInterrupt, zx.DeadlineInfinite, func(ctx context.Context) error {
		var werr error
		ts, werr = irq.Wait(ctx)
		return werr
	})
	if err != nil {
		return err
	}
	return timestamp.WriteIfNotNull(ts)
}

// SysInterruptTrigger raises a virtual interrupt.
func (s *Syscall) SysInterruptTrigger(handle object.HandleValue, options uint32, timestamp int64) error {
	if options != 0 {
		return fmt.Errorf("trigger options %#x: %w", options, zx.ErrInvalidArgs)
	}
	irq, err := object.GetObjectWithRights[*dev.Interrupt](s.proc.Handles(), handle, object.RightSignal)
	if err != nil {
		return err
	}
	return irq.Trigger(timestamp)
}

// SysInterruptDestroy destroys the interrupt, cancelling any waiter.
func (s *Syscall) SysInterruptDestroy(handle object.HandleValue) error {
	irq, err := object.GetObject[*dev.Interrupt](s.proc.Handles(), handle)
	if err != nil {
		return err
	}
	return irq.Destroy()
}
