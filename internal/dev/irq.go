package dev

import (
	"fmt"
	"sync"

	"github.com/GriffinCanCode/AgentOS/kernel/internal/zx"
)

// IRQController is the interrupt controller behind event interrupts.
type IRQController interface {
	RegisterDevice(irq uint32, handler func()) error
	UnregisterDevice(irq uint32) error
	Mask(irq uint32)
	Unmask(irq uint32)
}

// SoftIRQController is an in-memory IRQController. Raise delivers to the
// registered handler when the line is unmasked and latches otherwise.
type SoftIRQController struct {
	mu    sync.Mutex
	lines map[uint32]*irqLine // Protected by mu
}

type irqLine struct {
	handler func()
	masked  bool
	pending bool
}

// NewSoftIRQController returns a controller with no registered lines.
func NewSoftIRQController() *SoftIRQController {
	return &SoftIRQController{lines: make(map[uint32]*irqLine)}
}

// RegisterDevice implements IRQController. Lines start masked.
func (c *SoftIRQController) RegisterDevice(irq uint32, handler func()) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.lines[irq]; ok {
		return fmt.Errorf("irq %d: %w", irq, zx.ErrAlreadyBound)
	}
	c.lines[irq] = &irqLine{handler: handler, masked: true}
	return nil
}

// UnregisterDevice implements IRQController.
func (c *SoftIRQController) UnregisterDevice(irq uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.lines[irq]; !ok {
		return fmt.Errorf("irq %d: %w", irq, zx.ErrNotFound)
	}
	delete(c.lines, irq)
	return nil
}

// Mask implements IRQController.
func (c *SoftIRQController) Mask(irq uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if l, ok := c.lines[irq]; ok {
		l.masked = true
	}
}

// Unmask implements IRQController. A latched interrupt is delivered on a
// new goroutine, so callers may hold their own locks.
func (c *SoftIRQController) Unmask(irq uint32) {
	c.mu.Lock()
	l, ok := c.lines[irq]
	if !ok {
		c.mu.Unlock()
		return
	}
	l.masked = false
	fire := l.pending
	l.pending = false
	c.mu.Unlock()
	if fire {
		go l.handler()
	}
}

// Raise asserts irq.
func (c *SoftIRQController) Raise(irq uint32) error {
	c.mu.Lock()
	l, ok := c.lines[irq]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("irq %d: %w", irq, zx.ErrNotFound)
	}
	if l.masked {
		l.pending = true
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	l.handler()
	return nil
}

// Masked reports whether irq is masked.
func (c *SoftIRQController) Masked(irq uint32) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.lines[irq]
	return !ok || l.masked
}
