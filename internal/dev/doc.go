// Package dev implements device-facing kernel objects. Interrupt is the only
// one: a virtual or controller-backed interrupt delivered to a waiter or a
// port.
package dev
