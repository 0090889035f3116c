// Package ipc implements channels and ports, the objects that move bytes,
// capabilities, and notifications between processes.
package ipc
