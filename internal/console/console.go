// Package console is the kernel console: a byte-stream buffer the
// standard descriptors write into, an input queue keyboard-style
// devices push into, and a serial sink that mirrors everything for
// the panic path and the host terminal.
package console

import (
	"bytes"
	"io"
	"sync"
)

// Console is the root screen of the system. It implements the devfs
// character device contract.
type Console struct {
	mu     sync.Mutex
	out    bytes.Buffer
	in     bytes.Buffer
	serial io.Writer
	mirror bool
}

// New creates a console mirroring to serial (may be nil).
func New(serial io.Writer) *Console {
	return &Console{serial: serial, mirror: true}
}

// SyslogToggle controls whether kernel output is mirrored to the
// serial sink. Turned off when the kernel hands the screen to user
// space.
func (c *Console) SyslogToggle(on bool) {
	c.mu.Lock()
	c.mirror = on
	c.mu.Unlock()
}

// PutStr appends bytes to the screen buffer. Output appears here
// before the write that produced it returns.
func (c *Console) PutStr(p []byte) {
	c.mu.Lock()
	c.out.Write(p)
	s := c.serial
	mirror := c.mirror
	c.mu.Unlock()
	if mirror && s != nil {
		s.Write(p)
	}
}

// Serial writes straight to the serial sink, bypassing the mirror
// toggle. The panic path uses it.
func (c *Console) Serial(p []byte) {
	c.mu.Lock()
	s := c.serial
	c.mu.Unlock()
	if s != nil {
		s.Write(p)
	}
}

// Bytes snapshots the screen buffer.
func (c *Console) Bytes() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.out.Bytes()...)
}

// PushInput queues bytes for the next read, the way an input driver
// feeds the console.
func (c *Console) PushInput(p []byte) {
	c.mu.Lock()
	c.in.Write(p)
	c.mu.Unlock()
}

// Write implements the devfs character device write hook.
func (c *Console) Write(p []byte, off int64) (int64, error) {
	c.PutStr(p)
	return int64(len(p)), nil
}

// Read implements the devfs character device read hook, draining the
// input queue.
func (c *Console) Read(p []byte, off int64) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, _ := c.in.Read(p)
	return int64(n), nil
}

// Writer adapts the console to io.Writer for the logging handler.
func (c *Console) Writer() io.Writer { return consoleWriter{c} }

type consoleWriter struct{ c *Console }

func (w consoleWriter) Write(p []byte) (int, error) {
	w.c.PutStr(p)
	return len(p), nil
}
