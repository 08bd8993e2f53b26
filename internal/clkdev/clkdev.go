// Package clkdev registers clock devices and hands them to code that
// needs timed waits. Polling drivers bound their waits with an
// explicit ceiling through these hooks.
package clkdev

import (
	"sync"

	"github.com/perchos/perch/internal/kerr"
)

// Attribute bits a clock device advertises.
const (
	AttrGetUsec = 1 << 0
	AttrMsleep  = 1 << 1
	AttrUsleep  = 1 << 2
)

// MaxClkdev bounds the registry.
const MaxClkdev = 8

// Clkdev is one clock device.
type Clkdev struct {
	Name        string
	Attr        uint16
	GetTimeUsec func() uint64
	Msleep      func(ms uint32)
	Usleep      func(us uint32)
}

// Registry holds the registered clock devices.
type Registry struct {
	mu   sync.Mutex
	clks []*Clkdev
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a clock device.
func (r *Registry) Register(c *Clkdev) error {
	if c == nil {
		return kerr.EINVAL
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.clks) >= MaxClkdev {
		return kerr.ENOSPC
	}
	r.clks = append(r.clks, c)
	return nil
}

// Get finds a device advertising every attribute in attr.
func (r *Registry) Get(attr uint16) (*Clkdev, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.clks {
		if c.Attr&attr == attr {
			return c, nil
		}
	}
	return nil, kerr.ENODEV
}
