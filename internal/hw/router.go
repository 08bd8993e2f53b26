package hw

import "sync"

// Router models the external interrupt router: a bank of input pins,
// each programmable with a destination vector and a mask bit. All
// routed interrupts are steered to the bootstrap core.
type Router struct {
	mu   sync.Mutex
	dest *Core
	pins map[uint8]*routerPin
}

type routerPin struct {
	vector uint8
	masked bool
}

// NewRouter creates a router delivering to dest with every pin masked.
func NewRouter(dest *Core) *Router {
	return &Router{dest: dest, pins: make(map[uint8]*routerPin)}
}

// Route programs the redirection entry for irq to raise vector.
// Newly routed pins stay masked until unmasked explicitly.
func (r *Router) Route(irq, vector uint8) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.pins[irq]
	if p == nil {
		p = &routerPin{masked: true}
		r.pins[irq] = p
	}
	p.vector = vector
}

// Mask sets the mask bit of the pin serving gsi.
func (r *Router) Mask(gsi uint8, masked bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.pins[gsi]
	if p == nil {
		p = &routerPin{}
		r.pins[gsi] = p
	}
	p.masked = masked
}

// Masked reports the mask bit of gsi.
func (r *Router) Masked(gsi uint8) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p := r.pins[gsi]; p != nil {
		return p.masked
	}
	return true
}

// Vector returns the vector programmed for irq and whether the pin
// has been routed at all.
func (r *Router) Vector(irq uint8) (uint8, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p := r.pins[irq]; p != nil {
		return p.vector, true
	}
	return 0, false
}

// Raise asserts the input line for irq. Masked or unrouted pins drop
// the edge.
func (r *Router) Raise(irq uint8) {
	r.mu.Lock()
	p := r.pins[irq]
	dest := r.dest
	r.mu.Unlock()
	if p == nil || p.masked || dest == nil {
		return
	}
	dest.postIRQ(p.vector)
}
