package trap

import (
	"log/slog"

	"github.com/perchos/perch/internal/hw"
)

// IPLShift positions a priority level in the upper nibble of its
// vector.
const IPLShift = 4

// Handler is one registered external interrupt. The driver fills
// Name, IPL, IRQ and Fn; registration assigns the vector.
type Handler struct {
	Fn func(h *Handler)

	Name   string
	IPL    uint8
	IRQ    int
	Vector uint8
	Count  uint64
}

// Register assigns the lowest free vector at the requested priority
// level, programs the external router to steer the line there and
// unmasks the pin. Returns nil when the level's vector pool is full.
func (t *Subsys) Register(h *Handler) *Handler {
	if h == nil {
		return nil
	}

	// Vectors below the IRQ base are reserved for the router's
	// fixed input pins.
	vec := int(h.IPL) << IPLShift
	if vec < hw.VecIRQBase {
		vec = hw.VecIRQBase
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	// Only four bits encode the priority, so each level owns
	// sixteen vectors.
	for i := vec; i < vec+16 && i < hw.NVectors; i++ {
		if t.handlers[i] != nil {
			continue
		}
		nh := &Handler{
			Fn:     h.Fn,
			Name:   h.Name,
			IPL:    h.IPL,
			IRQ:    h.IRQ,
			Vector: uint8(i),
		}
		t.handlers[i] = nh

		if h.IRQ >= 0 && t.Router != nil {
			t.Router.Route(uint8(h.IRQ), nh.Vector)
			t.Router.Mask(uint8(h.IRQ), false)
		}
		slog.Debug("intr: registered handler", "name", nh.Name, "vector", nh.Vector)
		return nh
	}
	return nil
}

// HandlerAt returns the handler bound to a vector.
func (t *Subsys) HandlerAt(vector uint8) *Handler {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.handlers[vector]
}

func (t *Subsys) irq(vector uint8) {
	t.mu.Lock()
	h := t.handlers[vector]
	t.mu.Unlock()
	if h == nil {
		slog.Warn("intr: spurious vector", "vector", vector)
		return
	}
	h.Count++
	if h.Fn != nil {
		h.Fn(h)
	}
}
