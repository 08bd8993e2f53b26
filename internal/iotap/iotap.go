// Package iotap is the namespace of named byte-oriented device
// endpoints, multiplexed through a single kernel entry point.
package iotap

import (
	"sync/atomic"

	"github.com/perchos/perch/internal/kerr"
	"github.com/perchos/perch/internal/ns"
)

// Opcodes a tap message can carry.
const (
	OpcRead = 0x00
)

// Ops is a tap's operation vector.
type Ops interface {
	Read(d *Desc, p []byte) (int64, error)
}

// Desc describes one registered tap. Leave ID unset when registering;
// registration fills it.
type Desc struct {
	Name string
	ID   int16
	Ops  Ops
}

// Msg is the kernel-side form of a tap message: the opcode plus the
// bounce buffer the operation works on.
type Msg struct {
	Opcode uint8
	Buf    []byte
}

// Registry is the tap namespace. Descriptors live process-wide and
// are never reclaimed.
type Registry struct {
	ns     *ns.Namespace
	nextID atomic.Int64
}

// NewRegistry creates an empty tap registry.
func NewRegistry() *Registry {
	return &Registry{ns: ns.New()}
}

// Register deep-copies the descriptor into the namespace under its
// name and assigns the next monotonic id.
func (r *Registry) Register(d *Desc) (int16, error) {
	if d == nil || d.Name == "" {
		return 0, kerr.EINVAL
	}
	tap := &Desc{
		Name: d.Name,
		ID:   int16(r.nextID.Add(1) - 1),
		Ops:  d.Ops,
	}
	obj := ns.NewObj(tap)
	if err := r.ns.Enter(tap.Name, obj); err != nil {
		return 0, err
	}
	return tap.ID, nil
}

// Lookup returns the descriptor by value; descriptors are immutable
// after registration, so the copy is safe to hold.
func (r *Registry) Lookup(name string) (Desc, error) {
	if name == "" {
		return Desc{}, kerr.EINVAL
	}
	obj, err := r.ns.Lookup(name)
	if err != nil {
		return Desc{}, err
	}
	o, ok := obj.(*ns.Obj)
	if !ok {
		return Desc{}, kerr.EIO
	}
	tap, ok := o.Data.(*Desc)
	if !ok {
		return Desc{}, kerr.EIO
	}
	return *tap, nil
}

// Mux dispatches a message's opcode to the named tap's op vector.
func (r *Registry) Mux(name string, msg *Msg) (int64, error) {
	if msg == nil || len(msg.Buf) == 0 {
		return 0, kerr.EINVAL
	}
	desc, err := r.Lookup(name)
	if err != nil {
		return 0, err
	}
	switch msg.Opcode {
	case OpcRead:
		if desc.Ops == nil {
			return 0, kerr.EIO
		}
		return desc.Ops.Read(&desc, msg.Buf)
	}
	return 0, kerr.EINVAL
}
