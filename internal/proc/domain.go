package proc

import (
	"math"

	"github.com/perchos/perch/internal/hw"
	"github.com/perchos/perch/internal/param"
)

// Args carries the six machine-register syscall arguments plus the
// trap frame they arrived on.
type Args struct {
	Arg [6]uint64
	TF  *hw.TrapFrame
}

// SyscallFn is one syscall implementation. It runs on the core that
// took the trap with the calling process current.
type SyscallFn func(pc *Pcore, a *Args) int64

// RetPark is the sentinel a syscall returns when it has descheduled
// the caller instead of producing a value. The dispatcher writes no
// return register; the waker patches the saved frame before requeueing.
const RetPark = int64(math.MinInt64)

// Window is one installed syscall table within a domain. Windows are
// immutable after kernel init.
type Window struct {
	Tab     []SyscallFn
	NImpl   uint64
	Present bool
}

// Platform latch values: each selects the window presenting one ABI.
const (
	PlatchUnix   = 0
	PlatchNative = 1
)

// Domain is a process's collection of syscall windows plus the
// sliding platform latch that selects which one the syscall gate
// consults.
type Domain struct {
	Slots  [param.ScwinMax]Window
	Platch int
}

// Window returns the currently latched window.
func (d *Domain) Window() *Window {
	return &d.Slots[d.Platch]
}

// Slide moves the platform latch. Only indices of populated windows
// are valid.
func (d *Domain) Slide(latch int) bool {
	if latch < 0 || latch >= param.ScwinMax || !d.Slots[latch].Present {
		return false
	}
	d.Platch = latch
	return true
}
