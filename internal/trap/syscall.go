package trap

import (
	"log/slog"

	"github.com/perchos/perch/internal/hw"
	"github.com/perchos/perch/internal/kerr"
	"github.com/perchos/perch/internal/proc"
)

// Syscall is the gate behind the user syscall vector: find the
// current core's process, consult the window its platform latch
// selects, and invoke the numbered entry. The call number arrives in
// the accumulator and the result leaves the same way.
func (t *Subsys) Syscall(pc *proc.Pcore, tf *hw.TrapFrame) {
	if pc == nil {
		slog.Warn("trap: syscall with no core")
		return
	}
	self := pc.CurProc
	if self == nil {
		slog.Warn("trap: syscall with no process")
		return
	}

	scd := &self.Dom
	win := scd.Window()
	if win.Tab == nil && !win.Present {
		// Policy: the process may be mid-reconfiguration.
		slog.Warn("trap: no syscall table", "platch", scd.Platch)
		return
	}

	num := tf.RAX
	if num == 0 || num >= win.NImpl || win.Tab[num] == nil {
		errno := kerr.ENOTSUP
		tf.RAX = uint64(errno)
		return
	}

	args := &proc.Args{
		Arg: [6]uint64{tf.RDI, tf.RSI, tf.RDX, tf.R10, tf.R9, tf.R8},
		TF:  tf,
	}
	ret := win.Tab[num](pc, args)
	if ret == proc.RetPark {
		// The caller was descheduled; its return register is
		// patched by whoever wakes it.
		return
	}
	tf.RAX = uint64(ret)
}
