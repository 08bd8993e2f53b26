// Package trap is the high-level end of the vector table: trap frame
// decoding, fatal-trap policy, external interrupt registration and
// the syscall gate.
package trap

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/perchos/perch/internal/hw"
	"github.com/perchos/perch/internal/proc"
)

// Trap type to type string conversion table, indexed by the trapno
// field in the frame.
var trapstr = map[uint64]string{
	hw.TrapArithErr:    "arithmetic error",
	hw.TrapNMI:         "non-maskable interrupt",
	hw.TrapBreakpoint:  "breakpoint",
	hw.TrapOverflow:    "overflow",
	hw.TrapBoundRange:  "bound range exceeded",
	hw.TrapInvlOp:      "invalid opcode",
	hw.TrapDoubleFault: "double fault",
	hw.TrapInvlTSS:     "invalid TSS",
	hw.TrapSegNP:       "segment not present",
	hw.TrapSSFault:     "stack-segment fault",
	hw.TrapProtFault:   "general protection",
	hw.TrapPageFault:   "page fault",
}

// Page fault flag letters, bit relative.
var pfFlags = [7]byte{'p', 'w', 'u', 'r', 'x', 'k', 's'}

// PFCode renders a page-fault error code the way the fault logger
// prints it: one letter per set bit, dashes elsewhere.
func PFCode(code uint64) string {
	tab := [7]byte{'-', '-', '-', '-', '-', '-', '-'}
	for i := 0; i < 7; i++ {
		if code&(1<<uint(i)) != 0 {
			tab[i] = pfFlags[i]
		}
	}
	return string(tab[:])
}

// Subsys wires the trap layer to the rest of the kernel.
type Subsys struct {
	Procs  *proc.Subsys
	Router *hw.Router

	// Panic is the kernel panic sink for fatal kernel-mode traps.
	Panic func(format string, args ...any)

	mu       sync.Mutex
	handlers [hw.NVectors]*Handler
}

// New builds the trap layer.
func New(p *proc.Subsys, router *hw.Router, panicFn func(string, ...any)) *Subsys {
	return &Subsys{Procs: p, Router: router, Panic: panicFn}
}

func trapName(trapno uint64) string {
	if s, ok := trapstr[trapno]; ok {
		return s
	}
	return "bad"
}

// dump logs the full processor state the way the fault path prints
// it.
func (t *Subsys) dump(pc *proc.Pcore, tf *hw.TrapFrame) {
	if tf.Trapno == hw.TrapPageFault {
		slog.Error(fmt.Sprintf("code=[%s]", PFCode(tf.ErrorCode)))
	}
	slog.Error(fmt.Sprintf("got trap (%s)", trapName(tf.Trapno)),
		"rax", fmt.Sprintf("%#x", tf.RAX),
		"rcx", fmt.Sprintf("%#x", tf.RCX),
		"rdx", fmt.Sprintf("%#x", tf.RDX),
		"rbx", fmt.Sprintf("%#x", tf.RBX),
		"rsi", fmt.Sprintf("%#x", tf.RSI),
		"rdi", fmt.Sprintf("%#x", tf.RDI),
		"rfl", fmt.Sprintf("%#x", tf.Rflags),
		"cr2", fmt.Sprintf("%#x", pc.Core.CR2()),
		"cr3", fmt.Sprintf("%#x", pc.Core.CR3()),
		"rbp", fmt.Sprintf("%#x", tf.RBP),
		"rsp", fmt.Sprintf("%#x", tf.RSP),
		"rip", fmt.Sprintf("%#x", tf.RIP),
	)
}

// Handle is the fatal-trap policy: a user-mode trap kills the process
// and logs the decoded frame; a kernel-mode trap is a panic.
func (t *Subsys) Handle(pc *proc.Pcore, tf *hw.TrapFrame) {
	t.dump(pc, tf)
	if tf.FromUser() {
		slog.Error("fatal user trap, killing process")
		t.Procs.Kill(pc, nil, -1)
		return
	}
	t.Panic("fatal trap (%s)", trapName(tf.Trapno))
}

// Dispatch routes one machine exit. This is the body behind every
// vector-table entry.
func (t *Subsys) Dispatch(pc *proc.Pcore, tf *hw.TrapFrame, exit hw.Exit) {
	switch exit.Kind {
	case hw.ExitSyscall:
		t.Syscall(pc, tf)

	case hw.ExitTimer:
		t.Procs.Switch(pc, tf)

	case hw.ExitPageFault:
		tf.Trapno = hw.TrapPageFault
		tf.ErrorCode = exit.FaultCode
		t.Handle(pc, tf)

	case hw.ExitIRQ:
		t.irq(exit.Vector)
		pc.Core.EOI()

	case hw.ExitIdle:
		t.Procs.Idle(pc)

	case hw.ExitHalt:
		// The run loop observes the halted core and stops.
	}
}
