package hw

import "sync"

// OpCostUS is how much virtual time one user-mode operation consumes.
// The interval timer is compared against this clock, so a quantum of
// SchedQuantumUS admits quantum/OpCostUS operations per timeslice.
const OpCostUS = 1000

// ExitKind says why user-mode execution handed control back.
type ExitKind int

const (
	// ExitSyscall: the user program executed the syscall gate. The
	// call number and arguments are in the trap frame registers.
	ExitSyscall ExitKind = iota
	// ExitPageFault: a memory access failed translation. FaultAddr
	// and FaultCode carry what the hardware would report.
	ExitPageFault
	// ExitTimer: the local interval timer fired.
	ExitTimer
	// ExitIRQ: an external interrupt line was routed here. Vector is
	// the programmed vector.
	ExitIRQ
	// ExitHalt: the core received the inter-processor halt vector.
	ExitHalt
	// ExitIdle: no task is installed and no timer is armed.
	ExitIdle
)

// Exit is the machine-level trap report consumed by the dispatcher.
type Exit struct {
	Kind      ExitKind
	FaultAddr uint64
	FaultCode uint64
	Vector    uint8
}

// Core is one execution context of one hardware processor. The kernel
// stores its per-core descriptor pointer in Self, standing in for the
// GS-base register: "current core" is one load away from any context.
type Core struct {
	APICID uint32

	// Self is an opaque pointer owned by the kernel (the per-core
	// descriptor). Written once during core configuration.
	Self any

	mem *Memory

	mu       sync.Mutex
	cr3      uint64
	cr2      uint64
	now      uint64 // virtual microseconds
	deadline uint64
	armed    bool

	// Asynchronous delivery state. Separate lock: posters must never
	// contend with a core that is inside Enter.
	irqMu   sync.Mutex
	halted  bool
	pending []uint8 // routed external vectors, FIFO

	cur *UserTask
}

// WriteCR3 loads a new translation root. The modeled TLB has no state,
// so the write is the whole switch.
func (c *Core) WriteCR3(v uint64) {
	c.mu.Lock()
	c.cr3 = v
	c.mu.Unlock()
}

// CR3 returns the live translation root.
func (c *Core) CR3() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cr3
}

// CR2 returns the last faulting address.
func (c *Core) CR2() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cr2
}

// Now returns the core's virtual clock in microseconds.
func (c *Core) Now() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// ArmOneshotUS programs the local interval timer to fire us
// microseconds from now.
func (c *Core) ArmOneshotUS(us uint64) {
	c.mu.Lock()
	c.deadline = c.now + us
	c.armed = true
	c.mu.Unlock()
}

// EOI signals end-of-interrupt. The modeled interrupt controller keeps
// no in-service state, so this does nothing.
func (c *Core) EOI() {}

// PostHalt delivers the inter-processor halt vector. The next Enter
// returns ExitHalt and the core stays halted.
func (c *Core) PostHalt() {
	c.irqMu.Lock()
	c.halted = true
	c.irqMu.Unlock()
}

// Halted reports whether the core took the halt vector.
func (c *Core) Halted() bool {
	c.irqMu.Lock()
	defer c.irqMu.Unlock()
	return c.halted
}

func (c *Core) postIRQ(vector uint8) {
	c.irqMu.Lock()
	c.pending = append(c.pending, vector)
	c.irqMu.Unlock()
}

// SetTask installs the user task whose operations the next Enter will
// consume. A nil task idles the core.
func (c *Core) SetTask(t *UserTask) {
	c.cur = t
}

// Task returns the installed user task.
func (c *Core) Task() *UserTask { return c.cur }

// timerFired checks and consumes the oneshot latch.
func (c *Core) timerFired() bool {
	if c.armed && c.now >= c.deadline {
		c.armed = false
		return true
	}
	return false
}

// Enter resumes user execution described by tf and runs it until the
// next trap, which it reports as an Exit with the trap frame updated
// the way the entry stubs would leave it. This is the machine-
// dependent primitive backing both the first kick into user mode and
// every return-from-trap.
func (c *Core) Enter(tf *TrapFrame) Exit {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.irqMu.Lock()
	if c.halted {
		c.irqMu.Unlock()
		return Exit{Kind: ExitHalt}
	}
	if len(c.pending) > 0 {
		vec := c.pending[0]
		c.pending = c.pending[1:]
		c.irqMu.Unlock()
		return Exit{Kind: ExitIRQ, Vector: vec}
	}
	c.irqMu.Unlock()

	t := c.cur
	if t == nil {
		// Nothing to run: halt until the armed timer fires.
		if !c.armed {
			return Exit{Kind: ExitIdle}
		}
		c.now = c.deadline
		c.armed = false
		return Exit{Kind: ExitTimer}
	}

	t.start()

	// A task parked in the syscall gate sees its return value the
	// moment the kernel resumes it.
	if t.awaitReply {
		t.awaitReply = false
		t.resume <- tf.RAX
	}

	for {
		if c.timerFired() {
			tf.Trapno = VecTimer
			return Exit{Kind: ExitTimer}
		}

		o, ok := t.next()
		if !ok {
			// The task goroutine is gone; treat as an exit(0)
			// syscall so the kernel reaps it normally.
			tf.Trapno = VecSyscall
			tf.RAX = 1
			tf.RDI = 0
			return Exit{Kind: ExitSyscall}
		}
		c.now += OpCostUS

		switch o.kind {
		case opSyscall:
			tf.Trapno = VecSyscall
			tf.RAX = o.num
			tf.RDI = o.args[0]
			tf.RSI = o.args[1]
			tf.RDX = o.args[2]
			tf.R10 = o.args[3]
			tf.R9 = o.args[4]
			tf.R8 = o.args[5]
			t.awaitReply = true
			return Exit{Kind: ExitSyscall}

		case opLoad, opStore:
			if ex, ok := c.userCopy(t, o); ok {
				tf.Trapno = TrapPageFault
				tf.ErrorCode = ex.FaultCode
				return ex
			}

		case opYield:
			t.resume <- 0
		}
	}
}

// userCopy performs a user memory operation through the live
// translation root, resuming the task on success. On a translation
// fault it records CR2 and returns the exit.
func (c *Core) userCopy(t *UserTask, o op) (Exit, bool) {
	acc := Access{User: true, Write: o.kind == opStore}
	done := uint64(0)
	n := uint64(len(o.buf))
	for done < n {
		va := o.addr + done
		chunk := pageSize - (va & (pageSize - 1))
		if left := n - done; chunk > left {
			chunk = left
		}
		pa, err := c.mem.Translate(c.cr3, va, acc)
		if err != nil {
			fault := err.(ErrTranslation)
			c.cr2 = fault.Addr
			return Exit{
				Kind:      ExitPageFault,
				FaultAddr: fault.Addr,
				FaultCode: fault.Code,
			}, true
		}
		b, err := c.mem.Slice(pa, chunk)
		if err != nil {
			c.cr2 = va
			return Exit{
				Kind:      ExitPageFault,
				FaultAddr: va,
				FaultCode: acc.faultCode(false),
			}, true
		}
		if o.kind == opStore {
			copy(b, o.buf[done:done+chunk])
		} else {
			copy(o.buf[done:done+chunk], b)
		}
		done += chunk
	}
	t.resume <- n
	return Exit{}, false
}
