package hw

import "runtime"

// Program is the machine-dependent stand-in for a user instruction
// stream: a function executing against a UserCPU. On real hardware
// this is the text segment the loader mapped; the model binds a Go
// function to the image's entry point instead and runs it with the
// same trap semantics.
type Program func(cpu *UserCPU)

type opKind int

const (
	opSyscall opKind = iota
	opLoad
	opStore
	opYield
)

type op struct {
	kind opKind
	num  uint64
	args [6]uint64
	addr uint64
	buf  []byte
}

// UserTask is one runnable user context. The program body runs on its
// own goroutine and rendezvouses with whichever core has the task
// installed; the goroutine only ever makes progress while a core is
// inside Enter, so execution order stays deterministic.
type UserTask struct {
	prog Program

	ops    chan op
	resume chan uint64
	kill   chan struct{}

	started    bool
	awaitReply bool
}

// NewTask wraps a program for execution.
func NewTask(prog Program) *UserTask {
	return &UserTask{
		prog:   prog,
		ops:    make(chan op),
		resume: make(chan uint64),
		kill:   make(chan struct{}),
	}
}

func (t *UserTask) start() {
	if t.started {
		return
	}
	t.started = true
	go func() {
		cpu := &UserCPU{task: t}
		t.prog(cpu)
		// Falling off the end of a program is an implicit exit(0).
		cpu.Syscall(1, 0)
		for {
			cpu.block()
		}
	}()
}

// next pulls the task's pending operation. ok is false once the task
// has been killed.
func (t *UserTask) next() (op, bool) {
	select {
	case o := <-t.ops:
		return o, true
	case <-t.kill:
		return op{}, false
	}
}

// Kill tears the task down. The program goroutine unwinds the next
// time it touches the CPU.
func (t *UserTask) Kill() {
	select {
	case <-t.kill:
	default:
		close(t.kill)
	}
}

// UserCPU is the program's view of the processor. Every method traps
// into the kernel by design; there is no way to touch kernel state
// from here except through the syscall gate or a fault.
type UserCPU struct {
	task *UserTask
}

func (c *UserCPU) send(o op) uint64 {
	select {
	case c.task.ops <- o:
	case <-c.task.kill:
		runtime.Goexit()
	}
	select {
	case v := <-c.task.resume:
		return v
	case <-c.task.kill:
		runtime.Goexit()
	}
	panic("unreachable")
}

func (c *UserCPU) block() {
	select {
	case <-c.task.kill:
		runtime.Goexit()
	}
}

// Syscall executes the syscall gate: number in the accumulator,
// arguments in the six argument registers, result back in the
// accumulator.
func (c *UserCPU) Syscall(num uint64, args ...uint64) int64 {
	o := op{kind: opSyscall, num: num}
	copy(o.args[:], args)
	return int64(c.send(o))
}

// Read copies len(p) bytes out of user virtual memory at va. A
// translation failure faults the task; the call never returns in that
// case unless the kernel chooses to resume it.
func (c *UserCPU) Read(va uint64, p []byte) {
	if len(p) == 0 {
		return
	}
	c.send(op{kind: opLoad, addr: va, buf: p})
}

// Write copies p into user virtual memory at va.
func (c *UserCPU) Write(va uint64, p []byte) {
	if len(p) == 0 {
		return
	}
	c.send(op{kind: opStore, addr: va, buf: p})
}

// Yield burns one operation's worth of time without trapping.
func (c *UserCPU) Yield() {
	c.send(op{kind: opYield})
}
