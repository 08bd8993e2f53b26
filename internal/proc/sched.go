package proc

import (
	"sync"

	"github.com/perchos/perch/internal/hw"
	"github.com/perchos/perch/internal/kerr"
	"github.com/perchos/perch/internal/param"
)

// SchedQueue is one core's FIFO of runnable processes. Enqueue and
// dequeue each take the queue's own lock; the lock ordering with the
// per-process map list in teardown is the only allowed lock pair.
type SchedQueue struct {
	mu    sync.Mutex
	q     []*Proc
	nproc uint64
}

func (q *SchedQueue) init() {
	q.mu.Lock()
	q.q = nil
	q.nproc = 0
	q.mu.Unlock()
}

// Enq appends a process to the queue tail.
func (q *SchedQueue) Enq(p *Proc) error {
	if p == nil {
		return kerr.EINVAL
	}
	q.mu.Lock()
	q.q = append(q.q, p)
	q.nproc++
	q.mu.Unlock()
	return nil
}

// Deq pops the queue head, or EAGAIN when nothing is runnable.
func (q *SchedQueue) Deq() (*Proc, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.nproc == 0 {
		return nil, kerr.EAGAIN
	}
	p := q.q[0]
	q.q = q.q[1:]
	q.nproc--
	return p, nil
}

// NProc returns the queue depth.
func (q *SchedQueue) NProc() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.nproc
}

// ArbiterKind selects an enqueue-target policy.
type ArbiterKind int

const (
	// ArbiterRR hands out cores round-robin.
	ArbiterRR ArbiterKind = iota
)

// Arbiter selects the target core for newly enqueued processes.
// Pluggable: today only round-robin is implemented.
type Arbiter struct {
	mu   sync.Mutex
	kind ArbiterKind
	rrID uint32
}

// ArbiterPick returns the next enqueue target and advances the
// sliding index, wrapping at the end of the core list.
func (s *Subsys) ArbiterPick() *Pcore {
	s.arbiter.mu.Lock()
	defer s.arbiter.mu.Unlock()

	switch s.arbiter.kind {
	case ArbiterRR:
		pc := s.CPUGet(s.arbiter.rrID)
		s.arbiter.rrID++
		if pc == nil {
			// Ran off the end: wrap. Entry 0 makes the next pick 1.
			s.arbiter.rrID = 1
			pc = s.CPUGet(0)
		}
		return pc
	}
	return s.CPUGet(0)
}

// Enqueue places p on the core the arbiter picks.
func (s *Subsys) Enqueue(p *Proc) *Pcore {
	pc := s.ArbiterPick()
	if pc != nil {
		pc.SCQ.Enq(p)
	}
	return pc
}

// Switch is the quantum-expiry path: save the live frame into the
// current process, requeue it, pull the next runnable process and
// load its state. Runs on the core that took the timer interrupt.
func (s *Subsys) Switch(pc *Pcore, tf *hw.TrapFrame) {
	defer func() {
		pc.Core.EOI()
		pc.Core.ArmOneshotUS(param.SchedQuantumUS)
	}()

	self := pc.CurProc
	if self == nil {
		s.Idle(pc)
		return
	}

	if err := pc.SCQ.Enq(self); err != nil {
		return
	}

	// The frame on the stack is the process's to keep until it runs
	// again.
	self.PCB.TF = *tf

	next, err := pc.SCQ.Deq()
	if err != nil {
		// We are the only runnable process; carry on.
		return
	}

	*tf = next.PCB.TF
	pc.CurProc = next
	pc.Core.WriteCR3(next.PCB.VAS.Root)
	pc.Core.SetTask(next.PCB.Task)
}

// Idle marks the core idle and programs a short wakeup so the next
// tick can pull fresh work. The run loop resumes whatever Kick
// installed, or halts until the timer if nothing is runnable.
func (s *Subsys) Idle(pc *Pcore) {
	pc.Core.EOI()
	if next, err := pc.SCQ.Deq(); err == nil {
		s.Kick(pc, next)
		return
	}
	pc.Core.SetTask(nil)
	pc.Core.ArmOneshotUS(param.IdleParkUS)
}

// Kick puts a process on the core for its first (or next) run: load
// its address space, arm the quantum and hand its task to the
// hardware. The downgrade to user privilege happens when the run loop
// re-enters the core.
func (s *Subsys) Kick(pc *Pcore, p *Proc) {
	pc.CurProc = p
	pc.Core.WriteCR3(p.PCB.VAS.Root)
	pc.Core.ArmOneshotUS(param.SchedQuantumUS)
	pc.Core.SetTask(p.PCB.Task)
}
