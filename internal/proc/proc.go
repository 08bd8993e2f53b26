// Package proc owns the process model, the per-core descriptors and
// the scheduler: everything between the trap layer below and the
// syscall tables above.
package proc

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/perchos/perch/internal/hw"
	"github.com/perchos/perch/internal/kalloc"
	"github.com/perchos/perch/internal/kerr"
	"github.com/perchos/perch/internal/mmu"
	"github.com/perchos/perch/internal/param"
	"github.com/perchos/perch/internal/vfs"
)

// Process state flags.
const (
	ProcExiting  = 1 << 0
	ProcSleeping = 1 << 1
)

// MAC levels. A process may access a border iff its own level is at
// least the border's.
type MacLevel int

const (
	MacGlobal MacLevel = iota
	MacRestricted
	MacSecret
)

// Range records one successful user mapping: the authoritative source
// for teardown at exit.
type Range struct {
	PABase uint64
	VABase uint64
	Len    uint64
}

// EnvBlk is the process environment block: the user-space argv
// pointer array plus its count.
type EnvBlk struct {
	ArgvPtr uint64
	Argc    uint16
}

// Sigaction is one entry of a process signal table. Dispatch is a
// design stub in this core; the table is only stored and returned.
type Sigaction struct {
	Handler uint64
	Mask    uint64
	Flags   uint32
}

// PCB is the machine-dependent part of a process: its saved trap
// frame, its address space, and the user task standing in for the
// instruction stream.
type PCB struct {
	TF   hw.TrapFrame
	VAS  mmu.VAS
	Task *hw.UserTask
}

// Proc describes a running program image on the system.
type Proc struct {
	PID   int64
	Flags uint32
	PCB   PCB

	Dom    Domain
	FDTab  [param.FDMax]*vfs.FileDesc
	Env    *EnvBlk
	EnvBox *kalloc.Box

	// Parent is a weak relation: cleared when the parent exits,
	// never dereferenced across exit. Look up by PID instead.
	Parent *Proc

	Level MacLevel

	SigTab [param.SigMax]Sigaction

	maplistMu sync.Mutex
	Maplist   []Range

	// waiters are sleeping processes to wake with this process's
	// exit status.
	waiters []*Proc

	ExitStatus int64
}

// Subsys is the process subsystem for one machine: the PID space, the
// core list and the pieces of the memory system process teardown
// needs.
type Subsys struct {
	Mem    *hw.Memory
	MMU    *mmu.MMU
	Frames frameAllocator
	Heap   *kalloc.Heap
	VFS    *vfs.VFS

	// Console is the vnode the three standard descriptors of every
	// new process reference.
	Console *vfs.Vnode

	nextPID atomic.Int64

	procMu sync.Mutex
	procs  map[int64]*Proc

	// Windows is the immutable window template stamped into every
	// new process at init. Installed once during kernel init.
	Windows [param.ScwinMax]Window

	coresUp  atomic.Uint64
	coreLock sync.Mutex
	cores    [param.CPUMax]*Pcore

	arbiter Arbiter
}

// frameAllocator is what teardown and stack setup need from the frame
// allocator.
type frameAllocator interface {
	Alloc(count uint64) uint64
	Free(base, count uint64)
}

// NewSubsys wires the process subsystem.
func NewSubsys(mem *hw.Memory, m *mmu.MMU, frames frameAllocator, heap *kalloc.Heap) *Subsys {
	s := &Subsys{
		Mem:    mem,
		MMU:    m,
		Frames: frames,
		Heap:   heap,
		procs:  make(map[int64]*Proc),
	}
	return s
}

// ProcInit builds a process into a basic minimal state: a fresh PID,
// a fresh VAS, a mapped user stack and a trap frame aimed at user
// mode. The instruction pointer is set separately by the loader.
func (s *Subsys) ProcInit(p *Proc) error {
	*p = Proc{PID: s.nextPID.Add(1)}
	p.Dom.Slots = s.Windows
	p.Dom.Platch = PlatchUnix

	vas, err := s.MMU.NewVAS()
	if err != nil {
		slog.Error("proc: could not create new vas", "err", err)
		return err
	}
	p.PCB.VAS = vas

	tf := &p.PCB.TF
	tf.Rflags = hw.RFlagsDefault
	tf.CS = hw.UserCS
	tf.SS = hw.UserDS

	// Map the stack; the mapper fills in the backing frames.
	_, err = s.MapUser(p, mmu.Spec{VA: param.StackTop - param.StackLen}, param.StackLen,
		mmu.ProtRead|mmu.ProtWrite|mmu.ProtUser)
	if err != nil {
		s.MMU.FreeVAS(vas)
		return err
	}
	tf.RSP = param.StackTop

	s.procMu.Lock()
	s.procs[p.PID] = p
	s.procMu.Unlock()
	return nil
}

// MapUser maps into p's address space and appends the range record
// the teardown path will free.
func (s *Subsys) MapUser(p *Proc, spec mmu.Spec, length uint64, prot int) (mmu.Spec, error) {
	out, err := s.MMU.Map(p.PCB.VAS, spec, length, prot)
	if err != nil {
		return out, err
	}
	p.AddRange(out.VA, out.PA, param.AlignUp(length, param.PageSize))
	return out, nil
}

// SetIP aims the saved frame at an entry point.
func (s *Subsys) SetIP(p *Proc, ip uint64) {
	p.PCB.TF.RIP = ip
}

// Live returns the number of live processes.
func (s *Subsys) Live() int {
	s.procMu.Lock()
	defer s.procMu.Unlock()
	return len(s.procs)
}

// Lookup finds a live process by PID.
func (s *Subsys) Lookup(pid int64) *Proc {
	s.procMu.Lock()
	defer s.procMu.Unlock()
	return s.procs[pid]
}

// AddRange appends a range record under the process's map lock.
func (p *Proc) AddRange(va, pa, length uint64) {
	p.maplistMu.Lock()
	p.Maplist = append(p.Maplist, Range{PABase: pa, VABase: va, Len: length})
	p.maplistMu.Unlock()
}

// Ranges snapshots the range list.
func (p *Proc) Ranges() []Range {
	p.maplistMu.Lock()
	defer p.maplistMu.Unlock()
	return append([]Range(nil), p.Maplist...)
}

// CheckAddr verifies [va, va+len) lies inside some recorded range of
// the process and inside the user half of the address space.
func (p *Proc) CheckAddr(va, length uint64) error {
	if va+length > param.KernelSplit {
		return kerr.EFAULT
	}
	p.maplistMu.Lock()
	defer p.maplistMu.Unlock()
	for _, r := range p.Maplist {
		if va >= r.VABase && va+length <= r.VABase+r.Len {
			return nil
		}
	}
	return kerr.EFAULT
}

// AddWaiter parks w on p's exit.
func (p *Proc) AddWaiter(w *Proc) {
	p.waiters = append(p.waiters, w)
}

// Kill tears a process down: every recorded range's backing frames
// are released, the environment block's box is terminated, the VAS
// freed and waiters woken. If the victim is current on pc, the core
// goes idle; the caller's run loop must not resume it.
func (s *Subsys) Kill(pc *Pcore, p *Proc, status int64) error {
	if p == nil {
		if pc == nil || pc.CurProc == nil {
			return kerr.EINVAL
		}
		p = pc.CurProc
	}
	p.Flags |= ProcExiting
	p.ExitStatus = status

	for _, r := range p.Ranges() {
		s.Frames.Free(r.PABase, r.Len/param.PageSize)
	}

	if p.Env != nil {
		if p.EnvBox != nil {
			p.EnvBox.Terminate()
		}
		p.Env = nil
	}

	for i, fd := range p.FDTab {
		if fd != nil {
			fd.Close()
			p.FDTab[i] = nil
		}
	}

	s.MMU.FreeVAS(p.PCB.VAS)
	if p.PCB.Task != nil {
		p.PCB.Task.Kill()
	}

	s.procMu.Lock()
	delete(s.procs, p.PID)
	// The parent back-pointer of any child must not dangle.
	for _, other := range s.procs {
		if other.Parent == p {
			other.Parent = nil
		}
	}
	s.procMu.Unlock()

	for _, w := range p.waiters {
		w.PCB.TF.RAX = uint64(p.PID)
		s.Wake(w)
	}
	p.waiters = nil

	if pc != nil && pc.CurProc != nil && pc.CurProc.PID == p.PID {
		pc.CurProc = nil
		pc.Core.SetTask(nil)
	}
	return nil
}

// Sleep flags p as sleeping. A sleeping process is never re-enqueued
// by the preemption path.
func (s *Subsys) Sleep(p *Proc) {
	p.Flags |= ProcSleeping
}

// Wake clears the sleeping flag and enqueues p on the core the
// arbiter picks.
func (s *Subsys) Wake(p *Proc) {
	p.Flags &^= ProcSleeping
	if pc := s.ArbiterPick(); pc != nil {
		pc.SCQ.Enq(p)
	}
}
