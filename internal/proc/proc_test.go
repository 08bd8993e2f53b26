package proc

import (
	"testing"

	"github.com/perchos/perch/internal/hw"
	"github.com/perchos/perch/internal/kalloc"
	"github.com/perchos/perch/internal/kerr"
	"github.com/perchos/perch/internal/mmu"
	"github.com/perchos/perch/internal/param"
	"github.com/perchos/perch/internal/physmem"
	"github.com/perchos/perch/internal/vfs"
)

func newTestKernel(t *testing.T, cores int) (*Subsys, *hw.Board) {
	t.Helper()
	board, err := hw.NewBoard(hw.Config{MemSize: 64 << 20, NumCores: cores})
	if err != nil {
		t.Fatal(err)
	}
	frames := physmem.New(board.Mem, board.MemMap)
	heap := kalloc.New(board.Mem, frames)
	if heap == nil {
		t.Fatal("heap creation failed")
	}
	m, err := mmu.New(board.Mem, frames, board.PagingLevels)
	if err != nil {
		t.Fatal(err)
	}
	s := NewSubsys(board.Mem, m, frames, heap)
	s.BSPStartup(board)
	for i := uint32(0); i < s.NCores(); i++ {
		s.SchedInit(s.CPUGet(i))
	}
	return s, board
}

func TestProcInit(t *testing.T) {
	s, _ := newTestKernel(t, 1)

	var a, b Proc
	if err := s.ProcInit(&a); err != nil {
		t.Fatal(err)
	}
	if err := s.ProcInit(&b); err != nil {
		t.Fatal(err)
	}
	if b.PID <= a.PID {
		t.Fatalf("pids not monotonic: %d then %d", a.PID, b.PID)
	}

	ranges := a.Ranges()
	if len(ranges) != 1 {
		t.Fatalf("fresh process has %d ranges, want 1 (stack)", len(ranges))
	}
	if ranges[0].VABase != param.StackTop-param.StackLen {
		t.Fatalf("stack at 0x%x", ranges[0].VABase)
	}

	tf := &a.PCB.TF
	if tf.CS != hw.UserCS || tf.SS != hw.UserDS {
		t.Fatalf("selectors cs=%#x ss=%#x", tf.CS, tf.SS)
	}
	if tf.Rflags != hw.RFlagsDefault {
		t.Fatalf("rflags %#x", tf.Rflags)
	}
	if tf.RSP != param.StackTop {
		t.Fatalf("rsp %#x", tf.RSP)
	}
}

func TestCheckAddr(t *testing.T) {
	s, _ := newTestKernel(t, 1)
	var p Proc
	s.ProcInit(&p)

	stack := param.StackTop - param.StackLen
	if err := p.CheckAddr(stack, 16); err != nil {
		t.Fatalf("stack address rejected: %v", err)
	}
	if err := p.CheckAddr(stack, param.StackLen); err != nil {
		t.Fatalf("whole stack rejected: %v", err)
	}
	if err := p.CheckAddr(stack, param.StackLen+1); err == nil {
		t.Fatal("range past stack accepted")
	}
	if err := p.CheckAddr(0xDEADBEEF, 4); err == nil {
		t.Fatal("unmapped address accepted")
	}
	if err := p.CheckAddr(param.KernelSplit, 8); err == nil {
		t.Fatal("kernel-half address accepted")
	}
}

func TestCopyRoundTrip(t *testing.T) {
	s, _ := newTestKernel(t, 1)
	var p Proc
	s.ProcInit(&p)

	stack := param.StackTop - param.StackLen
	msg := []byte("hello")
	if err := s.Copyout(&p, msg, stack); err != nil {
		t.Fatal(err)
	}

	out := make([]byte, len(msg))
	if err := s.Copyin(&p, stack, out); err != nil {
		t.Fatal(err)
	}
	if string(out) != "hello" {
		t.Fatalf("read back %q", out)
	}

	str, err := s.Copyinstr(&p, stack, 64)
	if err != nil {
		t.Fatal(err)
	}
	if str != "hello" {
		t.Fatalf("copyinstr %q", str)
	}
}

func TestCopyinBadAddress(t *testing.T) {
	s, _ := newTestKernel(t, 1)
	var p Proc
	s.ProcInit(&p)

	if err := s.Copyin(&p, 0x1000, make([]byte, 8)); err == nil {
		t.Fatal("copyin from unmapped address succeeded")
	}
}

func TestSchedQueueFIFO(t *testing.T) {
	var q SchedQueue
	q.init()

	var a, b Proc
	a.PID, b.PID = 1, 2
	q.Enq(&a)
	q.Enq(&b)
	if q.NProc() != 2 {
		t.Fatalf("nproc %d", q.NProc())
	}

	first, err := q.Deq()
	if err != nil {
		t.Fatal(err)
	}
	if first.PID != 1 {
		t.Fatalf("fifo violated: got pid %d", first.PID)
	}
}

func TestEnqDeqNoopOnNproc(t *testing.T) {
	var q SchedQueue
	q.init()
	var p Proc

	before := q.NProc()
	q.Enq(&p)
	if _, err := q.Deq(); err != nil {
		t.Fatal(err)
	}
	if q.NProc() != before {
		t.Fatalf("nproc drifted: %d -> %d", before, q.NProc())
	}
}

func TestDeqEmpty(t *testing.T) {
	var q SchedQueue
	q.init()
	if _, err := q.Deq(); err != kerr.EAGAIN {
		t.Fatalf("got %v want EAGAIN", err)
	}
}

func TestBringUpCountsCores(t *testing.T) {
	s, _ := newTestKernel(t, 4)
	if s.NCores() != 4 {
		t.Fatalf("cores up: %d", s.NCores())
	}
	seen := map[uint32]bool{}
	for i := uint32(0); i < 4; i++ {
		pc := s.CPUGet(i)
		if pc == nil {
			t.Fatalf("core %d missing", i)
		}
		if pc.Self != pc {
			t.Fatalf("core %d self pointer broken", i)
		}
		if seen[pc.ID] {
			t.Fatalf("duplicate logical id %d", pc.ID)
		}
		seen[pc.ID] = true
	}
	if s.CPUGet(4) != nil {
		t.Fatal("out-of-range core returned")
	}
}

func TestArbiterRoundRobin(t *testing.T) {
	s, _ := newTestKernel(t, 2)

	a := s.ArbiterPick()
	b := s.ArbiterPick()
	c := s.ArbiterPick()
	if a.ID == b.ID {
		t.Fatalf("arbiter repeated core %d", a.ID)
	}
	// Wrapped: entry 0 again, then 1.
	if c.ID != a.ID {
		t.Fatalf("arbiter did not wrap: %d %d %d", a.ID, b.ID, c.ID)
	}
	d := s.ArbiterPick()
	if d.ID != b.ID {
		t.Fatalf("post-wrap sequence broken: got %d", d.ID)
	}
}

func TestSwitchRotatesRunqueue(t *testing.T) {
	s, _ := newTestKernel(t, 1)
	pc := s.CPUGet(0)

	var a, b Proc
	s.ProcInit(&a)
	s.ProcInit(&b)
	a.PCB.TF.RIP = 0xAAAA
	b.PCB.TF.RIP = 0xBBBB

	pc.CurProc = &a
	pc.SCQ.Enq(&b)

	tf := a.PCB.TF
	s.Switch(pc, &tf)

	if pc.CurProc != &b {
		t.Fatalf("current process not switched")
	}
	if tf.RIP != 0xBBBB {
		t.Fatalf("live frame rip %#x", tf.RIP)
	}
	if a.PCB.TF.RIP != 0xAAAA {
		t.Fatalf("preempted frame clobbered: %#x", a.PCB.TF.RIP)
	}
	if pc.Core.CR3() != b.PCB.VAS.Root {
		t.Fatal("address space not switched")
	}

	// The preempted process is queued for the next tick.
	next, err := pc.SCQ.Deq()
	if err != nil || next != &a {
		t.Fatalf("runqueue rotation broken: %v %v", next, err)
	}
}

func TestSwitchAloneKeepsRunning(t *testing.T) {
	s, _ := newTestKernel(t, 1)
	pc := s.CPUGet(0)

	var a Proc
	s.ProcInit(&a)
	a.PCB.TF.RIP = 0xAAAA
	pc.CurProc = &a

	tf := a.PCB.TF
	s.Switch(pc, &tf)
	if pc.CurProc != &a || tf.RIP != 0xAAAA {
		t.Fatal("sole process should continue")
	}
}

func TestKillReleasesRanges(t *testing.T) {
	s, _ := newTestKernel(t, 1)

	before := s.Frames.(*physmem.Allocator).Stat()

	var p Proc
	s.ProcInit(&p)
	if _, err := s.MapUser(&p, mmu.Spec{VA: 0x400000}, 4*param.PageSize,
		mmu.ProtRead|mmu.ProtWrite|mmu.ProtUser); err != nil {
		t.Fatal(err)
	}

	if err := s.Kill(nil, &p, 0); err != nil {
		t.Fatal(err)
	}
	after := s.Frames.(*physmem.Allocator).Stat()

	if after.Free != before.Free {
		t.Fatalf("teardown leaked frames: %d -> %d", before.Free, after.Free)
	}
	if s.Lookup(p.PID) != nil {
		t.Fatal("killed process still visible")
	}
}

func TestKillWakesWaiters(t *testing.T) {
	s, _ := newTestKernel(t, 1)

	var parent, child Proc
	s.ProcInit(&parent)
	s.ProcInit(&child)
	child.Parent = &parent

	s.Sleep(&parent)
	child.AddWaiter(&parent)

	if err := s.Kill(nil, &child, 0); err != nil {
		t.Fatal(err)
	}

	if parent.Flags&ProcSleeping != 0 {
		t.Fatal("waiter still sleeping")
	}
	if parent.PCB.TF.RAX != uint64(child.PID) {
		t.Fatalf("waiter return register %#x", parent.PCB.TF.RAX)
	}
	// The waiter landed back on a runqueue.
	pc := s.CPUGet(0)
	got, err := pc.SCQ.Deq()
	if err != nil || got != &parent {
		t.Fatal("waiter not requeued")
	}
}

func TestKillClearsParentPointers(t *testing.T) {
	s, _ := newTestKernel(t, 1)

	var parent, child Proc
	s.ProcInit(&parent)
	s.ProcInit(&child)
	child.Parent = &parent

	if err := s.Kill(nil, &parent, 0); err != nil {
		t.Fatal(err)
	}
	if child.Parent != nil {
		t.Fatal("dangling parent pointer survived exit")
	}
}

func TestFdTable(t *testing.T) {
	s, _ := newTestKernel(t, 1)
	var p Proc
	s.ProcInit(&p)

	fd, err := FdAlloc(&p)
	if err != nil {
		t.Fatal(err)
	}
	if fd.FDNo != 0 {
		t.Fatalf("first fd %d", fd.FDNo)
	}

	vp := vfs.VAlloc(vfs.VFile)
	fd.VP = vp
	fd.Mode = vfs.ORdwr

	dup := FdDup(&p, 0)
	if dup == nil {
		t.Fatal("dup failed")
	}
	if dup.VP != vp || dup.Mode != vfs.ORdwr {
		t.Fatal("dup did not share state")
	}
	if vp.Refcount() != 2 {
		t.Fatalf("refcount %d after dup", vp.Refcount())
	}

	// Duplicating a descriptor that was never opened fails cleanly.
	if FdDup(&p, 17) != nil {
		t.Fatal("dup of missing fd succeeded")
	}

	if err := FdClose(&p, dup.FDNo); err != nil {
		t.Fatal(err)
	}
	if vp.Refcount() != 1 {
		t.Fatalf("refcount %d after close", vp.Refcount())
	}
	if err := FdClose(&p, dup.FDNo); err != kerr.EBADF {
		t.Fatalf("double close: %v", err)
	}
}

func TestDomainSlide(t *testing.T) {
	d := &Domain{}
	d.Slots[PlatchUnix] = Window{Present: true, NImpl: 4}
	d.Slots[PlatchNative] = Window{Present: true, NImpl: 4}

	if !d.Slide(PlatchNative) {
		t.Fatal("slide to populated window failed")
	}
	if d.Platch != PlatchNative {
		t.Fatalf("latch %d", d.Platch)
	}
	if d.Slide(3) {
		t.Fatal("slide to absent window succeeded")
	}
	if d.Platch != PlatchNative {
		t.Fatal("failed slide moved the latch")
	}
}
