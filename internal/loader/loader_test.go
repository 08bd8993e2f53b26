package loader

import (
	"testing"

	"github.com/perchos/perch/internal/bootvars"
	"github.com/perchos/perch/internal/fs/omarfs"
	"github.com/perchos/perch/internal/hw"
	"github.com/perchos/perch/internal/kalloc"
	"github.com/perchos/perch/internal/mmu"
	"github.com/perchos/perch/internal/omar"
	"github.com/perchos/perch/internal/param"
	"github.com/perchos/perch/internal/physmem"
	"github.com/perchos/perch/internal/proc"
	"github.com/perchos/perch/internal/vfs"
)

// threeSegImage mirrors the canonical spawn flow: text, rodata and
// data segments.
func threeSegImage() []byte {
	return MakeImage(0x400000, []BuildSegment{
		{VAddr: 0x400000, Flags: SegRX, Data: make([]byte, 4096)},
		{VAddr: 0x401000, Flags: SegR, Data: make([]byte, 512)},
		{VAddr: 0x402000, Flags: SegRW, Data: make([]byte, 1024)},
	})
}

func newTestLoader(t *testing.T) (*Loader, *proc.Subsys) {
	t.Helper()
	board, err := hw.NewBoard(hw.Config{MemSize: 64 << 20})
	if err != nil {
		t.Fatal(err)
	}

	w := omar.NewWriter()
	if err := w.AddDir("bin", 0o755); err != nil {
		t.Fatal(err)
	}
	if err := w.AddFile("bin/init", 0o755, threeSegImage()); err != nil {
		t.Fatal(err)
	}
	board.AddModule(omarfs.InitrdPath, w.Finish())

	frames := physmem.New(board.Mem, board.MemMap)
	heap := kalloc.New(board.Mem, frames)
	m, err := mmu.New(board.Mem, frames, 4)
	if err != nil {
		t.Fatal(err)
	}
	procs := proc.NewSubsys(board.Mem, m, frames, heap)
	procs.BSPStartup(board)
	procs.SchedInit(procs.CPUGet(0))

	v := vfs.New()
	procs.VFS = v
	bv := bootvars.NewReader(board)
	if err := v.RegisterFS(omarfs.NewInfo(bv)); err != nil {
		t.Fatal(err)
	}
	if err := v.Kmount(&vfs.MountArgs{Target: "/", FSType: omarfs.Name}); err != nil {
		t.Fatal(err)
	}
	return New(procs, v), procs
}

func TestParseRoundTrip(t *testing.T) {
	entry, segs, err := Parse(threeSegImage())
	if err != nil {
		t.Fatal(err)
	}
	if entry != 0x400000 {
		t.Fatalf("entry %#x", entry)
	}
	if len(segs) != 3 {
		t.Fatalf("segments %d", len(segs))
	}
	if segs[1].VAddr != 0x401000 || segs[1].FileSz != 512 {
		t.Fatalf("rodata segment %+v", segs[1])
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	if _, _, err := Parse([]byte("not an executable")); err == nil {
		t.Fatal("garbage accepted")
	}
	img := threeSegImage()
	img[18] = 0x03 // wrong machine
	if _, _, err := Parse(img); err == nil {
		t.Fatal("wrong machine accepted")
	}
}

func TestSpawnRanges(t *testing.T) {
	l, procs := newTestLoader(t)

	p, err := l.Spawn(nil, "/bin/init", nil)
	if err != nil {
		t.Fatal(err)
	}

	// Three segments plus the user stack.
	ranges := p.Ranges()
	if len(ranges) != 4 {
		t.Fatalf("range count: got %d want 4: %+v", len(ranges), ranges)
	}

	wantVAs := map[uint64]bool{
		0x400000:                        false,
		0x401000:                        false,
		0x402000:                        false,
		param.StackTop - param.StackLen: false,
	}
	for _, r := range ranges {
		if _, ok := wantVAs[r.VABase]; !ok {
			t.Fatalf("unexpected range at 0x%x", r.VABase)
		}
		wantVAs[r.VABase] = true
	}
	for va, seen := range wantVAs {
		if !seen {
			t.Fatalf("missing range at 0x%x", va)
		}
	}

	if p.PCB.TF.RIP != 0x400000 {
		t.Fatalf("entry point %#x", p.PCB.TF.RIP)
	}

	// Standard descriptors installed.
	for fd := 0; fd < 3; fd++ {
		if proc.FdGet(p, fd) == nil {
			t.Fatalf("fd %d missing", fd)
		}
	}

	// The new process landed on a runqueue.
	pc := procs.CPUGet(0)
	got, err := pc.SCQ.Deq()
	if err != nil || got != p {
		t.Fatal("spawned process not enqueued")
	}
}

func TestSpawnProtections(t *testing.T) {
	l, procs := newTestLoader(t)

	p, err := l.Spawn(nil, "/bin/init", nil)
	if err != nil {
		t.Fatal(err)
	}
	root := p.PCB.VAS.Root

	// Text is executable but not writable.
	if _, err := procs.Mem.Translate(root, 0x400000, hw.Access{User: true, Exec: true}); err != nil {
		t.Fatalf("text fetch denied: %v", err)
	}
	if _, err := procs.Mem.Translate(root, 0x400000, hw.Access{User: true, Write: true}); err == nil {
		t.Fatal("text writable")
	}

	// Data is writable but not executable.
	if _, err := procs.Mem.Translate(root, 0x402000, hw.Access{User: true, Write: true}); err != nil {
		t.Fatalf("data write denied: %v", err)
	}
	if _, err := procs.Mem.Translate(root, 0x402000, hw.Access{User: true, Exec: true}); err == nil {
		t.Fatal("data executable")
	}
}

func TestSpawnWithArgv(t *testing.T) {
	l, procs := newTestLoader(t)

	p, err := l.Spawn(nil, "/bin/init", []string{"init", "verbose"})
	if err != nil {
		t.Fatal(err)
	}
	if p.Env == nil {
		t.Fatal("no environment block")
	}
	if p.Env.Argc != 2 {
		t.Fatalf("argc %d", p.Env.Argc)
	}

	// The strings are reachable through the recorded mapping.
	var ptr [8]byte
	if err := procs.Copyin(p, p.Env.ArgvPtr+8, ptr[:]); err != nil {
		t.Fatal(err)
	}
	va := uint64(0)
	for i := 7; i >= 0; i-- {
		va = va<<8 | uint64(ptr[i])
	}
	arg, err := procs.Copyinstr(p, va, 64)
	if err != nil {
		t.Fatal(err)
	}
	if arg != "verbose" {
		t.Fatalf("argv[1] = %q", arg)
	}
}

func TestSpawnMissingExecutable(t *testing.T) {
	l, _ := newTestLoader(t)
	if _, err := l.Spawn(nil, "/bin/ghost", nil); err == nil {
		t.Fatal("spawn of missing path succeeded")
	}
}
