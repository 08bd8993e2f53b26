package loader

import (
	"log/slog"

	"github.com/perchos/perch/internal/hw"
	"github.com/perchos/perch/internal/kalloc"
	"github.com/perchos/perch/internal/kerr"
	"github.com/perchos/perch/internal/mmu"
	"github.com/perchos/perch/internal/param"
	"github.com/perchos/perch/internal/proc"
	"github.com/perchos/perch/internal/vfs"
)

// argvBase is where the argument block lands in a new address space,
// six pages below the lowest page of the user stack.
const argvBase = 0xBFFF8000

// Loader spawns processes from executables in the VFS.
type Loader struct {
	Procs *proc.Subsys
	VFS   *vfs.VFS

	// Programs binds executable paths to the machine-dependent
	// program bodies that stand in for their instruction streams.
	// Unbound paths get a body that exits immediately.
	Programs map[string]hw.Program
}

// New wires a loader.
func New(p *proc.Subsys, v *vfs.VFS) *Loader {
	return &Loader{Procs: p, VFS: v, Programs: make(map[string]hw.Program)}
}

// Bind attaches a program body to an executable path.
func (l *Loader) Bind(path string, prog hw.Program) {
	l.Programs[path] = prog
}

// readFile pulls a whole executable out of the VFS.
func (l *Loader) readFile(path string) ([]byte, error) {
	vp, err := l.VFS.Namei(&vfs.Nameidata{Path: path})
	if err != nil {
		return nil, err
	}
	defer vp.Rel()

	attr, err := vfs.VopGetattr(vp)
	if err != nil {
		return nil, err
	}
	if attr.Size == 0 {
		return nil, kerr.ENOEXEC
	}
	buf := make([]byte, attr.Size)
	n, err := vfs.VopRead(vp, buf, 0)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

// setupArgv copies the argument vector into user-readable memory in
// the new address space and stores the pointer/count in the process's
// environment block. The kernel-side staging goes through a box so
// teardown is one call.
func (l *Loader) setupArgv(p *proc.Proc, argv []string) error {
	spec, err := l.Procs.MapUser(p, mmu.Spec{VA: argvBase}, param.PageSize,
		mmu.ProtRead|mmu.ProtWrite|mmu.ProtUser)
	if err != nil {
		return err
	}

	box := kalloc.NewBox(l.Procs.Heap)
	staging := box.Alloc(param.PageSize)
	if staging == 0 {
		box.Terminate()
		return kerr.ENOMEM
	}
	blk := l.Procs.Heap.Bytes(staging)

	// Pointer array first, then the strings, then the NUL sentinel
	// slot closing the array.
	ptrOff := uint64(0)
	strOff := uint64((len(argv) + 1) * 8)
	for _, arg := range argv {
		if strOff+uint64(len(arg))+1 > param.PageSize {
			box.Terminate()
			return kerr.ENOMEM
		}
		va := spec.VA + strOff
		putLE64(blk[ptrOff:], va)
		copy(blk[strOff:], arg)
		blk[strOff+uint64(len(arg))] = 0
		ptrOff += 8
		strOff += uint64(len(arg)) + 1
	}
	putLE64(blk[ptrOff:], 0)

	if _, err := l.Procs.Mem.WriteAt(blk, int64(spec.PA)); err != nil {
		box.Terminate()
		return err
	}

	p.Env = &proc.EnvBlk{ArgvPtr: spec.VA, Argc: uint16(len(argv))}
	p.EnvBox = box
	return nil
}

func putLE64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

// Spawn creates a process from an executable: init, load, standard
// descriptors, argument block, then hand it to the core the arbiter
// picks.
func (l *Loader) Spawn(parent *proc.Proc, path string, argv []string) (*proc.Proc, error) {
	img, err := l.readFile(path)
	if err != nil {
		slog.Warn("spawn: could not open executable", "path", path, "err", err)
		return nil, err
	}

	p := &proc.Proc{}
	if err := l.Procs.ProcInit(p); err != nil {
		return nil, err
	}
	p.Parent = parent
	if parent != nil {
		p.Level = parent.Level
		p.Dom.Platch = parent.Dom.Platch
	}

	entry, err := l.load(p, img)
	if err != nil {
		l.Procs.Kill(nil, p, -1)
		return nil, err
	}
	l.Procs.SetIP(p, entry)

	if err := l.Procs.FdtabInit(p); err != nil {
		l.Procs.Kill(nil, p, -1)
		return nil, err
	}

	// A nil argv means the caller passed no environment block; the
	// process runs without one.
	if argv != nil {
		if err := l.setupArgv(p, argv); err != nil {
			l.Procs.Kill(nil, p, -1)
			return nil, err
		}
	}

	prog := l.Programs[path]
	if prog == nil {
		prog = func(cpu *hw.UserCPU) {}
	}
	p.PCB.Task = hw.NewTask(prog)

	l.Procs.Enqueue(p)
	return p, nil
}
