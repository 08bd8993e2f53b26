// Package perch assembles the kernel core: it builds a machine,
// boots the kernel subsystems on it in dependency order and drives
// the per-core run loops.
package perch

import (
	"fmt"
	"io"
	"log/slog"
	"runtime"

	"github.com/perchos/perch/internal/acpi"
	"github.com/perchos/perch/internal/bootvars"
	"github.com/perchos/perch/internal/clkdev"
	"github.com/perchos/perch/internal/console"
	"github.com/perchos/perch/internal/dms"
	"github.com/perchos/perch/internal/fs/devfs"
	"github.com/perchos/perch/internal/fs/omarfs"
	"github.com/perchos/perch/internal/fs/tmpfs"
	"github.com/perchos/perch/internal/hw"
	"github.com/perchos/perch/internal/iotap"
	"github.com/perchos/perch/internal/kalloc"
	"github.com/perchos/perch/internal/loader"
	"github.com/perchos/perch/internal/mac"
	"github.com/perchos/perch/internal/mmu"
	"github.com/perchos/perch/internal/physmem"
	"github.com/perchos/perch/internal/proc"
	"github.com/perchos/perch/internal/sys"
	"github.com/perchos/perch/internal/trap"
	"github.com/perchos/perch/internal/vfs"
)

// Version is the kernel version string printed at boot.
const Version = "0.3.1"

// Config sizes and populates a machine before boot.
type Config struct {
	MemSize  uint64
	Cores    int
	FB       *hw.FBInfo
	Serial   io.Writer
	Initrd   []byte // OMAR image installed as the initrd module
	InitPath string // executable the kernel hands control to
}

// Machine is one modeled computer plus the kernel state booted on
// it.
type Machine struct {
	Board   *hw.Board
	Console *console.Console

	Bootvars *bootvars.Reader
	ACPI     *acpi.Subsystem
	Frames   *physmem.Allocator
	Heap     *kalloc.Heap
	MMU      *mmu.MMU
	Procs    *proc.Subsys
	Trap     *trap.Subsys
	VFS      *vfs.VFS
	Devfs    *devfs.FS
	Taps     *iotap.Registry
	MAC      *mac.Table
	DMS      *dms.Subsys
	Clks     *clkdev.Registry
	Loader   *loader.Loader

	BSP *proc.Pcore

	initPath  string
	rebooting bool
}

// NewMachine builds the machine: memory, cores, firmware tables and
// the boot modules. Nothing kernel-side runs yet.
func NewMachine(cfg Config) (*Machine, error) {
	board, err := hw.NewBoard(hw.Config{
		MemSize:  cfg.MemSize,
		NumCores: cfg.Cores,
		FB:       cfg.FB,
	})
	if err != nil {
		return nil, err
	}

	if err := acpi.Install(board, acpi.InstallConfig{}); err != nil {
		return nil, err
	}

	if cfg.Initrd != nil {
		board.AddModule(omarfs.InitrdPath, cfg.Initrd)
	}

	m := &Machine{
		Board:    board,
		Console:  console.New(cfg.Serial),
		initPath: cfg.InitPath,
	}
	if m.initPath == "" {
		m.initPath = "/bin/init"
	}
	return m, nil
}

// Panic is the kernel panic path: print through the serial console,
// halt every core via the inter-processor halt vector, and unwind.
func (m *Machine) Panic(format string, args ...any) {
	msg := fmt.Sprintf("panic: "+format+"\n", args...)
	m.Console.Serial([]byte(msg))
	for _, c := range m.Board.Cores {
		c.PostHalt()
	}
	panic(msg)
}

func (m *Machine) bootPrint() {
	m.Console.PutStr([]byte("perch " + Version + "\n"))
	m.Console.PutStr([]byte("booting...\n"))
}

// Boot runs the kernel initialization sequence in dependency order.
// It spawns no user process; Start loads the first one. It returns
// once the machine is ready to run; call Run (or RunCore from tests)
// to execute.
func (m *Machine) Boot() error {
	m.Console.SyslogToggle(true)
	m.bootPrint()

	m.Bootvars = bootvars.NewReader(m.Board)

	sub, err := acpi.EarlyInit(m.Bootvars)
	if err != nil {
		m.Panic("%v", err)
	}
	m.ACPI = sub

	m.Frames = physmem.New(m.Board.Mem, m.Bootvars.Read().MemMap)

	m.Heap = kalloc.New(m.Board.Mem, m.Frames)
	if m.Heap == nil {
		m.Panic("kalloc: could not create pool")
	}

	mm, err := mmu.New(m.Board.Mem, m.Frames, m.Board.PagingLevels)
	if err != nil {
		m.Panic("%v", err)
	}
	m.MMU = mm

	m.Procs = proc.NewSubsys(m.Board.Mem, m.MMU, m.Frames, m.Heap)
	m.BSP = m.Procs.BSPStartup(m.Board)
	for i := uint32(0); i < m.Procs.NCores(); i++ {
		m.Procs.SchedInit(m.Procs.CPUGet(i))
	}

	m.Trap = trap.New(m.Procs, m.Board.Router, m.Panic)

	m.VFS = vfs.New()
	m.Procs.VFS = m.VFS
	m.Devfs = &devfs.FS{}
	for _, fip := range []*vfs.FSInfo{
		omarfs.NewInfo(m.Bootvars),
		tmpfs.NewInfo(),
		devfs.NewInfo(m.Devfs),
	} {
		if err := m.VFS.RegisterFS(fip); err != nil {
			return err
		}
	}
	if err := m.VFS.Kmount(&vfs.MountArgs{Target: "/", FSType: omarfs.Name}); err != nil {
		m.Panic("could not mount initrd: %v", err)
	}
	if err := m.VFS.Kmount(&vfs.MountArgs{Target: "/dev", FSType: devfs.Name}); err != nil {
		return err
	}

	if err := m.Devfs.Register("console", m.Console); err != nil {
		return err
	}
	consVP, err := m.Devfs.Vnode("console")
	if err != nil {
		return err
	}
	m.Procs.Console = consVP

	m.Taps = iotap.NewRegistry()

	m.MAC = mac.NewTable()
	m.MAC.Install(mac.BorderFBDev, mac.NewFBDevBorder(m.Bootvars, m.Procs))

	m.DMS = dms.NewSubsys()
	if _, err := m.DMS.NewMemDisk("ram0", 1<<20, 512); err != nil {
		return err
	}

	m.Clks = clkdev.NewRegistry()
	core := m.Board.BootCore()
	m.Clks.Register(&clkdev.Clkdev{
		Name:        "coreclk",
		Attr:        clkdev.AttrGetUsec | clkdev.AttrMsleep | clkdev.AttrUsleep,
		GetTimeUsec: core.Now,
		Msleep:      func(ms uint32) {},
		Usleep:      func(us uint32) {},
	})

	m.Loader = loader.New(m.Procs, m.VFS)
	sys.Install(&sys.Deps{
		Procs:  m.Procs,
		Loader: m.Loader,
		MAC:    m.MAC,
		Taps:   m.Taps,
		DMS:    m.DMS,
		Reboot: m.reboot,
	})

	slog.Info("perch: kernel is [up]", "cores", m.Procs.NCores())
	return nil
}

// Start loads the first user process and hands the screen to it.
func (m *Machine) Start() error {
	p, err := m.Loader.Spawn(nil, m.initPath, nil)
	if err != nil {
		m.Panic("could not load init: %v", err)
	}
	slog.Info("perch: handing off to user space", "path", m.initPath, "pid", p.PID)
	m.Console.SyslogToggle(false)
	return nil
}

// reboot backs the reboot syscall: halt every core. The embedding
// program decides whether to rebuild the machine.
func (m *Machine) reboot(method int) {
	m.rebooting = true
	for _, c := range m.Board.Cores {
		c.PostHalt()
	}
}

// Rebooting reports whether the guest asked for a reboot.
func (m *Machine) Rebooting() bool { return m.rebooting }

// RunCore drives one core's trap loop: enter user execution, dispatch
// the resulting trap, repeat. It returns when the core halts, when
// no process is left to run, or after maxExits dispatches (0 means
// unbounded).
func (m *Machine) RunCore(pc *proc.Pcore, maxExits int) {
	var tf hw.TrapFrame
	var last *proc.Proc

	for i := 0; maxExits == 0 || i < maxExits; i++ {
		if pc.Core.Halted() {
			return
		}
		if pc.CurProc == nil && pc.SCQ.NProc() == 0 && m.Procs.Live() == 0 {
			return
		}
		if pc.CurProc != last {
			last = pc.CurProc
			if last != nil {
				tf = last.PCB.TF
			}
		}

		exit := pc.Core.Enter(&tf)
		m.Trap.Dispatch(pc, &tf, exit)

		if exit.Kind == hw.ExitHalt {
			return
		}
		if pc.CurProc == nil {
			// Idling: let the other cores' goroutines make
			// progress before the next queue poll.
			runtime.Gosched()
		}
	}
}

// Run executes every core until the machine halts or all processes
// exit. Secondary cores run on their own goroutines, the bootstrap
// core on the caller's.
func (m *Machine) Run() {
	for i := uint32(1); i < m.Procs.NCores(); i++ {
		pc := m.Procs.CPUGet(i)
		go m.RunCore(pc, 0)
	}
	m.RunCore(m.BSP, 0)
}
