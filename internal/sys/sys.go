package sys

import (
	"encoding/binary"
	"log/slog"

	"github.com/perchos/perch/internal/dms"
	"github.com/perchos/perch/internal/iotap"
	"github.com/perchos/perch/internal/kerr"
	"github.com/perchos/perch/internal/loader"
	"github.com/perchos/perch/internal/mac"
	"github.com/perchos/perch/internal/param"
	"github.com/perchos/perch/internal/proc"
	"github.com/perchos/perch/internal/vfs"
)

// Deps is everything the syscall handlers reach into.
type Deps struct {
	Procs  *proc.Subsys
	Loader *loader.Loader
	MAC    *mac.Table
	Taps   *iotap.Registry
	DMS    *dms.Subsys
	Reboot func(method int)
}

// Install builds both windows and stamps the template into the
// process subsystem. Every process created afterwards inherits them.
func Install(d *Deps) {
	unix := d.unixTable()
	native := d.nativeTable()

	d.Procs.Windows[proc.PlatchUnix] = proc.Window{
		Tab:     unix,
		NImpl:   uint64(len(unix)),
		Present: true,
	}
	d.Procs.Windows[proc.PlatchNative] = proc.Window{
		Tab:     native,
		NImpl:   uint64(len(native)),
		Present: true,
	}
}

// unixTable is the UNIX-like window.
func (d *Deps) unixTable() []proc.SyscallFn {
	t := make([]proc.SyscallFn, tableLen)
	t[SysExit] = d.sysExit
	t[SysWrite] = d.sysWrite
	t[SysCross] = d.sysCross
	t[SysSigact] = d.sysSigaction
	t[SysQuery] = d.sysQuery
	t[SysSpawn] = d.sysSpawn
	t[SysMount] = d.sysMount
	t[SysOpen] = d.sysOpen
	t[SysMuxtap] = d.sysMuxtap
	t[SysGetargv] = d.sysGetargv
	t[SysReboot] = d.sysReboot
	t[SysWaitpid] = d.sysWaitpid
	t[SysDmsio] = d.sysDmsio
	t[SysRead] = d.sysRead
	t[SysClose] = d.sysClose
	t[SysLseek] = d.sysLseek
	t[SysSlide] = d.sysSlide
	return t
}

// nativeTable is the native window: the mandatory calls sit at the
// same indices as in every other window.
func (d *Deps) nativeTable() []proc.SyscallFn {
	t := make([]proc.SyscallFn, tableLen)
	t[SysExit] = d.sysExit
	t[SysWrite] = d.sysWrite
	t[SysCross] = d.sysCross
	t[SysQuery] = d.sysQuery
	t[SysMuxtap] = d.sysMuxtap
	t[SysSlide] = d.sysSlide
	return t
}

func self(pc *proc.Pcore) *proc.Proc {
	if pc == nil {
		return nil
	}
	return pc.CurProc
}

// ARG0: status
func (d *Deps) sysExit(pc *proc.Pcore, a *proc.Args) int64 {
	d.Procs.Kill(pc, nil, int64(a.Arg[0]))
	return proc.RetPark
}

// ARG0: fd, ARG1: buf, ARG2: count
func (d *Deps) sysWrite(pc *proc.Pcore, a *proc.Args) int64 {
	p := self(pc)
	if p == nil {
		return int64(kerr.ESRCH)
	}
	count := a.Arg[2]
	if count == 0 {
		return 0
	}
	if count > param.WriteBounce {
		count = param.WriteBounce
	}
	kbuf := make([]byte, count)
	if err := d.Procs.Copyin(p, a.Arg[1], kbuf); err != nil {
		slog.Warn("sys_write: bad user pointer")
		return int64(kerr.EFAULT)
	}
	n, err := d.Procs.FdWrite(p, int(a.Arg[0]), kbuf)
	return kerr.Ret(n, err)
}

// ARG0: border id, ARG1: length, ARG2: offset, ARG3: flags, ARG4: result
func (d *Deps) sysCross(pc *proc.Pcore, a *proc.Args) int64 {
	p := self(pc)
	if p == nil {
		return int64(kerr.ESRCH)
	}
	resAddr := a.Arg[4]
	if err := p.CheckAddr(resAddr, 8); err != nil {
		return int64(kerr.From(err))
	}

	b := d.MAC.GetBorder(mac.BorderID(a.Arg[0]))
	if b == nil {
		return int64(kerr.EIO)
	}

	n, mapped, err := mac.Map(b, pc, int64(a.Arg[2]), a.Arg[1], int(a.Arg[3]))
	if err != nil {
		return int64(kerr.From(err))
	}

	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], mapped)
	if err := d.Procs.Copyout(p, buf[:], resAddr); err != nil {
		return int64(kerr.From(err))
	}
	return n
}

// sigaction user layout: handler u64, mask u64, flags u32.
const sigactionSize = 20

// ARG0: signal, ARG1: act, ARG2: oact
func (d *Deps) sysSigaction(pc *proc.Pcore, a *proc.Args) int64 {
	p := self(pc)
	if p == nil {
		return int64(kerr.ESRCH)
	}
	sig := int64(a.Arg[0])
	if sig < 0 || sig >= param.SigMax {
		return int64(kerr.EINVAL)
	}

	if oact := a.Arg[2]; oact != 0 {
		var buf [sigactionSize]byte
		old := p.SigTab[sig]
		binary.LittleEndian.PutUint64(buf[0:8], old.Handler)
		binary.LittleEndian.PutUint64(buf[8:16], old.Mask)
		binary.LittleEndian.PutUint32(buf[16:20], old.Flags)
		if err := d.Procs.Copyout(p, buf[:], oact); err != nil {
			return int64(kerr.From(err))
		}
	}

	if act := a.Arg[1]; act != 0 {
		var buf [sigactionSize]byte
		if err := d.Procs.Copyin(p, act, buf[:]); err != nil {
			return int64(kerr.From(err))
		}
		p.SigTab[sig] = proc.Sigaction{
			Handler: binary.LittleEndian.Uint64(buf[0:8]),
			Mask:    binary.LittleEndian.Uint64(buf[8:16]),
			Flags:   binary.LittleEndian.Uint32(buf[16:20]),
		}
	}
	return 0
}

// ARG0: border id, ARG1: data, ARG2: data length, ARG3: flags
func (d *Deps) sysQuery(pc *proc.Pcore, a *proc.Args) int64 {
	p := self(pc)
	if p == nil {
		return int64(kerr.ESRCH)
	}
	b := d.MAC.GetBorder(mac.BorderID(a.Arg[0]))
	if b == nil {
		return int64(kerr.EIO)
	}
	if err := mac.CheckLevel(p, b.Level); err != nil {
		return int64(kerr.From(err))
	}
	dataLen := a.Arg[2]
	if dataLen == 0 || dataLen > param.IOTapMsgMax {
		return int64(kerr.EINVAL)
	}
	if err := p.CheckAddr(a.Arg[1], dataLen); err != nil {
		return int64(kerr.From(err))
	}
	if b.Ops == nil {
		return int64(kerr.EIO)
	}

	kbuf := make([]byte, dataLen)
	n, err := b.Ops.Getattr(b, kbuf)
	if err != nil {
		return int64(kerr.From(err))
	}
	if err := d.Procs.Copyout(p, kbuf[:n], a.Arg[1]); err != nil {
		return int64(kerr.From(err))
	}
	return int64(n)
}

// env block user layout: argv pointer u64, argc u16.
const envblkSize = 10

// ARG0: path, ARG1: environment block (may be zero)
func (d *Deps) sysSpawn(pc *proc.Pcore, a *proc.Args) int64 {
	p := self(pc)
	if p == nil {
		return int64(kerr.ESRCH)
	}
	path, err := d.Procs.Copyinstr(p, a.Arg[0], param.PathMax)
	if err != nil {
		return int64(kerr.From(err))
	}

	var argv []string
	if a.Arg[1] != 0 {
		var blk [envblkSize]byte
		if err := d.Procs.Copyin(p, a.Arg[1], blk[:]); err != nil {
			return int64(kerr.From(err))
		}
		argvPtr := binary.LittleEndian.Uint64(blk[0:8])
		argc := binary.LittleEndian.Uint16(blk[8:10])
		for i := uint16(0); i < argc; i++ {
			var pbuf [8]byte
			if err := d.Procs.Copyin(p, argvPtr+uint64(i)*8, pbuf[:]); err != nil {
				return int64(kerr.From(err))
			}
			arg, err := d.Procs.Copyinstr(p, binary.LittleEndian.Uint64(pbuf[:]), param.NameMax)
			if err != nil {
				return int64(kerr.From(err))
			}
			argv = append(argv, arg)
		}
		if argv == nil {
			argv = []string{}
		}
	}

	np, err := d.Loader.Spawn(p, path, argv)
	if err != nil {
		return int64(kerr.From(err))
	}
	return np.PID
}

// ARG0: source, ARG1: target, ARG2: fstype, ARG3: flags, ARG4: data
func (d *Deps) sysMount(pc *proc.Pcore, a *proc.Args) int64 {
	p := self(pc)
	if p == nil {
		return int64(kerr.ESRCH)
	}

	// The source is optional; a bad pointer leaves it empty.
	source, err := d.Procs.Copyinstr(p, a.Arg[0], param.NameMax)
	if err != nil {
		source = ""
	}
	target, err := d.Procs.Copyinstr(p, a.Arg[1], param.NameMax)
	if err != nil {
		return int64(kerr.From(err))
	}
	fstype, err := d.Procs.Copyinstr(p, a.Arg[2], param.FSNameMax)
	if err != nil {
		return int64(kerr.From(err))
	}

	err = d.Procs.VFS.Kmount(&vfs.MountArgs{
		Source: source,
		Target: target,
		FSType: fstype,
	})
	return kerr.Ret(0, err)
}

// ARG0: path, ARG1: mode
func (d *Deps) sysOpen(pc *proc.Pcore, a *proc.Args) int64 {
	p := self(pc)
	if p == nil {
		return int64(kerr.ESRCH)
	}
	path, err := d.Procs.Copyinstr(p, a.Arg[0], param.PathMax)
	if err != nil {
		return int64(kerr.From(err))
	}
	fd, err := d.Procs.FdOpen(p, path, uint32(a.Arg[1]))
	return kerr.Ret(fd, err)
}

// tap message user layout (packed): opcode u8, buf u64, len u64.
const iotapMsgSize = 17

// ARG0: name, ARG1: message
func (d *Deps) sysMuxtap(pc *proc.Pcore, a *proc.Args) int64 {
	p := self(pc)
	if p == nil {
		return int64(kerr.ESRCH)
	}
	name, err := d.Procs.Copyinstr(p, a.Arg[0], param.NameMax)
	if err != nil {
		slog.Warn("sys_muxtap: bad address for name")
		return int64(kerr.From(err))
	}

	var mbuf [iotapMsgSize]byte
	if err := d.Procs.Copyin(p, a.Arg[1], mbuf[:]); err != nil {
		slog.Warn("sys_muxtap: bad address for message")
		return int64(kerr.From(err))
	}
	opcode := mbuf[0]
	ubuf := binary.LittleEndian.Uint64(mbuf[1:9])
	length := binary.LittleEndian.Uint64(mbuf[9:17])

	if length == 0 {
		return int64(kerr.EINVAL)
	}
	if length >= param.IOTapMsgMax {
		length = param.IOTapMsgMax
	}

	// Bounce through a kernel heap buffer; the tap never sees user
	// memory.
	pa := d.Procs.Heap.Alloc(length)
	if pa == 0 {
		return int64(kerr.ENOMEM)
	}
	defer d.Procs.Heap.Free(pa)
	kbuf := d.Procs.Heap.Bytes(pa)[:length]

	n, err := d.Taps.Mux(name, &iotap.Msg{Opcode: opcode, Buf: kbuf})
	if err != nil {
		return int64(kerr.From(err))
	}
	if n > 0 {
		if err := d.Procs.Copyout(p, kbuf[:n], ubuf); err != nil {
			return int64(kerr.From(err))
		}
	}
	return n
}

// ARG0: index, ARG1: buffer, ARG2: buffer length
func (d *Deps) sysGetargv(pc *proc.Pcore, a *proc.Args) int64 {
	p := self(pc)
	if p == nil {
		return int64(kerr.ESRCH)
	}
	if p.Env == nil {
		return int64(kerr.ENOENT)
	}
	idx := a.Arg[0]
	if idx >= uint64(p.Env.Argc) {
		return int64(kerr.EINVAL)
	}

	var pbuf [8]byte
	if err := d.Procs.Copyin(p, p.Env.ArgvPtr+idx*8, pbuf[:]); err != nil {
		return int64(kerr.From(err))
	}
	arg, err := d.Procs.Copyinstr(p, binary.LittleEndian.Uint64(pbuf[:]), param.NameMax)
	if err != nil {
		return int64(kerr.From(err))
	}
	if uint64(len(arg)+1) > a.Arg[2] {
		return int64(kerr.ENAMETOOLONG)
	}
	out := append([]byte(arg), 0)
	if err := d.Procs.Copyout(p, out, a.Arg[1]); err != nil {
		return int64(kerr.From(err))
	}
	return int64(len(arg))
}

// ARG0: method
func (d *Deps) sysReboot(pc *proc.Pcore, a *proc.Args) int64 {
	if d.Reboot != nil {
		d.Reboot(int(a.Arg[0]))
	}
	return proc.RetPark
}

// ARG0: pid
func (d *Deps) sysWaitpid(pc *proc.Pcore, a *proc.Args) int64 {
	p := self(pc)
	if p == nil {
		return int64(kerr.ESRCH)
	}
	child := d.Procs.Lookup(int64(a.Arg[0]))
	if child == nil || child.Parent != p {
		return int64(kerr.ESRCH)
	}

	// Park until the child's exit patches our return register and
	// requeues us.
	d.Procs.Sleep(p)
	child.AddWaiter(p)
	p.PCB.TF = *a.TF
	pc.CurProc = nil
	pc.Core.SetTask(nil)
	return proc.RetPark
}

// ARG0: fd, ARG1: buffer, ARG2: count
func (d *Deps) sysRead(pc *proc.Pcore, a *proc.Args) int64 {
	p := self(pc)
	if p == nil {
		return int64(kerr.ESRCH)
	}
	count := a.Arg[2]
	if count == 0 || count > param.IOTapMsgMax {
		return int64(kerr.EINVAL)
	}
	kbuf := make([]byte, count)
	n, err := d.Procs.FdRead(p, int(a.Arg[0]), kbuf)
	if err != nil {
		return int64(kerr.From(err))
	}
	if n > 0 {
		if err := d.Procs.Copyout(p, kbuf[:n], a.Arg[1]); err != nil {
			return int64(kerr.From(err))
		}
	}
	return n
}

// ARG0: fd
func (d *Deps) sysClose(pc *proc.Pcore, a *proc.Args) int64 {
	p := self(pc)
	if p == nil {
		return int64(kerr.ESRCH)
	}
	return kerr.Ret(0, proc.FdClose(p, int(a.Arg[0])))
}

// ARG0: fd, ARG1: offset, ARG2: whence
func (d *Deps) sysLseek(pc *proc.Pcore, a *proc.Args) int64 {
	p := self(pc)
	if p == nil {
		return int64(kerr.ESRCH)
	}
	fd := proc.FdGet(p, int(a.Arg[0]))
	if fd == nil {
		return int64(kerr.EBADF)
	}
	off, err := fd.Seek(int64(a.Arg[1]), int(a.Arg[2]))
	return kerr.Ret(off, err)
}

// ARG0: latch index
func (d *Deps) sysSlide(pc *proc.Pcore, a *proc.Args) int64 {
	p := self(pc)
	if p == nil {
		return int64(kerr.ESRCH)
	}
	if !p.Dom.Slide(int(a.Arg[0])) {
		return int64(kerr.EINVAL)
	}
	return 0
}
