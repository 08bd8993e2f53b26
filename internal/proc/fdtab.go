package proc

import (
	"log/slog"

	"github.com/perchos/perch/internal/kerr"
	"github.com/perchos/perch/internal/param"
	"github.com/perchos/perch/internal/vfs"
)

// FdAlloc finds the lowest free slot in the process's descriptor
// table and installs a fresh descriptor there.
func FdAlloc(p *Proc) (*vfs.FileDesc, error) {
	if p == nil {
		return nil, kerr.EINVAL
	}
	for i := 0; i < param.FDMax; i++ {
		if p.FDTab[i] != nil {
			continue
		}
		fd := &vfs.FileDesc{FDNo: i}
		p.FDTab[i] = fd
		return fd, nil
	}
	return nil, kerr.EMFILE
}

// FdGet looks a descriptor up by number.
func FdGet(p *Proc, fdno int) *vfs.FileDesc {
	if p == nil || fdno < 0 || fdno >= param.FDMax {
		return nil
	}
	return p.FDTab[fdno]
}

// FdDup duplicates a descriptor, sharing the vnode reference.
func FdDup(p *Proc, fdno int) *vfs.FileDesc {
	old := FdGet(p, fdno)
	if old == nil {
		return nil
	}

	fd, err := FdAlloc(p)
	if err != nil {
		return nil
	}

	if old.VP != nil {
		old.VP.Ref()
	}
	fd.Mode = old.Mode
	fd.VP = old.VP
	return fd
}

// FdClose releases a descriptor and frees its slot.
func FdClose(p *Proc, fdno int) error {
	fd := FdGet(p, fdno)
	if fd == nil {
		return kerr.EBADF
	}
	p.FDTab[fdno] = nil
	return fd.Close()
}

// FdOpen resolves a path and binds it to a new descriptor.
func (s *Subsys) FdOpen(p *Proc, path string, mode uint32) (int64, error) {
	if p == nil {
		return 0, kerr.ESRCH
	}
	fd, err := FdAlloc(p)
	if err != nil {
		return 0, err
	}

	nd := vfs.Nameidata{Path: path}
	if mode&vfs.OCreat != 0 {
		nd.Flags |= vfs.NameiCreate
	}
	vp, err := s.VFS.Namei(&nd)
	if err != nil {
		p.FDTab[fd.FDNo] = nil
		return 0, err
	}

	fd.VP = vp
	fd.Mode = mode
	return int64(fd.FDNo), nil
}

// FdtabInit installs the three standard descriptors, all referencing
// the console.
func (s *Subsys) FdtabInit(p *Proc) error {
	if p == nil {
		return kerr.EINVAL
	}
	if p.FDTab[0] != nil {
		slog.Warn("fdtab: fd table already initialized", "pid", p.PID)
		return kerr.EBUSY
	}

	fd, err := FdAlloc(p) // stdin
	if err != nil {
		return err
	}
	fd.Mode = vfs.ORdwr
	if s.Console != nil {
		s.Console.Ref()
		fd.VP = s.Console
	}
	FdDup(p, 0) // stdout
	FdDup(p, 0) // stderr
	return nil
}

// FdWrite writes a kernel buffer through a descriptor at its offset.
func (s *Subsys) FdWrite(p *Proc, fdno int, kbuf []byte) (int64, error) {
	fd := FdGet(p, fdno)
	if fd == nil {
		return 0, kerr.EBADF
	}
	if !fd.Writable() {
		return 0, kerr.EACCES
	}
	n, err := vfs.VopWrite(fd.VP, kbuf, fd.Off)
	if err != nil {
		return 0, err
	}
	if fd.VP != nil && fd.VP.Type == vfs.VFile {
		fd.Off += n
	}
	return n, nil
}

// FdRead reads through a descriptor into a kernel buffer.
func (s *Subsys) FdRead(p *Proc, fdno int, kbuf []byte) (int64, error) {
	fd := FdGet(p, fdno)
	if fd == nil {
		return 0, kerr.EBADF
	}
	n, err := vfs.VopRead(fd.VP, kbuf, fd.Off)
	if err != nil {
		return 0, err
	}
	if fd.VP != nil && fd.VP.Type == vfs.VFile {
		fd.Off += n
	}
	return n, nil
}
