package vfs

import "github.com/perchos/perch/internal/kerr"

// Open modes. The low bits mirror the classic open flags user space
// passes.
const (
	ORdonly uint32 = 0x0
	OWronly uint32 = 0x1
	ORdwr   uint32 = 0x2
	OCreat  uint32 = 0x100
)

// Seek whence values for lseek.
const (
	SeekSet = 0
	SeekCur = 1
	SeekEnd = 2
)

// FileDesc is one open file: a shared reference into the VFS plus the
// per-descriptor mode and offset.
type FileDesc struct {
	FDNo int
	VP   *Vnode
	Mode uint32
	Off  int64
}

// Writable reports whether the descriptor was opened for writing.
func (fd *FileDesc) Writable() bool {
	return fd.Mode&(OWronly|ORdwr) != 0
}

// Close drops the descriptor's vnode reference.
func (fd *FileDesc) Close() error {
	if fd == nil {
		return kerr.EINVAL
	}
	if fd.VP != nil {
		fd.VP.Rel()
		fd.VP = nil
	}
	return nil
}

// Seek moves the descriptor offset.
func (fd *FileDesc) Seek(off int64, whence int) (int64, error) {
	if fd == nil {
		return 0, kerr.EBADF
	}
	var base int64
	switch whence {
	case SeekSet:
		base = 0
	case SeekCur:
		base = fd.Off
	case SeekEnd:
		attr, err := VopGetattr(fd.VP)
		if err != nil {
			return 0, err
		}
		base = int64(attr.Size)
	default:
		return 0, kerr.EINVAL
	}
	if base+off < 0 {
		return 0, kerr.EINVAL
	}
	fd.Off = base + off
	return fd.Off, nil
}
