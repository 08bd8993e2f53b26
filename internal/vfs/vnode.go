// Package vfs is the filesystem-independent core: vnodes, the mount
// table keyed by first path component, the name-resolution walk and
// file descriptors.
package vfs

import (
	"sync/atomic"

	"github.com/perchos/perch/internal/kerr"
)

// VType is a vnode's object type.
type VType int

const (
	VNone VType = iota
	VFile
	VDir
	VCDev
	VSock
)

// Vattr carries the attributes Getattr reports.
type Vattr struct {
	Size uint64
	Mode uint32
}

// LookupArgs names one lookup operation: the component (or, for image
// filesystems, the whole remaining path) and the directory it is
// relative to.
type LookupArgs struct {
	Name  string
	DirVp *Vnode
}

// Vops is the operation vector a filesystem hands out with its
// vnodes. Operations a filesystem does not support return ENOTSUP.
type Vops interface {
	Lookup(args *LookupArgs) (*Vnode, error)
	Create(name string, typ VType) error
	Read(vp *Vnode, p []byte, off int64) (int64, error)
	Write(vp *Vnode, p []byte, off int64) (int64, error)
	Getattr(vp *Vnode) (Vattr, error)
	Reclaim(vp *Vnode) error
}

// Vnode is the abstract handle to a filesystem object. While the
// refcount is positive the vnode is reachable from at least one file
// descriptor or mount entry.
type Vnode struct {
	refcount atomic.Int32
	Type     VType
	Ops      Vops
	Data     any
}

// VAlloc mints a vnode with one reference.
func VAlloc(typ VType) *Vnode {
	vp := &Vnode{Type: typ}
	vp.refcount.Store(1)
	return vp
}

// Ref takes another reference.
func (vp *Vnode) Ref() { vp.refcount.Add(1) }

// Refcount returns the live reference count.
func (vp *Vnode) Refcount() int32 { return vp.refcount.Load() }

// Rel drops a reference; the last one reclaims the vnode through the
// filesystem.
func (vp *Vnode) Rel() error {
	if vp == nil {
		return kerr.EINVAL
	}
	if vp.refcount.Add(-1) > 0 {
		return nil
	}
	if vp.Ops != nil {
		return vp.Ops.Reclaim(vp)
	}
	return nil
}

// VopRead reads through the vnode's operation vector.
func VopRead(vp *Vnode, p []byte, off int64) (int64, error) {
	if vp == nil || len(p) == 0 {
		return 0, kerr.EINVAL
	}
	if vp.Ops == nil {
		return 0, kerr.EIO
	}
	return vp.Ops.Read(vp, p, off)
}

// VopWrite writes through the vnode's operation vector.
func VopWrite(vp *Vnode, p []byte, off int64) (int64, error) {
	if vp == nil || len(p) == 0 {
		return 0, kerr.EINVAL
	}
	if vp.Ops == nil {
		return 0, kerr.EIO
	}
	return vp.Ops.Write(vp, p, off)
}

// VopGetattr queries a vnode's attributes.
func VopGetattr(vp *Vnode) (Vattr, error) {
	if vp == nil {
		return Vattr{}, kerr.EINVAL
	}
	if vp.Ops == nil {
		return Vattr{}, kerr.EIO
	}
	return vp.Ops.Getattr(vp)
}
