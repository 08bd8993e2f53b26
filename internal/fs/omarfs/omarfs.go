// Package omarfs serves the initial ramdisk image through the VFS.
// The filesystem is an image: its lookup takes the whole remaining
// path in one shot, and the walker short-circuits for it.
package omarfs

import (
	"log/slog"

	"github.com/perchos/perch/internal/bootvars"
	"github.com/perchos/perch/internal/kerr"
	"github.com/perchos/perch/internal/omar"
	"github.com/perchos/perch/internal/vfs"
)

// Name is the filesystem type name in the static table.
const Name = "initrd"

// InitrdPath is where the bootloader is asked to place the image.
const InitrdPath = "/boot/initrd.omar"

type fsOps struct {
	bv  *bootvars.Reader
	img []byte
}

type node struct {
	omar.Node
}

// NewInfo builds the filesystem-table entry for the initrd image.
func NewInfo(bv *bootvars.Reader) *vfs.FSInfo {
	return &vfs.FSInfo{
		Name: Name,
		Ops:  &fsOps{bv: bv},
		Attr: vfs.FSAttrImage,
	}
}

// Init implements vfs.VFSOps.
func (o *fsOps) Init(fip *vfs.FSInfo) error { return nil }

// Mount implements vfs.VFSOps: locate the image module and mint the
// root vnode.
func (o *fsOps) Mount(fip *vfs.FSInfo, args *vfs.MountArgs) (*vfs.Vnode, error) {
	if o.img == nil {
		img, err := o.bv.ModuleBytes(InitrdPath)
		if err != nil {
			slog.Error("initrd: could not find image module", "path", InitrdPath)
			return nil, kerr.ENOENT
		}
		o.img = img
	}
	vp := vfs.VAlloc(vfs.VDir)
	vp.Ops = o
	return vp, nil
}

// Lookup implements vfs.Vops for the whole-path image contract.
func (o *fsOps) Lookup(args *vfs.LookupArgs) (*vfs.Vnode, error) {
	n, err := omar.Lookup(o.img, args.Name)
	if err != nil {
		return nil, kerr.ENOENT
	}
	typ := vfs.VFile
	if n.Type == omar.TypeDir {
		typ = vfs.VDir
	}
	vp := vfs.VAlloc(typ)
	vp.Ops = o
	vp.Data = &node{Node: n}
	return vp, nil
}

// Create implements vfs.Vops; the image is immutable.
func (o *fsOps) Create(name string, typ vfs.VType) error { return kerr.ENOTSUP }

// Read implements vfs.Vops.
func (o *fsOps) Read(vp *vfs.Vnode, p []byte, off int64) (int64, error) {
	np, ok := vp.Data.(*node)
	if !ok {
		return 0, kerr.EIO
	}
	if off >= int64(len(np.Data)) {
		return 0, nil // EOF
	}
	return int64(copy(p, np.Data[off:])), nil
}

// Write implements vfs.Vops; the image is read-only.
func (o *fsOps) Write(vp *vfs.Vnode, p []byte, off int64) (int64, error) {
	return 0, kerr.ENOTSUP
}

// Getattr implements vfs.Vops.
func (o *fsOps) Getattr(vp *vfs.Vnode) (vfs.Vattr, error) {
	np, ok := vp.Data.(*node)
	if !ok {
		return vfs.Vattr{}, kerr.EIO
	}
	return vfs.Vattr{Size: uint64(len(np.Data)), Mode: np.Mode}, nil
}

// Reclaim implements vfs.Vops; nodes alias the image and own nothing.
func (o *fsOps) Reclaim(vp *vfs.Vnode) error { return nil }
