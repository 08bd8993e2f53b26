// Package devfs exposes registered character devices as filesystem
// nodes.
package devfs

import (
	"sync"

	"github.com/perchos/perch/internal/kerr"
	"github.com/perchos/perch/internal/vfs"
)

// Name is the filesystem type name.
const Name = "dev"

// CDev is the switch a character device driver registers.
type CDev interface {
	Read(p []byte, off int64) (int64, error)
	Write(p []byte, off int64) (int64, error)
}

type dnode struct {
	name string
	dev  CDev
}

// FS is the device filesystem instance; drivers register against it.
type FS struct {
	mu    sync.Mutex
	nodes []*dnode
}

// NewInfo builds the filesystem-table entry around the instance so
// registration and mounting share the node list.
func NewInfo(fs *FS) *vfs.FSInfo {
	return &vfs.FSInfo{Name: Name, Ops: fs}
}

// Register adds a character device node.
func (f *FS) Register(name string, dev CDev) error {
	if name == "" || dev == nil {
		return kerr.EINVAL
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, dn := range f.nodes {
		if dn.name == name {
			return kerr.EEXIST
		}
	}
	f.nodes = append(f.nodes, &dnode{name: name, dev: dev})
	return nil
}

// Vnode mints a referenced vnode for a registered device, for wiring
// the standard descriptors without a path walk.
func (f *FS) Vnode(name string) (*vfs.Vnode, error) {
	return f.Lookup(&vfs.LookupArgs{Name: name})
}

// Init implements vfs.VFSOps.
func (f *FS) Init(fip *vfs.FSInfo) error { return nil }

// Mount implements vfs.VFSOps.
func (f *FS) Mount(fip *vfs.FSInfo, args *vfs.MountArgs) (*vfs.Vnode, error) {
	vp := vfs.VAlloc(vfs.VDir)
	vp.Ops = f
	return vp, nil
}

// Lookup implements vfs.Vops.
func (f *FS) Lookup(args *vfs.LookupArgs) (*vfs.Vnode, error) {
	if args == nil || args.Name == "" {
		return nil, kerr.EINVAL
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, dn := range f.nodes {
		if dn.name != args.Name {
			continue
		}
		vp := vfs.VAlloc(vfs.VCDev)
		vp.Ops = f
		vp.Data = dn
		return vp, nil
	}
	return nil, kerr.ENOENT
}

// Create implements vfs.Vops; devices appear by registration only.
func (f *FS) Create(name string, typ vfs.VType) error { return kerr.ENOTSUP }

// Read implements vfs.Vops.
func (f *FS) Read(vp *vfs.Vnode, p []byte, off int64) (int64, error) {
	dn, ok := vp.Data.(*dnode)
	if !ok || dn.dev == nil {
		return 0, kerr.EIO
	}
	return dn.dev.Read(p, off)
}

// Write implements vfs.Vops.
func (f *FS) Write(vp *vfs.Vnode, p []byte, off int64) (int64, error) {
	dn, ok := vp.Data.(*dnode)
	if !ok || dn.dev == nil {
		return 0, kerr.EIO
	}
	return dn.dev.Write(p, off)
}

// Getattr implements vfs.Vops.
func (f *FS) Getattr(vp *vfs.Vnode) (vfs.Vattr, error) {
	return vfs.Vattr{}, nil
}

// Reclaim implements vfs.Vops.
func (f *FS) Reclaim(vp *vfs.Vnode) error { return nil }
