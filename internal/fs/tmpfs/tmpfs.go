// Package tmpfs is the memory filesystem: a flat namespace of nodes
// whose backing buffers grow on write.
package tmpfs

import (
	"sync"

	"github.com/perchos/perch/internal/kerr"
	"github.com/perchos/perch/internal/vfs"
)

// Name is the filesystem type name.
const Name = "tmpfs"

const nameMax = 128
const initSize = 8

type tnode struct {
	name    string
	data    []byte
	realLen int64
	vtype   vfs.VType
	ref     int
}

type fsOps struct {
	mu    sync.Mutex
	nodes []*tnode
}

// NewInfo builds the filesystem-table entry.
func NewInfo() *vfs.FSInfo {
	return &vfs.FSInfo{Name: Name, Ops: &fsOps{}}
}

// Init implements vfs.VFSOps.
func (o *fsOps) Init(fip *vfs.FSInfo) error {
	o.mu.Lock()
	o.nodes = nil
	o.mu.Unlock()
	return nil
}

// Mount implements vfs.VFSOps.
func (o *fsOps) Mount(fip *vfs.FSInfo, args *vfs.MountArgs) (*vfs.Vnode, error) {
	vp := vfs.VAlloc(vfs.VDir)
	vp.Ops = o
	return vp, nil
}

func (o *fsOps) byName(name string) *tnode {
	for _, np := range o.nodes {
		if np.name == name {
			return np
		}
	}
	return nil
}

// Lookup implements vfs.Vops.
func (o *fsOps) Lookup(args *vfs.LookupArgs) (*vfs.Vnode, error) {
	if args == nil || args.Name == "" {
		return nil, kerr.EINVAL
	}
	o.mu.Lock()
	defer o.mu.Unlock()

	np := o.byName(args.Name)
	if np == nil {
		return nil, kerr.ENOENT
	}
	np.ref++
	vp := vfs.VAlloc(np.vtype)
	vp.Ops = o
	vp.Data = np
	return vp, nil
}

// Create implements vfs.Vops.
func (o *fsOps) Create(name string, typ vfs.VType) error {
	if name == "" {
		return kerr.EINVAL
	}
	if len(name) > nameMax {
		return kerr.ENAMETOOLONG
	}
	if typ != vfs.VFile {
		return kerr.ENOTSUP
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.byName(name) != nil {
		return kerr.EEXIST
	}
	o.nodes = append(o.nodes, &tnode{
		name:  name,
		data:  make([]byte, initSize),
		vtype: typ,
		ref:   1,
	})
	return nil
}

// Write implements vfs.Vops, expanding the node buffer when the write
// overflows it.
func (o *fsOps) Write(vp *vfs.Vnode, p []byte, off int64) (int64, error) {
	np, ok := vp.Data.(*tnode)
	if !ok {
		return 0, kerr.EIO
	}
	o.mu.Lock()
	defer o.mu.Unlock()

	end := off + int64(len(p))
	if end > int64(len(np.data)) {
		grown := make([]byte, end)
		copy(grown, np.data)
		np.data = grown
	}
	copy(np.data[off:], p)
	if end > np.realLen {
		np.realLen = end
	}
	return int64(len(p)), nil
}

// Read implements vfs.Vops.
func (o *fsOps) Read(vp *vfs.Vnode, p []byte, off int64) (int64, error) {
	np, ok := vp.Data.(*tnode)
	if !ok {
		return 0, kerr.EIO
	}
	o.mu.Lock()
	defer o.mu.Unlock()

	if off >= np.realLen {
		return 0, nil // EOF
	}
	return int64(copy(p, np.data[off:np.realLen])), nil
}

// Getattr implements vfs.Vops.
func (o *fsOps) Getattr(vp *vfs.Vnode) (vfs.Vattr, error) {
	np, ok := vp.Data.(*tnode)
	if !ok {
		return vfs.Vattr{}, kerr.EIO
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return vfs.Vattr{Size: uint64(np.realLen)}, nil
}

// Reclaim implements vfs.Vops.
func (o *fsOps) Reclaim(vp *vfs.Vnode) error {
	np, ok := vp.Data.(*tnode)
	if !ok {
		return nil
	}
	o.mu.Lock()
	np.ref--
	o.mu.Unlock()
	return nil
}
