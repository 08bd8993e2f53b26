package vfs

import (
	"log/slog"
	"sync"

	"github.com/perchos/perch/internal/kerr"
)

// Filesystem attribute bits.
const (
	// FSAttrImage marks a filesystem whose lookup accepts a full
	// remaining path instead of one component at a time; the walker
	// short-circuits for it.
	FSAttrImage uint32 = 1 << 0
)

// VFSOps is the per-filesystem-type operation vector.
type VFSOps interface {
	Init(fip *FSInfo) error
	Mount(fip *FSInfo, args *MountArgs) (*Vnode, error)
}

// FSInfo describes one registered filesystem type.
type FSInfo struct {
	Name     string
	Ops      VFSOps
	Refcount int
	Attr     uint32
}

// MountArgs are the inputs to Kmount.
type MountArgs struct {
	Source string
	Target string
	FSType string
	Data   any
}

// Mount is one mount table entry. The name is the single first-level
// path component, or "" for the root mount.
type Mount struct {
	VP   *Vnode
	Name string
	FS   *FSInfo
}

// VFS is the mount table plus the filesystem type registry.
type VFS struct {
	mu     sync.Mutex
	fstab  []*FSInfo
	mounts []*Mount
}

// New creates an empty VFS.
func New() *VFS {
	return &VFS{}
}

// RegisterFS adds a filesystem type to the static table and runs its
// init hook.
func (v *VFS) RegisterFS(fip *FSInfo) error {
	if fip == nil || fip.Ops == nil {
		return kerr.EINVAL
	}
	if err := fip.Ops.Init(fip); err != nil {
		return err
	}
	v.mu.Lock()
	v.fstab = append(v.fstab, fip)
	v.mu.Unlock()
	return nil
}

// FSByName finds a registered filesystem type.
func (v *VFS) FSByName(name string) (*FSInfo, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, fip := range v.fstab {
		if fip.Name == name {
			return fip, nil
		}
	}
	return nil, kerr.ENOENT
}

// mountName reduces a mount target to its mount-table key: the first
// path component, or "" for the root.
func mountName(target string) (string, error) {
	ncmp, err := cmpCount(target)
	if err != nil {
		return "", err
	}
	if ncmp > 1 {
		slog.Warn("mount: got bad path", "target", target)
		return "", kerr.EINVAL
	}
	name, _ := firstComponent(target)
	return name, nil
}

// Kmount mounts a filesystem: resolve the type, obtain the root vnode
// from its mount hook, and insert the entry keyed by the first path
// component. A second mount onto the same component is busy.
func (v *VFS) Kmount(args *MountArgs) error {
	if args == nil || args.Target == "" {
		return kerr.EINVAL
	}
	if args.FSType == "" {
		return kerr.ENOENT
	}

	name, err := mountName(args.Target)
	if err != nil {
		return err
	}

	fip, err := v.FSByName(args.FSType)
	if err != nil {
		return kerr.ENOENT
	}

	v.mu.Lock()
	for _, mp := range v.mounts {
		if mp.Name == name {
			v.mu.Unlock()
			return kerr.EBUSY
		}
	}
	v.mu.Unlock()

	root, err := fip.Ops.Mount(fip, args)
	if err != nil {
		slog.Warn("mount: fs mount failure", "fstype", args.FSType, "err", err)
		return err
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	// Re-check under the lock; a racing mount of the same name loses.
	for _, mp := range v.mounts {
		if mp.Name == name {
			root.Rel()
			return kerr.EBUSY
		}
	}
	fip.Refcount++
	v.mounts = append(v.mounts, &Mount{VP: root, Name: name, FS: fip})
	return nil
}

// MountLookup finds a mount entry by its first-component name.
func (v *VFS) MountLookup(name string) (*Mount, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, mp := range v.mounts {
		if mp.Name == name {
			return mp, nil
		}
	}
	return nil, kerr.ENOENT
}
