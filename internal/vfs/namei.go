package vfs

import (
	"strings"

	"github.com/perchos/perch/internal/kerr"
	"github.com/perchos/perch/internal/param"
)

// Namei flags.
const (
	// NameiCreate creates missing components during the walk.
	NameiCreate = 1 << 0
)

// Nameidata is the walker's in/out record.
type Nameidata struct {
	Path  string
	Flags int
	Vtype VType // type for created entries
}

// pathcValid accepts [A-Za-z0-9] and the separator; anything else is
// an invalid argument.
func pathcValid(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z':
		return true
	case c >= 'A' && c <= 'Z':
		return true
	case c >= '0' && c <= '9':
		return true
	case c == '/':
		return true
	}
	return false
}

// cmpCount validates a path and counts its components.
func cmpCount(path string) (int, error) {
	if path == "" {
		return 0, kerr.EINVAL
	}
	if path[0] != '/' {
		return 0, kerr.ENOENT
	}
	for i := 0; i < len(path); i++ {
		if !pathcValid(path[i]) {
			return 0, kerr.EINVAL
		}
	}
	if path == "/" {
		return 0, nil
	}
	n := 0
	for _, c := range strings.Split(path, "/") {
		if c != "" {
			n++
		}
	}
	return n, nil
}

// firstComponent splits off the first path component, returning it
// and the remainder of the path.
func firstComponent(path string) (string, string) {
	path = strings.TrimLeft(path, "/")
	if i := strings.IndexByte(path, '/'); i >= 0 {
		return path[:i], path[i:]
	}
	return path, ""
}

// components splits a path into its non-empty components.
func components(path string) []string {
	var out []string
	for _, c := range strings.Split(path, "/") {
		if c != "" {
			out = append(out, c)
		}
	}
	return out
}

// Namei resolves a path to a referenced vnode.
//
// The first component keys the mount table; an unknown component
// falls back to the root mount. Image filesystems take the whole
// remaining path in one lookup. Everything else is walked one
// component at a time from the mount's root vnode, creating along the
// way when asked to. Every vnode a lookup returns arrives referenced;
// intermediate vnodes are released as the walk moves past them.
func (v *VFS) Namei(nd *Nameidata) (*Vnode, error) {
	if nd == nil || nd.Path == "" {
		return nil, kerr.EINVAL
	}
	if _, err := cmpCount(nd.Path); err != nil {
		return nil, err
	}
	if len(nd.Path) > param.PathMax {
		return nil, kerr.ENAMETOOLONG
	}

	first, _ := firstComponent(nd.Path)
	walk := nd.Path
	mp, err := v.MountLookup(first)
	if err != nil {
		mp, err = v.MountLookup("")
		if err != nil {
			return nil, err
		}
	} else {
		// The mount consumed the first component.
		_, walk = firstComponent(nd.Path)
	}

	root := mp.VP
	if root == nil || root.Ops == nil {
		return nil, kerr.EIO
	}

	// Image filesystems get the entire path thrown right at them.
	if mp.FS != nil && mp.FS.Attr&FSAttrImage != 0 {
		return root.Ops.Lookup(&LookupArgs{Name: nd.Path, DirVp: root})
	}

	comps := components(walk)
	if len(comps) == 0 {
		root.Ref()
		return root, nil
	}

	dir := root
	for i, name := range comps {
		if len(name) > param.NameMax {
			return nil, kerr.ENAMETOOLONG
		}
		if dir.Ops == nil {
			return nil, kerr.EIO
		}

		if nd.Flags&NameiCreate != 0 {
			typ := nd.Vtype
			if typ == VNone {
				typ = VFile
			}
			if err := dir.Ops.Create(name, typ); err != nil && err != kerr.EEXIST {
				return nil, err
			}
		}

		vp, err := dir.Ops.Lookup(&LookupArgs{Name: name, DirVp: dir})
		if err != nil {
			if dir != root {
				dir.Rel()
			}
			return nil, kerr.ENOENT
		}
		if dir != root {
			dir.Rel()
		}
		if i == len(comps)-1 {
			return vp, nil
		}
		dir = vp
	}
	return nil, kerr.ENOENT
}
