// Package ns is the system object namespace: named kernel objects in
// a chained hash map keyed by FNV-1a of the name.
package ns

import (
	"hash/fnv"
	"sync"

	"github.com/perchos/perch/internal/kerr"
)

// Namespace ids.
const (
	IOTap  = 0
	Device = 1
)

const nBuckets = 16

type entry struct {
	name string
	data any
}

// Obj wraps a named object with its reference count and an optional
// read hook.
type Obj struct {
	Refcount int
	Data     any
	Read     func(p []byte, off int64) (int64, error)
}

// NewObj initializes an object into a known state.
func NewObj(data any) *Obj {
	return &Obj{Refcount: 1, Data: data}
}

// ObjRead unifies the buffer/callback interface: prefer the read
// hook, fall back to the raw data.
func ObjRead(o *Obj, p []byte, off int64) (int64, error) {
	if o == nil || len(p) == 0 {
		return 0, kerr.EINVAL
	}
	if o.Read != nil {
		return o.Read(p, off)
	}
	if b, ok := o.Data.([]byte); ok {
		if off >= int64(len(b)) {
			return 0, nil
		}
		return int64(copy(p, b[off:])), nil
	}
	return 0, kerr.ENOTSUP
}

// Namespace is one hash-mapped name directory.
type Namespace struct {
	mu      sync.Mutex
	buckets [nBuckets][]entry
}

// New creates an empty namespace.
func New() *Namespace {
	return &Namespace{}
}

func bucketOf(name string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(name))
	return h.Sum32() % nBuckets
}

// Enter places an object into the namespace under name.
func (n *Namespace) Enter(name string, obj any) error {
	if name == "" || obj == nil {
		return kerr.EINVAL
	}
	n.mu.Lock()
	defer n.mu.Unlock()

	key := bucketOf(name)
	for _, e := range n.buckets[key] {
		if e.name == name {
			return kerr.EEXIST
		}
	}
	n.buckets[key] = append(n.buckets[key], entry{name: name, data: obj})
	return nil
}

// Lookup finds an object by name.
func (n *Namespace) Lookup(name string) (any, error) {
	if name == "" {
		return nil, kerr.EINVAL
	}
	n.mu.Lock()
	defer n.mu.Unlock()

	for _, e := range n.buckets[bucketOf(name)] {
		if e.name == name {
			return e.data, nil
		}
	}
	return nil, kerr.ENOENT
}
