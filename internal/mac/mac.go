// Package mac implements the mandatory access control borders: the
// sole gateway by which user processes obtain mappings of privileged
// resources or perform privileged queries.
package mac

import (
	"github.com/perchos/perch/internal/kerr"
	"github.com/perchos/perch/internal/proc"
)

// BorderID indexes the border table. IDs are stable across boots.
type BorderID int

const (
	BorderNone BorderID = iota
	BorderFBDev
	borderMax
)

// MapArgs are the inputs to a border's map hook.
type MapArgs struct {
	Off   int64
	Len   uint64
	Flags int

	// Result receives the user-visible address of the mapping.
	Result uint64
}

// Ops is a border's operation vector.
type Ops interface {
	// Map installs the resource mapping and returns the mapped
	// length, filling args.Result.
	Map(b *Border, pc *proc.Pcore, args *MapArgs) (int64, error)
	// Sync flushes the resource to its driver.
	Sync(b *Border, flags int) error
	// Getattr copies resource attributes into p.
	Getattr(b *Border, p []byte) (int, error)
}

// Border mediates access to one privileged resource: a level and an
// operation vector.
type Border struct {
	Level proc.MacLevel
	Ops   Ops
}

// Table is the fixed border table.
type Table struct {
	borders [borderMax]*Border
}

// NewTable creates an empty table.
func NewTable() *Table {
	return &Table{}
}

// Install binds a border to its id.
func (t *Table) Install(id BorderID, b *Border) error {
	if id <= BorderNone || id >= borderMax {
		return kerr.EINVAL
	}
	t.borders[id] = b
	return nil
}

// GetBorder returns the border for id, or nil.
func (t *Table) GetBorder(id BorderID) *Border {
	if id < 0 || id >= borderMax {
		return nil
	}
	return t.borders[id]
}

// CheckLevel gates every privileged border access: the process level
// must be at least the required level.
func CheckLevel(p *proc.Proc, lvl proc.MacLevel) error {
	if p == nil {
		return kerr.EINVAL
	}
	if p.Level < lvl {
		return kerr.EACCES
	}
	return nil
}

// Map is the canonical way user code obtains a mapping of the
// resource behind a border: level check first, then the border's own
// map hook does the backing allocation and page-table work.
func Map(b *Border, pc *proc.Pcore, off int64, length uint64, flags int) (int64, uint64, error) {
	if pc == nil || b == nil {
		return 0, 0, kerr.EINVAL
	}
	self := pc.CurProc
	if self == nil {
		return 0, 0, kerr.EINVAL
	}
	if err := CheckLevel(self, b.Level); err != nil {
		return 0, 0, err
	}
	if b.Ops == nil {
		return 0, 0, kerr.EIO
	}
	args := &MapArgs{Off: off, Len: length, Flags: flags}
	n, err := b.Ops.Map(b, pc, args)
	if err != nil {
		return 0, 0, err
	}
	return n, args.Result, nil
}
