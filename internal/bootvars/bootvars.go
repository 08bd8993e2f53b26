// Package bootvars snapshots the firmware handoff. The handoff data is
// read from the machine exactly once; every later consumer is served
// from the cached copy.
package bootvars

import (
	"sync"

	"github.com/perchos/perch/internal/hw"
	"github.com/perchos/perch/internal/kerr"
)

// Magic marks an initialized snapshot.
const Magic = 0xDECAFE

// Vars is the cached boot handoff.
type Vars struct {
	Magic   uint32
	FB      hw.FBInfo
	RSDP    uint64
	MemMap  []hw.MapEntry
	Modules []hw.Module
}

// Reader serves boot variables for one machine.
type Reader struct {
	board *hw.Board

	once  sync.Once
	cache Vars
}

// NewReader binds a reader to the machine's handoff data.
func NewReader(b *hw.Board) *Reader {
	return &Reader{board: b}
}

// Read returns the snapshot, taking it from the machine on first use.
func (r *Reader) Read() Vars {
	r.once.Do(func() {
		r.cache = Vars{
			Magic:   Magic,
			FB:      r.board.FB,
			RSDP:    r.board.RSDP,
			MemMap:  append([]hw.MapEntry(nil), r.board.MemMap...),
			Modules: append([]hw.Module(nil), r.board.Modules...),
		}
	})
	return r.cache
}

// Module finds a loaded boot module by path.
func (r *Reader) Module(path string) (hw.Module, bool) {
	for _, m := range r.Read().Modules {
		if m.Path == path {
			return m, true
		}
	}
	return hw.Module{}, false
}

// ModuleBytes returns the in-memory contents of a boot module.
func (r *Reader) ModuleBytes(path string) ([]byte, error) {
	m, ok := r.Module(path)
	if !ok {
		return nil, kerr.ENOENT
	}
	return r.board.Mem.Slice(m.Base, m.Size)
}

// Mem exposes the machine's physical memory to subsystems that hold
// only the boot snapshot.
func (r *Reader) Mem() *hw.Memory { return r.board.Mem }
