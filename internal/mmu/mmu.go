// Package mmu builds and mutates per-process page tables inside the
// machine's physical memory. One kernel VAS lives for the whole boot;
// each process owns exactly one user VAS between init and kill.
package mmu

import (
	"fmt"

	"github.com/perchos/perch/internal/hw"
	"github.com/perchos/perch/internal/kerr"
	"github.com/perchos/perch/internal/param"
	"github.com/perchos/perch/internal/physmem"
)

// Protection flags for mappings. The zero value maps a page that
// denies every access, which is what guard pages are made of.
const (
	ProtNone  = 0x0
	ProtRead  = 0x1
	ProtWrite = 0x2
	ProtExec  = 0x4
	ProtUser  = 0x8
)

// pteGuard is a software bit marking the trailing guard entry of a
// user mapping. Guard entries are never present, so the hardware
// ignores it.
const pteGuard uint64 = 1 << 9

// VAS is one virtual address space: the physical root of its
// translation tree, which doubles as the value loaded into the
// translation-root register.
type VAS struct {
	Root uint64
}

// Spec is the mapper input: a virtual/physical address pair. Either
// field may be zero on entry, meaning "allocate" (physical) or
// "identity" (virtual). After a successful map both are page-aligned
// and non-zero.
type Spec struct {
	VA uint64
	PA uint64
}

// MMU owns page-table construction for one machine.
type MMU struct {
	mem    *hw.Memory
	frames *physmem.Allocator

	kvas VAS
}

// New verifies the translation mode and builds the kernel VAS. The
// kernel half of every later address space is copied from it.
func New(mem *hw.Memory, frames *physmem.Allocator, pagingLevels int) (*MMU, error) {
	// It would be foolish to assume the state of the processor we
	// are handed over with. Check first, cry later.
	if pagingLevels != 4 {
		return nil, fmt.Errorf("mmu: processor not using 4-level paging (got %d)", pagingLevels)
	}

	m := &MMU{mem: mem, frames: frames}
	root := frames.Alloc(1)
	if root == 0 {
		return nil, kerr.ENOMEM
	}
	m.kvas = VAS{Root: root}

	// Populate the kernel half with shared upper-level tables so
	// user address spaces can alias it with a plain copy.
	for i := uint64(256); i < 512; i++ {
		pt := frames.Alloc(1)
		if pt == 0 {
			return nil, kerr.ENOMEM
		}
		ent := pt | hw.PTEPresent | hw.PTEWrite
		if err := mem.WriteU64(root+i*8, ent); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// KernelVAS returns the boot address space.
func (m *MMU) KernelVAS() VAS { return m.kvas }

// NewVAS mints a fresh address space whose kernel half aliases the
// boot VAS, so every process sees identical kernel mappings.
func (m *MMU) NewVAS() (VAS, error) {
	root := m.frames.Alloc(1)
	if root == 0 {
		return VAS{}, kerr.ENOMEM
	}
	for i := uint64(256); i < 512; i++ {
		ent, err := m.mem.ReadU64(m.kvas.Root + i*8)
		if err != nil {
			return VAS{}, err
		}
		if err := m.mem.WriteU64(root+i*8, ent); err != nil {
			return VAS{}, err
		}
	}
	return VAS{Root: root}, nil
}

// FreeVAS releases every table page below the kernel split. Backing
// frames of the mapped regions are not touched; the process range
// list owns those.
func (m *MMU) FreeVAS(vas VAS) {
	for i := uint64(0); i < 256; i++ {
		m.freeLevel(vas.Root, i, 3)
	}
	m.frames.Free(vas.Root, 1)
}

func (m *MMU) freeLevel(table, idx uint64, level int) {
	ent, err := m.mem.ReadU64(table + idx*8)
	if err != nil || ent&hw.PTEPresent == 0 {
		return
	}
	next := ent & hw.PTEAddrMask
	if level > 1 {
		for i := uint64(0); i < 512; i++ {
			m.freeLevel(next, i, level-1)
		}
	}
	m.frames.Free(next, 1)
	m.mem.WriteU64(table+idx*8, 0)
}

// walkAlloc returns the physical address of the leaf PTE slot for va,
// allocating intermediate tables as needed.
func (m *MMU) walkAlloc(vas VAS, va uint64, prot int) (uint64, error) {
	table := vas.Root
	for level := 3; level > 0; level-- {
		idx := (va >> (param.PageShift + 9*uint(level))) & 0x1FF
		slot := table + idx*8
		ent, err := m.mem.ReadU64(slot)
		if err != nil {
			return 0, err
		}
		if ent&hw.PTEPresent == 0 {
			pt := m.frames.Alloc(1)
			if pt == 0 {
				return 0, kerr.ENOMEM
			}
			ent = pt | hw.PTEPresent | hw.PTEWrite
			if prot&ProtUser != 0 {
				ent |= hw.PTEUser
			}
			if err := m.mem.WriteU64(slot, ent); err != nil {
				return 0, err
			}
		}
		table = ent & hw.PTEAddrMask
	}
	idx := (va >> param.PageShift) & 0x1FF
	return table + idx*8, nil
}

func pteFlags(prot int) uint64 {
	if prot == ProtNone {
		return pteGuard
	}
	flags := hw.PTEPresent
	if prot&ProtWrite != 0 {
		flags |= hw.PTEWrite
	}
	if prot&ProtUser != 0 {
		flags |= hw.PTEUser
	}
	if prot&ProtExec == 0 {
		flags |= hw.PTENoExec
	}
	return flags
}

// mapSingle installs one leaf entry.
func (m *MMU) mapSingle(vas VAS, spec Spec, prot int) error {
	slot, err := m.walkAlloc(vas, spec.VA, prot)
	if err != nil {
		return err
	}
	return m.mem.WriteU64(slot, (spec.PA&hw.PTEAddrMask)|pteFlags(prot))
}

// Unmap clears the leaf entries covering [va, va+length).
func (m *MMU) Unmap(vas VAS, va, length uint64) {
	length = param.AlignUp(length, param.PageSize)
	va = param.AlignDown(va, param.PageSize)
	for off := uint64(0); off < length; off += param.PageSize {
		slot, err := m.walkAlloc(vas, va+off, ProtNone)
		if err != nil {
			return
		}
		m.mem.WriteU64(slot, 0)
	}
}

// Map installs a mapping of length bytes described by spec with the
// requested protection, then places a single guard page, mapped to
// deny all access, immediately past the end of the region. On any
// mid-loop failure the partial region is unmapped before the error is
// returned. Returns the final (aligned, resolved) spec.
func (m *MMU) Map(vas VAS, spec Spec, length uint64, prot int) (Spec, error) {
	if length == 0 {
		return Spec{}, kerr.EINVAL
	}
	length = param.AlignUp(length, param.PageSize)

	// Any zero address means we must assign our own.
	if spec.PA == 0 {
		spec.PA = m.frames.Alloc(length / param.PageSize)
		if spec.PA == 0 {
			return Spec{}, kerr.ENOMEM
		}
	}
	if spec.VA == 0 {
		spec.VA = spec.PA
	}

	spec.VA = param.AlignDown(spec.VA, param.PageSize)
	spec.PA = param.AlignDown(spec.PA, param.PageSize)

	cur := spec
	for off := uint64(0); off < length; off += param.PageSize {
		err := m.mapSingle(vas, Spec{VA: spec.VA + off, PA: spec.PA + off}, prot)
		if err != nil {
			m.Unmap(vas, spec.VA, off)
			return Spec{}, err
		}
	}

	// The guard page backs nothing; its entry only exists to fault.
	if err := m.mapSingle(vas, Spec{VA: spec.VA + length}, ProtNone); err != nil {
		m.Unmap(vas, spec.VA, length)
		return Spec{}, err
	}
	return cur, nil
}

// IsGuard reports whether va is covered by a guard entry in vas.
func (m *MMU) IsGuard(vas VAS, va uint64) bool {
	table := vas.Root
	for level := 3; level > 0; level-- {
		idx := (va >> (param.PageShift + 9*uint(level))) & 0x1FF
		ent, err := m.mem.ReadU64(table + idx*8)
		if err != nil || ent&hw.PTEPresent == 0 {
			return false
		}
		table = ent & hw.PTEAddrMask
	}
	idx := (va >> param.PageShift) & 0x1FF
	ent, err := m.mem.ReadU64(table + idx*8)
	if err != nil {
		return false
	}
	return ent&pteGuard != 0 && ent&hw.PTEPresent == 0
}
