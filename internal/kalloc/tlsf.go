// Package kalloc is the kernel small-block heap: a two-level
// segregated-fit allocator over a pool of frames carved from the frame
// allocator at boot. Allocations are physical addresses inside the
// pool; the backing bytes are reachable through the machine memory.
package kalloc

import (
	"math/bits"
	"sync"

	"github.com/perchos/perch/internal/hw"
	"github.com/perchos/perch/internal/param"
	"github.com/perchos/perch/internal/physmem"
)

const (
	// PoolSize is the heap's frame pool, carved once at boot.
	PoolSize = 4 << 20

	slShift   = 4 // 16 second-level lists per first level
	slCount   = 1 << slShift
	minBlock  = 16
	flOffset  = 4 // log2(minBlock)
	flCount   = 28
	alignMask = minBlock - 1
)

type block struct {
	off  uint64
	size uint64
	free bool

	prevPhys, nextPhys *block
	prevFree, nextFree *block
}

// Heap is one TLSF instance.
type Heap struct {
	mem  *hw.Memory
	base uint64
	size uint64

	mu       sync.Mutex
	flMap    uint32
	slMap    [flCount]uint32
	lists    [flCount][slCount]*block
	byOffset map[uint64]*block
}

// New carves the pool from the frame allocator and threads the heap
// over it. Returns nil when the pool cannot be backed; heap creation
// failure at boot is a panic at the caller.
func New(mem *hw.Memory, frames *physmem.Allocator) *Heap {
	base := frames.Alloc(PoolSize / param.PageSize)
	if base == 0 {
		return nil
	}
	return NewAt(mem, base, PoolSize)
}

// NewAt threads a heap over an existing region.
func NewAt(mem *hw.Memory, base, size uint64) *Heap {
	h := &Heap{
		mem:      mem,
		base:     base,
		size:     size,
		byOffset: make(map[uint64]*block),
	}
	b := &block{off: 0, size: size, free: true}
	h.byOffset[0] = b
	h.pushFree(b)
	return h
}

// mapping computes the first/second level indices for a size.
func mapping(size uint64) (int, int) {
	if size < minBlock {
		size = minBlock
	}
	fl := bits.Len64(size) - 1
	sl := int((size >> (uint(fl) - slShift)) & (slCount - 1))
	fl -= flOffset
	if fl < 0 {
		fl = 0
	}
	if fl >= flCount {
		fl = flCount - 1
		sl = slCount - 1
	}
	return fl, sl
}

func (h *Heap) pushFree(b *block) {
	fl, sl := mapping(b.size)
	b.free = true
	b.prevFree = nil
	b.nextFree = h.lists[fl][sl]
	if b.nextFree != nil {
		b.nextFree.prevFree = b
	}
	h.lists[fl][sl] = b
	h.flMap |= 1 << uint(fl)
	h.slMap[fl] |= 1 << uint(sl)
}

func (h *Heap) removeFree(b *block) {
	fl, sl := mapping(b.size)
	if b.prevFree != nil {
		b.prevFree.nextFree = b.nextFree
	} else if h.lists[fl][sl] == b {
		h.lists[fl][sl] = b.nextFree
	}
	if b.nextFree != nil {
		b.nextFree.prevFree = b.prevFree
	}
	b.prevFree, b.nextFree = nil, nil
	b.free = false
	if h.lists[fl][sl] == nil {
		h.slMap[fl] &^= 1 << uint(sl)
		if h.slMap[fl] == 0 {
			h.flMap &^= 1 << uint(fl)
		}
	}
}

// findFit locates a free block of at least size bytes.
func (h *Heap) findFit(size uint64) *block {
	fl, sl := mapping(size)

	// Search the same first level at or above sl, then any higher
	// first level.
	slAvail := h.slMap[fl] & (^uint32(0) << uint(sl))
	if slAvail != 0 {
		s := bits.TrailingZeros32(slAvail)
		for b := h.lists[fl][s]; b != nil; b = b.nextFree {
			if b.size >= size {
				return b
			}
		}
	}
	flAvail := h.flMap & (^uint32(0) << uint(fl+1))
	for flAvail != 0 {
		f := bits.TrailingZeros32(flAvail)
		s := bits.TrailingZeros32(h.slMap[f])
		for b := h.lists[f][s]; b != nil; b = b.nextFree {
			if b.size >= size {
				return b
			}
		}
		flAvail &^= 1 << uint(f)
	}
	return nil
}

// Alloc returns the physical address of a zeroed allocation of at
// least size bytes, or 0 when the heap cannot satisfy it.
func (h *Heap) Alloc(size uint64) uint64 {
	if size == 0 {
		return 0
	}
	size = (size + alignMask) &^ uint64(alignMask)

	h.mu.Lock()
	defer h.mu.Unlock()

	b := h.findFit(size)
	if b == nil {
		return 0
	}
	h.removeFree(b)

	if b.size-size >= minBlock {
		rest := &block{
			off:      b.off + size,
			size:     b.size - size,
			prevPhys: b,
			nextPhys: b.nextPhys,
		}
		if rest.nextPhys != nil {
			rest.nextPhys.prevPhys = rest
		}
		b.nextPhys = rest
		b.size = size
		h.byOffset[rest.off] = rest
		h.pushFree(rest)
	}

	pa := h.base + b.off
	if err := h.mem.Zero(pa, b.size); err != nil {
		panic(err) // the pool is always backed
	}
	return pa
}

// Free returns an allocation to the heap, coalescing with free
// physical neighbors.
func (h *Heap) Free(pa uint64) {
	if pa == 0 {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	b := h.byOffset[pa-h.base]
	if b == nil || b.free {
		return
	}

	if p := b.prevPhys; p != nil && p.free {
		h.removeFree(p)
		delete(h.byOffset, b.off)
		p.size += b.size
		p.nextPhys = b.nextPhys
		if p.nextPhys != nil {
			p.nextPhys.prevPhys = p
		}
		b = p
	}
	if n := b.nextPhys; n != nil && n.free {
		h.removeFree(n)
		delete(h.byOffset, n.off)
		b.size += n.size
		b.nextPhys = n.nextPhys
		if b.nextPhys != nil {
			b.nextPhys.prevPhys = b
		}
	}
	h.pushFree(b)
}

// Bytes returns the backing storage of an allocation made by Alloc.
func (h *Heap) Bytes(pa uint64) []byte {
	h.mu.Lock()
	b := h.byOffset[pa-h.base]
	h.mu.Unlock()
	if b == nil || b.free {
		return nil
	}
	s, err := h.mem.Slice(pa, b.size)
	if err != nil {
		return nil
	}
	return s
}

// Base returns the pool's physical base.
func (h *Heap) Base() uint64 { return h.base }
