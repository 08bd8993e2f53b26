// Package physmem is the physical frame allocator: one bit per page
// frame across the whole physical span, a cursor that remembers where
// the last allocation ended, and a single lock around every entry.
package physmem

import (
	"log/slog"
	"sync"

	"github.com/perchos/perch/internal/hw"
	"github.com/perchos/perch/internal/param"
)

// Stat is the allocator's page accounting. The invariant
// Free+Used == Total holds for every reachable state.
type Stat struct {
	Total uint64
	Free  uint64
	Used  uint64
}

// Allocator owns the frame bitmap. A set bit means the frame is
// reserved or in use; clear means free.
type Allocator struct {
	mem *hw.Memory

	mu      sync.Mutex
	bitmap  []byte
	highest uint64 // one past the last managed frame index
	lastIdx uint64 // allocation cursor
	stat    Stat
}

func setbit(b []byte, i uint64)       { b[i>>3] |= 1 << (i & 7) }
func clrbit(b []byte, i uint64)       { b[i>>3] &^= 1 << (i & 7) }
func testbit(b []byte, i uint64) bool { return b[i>>3]&(1<<(i&7)) != 0 }

// New builds the allocator from the firmware memory map. Every frame
// inside a non-usable entry starts reserved; usable frames start free.
// The bitmap itself lives in kernel-image storage, which the map
// already accounts as used.
func New(mem *hw.Memory, mmap []hw.MapEntry) *Allocator {
	a := &Allocator{mem: mem}

	var highestAddr uint64
	for _, ent := range mmap {
		slog.Debug("sysmem: memory map entry",
			"base", ent.Base, "end", ent.Base+ent.Length, "type", ent.Type.String())
		if ent.Type == hw.MemUsable {
			if end := ent.Base + ent.Length; end > highestAddr {
				highestAddr = end
			}
		}
	}

	a.highest = highestAddr / param.PageSize
	a.bitmap = make([]byte, param.AlignUp(a.highest/8+1, 8))
	for i := range a.bitmap {
		a.bitmap[i] = 0xFF
	}

	for _, ent := range mmap {
		a.stat.Total += ent.Length / param.PageSize
		if ent.Type != hw.MemUsable {
			a.stat.Used += ent.Length / param.PageSize
			continue
		}
		for off := uint64(0); off < ent.Length; off += param.PageSize {
			clrbit(a.bitmap, (ent.Base+off)/param.PageSize)
		}
		a.stat.Free += ent.Length / param.PageSize
	}

	slog.Info("physseg initialized", "free", a.stat.Free, "used", a.stat.Used)
	return a
}

// Stat returns the current page accounting.
func (a *Allocator) Stat() Stat {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stat
}

// allocScan finds and claims count consecutive clear frames starting
// from the cursor. Returns the physical base, or 0 when the scan hits
// the end of the bitmap without a run.
func (a *Allocator) allocScan(count uint64) uint64 {
	var frames uint64
	idx := int64(-1)

	for i := a.lastIdx; i < a.highest; i++ {
		if !testbit(a.bitmap, i) {
			if idx < 0 {
				idx = int64(i)
			}
			frames++
			if frames >= count {
				break
			}
			continue
		}
		idx = -1
		frames = 0
	}

	if idx < 0 || frames != count {
		return 0
	}

	for i := uint64(idx); i < uint64(idx)+count; i++ {
		setbit(a.bitmap, i)
	}
	a.lastIdx = uint64(idx) + count

	base := uint64(idx) * param.PageSize
	if err := a.mem.Zero(base, count*param.PageSize); err != nil {
		// A set bitmap bit over unbacked memory is a construction
		// bug, not a runtime condition.
		panic(err)
	}
	return base
}

// Alloc returns the base of count contiguous free frames, zeroed and
// marked used, or 0 after a full sweep fails. Running out of memory is
// reported, never fatal here; the caller decides whether to panic.
func (a *Allocator) Alloc(count uint64) uint64 {
	if count == 0 {
		return 0
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	base := a.allocScan(count)
	if base == 0 {
		// Wrap the cursor and retry once from the bottom.
		a.lastIdx = 0
		base = a.allocScan(count)
	}
	if base == 0 {
		return 0
	}

	a.stat.Used += count
	a.stat.Free -= count
	return base
}

// Free clears count frames starting at base (rounded up to a page
// boundary). Freeing an already-free range is a silent no-op per
// frame; double-freeing a live range is a caller bug and not guarded.
func (a *Allocator) Free(base, count uint64) {
	stopAt := base + count*param.PageSize
	base = param.AlignUp(base, param.PageSize)

	a.mu.Lock()
	defer a.mu.Unlock()

	var cleared uint64
	for p := base; p < stopAt; p += param.PageSize {
		i := p / param.PageSize
		if i >= a.highest {
			break
		}
		if testbit(a.bitmap, i) {
			clrbit(a.bitmap, i)
			cleared++
		}
	}
	a.stat.Used -= cleared
	a.stat.Free += cleared
}

// Snapshot copies the bitmap for comparison in tests.
func (a *Allocator) Snapshot() []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]byte(nil), a.bitmap...)
}
