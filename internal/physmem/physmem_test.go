package physmem

import (
	"bytes"
	"testing"

	"github.com/perchos/perch/internal/hw"
	"github.com/perchos/perch/internal/param"
)

// newTestAllocator models the boot scenario: one usable region
// [0x100000, 0x10000000).
func newTestAllocator(t *testing.T) *Allocator {
	t.Helper()
	mem := hw.NewMemory()
	mem.AddRegion(0, 0x10000000)
	mmap := []hw.MapEntry{
		{Base: 0, Length: 0x100000, Type: hw.MemReserved},
		{Base: 0x100000, Length: 0x10000000 - 0x100000, Type: hw.MemUsable},
	}
	return New(mem, mmap)
}

func TestInitStats(t *testing.T) {
	a := newTestAllocator(t)
	st := a.Stat()

	if st.Free != 65280 {
		t.Fatalf("pages_free: got %d want 65280", st.Free)
	}
	if st.Free+st.Used != st.Total {
		t.Fatalf("free+used != total: %d+%d != %d", st.Free, st.Used, st.Total)
	}
}

func TestAllocAlignedAndZeroed(t *testing.T) {
	a := newTestAllocator(t)

	base := a.Alloc(4)
	if base == 0 {
		t.Fatal("alloc failed")
	}
	if base%param.PageSize != 0 {
		t.Fatalf("base 0x%x not page aligned", base)
	}

	b, err := a.mem.Slice(base, 4*param.PageSize)
	if err != nil {
		t.Fatal(err)
	}
	for i, c := range b {
		if c != 0 {
			t.Fatalf("byte %d not zeroed: %#x", i, c)
		}
	}
}

func TestStatsInvariantAcrossOps(t *testing.T) {
	a := newTestAllocator(t)

	var bases []uint64
	for i := 0; i < 10; i++ {
		base := a.Alloc(uint64(i + 1))
		if base == 0 {
			t.Fatalf("alloc %d failed", i)
		}
		bases = append(bases, base)
		st := a.Stat()
		if st.Free+st.Used != st.Total {
			t.Fatalf("invariant broken after alloc: %+v", st)
		}
	}
	for i, base := range bases {
		a.Free(base, uint64(i+1))
		st := a.Stat()
		if st.Free+st.Used != st.Total {
			t.Fatalf("invariant broken after free: %+v", st)
		}
	}
}

func TestAllocFreeBitmapRoundTrip(t *testing.T) {
	a := newTestAllocator(t)

	before := a.Snapshot()
	base := a.Alloc(7)
	if base == 0 {
		t.Fatal("alloc failed")
	}
	a.Free(base, 7)
	after := a.Snapshot()

	if !bytes.Equal(before, after) {
		t.Fatal("bitmap differs after alloc+free round trip")
	}
}

func TestFreeIsIdempotent(t *testing.T) {
	a := newTestAllocator(t)

	base := a.Alloc(2)
	a.Free(base, 2)
	st := a.Stat()

	a.Free(base, 2)
	if got := a.Stat(); got != st {
		t.Fatalf("double free changed stats: %+v -> %+v", st, got)
	}
}

func TestAllocTooLarge(t *testing.T) {
	a := newTestAllocator(t)
	free := a.Stat().Free

	if base := a.Alloc(free + 1); base != 0 {
		t.Fatalf("alloc(free+1) returned 0x%x, want 0", base)
	}
	if st := a.Stat(); st.Free != free {
		t.Fatalf("failed alloc leaked pages: %+v", st)
	}
}

func TestAllocZero(t *testing.T) {
	a := newTestAllocator(t)
	if base := a.Alloc(0); base != 0 {
		t.Fatalf("alloc(0) returned 0x%x, want 0", base)
	}
}

func TestCursorWraps(t *testing.T) {
	a := newTestAllocator(t)

	// Walk the cursor near the end, then force a wrap.
	free := a.Stat().Free
	big := a.Alloc(free - 8)
	if big == 0 {
		t.Fatal("large alloc failed")
	}
	small := a.Alloc(4)
	if small == 0 {
		t.Fatal("tail alloc failed")
	}
	a.Free(big, free-8)

	// The cursor sits past the tail allocation; this only fits
	// below it.
	wrapped := a.Alloc(free - 8)
	if wrapped == 0 {
		t.Fatal("wrap-around alloc failed")
	}
}
