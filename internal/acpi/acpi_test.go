package acpi

import (
	"testing"

	"github.com/perchos/perch/internal/bootvars"
	"github.com/perchos/perch/internal/hw"
)

func newBoard(t *testing.T, cores int) *hw.Board {
	t.Helper()
	b, err := hw.NewBoard(hw.Config{MemSize: 16 << 20, NumCores: cores})
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestInstallAndParse(t *testing.T) {
	b := newBoard(t, 4)
	if err := Install(b, InstallConfig{}); err != nil {
		t.Fatal(err)
	}
	if b.RSDP == 0 {
		t.Fatal("RSDP slot not set")
	}

	sub, err := EarlyInit(bootvars.NewReader(b))
	if err != nil {
		t.Fatal(err)
	}

	if _, ok := sub.Query("APIC"); !ok {
		t.Fatal("MADT not reachable through the root SDT")
	}
	if _, ok := sub.Query("HPET"); ok {
		t.Fatal("unexpected HPET table")
	}
}

func TestMADTEnumeratesCores(t *testing.T) {
	b := newBoard(t, 4)
	if err := Install(b, InstallConfig{}); err != nil {
		t.Fatal(err)
	}
	sub, err := EarlyInit(bootvars.NewReader(b))
	if err != nil {
		t.Fatal(err)
	}

	lapics, ioapics, err := sub.MADT()
	if err != nil {
		t.Fatal(err)
	}
	if len(lapics) != 4 {
		t.Fatalf("lapic entries: got %d want 4", len(lapics))
	}
	for i, l := range lapics {
		if l.APICID != uint8(i) {
			t.Fatalf("lapic %d has apic id %d", i, l.APICID)
		}
	}
	if len(ioapics) != 1 {
		t.Fatalf("ioapic entries: got %d want 1", len(ioapics))
	}
	if ioapics[0].Addr != 0xFEC00000 {
		t.Fatalf("ioapic addr: got 0x%x", ioapics[0].Addr)
	}
}

func TestChecksumDetectsCorruption(t *testing.T) {
	b := newBoard(t, 1)
	if err := Install(b, InstallConfig{}); err != nil {
		t.Fatal(err)
	}

	// Corrupt one byte of the root SDT; the 8-bit running sum stops
	// being zero and init must refuse the tables.
	sub, err := EarlyInit(bootvars.NewReader(b))
	if err != nil {
		t.Fatal(err)
	}
	body, err := b.Mem.Slice(sub.rootSDT, HeaderSize)
	if err != nil {
		t.Fatal(err)
	}
	body[10] ^= 0xFF

	if _, err := EarlyInit(bootvars.NewReader(b)); err != ErrBadChecksum {
		t.Fatalf("got %v want ErrBadChecksum", err)
	}
}

func TestMissingRSDP(t *testing.T) {
	b := newBoard(t, 1)
	if _, err := EarlyInit(bootvars.NewReader(b)); err != ErrNoRSDP {
		t.Fatalf("got %v want ErrNoRSDP", err)
	}
}

func TestChecksumAccumulator(t *testing.T) {
	// 0x80+0x80 must wrap in the 8-bit accumulator.
	if got := Checksum([]byte{0x80, 0x80}); got != 0 {
		t.Fatalf("wrapping sum: got %#x want 0", got)
	}
	if got := Checksum([]byte{0x01}); got != 1 {
		t.Fatalf("sum: got %#x want 1", got)
	}
}
