package acpi

import (
	"encoding/binary"
	"fmt"

	"github.com/perchos/perch/internal/hw"
)

// InstallConfig controls how the firmware-side table set is laid out
// in machine memory. Zero fields take defaults.
type InstallConfig struct {
	TablesBase uint64 // where the tables land; default low-memory BIOS area
	NumCPUs    int
	LAPICAddr  uint32
	IOAPIC     IOAPIC
	OEMID      [6]byte
}

func (c *InstallConfig) normalize(numCores int) {
	if c.TablesBase == 0 {
		c.TablesBase = 0xE0000
	}
	if c.NumCPUs == 0 {
		c.NumCPUs = numCores
	}
	if c.LAPICAddr == 0 {
		c.LAPICAddr = 0xFEE00000
	}
	if c.IOAPIC.Addr == 0 {
		c.IOAPIC.Addr = 0xFEC00000
	}
	if c.OEMID == ([6]byte{}) {
		c.OEMID = [6]byte{'P', 'E', 'R', 'C', 'H', ' '}
	}
}

// Install writes an RSDP, an XSDT and a MADT into the board's memory
// and points the board's RSDP slot at them, the way firmware would
// have. Call before the kernel boots.
func Install(b *hw.Board, cfg InstallConfig) error {
	cfg.normalize(len(b.Cores))

	madtAddr := cfg.TablesBase + 0x100
	madt := buildMADT(cfg)

	xsdtAddr := (madtAddr + uint64(len(madt)) + 15) &^ 15
	xsdt := buildXSDT(cfg, []uint64{madtAddr})

	rsdpAddr := cfg.TablesBase
	rsdp := buildRSDP(cfg, xsdtAddr)

	for _, blob := range []struct {
		addr uint64
		data []byte
	}{
		{rsdpAddr, rsdp},
		{madtAddr, madt},
		{xsdtAddr, xsdt},
	} {
		if _, err := b.Mem.WriteAt(blob.data, int64(blob.addr)); err != nil {
			return fmt.Errorf("acpi: installing tables: %w", err)
		}
	}

	b.RSDP = rsdpAddr
	return nil
}

func stdHeader(sig string, length int, cfg InstallConfig) Header {
	h := Header{
		Length:   uint32(length),
		Revision: 1,
		OEMID:    cfg.OEMID,
	}
	copy(h.Signature[:], sig)
	copy(h.OEMTableID[:], "PERCHDEF")
	h.OEMRevision = 1
	h.CreatorRevision = 1
	return h
}

func buildMADT(cfg InstallConfig) []byte {
	length := HeaderSize + 8 + cfg.NumCPUs*8 + 12
	out := make([]byte, 0, length)
	out = append(out, encodeHeader(stdHeader("APIC", length, cfg))...)

	var prologue [8]byte
	binary.LittleEndian.PutUint32(prologue[0:4], cfg.LAPICAddr)
	binary.LittleEndian.PutUint32(prologue[4:8], 1) // PC-AT compatible
	out = append(out, prologue[:]...)

	for i := 0; i < cfg.NumCPUs; i++ {
		ent := [8]byte{APICTypeLocalAPIC, 8, uint8(i), uint8(i)}
		binary.LittleEndian.PutUint32(ent[4:8], 1) // enabled
		out = append(out, ent[:]...)
	}

	io := [12]byte{APICTypeIOAPIC, 12, cfg.IOAPIC.ID, 0}
	binary.LittleEndian.PutUint32(io[4:8], cfg.IOAPIC.Addr)
	binary.LittleEndian.PutUint32(io[8:12], cfg.IOAPIC.GSIBase)
	out = append(out, io[:]...)

	fixChecksum(out, 9)
	return out
}

func buildXSDT(cfg InstallConfig, entries []uint64) []byte {
	length := HeaderSize + len(entries)*8
	out := make([]byte, 0, length)
	out = append(out, encodeHeader(stdHeader("XSDT", length, cfg))...)
	for _, e := range entries {
		var ent [8]byte
		binary.LittleEndian.PutUint64(ent[:], e)
		out = append(out, ent[:]...)
	}
	fixChecksum(out, 9)
	return out
}

func buildRSDP(cfg InstallConfig, xsdtAddr uint64) []byte {
	out := make([]byte, rsdpV2Size)
	copy(out[0:8], rsdpSignature[:])
	copy(out[9:15], cfg.OEMID[:])
	out[15] = 2 // revision
	binary.LittleEndian.PutUint32(out[20:24], rsdpV2Size)
	binary.LittleEndian.PutUint64(out[24:32], xsdtAddr)

	// Checksum of the v1 prefix first, then the extended checksum
	// over the whole structure.
	out[8] = 0
	out[8] = uint8(0) - Checksum(out[:rsdpV1Size])
	fixChecksum(out, 32)
	return out
}
