package acpi

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"

	"github.com/perchos/perch/internal/bootvars"
	"github.com/perchos/perch/internal/hw"
)

var (
	ErrNoRSDP       = errors.New("acpi: firmware provided no RSDP")
	ErrBadSignature = errors.New("acpi: bad RSDP signature")
	ErrBadChecksum  = errors.New("acpi: root SDT checksum is invalid")
)

// Subsystem is the parsed view of the firmware's ACPI tables.
type Subsystem struct {
	mem *hw.Memory

	rootSDT uint64   // physical address of RSDT or XSDT
	tables  []uint64 // physical addresses of the child tables
}

// EarlyInit locates the root system descriptor table through the boot
// variables and validates it. Failures here are invariant violations;
// callers panic on error.
func EarlyInit(bv *bootvars.Reader) (*Subsystem, error) {
	vars := bv.Read()
	if vars.RSDP == 0 {
		return nil, ErrNoRSDP
	}
	s := &Subsystem{mem: bv.Mem()}

	raw, err := s.mem.Slice(vars.RSDP, rsdpV2Size)
	if err != nil {
		return nil, fmt.Errorf("acpi: reading RSDP: %w", err)
	}
	if !bytes.Equal(raw[0:8], rsdpSignature[:]) {
		return nil, ErrBadSignature
	}

	revision := raw[15]
	entryWidth := 4
	if revision >= 2 {
		s.rootSDT = binary.LittleEndian.Uint64(raw[24:32])
		entryWidth = 8
		slog.Info("acpi: using XSDT as root SDT")
	} else {
		s.rootSDT = uint64(binary.LittleEndian.Uint32(raw[16:20]))
		slog.Info("acpi: using RSDT as root SDT")
	}

	hdr, body, err := s.readTable(s.rootSDT)
	if err != nil {
		return nil, err
	}
	if Checksum(body) != 0 {
		return nil, ErrBadChecksum
	}

	n := (int(hdr.Length) - HeaderSize) / entryWidth
	for i := 0; i < n; i++ {
		ent := body[HeaderSize+i*entryWidth:]
		if entryWidth == 8 {
			s.tables = append(s.tables, binary.LittleEndian.Uint64(ent[:8]))
		} else {
			s.tables = append(s.tables, uint64(binary.LittleEndian.Uint32(ent[:4])))
		}
	}
	return s, nil
}

// readTable returns the header and the full encoded table at pa.
func (s *Subsystem) readTable(pa uint64) (Header, []byte, error) {
	raw, err := s.mem.Slice(pa, HeaderSize)
	if err != nil {
		return Header{}, nil, fmt.Errorf("acpi: table header at 0x%x: %w", pa, err)
	}
	hdr := decodeHeader(raw)
	body, err := s.mem.Slice(pa, uint64(hdr.Length))
	if err != nil {
		return Header{}, nil, fmt.Errorf("acpi: table body at 0x%x: %w", pa, err)
	}
	return hdr, body, nil
}

// Query looks up a child table by its four-byte signature and returns
// its encoded bytes.
func (s *Subsystem) Query(sig string) ([]byte, bool) {
	for _, pa := range s.tables {
		hdr, body, err := s.readTable(pa)
		if err != nil {
			continue
		}
		if string(hdr.Signature[:]) == sig {
			return body, true
		}
	}
	return nil, false
}

// MADT walks the APIC table and returns the processor and I/O APIC
// entries.
func (s *Subsystem) MADT() (lapics []LocalAPIC, ioapics []IOAPIC, err error) {
	body, ok := s.Query("APIC")
	if !ok {
		return nil, nil, errors.New("acpi: no MADT")
	}
	// Fixed MADT prologue: header, lapic addr, flags.
	cur := HeaderSize + 8
	for cur+2 <= len(body) {
		typ := body[cur]
		length := int(body[cur+1])
		if length < 2 || cur+length > len(body) {
			break
		}
		ent := body[cur : cur+length]
		switch typ {
		case APICTypeLocalAPIC:
			lapics = append(lapics, LocalAPIC{
				ProcessorID: ent[2],
				APICID:      ent[3],
				Flags:       binary.LittleEndian.Uint32(ent[4:8]),
			})
		case APICTypeIOAPIC:
			ioapics = append(ioapics, IOAPIC{
				ID:      ent[2],
				Addr:    binary.LittleEndian.Uint32(ent[4:8]),
				GSIBase: binary.LittleEndian.Uint32(ent[8:12]),
			})
		}
		cur += length
	}
	return lapics, ioapics, nil
}
