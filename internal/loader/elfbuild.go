package loader

import "encoding/binary"

// BuildSegment describes one segment for MakeImage.
type BuildSegment struct {
	VAddr uint64
	Flags uint32 // pfR/pfW/pfX combinations
	Data  []byte
	MemSz uint64 // defaults to len(Data)
}

// Segment flag values for image construction.
const (
	SegR  = pfR
	SegW  = pfW
	SegX  = pfX
	SegRX = pfR | pfX
	SegRW = pfR | pfW
)

// MakeImage assembles a loadable executable in the accepted format.
// The image tool and the test fixtures use it; the kernel only ever
// parses.
func MakeImage(entry uint64, segs []BuildSegment) []byte {
	phoff := uint64(ehdrSize)
	dataOff := phoff + uint64(len(segs))*phdrSize

	ehdr := make([]byte, ehdrSize)
	copy(ehdr[0:4], elfMagic[:])
	ehdr[4] = 2 // 64-bit
	ehdr[5] = 1 // little-endian
	ehdr[6] = evCurrent
	binary.LittleEndian.PutUint16(ehdr[16:18], 2) // ET_EXEC
	binary.LittleEndian.PutUint16(ehdr[18:20], emX8664)
	binary.LittleEndian.PutUint32(ehdr[20:24], evCurrent)
	binary.LittleEndian.PutUint64(ehdr[24:32], entry)
	binary.LittleEndian.PutUint64(ehdr[32:40], phoff)
	binary.LittleEndian.PutUint16(ehdr[52:54], ehdrSize)
	binary.LittleEndian.PutUint16(ehdr[54:56], phdrSize)
	binary.LittleEndian.PutUint16(ehdr[56:58], uint16(len(segs)))

	out := append([]byte(nil), ehdr...)
	off := dataOff
	for _, seg := range segs {
		memsz := seg.MemSz
		if memsz == 0 {
			memsz = uint64(len(seg.Data))
		}
		ph := make([]byte, phdrSize)
		binary.LittleEndian.PutUint32(ph[0:4], ptLoad)
		binary.LittleEndian.PutUint32(ph[4:8], seg.Flags)
		binary.LittleEndian.PutUint64(ph[8:16], off)
		binary.LittleEndian.PutUint64(ph[16:24], seg.VAddr)
		binary.LittleEndian.PutUint64(ph[24:32], seg.VAddr)
		binary.LittleEndian.PutUint64(ph[32:40], uint64(len(seg.Data)))
		binary.LittleEndian.PutUint64(ph[40:48], memsz)
		binary.LittleEndian.PutUint64(ph[48:56], 0x1000)
		out = append(out, ph...)
		off += uint64(len(seg.Data))
	}
	for _, seg := range segs {
		out = append(out, seg.Data...)
	}
	return out
}
