// Package loader turns executable images into mapped process address
// spaces. The accepted format is the ELF64 subset the system's own
// toolchain emits: loadable segments with a virtual base, file
// offset, file size, memory size and protection bits.
package loader

import (
	"encoding/binary"
	"log/slog"

	"github.com/perchos/perch/internal/kerr"
	"github.com/perchos/perch/internal/mmu"
	"github.com/perchos/perch/internal/param"
	"github.com/perchos/perch/internal/proc"
)

const (
	ehdrSize = 64
	phdrSize = 56

	emX8664   = 62
	evCurrent = 1

	ptLoad = 1

	pfX = 1
	pfW = 2
	pfR = 4
)

var elfMagic = [4]byte{0x7F, 'E', 'L', 'F'}

// Segment is one loadable program segment.
type Segment struct {
	VAddr  uint64
	Off    uint64
	FileSz uint64
	MemSz  uint64
	Flags  uint32
}

// verify checks the identification header: magic, machine, version.
func verify(img []byte) error {
	if len(img) < ehdrSize {
		return kerr.ENOEXEC
	}
	if [4]byte(img[0:4]) != elfMagic {
		slog.Warn("loader: bad image magic")
		return kerr.ENOEXEC
	}
	if binary.LittleEndian.Uint16(img[18:20]) != emX8664 {
		slog.Warn("loader: bad target machine")
		return kerr.ENOEXEC
	}
	if img[6] != evCurrent {
		slog.Warn("loader: bad version")
		return kerr.ENOEXEC
	}
	return nil
}

// Parse returns the entry point and loadable segments of an image.
func Parse(img []byte) (uint64, []Segment, error) {
	if err := verify(img); err != nil {
		return 0, nil, err
	}
	entry := binary.LittleEndian.Uint64(img[24:32])
	phoff := binary.LittleEndian.Uint64(img[32:40])
	phentsize := uint64(binary.LittleEndian.Uint16(img[54:56]))
	phnum := int(binary.LittleEndian.Uint16(img[56:58]))

	var segs []Segment
	for i := 0; i < phnum; i++ {
		off := phoff + uint64(i)*phentsize
		if off+phdrSize > uint64(len(img)) {
			return 0, nil, kerr.ENOEXEC
		}
		ph := img[off : off+phdrSize]
		if binary.LittleEndian.Uint32(ph[0:4]) != ptLoad {
			continue
		}
		segs = append(segs, Segment{
			Flags:  binary.LittleEndian.Uint32(ph[4:8]),
			Off:    binary.LittleEndian.Uint64(ph[8:16]),
			VAddr:  binary.LittleEndian.Uint64(ph[16:24]),
			FileSz: binary.LittleEndian.Uint64(ph[32:40]),
			MemSz:  binary.LittleEndian.Uint64(ph[40:48]),
		})
	}
	return entry, segs, nil
}

// load maps every segment into the process: fresh frames, data copied
// from the image, protection from the segment flags.
func (l *Loader) load(p *proc.Proc, img []byte) (uint64, error) {
	entry, segs, err := Parse(img)
	if err != nil {
		return 0, err
	}

	for _, seg := range segs {
		if seg.MemSz == 0 && seg.FileSz == 0 {
			continue
		}

		prot := mmu.ProtRead | mmu.ProtUser
		if seg.Flags&pfW != 0 {
			prot |= mmu.ProtWrite
		}
		if seg.Flags&pfX != 0 {
			prot |= mmu.ProtExec
		}

		misalign := seg.VAddr & param.PageMask
		length := param.AlignUp(seg.MemSz+misalign, param.PageSize)
		npgs := length / param.PageSize
		if npgs == 0 {
			npgs = 1
		}

		frame := l.Procs.Frames.Alloc(npgs)
		if frame == 0 {
			slog.Error("loader: could not allocate segment frames")
			return 0, kerr.ENOMEM
		}

		if seg.Off+seg.FileSz > uint64(len(img)) {
			return 0, kerr.ENOEXEC
		}
		if seg.FileSz > 0 {
			data := img[seg.Off : seg.Off+seg.FileSz]
			if _, err := l.Procs.Mem.WriteAt(data, int64(frame+misalign)); err != nil {
				return 0, err
			}
		}

		_, err := l.Procs.MapUser(p, mmu.Spec{VA: seg.VAddr, PA: frame}, length, prot)
		if err != nil {
			slog.Error("loader: failed to map segment", "vaddr", seg.VAddr, "err", err)
			return 0, err
		}
	}
	return entry, nil
}
