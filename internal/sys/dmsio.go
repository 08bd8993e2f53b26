package sys

import (
	"encoding/binary"

	"github.com/perchos/perch/internal/dms"
	"github.com/perchos/perch/internal/kerr"
	"github.com/perchos/perch/internal/param"
	"github.com/perchos/perch/internal/proc"
)

// dms frame user layout (packed): id u16, opcode u8, buf u64,
// offset i64, len u64.
const dmsFrameSize = 27

func decodeDmsFrame(b []byte) dms.Frame {
	return dms.Frame{
		ID:     binary.LittleEndian.Uint16(b[0:2]),
		Opcode: b[2],
		Buf:    binary.LittleEndian.Uint64(b[3:11]),
		Offset: int64(binary.LittleEndian.Uint64(b[11:19])),
		Len:    binary.LittleEndian.Uint64(b[19:27]),
	}
}

// ARG0: frame pointer
func (d *Deps) sysDmsio(pc *proc.Pcore, a *proc.Args) int64 {
	p := self(pc)
	if p == nil {
		return int64(kerr.ESRCH)
	}

	var fbuf [dmsFrameSize]byte
	if err := d.Procs.Copyin(p, a.Arg[0], fbuf[:]); err != nil {
		return int64(kerr.From(err))
	}
	frame := decodeDmsFrame(fbuf[:])

	if frame.Len == 0 || frame.Len > param.IOTapMsgMax {
		return int64(kerr.EINVAL)
	}

	dp := d.DMS.Get(frame.ID)
	if dp == nil {
		return int64(kerr.ENODEV)
	}

	pa := d.Procs.Heap.Alloc(frame.Len)
	if pa == 0 {
		return int64(kerr.ENOMEM)
	}
	defer d.Procs.Heap.Free(pa)
	kbuf := d.Procs.Heap.Bytes(pa)[:frame.Len]

	switch frame.Opcode {
	case dms.OpcRead:
		n, err := d.DMS.Read(dp, kbuf, frame.Offset)
		if err != nil {
			return int64(kerr.From(err))
		}
		if err := d.Procs.Copyout(p, kbuf, frame.Buf); err != nil {
			return int64(kerr.From(err))
		}
		return n

	case dms.OpcWrite:
		if err := d.Procs.Copyin(p, frame.Buf, kbuf); err != nil {
			return int64(kerr.From(err))
		}
		n, err := d.DMS.Write(dp, kbuf, frame.Offset)
		return kerr.Ret(n, err)

	case dms.OpcQuery:
		var info [dms.DiskNameMax + 4]byte
		copy(info[:dms.DiskNameMax], dp.Name)
		binary.LittleEndian.PutUint16(info[dms.DiskNameMax:], dp.BSize)
		binary.LittleEndian.PutUint16(info[dms.DiskNameMax+2:], dp.ID)
		out := info[:]
		if frame.Len < uint64(len(out)) {
			out = out[:frame.Len]
		}
		if err := d.Procs.Copyout(p, out, frame.Buf); err != nil {
			return int64(kerr.From(err))
		}
		return int64(len(out))
	}

	return int64(kerr.ENXIO)
}
