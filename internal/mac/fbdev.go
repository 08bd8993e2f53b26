package mac

import (
	"encoding/binary"

	"github.com/perchos/perch/internal/bootvars"
	"github.com/perchos/perch/internal/kerr"
	"github.com/perchos/perch/internal/mmu"
	"github.com/perchos/perch/internal/proc"
)

// FBInfoSize is the encoded size of the attribute record Getattr
// fills: width, height and pitch as little-endian dwords.
const FBInfoSize = 12

// fbdevOps backs the framebuffer border: it maps video RAM into the
// caller's address space, truncating to the device's maximum.
type fbdevOps struct {
	bv    *bootvars.Reader
	procs *proc.Subsys
}

// NewFBDevBorder builds the framebuffer border. The resource requires
// the restricted level.
func NewFBDevBorder(bv *bootvars.Reader, procs *proc.Subsys) *Border {
	return &Border{
		Level: proc.MacRestricted,
		Ops:   &fbdevOps{bv: bv, procs: procs},
	}
}

// Map implements Ops.
func (o *fbdevOps) Map(b *Border, pc *proc.Pcore, args *MapArgs) (int64, error) {
	self := pc.CurProc
	if self == nil {
		return 0, kerr.EINVAL
	}

	fb := o.bv.Read().FB
	if fb.Addr == 0 {
		return 0, kerr.ENODEV
	}

	maxSize := uint64(fb.Width) * uint64(fb.Pitch)
	if args.Len > maxSize {
		args.Len = maxSize
	}
	if args.Len == 0 {
		return 0, kerr.EINVAL
	}

	spec := mmu.Spec{VA: fb.Addr, PA: fb.Addr}
	out, err := o.procs.MapUser(self, spec, args.Len,
		mmu.ProtRead|mmu.ProtWrite|mmu.ProtUser)
	if err != nil {
		return 0, err
	}

	args.Result = out.VA
	return int64(args.Len), nil
}

// Sync implements Ops; the modeled device needs no flushing.
func (o *fbdevOps) Sync(b *Border, flags int) error { return nil }

// Getattr implements Ops.
func (o *fbdevOps) Getattr(b *Border, p []byte) (int, error) {
	if len(p) < FBInfoSize {
		return 0, kerr.EINVAL
	}
	fb := o.bv.Read().FB
	binary.LittleEndian.PutUint32(p[0:4], fb.Width)
	binary.LittleEndian.PutUint32(p[4:8], fb.Height)
	binary.LittleEndian.PutUint32(p[8:12], fb.Pitch)
	return FBInfoSize, nil
}
