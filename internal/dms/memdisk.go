package dms

import "github.com/perchos/perch/internal/kerr"

// memDisk is a RAM-backed disk used while no block driver is bound.
type memDisk struct {
	blocks []byte
}

// NewMemDisk registers a RAM-backed disk of size bytes.
func (s *Subsys) NewMemDisk(name string, size uint64, bsize uint16) (*Disk, error) {
	md := &memDisk{blocks: make([]byte, size)}
	return s.Register(name, md, bsize, md)
}

// Read implements Ops.
func (m *memDisk) Read(dp *Disk, p []byte, off int64) (int64, error) {
	if off < 0 || off >= int64(len(m.blocks)) {
		return 0, kerr.EINVAL
	}
	return int64(copy(p, m.blocks[off:])), nil
}

// Write implements Ops.
func (m *memDisk) Write(dp *Disk, p []byte, off int64) (int64, error) {
	if off < 0 || off >= int64(len(m.blocks)) {
		return 0, kerr.EINVAL
	}
	return int64(copy(m.blocks[off:], p)), nil
}
