// Package dms is the disk management core: a registry of storage
// devices and the block-aligned read/write engine user I/O goes
// through.
package dms

import (
	"sync"

	"github.com/perchos/perch/internal/kerr"
	"github.com/perchos/perch/internal/param"
)

// Frame opcodes user space sends through the dms-io syscall.
const (
	OpcRead  = 0x00
	OpcWrite = 0x01
	OpcQuery = 0x02
)

// DiskNameMax bounds a registered disk name.
const DiskNameMax = 128

// Ops are the operations a disk driver implements. Offsets and
// lengths are byte relative; the engine aligns them to the block
// size before they reach the driver.
type Ops interface {
	Read(dp *Disk, p []byte, off int64) (int64, error)
	Write(dp *Disk, p []byte, off int64) (int64, error)
}

// Disk is one registered storage device. The driver sets BSize and
// Data; registration assigns the id.
type Disk struct {
	Name  string
	Ops   Ops
	Data  any
	BSize uint16
	ID    uint16
}

// Frame is the message user applications exchange with the engine.
type Frame struct {
	ID     uint16
	Opcode uint8
	Buf    uint64 // user buffer address
	Offset int64
	Len    uint64
}

// DiskInfo is what a query returns.
type DiskInfo struct {
	Name  [DiskNameMax]byte
	BSize uint16
	ID    uint16
}

// Subsys is the disk registry.
type Subsys struct {
	mu     sync.Mutex
	disks  []*Disk
	nextID uint16
}

// NewSubsys creates an empty registry.
func NewSubsys() *Subsys {
	return &Subsys{}
}

// Register adds a disk to the registry and assigns its id.
func (s *Subsys) Register(name string, ops Ops, bsize uint16, data any) (*Disk, error) {
	if name == "" || ops == nil {
		return nil, kerr.EINVAL
	}
	if len(name) >= DiskNameMax-1 {
		return nil, kerr.ENAMETOOLONG
	}
	if bsize == 0 {
		bsize = 512
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	dp := &Disk{Name: name, Ops: ops, BSize: bsize, Data: data, ID: s.nextID}
	s.nextID++
	s.disks = append(s.disks, dp)
	return dp, nil
}

// Get retrieves a disk by id, or nil when no disk matches.
func (s *Subsys) Get(id uint16) *Disk {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, dp := range s.disks {
		if dp.ID == id {
			return dp
		}
	}
	return nil
}

// Read fills p from the disk through a block-aligned bounce buffer.
func (s *Subsys) Read(dp *Disk, p []byte, off int64) (int64, error) {
	if dp == nil || len(p) == 0 {
		return 0, kerr.EINVAL
	}
	if dp.Ops == nil {
		return 0, kerr.EIO
	}

	realLen := param.AlignUp(uint64(len(p)), uint64(dp.BSize))
	buf := make([]byte, realLen)
	if _, err := dp.Ops.Read(dp, buf, off); err != nil {
		return 0, err
	}
	copy(p, buf)
	return int64(len(p)), nil
}

// Write pushes p to the disk, zero-padding up to the block size.
func (s *Subsys) Write(dp *Disk, p []byte, off int64) (int64, error) {
	if dp == nil || len(p) == 0 {
		return 0, kerr.EINVAL
	}
	if dp.Ops == nil {
		return 0, kerr.EIO
	}

	realLen := param.AlignUp(uint64(len(p)), uint64(dp.BSize))
	buf := make([]byte, realLen)
	copy(buf, p)
	if _, err := dp.Ops.Write(dp, buf, off); err != nil {
		return 0, err
	}
	return int64(len(p)), nil
}
