package proc

import (
	"log/slog"

	"github.com/perchos/perch/internal/hw"
	"github.com/perchos/perch/internal/param"
)

// Pcore is the per-core descriptor: logical id, the process currently
// on the core, the core's runqueue and the machine-dependent state.
// Allocated once per core at bring-up and never destroyed. The
// descriptor pointer is stored in the core's self register so that
// "current core" is one load from any context.
type Pcore struct {
	ID      uint32
	CurProc *Proc
	SCQ     SchedQueue
	Core    *hw.Core
	Self    *Pcore
}

// ThisCore recovers the per-core descriptor from the machine core's
// self register, the way the trap stubs do.
func ThisCore(c *hw.Core) *Pcore {
	pc, _ := c.Self.(*Pcore)
	return pc
}

// CPUGet returns the core descriptor with logical id index, or nil.
func (s *Subsys) CPUGet(index uint32) *Pcore {
	if index >= uint32(s.coresUp.Load()) || index >= param.CPUMax {
		return nil
	}
	return s.cores[index]
}

// NCores returns the number of cores brought up.
func (s *Subsys) NCores() uint32 {
	return uint32(s.coresUp.Load())
}

// cpuConf configures one core: allocate its descriptor, point the
// self register at it and publish it in the core list.
func (s *Subsys) cpuConf(c *hw.Core, logical uint32) *Pcore {
	pc := &Pcore{ID: logical, Core: c}
	pc.Self = pc
	c.Self = pc
	s.cores[logical] = pc
	return pc
}

// BSPStartup configures the bootstrap processor and brings the
// application processors online. Each secondary assigns itself the
// next sequential logical id under a short lock, configures itself,
// and publishes its arrival with a release increment the bootstrap
// spins on with acquire loads. Core counts past the configured
// maximum are truncated.
func (s *Subsys) BSPStartup(b *hw.Board) *Pcore {
	bsp := s.cpuConf(b.BootCore(), 0)
	s.coresUp.Store(1)

	ncores := uint32(len(b.Cores))
	if ncores > param.CPUMax {
		slog.Info("mp: not starting cores past the cap", "skipped", ncores-param.CPUMax)
		ncores = param.CPUMax
	}
	if ncores == 1 {
		slog.Info("mp: single cored CPU - no APs to bring up")
		return bsp
	}

	slog.Info("mp: bringing APs online...")
	bootAPIC := b.BootCore().APICID
	for _, c := range b.Cores {
		if c.APICID == bootAPIC {
			continue
		}
		go s.apEntry(c)
	}

	// The increment in apEntry is the release this acquire pairs
	// with.
	for s.coresUp.Load() < uint64(ncores) {
	}
	slog.Info("mp: cores up", "count", ncores-1)
	return bsp
}

// apEntry is the application processor entry point.
func (s *Subsys) apEntry(c *hw.Core) {
	s.coreLock.Lock()
	defer s.coreLock.Unlock()

	id := uint32(s.coresUp.Load())
	if id >= param.CPUMax {
		return
	}
	s.cpuConf(c, id)
	s.coresUp.Add(1)
}

// SchedInit prepares a core's runqueue. Kept separate from cpuConf to
// match the boot ordering: the scheduler comes up after the cores do.
func (s *Subsys) SchedInit(pc *Pcore) {
	pc.SCQ.init()
	if pc.ID == 0 {
		slog.Info("sched: scheduler is [up]")
	}
}
