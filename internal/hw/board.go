package hw

import "fmt"

// Config sizes a Board. Zero fields take defaults.
type Config struct {
	MemSize      uint64 // bytes of RAM, low region included
	NumCores     int
	FB           *FBInfo
	PagingLevels int // translation levels the firmware left enabled
}

const (
	// LowMemTop is where the firmware-reserved low region ends and
	// usable RAM begins.
	LowMemTop = 0x100000

	defaultMemSize = 256 << 20
)

// Board is the whole machine: physical memory and its firmware map,
// the framebuffer, the boot modules, the processor cores and the
// external interrupt router.
type Board struct {
	Mem     *Memory
	MemMap  []MapEntry
	FB      FBInfo
	RSDP    uint64 // physical address of the ACPI root pointer, 0 if absent
	Modules []Module
	Cores   []*Core
	Router  *Router

	// PagingLevels is what the firmware left the translation
	// hardware configured for.
	PagingLevels int

	modTop uint64
}

// NewBoard builds a machine from cfg.
func NewBoard(cfg Config) (*Board, error) {
	if cfg.MemSize == 0 {
		cfg.MemSize = defaultMemSize
	}
	if cfg.NumCores <= 0 {
		cfg.NumCores = 1
	}
	if cfg.PagingLevels == 0 {
		cfg.PagingLevels = 4
	}
	if cfg.MemSize <= LowMemTop {
		return nil, fmt.Errorf("hw: memory size 0x%x below the low region", cfg.MemSize)
	}

	b := &Board{
		Mem:          NewMemory(),
		PagingLevels: cfg.PagingLevels,
		modTop:       cfg.MemSize,
	}
	b.Mem.AddRegion(0, cfg.MemSize)
	b.MemMap = []MapEntry{
		{Base: 0, Length: LowMemTop, Type: MemReserved},
		{Base: LowMemTop, Length: cfg.MemSize - LowMemTop, Type: MemUsable},
	}

	if cfg.FB != nil {
		b.FB = *cfg.FB
		vramLen := uint64(cfg.FB.Pitch) * uint64(cfg.FB.Height)
		b.Mem.AddRegion(cfg.FB.Addr, vramLen)
		b.MemMap = append(b.MemMap, MapEntry{
			Base: cfg.FB.Addr, Length: vramLen, Type: MemFramebuffer,
		})
	}

	for i := 0; i < cfg.NumCores; i++ {
		b.Cores = append(b.Cores, &Core{APICID: uint32(i), mem: b.Mem})
	}
	b.Router = NewRouter(b.Cores[0])
	return b, nil
}

// AddModule loads a boot module above RAM, the way the bootloader
// places files it was asked to carry, and records it in the module
// list. Must be called before the kernel reads the boot variables.
func (b *Board) AddModule(path string, data []byte) Module {
	base := (b.modTop + pageSize - 1) &^ (pageSize - 1)
	if base < 1<<32 {
		// Keep modules clear of the 32-bit hole devices live in.
		base = 1 << 32
	}
	size := uint64(len(data))
	b.Mem.AddRegion(base, (size+pageSize-1)&^(pageSize-1))
	if _, err := b.Mem.WriteAt(data, int64(base)); err != nil {
		panic(err) // fresh region, cannot fail
	}
	mod := Module{Path: path, Base: base, Size: size}
	b.Modules = append(b.Modules, mod)
	b.MemMap = append(b.MemMap, MapEntry{
		Base: base, Length: (size + pageSize - 1) &^ (pageSize - 1),
		Type: MemBootloaderReclaimable,
	})
	b.modTop = base + size
	return mod
}

// BootCore returns the bootstrap processor.
func (b *Board) BootCore() *Core { return b.Cores[0] }
