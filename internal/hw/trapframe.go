package hw

// Trap vector numbers. The low vectors are the architectural
// exceptions; VecSyscall and VecHalt are software gates; vectors at
// VecIRQBase and above form the pool handed to external interrupts.
const (
	TrapArithErr    = 0x00
	TrapNMI         = 0x02
	TrapBreakpoint  = 0x03
	TrapOverflow    = 0x04
	TrapBoundRange  = 0x05
	TrapInvlOp      = 0x06
	TrapDoubleFault = 0x08
	TrapInvlTSS     = 0x0A
	TrapSegNP       = 0x0B
	TrapSSFault     = 0x0C
	TrapProtFault   = 0x0D
	TrapPageFault   = 0x0E

	VecTimer   = 0x20
	VecIRQBase = 0x60
	VecSyscall = 0x80
	VecHalt    = 0x90

	NVectors = 256
)

// Page-fault error code bits, in hardware order.
const (
	PFPresent   = 1 << 0 // protection violation (else not-present)
	PFWrite     = 1 << 1 // access was a write
	PFUser      = 1 << 2 // fault while in user mode
	PFReserved  = 1 << 3 // reserved bit set in a table entry
	PFExec      = 1 << 4 // instruction fetch
	PFProtKey   = 1 << 5 // protection-key violation
	PFShadowStk = 1 << 6 // shadow-stack access
)

// Segment selector values. User selectors carry RPL 3 in the low bits.
const (
	KernelCS = 0x08
	KernelDS = 0x10
	UserCS   = 0x18 | 3
	UserDS   = 0x20 | 3
)

// RFlagsDefault has IF set plus the always-one bit.
const RFlagsDefault = 0x202

// TrapFrame is the register snapshot the entry stubs push on every
// trap. Vectors that supply no hardware error code get a zero
// placeholder so the frame layout is uniform.
type TrapFrame struct {
	RAX, RBX, RCX, RDX uint64
	RSI, RDI, RBP      uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64

	Trapno    uint64
	ErrorCode uint64

	RIP    uint64
	CS     uint64
	Rflags uint64
	RSP    uint64
	SS     uint64
}

// FromUser reports whether the frame was pushed on a trap out of user
// mode (requestor privilege level 3 in the saved code selector).
func (tf *TrapFrame) FromUser() bool {
	return tf.CS&3 != 0
}
