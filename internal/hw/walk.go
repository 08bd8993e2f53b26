package hw

// Page-table entry bits (4-level long mode format).
const (
	PTEPresent uint64 = 1 << 0
	PTEWrite   uint64 = 1 << 1
	PTEUser    uint64 = 1 << 2
	PTENoExec  uint64 = 1 << 63

	PTEAddrMask uint64 = 0x000F_FFFF_FFFF_F000
)

const (
	pageShift   = 12
	pageSize    = 1 << pageShift
	ptIndexMask = 0x1FF
)

// Access describes the kind of memory access being translated.
type Access struct {
	Write bool
	Exec  bool
	User  bool
}

// faultCode builds a page-fault error code for a failed access.
func (a Access) faultCode(present bool) uint64 {
	var code uint64
	if present {
		code |= PFPresent
	}
	if a.Write {
		code |= PFWrite
	}
	if a.User {
		code |= PFUser
	}
	if a.Exec {
		code |= PFExec
	}
	return code
}

// ErrTranslation is the hardware walker's fault report: the virtual
// address and the error code the CPU would push.
type ErrTranslation struct {
	Addr uint64
	Code uint64
}

// Error implements error.
func (e ErrTranslation) Error() string {
	return "hw: translation fault"
}

// Translate walks the 4-level table tree rooted at cr3 and returns the
// physical address backing va for the given access, or ErrTranslation
// carrying the fault code the hardware would raise.
func (m *Memory) Translate(cr3, va uint64, acc Access) (uint64, error) {
	table := cr3 & PTEAddrMask
	for level := 3; level > 0; level-- {
		idx := (va >> (pageShift + 9*level)) & ptIndexMask
		pte, err := m.ReadU64(table + idx*8)
		if err != nil {
			return 0, ErrTranslation{Addr: va, Code: acc.faultCode(false)}
		}
		if pte&PTEPresent == 0 {
			return 0, ErrTranslation{Addr: va, Code: acc.faultCode(false)}
		}
		if acc.User && pte&PTEUser == 0 {
			return 0, ErrTranslation{Addr: va, Code: acc.faultCode(true)}
		}
		if acc.Write && pte&PTEWrite == 0 {
			return 0, ErrTranslation{Addr: va, Code: acc.faultCode(true)}
		}
		table = pte & PTEAddrMask
	}

	idx := (va >> pageShift) & ptIndexMask
	pte, err := m.ReadU64(table + idx*8)
	if err != nil {
		return 0, ErrTranslation{Addr: va, Code: acc.faultCode(false)}
	}
	if pte&PTEPresent == 0 {
		return 0, ErrTranslation{Addr: va, Code: acc.faultCode(false)}
	}
	if acc.User && pte&PTEUser == 0 {
		return 0, ErrTranslation{Addr: va, Code: acc.faultCode(true)}
	}
	if acc.Write && pte&PTEWrite == 0 {
		return 0, ErrTranslation{Addr: va, Code: acc.faultCode(true)}
	}
	if acc.Exec && pte&PTENoExec != 0 {
		return 0, ErrTranslation{Addr: va, Code: acc.faultCode(true)}
	}
	return (pte & PTEAddrMask) | (va & (pageSize - 1)), nil
}
