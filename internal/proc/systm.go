package proc

import (
	"github.com/perchos/perch/internal/hw"
	"github.com/perchos/perch/internal/kerr"
	"github.com/perchos/perch/internal/param"
)

// userChunk walks p's page tables for one page-bounded chunk.
func (s *Subsys) userChunk(p *Proc, va, n uint64, write bool) ([]byte, error) {
	pa, err := s.Mem.Translate(p.PCB.VAS.Root, va, hw.Access{Write: write})
	if err != nil {
		return nil, kerr.EFAULT
	}
	return s.Mem.Slice(pa, n)
}

func (s *Subsys) userCopy(p *Proc, va uint64, k []byte, toUser bool) error {
	done := uint64(0)
	n := uint64(len(k))
	for done < n {
		chunk := param.PageSize - ((va + done) & param.PageMask)
		if left := n - done; chunk > left {
			chunk = left
		}
		b, err := s.userChunk(p, va+done, chunk, toUser)
		if err != nil {
			return err
		}
		if toUser {
			copy(b, k[done:done+chunk])
		} else {
			copy(k[done:done+chunk], b)
		}
		done += chunk
	}
	return nil
}

// Copyin copies user memory at uaddr into kaddr after verifying the
// range lies within the process's recorded mappings.
func (s *Subsys) Copyin(p *Proc, uaddr uint64, kaddr []byte) error {
	if p == nil {
		return kerr.EIO
	}
	if uaddr == 0 || len(kaddr) == 0 {
		return kerr.EINVAL
	}
	if err := p.CheckAddr(uaddr, uint64(len(kaddr))); err != nil {
		return err
	}
	return s.userCopy(p, uaddr, kaddr, false)
}

// Copyout copies kaddr out to user memory at uaddr with the same
// validation as Copyin.
func (s *Subsys) Copyout(p *Proc, kaddr []byte, uaddr uint64) error {
	if p == nil {
		return kerr.EIO
	}
	if uaddr == 0 || len(kaddr) == 0 {
		return kerr.EINVAL
	}
	if err := p.CheckAddr(uaddr, uint64(len(kaddr))); err != nil {
		return err
	}
	return s.userCopy(p, uaddr, kaddr, true)
}

// Copyinstr copies a NUL-terminated user string of at most max bytes
// and returns it without the terminator.
func (s *Subsys) Copyinstr(p *Proc, uaddr uint64, max uint64) (string, error) {
	if p == nil {
		return "", kerr.EIO
	}
	if uaddr == 0 || max == 0 {
		return "", kerr.EINVAL
	}

	var out []byte
	for uint64(len(out)) < max {
		chunk := param.PageSize - ((uaddr + uint64(len(out))) & param.PageMask)
		if left := max - uint64(len(out)); chunk > left {
			chunk = left
		}
		if err := p.CheckAddr(uaddr+uint64(len(out)), chunk); err != nil {
			return "", err
		}
		b, err := s.userChunk(p, uaddr+uint64(len(out)), chunk, false)
		if err != nil {
			return "", err
		}
		for _, c := range b {
			if c == 0 {
				return string(out), nil
			}
			out = append(out, c)
		}
	}
	return "", kerr.ENAMETOOLONG
}
