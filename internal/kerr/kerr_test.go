package kerr

import (
	"errors"
	"testing"
)

func TestErrnoRange(t *testing.T) {
	for _, e := range []Errno{EINVAL, ENOMEM, EACCES, ENOENT, ETIMEDOUT, ENOSPC} {
		if !IsErr(int64(e)) {
			t.Fatalf("%v (%d) outside the errno range", e, int64(e))
		}
	}
	if IsErr(0) || IsErr(5) {
		t.Fatal("success values flagged as errors")
	}
}

func TestFrom(t *testing.T) {
	if From(nil) != OK {
		t.Fatal("nil error not OK")
	}
	if From(ENOENT) != ENOENT {
		t.Fatal("errno not passed through")
	}
	if From(errors.New("weird")) != EIO {
		t.Fatal("foreign error not folded to EIO")
	}
}

func TestRet(t *testing.T) {
	if Ret(42, nil) != 42 {
		t.Fatal("success value mangled")
	}
	if Ret(42, EBADF) != int64(EBADF) {
		t.Fatal("error not preferred over value")
	}
}

func TestErrorStrings(t *testing.T) {
	if EACCES.Error() != "permission denied" {
		t.Fatalf("EACCES: %q", EACCES.Error())
	}
	if Errno(-4000).Error() == "" {
		t.Fatal("unknown errno has empty message")
	}
}
