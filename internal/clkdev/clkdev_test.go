package clkdev

import (
	"testing"

	"github.com/perchos/perch/internal/kerr"
)

func TestRegisterAndGetByAttr(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(&Clkdev{Name: "pit", Attr: AttrMsleep}); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(&Clkdev{Name: "hpet", Attr: AttrGetUsec | AttrMsleep | AttrUsleep}); err != nil {
		t.Fatal(err)
	}

	c, err := r.Get(AttrGetUsec | AttrUsleep)
	if err != nil {
		t.Fatal(err)
	}
	if c.Name != "hpet" {
		t.Fatalf("got %q", c.Name)
	}

	c, err = r.Get(AttrMsleep)
	if err != nil {
		t.Fatal(err)
	}
	if c.Name != "pit" {
		t.Fatalf("first match: got %q", c.Name)
	}
}

func TestGetNoMatch(t *testing.T) {
	r := NewRegistry()
	r.Register(&Clkdev{Name: "pit", Attr: AttrMsleep})
	if _, err := r.Get(AttrGetUsec); err != kerr.ENODEV {
		t.Fatalf("got %v want ENODEV", err)
	}
}

func TestRegistryFull(t *testing.T) {
	r := NewRegistry()
	for i := 0; i < MaxClkdev; i++ {
		if err := r.Register(&Clkdev{Name: "c", Attr: 1}); err != nil {
			t.Fatal(err)
		}
	}
	if err := r.Register(&Clkdev{Name: "extra", Attr: 1}); err != kerr.ENOSPC {
		t.Fatalf("got %v want ENOSPC", err)
	}
}
