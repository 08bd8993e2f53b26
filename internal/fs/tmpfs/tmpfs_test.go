package tmpfs

import (
	"bytes"
	"testing"

	"github.com/perchos/perch/internal/kerr"
	"github.com/perchos/perch/internal/vfs"
)

func newMounted(t *testing.T) (*vfs.VFS, *vfs.Vnode) {
	t.Helper()
	v := vfs.New()
	if err := v.RegisterFS(NewInfo()); err != nil {
		t.Fatal(err)
	}
	if err := v.Kmount(&vfs.MountArgs{Target: "/tmp", FSType: Name}); err != nil {
		t.Fatal(err)
	}
	mp, err := v.MountLookup("tmp")
	if err != nil {
		t.Fatal(err)
	}
	return v, mp.VP
}

func TestCreateLookup(t *testing.T) {
	v, _ := newMounted(t)

	vp, err := v.Namei(&vfs.Nameidata{Path: "/tmp/notes", Flags: vfs.NameiCreate})
	if err != nil {
		t.Fatal(err)
	}
	if vp.Type != vfs.VFile {
		t.Fatalf("type: got %d want file", vp.Type)
	}

	again, err := v.Namei(&vfs.Nameidata{Path: "/tmp/notes"})
	if err != nil {
		t.Fatalf("lookup after create: %v", err)
	}
	if again == nil {
		t.Fatal("no vnode")
	}
}

func TestLookupMissing(t *testing.T) {
	v, _ := newMounted(t)
	if _, err := v.Namei(&vfs.Nameidata{Path: "/tmp/ghost"}); err != kerr.ENOENT {
		t.Fatalf("got %v want ENOENT", err)
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	v, _ := newMounted(t)

	vp, err := v.Namei(&vfs.Nameidata{Path: "/tmp/data", Flags: vfs.NameiCreate})
	if err != nil {
		t.Fatal(err)
	}

	msg := []byte("the quick brown fox")
	n, err := vfs.VopWrite(vp, msg, 0)
	if err != nil {
		t.Fatal(err)
	}
	if n != int64(len(msg)) {
		t.Fatalf("write: got %d want %d", n, len(msg))
	}

	out := make([]byte, len(msg))
	n, err = vfs.VopRead(vp, out, 0)
	if err != nil {
		t.Fatal(err)
	}
	if n != int64(len(msg)) || !bytes.Equal(out, msg) {
		t.Fatalf("read back %q (%d bytes)", out[:n], n)
	}
}

func TestWriteGrowsNode(t *testing.T) {
	v, _ := newMounted(t)
	vp, _ := v.Namei(&vfs.Nameidata{Path: "/tmp/big", Flags: vfs.NameiCreate})

	// Well past the initial allocation.
	big := bytes.Repeat([]byte{0x5A}, 4096)
	if _, err := vfs.VopWrite(vp, big, 100); err != nil {
		t.Fatal(err)
	}

	attr, err := vfs.VopGetattr(vp)
	if err != nil {
		t.Fatal(err)
	}
	if attr.Size != 4196 {
		t.Fatalf("size after sparse write: got %d want 4196", attr.Size)
	}
}

func TestReadPastEOF(t *testing.T) {
	v, _ := newMounted(t)
	vp, _ := v.Namei(&vfs.Nameidata{Path: "/tmp/short", Flags: vfs.NameiCreate})
	vfs.VopWrite(vp, []byte("abc"), 0)

	out := make([]byte, 16)
	n, err := vfs.VopRead(vp, out, 100)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("read past EOF returned %d bytes", n)
	}
}

func TestCreateExisting(t *testing.T) {
	_, root := newMounted(t)
	ops := root.Ops

	if err := ops.Create("dup", vfs.VFile); err != nil {
		t.Fatal(err)
	}
	if err := ops.Create("dup", vfs.VFile); err != kerr.EEXIST {
		t.Fatalf("got %v want EEXIST", err)
	}
}

func TestCreateDirUnsupported(t *testing.T) {
	_, root := newMounted(t)
	if err := root.Ops.Create("d", vfs.VDir); err != kerr.ENOTSUP {
		t.Fatalf("got %v want ENOTSUP", err)
	}
}
