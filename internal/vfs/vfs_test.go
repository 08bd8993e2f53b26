package vfs

import (
	"testing"

	"github.com/perchos/perch/internal/kerr"
)

// fakeFS is a flat filesystem for exercising the VFS core.
type fakeFS struct {
	attr  uint32
	files map[string][]byte

	lookups []string
}

func newFakeFS(files map[string][]byte) *fakeFS {
	if files == nil {
		files = map[string][]byte{}
	}
	return &fakeFS{files: files}
}

func (f *fakeFS) info(name string) *FSInfo {
	return &FSInfo{Name: name, Ops: f, Attr: f.attr}
}

func (f *fakeFS) Init(fip *FSInfo) error { return nil }

func (f *fakeFS) Mount(fip *FSInfo, args *MountArgs) (*Vnode, error) {
	vp := VAlloc(VDir)
	vp.Ops = f
	return vp, nil
}

func (f *fakeFS) Lookup(args *LookupArgs) (*Vnode, error) {
	f.lookups = append(f.lookups, args.Name)
	data, ok := f.files[args.Name]
	if !ok {
		return nil, kerr.ENOENT
	}
	vp := VAlloc(VFile)
	vp.Ops = f
	vp.Data = data
	return vp, nil
}

func (f *fakeFS) Create(name string, typ VType) error {
	if _, ok := f.files[name]; ok {
		return kerr.EEXIST
	}
	f.files[name] = nil
	return nil
}

func (f *fakeFS) Read(vp *Vnode, p []byte, off int64) (int64, error) {
	data, _ := vp.Data.([]byte)
	if off >= int64(len(data)) {
		return 0, nil
	}
	return int64(copy(p, data[off:])), nil
}

func (f *fakeFS) Write(vp *Vnode, p []byte, off int64) (int64, error) {
	return 0, kerr.ENOTSUP
}

func (f *fakeFS) Getattr(vp *Vnode) (Vattr, error) {
	data, _ := vp.Data.([]byte)
	return Vattr{Size: uint64(len(data))}, nil
}

func (f *fakeFS) Reclaim(vp *Vnode) error { return nil }

func TestVnodeRefcount(t *testing.T) {
	vp := VAlloc(VFile)
	if vp.Refcount() != 1 {
		t.Fatalf("fresh vnode refcount %d", vp.Refcount())
	}
	vp.Ref()
	if err := vp.Rel(); err != nil {
		t.Fatal(err)
	}
	if vp.Refcount() != 1 {
		t.Fatalf("refcount after ref+rel: %d", vp.Refcount())
	}
}

func TestMountAndLookupRoot(t *testing.T) {
	v := New()
	fs := newFakeFS(nil)
	if err := v.RegisterFS(fs.info("fake")); err != nil {
		t.Fatal(err)
	}

	if err := v.Kmount(&MountArgs{Target: "/tmp", FSType: "fake"}); err != nil {
		t.Fatal(err)
	}
	mp, err := v.MountLookup("tmp")
	if err != nil {
		t.Fatal(err)
	}
	if mp.VP == nil || mp.VP.Type != VDir {
		t.Fatalf("mount root malformed: %+v", mp)
	}
}

func TestMountBusy(t *testing.T) {
	v := New()
	fs := newFakeFS(nil)
	v.RegisterFS(fs.info("fake"))

	if err := v.Kmount(&MountArgs{Target: "/tmp", FSType: "fake"}); err != nil {
		t.Fatal(err)
	}
	if err := v.Kmount(&MountArgs{Target: "/tmp", FSType: "fake"}); err != kerr.EBUSY {
		t.Fatalf("second mount: got %v want EBUSY", err)
	}
}

func TestMountUnknownType(t *testing.T) {
	v := New()
	if err := v.Kmount(&MountArgs{Target: "/x", FSType: "nope"}); err != kerr.ENOENT {
		t.Fatalf("got %v want ENOENT", err)
	}
}

func TestNameiWalk(t *testing.T) {
	v := New()
	fs := newFakeFS(map[string][]byte{"motd": []byte("hi")})
	v.RegisterFS(fs.info("fake"))
	v.Kmount(&MountArgs{Target: "/etc", FSType: "fake"})

	vp, err := v.Namei(&Nameidata{Path: "/etc/motd"})
	if err != nil {
		t.Fatal(err)
	}
	attr, err := VopGetattr(vp)
	if err != nil {
		t.Fatal(err)
	}
	if attr.Size != 2 {
		t.Fatalf("size: got %d want 2", attr.Size)
	}
}

func TestNameiDeterministic(t *testing.T) {
	v := New()
	fs := newFakeFS(map[string][]byte{"motd": []byte("hi")})
	v.RegisterFS(fs.info("fake"))
	v.Kmount(&MountArgs{Target: "/etc", FSType: "fake"})

	a, err := v.Namei(&Nameidata{Path: "/etc/motd"})
	if err != nil {
		t.Fatal(err)
	}
	b, err := v.Namei(&Nameidata{Path: "/etc/motd"})
	if err != nil {
		t.Fatal(err)
	}
	if a.Data == nil || b.Data == nil {
		t.Fatal("missing node data")
	}
}

func TestNameiFallsBackToRoot(t *testing.T) {
	v := New()
	root := newFakeFS(map[string][]byte{"init": []byte("x")})
	v.RegisterFS(root.info("rootfs"))
	v.Kmount(&MountArgs{Target: "/", FSType: "rootfs"})

	if _, err := v.Namei(&Nameidata{Path: "/init"}); err != nil {
		t.Fatalf("root fallback failed: %v", err)
	}
}

func TestNameiImageShortCircuit(t *testing.T) {
	v := New()
	img := newFakeFS(map[string][]byte{"/bin/init": []byte("elf")})
	img.attr = FSAttrImage
	v.RegisterFS(img.info("img"))
	v.Kmount(&MountArgs{Target: "/", FSType: "img"})

	vp, err := v.Namei(&Nameidata{Path: "/bin/init"})
	if err != nil {
		t.Fatal(err)
	}
	if vp == nil {
		t.Fatal("no vnode")
	}
	// The image got the entire path in a single lookup.
	if len(img.lookups) != 1 || img.lookups[0] != "/bin/init" {
		t.Fatalf("image lookups: %v", img.lookups)
	}
}

func TestNameiInvalidCharacter(t *testing.T) {
	v := New()
	fs := newFakeFS(nil)
	v.RegisterFS(fs.info("fake"))
	v.Kmount(&MountArgs{Target: "/", FSType: "fake"})

	for _, path := range []string{"/et c", "/a.b", "/x\x00y", "/tmp/_f"} {
		if _, err := v.Namei(&Nameidata{Path: path}); err != kerr.EINVAL {
			t.Fatalf("path %q: got %v want EINVAL", path, err)
		}
	}
}

func TestNameiCreate(t *testing.T) {
	v := New()
	fs := newFakeFS(map[string][]byte{})
	v.RegisterFS(fs.info("fake"))
	v.Kmount(&MountArgs{Target: "/tmp", FSType: "fake"})

	if _, err := v.Namei(&Nameidata{Path: "/tmp/scratch", Flags: NameiCreate}); err != nil {
		t.Fatal(err)
	}
	if _, ok := fs.files["scratch"]; !ok {
		t.Fatal("create flag did not create the entry")
	}
}

func TestFileDescWritable(t *testing.T) {
	fd := &FileDesc{Mode: ORdonly}
	if fd.Writable() {
		t.Fatal("read-only descriptor claims writable")
	}
	fd.Mode = OWronly
	if !fd.Writable() {
		t.Fatal("write-only descriptor not writable")
	}
}

func TestFileDescSeek(t *testing.T) {
	fs := newFakeFS(map[string][]byte{"f": make([]byte, 100)})
	vp, err := fs.Lookup(&LookupArgs{Name: "f"})
	if err != nil {
		t.Fatal(err)
	}
	fd := &FileDesc{VP: vp, Mode: ORdwr}

	if off, _ := fd.Seek(10, SeekSet); off != 10 {
		t.Fatalf("seek set: %d", off)
	}
	if off, _ := fd.Seek(5, SeekCur); off != 15 {
		t.Fatalf("seek cur: %d", off)
	}
	if off, _ := fd.Seek(0, SeekEnd); off != 100 {
		t.Fatalf("seek end: %d", off)
	}
	if _, err := fd.Seek(-200, SeekCur); err != kerr.EINVAL {
		t.Fatalf("negative seek: %v", err)
	}
}
