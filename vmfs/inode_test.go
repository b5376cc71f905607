package vmfs

import (
	"testing"
)

func newTestInode() *Inode {
	in := &Inode{
		Header: MetadataHeader{Magic: 0xabad1dea, Pos: 0x300000},
		ID:     BuildFD(1, 0),
		ID2:    42,
		Nlink:  1,
		Type:   TypeFile,
		Flags:  0,
		Zla:    ZlaSB,
		Size:   4096,
		BlkSize:  4096,
		BlkCount: 1,
		Mtime:  111,
		Ctime:  222,
		Atime:  333,
		UID:    0,
		GID:    0,
		Mode:   0644,
		TBZ:    0,
		Cow:    0,
	}
	for i := range in.Blocks {
		in.Blocks[i] = BuildSB(uint32(i), 0)
	}
	return in
}

func TestInodeRoundTripWithBlocks(t *testing.T) {
	want := newTestInode()
	b := want.toBytes(true)
	if len(b) != InodeSize {
		t.Fatalf("toBytes(true) length = %d, want %d", len(b), InodeSize)
	}
	got, err := inodeFromBytes(nil, b)
	if err != nil {
		t.Fatalf("inodeFromBytes error: %v", err)
	}
	if got.ID != want.ID || got.ID2 != want.ID2 || got.Nlink != want.Nlink ||
		got.Type != want.Type || got.Zla != want.Zla || got.Size != want.Size ||
		got.Mode != want.Mode {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, want)
	}
	if got.Blocks != want.Blocks {
		t.Fatalf("block array mismatch: got %v, want %v", got.Blocks, want.Blocks)
	}
}

func TestInodeToBytesMetaOnlyLength(t *testing.T) {
	want := newTestInode()
	b := want.toBytes(false)
	if len(b) != inodeFixedSize {
		t.Fatalf("toBytes(false) length = %d, want %d", len(b), inodeFixedSize)
	}
}

func TestInodeRoundTripInline(t *testing.T) {
	want := newTestInode()
	want.Zla = ZlaInline
	want.Size = 10
	want.Inline = []byte("0123456789")
	b := want.toBytes(true)
	got, err := inodeFromBytes(nil, b)
	if err != nil {
		t.Fatalf("inodeFromBytes error: %v", err)
	}
	if string(got.Inline) != string(want.Inline) {
		t.Fatalf("inline content mismatch: got %q, want %q", got.Inline, want.Inline)
	}
}

func TestInodeRoundTripRDM(t *testing.T) {
	want := newTestInode()
	want.Type = TypeRDM
	want.RDMID = 0xdeadbeef
	b := want.toBytes(true)
	got, err := inodeFromBytes(nil, b)
	if err != nil {
		t.Fatalf("inodeFromBytes error: %v", err)
	}
	if got.RDMID != want.RDMID {
		t.Fatalf("RDMID mismatch: got %#x, want %#x", got.RDMID, want.RDMID)
	}
}

func TestInodeTypeString(t *testing.T) {
	cases := map[InodeType]string{
		TypeDir:     "dir",
		TypeFile:    "file",
		TypeSymlink: "symlink",
		TypeMeta:    "meta",
		TypeRDM:     "rdm",
		InodeType(0): "none",
	}
	for typ, want := range cases {
		if got := typ.String(); got != want {
			t.Errorf("InodeType(%d).String() = %q, want %q", typ, got, want)
		}
	}
}

func TestInodeCacheLifecycle(t *testing.T) {
	c := NewInodeCache()
	in := newTestInode()
	c.Insert(uint32(in.ID), in)

	got, ok := c.Lookup(uint32(in.ID))
	if !ok || got != in {
		t.Fatalf("Lookup after Insert failed: got %v, %v", got, ok)
	}
	in.updateFlags = 0
	if err := c.Release(uint32(in.ID), in); err != nil {
		t.Fatalf("first Release error: %v", err)
	}
	if _, ok := c.Lookup(uint32(in.ID)); !ok {
		t.Fatal("inode evicted too early")
	}
	if err := c.Release(uint32(in.ID), in); err != nil {
		t.Fatalf("second Release error: %v", err)
	}
	if err := c.Release(uint32(in.ID), in); err != nil {
		t.Fatalf("third Release error: %v", err)
	}
	if _, ok := c.Lookup(uint32(in.ID)); ok {
		t.Fatal("inode not evicted once refcount reached zero")
	}
}
