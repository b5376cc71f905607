package vmfs

import (
	"testing"

	"github.com/bits-and-blooms/bitset"
	"github.com/go-test/deep"
)

func TestBitmapHeaderRoundTrip(t *testing.T) {
	want := BitmapHeader{
		ItemsPerEntry:  8192,
		EntriesPerArea: 4,
		HdrSize:        BitmapHeaderSize,
		DataSize:       1024,
		AreaSize:       256 * 1024,
		AreaCount:      16,
		TotalItems:     8192 * 4 * 16,
	}
	got := bitmapHeaderFromBytes(want.toBytes())
	if diff := deep.Equal(want, got); diff != nil {
		t.Errorf("bitmap header round trip mismatch: %v", diff)
	}
}

func TestBitmapEntryRoundTrip(t *testing.T) {
	want := bitmapEntry{
		Header: MetadataHeader{Magic: 0xf00d},
		ID:     3,
		Total:  128,
		Free:   125,
		Ffree:  2,
		Bits:   bitset.New(uint(bitmapBytes * 8)),
	}
	want.Bits.Set(0)
	want.Bits.Set(1)
	want.Bits.Set(127)

	got := bitmapEntryFromBytes(want.toBytes())
	if got.ID != want.ID || got.Total != want.Total || got.Free != want.Free || got.Ffree != want.Ffree {
		t.Fatalf("bitmap entry scalar fields mismatch: got %+v, want %+v", got, want)
	}
	for _, i := range []uint{0, 1, 127} {
		if !got.Bits.Test(i) {
			t.Errorf("bit %d lost in round trip", i)
		}
	}
	if got.Bits.Test(2) {
		t.Error("bit 2 unexpectedly set after round trip")
	}
}

func TestBitmapOffsetArithmetic(t *testing.T) {
	bm := &Bitmap{hdr: BitmapHeader{
		ItemsPerEntry:  100,
		EntriesPerArea: 2,
		HdrSize:        BitmapHeaderSize,
		DataSize:       16,
		AreaSize:       10000,
	}}
	// Entry 0, item 0 of area 0 sits right after the header.
	if got := bm.entryByteOffset(0, 0); got != BitmapHeaderSize {
		t.Errorf("entryByteOffset(0,0) = %d, want %d", got, BitmapHeaderSize)
	}
	// Entry 1 (still area 0, since itemsPerArea=200) is one entry-slot further.
	if got := bm.entryByteOffset(1, 0); got != BitmapHeaderSize+BitmapEntrySize {
		t.Errorf("entryByteOffset(1,0) = %d, want %d", got, BitmapHeaderSize+BitmapEntrySize)
	}
	// Entry 2 crosses into area 1.
	want := int64(bm.hdr.AreaSize) + BitmapHeaderSize
	if got := bm.entryByteOffset(2, 0); got != want {
		t.Errorf("entryByteOffset(2,0) = %d, want %d", got, want)
	}
	// itemByteOffset for entry 0, item 5 lands in the data area after both
	// entries-per-area slots.
	wantItem := int64(BitmapHeaderSize) + int64(bm.hdr.EntriesPerArea)*BitmapEntrySize + 5*int64(bm.hdr.DataSize)
	if got := bm.itemByteOffset(0, 5); got != wantItem {
		t.Errorf("itemByteOffset(0,5) = %d, want %d", got, wantItem)
	}
}

func TestBitmapBuildID(t *testing.T) {
	hdr := BitmapHeader{ItemsPerEntry: 100}
	cases := []struct {
		kind BlockType
		want BlockType
	}{
		{BlockFB, BlockFB},
		{BlockSB, BlockSB},
		{BlockPB, BlockPB},
		{BlockFD, BlockFD},
	}
	for _, c := range cases {
		bm := &Bitmap{kind: c.kind, hdr: hdr}
		id := bm.buildID(2, 3, 0)
		if id.Type() != c.want {
			t.Errorf("buildID kind=%v: got type %v, want %v", c.kind, id.Type(), c.want)
		}
	}
	fb := &Bitmap{kind: BlockFB, hdr: hdr}
	id := fb.buildID(2, 3, 0)
	if id.Item() != 2*100+3 {
		t.Errorf("FB buildID item = %d, want %d", id.Item(), 2*100+3)
	}
}

func TestPopcount(t *testing.T) {
	bs := bitset.New(8)
	bs.Set(0)
	bs.Set(3)
	bs.Set(7)
	if got := popcount(bs, 8); got != 3 {
		t.Errorf("popcount = %d, want 3", got)
	}
	if got := popcount(bs, 4); got != 2 {
		t.Errorf("popcount(limit=4) = %d, want 2", got)
	}
}

func TestErrIsKind(t *testing.T) {
	err := newErr("bitmap.free", ErrInvalidArg, nil)
	if !errIsKind(err, ErrInvalidArg) {
		t.Error("errIsKind did not match same kind")
	}
	if errIsKind(err, ErrLocked) {
		t.Error("errIsKind matched different kind")
	}
	if errIsKind(nil, ErrInvalidArg) {
		t.Error("errIsKind matched nil error")
	}
}
