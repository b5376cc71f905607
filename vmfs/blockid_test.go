package vmfs

import "testing"

func TestBlockIDFBRoundTrip(t *testing.T) {
	cases := []struct {
		item  uint32
		flags uint8
	}{
		{0, 0},
		{1, 1},
		{0x3ffffff, 0x7}, // max 26-bit item, max 3-bit flags
		{12345, tbzBit >> blockTypeBits}, // TBZ flag value (4)
	}
	for _, c := range cases {
		id := BuildFB(c.item, c.flags)
		if id.Type() != BlockFB {
			t.Fatalf("BuildFB(%d,%d).Type() = %v, want BlockFB", c.item, c.flags, id.Type())
		}
		if got := id.Item(); got != c.item {
			t.Errorf("BuildFB(%d,%d).Item() = %d, want %d", c.item, c.flags, got, c.item)
		}
		if got := id.Flags(); got != c.flags {
			t.Errorf("BuildFB(%d,%d).Flags() = %d, want %d", c.item, c.flags, got, c.flags)
		}
	}
}

func TestBlockIDTBZ(t *testing.T) {
	id := BuildFB(42, 0)
	if id.TBZ() {
		t.Fatal("fresh FB id has TBZ set")
	}
	marked := BuildFB(42, tbzBit>>blockTypeBits)
	if !marked.TBZ() {
		t.Fatal("BuildFB with the TBZ flag did not set TBZ()")
	}
	cleared := marked.TBZClear()
	if cleared.TBZ() {
		t.Fatal("TBZClear left TBZ set")
	}
	if cleared.Item() != marked.Item() {
		t.Fatalf("TBZClear changed Item(): got %d, want %d", cleared.Item(), marked.Item())
	}
}

func TestBlockIDSBPBRoundTrip(t *testing.T) {
	for _, typ := range []BlockType{BlockSB, BlockPB} {
		build := BuildSB
		if typ == BlockPB {
			build = BuildPB
		}
		cases := []struct{ entry, item uint32 }{
			{0, 0},
			{1, 1},
			{0x3fffff, 0xf}, // max 22-bit entry, max 4-bit item
		}
		for _, c := range cases {
			id := build(c.entry, c.item)
			if id.Type() != typ {
				t.Fatalf("build(%d,%d).Type() = %v, want %v", c.entry, c.item, id.Type(), typ)
			}
			if got := id.Entry(); got != c.entry {
				t.Errorf("build(%d,%d).Entry() = %d, want %d", c.entry, c.item, got, c.entry)
			}
			if got := id.SubItem(); got != c.item {
				t.Errorf("build(%d,%d).SubItem() = %d, want %d", c.entry, c.item, got, c.item)
			}
		}
	}
}

func TestBlockIDFDRoundTrip(t *testing.T) {
	cases := []struct{ entry, item uint32 }{
		{0, 0},
		{1, 1},
		{0x7fff, 0x3ff}, // max 15-bit entry, max 10-bit item
	}
	for _, c := range cases {
		id := BuildFD(c.entry, c.item)
		if id.Type() != BlockFD {
			t.Fatalf("BuildFD(%d,%d).Type() = %v, want BlockFD", c.entry, c.item, id.Type())
		}
		if got := id.Entry(); got != c.entry {
			t.Errorf("BuildFD(%d,%d).Entry() = %d, want %d", c.entry, c.item, got, c.entry)
		}
		if got := id.SubItem(); got != c.item {
			t.Errorf("BuildFD(%d,%d).SubItem() = %d, want %d", c.entry, c.item, got, c.item)
		}
	}
}

func TestBlockIDZero(t *testing.T) {
	var id BlockID
	if !id.IsZero() {
		t.Fatal("zero value BlockID is not IsZero()")
	}
	if id.Type() != BlockNone {
		t.Fatalf("zero value BlockID.Type() = %v, want BlockNone", id.Type())
	}
	if BuildFB(1, 0).IsZero() {
		t.Fatal("non-zero FB id reported IsZero()")
	}
}

func TestParseBlockIDLiteralRoundTrip(t *testing.T) {
	id := BuildFB(99, 2)
	lit := formatBlkIDEscape(id)
	got, err := ParseBlockIDLiteral(lit)
	if err != nil {
		t.Fatalf("ParseBlockIDLiteral(%q) error: %v", lit, err)
	}
	if got != id {
		t.Errorf("ParseBlockIDLiteral(%q) = %#x, want %#x", lit, uint32(got), uint32(id))
	}
}

func TestParseBlockIDLiteralInvalid(t *testing.T) {
	for _, bad := range []string{"", "0x10", "<0xzz>", "<10>"} {
		if _, err := ParseBlockIDLiteral(bad); err == nil {
			t.Errorf("ParseBlockIDLiteral(%q) returned no error", bad)
		}
	}
}
