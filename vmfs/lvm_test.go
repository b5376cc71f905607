package vmfs

import (
	"testing"

	uuid "github.com/satori/go.uuid"
)

// testVolume builds a *Volume backed by an in-memory device, with the given
// LVM identity and segment range, sized to hold dataSize bytes of LVM
// address space past the super-block.
func testVolume(t *testing.T, lvmUUID uuid.UUID, first, last uint32, numExtents uint32, dataSize int64) *Volume {
	t.Helper()
	info := &VolInfo{
		Magic:        volinfoMagic,
		Version:      5,
		LVMUUID:      lvmUUID,
		LVMSize:      4 * SegmentSize,
		Blocks:       1024,
		NumSegments:  4,
		FirstSegment: first,
		LastSegment:  last,
		NumExtents:   numExtents,
	}
	dev := newMemDevice(VolinfoBase + dataSize)
	copy(dev.data[VolinfoBase:], info.toBytes())
	v, err := OpenVolumeFromDevice(dev, "mem", VolumeOptions{})
	if err != nil {
		t.Fatalf("testVolume: OpenVolumeFromDevice error: %v", err)
	}
	return v
}

func TestLVMAddExtentValidatesIdentity(t *testing.T) {
	u := uuid.NewV4()
	lvm := NewLVM()
	v0 := testVolume(t, u, 0, 0, 2, SegmentSize)
	if err := lvm.AddExtent(v0); err != nil {
		t.Fatalf("AddExtent(v0) error: %v", err)
	}

	other := uuid.NewV4()
	v1 := testVolume(t, other, 1, 1, 2, SegmentSize)
	if err := lvm.AddExtent(v1); err == nil {
		t.Fatal("expected error adding extent with mismatched LVM UUID")
	}
}

func TestLVMOpenContiguous(t *testing.T) {
	u := uuid.NewV4()
	lvm := NewLVM()
	v0 := testVolume(t, u, 0, 0, 2, SegmentSize)
	v1 := testVolume(t, u, 1, 1, 2, SegmentSize)
	if err := lvm.AddExtent(v1); err != nil { // added out of order on purpose
		t.Fatal(err)
	}
	if err := lvm.AddExtent(v0); err != nil {
		t.Fatal(err)
	}
	if err := lvm.Open(); err != nil {
		t.Fatalf("Open error: %v", err)
	}
	if lvm.NumSegments() != 2 {
		t.Fatalf("NumSegments() = %d, want 2", lvm.NumSegments())
	}
	if lvm.TotalSize() != 2*SegmentSize {
		t.Fatalf("TotalSize() = %d, want %d", lvm.TotalSize(), 2*SegmentSize)
	}
	exts := lvm.Extents()
	if len(exts) != 2 || exts[0] != v0 || exts[1] != v1 {
		t.Fatalf("Extents() not in segment order: %v", exts)
	}
}

func TestLVMOpenGapFailsWithoutAllowMissing(t *testing.T) {
	u := uuid.NewV4()
	lvm := NewLVM()
	v0 := testVolume(t, u, 0, 0, 2, SegmentSize)
	v2 := testVolume(t, u, 2, 2, 2, SegmentSize)
	lvm.AddExtent(v0)
	lvm.AddExtent(v2)
	if err := lvm.Open(); err == nil {
		t.Fatal("expected error for a gap in segment coverage")
	}
}

func TestLVMOpenGapToleratedWithAllowMissing(t *testing.T) {
	u := uuid.NewV4()
	lvm := NewLVM()
	lvm.AllowMissing = true
	v0 := testVolume(t, u, 0, 0, 3, SegmentSize)
	v2 := testVolume(t, u, 2, 2, 3, SegmentSize)
	lvm.AddExtent(v0)
	lvm.AddExtent(v2)
	if err := lvm.Open(); err != nil {
		t.Fatalf("Open with AllowMissing error: %v", err)
	}
}

func TestLVMReadWriteRoutesToOwningExtent(t *testing.T) {
	u := uuid.NewV4()
	lvm := NewLVM()
	v0 := testVolume(t, u, 0, 0, 2, SegmentSize)
	v1 := testVolume(t, u, 1, 1, 2, SegmentSize)
	lvm.AddExtent(v0)
	lvm.AddExtent(v1)
	if err := lvm.Open(); err != nil {
		t.Fatal(err)
	}

	payload := []byte("segment-1-data")
	if _, err := lvm.WriteAt(SegmentSize+10, payload); err != nil {
		t.Fatalf("WriteAt error: %v", err)
	}
	got, err := lvm.ReadAt(SegmentSize+10, len(payload))
	if err != nil {
		t.Fatalf("ReadAt error: %v", err)
	}
	if string(got) != string(payload) {
		t.Fatalf("ReadAt = %q, want %q", got, payload)
	}
	// Confirm it landed on v1, not v0.
	direct, _ := v1.ReadAt(10, len(payload))
	if string(direct) != string(payload) {
		t.Fatalf("payload not found on owning extent v1: %q", direct)
	}
}

func TestLVMStraddlingReadIsUnsupported(t *testing.T) {
	u := uuid.NewV4()
	lvm := NewLVM()
	v0 := testVolume(t, u, 0, 0, 1, SegmentSize)
	lvm.AddExtent(v0)
	if err := lvm.Open(); err != nil {
		t.Fatal(err)
	}
	_, err := lvm.ReadAt(SegmentSize-5, 10)
	if err == nil {
		t.Fatal("expected error reading past the owning extent's segment range")
	}
	if ve, ok := err.(*Error); !ok || ve.Kind != ErrUnsupported {
		t.Fatalf("got %v, want ErrUnsupported", err)
	}
}

func TestLVMLocateMissingSegmentErrors(t *testing.T) {
	u := uuid.NewV4()
	lvm := NewLVM()
	v0 := testVolume(t, u, 0, 0, 1, SegmentSize)
	lvm.AddExtent(v0)
	if _, _, err := lvm.locate(SegmentSize + 1); err == nil {
		t.Fatal("expected error locating an offset with no owning extent")
	}
}

func TestLVMMaxExtents(t *testing.T) {
	u := uuid.NewV4()
	lvm := NewLVM()
	for i := 0; i < MaxExtents; i++ {
		v := testVolume(t, u, uint32(i), uint32(i), MaxExtents+1, SegmentSize)
		if err := lvm.AddExtent(v); err != nil {
			t.Fatalf("AddExtent #%d error: %v", i, err)
		}
	}
	oneMore := testVolume(t, u, MaxExtents, MaxExtents, MaxExtents+1, SegmentSize)
	if err := lvm.AddExtent(oneMore); err == nil {
		t.Fatal("expected error adding a 33rd extent")
	}
}
