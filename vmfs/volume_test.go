package vmfs

import (
	"testing"

	uuid "github.com/satori/go.uuid"
)

func sampleVolInfo() *VolInfo {
	return &VolInfo{
		Magic:        volinfoMagic,
		Version:      5,
		LUN:          2,
		Name:         "datastore1",
		UUID:         uuid.NewV4(),
		LVMUUID:      uuid.NewV4(),
		LVMSize:      4 * SegmentSize,
		Blocks:       1024,
		NumSegments:  4,
		FirstSegment: 0,
		LastSegment:  3,
		NumExtents:   1,
	}
}

func TestVolInfoRoundTrip(t *testing.T) {
	want := sampleVolInfo()
	got, err := parseVolInfo(want.toBytes())
	if err != nil {
		t.Fatalf("parseVolInfo error: %v", err)
	}
	if *got != *want {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, want)
	}
}

func TestParseVolInfoBadMagic(t *testing.T) {
	b := make([]byte, VolinfoSize)
	if _, err := parseVolInfo(b); err == nil {
		t.Fatal("expected error for zeroed buffer")
	} else if ve, ok := err.(*Error); !ok || ve.Kind != ErrBadMagic {
		t.Fatalf("got %v, want ErrBadMagic", err)
	}
}

func TestParseVolInfoShortBuffer(t *testing.T) {
	if _, err := parseVolInfo(make([]byte, 10)); err == nil {
		t.Fatal("expected error for short buffer")
	}
}

func TestOpenVolumeFromDevice(t *testing.T) {
	dev := newMemDevice(VolinfoBase + VolinfoSize)
	info := sampleVolInfo()
	copy(dev.data[VolinfoBase:], info.toBytes())

	v, err := OpenVolumeFromDevice(dev, "mem0", VolumeOptions{})
	if err != nil {
		t.Fatalf("OpenVolumeFromDevice error: %v", err)
	}
	if v.Info.Version != 5 || v.Info.Name != "datastore1" {
		t.Fatalf("unexpected parsed info: %+v", v.Info)
	}
}

func TestOpenVolumeUnsupportedVersion(t *testing.T) {
	dev := newMemDevice(VolinfoBase + VolinfoSize)
	info := sampleVolInfo()
	info.Version = 4
	copy(dev.data[VolinfoBase:], info.toBytes())

	_, err := OpenVolumeFromDevice(dev, "mem0", VolumeOptions{})
	if err == nil {
		t.Fatal("expected error for unsupported version")
	}
	if ve, ok := err.(*Error); !ok || ve.Kind != ErrUnsupportedVersion {
		t.Fatalf("got %v, want ErrUnsupportedVersion", err)
	}
}

func TestOpenVolumeLUNMismatchWarns(t *testing.T) {
	dev := newMemDevice(VolinfoBase + VolinfoSize)
	info := sampleVolInfo()
	info.LUN = 9
	copy(dev.data[VolinfoBase:], info.toBytes())

	log := &recordingLogger{}
	v, err := OpenVolumeFromDevice(dev, "mem0", VolumeOptions{Logger: log, ExpectedLUN: 1})
	if err != nil {
		t.Fatalf("OpenVolumeFromDevice error: %v", err)
	}
	if len(log.warnings) != 1 {
		t.Fatalf("expected one LUN-mismatch warning, got %d", len(log.warnings))
	}
	if v.Info.LUN != 9 {
		t.Fatalf("LUN mismatch should not fail open, got LUN=%d", v.Info.LUN)
	}
}

func TestOpenVolumeMBRFallback(t *testing.T) {
	const startSector = 2048
	dev := newMemDevice(VolinfoBase + int64(startSector)*512 + VolinfoSize)
	// DOS MBR signature + a VMFS partition type entry pointing at startSector.
	dev.data[mbrPartTypeOffset] = mbrPartTypeVMFS
	putUint32LE(dev.data, mbrPartStartOffset, startSector)
	putUint16LE(dev.data, mbrSignatureOffset, mbrSignature)

	info := sampleVolInfo()
	shiftedBase := int64(VolinfoBase) + int64(startSector)*512
	copy(dev.data[shiftedBase:], info.toBytes())

	v, err := OpenVolumeFromDevice(dev, "mem0", VolumeOptions{})
	if err != nil {
		t.Fatalf("OpenVolumeFromDevice error: %v", err)
	}
	if v.Info.Name != "datastore1" {
		t.Fatalf("MBR fallback did not find the shifted super-block: %+v", v.Info)
	}
	if v.base != shiftedBase {
		t.Fatalf("v.base = %d, want %d", v.base, shiftedBase)
	}
}

func TestVolumeReadWriteAtIsBaseRelative(t *testing.T) {
	dev := newMemDevice(VolinfoBase + VolinfoSize + 64)
	info := sampleVolInfo()
	copy(dev.data[VolinfoBase:], info.toBytes())
	v, err := OpenVolumeFromDevice(dev, "mem0", VolumeOptions{})
	if err != nil {
		t.Fatalf("OpenVolumeFromDevice error: %v", err)
	}
	payload := []byte("hello")
	if _, err := v.WriteAt(VolinfoSize, payload); err != nil {
		t.Fatalf("WriteAt error: %v", err)
	}
	got, err := v.ReadAt(VolinfoSize, len(payload))
	if err != nil {
		t.Fatalf("ReadAt error: %v", err)
	}
	if string(got) != string(payload) {
		t.Fatalf("ReadAt = %q, want %q", got, payload)
	}
	// Confirm it actually landed at v.base+pos in the backing store, not at
	// pos alone.
	direct, _ := dev.ReadAt(v.base+VolinfoSize, len(payload))
	if string(direct) != string(payload) {
		t.Fatalf("payload not found at base-relative offset: %q", direct)
	}
}

func putUint32LE(b []byte, off int, v uint32) {
	b[off] = byte(v)
	b[off+1] = byte(v >> 8)
	b[off+2] = byte(v >> 16)
	b[off+3] = byte(v >> 24)
}

func putUint16LE(b []byte, off int, v uint16) {
	b[off] = byte(v)
	b[off+1] = byte(v >> 8)
}
