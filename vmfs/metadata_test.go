package vmfs

import (
	"testing"

	"github.com/go-test/deep"
	uuid "github.com/satori/go.uuid"
)

func TestMetadataHeaderRoundTrip(t *testing.T) {
	want := MetadataHeader{
		Magic:  0x1234abcd,
		Pos:    0x200000,
		HbPos:  7,
		HbSeq:  99,
		ObjSeq: 12345,
		HbLock: hbLockWrite,
		HbUUID: uuid.NewV4(),
		Mtime:  1717171717,
	}
	buf := make([]byte, MetadataHeaderSize)
	want.writeInto(buf)
	got := metadataHeaderFromBytes(buf)
	if diff := deep.Equal(want, got); diff != nil {
		t.Errorf("metadata header round trip mismatch: %v", diff)
	}
}

func TestMetadataHeaderZeroValue(t *testing.T) {
	buf := make([]byte, MetadataHeaderSize)
	got := metadataHeaderFromBytes(buf)
	if got.HbLock != hbLockUnlocked {
		t.Errorf("zeroed header HbLock = %d, want hbLockUnlocked", got.HbLock)
	}
	if got.HbUUID != uuid.Nil {
		t.Errorf("zeroed header HbUUID = %v, want Nil", got.HbUUID)
	}
}
