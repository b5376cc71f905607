package vmfs

import "testing"

func TestDirEntryRoundTrip(t *testing.T) {
	want := DirEntry{
		Type:  TypeFile,
		BlkID: BuildFD(5, 0),
		RecID: 7,
		Name:  "readme.txt",
	}
	got := dirEntryFromBytes(want.toBytes())
	if got != want {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, want)
	}
}

func TestDirEntryNameTruncation(t *testing.T) {
	long := make([]byte, dirNameSize+10)
	for i := range long {
		long[i] = 'a'
	}
	want := DirEntry{Type: TypeFile, Name: string(long)}
	got := dirEntryFromBytes(want.toBytes())
	if len(got.Name) != dirNameSize {
		t.Fatalf("Name length = %d, want %d", len(got.Name), dirNameSize)
	}
}

func TestDirEntryFree(t *testing.T) {
	free := DirEntry{}
	if !free.free() {
		t.Error("zero-value DirEntry should be free")
	}
	used := DirEntry{Type: TypeDir}
	if used.free() {
		t.Error("DirEntry with non-zero Type should not be free")
	}
}

func TestDirEntrySizeIsFixed(t *testing.T) {
	e := DirEntry{Name: "x"}
	if got := len(e.toBytes()); got != DirEntrySize {
		t.Fatalf("toBytes length = %d, want %d", got, DirEntrySize)
	}
}
