package vmfs

import (
	"errors"
	"os"
	"testing"
)

func TestFileDeviceReadWrite(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "vmfs-device-*")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	if err := f.Truncate(4096); err != nil {
		t.Fatalf("Truncate: %v", err)
	}

	d := NewFileDeviceFrom(f)
	defer d.Close()

	payload := []byte("vmfs device round-trip")
	if n, err := d.WriteAt(512, payload); err != nil || n != len(payload) {
		t.Fatalf("WriteAt: n=%d err=%v", n, err)
	}
	got, err := d.ReadAt(512, len(payload))
	if err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if string(got) != string(payload) {
		t.Fatalf("round-trip mismatch: got %q want %q", got, payload)
	}

	// A plain temp file is never a SCSI device, so reservation is a no-op.
	if err := d.Reserve(512); err != nil {
		t.Fatalf("Reserve on non-SCSI backing should be a no-op, got %v", err)
	}
	if err := d.Release(512); err != nil {
		t.Fatalf("Release on non-SCSI backing should be a no-op, got %v", err)
	}
}

func TestOpenFileDeviceShortReadFails(t *testing.T) {
	path := t.TempDir() + "/short"
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := f.Write([]byte("abc")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	f.Close()

	d, err := OpenFileDevice(path, FileDeviceOptions{ReadWrite: true})
	if err != nil {
		t.Fatalf("OpenFileDevice: %v", err)
	}
	defer d.Close()

	if _, err := d.ReadAt(0, 16); !errors.Is(err, ErrKind(ErrIO)) {
		t.Fatalf("expected ErrIO on a short read, got %v", err)
	}
}
