package util

import "encoding/binary"

// All multi-byte on-disk integers in this filesystem are little-endian,
// regardless of host byte order. These helpers centralize the offset
// arithmetic so on-disk structure code reads as "field at offset" rather
// than repeated encoding/binary boilerplate.

// Uint16At reads a little-endian uint16 at byte offset off in b.
func Uint16At(b []byte, off int) uint16 {
	return binary.LittleEndian.Uint16(b[off : off+2])
}

// Uint32At reads a little-endian uint32 at byte offset off in b.
func Uint32At(b []byte, off int) uint32 {
	return binary.LittleEndian.Uint32(b[off : off+4])
}

// Uint64At reads a little-endian uint64 at byte offset off in b.
func Uint64At(b []byte, off int) uint64 {
	return binary.LittleEndian.Uint64(b[off : off+8])
}

// PutUint16At writes a little-endian uint16 at byte offset off in b.
func PutUint16At(b []byte, off int, v uint16) {
	binary.LittleEndian.PutUint16(b[off:off+2], v)
}

// PutUint32At writes a little-endian uint32 at byte offset off in b.
func PutUint32At(b []byte, off int, v uint32) {
	binary.LittleEndian.PutUint32(b[off:off+4], v)
}

// PutUint64At writes a little-endian uint64 at byte offset off in b.
func PutUint64At(b []byte, off int, v uint64) {
	binary.LittleEndian.PutUint64(b[off:off+8], v)
}

// CopyUUID copies a raw 16-byte UUID field at offset off in b into a new
// slice, leaving b untouched. Used for the volume/LVM/FS UUID fields, which
// are stored as raw bytes rather than a textual representation.
func CopyUUID(b []byte, off int) []byte {
	u := make([]byte, 16)
	copy(u, b[off:off+16])
	return u
}

// PutUUID writes a raw 16-byte UUID into b at offset off.
func PutUUID(b []byte, off int, u []byte) {
	copy(b[off:off+16], u)
}

// FixedString reads a NUL-padded or NUL-terminated fixed-width string field.
func FixedString(b []byte) string {
	n := 0
	for n < len(b) && b[n] != 0 {
		n++
	}
	return string(b[:n])
}

// PutFixedString writes s into a fixed-width field, NUL-padding the
// remainder. Truncates s if it is longer than the field.
func PutFixedString(b []byte, s string) {
	n := copy(b, s)
	for i := n; i < len(b); i++ {
		b[i] = 0
	}
}
