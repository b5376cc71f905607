// Package imager implements the sparse disk-image container format
// described by spec.md §6 ("File-format plug"): not part of the VMFS
// on-disk format itself, but the fixed interface a compliant implementation
// exposes for loading and saving test/tooling images.
package imager

import (
	"bufio"
	"io"

	"github.com/diskfs/vmfs/vmfs"
)

// SectorSize is the raw-sector unit the stream's opcodes operate on.
const SectorSize = 512

const (
	magic          = "VMFSIMG"
	opRawSector    = 0x00
	opZeroRun      = 0x01
	maxVersion     = 1
)

// Image is a fully decoded in-memory disk image: the zero-run opcodes are
// expanded, so random access is O(1) once loaded.
type Image struct {
	Version byte
	data    []byte
}

// Decode reads the 8-byte header and opcode stream from r into a flat
// in-memory image.
func Decode(r io.Reader) (*Image, error) {
	br := bufio.NewReader(r)
	hdr := make([]byte, 8)
	if _, err := io.ReadFull(br, hdr); err != nil {
		return nil, vmfs.NewError("imager.decode", vmfs.ErrIO, err)
	}
	if string(hdr[:7]) != magic {
		return nil, vmfs.NewError("imager.decode", vmfs.ErrBadMagic, nil)
	}
	version := hdr[7]
	if version > maxVersion {
		return nil, vmfs.NewError("imager.decode", vmfs.ErrUnsupportedVersion, nil)
	}

	img := &Image{Version: version}
	for {
		op, err := br.ReadByte()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, vmfs.NewError("imager.decode", vmfs.ErrIO, err)
		}
		switch op {
		case opRawSector:
			sector := make([]byte, SectorSize)
			if _, err := io.ReadFull(br, sector); err != nil {
				return nil, vmfs.NewError("imager.decode", vmfs.ErrIO, err)
			}
			img.data = append(img.data, sector...)
		case opZeroRun:
			n, err := readVarint(br)
			if err != nil {
				return nil, err
			}
			img.data = append(img.data, make([]byte, (n+1)*SectorSize)...)
		default:
			return nil, vmfs.NewError("imager.decode", vmfs.ErrCorrupted, nil)
		}
	}
	return img, nil
}

// Encode writes img back out, collapsing runs of all-zero sectors into
// opZeroRun sequences.
func (img *Image) Encode(w io.Writer) error {
	bw := bufio.NewWriter(w)
	if _, err := bw.WriteString(magic); err != nil {
		return vmfs.NewError("imager.encode", vmfs.ErrIO, err)
	}
	if err := bw.WriteByte(img.Version); err != nil {
		return vmfs.NewError("imager.encode", vmfs.ErrIO, err)
	}

	nSectors := len(img.data) / SectorSize
	i := 0
	for i < nSectors {
		sector := img.data[i*SectorSize : (i+1)*SectorSize]
		if isZeroSector(sector) {
			run := 1
			for i+run < nSectors && isZeroSector(img.data[(i+run)*SectorSize:(i+run+1)*SectorSize]) {
				run++
			}
			if err := bw.WriteByte(opZeroRun); err != nil {
				return err
			}
			if err := writeVarint(bw, uint64(run-1)); err != nil {
				return err
			}
			i += run
			continue
		}
		if err := bw.WriteByte(opRawSector); err != nil {
			return err
		}
		if _, err := bw.Write(sector); err != nil {
			return err
		}
		i++
	}
	return bw.Flush()
}

func isZeroSector(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

func readVarint(r io.ByteReader) (uint64, error) {
	var v uint64
	var shift uint
	for {
		b, err := r.ReadByte()
		if err != nil {
			return 0, vmfs.NewError("imager.varint", vmfs.ErrIO, err)
		}
		v |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			return v, nil
		}
		shift += 7
	}
}

func writeVarint(w io.ByteWriter, v uint64) error {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		if err := w.WriteByte(b); err != nil {
			return err
		}
		if v == 0 {
			return nil
		}
	}
}

// memDevice adapts a flat byte slice to vmfs.BlockDevice, so a decoded
// Image can back a Volume without a real block device (spec.md §6 imager
// plug, used by tooling/tests).
type memDevice struct {
	data []byte
}

// AsDevice wraps img for use as a vmfs.BlockDevice, e.g. via
// vmfs.OpenVolumeFromDevice.
func (img *Image) AsDevice() vmfs.BlockDevice {
	return &memDevice{data: img.data}
}

func (d *memDevice) ReadAt(pos int64, length int) ([]byte, error) {
	if pos < 0 || pos+int64(length) > int64(len(d.data)) {
		return nil, vmfs.NewError("imager.device.read", vmfs.ErrIO, nil)
	}
	out := make([]byte, length)
	copy(out, d.data[pos:pos+int64(length)])
	return out, nil
}

func (d *memDevice) WriteAt(pos int64, b []byte) (int, error) {
	if pos < 0 || pos+int64(len(b)) > int64(len(d.data)) {
		return 0, vmfs.NewError("imager.device.write", vmfs.ErrIO, nil)
	}
	return copy(d.data[pos:], b), nil
}

func (d *memDevice) Reserve(int64) error { return nil }
func (d *memDevice) Release(int64) error { return nil }
func (d *memDevice) Close() error        { return nil }
