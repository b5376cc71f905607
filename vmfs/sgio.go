//go:build linux

package vmfs

// SCSI RESERVE(6)/RELEASE(6) over Linux's SG_IO ioctl. This is the
// mechanism spec.md §4.B requires: "probed at open by performing both once
// -- if either fails, the reservation ops become no-ops", and later used
// under every cross-host-visible metadata write (§4.E, §5).

import (
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	sgIoIoctl    = 0x2285 // SG_IO
	sgDxferNone  = -1     // SG_DXFER_NONE
	sgInfoOKMask = 0x1
	sgInfoOK     = 0x0
)

// sgIoHdr mirrors struct sg_io_hdr from <scsi/sg.h>, trimmed to the fields
// a zero-data-transfer command (RESERVE/RELEASE) actually needs.
type sgIoHdr struct {
	interfaceID    int32
	dxferDirection int32
	cmdLen         uint8
	mxSbLen        uint8
	iovecCount     uint16
	dxferLen       uint32
	dxferp         uintptr
	cmdp           uintptr
	sbp            uintptr
	timeout        uint32
	flags          uint32
	packID         int32
	usrPtr         uintptr
	status         uint8
	maskedStatus   uint8
	msgStatus      uint8
	sbLenWr        uint8
	hostStatus     uint16
	driverStatus   uint16
	resid          int32
	duration       uint32
	info           uint32
}

func sgExecute(f *os.File, cdb []byte) error {
	sense := make([]byte, 32)
	hdr := sgIoHdr{
		interfaceID:    's',
		dxferDirection: sgDxferNone,
		cmdLen:         uint8(len(cdb)),
		mxSbLen:        uint8(len(sense)),
		cmdp:           uintptr(unsafe.Pointer(&cdb[0])),
		sbp:            uintptr(unsafe.Pointer(&sense[0])),
		timeout:        5000, // ms
	}
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), sgIoIoctl, uintptr(unsafe.Pointer(&hdr)))
	if errno != 0 {
		return errno
	}
	if hdr.info&sgInfoOKMask != sgInfoOK {
		return unix.EIO
	}
	return nil
}

// scsiReserve issues SCSI RESERVE(6): opcode 0x16, remaining bytes zero
// (whole logical unit, no extent list).
func scsiReserve(f *os.File) error {
	cdb := make([]byte, 6)
	cdb[0] = 0x16
	return sgExecute(f, cdb)
}

// scsiRelease issues SCSI RELEASE(6): opcode 0x17.
func scsiRelease(f *os.File) error {
	cdb := make([]byte, 6)
	cdb[0] = 0x17
	return sgExecute(f, cdb)
}
