//go:build !linux

package vmfs

import (
	"errors"
	"os"
)

// SG_IO is Linux-specific. On other platforms RESERVE/RELEASE are always
// reported as unsupported, which OpenFileDevice treats as "fall back to
// no-op reservation", same as a plain file backing on Linux.
var errSgioUnsupported = errors.New("scsi reserve/release not supported on this platform")

func scsiReserve(f *os.File) error { return errSgioUnsupported }
func scsiRelease(f *os.File) error { return errSgioUnsupported }
