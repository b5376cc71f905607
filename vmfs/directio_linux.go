//go:build linux

package vmfs

import "golang.org/x/sys/unix"

func directIOFlag() int {
	return unix.O_DIRECT
}
