// Package filesystem holds the backing-agnostic interfaces a consumer of
// this module programs against, independent of which on-disk format
// (today, only VMFS) actually implements them.
package filesystem

import (
	"os"
	"time"
)

// Type identifies an on-disk filesystem format.
type Type int

const (
	// TypeVMFS is the VMFS3/VMFS5 cluster filesystem.
	TypeVMFS Type = iota
)

func (t Type) String() string {
	switch t {
	case TypeVMFS:
		return "VMFS"
	default:
		return "unknown"
	}
}

// File is a handle to an open regular file, independent of the backing
// filesystem implementation.
type File interface {
	Read(b []byte) (int, error)
	Write(b []byte) (int, error)
	Seek(offset int64, whence int) (int64, error)
	Close() error
}

// FileSystem is the operation set any on-disk format implementation in this
// module exposes to a caller.
type FileSystem interface {
	Type() Type
	ReadDir(path string) ([]os.FileInfo, error)
	OpenFile(path string, flag int) (File, error)
	Mkdir(path string) error
	Stat(path string) (os.FileInfo, error)
	Chmod(path string, mode os.FileMode) error
	Truncate(path string, size int64) error
	Remove(path string) error
	Label() string
}

// FileInfo is the concrete os.FileInfo backing every Stat/ReadDir result.
type FileInfo struct {
	FName    string
	FSize    int64
	FMode    os.FileMode
	FModTime time.Time
	FIsDir   bool
}

func (fi FileInfo) Name() string       { return fi.FName }
func (fi FileInfo) Size() int64        { return fi.FSize }
func (fi FileInfo) Mode() os.FileMode  { return fi.FMode }
func (fi FileInfo) ModTime() time.Time { return fi.FModTime }
func (fi FileInfo) IsDir() bool        { return fi.FIsDir }
func (fi FileInfo) Sys() interface{}   { return nil }
