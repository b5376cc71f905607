package vmfs

import (
	"os"
	"time"

	dfs "github.com/diskfs/vmfs/filesystem"
)

// This file adapts *Filesystem to the path-addressed filesystem.FileSystem
// contract (spec.md §6 "CLI surfaces"), wrapping the raw-inode/block-ID
// operations the rest of the vmfs package exposes. cmd/vmfsls's path-based
// subcommands go through this adapter rather than repeating path resolution
// themselves.

// Type implements filesystem.FileSystem.
func (fs *Filesystem) Type() dfs.Type { return dfs.TypeVMFS }

// Label implements filesystem.FileSystem.
func (fs *Filesystem) Label() string { return fs.super.Label }

func fileInfoFromInode(name string, in *Inode) dfs.FileInfo {
	return dfs.FileInfo{
		FName:    name,
		FSize:    int64(in.Size),
		FMode:    os.FileMode(in.Mode),
		FModTime: time.Unix(int64(in.Mtime), 0),
		FIsDir:   in.Type == TypeDir,
	}
}

// Stat implements filesystem.FileSystem.
func (fs *Filesystem) Stat(path string) (os.FileInfo, error) {
	f, err := fs.OpenFromFilespec(fs.root, path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return fileInfoFromInode(baseName(path), f.Stat()), nil
}

// ReadDir implements filesystem.FileSystem.
func (fs *Filesystem) ReadDir(path string) ([]os.FileInfo, error) {
	dir, err := fs.OpenFromFilespec(fs.root, path)
	if err != nil {
		return nil, err
	}
	defer dir.Close()
	if dir.Stat().Type != TypeDir {
		return nil, newErr("fs.readdir", ErrNotADirectory, nil)
	}

	var out []os.FileInfo
	it := NewDirIter(dir)
	for {
		e, err := it.Read()
		if IsNotFound(err) {
			break
		}
		if err != nil {
			return nil, err
		}
		if e.Name == "" || e.Name == "." || e.Name == ".." {
			continue
		}
		child, err := fs.openInode(e.BlkID)
		if err != nil {
			return nil, err
		}
		out = append(out, fileInfoFromInode(e.Name, child.Stat()))
		child.Close()
	}
	return out, nil
}

// OpenFile implements filesystem.FileSystem. flag follows os.O_* semantics;
// only O_CREATE (create if absent) and the rest-is-open-existing case are
// meaningful for this driver's POSIX-like subset.
func (fs *Filesystem) OpenFile(path string, flag int) (dfs.File, error) {
	f, err := fs.OpenFromFilespec(fs.root, path)
	if err == nil {
		return f, nil
	}
	if !IsNotFound(err) {
		return nil, err
	}
	if flag&os.O_CREATE == 0 {
		return nil, newErr("fs.open_file", ErrNotFound, nil)
	}
	parent, name := splitParent(path)
	dir, err := fs.OpenFromFilespec(fs.root, parent)
	if err != nil {
		return nil, err
	}
	defer dir.Close()
	created, err := fs.Create(dir, name, 0644)
	if err != nil {
		return nil, err
	}
	return created, nil
}

// MkdirPath backs vmfsPosixAdapter's filesystem.FileSystem Mkdir.
func (fs *Filesystem) MkdirPath(path string, mode os.FileMode) error {
	parent, name := splitParent(path)
	dir, err := fs.OpenFromFilespec(fs.root, parent)
	if err != nil {
		return err
	}
	defer dir.Close()
	child, err := fs.Mkdir(dir, name, uint32(mode))
	if err != nil {
		return err
	}
	return child.Close()
}

// ChmodPath backs vmfsPosixAdapter's filesystem.FileSystem Chmod.
func (fs *Filesystem) ChmodPath(path string, mode os.FileMode) error {
	f, err := fs.OpenFromFilespec(fs.root, path)
	if err != nil {
		return err
	}
	defer f.Close()
	f.Chmod(uint32(mode))
	return nil
}

// TruncatePath implements filesystem.FileSystem's Truncate.
func (fs *Filesystem) TruncatePath(path string, size int64) error {
	f, err := fs.OpenFromFilespec(fs.root, path)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Truncate(uint64(size))
}

// Remove implements filesystem.FileSystem.
func (fs *Filesystem) Remove(path string) error {
	parent, name := splitParent(path)
	dir, err := fs.OpenFromFilespec(fs.root, parent)
	if err != nil {
		return err
	}
	defer dir.Close()
	it := NewDirIter(dir)
	entry, pos, err := it.Lookup(name)
	if err != nil {
		return err
	}
	return fs.UnlinkAt(dir, pos, entry)
}

func baseName(path string) string {
	_, name := splitParent(path)
	return name
}

func splitParent(p string) (dir, name string) {
	end := len(p)
	for end > 1 && p[end-1] == '/' {
		end--
	}
	p = p[:end]
	i := -1
	for j := len(p) - 1; j >= 0; j-- {
		if p[j] == '/' {
			i = j
			break
		}
	}
	if i < 0 {
		return "/", p
	}
	if i == 0 {
		return "/", p[1:]
	}
	return p[:i], p[i+1:]
}

var _ dfs.FileSystem = vmfsPosixAdapter{}

// vmfsPosixAdapter reconciles the slight naming overlap between *Filesystem's
// own richer Mkdir/Chmod/Truncate (which take an already-open directory or
// file handle) and filesystem.FileSystem's path-only verbs of the same name:
// it forwards to the Path-suffixed methods above so both call shapes coexist
// on the one concrete type without a method signature clash.
type vmfsPosixAdapter struct{ *Filesystem }

func (a vmfsPosixAdapter) Mkdir(path string) error             { return a.Filesystem.MkdirPath(path, 0755) }
func (a vmfsPosixAdapter) Chmod(path string, mode os.FileMode) error {
	return a.Filesystem.ChmodPath(path, mode)
}
func (a vmfsPosixAdapter) Truncate(path string, size int64) error {
	return a.Filesystem.TruncatePath(path, size)
}

// AsFileSystem exposes fs through the backing-agnostic filesystem.FileSystem
// contract, for callers (CLI front-ends, the mount adapter) that program
// against the generic interface instead of the concrete vmfs API.
func (fs *Filesystem) AsFileSystem() dfs.FileSystem { return vmfsPosixAdapter{fs} }
