package vmfs

import (
	"fmt"
	"strconv"
	"strings"
)

// DirIter walks a directory file's fixed 140-byte records (spec.md §4.K).
type DirIter struct {
	dir *File
	pos int64 // current record index
}

// NewDirIter creates an iterator positioned at record 0.
func NewDirIter(dir *File) *DirIter { return &DirIter{dir: dir} }

func (it *DirIter) numRecords() int64 {
	return int64(it.dir.inode.Size) / DirEntrySize
}

func (it *DirIter) readAt(idx int64) (DirEntry, error) {
	buf := make([]byte, DirEntrySize)
	if _, err := it.dir.Pread(buf, idx*DirEntrySize); err != nil {
		return DirEntry{}, err
	}
	return dirEntryFromBytes(buf), nil
}

// Lookup linearly scans for name and, on success, positions the iterator at
// slot+1 so a following Read continues from there (spec.md §4.K "lookup").
func (it *DirIter) Lookup(name string) (DirEntry, int64, error) {
	n := it.numRecords()
	for i := int64(0); i < n; i++ {
		e, err := it.readAt(i)
		if err != nil {
			return DirEntry{}, 0, err
		}
		if !e.free() && e.Name == name {
			it.pos = i + 1
			return e, i, nil
		}
	}
	return DirEntry{}, 0, newErr("directory.lookup", ErrNotFound, nil)
}

// Read returns the record at the current position and advances, or
// ErrNotFound at end of directory (spec.md §4.K "read()").
func (it *DirIter) Read() (DirEntry, error) {
	if it.pos >= it.numRecords() {
		return DirEntry{}, newErr("directory.read", ErrNotFound, nil)
	}
	e, err := it.readAt(it.pos)
	if err != nil {
		return DirEntry{}, err
	}
	it.pos++
	return e, nil
}

// resolvePath implements spec.md §4.K "resolve_path": split on '/', skip
// empty components, follow symlinks per the followSymlink rule, with a
// bounded recursion depth (the Open Question this spec resolves at
// maxSymlinkDepth).
func (fs *Filesystem) resolvePath(baseDir *File, path string, followSymlink bool) (BlockID, error) {
	return fs.resolvePathDepth(baseDir, path, followSymlink, 0)
}

func (fs *Filesystem) resolvePathDepth(baseDir *File, path string, followSymlink bool, depth int) (BlockID, error) {
	if depth > maxSymlinkDepth {
		return 0, newErr("directory.resolve_path", ErrInvalidArg, nil)
	}
	parts := strings.Split(path, "/")
	cur := baseDir
	closeCur := false
	defer func() {
		if closeCur {
			cur.Close()
		}
	}()

	// A path with no non-empty components ("", "/", "//") names baseDir
	// itself; seed id with its own ID so that case resolves correctly
	// instead of to the zero BlockID.
	id := cur.inode.ID
	for i, part := range parts {
		if part == "" {
			continue
		}
		last := i == len(parts)-1

		it := NewDirIter(cur)
		entry, _, err := it.Lookup(part)
		if err != nil {
			return 0, err
		}
		id = entry.BlkID

		if entry.Type == TypeSymlink && (!last || followSymlink) {
			target, err := fs.openInode(entry.BlkID)
			if err != nil {
				return 0, err
			}
			link := make([]byte, target.inode.Size)
			if _, err := target.Pread(link, 0); err != nil {
				target.Close()
				return 0, err
			}
			target.Close()
			resolved, err := fs.resolvePathDepth(cur, string(link), followSymlink, depth+1)
			if err != nil {
				return 0, err
			}
			id = resolved
			if last {
				return id, nil
			}
			next, err := fs.openInode(id)
			if err != nil {
				return 0, err
			}
			if closeCur {
				cur.Close()
			}
			cur = next
			closeCur = true
			continue
		}

		if !last {
			if entry.Type != TypeDir {
				return 0, newErr("directory.resolve_path", ErrNotADirectory, nil)
			}
			next, err := fs.openInode(entry.BlkID)
			if err != nil {
				return 0, err
			}
			if closeCur {
				cur.Close()
			}
			cur = next
			closeCur = true
		}
	}
	return id, nil
}

// Mkdir implements spec.md §4.K "mkdir": allocate a directory inode, link
// it into baseDir, and pre-populate "." and "..".
func (fs *Filesystem) Mkdir(baseDir *File, name string, mode uint32) (*File, error) {
	in, err := fs.allocInode(TypeDir, mode)
	if err != nil {
		return nil, err
	}
	in.Size = uint64(fs.super.SubBlockSize)
	in.markDirty(SyncMeta | SyncBlk)
	if err := fs.Truncate(in, uint64(fs.super.SubBlockSize)); err != nil {
		return nil, err
	}

	f := &File{fs: fs, inode: in, id: uint32(in.ID)}
	fs.inodes.Insert(uint32(in.ID), in)

	if err := fs.linkInode(baseDir, name, f); err != nil {
		f.Close()
		return nil, err
	}
	if err := fs.writeDirEntry(f, ".", in.ID, TypeDir); err != nil {
		return nil, err
	}
	parentID := baseDir.inode.ID
	if err := fs.writeDirEntry(f, "..", parentID, TypeDir); err != nil {
		return nil, err
	}
	return f, nil
}

// Create implements the regular-file counterpart of Mkdir (spec.md §6's
// "create" CLI surface): allocate a file inode and link it into baseDir.
func (fs *Filesystem) Create(baseDir *File, name string, mode uint32) (*File, error) {
	in, err := fs.allocInode(TypeFile, mode)
	if err != nil {
		return nil, err
	}
	f := &File{fs: fs, inode: in, id: uint32(in.ID)}
	fs.inodes.Insert(uint32(in.ID), in)

	if err := fs.linkInode(baseDir, name, f); err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}

func (fs *Filesystem) writeDirEntry(dir *File, name string, target BlockID, typ InodeType) error {
	entry := DirEntry{Type: typ, BlkID: target, Name: name}
	it := NewDirIter(dir)
	n := it.numRecords()
	for i := int64(0); i < n; i++ {
		e, err := it.readAt(i)
		if err != nil {
			return err
		}
		if e.free() {
			entry.RecID = uint32(i)
			_, err := dir.Pwrite(entry.toBytes(), i*DirEntrySize)
			return err
		}
	}
	entry.RecID = uint32(n)
	_, err := dir.Pwrite(entry.toBytes(), n*DirEntrySize)
	return err
}

// linkInode implements spec.md §4.K "link_inode": append a record reusing
// any zero-type slot first, and bump the target's link count.
func (fs *Filesystem) linkInode(baseDir *File, name string, target *File) error {
	if err := fs.writeDirEntry(baseDir, name, target.inode.ID, target.inode.Type); err != nil {
		return err
	}
	target.inode.Nlink++
	target.inode.markDirty(SyncMeta)
	return nil
}

// unlinkInode implements spec.md §4.K "unlink_inode": zero the record, drop
// the target's link count, and free it entirely once unreferenced.
func (fs *Filesystem) unlinkInode(dir *File, recIdx int64, entry DirEntry) error {
	zero := make([]byte, DirEntrySize)
	if _, err := dir.Pwrite(zero, recIdx*DirEntrySize); err != nil {
		return err
	}
	target, err := fs.openInode(entry.BlkID)
	if err != nil {
		return err
	}
	defer target.Close()
	if target.inode.Nlink > 0 {
		target.inode.Nlink--
	}
	target.inode.markDirty(SyncMeta)
	if target.inode.Nlink == 0 {
		if err := fs.Truncate(target.inode, 0); err != nil {
			return err
		}
		return fs.freeInode(target.inode)
	}
	return nil
}

// UnlinkAt is unlinkInode's exported form, for CLI/tooling callers that
// have already looked up the entry to remove.
func (fs *Filesystem) UnlinkAt(dir *File, recIdx int64, entry DirEntry) error {
	return fs.unlinkInode(dir, recIdx, entry)
}

// ParseBlockIDLiteral parses the `<0xNNN>` tooling escape into a BlockID,
// for CLI commands (like "dump a block by ID", spec.md §6) that always
// take a raw identifier rather than a path.
func ParseBlockIDLiteral(spec string) (BlockID, error) {
	id, ok := parseBlkIDEscape(spec)
	if !ok {
		return 0, newErr("blockid.parse_literal", ErrInvalidArg, nil)
	}
	return id, nil
}

// formatBlkIDEscape renders the `<0xNNN>` literal block-id escape used by
// OpenFromFilespec for tooling access (spec.md §4.L).
func formatBlkIDEscape(id BlockID) string {
	return fmt.Sprintf("<0x%x>", uint32(id))
}

func parseBlkIDEscape(spec string) (BlockID, bool) {
	if !strings.HasPrefix(spec, "<0x") || !strings.HasSuffix(spec, ">") {
		return 0, false
	}
	hex := spec[3 : len(spec)-1]
	v, err := strconv.ParseUint(hex, 16, 32)
	if err != nil {
		return 0, false
	}
	return BlockID(v), true
}
