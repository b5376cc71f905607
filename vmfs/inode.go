package vmfs

import (
	"sync"
	"time"

	"github.com/diskfs/vmfs/util"
)

// InodeSize is the fixed on-disk record size stored inside the FDC
// (spec.md §3 "Inode").
const InodeSize = 2048

// InodeType is the inode's file type.
type InodeType uint8

const (
	TypeDir InodeType = 1 + iota
	TypeFile
	TypeSymlink
	TypeMeta
	TypeRDM
)

func (t InodeType) String() string {
	switch t {
	case TypeDir:
		return "dir"
	case TypeFile:
		return "file"
	case TypeSymlink:
		return "symlink"
	case TypeMeta:
		return "meta"
	case TypeRDM:
		return "rdm"
	default:
		return "none"
	}
}

// ZLA (zero-level-address) selects how an inode's block array is
// interpreted (spec.md §3 "ZLA").
type ZLA uint16

const (
	ZlaFB     ZLA = 1
	ZlaSB     ZLA = 2
	ZlaPB     ZLA = 3
	zlaFDBase ZLA = 4301 // VMFS-5 inline extension: zla = zlaFDBase + BlockFD
)

// ZlaInline is the effective zla of a VMFS-5 inline (content-in-inode) file.
const ZlaInline = zlaFDBase + ZLA(BlockFD)

// Dirty flags for Inode.updateFlags (spec.md §4.I "Writeback").
const (
	SyncMeta = 1 << iota
	SyncBlk
	SyncAll = SyncMeta | SyncBlk
)

const (
	ofsInID       = MetadataHeaderSize + 0x00
	ofsInID2      = MetadataHeaderSize + 0x04
	ofsInNlink    = MetadataHeaderSize + 0x08
	ofsInType     = MetadataHeaderSize + 0x0c
	ofsInFlags    = MetadataHeaderSize + 0x0d
	ofsInZLA      = MetadataHeaderSize + 0x0e
	ofsInSize     = MetadataHeaderSize + 0x10
	ofsInBlkSize  = MetadataHeaderSize + 0x18
	ofsInBlkCount = MetadataHeaderSize + 0x1c
	ofsInMtime    = MetadataHeaderSize + 0x20
	ofsInCtime    = MetadataHeaderSize + 0x28
	ofsInAtime    = MetadataHeaderSize + 0x30
	ofsInUID      = MetadataHeaderSize + 0x38
	ofsInGID      = MetadataHeaderSize + 0x3c
	ofsInMode     = MetadataHeaderSize + 0x40
	ofsInTBZ      = MetadataHeaderSize + 0x44
	ofsInCow      = MetadataHeaderSize + 0x48
	ofsInRDMID    = MetadataHeaderSize + 0x4c

	inodeFixedSize = 1024 // header (512) + fixed fields (512)
	inodeTailSize  = InodeSize - inodeFixedSize
	inodeNumBlocks = inodeTailSize / 4 // 256
)

// Inode is the in-core representation of an FDC record: on-disk fields plus
// VMFS's caching/refcount/dirty-flag bookkeeping (spec.md §4.I).
type Inode struct {
	mu sync.Mutex

	Header MetadataHeader
	ID     BlockID
	ID2    uint32
	Nlink  uint32
	Type   InodeType
	Flags  uint8
	Zla    ZLA
	Size   uint64
	BlkSize  uint32
	BlkCount uint32
	Mtime  uint64
	Ctime  uint64
	Atime  uint64
	UID    uint32
	GID    uint32
	Mode   uint32
	TBZ    uint32
	Cow    uint32
	RDMID  uint32

	Blocks  [inodeNumBlocks]BlockID
	Inline  []byte // valid content when Zla == ZlaInline, length == Size

	fs          *Filesystem
	refcount    int
	updateFlags int
}

func inodeFromBytes(fs *Filesystem, b []byte) (*Inode, error) {
	if len(b) < InodeSize {
		return nil, newErr("inode.parse", ErrIO, nil)
	}
	in := &Inode{
		fs:     fs,
		Header: metadataHeaderFromBytes(b),
		ID:     BlockID(util.Uint32At(b, ofsInID)),
		ID2:    util.Uint32At(b, ofsInID2),
		Nlink:  util.Uint32At(b, ofsInNlink),
		Type:   InodeType(b[ofsInType]),
		Flags:  b[ofsInFlags],
		Zla:    ZLA(util.Uint16At(b, ofsInZLA)),
		Size:   util.Uint64At(b, ofsInSize),
		BlkSize:  util.Uint32At(b, ofsInBlkSize),
		BlkCount: util.Uint32At(b, ofsInBlkCount),
		Mtime:  util.Uint64At(b, ofsInMtime),
		Ctime:  util.Uint64At(b, ofsInCtime),
		Atime:  util.Uint64At(b, ofsInAtime),
		UID:    util.Uint32At(b, ofsInUID),
		GID:    util.Uint32At(b, ofsInGID),
		Mode:   util.Uint32At(b, ofsInMode),
		TBZ:    util.Uint32At(b, ofsInTBZ),
		Cow:    util.Uint32At(b, ofsInCow),
		RDMID:  util.Uint32At(b, ofsInRDMID),
	}
	tail := b[inodeFixedSize:InodeSize]
	switch {
	case in.Type == TypeRDM:
		in.RDMID = util.Uint32At(tail, 0)
	case in.Zla == ZlaInline:
		in.Inline = append([]byte(nil), tail[:in.Size]...)
	default:
		for i := 0; i < inodeNumBlocks; i++ {
			in.Blocks[i] = BlockID(util.Uint32At(tail, i*4))
		}
	}
	return in, nil
}

// toBytes renders the fixed header+fields region and, when writeBlocks is
// true, the 1024-byte tail as well — mirroring the SYNC_META/SYNC_BLK split
// of spec.md §4.I "Writeback".
func (in *Inode) toBytes(writeBlocks bool) []byte {
	size := inodeFixedSize
	if writeBlocks {
		size = InodeSize
	}
	b := make([]byte, size)
	in.Header.writeInto(b)
	util.PutUint32At(b, ofsInID, uint32(in.ID))
	util.PutUint32At(b, ofsInID2, in.ID2)
	util.PutUint32At(b, ofsInNlink, in.Nlink)
	b[ofsInType] = byte(in.Type)
	b[ofsInFlags] = in.Flags
	util.PutUint16At(b, ofsInZLA, uint16(in.Zla))
	util.PutUint64At(b, ofsInSize, in.Size)
	util.PutUint32At(b, ofsInBlkSize, in.BlkSize)
	util.PutUint32At(b, ofsInBlkCount, in.BlkCount)
	util.PutUint64At(b, ofsInMtime, in.Mtime)
	util.PutUint64At(b, ofsInCtime, in.Ctime)
	util.PutUint64At(b, ofsInAtime, in.Atime)
	util.PutUint32At(b, ofsInUID, in.UID)
	util.PutUint32At(b, ofsInGID, in.GID)
	util.PutUint32At(b, ofsInMode, in.Mode)
	util.PutUint32At(b, ofsInTBZ, in.TBZ)
	util.PutUint32At(b, ofsInCow, in.Cow)
	util.PutUint32At(b, ofsInRDMID, in.RDMID)
	if !writeBlocks {
		return b
	}
	tail := b[inodeFixedSize:InodeSize]
	switch {
	case in.Type == TypeRDM:
		util.PutUint32At(tail, 0, in.RDMID)
	case in.Zla == ZlaInline:
		copy(tail, in.Inline)
	default:
		for i := 0; i < inodeNumBlocks; i++ {
			util.PutUint32At(tail, i*4, uint32(in.Blocks[i]))
		}
	}
	return b
}

// nowUnix is the inode timestamp unit (mtime/ctime/atime): seconds since the
// Unix epoch.
func nowUnix() uint64 {
	return uint64(time.Now().Unix())
}

// markDirty ORs flag into the inode's pending-writeback state.
func (in *Inode) markDirty(flag int) {
	in.mu.Lock()
	in.updateFlags |= flag
	in.mu.Unlock()
}

// InodeCache is the per-filesystem hash of in-core inodes, keyed by inode ID
// (spec.md §4.I "Caching"). A Go map plus mutex gives the same externally
// observable behavior as the source's fixed 256-bucket open-addressing
// table.
type InodeCache struct {
	mu    sync.Mutex
	table map[uint32]*Inode
}

// NewInodeCache creates an empty cache.
func NewInodeCache() *InodeCache {
	return &InodeCache{table: make(map[uint32]*Inode)}
}

// Lookup returns a cached inode and bumps its refcount, or (nil, false).
func (c *InodeCache) Lookup(id uint32) (*Inode, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	in, ok := c.table[id]
	if ok {
		in.refcount++
	}
	return in, ok
}

// Insert registers a freshly read inode with refcount 1.
func (c *InodeCache) Insert(id uint32, in *Inode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	in.refcount = 1
	c.table[id] = in
}

// Release decrements in's refcount; at zero it writes back any dirty
// content and removes in from the cache.
func (c *InodeCache) Release(id uint32, in *Inode) error {
	c.mu.Lock()
	in.refcount--
	drop := in.refcount <= 0
	flags := in.updateFlags
	if drop {
		delete(c.table, id)
	}
	c.mu.Unlock()

	if drop && flags != 0 {
		return in.fs.writeInode(in, flags&SyncBlk != 0)
	}
	return nil
}

// ForEach invokes cbk for every inode currently cached — used by Close()'s
// dirty-inode flush (spec.md §4.M "close()").
func (c *InodeCache) ForEach(cbk func(id uint32, in *Inode)) {
	c.mu.Lock()
	snap := make(map[uint32]*Inode, len(c.table))
	for k, v := range c.table {
		snap[k] = v
	}
	c.mu.Unlock()
	for k, v := range snap {
		cbk(k, v)
	}
}
