package vmfs

import (
	"github.com/bits-and-blooms/bitset"
	"github.com/diskfs/vmfs/util"
)

// Bitmap header and entry layout, spec.md §3 "Bitmap" and §4.G.
const (
	BitmapHeaderSize = 512
	BitmapEntrySize  = 1024

	ofsBmItemsPerEntry = 0x00
	ofsBmEntriesPerArea = 0x04
	ofsBmHdrSize        = 0x08
	ofsBmDataSize       = 0x0c
	ofsBmAreaSize       = 0x10
	ofsBmAreaCount      = 0x14
	ofsBmTotalItems     = 0x18

	// Within a 1024-byte entry, past its 512-byte metadata header.
	ofsBeEntryID = MetadataHeaderSize + 0x00
	ofsBeTotal   = MetadataHeaderSize + 0x04
	ofsBeFree    = MetadataHeaderSize + 0x08
	ofsBeFfree   = MetadataHeaderSize + 0x0c
	ofsBeBitmap  = MetadataHeaderSize + 0x10
	bitmapBytes  = BitmapEntrySize - ofsBeBitmap
)

// BitmapHeader is the 512-byte header prefixing every bitmap file.
type BitmapHeader struct {
	ItemsPerEntry  uint32
	EntriesPerArea uint32
	HdrSize        uint32
	DataSize       uint32
	AreaSize       uint32
	AreaCount      uint32
	TotalItems     uint32
}

func bitmapHeaderFromBytes(b []byte) BitmapHeader {
	return BitmapHeader{
		ItemsPerEntry:  util.Uint32At(b, ofsBmItemsPerEntry),
		EntriesPerArea: util.Uint32At(b, ofsBmEntriesPerArea),
		HdrSize:        util.Uint32At(b, ofsBmHdrSize),
		DataSize:       util.Uint32At(b, ofsBmDataSize),
		AreaSize:       util.Uint32At(b, ofsBmAreaSize),
		AreaCount:      util.Uint32At(b, ofsBmAreaCount),
		TotalItems:     util.Uint32At(b, ofsBmTotalItems),
	}
}

func (h BitmapHeader) toBytes() []byte {
	b := make([]byte, BitmapHeaderSize)
	util.PutUint32At(b, ofsBmItemsPerEntry, h.ItemsPerEntry)
	util.PutUint32At(b, ofsBmEntriesPerArea, h.EntriesPerArea)
	util.PutUint32At(b, ofsBmHdrSize, h.HdrSize)
	util.PutUint32At(b, ofsBmDataSize, h.DataSize)
	util.PutUint32At(b, ofsBmAreaSize, h.AreaSize)
	util.PutUint32At(b, ofsBmAreaCount, h.AreaCount)
	util.PutUint32At(b, ofsBmTotalItems, h.TotalItems)
	return b
}

// bitmapEntry is the parsed 1024-byte allocation record.
type bitmapEntry struct {
	Header MetadataHeader
	ID     uint32
	Total  uint32
	Free   uint32
	Ffree  uint32
	Bits   *bitset.BitSet // 1 = allocated, same as the on-disk convention
}

func bitmapEntryFromBytes(b []byte) bitmapEntry {
	e := bitmapEntry{
		Header: metadataHeaderFromBytes(b),
		ID:     util.Uint32At(b, ofsBeEntryID),
		Total:  util.Uint32At(b, ofsBeTotal),
		Free:   util.Uint32At(b, ofsBeFree),
		Ffree:  util.Uint32At(b, ofsBeFfree),
	}
	e.Bits = bitset.New(uint(bitmapBytes * 8))
	raw := b[ofsBeBitmap:BitmapEntrySize]
	for i := 0; i < int(e.Total); i++ {
		byteIdx, bit := i/8, uint(i%8)
		onDiskSet := raw[byteIdx]&(1<<bit) != 0
		// On-disk convention: 0 = free, 1 = used. In-core bitset mirrors
		// "1 = allocated" directly, so no inversion is needed here beyond
		// reading the bit as-is.
		if onDiskSet {
			e.Bits.Set(uint(i))
		}
	}
	return e
}

func (e bitmapEntry) toBytes() []byte {
	b := make([]byte, BitmapEntrySize)
	e.Header.writeInto(b)
	util.PutUint32At(b, ofsBeEntryID, e.ID)
	util.PutUint32At(b, ofsBeTotal, e.Total)
	util.PutUint32At(b, ofsBeFree, e.Free)
	util.PutUint32At(b, ofsBeFfree, e.Ffree)
	raw := b[ofsBeBitmap:BitmapEntrySize]
	for i := 0; i < int(e.Total); i++ {
		if e.Bits.Test(uint(i)) {
			raw[i/8] |= 1 << uint(i%8)
		}
	}
	return b
}

// Bitmap is one of the four allocators (FBB/SBC/PBC/FDC), backed by its own
// inode's content (spec.md §4.G).
type Bitmap struct {
	fs    *Filesystem
	inode *Inode
	kind  BlockType
	hdr   BitmapHeader
}

// openBitmap parses in's leading 512-byte header.
func openBitmap(fs *Filesystem, in *Inode, kind BlockType) (*Bitmap, error) {
	buf := make([]byte, BitmapHeaderSize)
	if _, err := fs.readFileAt(in, 0, buf); err != nil {
		return nil, err
	}
	return &Bitmap{fs: fs, inode: in, kind: kind, hdr: bitmapHeaderFromBytes(buf)}, nil
}

// entryByteOffset implements spec.md §4.G "get_entry": locate the area and
// local entry index for (entryIdx, itemIdx), then the byte offset of that
// 1024-byte entry within the bitmap file.
func (bm *Bitmap) entryByteOffset(entryIdx, itemIdx uint32) int64 {
	itemsPerArea := bm.hdr.ItemsPerEntry * bm.hdr.EntriesPerArea
	linear := entryIdx*bm.hdr.ItemsPerEntry + itemIdx
	area := linear / itemsPerArea
	local := entryIdx % bm.hdr.EntriesPerArea
	return int64(bm.hdr.HdrSize) + int64(area)*int64(bm.hdr.AreaSize) + int64(local)*BitmapEntrySize
}

func (bm *Bitmap) itemByteOffset(entryIdx, itemIdx uint32) int64 {
	itemsPerArea := bm.hdr.ItemsPerEntry * bm.hdr.EntriesPerArea
	linear := entryIdx*bm.hdr.ItemsPerEntry + itemIdx
	area := linear / itemsPerArea
	localLinear := linear % itemsPerArea
	areaBase := int64(bm.hdr.HdrSize) + int64(area)*int64(bm.hdr.AreaSize)
	return areaBase + int64(bm.hdr.EntriesPerArea)*BitmapEntrySize + int64(localLinear)*int64(bm.hdr.DataSize)
}

func (bm *Bitmap) readEntry(entryIdx, itemIdx uint32) (bitmapEntry, int64, error) {
	pos := bm.entryByteOffset(entryIdx, itemIdx)
	buf := make([]byte, BitmapEntrySize)
	if _, err := bm.fs.readFileAt(bm.inode, pos, buf); err != nil {
		return bitmapEntry{}, 0, err
	}
	return bitmapEntryFromBytes(buf), pos, nil
}

// getItemPayload returns the data-area payload for id (SBC/PBC only; FBB's
// DataSize is zero and its items are external file-blocks addressed
// directly, see §4.M bootstrap).
func (bm *Bitmap) getItemPayload(id BlockID) ([]byte, error) {
	pos := bm.itemByteOffset(id.Entry(), id.SubItem())
	buf := make([]byte, bm.hdr.DataSize)
	_, err := bm.fs.readFileAt(bm.inode, pos, buf)
	return buf, err
}

func (bm *Bitmap) setItemPayload(id BlockID, buf []byte) error {
	pos := bm.itemByteOffset(id.Entry(), id.SubItem())
	_, err := bm.fs.writeFileAt(bm.inode, pos, buf)
	return err
}

func (bm *Bitmap) buildID(entryIdx, itemIdx uint32, flags uint8) BlockID {
	switch bm.kind {
	case BlockFB:
		return BuildFB(entryIdx*bm.hdr.ItemsPerEntry+itemIdx, flags)
	case BlockSB:
		return BuildSB(entryIdx, itemIdx)
	case BlockPB:
		return BuildPB(entryIdx, itemIdx)
	default:
		return BuildFD(entryIdx, itemIdx)
	}
}

// allocate implements spec.md §4.G "Allocate one item of type T".
func (bm *Bitmap) allocate(flags uint8) (BlockID, error) {
	nEntries := bm.hdr.TotalItems / bm.hdr.ItemsPerEntry
	for entryIdx := uint32(0); entryIdx < nEntries; entryIdx++ {
		pos := bm.entryByteOffset(entryIdx, 0)
		buf := make([]byte, BitmapEntrySize)
		if _, err := bm.fs.readFileAt(bm.inode, pos, buf); err != nil {
			return 0, err
		}
		e := bitmapEntryFromBytes(buf)
		if e.Free < 1 || e.Header.HbLock != hbLockUnlocked {
			continue
		}

		absPos, lerr := bm.fs.resolveAbsolute(bm.inode, pos)
		if lerr != nil {
			return 0, lerr
		}
		locked, err := bm.fs.locker.Acquire(absPos, BitmapEntrySize)
		if err != nil {
			if errIsKind(err, ErrLocked) {
				continue
			}
			return 0, err
		}
		e = bitmapEntryFromBytes(locked)
		if e.Free < 1 {
			bm.fs.locker.Release(absPos, locked)
			continue
		}

		itemIdx, ok := e.Bits.NextClear(0)
		if !ok || itemIdx >= uint(e.Total) {
			bm.fs.locker.Release(absPos, locked)
			continue
		}
		e.Bits.Set(itemIdx)
		e.Free--
		ffree, found := e.Bits.NextClear(0)
		if found {
			e.Ffree = uint32(ffree)
		} else {
			e.Ffree = e.Total
		}
		e.Header = metadataHeaderFromBytes(locked)
		out := e.toBytes()
		copy(out[:MetadataHeaderSize], locked[:MetadataHeaderSize])
		if _, err := bm.fs.writeFileAt(bm.inode, pos, out); err != nil {
			bm.fs.locker.Release(absPos, locked)
			return 0, err
		}
		if err := bm.fs.locker.Release(absPos, locked); err != nil {
			return 0, err
		}
		return bm.buildID(entryIdx, uint32(itemIdx), flags), nil
	}
	return 0, newErr("bitmap.allocate", ErrNoSpace, nil)
}

// free implements spec.md §4.G "Free(blk_id)".
func (bm *Bitmap) free(id BlockID) error {
	entryIdx, itemIdx := id.Entry(), id.SubItem()
	if bm.kind == BlockFB {
		entryIdx, itemIdx = id.Item()/bm.hdr.ItemsPerEntry, id.Item()%bm.hdr.ItemsPerEntry
	}
	pos := bm.entryByteOffset(entryIdx, itemIdx)
	absPos, lerr := bm.fs.resolveAbsolute(bm.inode, pos)
	if lerr != nil {
		return lerr
	}
	locked, err := bm.fs.locker.Acquire(absPos, BitmapEntrySize)
	if err != nil {
		return err
	}
	e := bitmapEntryFromBytes(locked)
	if !e.Bits.Test(uint(itemIdx)) {
		bm.fs.locker.Release(absPos, locked)
		return newErr("bitmap.free", ErrInvalidArg, nil)
	}
	e.Bits.Clear(uint(itemIdx))
	e.Free++
	if ffree, found := e.Bits.NextClear(0); found {
		e.Ffree = uint32(ffree)
	}
	out := e.toBytes()
	copy(out[:MetadataHeaderSize], locked[:MetadataHeaderSize])
	if _, err := bm.fs.writeFileAt(bm.inode, pos, out); err != nil {
		bm.fs.locker.Release(absPos, locked)
		return err
	}
	return bm.fs.locker.Release(absPos, locked)
}

// check implements spec.md §4.G "check()": validates structural invariants
// without mutating, returning the number of violations found.
func (bm *Bitmap) check() (int, error) {
	errs := 0
	nEntries := bm.hdr.TotalItems / bm.hdr.ItemsPerEntry
	var totalSum uint32
	for entryIdx := uint32(0); entryIdx < nEntries; entryIdx++ {
		e, _, err := bm.readEntry(entryIdx, 0)
		if err != nil {
			return errs, err
		}
		if e.Header.Magic == 0 {
			continue
		}
		if e.ID != entryIdx {
			errs++
		}
		if e.Total > bm.hdr.ItemsPerEntry {
			errs++
		}
		cleared := uint32(e.Total) - uint32(popcount(e.Bits, uint(e.Total)))
		if cleared != e.Free {
			errs++
		}
		totalSum += e.Total
	}
	if totalSum != bm.hdr.TotalItems {
		errs++
	}
	return errs, nil
}

func popcount(bs *bitset.BitSet, limit uint) uint {
	count := uint(0)
	for i := uint(0); i < limit; i++ {
		if bs.Test(i) {
			count++
		}
	}
	return count
}

// forEach implements spec.md §4.G "foreach(cbk)".
func (bm *Bitmap) forEach(cbk func(BlockID)) error {
	nEntries := bm.hdr.TotalItems / bm.hdr.ItemsPerEntry
	for entryIdx := uint32(0); entryIdx < nEntries; entryIdx++ {
		e, _, err := bm.readEntry(entryIdx, 0)
		if err != nil {
			return err
		}
		if e.Header.Magic == 0 {
			continue
		}
		for i := uint32(0); i < e.Total; i++ {
			if e.Bits.Test(uint(i)) {
				cbk(bm.buildID(entryIdx, i, 0))
			}
		}
	}
	return nil
}

func errIsKind(err error, kind ErrorKind) bool {
	ve, ok := err.(*Error)
	return ok && ve.Kind == kind
}
