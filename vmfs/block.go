package vmfs

import "github.com/diskfs/vmfs/util"

// This file is the block-addressing engine, spec.md §4.J: resolving a file
// byte offset to the BlockID that holds it, growing an inode's indirection
// mode as it outgrows the current one, and truncating.

// blocksPerPB is the number of child block IDs addressable through one
// pointer block, derived from the PBC bitmap's item payload size.
func (fs *Filesystem) blocksPerPB() uint32 {
	return fs.pbc.hdr.DataSize / 4
}

// GetBlock resolves pos within in for reading (spec.md §4.J "Resolve for
// read"). A zero return with a nil error means a sparse hole.
func (fs *Filesystem) GetBlock(in *Inode, pos int64) (BlockID, error) {
	if in.Zla == ZlaInline {
		return in.ID, nil
	}
	blkSize := int64(in.BlkSize)
	if blkSize == 0 {
		return 0, newErr("block.get", ErrCorrupted, nil)
	}
	switch in.Zla {
	case ZlaFB, ZlaSB:
		idx := pos / blkSize
		if idx >= inodeNumBlocks {
			return 0, newErr("block.get", ErrCorrupted, nil)
		}
		return in.Blocks[idx], nil
	case ZlaPB:
		blkPerPB := int64(fs.blocksPerPB())
		if blkPerPB == 0 {
			return 0, newErr("block.get", ErrCorrupted, nil)
		}
		pbIdx := (pos / blkSize) / blkPerPB
		subIdx := (pos / blkSize) % blkPerPB
		if pbIdx >= inodeNumBlocks {
			return 0, newErr("block.get", ErrCorrupted, nil)
		}
		pbID := in.Blocks[pbIdx]
		if pbID.IsZero() {
			return 0, nil
		}
		payload, err := fs.pbc.getItemPayload(pbID)
		if err != nil {
			return 0, err
		}
		return BlockID(util.Uint32At(payload, int(subIdx)*4)), nil
	default:
		return 0, newErr("block.get", ErrCorrupted, nil)
	}
}

// aggregate grows in's indirection mode so that pos is addressable, per
// spec.md §4.J "Aggregate". Aggregation is monotone; truncate never
// reverses it.
func (fs *Filesystem) aggregate(in *Inode, pos int64) error {
	blkSize := int64(in.BlkSize)
	if in.Zla == ZlaSB && pos >= blkSize {
		if in.Type == TypeDir {
			return newErr("block.aggregate", ErrTooBig, nil)
		}
		payload, err := fs.sbc.getItemPayload(in.Blocks[0])
		if err != nil && !in.Blocks[0].IsZero() {
			return err
		}
		fbID, ferr := fs.allocBlock(BlockFB, 0)
		if ferr != nil {
			return ferr
		}
		buf := make([]byte, fs.super.BlockSize)
		copy(buf, payload)
		if _, err := fs.writeRawBlock(fbID, buf); err != nil {
			return err
		}
		for i := range in.Blocks {
			in.Blocks[i] = 0
		}
		in.Blocks[0] = fbID
		in.Zla = ZlaFB
		in.BlkSize = fs.super.BlockSize
		in.markDirty(SyncBlk | SyncMeta)
	}
	if in.Zla == ZlaFB && pos >= blkSize*inodeNumBlocks {
		pbID, err := fs.allocBlock(BlockPB, 0)
		if err != nil {
			return err
		}
		payload := make([]byte, fs.pbc.hdr.DataSize)
		for i := 0; i < inodeNumBlocks; i++ {
			util.PutUint32At(payload, i*4, uint32(in.Blocks[i]))
		}
		if err := fs.pbc.setItemPayload(pbID, payload); err != nil {
			return err
		}
		for i := range in.Blocks {
			in.Blocks[i] = 0
		}
		in.Blocks[0] = pbID
		in.Zla = ZlaPB
		in.markDirty(SyncBlk | SyncMeta)
	}
	return nil
}

// GetWriteBlock resolves pos for writing, allocating and zeroing as needed
// (spec.md §4.J "Resolve for write").
func (fs *Filesystem) GetWriteBlock(in *Inode, pos int64) (BlockID, error) {
	if fs.readOnly {
		return 0, newErr("block.get_wr", ErrReadOnly, nil)
	}
	if err := fs.aggregate(in, pos); err != nil {
		return 0, err
	}
	blkSize := int64(in.BlkSize)
	switch in.Zla {
	case ZlaFB, ZlaSB:
		idx := pos / blkSize
		if idx >= inodeNumBlocks {
			return 0, newErr("block.get_wr", ErrCorrupted, nil)
		}
		id := in.Blocks[idx]
		if id.IsZero() {
			leaf := BlockFB
			if in.Zla == ZlaSB {
				leaf = BlockSB
			}
			newID, err := fs.allocBlock(leaf, 0)
			if err != nil {
				return 0, err
			}
			in.Blocks[idx] = newID
			in.BlkCount++
			in.markDirty(SyncBlk)
			return newID, nil
		}
		if id.Type() == BlockFB && id.TBZ() {
			if err := fs.zeroizeFB(id); err != nil {
				return 0, err
			}
			in.Blocks[idx] = id.TBZClear()
			in.TBZ--
			in.markDirty(SyncBlk)
			return in.Blocks[idx], nil
		}
		return id, nil
	case ZlaPB:
		blkPerPB := int64(fs.blocksPerPB())
		pbIdx := (pos / blkSize) / blkPerPB
		subIdx := (pos / blkSize) % blkPerPB
		if pbIdx >= inodeNumBlocks {
			return 0, newErr("block.get_wr", ErrCorrupted, nil)
		}
		pbID := in.Blocks[pbIdx]
		if pbID.IsZero() {
			newPB, err := fs.allocBlock(BlockPB, 0)
			if err != nil {
				return 0, err
			}
			in.Blocks[pbIdx] = newPB
			in.markDirty(SyncBlk)
			pbID = newPB
		}
		payload, err := fs.pbc.getItemPayload(pbID)
		if err != nil {
			return 0, err
		}
		leafID := BlockID(util.Uint32At(payload, int(subIdx)*4))
		if leafID.IsZero() {
			newLeaf, err := fs.allocBlock(BlockFB, 0)
			if err != nil {
				return 0, err
			}
			util.PutUint32At(payload, int(subIdx)*4, uint32(newLeaf))
			if err := fs.pbc.setItemPayload(pbID, payload); err != nil {
				return 0, err
			}
			in.BlkCount++
			in.markDirty(SyncBlk)
			return newLeaf, nil
		}
		if leafID.Type() == BlockFB && leafID.TBZ() {
			if err := fs.zeroizeFB(leafID); err != nil {
				return 0, err
			}
			clear := leafID.TBZClear()
			util.PutUint32At(payload, int(subIdx)*4, uint32(clear))
			if err := fs.pbc.setItemPayload(pbID, payload); err != nil {
				return 0, err
			}
			return clear, nil
		}
		return leafID, nil
	default:
		return 0, newErr("block.get_wr", ErrCorrupted, nil)
	}
}

// zeroizeFB overwrites an allocated-but-unwritten file block with zero
// bytes before it is exposed to a writer (spec.md §4.J "TBZ").
func (fs *Filesystem) zeroizeFB(id BlockID) error {
	buf := make([]byte, fs.super.BlockSize)
	_, err := fs.writeRawBlock(id, buf)
	return err
}

// writeRawBlock writes a full file-block's worth of bytes to its absolute
// LVM position. A FB's item field is the absolute block number counting
// from the start of the LVM, so its LVM offset is simply item*block_size.
func (fs *Filesystem) writeRawBlock(id BlockID, buf []byte) (int, error) {
	return fs.lvm.WriteAt(int64(id.Item())*int64(fs.super.BlockSize), buf)
}

// readRawBlock reads length bytes starting at offset rel within FB id.
func (fs *Filesystem) readRawBlock(id BlockID, rel int64, length int) ([]byte, error) {
	return fs.lvm.ReadAt(int64(id.Item())*int64(fs.super.BlockSize)+rel, length)
}

// Truncate implements spec.md §4.J "Truncate(new_size)".
func (fs *Filesystem) Truncate(in *Inode, newSize uint64) error {
	if fs.readOnly {
		return newErr("inode.truncate", ErrReadOnly, nil)
	}
	switch {
	case newSize == in.Size:
		return nil
	case newSize > in.Size:
		if newSize > 0 {
			if err := fs.aggregate(in, int64(newSize)-1); err != nil {
				return err
			}
		}
		in.Size = newSize
		in.markDirty(SyncMeta)
		return nil
	default:
		blkSize := int64(in.BlkSize)
		if blkSize == 0 {
			in.Size = newSize
			in.markDirty(SyncMeta)
			return nil
		}
		startIdx := (int64(newSize) + blkSize - 1) / blkSize
		oldCount := (int64(in.Size) + blkSize - 1) / blkSize
		for idx := startIdx; idx < oldCount && idx < inodeNumBlocks; idx++ {
			if in.Zla == ZlaPB {
				if err := fs.freePBRange(in, idx); err != nil {
					return err
				}
				continue
			}
			id := in.Blocks[idx]
			if id.IsZero() {
				continue
			}
			if err := fs.FreeBlock(id); err != nil {
				return err
			}
			in.Blocks[idx] = 0
			if in.BlkCount > 0 {
				in.BlkCount--
			}
		}
		in.Size = newSize
		in.markDirty(SyncBlk | SyncMeta)
		return nil
	}
}

// freePBRange frees every leaf referenced by pointer block in.Blocks[pbIdx],
// and the pointer block itself once the whole range is covered (spec.md
// §4.J "free_pb").
func (fs *Filesystem) freePBRange(in *Inode, pbIdx int64) error {
	pbID := in.Blocks[pbIdx]
	if pbID.IsZero() {
		return nil
	}
	payload, err := fs.pbc.getItemPayload(pbID)
	if err != nil {
		return err
	}
	blkPerPB := int(fs.blocksPerPB())
	for i := 0; i < blkPerPB; i++ {
		leaf := BlockID(util.Uint32At(payload, i*4))
		if leaf.IsZero() {
			continue
		}
		if err := fs.FreeBlock(leaf); err != nil {
			return err
		}
		if in.BlkCount > 0 {
			in.BlkCount--
		}
	}
	if err := fs.FreeBlock(pbID); err != nil {
		return err
	}
	in.Blocks[pbIdx] = 0
	return nil
}

// ForEachBlock enumerates every leaf block addressed by in, and for PB mode
// also invokes cbk with the owning pointer block, per spec.md §4.J
// "foreach_block".
func (fs *Filesystem) ForEachBlock(in *Inode, cbk func(blk BlockID, pb BlockID)) error {
	if in.Zla == ZlaInline {
		return nil
	}
	if in.Zla != ZlaPB {
		for _, id := range in.Blocks {
			if !id.IsZero() {
				cbk(id, 0)
			}
		}
		return nil
	}
	blkPerPB := int(fs.blocksPerPB())
	for _, pbID := range in.Blocks {
		if pbID.IsZero() {
			continue
		}
		payload, err := fs.pbc.getItemPayload(pbID)
		if err != nil {
			return err
		}
		for i := 0; i < blkPerPB; i++ {
			leaf := BlockID(util.Uint32At(payload, i*4))
			if !leaf.IsZero() {
				cbk(leaf, pbID)
			}
		}
	}
	return nil
}
