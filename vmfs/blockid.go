package vmfs

// BlockID is the 32-bit tagged union used everywhere on disk as the
// universal block currency: directory entries, pointer-block payloads, and
// inode block arrays all store these (spec.md §3 "Block identifier").
type BlockID uint32

// BlockType is the 3-bit discriminator in a BlockID's low bits.
type BlockType uint8

const (
	BlockNone BlockType = 0
	BlockFB   BlockType = 1 // File Block
	BlockSB   BlockType = 2 // Sub-Block
	BlockPB   BlockType = 3 // Pointer Block
	BlockFD   BlockType = 4 // File Descriptor / inode
)

const (
	blockTypeMask = 0x7
	blockTypeBits = 3

	// FB: 3 flag bits, then a 26-bit item.
	fbFlagsBits = 3
	fbFlagsMask = 0x7
	fbItemShift = blockTypeBits + fbFlagsBits // 6
	tbzBit      = 0x20                        // bit 5: top bit of the 3-bit flags field

	// SB/PB: bits 3-5 reserved (the same flags gap as FB leaves unused here),
	// a 22-bit entry at bit 6, then a 4-bit item in the high nibble at bit 28.
	sbpbEntryShift = blockTypeBits + fbFlagsBits // 6
	sbpbEntryBits  = 22
	sbpbEntryMask  = (1 << sbpbEntryBits) - 1
	sbpbItemShift  = 28
	sbpbItemBits   = 4
	sbpbItemMask   = (1 << sbpbItemBits) - 1

	// FD: bits 3-5 reserved, a 15-bit entry at bit 6, then a 10-bit item at
	// bit 22.
	fdEntryShift = blockTypeBits + fbFlagsBits // 6
	fdEntryBits  = 15
	fdEntryMask  = (1 << fdEntryBits) - 1
	fdItemShift  = 22
	fdItemBits   = 10
	fdItemMask   = (1 << fdItemBits) - 1
)

// Type returns the block identifier's tagged-union discriminator.
func (b BlockID) Type() BlockType { return BlockType(b & blockTypeMask) }

// IsZero reports whether b is the sentinel "no block" / sparse-hole value.
func (b BlockID) IsZero() bool { return b == 0 }

// BuildFB packs a File Block identifier. flags is the 3-bit field carrying
// TBZ in its top bit (spec.md §4.H).
func BuildFB(item uint32, flags uint8) BlockID {
	return BlockID(uint32(BlockFB) | (uint32(flags&fbFlagsMask) << blockTypeBits) | (item << fbItemShift))
}

// Item returns the FB item field (26 bits).
func (b BlockID) Item() uint32 { return uint32(b) >> fbItemShift }

// Flags returns the FB 3-bit flags field.
func (b BlockID) Flags() uint8 { return uint8((b >> blockTypeBits) & fbFlagsMask) }

// TBZ reports whether the FB's to-be-zeroed marker is set.
func (b BlockID) TBZ() bool { return b&tbzBit != 0 }

// TBZClear returns b with the TBZ marker reset.
func (b BlockID) TBZClear() BlockID { return b &^ tbzBit }

// BuildSB packs a Sub-Block identifier.
func BuildSB(entry, item uint32) BlockID {
	return buildEntryItem(BlockSB, entry, item)
}

// BuildPB packs a Pointer Block identifier (same layout as SB).
func BuildPB(entry, item uint32) BlockID {
	return buildEntryItem(BlockPB, entry, item)
}

func buildEntryItem(t BlockType, entry, item uint32) BlockID {
	return BlockID(uint32(t) | ((item & sbpbItemMask) << sbpbItemShift) | ((entry & sbpbEntryMask) << sbpbEntryShift))
}

// Entry returns the SB/PB entry field (22 bits, at bit 6) or the FD entry
// field (15 bits, at bit 6), depending on b's type.
func (b BlockID) Entry() uint32 {
	if b.Type() == BlockFD {
		return (uint32(b) >> fdEntryShift) & fdEntryMask
	}
	return (uint32(b) >> sbpbEntryShift) & sbpbEntryMask
}

// SubItem returns the SB/PB item field (4 bits, the high nibble at bit 28)
// or the FD item field (10 bits, at bit 22), depending on b's type.
func (b BlockID) SubItem() uint32 {
	if b.Type() == BlockFD {
		return (uint32(b) >> fdItemShift) & fdItemMask
	}
	return (uint32(b) >> sbpbItemShift) & sbpbItemMask
}

// BuildFD packs a File Descriptor (inode) identifier: a 15-bit entry at bit
// 6 (past the 3-bit type tag and a 3-bit reserved gap), a 10-bit item at
// bit 22 (spec.md §4.H).
func BuildFD(entry, item uint32) BlockID {
	return BlockID(uint32(BlockFD) | ((entry & fdEntryMask) << fdEntryShift) | ((item & fdItemMask) << fdItemShift))
}
