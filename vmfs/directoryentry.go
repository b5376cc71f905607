package vmfs

import "github.com/diskfs/vmfs/util"

// DirEntrySize is the fixed on-disk record size, spec.md §3 "Directory".
const DirEntrySize = 140

const (
	ofsDeType   = 0x00
	ofsDeBlkID  = 0x04
	ofsDeRecID  = 0x08
	ofsDeName   = 0x0c
	dirNameSize = DirEntrySize - ofsDeName // 128
)

// DirEntry is one 140-byte directory record.
type DirEntry struct {
	Type  InodeType
	BlkID BlockID // FD type; a free/reusable slot is marked by a zero Type
	RecID uint32
	Name  string
}

func dirEntryFromBytes(b []byte) DirEntry {
	return DirEntry{
		Type:  InodeType(util.Uint32At(b, ofsDeType)),
		BlkID: BlockID(util.Uint32At(b, ofsDeBlkID)),
		RecID: util.Uint32At(b, ofsDeRecID),
		Name:  util.FixedString(b[ofsDeName : ofsDeName+dirNameSize]),
	}
}

func (e DirEntry) toBytes() []byte {
	b := make([]byte, DirEntrySize)
	util.PutUint32At(b, ofsDeType, uint32(e.Type))
	util.PutUint32At(b, ofsDeBlkID, uint32(e.BlkID))
	util.PutUint32At(b, ofsDeRecID, e.RecID)
	util.PutFixedString(b[ofsDeName:ofsDeName+dirNameSize], e.Name)
	return b
}

// free reports whether this slot can be reused by link_inode (spec.md
// §4.K "reusing any record whose type is zero first").
func (e DirEntry) free() bool { return e.Type == 0 }
