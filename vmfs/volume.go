package vmfs

import (
	"github.com/diskfs/vmfs/util"
	uuid "github.com/satori/go.uuid"
)

// Physical-volume super-block layout, spec.md §3 "Physical volume". The
// 1 KiB record sits at VolinfoBase, optionally shifted by a DOS partition
// start sector (§4.C).
const (
	VolinfoBase = 0x100000
	VolinfoSize = 1024
	volinfoMagic = 0xc001d00d

	ofsVolMagic = 0x00
	ofsVolVer   = 0x04
	// 6 reserved bytes at 0x08
	ofsVolLun = 0x0e
	// 3 reserved bytes at 0x0f
	ofsVolName     = 0x12
	volNameSize    = 28
	// 84 reserved bytes at 0x2e
	ofsVolUUID  = 0x82
	ofsVolCtime = 0x92
	ofsVolMtime = 0x9a

	lvmInfoOffset = 0x200
	ofsLvmSize          = lvmInfoOffset + 0x00
	ofsLvmBlocks         = lvmInfoOffset + 0x08
	ofsLvmUUID           = lvmInfoOffset + 0x54
	ofsLvmCtime          = lvmInfoOffset + 0x68
	ofsLvmNumSegments    = lvmInfoOffset + 0x74
	ofsLvmFirstSegment   = lvmInfoOffset + 0x78
	ofsLvmLastSegment    = lvmInfoOffset + 0x80
	ofsLvmMtime          = lvmInfoOffset + 0x88
	ofsLvmNumExtents     = lvmInfoOffset + 0x90

	// DOS MBR fallback probe, spec.md §4.C.
	mbrSignatureOffset  = 510
	mbrSignature        = 0xAA55
	mbrPartTypeOffset   = 450
	mbrPartTypeVMFS     = 0xFB
	mbrPartStartOffset  = 454
)

// VolInfo is the parsed physical-volume super-block: this extent's identity
// plus the LVM's identity and this extent's slice of the LVM address space.
type VolInfo struct {
	Magic   uint32
	Version uint32
	LUN     byte
	Name    string
	UUID    uuid.UUID

	LVMUUID       uuid.UUID
	LVMSize       uint64
	Blocks        uint64
	NumSegments   uint32
	FirstSegment  uint32
	LastSegment   uint32
	NumExtents    uint32
}

// Volume is one physical extent: a block device plus its parsed super-block.
// Immutable once opened; created on mount, destroyed on unmount, per
// spec.md §3 "Lifetimes and ownership".
type Volume struct {
	dev   BlockDevice
	path  string
	base  int64
	log   Logger
	Info  VolInfo
}

// VolumeOptions controls OpenVolume.
type VolumeOptions struct {
	ReadWrite bool
	DirectIO  bool
	Logger    Logger
	// ExpectedLUN, if >= 0, is compared against the on-disk LUN; a mismatch
	// only produces a warning (spec.md §4.C), never a failure.
	ExpectedLUN int
}

// OpenVolume opens one physical volume/extent.
func OpenVolume(path string, opts VolumeOptions) (*Volume, error) {
	dev, err := OpenFileDevice(path, FileDeviceOptions{ReadWrite: opts.ReadWrite, DirectIO: opts.DirectIO})
	if err != nil {
		return nil, err
	}
	return OpenVolumeFromDevice(dev, path, opts)
}

// OpenVolumeFromDevice parses a volume super-block from an already-open
// BlockDevice, for callers (tooling, tests, the imager format) that build
// their own backing store instead of opening a real device path.
func OpenVolumeFromDevice(dev BlockDevice, path string, opts VolumeOptions) (*Volume, error) {
	log := opts.Logger
	if log == nil {
		log = defaultLogger
	}
	v := &Volume{dev: dev, path: path, base: VolinfoBase, log: log}
	if opts.ExpectedLUN < 0 {
		opts.ExpectedLUN = -1
	}
	if err := v.readVolInfo(opts.ExpectedLUN); err != nil {
		dev.Close()
		return nil, err
	}
	return v, nil
}

func (v *Volume) readVolInfo(expectedLUN int) error {
	b, err := v.dev.ReadAt(v.base, VolinfoSize)
	if err != nil {
		return err
	}
	info, perr := parseVolInfo(b)
	if perr != nil {
		// Retry behind a DOS partition table, spec.md §4.C.
		mbr, merr := v.dev.ReadAt(0, 512)
		if merr != nil {
			return perr
		}
		if util.Uint16At(mbr, mbrSignatureOffset) != mbrSignature || mbr[mbrPartTypeOffset] != mbrPartTypeVMFS {
			return perr
		}
		startSector := util.Uint32At(mbr, mbrPartStartOffset)
		v.base = VolinfoBase + int64(startSector)*512
		b, err = v.dev.ReadAt(v.base, VolinfoSize)
		if err != nil {
			return err
		}
		info, perr = parseVolInfo(b)
		if perr != nil {
			return perr
		}
	}

	if info.Version != 3 && info.Version != 5 {
		return newErr("volume.open", ErrUnsupportedVersion, nil)
	}
	v.Info = *info

	if expectedLUN >= 0 && int(info.LUN) != expectedLUN {
		v.log.Warnf("volume %s: queried LUN %d disagrees with stored LUN %d", v.path, expectedLUN, info.LUN)
	}
	return nil
}

func parseVolInfo(b []byte) (*VolInfo, error) {
	if len(b) < VolinfoSize {
		return nil, newErr("volume.parse", ErrIO, nil)
	}
	magic := util.Uint32At(b, ofsVolMagic)
	if magic != volinfoMagic {
		return nil, newErr("volume.parse", ErrBadMagic, nil)
	}
	info := &VolInfo{
		Magic:        magic,
		Version:      util.Uint32At(b, ofsVolVer),
		LUN:          b[ofsVolLun],
		Name:         util.FixedString(b[ofsVolName : ofsVolName+volNameSize]),
		UUID:         uuidFromBytes(util.CopyUUID(b, ofsVolUUID)),
		LVMSize:      util.Uint64At(b, ofsLvmSize),
		Blocks:       util.Uint64At(b, ofsLvmBlocks),
		LVMUUID:      uuidFromBytes(util.CopyUUID(b, ofsLvmUUID)),
		NumSegments:  util.Uint32At(b, ofsLvmNumSegments),
		FirstSegment: util.Uint32At(b, ofsLvmFirstSegment),
		LastSegment:  util.Uint32At(b, ofsLvmLastSegment),
		NumExtents:   util.Uint32At(b, ofsLvmNumExtents),
	}
	return info, nil
}

// toBytes renders a VolInfo back into a fresh 1 KiB super-block buffer.
// Used by tests and by the (experimental) write paths that update LVM
// bookkeeping fields; reserved regions are zeroed, matching this driver's
// choice to treat this structure as read-mostly (spec.md never requires
// writing it).
func (info *VolInfo) toBytes() []byte {
	b := make([]byte, VolinfoSize)
	util.PutUint32At(b, ofsVolMagic, info.Magic)
	util.PutUint32At(b, ofsVolVer, info.Version)
	b[ofsVolLun] = info.LUN
	util.PutFixedString(b[ofsVolName:ofsVolName+volNameSize], info.Name)
	util.PutUUID(b, ofsVolUUID, info.UUID.Bytes())
	util.PutUint64At(b, ofsLvmSize, info.LVMSize)
	util.PutUint64At(b, ofsLvmBlocks, info.Blocks)
	util.PutUUID(b, ofsLvmUUID, info.LVMUUID.Bytes())
	util.PutUint32At(b, ofsLvmNumSegments, info.NumSegments)
	util.PutUint32At(b, ofsLvmFirstSegment, info.FirstSegment)
	util.PutUint32At(b, ofsLvmLastSegment, info.LastSegment)
	util.PutUint32At(b, ofsLvmNumExtents, info.NumExtents)
	return b
}

func uuidFromBytes(b []byte) uuid.UUID {
	var u uuid.UUID
	copy(u[:], b)
	return u
}

// ReadAt reads length bytes at extent-relative offset pos.
func (v *Volume) ReadAt(pos int64, length int) ([]byte, error) {
	return v.dev.ReadAt(v.base+pos, length)
}

// WriteAt writes b at extent-relative offset pos.
func (v *Volume) WriteAt(pos int64, b []byte) (int, error) {
	return v.dev.WriteAt(v.base+pos, b)
}

// Reserve forwards a SCSI reservation to the underlying device.
func (v *Volume) Reserve(hint int64) error { return v.dev.Reserve(hint) }

// Release forwards a SCSI release to the underlying device.
func (v *Volume) Release(hint int64) error { return v.dev.Release(hint) }

// Close releases the underlying device.
func (v *Volume) Close() error { return v.dev.Close() }
