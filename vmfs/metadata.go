package vmfs

import (
	"sync"

	"github.com/diskfs/vmfs/util"
	uuid "github.com/satori/go.uuid"
)

// MetadataHeaderSize is the fixed 512-byte lock record prefixing every
// inode, bitmap entry, and pointer-block-containing record (spec.md §4.E).
const MetadataHeaderSize = 512

const (
	hbLockUnlocked = 0
	hbLockWrite    = 1
	hbLockRead     = 2
)

const (
	ofsMdMagic   = 0x00
	ofsMdPos     = 0x04
	ofsMdHbPos   = 0x0c
	ofsMdHbSeq   = 0x10
	ofsMdObjSeq  = 0x18
	ofsMdHbLock  = 0x20
	ofsMdHbUUID  = 0x24
	ofsMdMtime   = 0x34
)

// MetadataHeader is the parsed 512-byte lock record, spec.md §3 "Metadata
// header" and §4.E.
type MetadataHeader struct {
	Magic  uint32
	Pos    uint64
	HbPos  uint32
	HbSeq  uint64
	ObjSeq uint64
	HbLock uint32
	HbUUID uuid.UUID
	Mtime  uint64
}

func metadataHeaderFromBytes(b []byte) MetadataHeader {
	return MetadataHeader{
		Magic:  util.Uint32At(b, ofsMdMagic),
		Pos:    util.Uint64At(b, ofsMdPos),
		HbPos:  util.Uint32At(b, ofsMdHbPos),
		HbSeq:  util.Uint64At(b, ofsMdHbSeq),
		ObjSeq: util.Uint64At(b, ofsMdObjSeq),
		HbLock: util.Uint32At(b, ofsMdHbLock),
		HbUUID: uuidFromBytes(util.CopyUUID(b, ofsMdHbUUID)),
		Mtime:  util.Uint64At(b, ofsMdMtime),
	}
}

func (h MetadataHeader) writeInto(b []byte) {
	util.PutUint32At(b, ofsMdMagic, h.Magic)
	util.PutUint64At(b, ofsMdPos, h.Pos)
	util.PutUint32At(b, ofsMdHbPos, h.HbPos)
	util.PutUint64At(b, ofsMdHbSeq, h.HbSeq)
	util.PutUint64At(b, ofsMdObjSeq, h.ObjSeq)
	util.PutUint32At(b, ofsMdHbLock, h.HbLock)
	util.PutUUID(b, ofsMdHbUUID, h.HbUUID.Bytes())
	util.PutUint64At(b, ofsMdMtime, h.Mtime)
}

// MetadataLocker implements the acquire/release lock protocol of spec.md
// §4.E over an LVM, serialized locally per position and bracketed by SCSI
// reservation across hosts.
type MetadataLocker struct {
	lvm *LVM
	hb  *HeartbeatClaim

	mu       sync.Mutex
	inFlight map[int64]*sync.Mutex
}

// NewMetadataLocker builds a locker over lvm, claiming heartbeat slots
// through hb.
func NewMetadataLocker(lvm *LVM, hb *HeartbeatClaim) *MetadataLocker {
	return &MetadataLocker{lvm: lvm, hb: hb, inFlight: make(map[int64]*sync.Mutex)}
}

func (m *MetadataLocker) positionMutex(p int64) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	mu, ok := m.inFlight[p]
	if !ok {
		mu = &sync.Mutex{}
		m.inFlight[p] = mu
	}
	return mu
}

// Acquire implements spec.md §4.E "Acquire lock at position p": it reads
// bufLen bytes (which must be at least MetadataHeaderSize), validates the
// header is unlocked, stamps it as held by this host's heartbeat slot, and
// writes back exactly the 512-byte header. The full bufLen buffer (header
// plus any trailing fixed fields) is returned for the caller to interpret.
// The position mutex is acquired here and held until the matching Release
// call, serializing same-host acquire/hold/release windows on position p
// as spec.md §4.E "Ordering" requires; it is only unlocked early on a
// failed acquisition.
func (m *MetadataLocker) Acquire(p int64, bufLen int) ([]byte, error) {
	posMu := m.positionMutex(p)
	posMu.Lock()

	if err := m.hb.Acquire(); err != nil {
		posMu.Unlock()
		return nil, err
	}

	if err := m.lvm.Reserve(p); err != nil {
		m.hb.Release()
		posMu.Unlock()
		return nil, err
	}

	buf, err := m.lvm.ReadAt(p, bufLen)
	if err != nil {
		m.lvm.Release(p)
		m.hb.Release()
		posMu.Unlock()
		return nil, newErr("metadata.acquire", ErrIO, err)
	}
	hdr := metadataHeaderFromBytes(buf)
	if hdr.HbLock != hbLockUnlocked {
		m.lvm.Release(p)
		m.hb.Release()
		posMu.Unlock()
		return nil, newErr("metadata.acquire", ErrLocked, nil)
	}

	hbPos, hbSeq := m.hb.Position()
	hdr.ObjSeq++
	hdr.HbLock = hbLockWrite
	hdr.HbPos = hbPos
	hdr.HbSeq = hbSeq
	hdr.HbUUID = CurrentHost().VMFSUUID()
	hdr.writeInto(buf)

	if _, err := m.lvm.WriteAt(p, buf[:MetadataHeaderSize]); err != nil {
		m.lvm.Release(p)
		m.hb.Release()
		posMu.Unlock()
		return nil, newErr("metadata.acquire", ErrIO, err)
	}
	if err := m.lvm.Release(p); err != nil {
		m.hb.Release()
		posMu.Unlock()
		return nil, newErr("metadata.acquire", ErrIO, err)
	}
	// posMu and the heartbeat refcount stay held until Release(p, buf).
	return buf, nil
}

// Release implements spec.md §4.E "Release lock": clear hb_lock/hb_uuid,
// write the header, and drop the heartbeat refcount. A reserve failure is
// fatal for the transaction; a read/write failure still releases the SCSI
// reservation before reporting IoError.
func (m *MetadataLocker) Release(p int64, buf []byte) error {
	posMu := m.positionMutex(p)
	defer posMu.Unlock()
	defer m.hb.Release()

	hdr := metadataHeaderFromBytes(buf)
	hdr.HbLock = hbLockUnlocked
	hdr.HbUUID = uuid.UUID{}
	hdr.writeInto(buf)

	if err := m.lvm.Reserve(p); err != nil {
		return newErr("metadata.release", ErrLocked, err)
	}
	if _, err := m.lvm.WriteAt(p, buf[:MetadataHeaderSize]); err != nil {
		m.lvm.Release(p)
		return newErr("metadata.release", ErrIO, err)
	}
	return m.lvm.Release(p)
}
