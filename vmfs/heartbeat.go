package vmfs

import (
	"sync"
	"time"

	"github.com/diskfs/vmfs/util"
	uuid "github.com/satori/go.uuid"
)

// Heartbeat array location and shape, spec.md §3 "Heartbeat" / §4.F.
const (
	HeartbeatOffset   = 0x300000
	HeartbeatSlotSize = 512
	HeartbeatSlots    = 2048

	hbMagicInactive = 0xabcdef01
	hbMagicActive   = 0xabcdef02

	// HeartbeatExpire mirrors VMFS_HEARTBEAT_EXPIRE_DELAY from the
	// original implementation: an active slot whose uptime hasn't moved
	// for this long is assumed abandoned by its owner.
	HeartbeatExpire = 3 * time.Second

	ofsHbMagic    = 0x00
	ofsHbPosition = 0x04
	ofsHbSequence = 0x08
	ofsHbUptime   = 0x10
	ofsHbUUID     = 0x18
	ofsHbJournal  = 0x28
)

// heartbeatSlot is the parsed 512-byte on-disk record.
type heartbeatSlot struct {
	Magic    uint32
	Position uint32
	Sequence uint64
	Uptime   uint64
	Owner    uuid.UUID
	Journal  uint32
}

func heartbeatSlotFromBytes(b []byte) heartbeatSlot {
	return heartbeatSlot{
		Magic:    util.Uint32At(b, ofsHbMagic),
		Position: util.Uint32At(b, ofsHbPosition),
		Sequence: util.Uint64At(b, ofsHbSequence),
		Uptime:   util.Uint64At(b, ofsHbUptime),
		Owner:    uuidFromBytes(util.CopyUUID(b, ofsHbUUID)),
		Journal:  util.Uint32At(b, ofsHbJournal),
	}
}

func (s heartbeatSlot) toBytes() []byte {
	b := make([]byte, HeartbeatSlotSize)
	util.PutUint32At(b, ofsHbMagic, s.Magic)
	util.PutUint32At(b, ofsHbPosition, s.Position)
	util.PutUint64At(b, ofsHbSequence, s.Sequence)
	util.PutUint64At(b, ofsHbUptime, s.Uptime)
	util.PutUUID(b, ofsHbUUID, s.Owner.Bytes())
	util.PutUint32At(b, ofsHbJournal, s.Journal)
	return b
}

type observation struct {
	uptime     uint64
	observedAt time.Time
}

// HeartbeatClaim tracks a filesystem instance's claimed heartbeat slot and
// the refcount of metadata locks depending on it (spec.md §4.F, §9).
type HeartbeatClaim struct {
	lvm *LVM
	log Logger

	mu       sync.Mutex
	refcount int
	slot     int
	seq      uint64

	lastSeen map[int]observation
}

// NewHeartbeatClaim prepares (but does not acquire) a heartbeat claim over lvm.
func NewHeartbeatClaim(lvm *LVM, log Logger) *HeartbeatClaim {
	if log == nil {
		log = defaultLogger
	}
	return &HeartbeatClaim{lvm: lvm, log: log, slot: -1, lastSeen: make(map[int]observation)}
}

func (h *HeartbeatClaim) slotOffset(i int) int64 {
	return HeartbeatOffset + int64(i)*HeartbeatSlotSize
}

// Acquire claims a heartbeat slot if none is held yet, incrementing the
// refcount otherwise (spec.md §4.F "Acquire").
func (h *HeartbeatClaim) Acquire() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.refcount > 0 {
		h.refcount++
		return nil
	}

	host := CurrentHost()
	for i := 0; i < HeartbeatSlots; i++ {
		off := h.slotOffset(i)
		b, err := h.lvm.ReadAt(off, HeartbeatSlotSize)
		if err != nil {
			return err
		}
		slot := heartbeatSlotFromBytes(b)

		reclaimable := slot.Magic == hbMagicInactive
		if slot.Magic == hbMagicActive && !uuid.Equal(slot.Owner, host.VMFSUUID()) {
			reclaimable = h.isExpired(i, slot)
		}
		if slot.Magic == hbMagicActive && uuid.Equal(slot.Owner, host.VMFSUUID()) {
			// A slot this host already owns from a previous, uncleanly
			// closed session: safe to reclaim unconditionally.
			reclaimable = true
		}
		if !reclaimable {
			continue
		}

		if err := h.lvm.Reserve(off); err != nil {
			return err
		}
		newSeq := slot.Sequence + 1
		claimed := heartbeatSlot{
			Magic:    hbMagicActive,
			Position: uint32(i),
			Sequence: newSeq,
			Uptime:   host.Uptime(),
			Owner:    host.VMFSUUID(),
			Journal:  slot.Journal,
		}
		_, werr := h.lvm.WriteAt(off, claimed.toBytes())
		h.lvm.Release(off)
		if werr != nil {
			return werr
		}

		h.slot = i
		h.seq = newSeq
		h.refcount = 1
		delete(h.lastSeen, i)
		if slot.Magic == hbMagicActive {
			h.log.Warnf("heartbeat: reclaimed expired slot %d from host %s", i, slot.Owner)
		}
		return nil
	}
	return newErr("heartbeat.acquire", ErrNoSpace, nil)
}

// isExpired reports whether a remote-owned active slot's uptime has stopped
// advancing for longer than HeartbeatExpire, per spec.md §4.F.
func (h *HeartbeatClaim) isExpired(i int, slot heartbeatSlot) bool {
	prev, ok := h.lastSeen[i]
	now := time.Now()
	if !ok || prev.uptime != slot.Uptime {
		h.lastSeen[i] = observation{uptime: slot.Uptime, observedAt: now}
		return false
	}
	return now.Sub(prev.observedAt) > HeartbeatExpire
}

// Position returns the claimed slot index and sequence, for use as a
// metadata header's hb_pos/hb_seq (spec.md §4.E step 5). Must be called
// while held.
func (h *HeartbeatClaim) Position() (pos uint32, seq uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return uint32(h.slot), h.seq
}

// Renew advances the owned slot's uptime so it keeps monotonically
// increasing while metadata is locked (spec.md §4.F "implementation
// option").
func (h *HeartbeatClaim) Renew() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.refcount == 0 {
		return nil
	}
	off := h.slotOffset(h.slot)
	host := CurrentHost()
	slot := heartbeatSlot{
		Magic:    hbMagicActive,
		Position: uint32(h.slot),
		Sequence: h.seq,
		Uptime:   host.Uptime(),
		Owner:    host.VMFSUUID(),
	}
	if err := h.lvm.Reserve(off); err != nil {
		return err
	}
	defer h.lvm.Release(off)
	_, err := h.lvm.WriteAt(off, slot.toBytes())
	return err
}

// Release decrements the refcount; at zero it marks the slot inactive,
// matching a clean shutdown (spec.md §4.F "Release").
func (h *HeartbeatClaim) Release() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.refcount == 0 {
		return nil
	}
	h.refcount--
	if h.refcount > 0 {
		return nil
	}

	off := h.slotOffset(h.slot)
	slot := heartbeatSlot{Magic: hbMagicInactive, Position: uint32(h.slot), Sequence: h.seq}
	if err := h.lvm.Reserve(off); err != nil {
		return err
	}
	defer h.lvm.Release(off)
	_, err := h.lvm.WriteAt(off, slot.toBytes())
	h.slot = -1
	return err
}
