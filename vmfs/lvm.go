package vmfs

import (
	"sort"

	uuid "github.com/satori/go.uuid"
)

// SegmentSize is the LVM-to-extent mapping granularity, spec.md §3
// "Logical volume" and GLOSSARY "Segment".
const SegmentSize = 256 * 1024 * 1024

// MaxExtents is the maximum number of extents one LVM can aggregate
// (spec.md §4.D "Holds up to 32 extents").
const MaxExtents = 32

// extentSlot pairs a volume with the segment range it occupies in the LVM
// address space.
type extentSlot struct {
	vol          *Volume
	firstSegment uint32
	lastSegment  uint32
}

// LVM aggregates ordered physical extents sharing a UUID into one linear
// address space, and routes I/O and reservations to the owning extent.
type LVM struct {
	UUID        uuid.UUID
	Size        uint64
	Blocks      uint64
	NumExtents  uint32
	AllowMissing bool

	extents []extentSlot
}

// NewLVM creates an empty LVM. Extents are added with AddExtent.
func NewLVM() *LVM {
	return &LVM{}
}

// AddExtent seeds or validates LVM identity from vol, then inserts it in
// first_segment order (spec.md §4.D).
func (l *LVM) AddExtent(vol *Volume) error {
	if len(l.extents) >= MaxExtents {
		return newErr("lvm.add_extent", ErrTooBig, nil)
	}
	info := vol.Info
	if len(l.extents) == 0 {
		l.UUID = info.LVMUUID
		l.Size = info.LVMSize
		l.Blocks = info.Blocks
		l.NumExtents = info.NumExtents
	} else {
		if !uuid.Equal(l.UUID, info.LVMUUID) {
			return newErr("lvm.add_extent", ErrCorrupted, nil)
		}
		if l.Size != info.LVMSize || l.Blocks != info.Blocks || l.NumExtents != info.NumExtents {
			return newErr("lvm.add_extent", ErrCorrupted, nil)
		}
	}
	slot := extentSlot{vol: vol, firstSegment: info.FirstSegment, lastSegment: info.LastSegment}
	l.extents = append(l.extents, slot)
	sort.Slice(l.extents, func(i, j int) bool {
		return l.extents[i].firstSegment < l.extents[j].firstSegment
	})
	return nil
}

// Open validates that the aggregated extents are ready for use: contiguous,
// disjoint, covering [0, num_segments), and — unless AllowMissing is set —
// numbering exactly NumExtents (spec.md §4.D, §3 "missing extents flag").
func (l *LVM) Open() error {
	if len(l.extents) == 0 {
		return newErr("lvm.open", ErrInvalidArg, nil)
	}
	if !l.AllowMissing && uint32(len(l.extents)) != l.NumExtents {
		return newErr("lvm.open", ErrCorrupted, nil)
	}
	next := uint32(0)
	for _, s := range l.extents {
		if s.firstSegment != next {
			if l.AllowMissing {
				next = s.lastSegment + 1
				continue
			}
			return newErr("lvm.open", ErrCorrupted, nil)
		}
		if s.lastSegment < s.firstSegment {
			return newErr("lvm.open", ErrCorrupted, nil)
		}
		next = s.lastSegment + 1
	}
	return nil
}

// NumSegments is one past the last segment of the highest loaded extent.
// It is not derived from the identity fields, so segments of missing
// trailing extents are not counted.
func (l *LVM) NumSegments() uint32 {
	if len(l.extents) == 0 {
		return 0
	}
	return l.extents[len(l.extents)-1].lastSegment + 1
}

// TotalSize is the LVM address-space size in bytes.
func (l *LVM) TotalSize() uint64 {
	return uint64(l.NumSegments()) * SegmentSize
}

// Extents returns the extents in segment order, for inspection tooling.
func (l *LVM) Extents() []*Volume {
	out := make([]*Volume, len(l.extents))
	for i, s := range l.extents {
		out[i] = s.vol
	}
	return out
}

// locate finds the extent owning LVM offset p and the extent-relative
// offset within it, or an error if p falls in a missing range.
func (l *LVM) locate(p int64) (*extentSlot, int64, error) {
	seg := uint32(p / SegmentSize)
	for i := range l.extents {
		s := &l.extents[i]
		if seg >= s.firstSegment && seg <= s.lastSegment {
			rel := p - int64(s.firstSegment)*SegmentSize
			return s, rel, nil
		}
	}
	return nil, 0, newErr("lvm.locate", ErrIO, nil)
}

// ReadAt reads length bytes at LVM offset p. Straddling two extents, or
// falling in a missing range, is Unsupported/IoError per spec.md §4.D, §8.S6.
func (l *LVM) ReadAt(p int64, length int) ([]byte, error) {
	slot, rel, err := l.locate(p)
	if err != nil {
		return nil, err
	}
	if rel+int64(length) > (int64(slot.lastSegment-slot.firstSegment)+1)*SegmentSize {
		return nil, newErr("lvm.read", ErrUnsupported, nil)
	}
	return slot.vol.ReadAt(rel, length)
}

// WriteAt writes b at LVM offset p.
func (l *LVM) WriteAt(p int64, b []byte) (int, error) {
	slot, rel, err := l.locate(p)
	if err != nil {
		return 0, err
	}
	if rel+int64(len(b)) > (int64(slot.lastSegment-slot.firstSegment)+1)*SegmentSize {
		return 0, newErr("lvm.write", ErrUnsupported, nil)
	}
	return slot.vol.WriteAt(rel, b)
}

// Reserve forwards to the extent owning LVM offset p (spec.md §4.D).
func (l *LVM) Reserve(p int64) error {
	slot, _, err := l.locate(p)
	if err != nil {
		return err
	}
	return slot.vol.Reserve(p)
}

// Release forwards to the extent owning LVM offset p.
func (l *LVM) Release(p int64) error {
	slot, _, err := l.locate(p)
	if err != nil {
		return err
	}
	return slot.vol.Release(p)
}

// Close closes every extent.
func (l *LVM) Close() error {
	var first error
	for _, s := range l.extents {
		if err := s.vol.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
