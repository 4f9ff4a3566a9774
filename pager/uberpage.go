package pager

import (
	"encoding/binary"
	"hash/crc32"
)

// UberPage is the single root of the whole resource: a revision
// counter and a reference to the indirect tree of RevisionRootPages.
// Exactly one UberPage is current at any time; a new one is produced
// by every commit and the durable pointer to "the current one" lives
// in the double-buffered slot at the head of the file, not in the
// UberPage body itself.
type UberPage struct {
	// RevisionCount is the number of revisions that exist, i.e. the
	// current revision number is RevisionCount-1.
	RevisionCount Revision
	// RevisionRootRef points at the root of the indirect tree whose
	// leaves are RevisionRootPages, keyed by revision number.
	RevisionRootRef PageReference
}

func (up *UberPage) Kind() PageKind { return KindUberPage }

// newBootstrapUberPage builds the UberPage for a newly created
// resource: one revision (0) exists. The revision-root reference
// starts null; OpenResourceManager sets it once revision 0's
// RevisionRootPage is on disk, then writes the UberPage once.
func newBootstrapUberPage() *UberPage {
	return &UberPage{
		RevisionCount:   1,
		RevisionRootRef: NewNullReference(KindIndirectPage),
	}
}

// nextRevision reports the revision number a new write transaction
// committed from this UberPage will produce.
func (up *UberPage) nextRevision() Revision { return up.RevisionCount }

// cloneForCommit returns the UberPage that a commit will write,
// advancing the revision count and replacing the revision-root
// reference with the (already-flushed) new root.
func (up *UberPage) cloneForCommit(newRootRef PageReference) *UberPage {
	return &UberPage{
		RevisionCount:   up.RevisionCount + 1,
		RevisionRootRef: newRootRef,
	}
}

func (up *UberPage) marshalBody() []byte {
	buf := make([]byte, 0, 4+18)
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], uint32(up.RevisionCount))
	buf = append(buf, tmp[:]...)
	buf = appendRefInline(buf, up.RevisionRootRef)
	return buf
}

func appendRefInline(buf []byte, r PageReference) []byte {
	if r.OnDiskKey == nil {
		return append(buf, 0, byte(r.PageType))
	}
	buf = append(buf, 1, byte(r.PageType))
	var off [8]byte
	binary.LittleEndian.PutUint64(off[:], uint64(*r.OnDiskKey))
	return append(buf, off[:]...)
}

func readRefInline(body []byte, off int) (PageReference, int, error) {
	if off+2 > len(body) {
		return PageReference{}, 0, corruptErrorf("truncated page reference")
	}
	tag := body[off]
	kind := PageKind(body[off+1])
	off += 2
	if tag == 0 {
		return NewNullReference(kind), off, nil
	}
	if off+8 > len(body) {
		return PageReference{}, 0, corruptErrorf("truncated page reference offset")
	}
	offset := int64(binary.LittleEndian.Uint64(body[off : off+8]))
	off += 8
	return PageReference{OnDiskKey: &offset, PageType: kind}, off, nil
}

func unmarshalUberPage(body []byte) (*UberPage, error) {
	if len(body) < 4 {
		return nil, corruptErrorf("uber page body too short")
	}
	up := &UberPage{RevisionCount: Revision(binary.LittleEndian.Uint32(body[0:4]))}
	ref, _, err := readRefInline(body, 4)
	if err != nil {
		return nil, err
	}
	up.RevisionRootRef = ref
	return up, nil
}

// ───────────────────────────────────────────────────────────────────────────
// Double-buffered uber-page slot
// ───────────────────────────────────────────────────────────────────────────
//
// The first uberSlotAreaSize bytes of the data file hold two fixed-size
// slots. Each commit writes the new UberPage frame somewhere in the
// body of the file and then overwrites whichever of the two slots is
// NOT the currently-valid one, so a crash mid-write leaves the other
// slot (the previous commit's) intact. On open, both slots are read
// and the one with the higher revision AND a valid checksum wins; if
// both are damaged the resource cannot be opened.

const (
	uberSlotSize     = 16 // revision:u32 | offset:u64 | checksum:u32
	uberSlotAreaSize = uberSlotSize * 2

	uberSlotRevisionOff = 0
	uberSlotOffsetOff   = 4
	uberSlotChecksumOff = 12
)

// uberSlot is one of the two durable pointers to an UberPage frame.
type uberSlot struct {
	Revision Revision
	Offset   int64
}

func encodeUberSlot(s uberSlot) [uberSlotSize]byte {
	var buf [uberSlotSize]byte
	binary.LittleEndian.PutUint32(buf[uberSlotRevisionOff:], uint32(s.Revision))
	binary.LittleEndian.PutUint64(buf[uberSlotOffsetOff:], uint64(s.Offset))
	sum := crc32Of(buf[0:12])
	binary.LittleEndian.PutUint32(buf[uberSlotChecksumOff:], sum)
	return buf
}

func decodeUberSlot(buf []byte) (uberSlot, bool) {
	if len(buf) != uberSlotSize {
		return uberSlot{}, false
	}
	stored := binary.LittleEndian.Uint32(buf[uberSlotChecksumOff:])
	if crc32Of(buf[0:12]) != stored {
		return uberSlot{}, false
	}
	return uberSlot{
		Revision: Revision(binary.LittleEndian.Uint32(buf[uberSlotRevisionOff:])),
		Offset:   int64(binary.LittleEndian.Uint64(buf[uberSlotOffsetOff:])),
	}, true
}

func crc32Of(b []byte) uint32 {
	h := crc32.New(crcTable)
	h.Write(b)
	return h.Sum32()
}
