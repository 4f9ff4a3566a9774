package pager

import "encoding/binary"

// PageReference is a locator that may point to an on-disk offset, an
// in-memory cached/staged page, or a WAL slot. Exactly one of
// OnDiskKey/InMemoryPage/LogKey is authoritative at any point during a
// transaction's lifetime: the write path populates LogKey first, and
// commit converts LogKey into OnDiskKey.
type PageReference struct {
	OnDiskKey    *int64
	InMemoryPage Page
	LogKey       *uint64
	PageType     PageKind
}

// NewNullReference returns an empty reference of the given page kind,
// i.e. one whose subtree has not been created yet.
func NewNullReference(kind PageKind) PageReference {
	return PageReference{PageType: kind}
}

func (r PageReference) isNull() bool {
	return r.OnDiskKey == nil && r.InMemoryPage == nil && r.LogKey == nil
}

func (r *PageReference) setOnDisk(offset int64) {
	r.OnDiskKey = &offset
	r.InMemoryPage = nil
	r.LogKey = nil
}

func (r *PageReference) setLogKey(lk uint64, page Page) {
	v := lk
	r.LogKey = &v
	r.InMemoryPage = page
	r.OnDiskKey = nil
}

// clone returns a value copy suitable for copy-on-write cloning of a
// parent IndirectPage; it does not deep-copy InMemoryPage (pages are
// immutable once cached, so sharing the pointer is safe).
func (r PageReference) clone() PageReference {
	cp := PageReference{InMemoryPage: r.InMemoryPage, PageType: r.PageType}
	if r.OnDiskKey != nil {
		v := *r.OnDiskKey
		cp.OnDiskKey = &v
	}
	if r.LogKey != nil {
		v := *r.LogKey
		cp.LogKey = &v
	}
	return cp
}

// IndirectPage is a fixed-fanout array of PageReferences, one internal
// node of an indirect tree.
type IndirectPage struct {
	Revision Revision
	Refs     [PageFanout]PageReference
}

func newIndirectPage(rev Revision, kind PageKind) *IndirectPage {
	ip := &IndirectPage{Revision: rev}
	for i := range ip.Refs {
		ip.Refs[i] = NewNullReference(kind)
	}
	return ip
}

func (ip *IndirectPage) Kind() PageKind { return KindIndirectPage }

func (ip *IndirectPage) clone(newRev Revision) *IndirectPage {
	cp := &IndirectPage{Revision: newRev}
	for i, r := range ip.Refs {
		cp.Refs[i] = r.clone()
	}
	return cp
}

func (ip *IndirectPage) marshalBody() []byte {
	buf := make([]byte, 4+PageFanout*(1+binary.MaxVarintLen64+1))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(ip.Revision))
	off := 4
	for _, r := range ip.Refs {
		if r.OnDiskKey == nil {
			buf[off] = 0
			off++
			buf[off] = byte(r.PageType)
			off++
			continue
		}
		buf[off] = 1
		off++
		n := binary.PutUvarint(buf[off:], uint64(*r.OnDiskKey))
		off += n
		buf[off] = byte(r.PageType)
		off++
	}
	return buf[:off]
}

func unmarshalIndirectPage(rev Revision, body []byte) (*IndirectPage, error) {
	if len(body) < 4 {
		return nil, corruptErrorf("indirect page body too short")
	}
	bodyRev := Revision(binary.LittleEndian.Uint32(body[0:4]))
	ip := &IndirectPage{Revision: bodyRev}
	off := 4
	_ = rev
	for i := 0; i < PageFanout; i++ {
		if off >= len(body) {
			return nil, corruptErrorf("truncated indirect page")
		}
		tag := body[off]
		off++
		switch tag {
		case 0:
			if off >= len(body) {
				return nil, corruptErrorf("truncated indirect page kind")
			}
			ip.Refs[i] = NewNullReference(PageKind(body[off]))
			off++
		case 1:
			v, n, err := readUvarint(body[off:])
			if err != nil {
				return nil, err
			}
			off += n
			if off >= len(body) {
				return nil, corruptErrorf("truncated indirect page kind")
			}
			kind := PageKind(body[off])
			off++
			offset := int64(v)
			ip.Refs[i] = PageReference{OnDiskKey: &offset, PageType: kind}
		default:
			return nil, corruptErrorf("bad page reference tag %d", tag)
		}
	}
	return ip, nil
}
