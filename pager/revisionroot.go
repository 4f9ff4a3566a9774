package pager

import "encoding/binary"

// subtreeRoot pairs an indirect-tree root reference with the
// monotonic max-record-key counter for that subtree.
type subtreeRoot struct {
	Root         PageReference
	MaxRecordKey RecordKey
}

func newSubtreeRoot(kind PageKind) subtreeRoot {
	return subtreeRoot{Root: NewNullReference(KindIndirectPage), MaxRecordKey: NullKey}
}

// RevisionRootPage is created once per commit and never modified
// afterwards. It roots every subtree used by its revision: the main
// record tree plus the NamePage, PathSummaryPage, CASPage, and PathPage
// auxiliary subtrees (the latter three may have several independent
// instances, selected by index).
type RevisionRootPage struct {
	Revision  Revision
	Timestamp int64 // opaque; see design notes on customCommitTimestamps

	MainTree subtreeRoot // KindRecordPage
	NameTree subtreeRoot // KindNamePage

	PathSummary []subtreeRoot // KindPathSummaryPage, indexed
	CAS         []subtreeRoot // KindCASPage, indexed
	Path        []subtreeRoot // KindPathPage, indexed
}

func (rrp *RevisionRootPage) Kind() PageKind { return KindRevisionRoot }

// newBootstrapRevisionRoot builds the empty RevisionRootPage for
// revision 0.
func newBootstrapRevisionRoot() *RevisionRootPage {
	return &RevisionRootPage{
		Revision: 0,
		MainTree: newSubtreeRoot(KindRecordPage),
		NameTree: newSubtreeRoot(KindNamePage),
	}
}

// cloneForNextRevision returns a shallow-ish copy (PageReferences
// cloned by value, aux slices copied) used as the starting point for a
// new write transaction's in-flight RevisionRootPage.
func (rrp *RevisionRootPage) cloneForNextRevision(nextRev Revision, timestamp int64) *RevisionRootPage {
	cp := &RevisionRootPage{
		Revision:  nextRev,
		Timestamp: timestamp,
		MainTree:  subtreeRoot{Root: rrp.MainTree.Root.clone(), MaxRecordKey: rrp.MainTree.MaxRecordKey},
		NameTree:  subtreeRoot{Root: rrp.NameTree.Root.clone(), MaxRecordKey: rrp.NameTree.MaxRecordKey},
	}
	cp.PathSummary = cloneSubtreeSlice(rrp.PathSummary)
	cp.CAS = cloneSubtreeSlice(rrp.CAS)
	cp.Path = cloneSubtreeSlice(rrp.Path)
	return cp
}

func cloneSubtreeSlice(in []subtreeRoot) []subtreeRoot {
	if in == nil {
		return nil
	}
	out := make([]subtreeRoot, len(in))
	for i, s := range in {
		out[i] = subtreeRoot{Root: s.Root.clone(), MaxRecordKey: s.MaxRecordKey}
	}
	return out
}

// subtree returns a pointer to the subtreeRoot selected by (kind,
// index), growing auxiliary slices on demand for a negative-to-now-
// used index. index is ignored for MainTree/NameTree.
func (rrp *RevisionRootPage) subtree(kind PageKind, index int) *subtreeRoot {
	switch kind {
	case KindRecordPage:
		return &rrp.MainTree
	case KindNamePage:
		return &rrp.NameTree
	case KindPathSummaryPage:
		return growSubtrees(&rrp.PathSummary, index, kind)
	case KindCASPage:
		return growSubtrees(&rrp.CAS, index, kind)
	case KindPathPage:
		return growSubtrees(&rrp.Path, index, kind)
	default:
		return nil
	}
}

func growSubtrees(slice *[]subtreeRoot, index int, kind PageKind) *subtreeRoot {
	if index < 0 {
		index = 0
	}
	for len(*slice) <= index {
		*slice = append(*slice, newSubtreeRoot(kind))
	}
	return &(*slice)[index]
}

// marshalBody serializes every field reference inline, as spec.md
// §4.3 requires ("RevisionRootPages serialize all of their field
// references inline").
func (rrp *RevisionRootPage) marshalBody() []byte {
	buf := make([]byte, 0, 256)
	var tmp [8]byte

	binary.LittleEndian.PutUint32(tmp[:4], uint32(rrp.Revision))
	buf = append(buf, tmp[:4]...)
	binary.LittleEndian.PutUint64(tmp[:8], uint64(rrp.Timestamp))
	buf = append(buf, tmp[:8]...)

	buf = appendSubtreeRoot(buf, rrp.MainTree)
	buf = appendSubtreeRoot(buf, rrp.NameTree)
	buf = appendSubtreeSlice(buf, rrp.PathSummary)
	buf = appendSubtreeSlice(buf, rrp.CAS)
	buf = appendSubtreeSlice(buf, rrp.Path)
	return buf
}

func appendSubtreeRoot(buf []byte, s subtreeRoot) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], uint64(s.MaxRecordKey))
	buf = append(buf, tmp[:]...)
	if s.Root.OnDiskKey == nil {
		buf = append(buf, 0, byte(s.Root.PageType))
		return buf
	}
	buf = append(buf, 1, byte(s.Root.PageType))
	var off [8]byte
	binary.LittleEndian.PutUint64(off[:], uint64(*s.Root.OnDiskKey))
	buf = append(buf, off[:]...)
	return buf
}

func readSubtreeRoot(body []byte, off int) (subtreeRoot, int, error) {
	if off+10 > len(body) {
		return subtreeRoot{}, 0, corruptErrorf("truncated subtree root")
	}
	maxKey := RecordKey(binary.LittleEndian.Uint64(body[off : off+8]))
	off += 8
	tag := body[off]
	off++
	kind := PageKind(body[off])
	off++
	if tag == 0 {
		return subtreeRoot{Root: NewNullReference(kind), MaxRecordKey: maxKey}, off, nil
	}
	if off+8 > len(body) {
		return subtreeRoot{}, 0, corruptErrorf("truncated subtree root offset")
	}
	offset := int64(binary.LittleEndian.Uint64(body[off : off+8]))
	off += 8
	return subtreeRoot{Root: PageReference{OnDiskKey: &offset, PageType: kind}, MaxRecordKey: maxKey}, off, nil
}

func appendSubtreeSlice(buf []byte, s []subtreeRoot) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], uint32(len(s)))
	buf = append(buf, tmp[:]...)
	for _, st := range s {
		buf = appendSubtreeRoot(buf, st)
	}
	return buf
}

func readSubtreeSlice(body []byte, off int) ([]subtreeRoot, int, error) {
	if off+4 > len(body) {
		return nil, 0, corruptErrorf("truncated subtree slice")
	}
	n := binary.LittleEndian.Uint32(body[off : off+4])
	off += 4
	out := make([]subtreeRoot, 0, n)
	for i := uint32(0); i < n; i++ {
		st, next, err := readSubtreeRoot(body, off)
		if err != nil {
			return nil, 0, err
		}
		off = next
		out = append(out, st)
	}
	return out, off, nil
}

func unmarshalRevisionRootPage(_ Revision, body []byte) (*RevisionRootPage, error) {
	if len(body) < 12 {
		return nil, corruptErrorf("revision root body too short")
	}
	rrp := &RevisionRootPage{}
	rrp.Revision = Revision(binary.LittleEndian.Uint32(body[0:4]))
	rrp.Timestamp = int64(binary.LittleEndian.Uint64(body[4:12]))
	off := 12

	var err error
	rrp.MainTree, off, err = readSubtreeRoot(body, off)
	if err != nil {
		return nil, err
	}
	rrp.NameTree, off, err = readSubtreeRoot(body, off)
	if err != nil {
		return nil, err
	}
	rrp.PathSummary, off, err = readSubtreeSlice(body, off)
	if err != nil {
		return nil, err
	}
	rrp.CAS, off, err = readSubtreeSlice(body, off)
	if err != nil {
		return nil, err
	}
	rrp.Path, _, err = readSubtreeSlice(body, off)
	if err != nil {
		return nil, err
	}
	return rrp, nil
}
