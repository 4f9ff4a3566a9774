package pager

import (
	"encoding/binary"
)

// Record is the opaque unit the core persists: a key, a kind tag, and
// a payload. The core never interprets Payload; RecordKindDeleted is
// the one kind it does understand (a tombstone).
type Record struct {
	Key     RecordKey
	Kind    RecordKind
	Payload []byte
}

func (r Record) deleted() bool { return r.Kind == RecordKindDeleted }

// cloneRecord returns a deep copy so mutations to one container's
// entries never alias another's.
func cloneRecord(r Record) Record {
	if r.Payload == nil {
		return r
	}
	cp := make([]byte, len(r.Payload))
	copy(cp, r.Payload)
	return Record{Key: r.Key, Kind: r.Kind, Payload: cp}
}

// RecordPage is a leaf of a record-index indirect tree: up to
// PageFanout records sharing the same PageKey.
type RecordPage struct {
	PageKey  PageKey
	Revision Revision
	PageType PageKind // one of the record-bearing kinds
	Entries  map[RecordKey]Record
	// Complete marks a fragment that carries every record for its
	// page_key rather than only the records changed in Revision. The
	// Incremental, Differential and SlidingSnapshot strategies walk
	// historical fragments until they find one with Complete set (or
	// stop at their revision bound); Full uses only the newest fragment.
	Complete bool
}

// newRecordPage creates an empty RecordPage for pageKey at rev.
func newRecordPage(kind PageKind, pageKey PageKey, rev Revision) *RecordPage {
	return &RecordPage{
		PageKey:  pageKey,
		Revision: rev,
		PageType: kind,
		Entries:  make(map[RecordKey]Record),
	}
}

// clone returns a deep copy of rp, used whenever the write path needs
// an independent "modified" companion for a "complete" fragment.
func (rp *RecordPage) clone() *RecordPage {
	cp := &RecordPage{
		PageKey:  rp.PageKey,
		Revision: rp.Revision,
		PageType: rp.PageType,
		Entries:  make(map[RecordKey]Record, len(rp.Entries)),
		Complete: rp.Complete,
	}
	for k, v := range rp.Entries {
		cp.Entries[k] = cloneRecord(v)
	}
	return cp
}

func (rp *RecordPage) Kind() PageKind { return rp.PageType }

// full reports whether the page has reached its fanout capacity — the
// sliding-snapshot strategy's other stop condition.
func (rp *RecordPage) full() bool { return len(rp.Entries) >= PageFanout }

func (rp *RecordPage) marshalBody() []byte {
	// page_key:u64 | revision:u32 | page_kind:u8 | complete:u8 |
	// count:uvarint |
	// entries{ record_key:varint | record_kind:u8 | payload_len:uvarint | payload }
	buf := make([]byte, 0, 14+len(rp.Entries)*24)
	var tmp [binary.MaxVarintLen64]byte

	var head [14]byte
	binary.LittleEndian.PutUint64(head[0:8], uint64(rp.PageKey))
	binary.LittleEndian.PutUint32(head[8:12], uint32(rp.Revision))
	head[12] = byte(rp.PageType)
	if rp.Complete {
		head[13] = 1
	}
	buf = append(buf, head[:]...)

	n := binary.PutUvarint(tmp[:], uint64(len(rp.Entries)))
	buf = append(buf, tmp[:n]...)

	for _, rec := range rp.Entries {
		n = binary.PutVarint(tmp[:], int64(rec.Key))
		buf = append(buf, tmp[:n]...)
		buf = append(buf, byte(rec.Kind))
		n = binary.PutUvarint(tmp[:], uint64(len(rec.Payload)))
		buf = append(buf, tmp[:n]...)
		buf = append(buf, rec.Payload...)
	}
	return buf
}

func unmarshalRecordPage(kind PageKind, rev Revision, body []byte) (*RecordPage, error) {
	if len(body) < 14 {
		return nil, corruptErrorf("record page body too short: %d bytes", len(body))
	}
	pageKey := PageKey(binary.LittleEndian.Uint64(body[0:8]))
	bodyRev := Revision(binary.LittleEndian.Uint32(body[8:12]))
	pageType := PageKind(body[12])
	if pageType != kind {
		return nil, corruptErrorf("record page kind mismatch: frame=%v body=%v", kind, pageType)
	}

	rp := newRecordPage(pageType, pageKey, bodyRev)
	rp.Complete = body[13] != 0
	off := 14
	count, n, err := readUvarint(body[off:])
	if err != nil {
		return nil, err
	}
	off += n

	for i := uint64(0); i < count; i++ {
		key, n, err := readVarint(body[off:])
		if err != nil {
			return nil, err
		}
		off += n
		if off >= len(body) {
			return nil, corruptErrorf("truncated record entry")
		}
		kindByte := RecordKind(body[off])
		off++
		plen, n, err := readUvarint(body[off:])
		if err != nil {
			return nil, err
		}
		off += n
		if uint64(off)+plen > uint64(len(body)) {
			return nil, corruptErrorf("truncated record payload")
		}
		payload := append([]byte(nil), body[off:uint64(off)+plen]...)
		off += int(plen)
		rp.Entries[RecordKey(key)] = Record{Key: RecordKey(key), Kind: kindByte, Payload: payload}
	}
	return rp, nil
}

func readUvarint(b []byte) (uint64, int, error) {
	v, n := binary.Uvarint(b)
	if n <= 0 {
		return 0, 0, corruptErrorf("invalid varint")
	}
	return v, n, nil
}

func readVarint(b []byte) (int64, int, error) {
	v, n := binary.Varint(b)
	if n <= 0 {
		return 0, 0, corruptErrorf("invalid varint")
	}
	return v, n, nil
}
