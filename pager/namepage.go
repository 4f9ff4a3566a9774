package pager

import (
	"hash/fnv"
)

// The NamePage is not a distinct on-disk page layout: it is a
// RecordPage subtree tagged KindNamePage whose entries map a
// content-hash-derived NameKey to an encoded (kind, name) pair. This
// keeps the core's page-kind dispatch uniform, per the data model's
// "every one is an indexable subtree rooted at a PageReference"
// treatment of NamePage/PathSummaryPage/CASPage/PathPage.

// NameKeyFor derives a stable NameKey for a name string. The same name
// always hashes to the same key within a resource so repeated
// insertions of the same name never need a reverse lookup.
func NameKeyFor(name string) NameKey {
	h := fnv.New32a()
	_, _ = h.Write([]byte(name))
	return NameKey(h.Sum32())
}

// EncodeNameEntry packs a name-page payload: kind:u8 | name bytes.
func EncodeNameEntry(kind RecordKind, name string) []byte {
	buf := make([]byte, 1+len(name))
	buf[0] = byte(kind)
	copy(buf[1:], name)
	return buf
}

// DecodeNameEntry unpacks a name-page payload produced by
// EncodeNameEntry.
func DecodeNameEntry(payload []byte) (kind RecordKind, name string, err error) {
	if len(payload) < 1 {
		return 0, "", corruptErrorf("name entry too short")
	}
	return RecordKind(payload[0]), string(payload[1:]), nil
}
